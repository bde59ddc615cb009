package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"P2PAutoPay/internal/config"
	"P2PAutoPay/internal/logging"
	"P2PAutoPay/internal/payout"
	"P2PAutoPay/internal/store"
	"P2PAutoPay/internal/venue"
	"P2PAutoPay/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	m := parseMode(os.Args[1:])
	if m == modeHelp {
		printUsage(os.Stdout)
		return
	}

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	logger, err := logging.New(logging.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Development: cfg.Log.Development,
	})
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, pool, err := store.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, logger.Named("store"))
	if err != nil {
		logger.Fatal("store open failed", zap.Error(err))
	}
	if pool != nil {
		defer pool.Close()
	}
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = st.HealthCheck(healthCtx)
	cancel()
	if err != nil {
		logger.Fatal("store health check failed", zap.Error(err))
	}

	if m == modeBoth {
		logger.Warn("running detector and executor in one process; run them as separate processes in production")
	}
	if cfg.Metrics.Addr != "" {
		go serveMetrics(ctx, logger, cfg.Metrics.Addr)
	}

	var wg sync.WaitGroup
	if m.runsDetector() {
		d := &worker.Detector{
			Store:           st,
			Venue:           venue.NewClient(cfg.Venue.Endpoint, cfg.VenueTimeout()),
			Logger:          logger.Named("detector"),
			Interval:        cfg.DetectorInterval(),
			SessionRetry:    cfg.SessionRetry(),
			StaleAfter:      cfg.StaleAfter(),
			ReconcileBatch:  cfg.Detector.ReconcileBatch,
			MaxRetries:      cfg.Orders.MaxRetries,
			PendingStatuses: cfg.Venue.PendingStatuses,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Run(ctx)
		}()
	}
	if m.runsExecutor() {
		workerID := cfg.Executor.WorkerID
		if workerID == "" {
			workerID = worker.NewWorkerID("executor")
		}
		e := &worker.Executor{
			Store:           st,
			Payout:          payout.NewClient(cfg.Payout.Endpoint, cfg.Payout.APIKey),
			Logger:          logger.Named("executor"),
			WorkerID:        workerID,
			Interval:        cfg.ExecutorInterval(),
			Lease:           cfg.Lease(),
			TransferTimeout: cfg.TransferTimeout(),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Run(ctx)
		}()
	}

	logger.Info("worker started", zap.String("mode", string(m)), zap.String("db_driver", cfg.DB.Driver))
	wg.Wait()
	logger.Info("worker stopped")
}

func serveMetrics(ctx context.Context, logger *zap.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server", zap.Error(err))
	}
}
