package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"P2PAutoPay/internal/config"
	"P2PAutoPay/internal/feed"
	internalhttp "P2PAutoPay/internal/http"
	"P2PAutoPay/internal/logging"
	"P2PAutoPay/internal/relay"
	"P2PAutoPay/internal/services"
	"P2PAutoPay/internal/store"

	"go.uber.org/zap"
)

func main() {
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

	hub := feed.NewHub(logger.Named("feed"))
	go hub.Run(ctx)
	poller := &feed.Poller{
		Source:   st,
		Hub:      hub,
		Logger:   logger.Named("feed"),
		Interval: cfg.FeedInterval(),
	}
	go poller.Run(ctx)

	if cfg.Relay.AMQPURL != "" {
		startRelay(ctx, cfg, pool, logger.Named("relay"))
	}

	orderSvc := services.OrderService{Store: st}
	h := internalhttp.NewHandler(orderSvc, logger.Named("api"))
	srv := internalhttp.NewServer(h, hub.ServeWS, cfg.Server.TokenHash)

	addr := cfg.Server.Addr
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv.Router,
	}

	go func() {
		logger.Info("api listening", zap.String("addr", addr), zap.Bool("auth", cfg.Server.TokenHash != ""))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}

func startRelay(ctx context.Context, cfg *config.Config, pool *sql.DB, logger *zap.Logger) {
	if pool == nil {
		logger.Warn("event relay needs a postgres store, disabled for the memory driver")
		return
	}
	pub, err := relay.NewRabbitPublisher(cfg.Relay.AMQPURL, cfg.Relay.Exchange)
	if err != nil {
		logger.Error("event relay disabled", zap.Error(err))
		return
	}
	r := &relay.Relay{
		DB:        pool,
		Publisher: pub,
		Logger:    logger,
		Interval:  cfg.RelayInterval(),
		Batch:     cfg.Relay.Batch,
		Settle:    cfg.RelaySettle(),
	}
	go func() {
		defer pub.Close()
		r.Run(ctx)
	}()
	logger.Info("event relay started", zap.String("exchange", cfg.Relay.Exchange))
}
