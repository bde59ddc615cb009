package worker

import (
	"context"
	"errors"
	"time"

	"P2PAutoPay/internal/metrics"
	"P2PAutoPay/internal/models"
	"P2PAutoPay/internal/store"

	"go.uber.org/zap"
)

const executorService = "executor"

// Transferer performs the fiat transfer for a claimed order.
type Transferer interface {
	Transfer(ctx context.Context, order *models.Order) (models.TransferResult, error)
}

// Executor claims pending_transfer orders under a lease and pays them.
type Executor struct {
	Store           ExecutorStore
	Payout          Transferer
	Logger          *zap.Logger
	WorkerID        string
	Interval        time.Duration
	Lease           time.Duration
	TransferTimeout time.Duration
}

func (e *Executor) Run(ctx context.Context) {
	log := nopIfNil(e.Logger)
	log.Info("executor started",
		zap.String("worker_id", e.WorkerID),
		zap.Duration("interval", e.Interval),
		zap.Duration("lease", e.Lease))
	poll(ctx, log, executorService, e.Interval, func(ctx context.Context) error {
		_, err := e.ExecuteOnce(ctx)
		return err
	})
	log.Info("executor stopped")
}

// ExecuteOnce claims at most one order and attempts its transfer. It reports
// whether an order was claimed.
func (e *Executor) ExecuteOnce(ctx context.Context) (bool, error) {
	order, err := e.Store.ClaimNext(ctx, e.WorkerID, e.Lease)
	if errors.Is(err, store.ErrNoneAvailable) {
		metrics.Claims.WithLabelValues("none").Inc()
		return false, nil
	}
	if err != nil {
		return false, err
	}
	metrics.Claims.WithLabelValues("claimed").Inc()

	log := nopIfNil(e.Logger).With(zap.String("order", order.OrderNumber))
	number := order.OrderNumber
	log.Info("order claimed", zap.Time("lease_expires_at", order.Lease.ExpiresAt))

	if order.TransferredAt != nil {
		// Paid by an earlier claim that never reached completed.
		result := models.TransferResult{TransferredAt: *order.TransferredAt}
		if order.TransferReference != nil {
			result.Reference = *order.TransferReference
		}
		log.Warn("transfer already recorded, completing without paying again")
		return true, e.complete(ctx, log, number, result)
	}

	if order.PaymentDetails().Empty() {
		log.Warn("claimed order has no payment destination, sending to manual review")
		return true, e.Store.Transition(ctx, number, models.OrderManualReview, executorService, nil,
			"no payment destination recorded")
	}

	tctx := ctx
	if e.TransferTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, e.TransferTimeout)
		defer cancel()
	}
	result, err := e.Payout.Transfer(tctx, order)
	if err != nil {
		metrics.Transfers.WithLabelValues("failure").Inc()
		if ctx.Err() != nil {
			// Shutting down; the lease lapses and another executor retries.
			return true, ctx.Err()
		}
		return true, e.fail(ctx, log, number, err)
	}
	metrics.Transfers.WithLabelValues("success").Inc()

	if err := e.Store.RecordTransferResult(ctx, number, result); err != nil && !errors.Is(err, store.ErrAlreadyRecorded) {
		return true, err
	}
	return true, e.complete(ctx, log, number, result)
}

func (e *Executor) complete(ctx context.Context, log *zap.Logger, number string, result models.TransferResult) error {
	payload := map[string]any{
		"reference":      result.Reference,
		"transferred_at": result.TransferredAt.UTC().Format(time.RFC3339),
		"worker_id":      e.WorkerID,
	}
	if err := e.Store.Transition(ctx, number, models.OrderCompleted, executorService, payload, ""); err != nil {
		return err
	}
	log.Info("order completed", zap.String("reference", result.Reference))
	return nil
}

func (e *Executor) fail(ctx context.Context, log *zap.Logger, number string, cause error) error {
	outcome, err := e.Store.IncrementRetry(ctx, number, executorService, cause.Error())
	if err != nil {
		return err
	}
	if outcome == models.RetryExhausted {
		log.Error("transfer retries exhausted, order failed", zap.Error(cause))
		return nil
	}

	released, err := e.Store.ReleaseLease(ctx, number, e.WorkerID)
	if err != nil {
		return err
	}
	log.Warn("transfer failed, lease released for retry", zap.Error(cause), zap.Bool("released", released))
	return nil
}
