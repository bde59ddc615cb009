package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"P2PAutoPay/internal/metrics"
	"P2PAutoPay/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DetectorStore is the part of the order store the detector writes through.
type DetectorStore interface {
	GetByNumber(ctx context.Context, orderNumber string) (*models.Order, error)
	Insert(ctx context.Context, order *models.Order) error
	Transition(ctx context.Context, orderNumber string, to models.OrderStatus, service string, payload map[string]any, errMsg string) error
	RecordPaymentDetails(ctx context.Context, orderNumber string, details models.PaymentDetails) error
	IncrementRetry(ctx context.Context, orderNumber, service, errMsg string) (models.RetryOutcome, error)
	ListStale(ctx context.Context, statuses []models.OrderStatus, olderThan time.Duration, limit int) ([]*models.Order, error)
}

// ExecutorStore is the part of the order store the executor writes through.
type ExecutorStore interface {
	ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*models.Order, error)
	Transition(ctx context.Context, orderNumber string, to models.OrderStatus, service string, payload map[string]any, errMsg string) error
	RecordTransferResult(ctx context.Context, orderNumber string, result models.TransferResult) error
	IncrementRetry(ctx context.Context, orderNumber, service, errMsg string) (models.RetryOutcome, error)
	ReleaseLease(ctx context.Context, orderNumber, workerID string) (bool, error)
}

// poll runs fn immediately and then on every tick until ctx is done. Errors
// are logged and never stop the loop.
func poll(ctx context.Context, logger *zap.Logger, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		start := time.Now()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			logger.Error("poll failed", zap.String("loop", name), zap.Error(err))
		}
		metrics.PollDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// NewWorkerID returns an identifier unique to this process, used as the lease
// owner.
func NewWorkerID(prefix string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%s-%d-%s", prefix, host, os.Getpid(), uuid.NewString()[:8])
}

func nopIfNil(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
