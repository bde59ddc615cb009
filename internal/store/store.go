package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"P2PAutoPay/internal/metrics"
	"P2PAutoPay/internal/models"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrDuplicateOrder    = errors.New("order already exists")
	ErrNoneAvailable     = errors.New("no order available")
	ErrUnavailable       = errors.New("store unavailable")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyRecorded   = errors.New("already recorded")
)

const DefaultMaxRetries = 3

// OrderStore is the only writer of orders and events. Both Store and Memory
// implement it.
type OrderStore interface {
	GetByNumber(ctx context.Context, orderNumber string) (*models.Order, error)
	Insert(ctx context.Context, order *models.Order) error
	ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*models.Order, error)
	Transition(ctx context.Context, orderNumber string, to models.OrderStatus, service string, payload map[string]any, errMsg string) error
	RecordPaymentDetails(ctx context.Context, orderNumber string, details models.PaymentDetails) error
	RecordTransferResult(ctx context.Context, orderNumber string, result models.TransferResult) error
	IncrementRetry(ctx context.Context, orderNumber, service, errMsg string) (models.RetryOutcome, error)
	ReleaseLease(ctx context.Context, orderNumber, workerID string) (bool, error)
	HealthCheck(ctx context.Context) error

	ListStale(ctx context.Context, statuses []models.OrderStatus, olderThan time.Duration, limit int) ([]*models.Order, error)
	ListByStatus(ctx context.Context, status models.OrderStatus, limit int) ([]*models.Order, error)
	ListEvents(ctx context.Context, orderNumber string) ([]*models.Event, error)
	ListEventsSince(ctx context.Context, afterID int64, limit int) ([]*models.Event, error)
}

var (
	_ OrderStore = (*Store)(nil)
	_ OrderStore = (*Memory)(nil)
)

func unavailable(op string, err error) error {
	metrics.RecordStoreError(op)
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func invalidTransition(orderNumber string, from, to models.OrderStatus) error {
	return fmt.Errorf("%w: order %s %s -> %s", ErrInvalidTransition, orderNumber, from, to)
}

// retryOutcome decides the next retry_count and whether the order fails.
func retryOutcome(retryCount, maxRetries int) (int, models.RetryOutcome) {
	next := retryCount + 1
	if next >= maxRetries {
		if next > maxRetries {
			next = maxRetries
		}
		return next, models.RetryExhausted
	}
	return next, models.RetryScheduled
}

// requeues reports whether a transition hands a reviewed order back to the
// executors. The transfer then starts with a full retry budget.
func requeues(from, to models.OrderStatus) bool {
	return from == models.OrderManualReview && to == models.OrderPendingTransfer
}
