package services

import (
	"context"
	"errors"
	"fmt"

	"P2PAutoPay/internal/models"
	"P2PAutoPay/internal/store"
)

const operatorService = "operator"

var (
	ErrInvalidStatus      = errors.New("invalid status")
	ErrNotInManualReview  = errors.New("order is not in manual review")
	ErrMissingDestination = errors.New("cvu or alias is required")
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// OrderService backs the operator API. Every write goes through the order
// store so transitions and events stay consistent with the workers.
type OrderService struct {
	Store store.OrderStore
}

func (s OrderService) GetOrder(ctx context.Context, orderNumber string) (*models.Order, error) {
	return s.Store.GetByNumber(ctx, orderNumber)
}

// ListOrders lists orders in one status, oldest first. An empty status means
// manual_review, the queue operators work from.
func (s OrderService) ListOrders(ctx context.Context, status string, limit int) ([]*models.Order, error) {
	st := models.OrderManualReview
	if status != "" {
		st = models.OrderStatus(status)
		if !st.Valid() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, status)
		}
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	orders, err := s.Store.ListByStatus(ctx, st, limit)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []*models.Order{}
	}
	return orders, nil
}

func (s OrderService) ListEvents(ctx context.Context, orderNumber string) ([]*models.Event, error) {
	if _, err := s.Store.GetByNumber(ctx, orderNumber); err != nil {
		return nil, err
	}
	events, err := s.Store.ListEvents(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*models.Event{}
	}
	return events, nil
}

// CancelOrder abandons a non-terminal order.
func (s OrderService) CancelOrder(ctx context.Context, orderNumber, reason string) (*models.Order, error) {
	if _, err := s.Store.GetByNumber(ctx, orderNumber); err != nil {
		return nil, err
	}
	var payload map[string]any
	if reason != "" {
		payload = map[string]any{"reason": reason}
	}
	if err := s.Store.Transition(ctx, orderNumber, models.OrderCancelled, operatorService, payload, ""); err != nil {
		return nil, err
	}
	return s.Store.GetByNumber(ctx, orderNumber)
}

// RequeueOrder hands a manual_review order back to the executors with a fresh
// retry budget. Details are required unless a destination was already
// recorded.
func (s OrderService) RequeueOrder(ctx context.Context, orderNumber string, details models.PaymentDetails) (*models.Order, error) {
	order, err := s.Store.GetByNumber(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderManualReview {
		return nil, fmt.Errorf("%w: status is %s", ErrNotInManualReview, order.Status)
	}

	details = details.Normalize()
	if details.Empty() {
		if order.PaymentDetails().Empty() {
			return nil, ErrMissingDestination
		}
	} else if err := s.Store.RecordPaymentDetails(ctx, orderNumber, details); err != nil {
		return nil, err
	}

	payload := map[string]any{"requeued": true}
	if err := s.Store.Transition(ctx, orderNumber, models.OrderPendingTransfer, operatorService, payload, ""); err != nil {
		return nil, err
	}
	return s.Store.GetByNumber(ctx, orderNumber)
}

func (s OrderService) Health(ctx context.Context) error {
	return s.Store.HealthCheck(ctx)
}
