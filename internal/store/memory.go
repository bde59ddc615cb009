package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"P2PAutoPay/internal/metrics"
	"P2PAutoPay/internal/models"

	"go.uber.org/zap"
)

// Memory is an in-process OrderStore with the same semantics as Store. It
// backs the memory driver and the pipeline tests. Logger may be nil.
type Memory struct {
	Logger *zap.Logger

	mu          sync.Mutex
	now         func() time.Time
	nextOrderID int64
	nextEventID int64
	orders      map[string]*models.Order
	events      []*models.Event
}

func NewMemory() *Memory {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{
		now:    now,
		orders: make(map[string]*models.Order),
	}
}

func (m *Memory) logger() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}

func (m *Memory) GetByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderNumber]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (m *Memory) Insert(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.OrderNumber]; ok {
		return ErrDuplicateOrder
	}

	now := m.now()
	m.nextOrderID++
	order.ID = m.nextOrderID
	order.Status = models.OrderDetected
	order.Lease = nil
	order.RetryCount = 0
	if order.MaxRetries <= 0 {
		order.MaxRetries = DefaultMaxRetries
	}
	order.DetectedAt = now
	order.UpdatedAt = now
	order.CompletedAt = nil
	m.orders[order.OrderNumber] = cloneOrder(order)

	m.appendEvent(&models.Event{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		EventType:   models.EventOrderDetected,
		NewStatus:   models.StatusPtr(models.OrderDetected),
		ServiceName: "detector",
		Payload: map[string]any{
			"order_type":    string(order.OrderType),
			"amount_fiat":   order.AmountFiat.String(),
			"currency":      order.Currency,
			"amount_crypto": order.AmountCrypto.String(),
		},
	})
	return nil
}

func (m *Memory) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var candidate *models.Order
	for _, o := range m.orders {
		if o.Status != models.OrderPendingTransfer || o.Lease.Active(now) {
			continue
		}
		if candidate == nil || o.DetectedAt.Before(candidate.DetectedAt) ||
			(o.DetectedAt.Equal(candidate.DetectedAt) && o.ID < candidate.ID) {
			candidate = o
		}
	}
	if candidate == nil {
		return nil, ErrNoneAvailable
	}
	candidate.Lease = &models.Lease{Owner: workerID, ExpiresAt: now.Add(lease)}
	candidate.UpdatedAt = now
	return cloneOrder(candidate), nil
}

func (m *Memory) Transition(ctx context.Context, orderNumber string, to models.OrderStatus, service string, payload map[string]any, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderNumber]
	if !ok {
		m.logger().Warn("transition on missing order",
			zap.String("order", orderNumber), zap.String("to", string(to)), zap.String("service", service))
		return nil
	}
	from := o.Status
	if !models.CanTransition(from, to) {
		return invalidTransition(orderNumber, from, to)
	}

	now := m.now()
	o.Status = to
	o.UpdatedAt = now
	if errMsg != "" {
		o.LastError = models.StringPtr(errMsg)
	}
	if to.Terminal() {
		o.CompletedAt = &now
	}
	if to != models.OrderPendingTransfer {
		o.Lease = nil
	}
	if requeues(from, to) {
		o.RetryCount = 0
	}

	m.appendEvent(&models.Event{
		OrderID:        o.ID,
		OrderNumber:    o.OrderNumber,
		EventType:      models.EventStatusChange,
		PreviousStatus: models.StatusPtr(from),
		NewStatus:      models.StatusPtr(to),
		Payload:        payload,
		ErrorMessage:   models.StringPtr(errMsg),
		ServiceName:    service,
	})
	metrics.RecordTransition(string(from), string(to))
	return nil
}

func (m *Memory) RecordPaymentDetails(ctx context.Context, orderNumber string, details models.PaymentDetails) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderNumber]
	if !ok {
		return ErrNotFound
	}
	if o.HasPaymentDetails() {
		return ErrAlreadyRecorded
	}
	d := details.Normalize()
	o.PaymentCVU = models.StringPtr(d.CVU)
	o.PaymentAlias = models.StringPtr(d.Alias)
	o.PaymentHolder = models.StringPtr(d.Holder)
	o.UpdatedAt = m.now()
	return nil
}

func (m *Memory) RecordTransferResult(ctx context.Context, orderNumber string, result models.TransferResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderNumber]
	if !ok {
		return ErrNotFound
	}
	if o.TransferredAt != nil {
		return ErrAlreadyRecorded
	}
	at := result.TransferredAt.UTC()
	o.TransferredAt = &at
	o.TransferReference = models.StringPtr(result.Reference)
	o.UpdatedAt = m.now()
	return nil
}

func (m *Memory) IncrementRetry(ctx context.Context, orderNumber, service, errMsg string) (models.RetryOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderNumber]
	if !ok {
		return "", ErrNotFound
	}
	from := o.Status
	if from.Terminal() {
		return models.RetryExhausted, nil
	}

	now := m.now()
	next, outcome := retryOutcome(o.RetryCount, o.MaxRetries)
	o.RetryCount = next
	o.LastError = models.StringPtr(errMsg)
	o.UpdatedAt = now

	ev := &models.Event{
		OrderID:        o.ID,
		OrderNumber:    o.OrderNumber,
		PreviousStatus: models.StatusPtr(from),
		ErrorMessage:   models.StringPtr(errMsg),
		ServiceName:    service,
		Payload:        map[string]any{"retry_count": next, "max_retries": o.MaxRetries},
	}
	if outcome == models.RetryExhausted {
		o.Status = models.OrderFailed
		o.CompletedAt = &now
		o.Lease = nil
		ev.EventType = models.EventStatusChange
		ev.NewStatus = models.StatusPtr(models.OrderFailed)
		metrics.RecordTransition(string(from), string(models.OrderFailed))
	} else {
		ev.EventType = models.EventRetry
		ev.NewStatus = models.StatusPtr(from)
	}
	m.appendEvent(ev)
	metrics.RecordRetry(string(outcome))
	return outcome, nil
}

func (m *Memory) ReleaseLease(ctx context.Context, orderNumber, workerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderNumber]
	if !ok || o.Lease == nil || o.Lease.Owner != workerID {
		return false, nil
	}
	o.Lease = nil
	o.UpdatedAt = m.now()
	return true, nil
}

func (m *Memory) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) ListStale(ctx context.Context, statuses []models.OrderStatus, olderThan time.Duration, limit int) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-olderThan)
	var out []*models.Order
	for _, o := range m.orders {
		if !containsStatus(statuses, o.Status) || !o.UpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, cloneOrder(o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return truncate(out, limit), nil
}

func (m *Memory) ListByStatus(ctx context.Context, status models.OrderStatus, limit int) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Order
	for _, o := range m.orders {
		if o.Status == status {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return truncate(out, limit), nil
}

func (m *Memory) ListEvents(ctx context.Context, orderNumber string) ([]*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Event
	for _, ev := range m.events {
		if ev.OrderNumber == orderNumber {
			out = append(out, cloneEvent(ev))
		}
	}
	return out, nil
}

func (m *Memory) ListEventsSince(ctx context.Context, afterID int64, limit int) ([]*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Event
	for _, ev := range m.events {
		if ev.ID <= afterID {
			continue
		}
		out = append(out, cloneEvent(ev))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) appendEvent(ev *models.Event) {
	m.nextEventID++
	ev.ID = m.nextEventID
	ev.CreatedAt = m.now()
	m.events = append(m.events, ev)
}

func containsStatus(list []models.OrderStatus, s models.OrderStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func truncate(orders []*models.Order, limit int) []*models.Order {
	if limit > 0 && len(orders) > limit {
		return orders[:limit]
	}
	return orders
}

func cloneOrder(o *models.Order) *models.Order {
	c := *o
	if o.Lease != nil {
		l := *o.Lease
		c.Lease = &l
	}
	return &c
}

func cloneEvent(ev *models.Event) *models.Event {
	c := *ev
	return &c
}
