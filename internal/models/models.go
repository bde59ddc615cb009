package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderDetected        OrderStatus = "detected"
	OrderExtracting      OrderStatus = "extracting"
	OrderPendingTransfer OrderStatus = "pending_transfer"
	OrderManualReview    OrderStatus = "manual_review"
	OrderCompleted       OrderStatus = "completed"
	OrderFailed          OrderStatus = "failed"
	OrderCancelled       OrderStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed. manual_review is
// only terminal for automation and is not included.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderCompleted, OrderFailed, OrderCancelled:
		return true
	}
	return false
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderDetected, OrderExtracting, OrderPendingTransfer, OrderManualReview,
		OrderCompleted, OrderFailed, OrderCancelled:
		return true
	}
	return false
}

type OrderType string

const (
	OrderBuy  OrderType = "buy"
	OrderSell OrderType = "sell"
)

func ParseOrderType(v string) (OrderType, bool) {
	switch OrderType(strings.ToLower(strings.TrimSpace(v))) {
	case OrderBuy:
		return OrderBuy, true
	case OrderSell:
		return OrderSell, true
	}
	return "", false
}

// Lease is the claim an executor holds on an order. Owner and ExpiresAt are
// persisted together; a nil *Lease means unclaimed.
type Lease struct {
	Owner     string    `json:"locked_by"`
	ExpiresAt time.Time `json:"lock_expires_at"`
}

func (l *Lease) Active(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

type PaymentDetails struct {
	CVU    string `json:"cvu,omitempty"`
	Alias  string `json:"alias,omitempty"`
	Holder string `json:"holder,omitempty"`
}

func (d PaymentDetails) Normalize() PaymentDetails {
	return PaymentDetails{
		CVU:    strings.TrimSpace(d.CVU),
		Alias:  strings.TrimSpace(d.Alias),
		Holder: strings.TrimSpace(d.Holder),
	}
}

// Empty is true when no usable destination was found. A holder name alone is
// not a destination.
func (d PaymentDetails) Empty() bool {
	n := d.Normalize()
	return n.CVU == "" && n.Alias == ""
}

type TransferResult struct {
	TransferredAt time.Time
	Reference     string
}

type RetryOutcome string

const (
	RetryScheduled RetryOutcome = "retried"
	RetryExhausted RetryOutcome = "exhausted"
)

type Order struct {
	ID                int64           `json:"id"`
	OrderNumber       string          `json:"order_number"`
	OrderType         OrderType       `json:"order_type"`
	AmountFiat        decimal.Decimal `json:"amount_fiat"`
	Currency          string          `json:"currency"`
	AmountCrypto      decimal.Decimal `json:"amount_crypto"`
	CryptoAsset       string          `json:"crypto_asset"`
	Counterparty      *string         `json:"counterparty_name,omitempty"`
	VenueHref         string          `json:"venue_href,omitempty"`
	Status            OrderStatus     `json:"status"`
	Lease             *Lease          `json:"lease,omitempty"`
	RetryCount        int             `json:"retry_count"`
	MaxRetries        int             `json:"max_retries"`
	LastError         *string         `json:"last_error,omitempty"`
	PaymentCVU        *string         `json:"payment_cvu,omitempty"`
	PaymentAlias      *string         `json:"payment_alias,omitempty"`
	PaymentHolder     *string         `json:"payment_holder,omitempty"`
	TransferredAt     *time.Time      `json:"mp_transferred_at,omitempty"`
	TransferReference *string         `json:"mp_reference,omitempty"`
	DetectedAt        time.Time       `json:"detected_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

func (o *Order) PaymentDetails() PaymentDetails {
	var d PaymentDetails
	if o.PaymentCVU != nil {
		d.CVU = *o.PaymentCVU
	}
	if o.PaymentAlias != nil {
		d.Alias = *o.PaymentAlias
	}
	if o.PaymentHolder != nil {
		d.Holder = *o.PaymentHolder
	}
	return d
}

func (o *Order) HasPaymentDetails() bool {
	return o.PaymentCVU != nil || o.PaymentAlias != nil || o.PaymentHolder != nil
}

type Event struct {
	ID             int64          `json:"id"`
	OrderID        int64          `json:"order_id"`
	OrderNumber    string         `json:"order_number"`
	EventType      string         `json:"event_type"`
	PreviousStatus *OrderStatus   `json:"previous_status"`
	NewStatus      *OrderStatus   `json:"new_status"`
	Payload        map[string]any `json:"payload,omitempty"`
	ErrorMessage   *string        `json:"error_message,omitempty"`
	ServiceName    string         `json:"service_name"`
	CreatedAt      time.Time      `json:"created_at"`
}

const (
	EventOrderDetected = "order_detected"
	EventStatusChange  = "status_change"
	EventRetry         = "retry"
)

func StringPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func StatusPtr(s OrderStatus) *OrderStatus {
	return &s
}
