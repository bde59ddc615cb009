package payout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"P2PAutoPay/internal/models"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrRejected means the rail refused the transfer. Repeating the same request
// will not help without operator action, but the executor still counts it as a
// retryable failure.
var ErrRejected = errors.New("transfer rejected")

var ErrNoDestination = errors.New("order has no payment destination")

// Client sends fiat transfers to the payment-rail service.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	now     func() time.Time
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{},
		now:     time.Now,
	}
}

type transferRequest struct {
	OrderNumber string          `json:"order_number"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	CVU         string          `json:"cvu,omitempty"`
	Alias       string          `json:"alias,omitempty"`
	Holder      string          `json:"holder,omitempty"`
}

type transferResponse struct {
	Status        string `json:"status"`
	Reference     string `json:"reference"`
	TransferredAt string `json:"transferred_at"`
	Error         string `json:"error"`
}

// Transfer pays the order's fiat amount to its recorded destination. The order
// number travels as the Idempotency-Key so a second attempt after a lease
// expiry is deduplicated by the rail.
func (c *Client) Transfer(ctx context.Context, order *models.Order) (models.TransferResult, error) {
	dest := order.PaymentDetails().Normalize()
	if dest.Empty() {
		return models.TransferResult{}, ErrNoDestination
	}

	body, err := json.Marshal(transferRequest{
		OrderNumber: order.OrderNumber,
		Amount:      order.AmountFiat,
		Currency:    order.Currency,
		CVU:         dest.CVU,
		Alias:       dest.Alias,
		Holder:      dest.Holder,
	})
	if err != nil {
		return models.TransferResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transfers", bytes.NewReader(body))
	if err != nil {
		return models.TransferResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", order.OrderNumber)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return models.TransferResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(data))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return models.TransferResult{}, fmt.Errorf("%w: http status %d: %s", ErrRejected, resp.StatusCode, msg)
		}
		if msg != "" {
			return models.TransferResult{}, fmt.Errorf("payout http status %d: %s", resp.StatusCode, msg)
		}
		return models.TransferResult{}, fmt.Errorf("payout http status %d", resp.StatusCode)
	}

	var out transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.TransferResult{}, fmt.Errorf("decode payout response: %w", err)
	}
	switch strings.ToLower(out.Status) {
	case "success", "completed", "ok":
	default:
		if out.Error == "" {
			out.Error = "status " + out.Status
		}
		return models.TransferResult{}, fmt.Errorf("%w: %s", ErrRejected, out.Error)
	}

	result := models.TransferResult{Reference: out.Reference, TransferredAt: c.now().UTC()}
	if out.TransferredAt != "" {
		if ts, err := time.Parse(time.RFC3339, out.TransferredAt); err == nil {
			result.TransferredAt = ts.UTC()
		}
	}
	return result, nil
}
