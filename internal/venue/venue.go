package venue

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

// ErrSessionExpired is returned when the sidecar reports that the venue login
// is gone and a human has to sign in again.
var ErrSessionExpired = errors.New("venue session expired")

var DefaultPendingStatuses = []string{"pending", "pending_payment", "to_pay", "unpaid", "trading"}

// Listing is one order row as shown on the venue.
type Listing struct {
	OrderNumber  string          `json:"order_number"`
	OrderType    string          `json:"order_type"`
	AmountFiat   decimal.Decimal `json:"amount_fiat"`
	Currency     string          `json:"currency"`
	AmountCrypto decimal.Decimal `json:"amount_crypto"`
	CryptoAsset  string          `json:"crypto_asset"`
	Counterparty string          `json:"counterparty"`
	Status       string          `json:"status"`
	Href         string          `json:"href"`
}

// IsPending reports whether the venue still waits on our side of the trade.
// Statuses compare case-insensitively with spaces and dashes folded to
// underscores.
func (l Listing) IsPending(pending []string) bool {
	if len(pending) == 0 {
		pending = DefaultPendingStatuses
	}
	status := normalizeStatus(l.Status)
	for _, p := range pending {
		if status == normalizeStatus(p) {
			return true
		}
	}
	return false
}

func (l Listing) IsBuy() bool {
	t, ok := models.ParseOrderType(l.OrderType)
	return ok && t == models.OrderBuy
}

// Order builds the row the detector inserts for a newly seen listing.
func (l Listing) Order(maxRetries int) *models.Order {
	t, _ := models.ParseOrderType(l.OrderType)
	return &models.Order{
		OrderNumber:  strings.TrimSpace(l.OrderNumber),
		OrderType:    t,
		AmountFiat:   l.AmountFiat,
		Currency:     strings.ToUpper(strings.TrimSpace(l.Currency)),
		AmountCrypto: l.AmountCrypto,
		CryptoAsset:  strings.ToUpper(strings.TrimSpace(l.CryptoAsset)),
		Counterparty: models.StringPtr(strings.TrimSpace(l.Counterparty)),
		VenueHref:    l.Href,
		MaxRetries:   maxRetries,
	}
}

func normalizeStatus(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}

// Client talks to the browser-automation sidecar that owns the venue session.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type listResponse struct {
	Orders []Listing `json:"orders"`
}

func (c *Client) ListOrders(ctx context.Context) ([]Listing, error) {
	var resp listResponse
	if err := c.do(ctx, http.MethodGet, "/orders", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

type extractRequest struct {
	Href string `json:"href"`
}

// ExtractPaymentDetails opens the order page and reads the counterparty's
// payment destination. A page without one yields empty details and no error.
func (c *Client) ExtractPaymentDetails(ctx context.Context, href string) (models.PaymentDetails, error) {
	var details models.PaymentDetails
	if err := c.do(ctx, http.MethodPost, "/payment-details", extractRequest{Href: href}, &details); err != nil {
		return models.PaymentDetails{}, err
	}
	return details.Normalize(), nil
}

type sessionResponse struct {
	Valid bool `json:"valid"`
}

func (c *Client) VerifySession(ctx context.Context) (bool, error) {
	var resp sessionResponse
	err := c.do(ctx, http.MethodGet, "/session", nil, &resp)
	if errors.Is(err, ErrSessionExpired) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return resp.Valid, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrSessionExpired
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(data))
		if msg != "" {
			return fmt.Errorf("venue http status %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("venue http status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
