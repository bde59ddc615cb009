package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"P2PAutoPay/internal/metrics"
	"P2PAutoPay/internal/models"
	"P2PAutoPay/internal/store"
	"P2PAutoPay/internal/venue"

	"go.uber.org/zap"
)

const detectorService = "detector"

// Venue is what the detector needs from the venue sidecar.
type Venue interface {
	ListOrders(ctx context.Context) ([]venue.Listing, error)
	ExtractPaymentDetails(ctx context.Context, href string) (models.PaymentDetails, error)
	VerifySession(ctx context.Context) (bool, error)
}

// Detector discovers new buy orders on the venue and drives them to
// pending_transfer or manual_review.
type Detector struct {
	Store           DetectorStore
	Venue           Venue
	Logger          *zap.Logger
	Interval        time.Duration
	SessionRetry    time.Duration
	StaleAfter      time.Duration
	ReconcileBatch  int
	MaxRetries      int
	PendingStatuses []string
}

func (d *Detector) Run(ctx context.Context) {
	log := nopIfNil(d.Logger)
	log.Info("detector started",
		zap.Duration("interval", d.Interval), zap.Duration("stale_after", d.StaleAfter))
	poll(ctx, log, detectorService, d.Interval, func(ctx context.Context) error {
		if !d.waitForSession(ctx) {
			return nil
		}
		return d.PollOnce(ctx)
	})
	log.Info("detector stopped")
}

// waitForSession blocks until the venue session is valid. It returns false
// only when ctx ends first.
func (d *Detector) waitForSession(ctx context.Context) bool {
	log := nopIfNil(d.Logger)
	retry := d.SessionRetry
	if retry <= 0 {
		retry = 30 * time.Second
	}
	warned := false
	for {
		ok, err := d.Venue.VerifySession(ctx)
		switch {
		case err != nil:
			log.Warn("session check failed", zap.Error(err))
		case ok:
			if warned {
				log.Info("venue session restored")
			}
			return true
		case !warned:
			log.Warn("venue session expired, waiting for manual login", zap.Duration("retry", retry))
			warned = true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(retry):
		}
	}
}

// PollOnce runs one detection tick followed by the reconciliation sweep.
func (d *Detector) PollOnce(ctx context.Context) error {
	log := nopIfNil(d.Logger)
	listings, err := d.Venue.ListOrders(ctx)
	if err != nil {
		return fmt.Errorf("list venue orders: %w", err)
	}

	candidates := 0
	for _, l := range listings {
		if !l.IsBuy() || !l.IsPending(d.PendingStatuses) {
			continue
		}
		candidates++
		if err := d.handleListing(ctx, l); err != nil {
			log.Error("detect order failed", zap.String("order", l.OrderNumber), zap.Error(err))
		}
	}
	log.Debug("detector tick", zap.Int("listed", len(listings)), zap.Int("candidates", candidates))

	if err := d.Reconcile(ctx); err != nil {
		log.Error("reconcile failed", zap.Error(err))
	}
	return nil
}

func (d *Detector) handleListing(ctx context.Context, l venue.Listing) error {
	_, err := d.Store.GetByNumber(ctx, l.OrderNumber)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	order := l.Order(d.MaxRetries)
	if err := d.Store.Insert(ctx, order); err != nil {
		if errors.Is(err, store.ErrDuplicateOrder) {
			return nil
		}
		return err
	}
	metrics.OrdersDetected.Inc()
	nopIfNil(d.Logger).Info("order detected",
		zap.String("order", order.OrderNumber),
		zap.String("amount_fiat", order.AmountFiat.String()),
		zap.String("currency", order.Currency),
		zap.String("amount_crypto", order.AmountCrypto.String()))

	return d.extract(ctx, order)
}

// Reconcile re-runs extraction for orders left in detected or extracting
// longer than StaleAfter, which covers crashes mid-extraction and orders whose
// last attempt failed.
func (d *Detector) Reconcile(ctx context.Context) error {
	if d.StaleAfter <= 0 {
		return nil
	}
	batch := d.ReconcileBatch
	if batch <= 0 {
		batch = 10
	}
	stale, err := d.Store.ListStale(ctx,
		[]models.OrderStatus{models.OrderDetected, models.OrderExtracting}, d.StaleAfter, batch)
	if err != nil {
		return err
	}
	for _, order := range stale {
		nopIfNil(d.Logger).Info("reconciling stale order",
			zap.String("order", order.OrderNumber),
			zap.String("status", string(order.Status)),
			zap.Int("retry_count", order.RetryCount))
		if err := d.extract(ctx, order); err != nil {
			nopIfNil(d.Logger).Error("reconcile order failed", zap.String("order", order.OrderNumber), zap.Error(err))
		}
	}
	return nil
}

func (d *Detector) extract(ctx context.Context, order *models.Order) error {
	log := nopIfNil(d.Logger).With(zap.String("order", order.OrderNumber))
	number := order.OrderNumber

	if order.Status == models.OrderDetected {
		if err := d.Store.Transition(ctx, number, models.OrderExtracting, detectorService, nil, ""); err != nil {
			return err
		}
	}

	if order.VenueHref == "" {
		metrics.Extractions.WithLabelValues("empty").Inc()
		return d.Store.Transition(ctx, number, models.OrderManualReview, detectorService, nil,
			"listing has no order page link")
	}

	details := order.PaymentDetails()
	if details.Empty() {
		var err error
		details, err = d.Venue.ExtractPaymentDetails(ctx, order.VenueHref)
		if err != nil {
			metrics.Extractions.WithLabelValues("error").Inc()
			if errors.Is(err, venue.ErrSessionExpired) || ctx.Err() != nil {
				return err
			}
			outcome, rerr := d.Store.IncrementRetry(ctx, number, detectorService, err.Error())
			if rerr != nil {
				return rerr
			}
			if outcome == models.RetryExhausted {
				log.Error("extraction retries exhausted, order failed", zap.Error(err))
			} else {
				log.Warn("extraction failed, will retry", zap.Error(err))
			}
			return nil
		}
		if details.Empty() {
			metrics.Extractions.WithLabelValues("empty").Inc()
			log.Warn("no payment details found, sending to manual review")
			return d.Store.Transition(ctx, number, models.OrderManualReview, detectorService, nil,
				"no payment details found on order page")
		}
		if err := d.Store.RecordPaymentDetails(ctx, number, details); err != nil && !errors.Is(err, store.ErrAlreadyRecorded) {
			return err
		}
	}

	metrics.Extractions.WithLabelValues("ok").Inc()
	payload := map[string]any{
		"has_cvu":   details.CVU != "",
		"has_alias": details.Alias != "",
	}
	if err := d.Store.Transition(ctx, number, models.OrderPendingTransfer, detectorService, payload, ""); err != nil {
		return err
	}
	log.Info("order ready for transfer")
	return nil
}
