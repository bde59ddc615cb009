package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"P2PAutoPay/internal/models"
	"P2PAutoPay/internal/store"
	"P2PAutoPay/internal/venue"

	"github.com/shopspring/decimal"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeVenue struct {
	mu           sync.Mutex
	listings     []venue.Listing
	details      map[string]models.PaymentDetails
	extractErrs  map[string][]error
	sessions     []bool
	extractCalls int
	sessionCalls int
}

func (v *fakeVenue) ListOrders(ctx context.Context) ([]venue.Listing, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]venue.Listing(nil), v.listings...), nil
}

func (v *fakeVenue) ExtractPaymentDetails(ctx context.Context, href string) (models.PaymentDetails, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.extractCalls++
	if errs := v.extractErrs[href]; len(errs) > 0 {
		v.extractErrs[href] = errs[1:]
		return models.PaymentDetails{}, errs[0]
	}
	return v.details[href], nil
}

func (v *fakeVenue) VerifySession(ctx context.Context) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sessionCalls++
	if len(v.sessions) == 0 {
		return true, nil
	}
	ok := v.sessions[0]
	if len(v.sessions) > 1 {
		v.sessions = v.sessions[1:]
	}
	return ok, nil
}

func (v *fakeVenue) extracts() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.extractCalls
}

type fakePayout struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, order *models.Order) (models.TransferResult, error)
}

func (p *fakePayout) Transfer(ctx context.Context, order *models.Order) (models.TransferResult, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.fn(ctx, order)
}

func succeed(ref string) func(context.Context, *models.Order) (models.TransferResult, error) {
	return func(context.Context, *models.Order) (models.TransferResult, error) {
		return models.TransferResult{TransferredAt: time.Now().UTC(), Reference: ref}, nil
	}
}

func listing(number, href string) venue.Listing {
	return venue.Listing{
		OrderNumber:  number,
		OrderType:    "buy",
		AmountFiat:   decimal.RequireFromString("10000"),
		Currency:     "ARS",
		AmountCrypto: decimal.RequireFromString("10"),
		CryptoAsset:  "USDT",
		Status:       "pending_payment",
		Href:         href,
	}
}

func newDetector(st *store.Memory, v *fakeVenue, maxRetries int) *Detector {
	return &Detector{
		Store:          st,
		Venue:          v,
		Interval:       time.Second,
		SessionRetry:   time.Millisecond,
		StaleAfter:     5 * time.Minute,
		ReconcileBatch: 10,
		MaxRetries:     maxRetries,
	}
}

func newExecutor(st *store.Memory, p *fakePayout, workerID string) *Executor {
	return &Executor{
		Store:           st,
		Payout:          p,
		WorkerID:        workerID,
		Interval:        time.Second,
		Lease:           300 * time.Second,
		TransferTimeout: time.Minute,
	}
}

// seedPayable inserts an order and walks it to pending_transfer.
func seedPayable(t *testing.T, st *store.Memory, number string, maxRetries int, details models.PaymentDetails) {
	t.Helper()
	ctx := context.Background()
	order := listing(number, "/o/"+number).Order(maxRetries)
	if err := st.Insert(ctx, order); err != nil {
		t.Fatal(err)
	}
	if err := st.Transition(ctx, number, models.OrderExtracting, "detector", nil, ""); err != nil {
		t.Fatal(err)
	}
	if !details.Empty() {
		if err := st.RecordPaymentDetails(ctx, number, details); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.Transition(ctx, number, models.OrderPendingTransfer, "detector", nil, ""); err != nil {
		t.Fatal(err)
	}
}

func mustGet(t *testing.T, st *store.Memory, number string) *models.Order {
	t.Helper()
	o, err := st.GetByNumber(context.Background(), number)
	if err != nil {
		t.Fatalf("get %s: %v", number, err)
	}
	return o
}

func TestDetectAndPayOrder(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	st := store.NewMemoryWithClock(clk.Now)
	v := &fakeVenue{
		listings: []venue.Listing{listing("B123", "/o/B123")},
		details:  map[string]models.PaymentDetails{"/o/B123": {Alias: "pay.me"}},
	}

	if err := newDetector(st, v, 3).PollOnce(ctx); err != nil {
		t.Fatalf("poll: %v", err)
	}
	o := mustGet(t, st, "B123")
	if o.Status != models.OrderPendingTransfer {
		t.Fatalf("status = %s, want pending_transfer", o.Status)
	}
	if o.PaymentAlias == nil || *o.PaymentAlias != "pay.me" {
		t.Fatalf("alias = %v", o.PaymentAlias)
	}
	if !o.AmountFiat.Equal(decimal.RequireFromString("10000")) || o.Currency != "ARS" {
		t.Errorf("terms = %s %s", o.AmountFiat, o.Currency)
	}

	p := &fakePayout{}
	p.fn = func(ctx context.Context, order *models.Order) (models.TransferResult, error) {
		held := mustGet(t, st, "B123")
		if held.Status != models.OrderPendingTransfer {
			t.Errorf("status during transfer = %s", held.Status)
		}
		if held.Lease == nil || held.Lease.Owner != "exec-1" {
			t.Errorf("lease during transfer = %+v", held.Lease)
		} else if got := held.Lease.ExpiresAt.Sub(clk.Now()); got != 300*time.Second {
			t.Errorf("lease length = %s", got)
		}
		return models.TransferResult{TransferredAt: clk.Now(), Reference: "mp-1"}, nil
	}

	claimed, err := newExecutor(st, p, "exec-1").ExecuteOnce(ctx)
	if err != nil || !claimed {
		t.Fatalf("execute: claimed=%v err=%v", claimed, err)
	}

	o = mustGet(t, st, "B123")
	if o.Status != models.OrderCompleted || o.CompletedAt == nil {
		t.Fatalf("after transfer status=%s completed_at=%v", o.Status, o.CompletedAt)
	}
	if o.Lease != nil {
		t.Errorf("lease not cleared: %+v", o.Lease)
	}
	if o.TransferReference == nil || *o.TransferReference != "mp-1" || o.TransferredAt == nil {
		t.Errorf("transfer result not recorded: %+v", o)
	}

	events, _ := st.ListEvents(ctx, "B123")
	if len(events) != 4 {
		t.Fatalf("events = %d, want 4", len(events))
	}
	completed := 0
	for _, ev := range events {
		if ev.NewStatus != nil && *ev.NewStatus == models.OrderCompleted {
			completed++
			if ev.ServiceName != "executor" || ev.Payload["reference"] != "mp-1" {
				t.Errorf("completed event = %+v", ev)
			}
		}
	}
	if completed != 1 {
		t.Errorf("completed events = %d, want 1", completed)
	}
}

func TestDetectWithoutPaymentDetailsGoesToManualReview(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	v := &fakeVenue{
		listings: []venue.Listing{listing("B124", "/o/B124")},
		details:  map[string]models.PaymentDetails{"/o/B124": {Holder: "Juan Perez"}},
	}

	if err := newDetector(st, v, 3).PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	o := mustGet(t, st, "B124")
	if o.Status != models.OrderManualReview {
		t.Fatalf("status = %s, want manual_review", o.Status)
	}
	if o.RetryCount != 0 {
		t.Errorf("retry_count = %d, manual review is not a retry", o.RetryCount)
	}

	events, _ := st.ListEvents(ctx, "B124")
	last := events[len(events)-1]
	if last.NewStatus == nil || *last.NewStatus != models.OrderManualReview {
		t.Fatalf("last event = %+v", last)
	}
	if last.ErrorMessage == nil || *last.ErrorMessage == "" {
		t.Error("manual review event must carry an error message")
	}
}

func TestExtractionRetriesUntilFailed(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	st := store.NewMemoryWithClock(clk.Now)
	v := &fakeVenue{
		listings: []venue.Listing{listing("B125", "/o/B125")},
		extractErrs: map[string][]error{
			"/o/B125": {errors.New("page timeout 1"), errors.New("page timeout 2")},
		},
	}
	d := newDetector(st, v, 2)

	if err := d.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	o := mustGet(t, st, "B125")
	if o.Status != models.OrderExtracting || o.RetryCount != 1 {
		t.Fatalf("after first failure status=%s retry=%d", o.Status, o.RetryCount)
	}
	if o.LastError == nil || *o.LastError != "page timeout 1" {
		t.Errorf("last_error = %v", o.LastError)
	}

	// Known order, not yet stale: nothing is retried.
	if err := d.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if got := v.extracts(); got != 1 {
		t.Fatalf("extract calls = %d, want 1", got)
	}

	clk.Advance(6 * time.Minute)
	if err := d.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	o = mustGet(t, st, "B125")
	if o.Status != models.OrderFailed || o.RetryCount != 2 || o.CompletedAt == nil {
		t.Fatalf("after second failure status=%s retry=%d completed_at=%v", o.Status, o.RetryCount, o.CompletedAt)
	}
	if *o.LastError != "page timeout 2" {
		t.Errorf("last_error = %s", *o.LastError)
	}

	clk.Advance(6 * time.Minute)
	if err := d.PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if got := v.extracts(); got != 2 {
		t.Errorf("failed order was retried again: extract calls = %d", got)
	}
}

func TestDetectorIgnoresNonCandidatesAndKnownOrders(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	sell := listing("S1", "/o/S1")
	sell.OrderType = "sell"
	settled := listing("B9", "/o/B9")
	settled.Status = "completed"
	v := &fakeVenue{
		listings: []venue.Listing{sell, settled, listing("B1", "/o/B1")},
		details:  map[string]models.PaymentDetails{"/o/B1": {CVU: "0000003100010000000001"}},
	}
	d := newDetector(st, v, 3)

	for i := 0; i < 2; i++ {
		if err := d.PollOnce(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if got := v.extracts(); got != 1 {
		t.Errorf("extract calls = %d, want 1", got)
	}
	for _, n := range []string{"S1", "B9"} {
		if _, err := st.GetByNumber(ctx, n); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("%s should not be stored, err=%v", n, err)
		}
	}
	events, _ := st.ListEvents(ctx, "B1")
	if len(events) != 3 {
		t.Errorf("B1 events = %d, want 3", len(events))
	}
}

func TestDetectorSessionExpiryDoesNotBurnRetries(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	v := &fakeVenue{
		listings:    []venue.Listing{listing("B2", "/o/B2")},
		extractErrs: map[string][]error{"/o/B2": {venue.ErrSessionExpired}},
	}
	if err := newDetector(st, v, 3).PollOnce(ctx); err != nil {
		t.Fatal(err)
	}
	o := mustGet(t, st, "B2")
	if o.Status != models.OrderExtracting || o.RetryCount != 0 {
		t.Errorf("status=%s retry=%d", o.Status, o.RetryCount)
	}
}

func TestDetectorMissingHrefGoesToManualReview(t *testing.T) {
	st := store.NewMemory()
	v := &fakeVenue{listings: []venue.Listing{listing("B3", "")}}
	if err := newDetector(st, v, 3).PollOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if o := mustGet(t, st, "B3"); o.Status != models.OrderManualReview {
		t.Errorf("status = %s", o.Status)
	}
	if v.extracts() != 0 {
		t.Error("extraction should not run without a link")
	}
}

func TestReconcileRecoversInterruptedOrders(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	st := store.NewMemoryWithClock(clk.Now)
	v := &fakeVenue{details: map[string]models.PaymentDetails{"/o/B4": {Alias: "b4.alias"}}}

	// B4 crashed right after insert.
	if err := st.Insert(ctx, listing("B4", "/o/B4").Order(3)); err != nil {
		t.Fatal(err)
	}
	// B5 crashed between recording details and the transition.
	if err := st.Insert(ctx, listing("B5", "/o/B5").Order(3)); err != nil {
		t.Fatal(err)
	}
	if err := st.Transition(ctx, "B5", models.OrderExtracting, "detector", nil, ""); err != nil {
		t.Fatal(err)
	}
	if err := st.RecordPaymentDetails(ctx, "B5", models.PaymentDetails{Alias: "b5.alias"}); err != nil {
		t.Fatal(err)
	}

	d := newDetector(st, v, 3)
	if err := d.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if o := mustGet(t, st, "B4"); o.Status != models.OrderDetected {
		t.Fatalf("fresh order reconciled too early: %s", o.Status)
	}

	clk.Advance(10 * time.Minute)
	if err := d.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	for _, n := range []string{"B4", "B5"} {
		if o := mustGet(t, st, n); o.Status != models.OrderPendingTransfer {
			t.Errorf("%s status = %s, want pending_transfer", n, o.Status)
		}
	}
	if got := v.extracts(); got != 1 {
		t.Errorf("extract calls = %d, want 1 (B5 already had details)", got)
	}
}

func TestWaitForSession(t *testing.T) {
	v := &fakeVenue{sessions: []bool{false, false, true}}
	d := newDetector(store.NewMemory(), v, 3)
	if !d.waitForSession(context.Background()) {
		t.Fatal("expected session to become valid")
	}
	if v.sessionCalls != 3 {
		t.Errorf("session checks = %d, want 3", v.sessionCalls)
	}

	never := &fakeVenue{sessions: []bool{false}}
	d = newDetector(store.NewMemory(), never, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if d.waitForSession(ctx) {
		t.Fatal("expected cancellation while waiting for login")
	}
}

func TestExecutorReleasesLeaseOnRetry(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryWithClock(newClock().Now)
	seedPayable(t, st, "B6", 3, models.PaymentDetails{Alias: "b6"})

	failing := &fakePayout{fn: func(context.Context, *models.Order) (models.TransferResult, error) {
		return models.TransferResult{}, errors.New("rail unavailable")
	}}
	claimed, err := newExecutor(st, failing, "exec-1").ExecuteOnce(ctx)
	if err != nil || !claimed {
		t.Fatalf("claimed=%v err=%v", claimed, err)
	}
	o := mustGet(t, st, "B6")
	if o.Status != models.OrderPendingTransfer || o.RetryCount != 1 || o.Lease != nil {
		t.Fatalf("after failure status=%s retry=%d lease=%+v", o.Status, o.RetryCount, o.Lease)
	}

	// Released leases are claimable right away, without waiting for expiry.
	ok := &fakePayout{fn: succeed("mp-6")}
	claimed, err = newExecutor(st, ok, "exec-2").ExecuteOnce(ctx)
	if err != nil || !claimed {
		t.Fatalf("reclaim claimed=%v err=%v", claimed, err)
	}
	if o := mustGet(t, st, "B6"); o.Status != models.OrderCompleted {
		t.Errorf("status = %s", o.Status)
	}
}

func TestExecutorFailsOrderWhenRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedPayable(t, st, "B7", 1, models.PaymentDetails{CVU: "0000003100010000000007"})

	p := &fakePayout{fn: func(context.Context, *models.Order) (models.TransferResult, error) {
		return models.TransferResult{}, errors.New("declined")
	}}
	e := newExecutor(st, p, "exec-1")
	if _, err := e.ExecuteOnce(ctx); err != nil {
		t.Fatal(err)
	}
	o := mustGet(t, st, "B7")
	if o.Status != models.OrderFailed || o.CompletedAt == nil || o.Lease != nil {
		t.Fatalf("status=%s completed_at=%v lease=%+v", o.Status, o.CompletedAt, o.Lease)
	}

	claimed, err := e.ExecuteOnce(ctx)
	if err != nil || claimed {
		t.Errorf("failed order must not be claimable: claimed=%v err=%v", claimed, err)
	}
	if p.calls != 1 {
		t.Errorf("transfer calls = %d", p.calls)
	}
}

// flakyComplete fails the first transition to completed, leaving the order in
// pending_transfer with its transfer already recorded.
type flakyComplete struct {
	*store.Memory
	failed bool
}

func (f *flakyComplete) Transition(ctx context.Context, orderNumber string, to models.OrderStatus, service string, payload map[string]any, errMsg string) error {
	if to == models.OrderCompleted && !f.failed {
		f.failed = true
		return fmt.Errorf("transition: %w", store.ErrUnavailable)
	}
	return f.Memory.Transition(ctx, orderNumber, to, service, payload, errMsg)
}

func TestExecutorDoesNotPayRecordedTransferTwice(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	st := store.NewMemoryWithClock(clk.Now)
	seedPayable(t, st, "B11", 3, models.PaymentDetails{Alias: "b11"})

	p := &fakePayout{fn: succeed("mp-11")}
	first := newExecutor(st, p, "exec-1")
	first.Store = &flakyComplete{Memory: st}
	if _, err := first.ExecuteOnce(ctx); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("first tick err = %v, want ErrUnavailable", err)
	}
	o := mustGet(t, st, "B11")
	if o.Status != models.OrderPendingTransfer || o.TransferredAt == nil {
		t.Fatalf("after first tick status=%s transferred_at=%v", o.Status, o.TransferredAt)
	}

	clk.Advance(301 * time.Second)
	claimed, err := newExecutor(st, p, "exec-2").ExecuteOnce(ctx)
	if err != nil || !claimed {
		t.Fatalf("second tick claimed=%v err=%v", claimed, err)
	}
	o = mustGet(t, st, "B11")
	if o.Status != models.OrderCompleted {
		t.Errorf("status = %s", o.Status)
	}
	if o.TransferReference == nil || *o.TransferReference != "mp-11" {
		t.Errorf("reference = %v", o.TransferReference)
	}
	if p.calls != 1 {
		t.Errorf("transfer calls = %d, want 1", p.calls)
	}

	events, err := st.ListEvents(ctx, "B11")
	if err != nil {
		t.Fatal(err)
	}
	last := events[len(events)-1]
	if last.ServiceName != "executor" || last.Payload["reference"] != "mp-11" || last.Payload["worker_id"] != "exec-2" {
		t.Errorf("completion event = %+v", last)
	}
}

func TestExecutorRespectsForeignLease(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	st := store.NewMemoryWithClock(clk.Now)
	seedPayable(t, st, "B8", 3, models.PaymentDetails{Alias: "b8"})

	if _, err := st.ClaimNext(ctx, "crashed-worker", time.Minute); err != nil {
		t.Fatal(err)
	}
	p := &fakePayout{fn: succeed("mp-8")}
	e := newExecutor(st, p, "exec-2")
	if claimed, err := e.ExecuteOnce(ctx); err != nil || claimed {
		t.Fatalf("claimed=%v err=%v while foreign lease active", claimed, err)
	}

	clk.Advance(time.Minute)
	if claimed, err := e.ExecuteOnce(ctx); err != nil || !claimed {
		t.Fatalf("claimed=%v err=%v after lease expiry", claimed, err)
	}
	if o := mustGet(t, st, "B8"); o.Status != models.OrderCompleted {
		t.Errorf("status = %s", o.Status)
	}
}

func TestExecutorWithoutDestination(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedPayable(t, st, "B10", 3, models.PaymentDetails{})

	p := &fakePayout{fn: succeed("never")}
	if _, err := newExecutor(st, p, "exec-1").ExecuteOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if o := mustGet(t, st, "B10"); o.Status != models.OrderManualReview || o.Lease != nil {
		t.Errorf("status=%s lease=%+v", o.Status, o.Lease)
	}
	if p.calls != 0 {
		t.Error("transfer must not run without a destination")
	}
}

func TestExecutorTransferTimeout(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedPayable(t, st, "B11", 3, models.PaymentDetails{Alias: "b11"})

	p := &fakePayout{fn: func(ctx context.Context, _ *models.Order) (models.TransferResult, error) {
		<-ctx.Done()
		return models.TransferResult{}, ctx.Err()
	}}
	e := newExecutor(st, p, "exec-1")
	e.TransferTimeout = 10 * time.Millisecond
	if _, err := e.ExecuteOnce(ctx); err != nil {
		t.Fatal(err)
	}
	o := mustGet(t, st, "B11")
	if o.RetryCount != 1 || o.LastError == nil || !strings.Contains(*o.LastError, "deadline") {
		t.Errorf("retry=%d last_error=%v", o.RetryCount, o.LastError)
	}
}

func TestExecuteOnceNothingToDo(t *testing.T) {
	claimed, err := newExecutor(store.NewMemory(), &fakePayout{fn: succeed("x")}, "exec-1").ExecuteOnce(context.Background())
	if err != nil || claimed {
		t.Errorf("claimed=%v err=%v", claimed, err)
	}
}

func TestNewWorkerID(t *testing.T) {
	a, b := NewWorkerID("executor"), NewWorkerID("executor")
	if a == b {
		t.Error("worker ids must be unique per call")
	}
	if !strings.HasPrefix(a, "executor-") {
		t.Errorf("id = %s", a)
	}
}
