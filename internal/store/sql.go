package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"P2PAutoPay/internal/metrics"
	"P2PAutoPay/internal/models"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const orderColumns = `id, order_number, order_type, amount_fiat, currency, amount_crypto,
	crypto_asset, counterparty_name, venue_href, status, locked_by, lock_expires_at,
	retry_count, max_retries, last_error, payment_cvu, payment_alias, payment_holder,
	mp_transferred_at, mp_reference, detected_at, updated_at, completed_at`

const eventColumns = `e.id, e.order_id, o.order_number, e.event_type, e.previous_status,
	e.new_status, e.payload, e.error_message, e.service_name, e.created_at`

// Store is the PostgreSQL-backed OrderStore.
type Store struct {
	DB     *sql.DB
	Logger *zap.Logger
}

func New(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{DB: db, Logger: logger}
}

type rowScanner interface {
	Scan(dest ...any) error
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) GetByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_number = $1`, orderNumber)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable("get_by_number", err)
	}
	return order, nil
}

func (s *Store) Insert(ctx context.Context, order *models.Order) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("insert", err)
	}
	defer tx.Rollback()

	maxRetries := order.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	var id int64
	var detectedAt time.Time
	err = tx.QueryRowContext(ctx, `
		INSERT INTO orders (
			order_number, order_type, amount_fiat, currency, amount_crypto,
			crypto_asset, counterparty_name, venue_href, status, max_retries
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (order_number) DO NOTHING
		RETURNING id, detected_at
	`,
		order.OrderNumber,
		string(order.OrderType),
		order.AmountFiat,
		order.Currency,
		order.AmountCrypto,
		order.CryptoAsset,
		order.Counterparty,
		order.VenueHref,
		string(models.OrderDetected),
		maxRetries,
	).Scan(&id, &detectedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrDuplicateOrder
		}
		return unavailable("insert", err)
	}

	ev := &models.Event{
		OrderID:     id,
		EventType:   models.EventOrderDetected,
		NewStatus:   models.StatusPtr(models.OrderDetected),
		ServiceName: "detector",
		Payload: map[string]any{
			"order_type":    string(order.OrderType),
			"amount_fiat":   order.AmountFiat.String(),
			"currency":      order.Currency,
			"amount_crypto": order.AmountCrypto.String(),
		},
	}
	if err := appendEvent(ctx, tx, ev); err != nil {
		return unavailable("insert", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("insert", err)
	}

	order.ID = id
	order.Status = models.OrderDetected
	order.DetectedAt = detectedAt
	order.UpdatedAt = detectedAt
	order.Lease = nil
	order.RetryCount = 0
	order.MaxRetries = maxRetries
	return nil
}

// ClaimNext selects and leases the oldest claimable pending_transfer order in
// one statement. SKIP LOCKED keeps concurrent claimers off the same row and the
// outer guard re-checks the lease so the update is a compare-and-swap.
func (s *Store) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*models.Order, error) {
	row := s.DB.QueryRowContext(ctx, `
		UPDATE orders
		SET locked_by = $1,
			lock_expires_at = now() + make_interval(secs => $2),
			updated_at = now()
		WHERE id = (
			SELECT id FROM orders
			WHERE status = 'pending_transfer'
				AND (locked_by IS NULL OR lock_expires_at <= now())
			ORDER BY detected_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		AND status = 'pending_transfer'
		AND (locked_by IS NULL OR lock_expires_at <= now())
		RETURNING `+orderColumns,
		workerID, lease.Seconds(),
	)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoneAvailable
		}
		return nil, unavailable("claim_next", err)
	}
	return order, nil
}

func (s *Store) Transition(ctx context.Context, orderNumber string, to models.OrderStatus, service string, payload map[string]any, errMsg string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("transition", err)
	}
	defer tx.Rollback()

	var id int64
	var current string
	err = tx.QueryRowContext(ctx, `SELECT id, status FROM orders WHERE order_number = $1 FOR UPDATE`, orderNumber).Scan(&id, &current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.Logger.Warn("transition on missing order",
				zap.String("order", orderNumber), zap.String("to", string(to)), zap.String("service", service))
			return nil
		}
		return unavailable("transition", err)
	}

	from := models.OrderStatus(current)
	if !models.CanTransition(from, to) {
		return invalidTransition(orderNumber, from, to)
	}

	terminal := to.Terminal()
	clearLease := to != models.OrderPendingTransfer
	resetRetries := requeues(from, to)
	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2,
			updated_at = now(),
			last_error = COALESCE($3, last_error),
			completed_at = CASE WHEN $4 THEN now() ELSE completed_at END,
			locked_by = CASE WHEN $5 THEN NULL ELSE locked_by END,
			lock_expires_at = CASE WHEN $5 THEN NULL ELSE lock_expires_at END,
			retry_count = CASE WHEN $6 THEN 0 ELSE retry_count END
		WHERE id = $1
	`, id, string(to), models.StringPtr(errMsg), terminal, clearLease, resetRetries)
	if err != nil {
		return unavailable("transition", err)
	}

	ev := &models.Event{
		OrderID:        id,
		EventType:      models.EventStatusChange,
		PreviousStatus: models.StatusPtr(from),
		NewStatus:      models.StatusPtr(to),
		Payload:        payload,
		ErrorMessage:   models.StringPtr(errMsg),
		ServiceName:    service,
	}
	if err := appendEvent(ctx, tx, ev); err != nil {
		return unavailable("transition", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("transition", err)
	}
	metrics.RecordTransition(string(from), string(to))
	return nil
}

func (s *Store) RecordPaymentDetails(ctx context.Context, orderNumber string, details models.PaymentDetails) error {
	d := details.Normalize()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE orders
		SET payment_cvu = $2, payment_alias = $3, payment_holder = $4, updated_at = now()
		WHERE order_number = $1
			AND payment_cvu IS NULL AND payment_alias IS NULL AND payment_holder IS NULL
	`, orderNumber, models.StringPtr(d.CVU), models.StringPtr(d.Alias), models.StringPtr(d.Holder))
	if err != nil {
		return unavailable("record_payment_details", err)
	}
	return s.checkOneTimeWrite(ctx, res, orderNumber, "record_payment_details")
}

func (s *Store) RecordTransferResult(ctx context.Context, orderNumber string, result models.TransferResult) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE orders
		SET mp_transferred_at = $2, mp_reference = $3, updated_at = now()
		WHERE order_number = $1 AND mp_transferred_at IS NULL
	`, orderNumber, result.TransferredAt.UTC(), models.StringPtr(result.Reference))
	if err != nil {
		return unavailable("record_transfer_result", err)
	}
	return s.checkOneTimeWrite(ctx, res, orderNumber, "record_transfer_result")
}

func (s *Store) checkOneTimeWrite(ctx context.Context, res sql.Result, orderNumber, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(op, err)
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := s.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE order_number = $1)`, orderNumber).Scan(&exists); err != nil {
		return unavailable(op, err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrAlreadyRecorded
}

func (s *Store) IncrementRetry(ctx context.Context, orderNumber, service, errMsg string) (models.RetryOutcome, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", unavailable("increment_retry", err)
	}
	defer tx.Rollback()

	var (
		id         int64
		current    string
		retryCount int
		maxRetries int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, status, retry_count, max_retries
		FROM orders WHERE order_number = $1 FOR UPDATE
	`, orderNumber).Scan(&id, &current, &retryCount, &maxRetries)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", unavailable("increment_retry", err)
	}

	from := models.OrderStatus(current)
	if from.Terminal() {
		return models.RetryExhausted, nil
	}

	next, outcome := retryOutcome(retryCount, maxRetries)
	ev := &models.Event{
		OrderID:      id,
		ErrorMessage: models.StringPtr(errMsg),
		ServiceName:  service,
		Payload:      map[string]any{"retry_count": next, "max_retries": maxRetries},
	}

	if outcome == models.RetryExhausted {
		_, err = tx.ExecContext(ctx, `
			UPDATE orders
			SET retry_count = $2, last_error = $3, status = 'failed',
				completed_at = now(), updated_at = now(),
				locked_by = NULL, lock_expires_at = NULL
			WHERE id = $1
		`, id, next, models.StringPtr(errMsg))
		ev.EventType = models.EventStatusChange
		ev.PreviousStatus = models.StatusPtr(from)
		ev.NewStatus = models.StatusPtr(models.OrderFailed)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE orders
			SET retry_count = $2, last_error = $3, updated_at = now()
			WHERE id = $1
		`, id, next, models.StringPtr(errMsg))
		ev.EventType = models.EventRetry
		ev.PreviousStatus = models.StatusPtr(from)
		ev.NewStatus = models.StatusPtr(from)
	}
	if err != nil {
		return "", unavailable("increment_retry", err)
	}
	if err := appendEvent(ctx, tx, ev); err != nil {
		return "", unavailable("increment_retry", err)
	}
	if err := tx.Commit(); err != nil {
		return "", unavailable("increment_retry", err)
	}

	metrics.RecordRetry(string(outcome))
	if outcome == models.RetryExhausted {
		metrics.RecordTransition(string(from), string(models.OrderFailed))
	}
	return outcome, nil
}

// ReleaseLease clears the lease only while workerID still holds it.
func (s *Store) ReleaseLease(ctx context.Context, orderNumber, workerID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE orders
		SET locked_by = NULL, lock_expires_at = NULL, updated_at = now()
		WHERE order_number = $1 AND locked_by = $2
	`, orderNumber, workerID)
	if err != nil {
		return false, unavailable("release_lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("release_lease", err)
	}
	return n > 0, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.DB.PingContext(ctx); err != nil {
		return unavailable("health_check", err)
	}
	return nil
}

func (s *Store) ListStale(ctx context.Context, statuses []models.OrderStatus, olderThan time.Duration, limit int) ([]*models.Order, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := []any{olderThan.Seconds(), limit}
	placeholders := make([]string, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, string(st))
		placeholders = append(placeholders, "$"+strconv.Itoa(len(args)))
	}
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE status IN (` + strings.Join(placeholders, ",") + `)
			AND updated_at < now() - make_interval(secs => $1)
		ORDER BY updated_at ASC
		LIMIT $2`
	return s.queryOrders(ctx, "list_stale", query, args...)
}

func (s *Store) ListByStatus(ctx context.Context, status models.OrderStatus, limit int) ([]*models.Order, error) {
	return s.queryOrders(ctx, "list_by_status", `SELECT `+orderColumns+` FROM orders
		WHERE status = $1
		ORDER BY detected_at ASC
		LIMIT $2`, string(status), limit)
}

func (s *Store) queryOrders(ctx context.Context, op, query string, args ...any) ([]*models.Order, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return orders, nil
}

func (s *Store) ListEvents(ctx context.Context, orderNumber string) ([]*models.Event, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+eventColumns+`
		FROM events e JOIN orders o ON o.id = e.order_id
		WHERE o.order_number = $1
		ORDER BY e.id ASC`, orderNumber)
	if err != nil {
		return nil, unavailable("list_events", err)
	}
	events, err := ScanEvents(rows)
	if err != nil {
		return nil, unavailable("list_events", err)
	}
	return events, nil
}

func (s *Store) ListEventsSince(ctx context.Context, afterID int64, limit int) ([]*models.Event, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+eventColumns+`
		FROM events e JOIN orders o ON o.id = e.order_id
		WHERE e.id > $1
		ORDER BY e.id ASC
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, unavailable("list_events_since", err)
	}
	events, err := ScanEvents(rows)
	if err != nil {
		return nil, unavailable("list_events_since", err)
	}
	return events, nil
}

// EventColumns is the select list ScanEvents expects, with events aliased as
// e and orders as o.
const EventColumns = eventColumns

func ScanEvents(rows *sql.Rows) ([]*models.Event, error) {
	defer rows.Close()
	var events []*models.Event
	for rows.Next() {
		var (
			ev       models.Event
			prev     sql.NullString
			next     sql.NullString
			payload  []byte
			errorMsg sql.NullString
		)
		if err := rows.Scan(
			&ev.ID,
			&ev.OrderID,
			&ev.OrderNumber,
			&ev.EventType,
			&prev,
			&next,
			&payload,
			&errorMsg,
			&ev.ServiceName,
			&ev.CreatedAt,
		); err != nil {
			return nil, err
		}
		if prev.Valid {
			ev.PreviousStatus = models.StatusPtr(models.OrderStatus(prev.String))
		}
		if next.Valid {
			ev.NewStatus = models.StatusPtr(models.OrderStatus(next.String))
		}
		if errorMsg.Valid {
			ev.ErrorMessage = &errorMsg.String
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, err
			}
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func appendEvent(ctx context.Context, db execer, ev *models.Event) error {
	var payload sql.NullString
	if len(ev.Payload) > 0 {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return err
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}
	var prev, next *string
	if ev.PreviousStatus != nil {
		v := string(*ev.PreviousStatus)
		prev = &v
	}
	if ev.NewStatus != nil {
		v := string(*ev.NewStatus)
		next = &v
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO events (order_id, event_type, previous_status, new_status, payload, error_message, service_name)
		VALUES ($1,$2,$3,$4,$5::jsonb,$6,$7)
	`, ev.OrderID, ev.EventType, prev, next, payload, ev.ErrorMessage, ev.ServiceName)
	return err
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var (
		order         models.Order
		orderType     string
		status        string
		counterparty  sql.NullString
		lockedBy      sql.NullString
		lockExpiresAt sql.NullTime
		lastError     sql.NullString
		cvu           sql.NullString
		alias         sql.NullString
		holder        sql.NullString
		transferredAt sql.NullTime
		reference     sql.NullString
		completedAt   sql.NullTime
	)
	err := row.Scan(
		&order.ID,
		&order.OrderNumber,
		&orderType,
		&order.AmountFiat,
		&order.Currency,
		&order.AmountCrypto,
		&order.CryptoAsset,
		&counterparty,
		&order.VenueHref,
		&status,
		&lockedBy,
		&lockExpiresAt,
		&order.RetryCount,
		&order.MaxRetries,
		&lastError,
		&cvu,
		&alias,
		&holder,
		&transferredAt,
		&reference,
		&order.DetectedAt,
		&order.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	order.OrderType = models.OrderType(orderType)
	order.Status = models.OrderStatus(status)
	order.Counterparty = nullString(counterparty)
	if lockedBy.Valid && lockExpiresAt.Valid {
		order.Lease = &models.Lease{Owner: lockedBy.String, ExpiresAt: lockExpiresAt.Time}
	}
	order.LastError = nullString(lastError)
	order.PaymentCVU = nullString(cvu)
	order.PaymentAlias = nullString(alias)
	order.PaymentHolder = nullString(holder)
	order.TransferReference = nullString(reference)
	if transferredAt.Valid {
		order.TransferredAt = &transferredAt.Time
	}
	if completedAt.Valid {
		order.CompletedAt = &completedAt.Time
	}
	return &order, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}
