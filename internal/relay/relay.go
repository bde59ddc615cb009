package relay

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"P2PAutoPay/internal/metrics"
	"P2PAutoPay/internal/models"
	"P2PAutoPay/internal/store"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const cursorKey = "event_relay_cursor"

// messageNamespace derives stable message ids so consumers can drop the
// duplicates at-least-once delivery produces.
var messageNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("p2p-autopay/events"))

// Relay copies audit events to the message broker in id order. The cursor
// row is locked for the whole batch, so concurrent relays serialize instead
// of interleaving.
type Relay struct {
	DB        *sql.DB
	Publisher Publisher
	Logger    *zap.Logger
	Interval  time.Duration
	Batch     int
	Settle    time.Duration
}

func (r *Relay) Run(ctx context.Context) {
	log := r.logger()
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		n, err := r.RelayOnce(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error("event relay failed", zap.Error(err))
		} else if n > 0 {
			log.Debug("events relayed", zap.Int("count", n))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RelayOnce publishes one batch and advances the cursor past what was
// published. A publish failure stops the batch; the rest goes out next tick.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = $1 FOR UPDATE`, cursorKey).Scan(&raw); err != nil {
		return 0, fmt.Errorf("read relay cursor: %w", err)
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse relay cursor %q: %w", raw, err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT `+store.EventColumns+`
		FROM events e JOIN orders o ON o.id = e.order_id
		WHERE e.id > $1 AND e.created_at <= now() - make_interval(secs => $2)
		ORDER BY e.id ASC
		LIMIT $3`, cursor, r.Settle.Seconds(), r.batch())
	if err != nil {
		return 0, fmt.Errorf("query events: %w", err)
	}
	events, err := store.ScanEvents(rows)
	if err != nil {
		return 0, fmt.Errorf("scan events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	published := 0
	var publishErr error
	for _, ev := range events {
		if publishErr = r.publish(ctx, ev); publishErr != nil {
			break
		}
		cursor = ev.ID
		published++
	}

	if published > 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE sync_state SET value = $2 WHERE key = $1`,
			cursorKey, strconv.FormatInt(cursor, 10)); err != nil {
			return 0, fmt.Errorf("advance relay cursor: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("commit relay cursor: %w", err)
		}
		metrics.EventsRelayed.Add(float64(published))
	}
	if publishErr != nil {
		return published, fmt.Errorf("publish event: %w", publishErr)
	}
	return published, nil
}

func (r *Relay) publish(ctx context.Context, ev *models.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return r.Publisher.Publish(pubCtx, ev.EventType, MessageID(ev.ID), body)
}

// MessageID is the broker message id for the event with the given id.
func MessageID(eventID int64) string {
	return uuid.NewSHA1(messageNamespace, []byte(strconv.FormatInt(eventID, 10))).String()
}

func (r *Relay) batch() int {
	if r.Batch <= 0 {
		return 100
	}
	return r.Batch
}

func (r *Relay) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}
