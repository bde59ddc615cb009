package feed

import (
	"context"
	"time"

	"P2PAutoPay/internal/models"

	"go.uber.org/zap"
)

// EventSource reads the audit log in id order.
type EventSource interface {
	ListEventsSince(ctx context.Context, afterID int64, limit int) ([]*models.Event, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev *models.Event) error
}

// Poller tails the events table into a Publisher. It starts at the current
// end of the log, so subscribers only see events that happen after startup.
type Poller struct {
	Source   EventSource
	Hub      Publisher
	Logger   *zap.Logger
	Interval time.Duration
	Batch    int

	cursor int64
}

func (p *Poller) Run(ctx context.Context) {
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if err := p.SkipToEnd(ctx); err != nil {
		log.Error("feed start", zap.Error(err))
	}

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error("feed poll", zap.Error(err))
		}
	}
}

// SkipToEnd moves the cursor past every existing event without publishing.
func (p *Poller) SkipToEnd(ctx context.Context) error {
	for {
		events, err := p.Source.ListEventsSince(ctx, p.cursor, p.batch())
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		p.cursor = events[len(events)-1].ID
		if len(events) < p.batch() {
			return nil
		}
	}
}

// PollOnce publishes events newer than the cursor and returns how many.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	events, err := p.Source.ListEventsSince(ctx, p.cursor, p.batch())
	if err != nil {
		return 0, err
	}
	for i, ev := range events {
		if err := p.Hub.Publish(ctx, ev); err != nil {
			return i, err
		}
		p.cursor = ev.ID
	}
	return len(events), nil
}

func (p *Poller) batch() int {
	if p.Batch <= 0 {
		return 500
	}
	return p.Batch
}
