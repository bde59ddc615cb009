package feed

import (
	"context"
	"sync/atomic"

	"P2PAutoPay/internal/models"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const clientSendBuffer = 64

// Hub fans audit events out to connected websocket clients. A client that
// falls behind is dropped rather than slowing everyone else down.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan *models.Event
	clients    map[*Client]struct{}
	done       chan struct{}
	count      atomic.Int64
	dropped    atomic.Int64
	logger     *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *models.Event, 256),
		clients:    make(map[*Client]struct{}),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Store(int64(len(h.clients)))
		case c := <-h.unregister:
			h.remove(c)
		case ev := <-h.broadcast:
			msg, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("encode event", zap.Int64("event_id", ev.ID), zap.Error(err))
				continue
			}
			for c := range h.clients {
				if c.order != "" && c.order != ev.OrderNumber {
					continue
				}
				select {
				case c.send <- msg:
				default:
					h.dropped.Add(1)
					h.remove(c)
				}
			}
		case <-ctx.Done():
			for c := range h.clients {
				h.remove(c)
			}
			close(h.done)
			return
		}
	}
}

func (h *Hub) remove(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.count.Store(int64(len(h.clients)))
}

// Publish queues ev for delivery. It blocks only while the broadcast buffer is
// full.
func (h *Hub) Publish(ctx context.Context, ev *models.Event) error {
	select {
	case h.broadcast <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) ClientCount() int {
	return int(h.count.Load())
}

// DroppedClients counts clients disconnected for not keeping up.
func (h *Hub) DroppedClients() int64 {
	return h.dropped.Load()
}
