package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"P2PAutoPay/internal/models"
	"P2PAutoPay/internal/store"

	"github.com/gorilla/websocket"
)

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) models.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev models.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return ev
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubFiltersByOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(nil)
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	all := dial(t, url)
	one := dial(t, url+"?order=B2")
	waitFor(t, func() bool { return hub.ClientCount() == 2 })

	next := models.StatusPtr(models.OrderExtracting)
	for i, number := range []string{"B1", "B2"} {
		ev := &models.Event{ID: int64(i + 1), OrderNumber: number, EventType: models.EventStatusChange, NewStatus: next}
		if err := hub.Publish(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	if ev := readEvent(t, all); ev.OrderNumber != "B1" || ev.ID != 1 {
		t.Errorf("first event on unfiltered feed = %+v", ev)
	}
	if ev := readEvent(t, all); ev.OrderNumber != "B2" {
		t.Errorf("second event on unfiltered feed = %+v", ev)
	}
	ev := readEvent(t, one)
	if ev.OrderNumber != "B2" || ev.NewStatus == nil || *ev.NewStatus != models.OrderExtracting {
		t.Errorf("filtered feed got %+v", ev)
	}
}

func TestHubUnregistersClosedClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(nil)
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	waitFor(t, func() bool { return hub.ClientCount() == 1 })
	conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*models.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, ev *models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func TestPollerTailsNewEventsOnly(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	if err := st.Insert(ctx, &models.Order{OrderNumber: "A1", OrderType: models.OrderBuy}); err != nil {
		t.Fatal(err)
	}
	if err := st.Transition(ctx, "A1", models.OrderExtracting, "detector", nil, ""); err != nil {
		t.Fatal(err)
	}

	pub := &recordingPublisher{}
	p := &Poller{Source: st, Hub: pub, Batch: 1}
	if err := p.SkipToEnd(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := p.PollOnce(ctx); n != 0 {
		t.Fatalf("history replayed: %d events", n)
	}

	if err := st.Insert(ctx, &models.Order{OrderNumber: "A2", OrderType: models.OrderBuy}); err != nil {
		t.Fatal(err)
	}
	if err := st.Transition(ctx, "A1", models.OrderManualReview, "detector", nil, "nothing found"); err != nil {
		t.Fatal(err)
	}

	p.Batch = 10
	n, err := p.PollOnce(ctx)
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if pub.events[0].OrderNumber != "A2" || pub.events[1].OrderNumber != "A1" {
		t.Errorf("published out of order: %+v %+v", pub.events[0], pub.events[1])
	}
	if pub.events[0].ID >= pub.events[1].ID {
		t.Error("event ids must increase")
	}
	if n, _ := p.PollOnce(ctx); n != 0 {
		t.Errorf("re-published %d events", n)
	}
}
