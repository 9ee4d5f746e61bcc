package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/MrWong99/a2dpd/internal/adaptive"
	"github.com/MrWong99/a2dpd/internal/errlog"
	"github.com/MrWong99/a2dpd/internal/negotiate"
	"github.com/MrWong99/a2dpd/internal/observe"
)

// Event types sent on the stream.
const (
	EventSample = "sample"
	EventState  = "state"
	EventError  = "error"
)

const (
	// subscriberBuffer is the number of events queued per client before new
	// events for that client are dropped.
	subscriberBuffer = 32

	// writeTimeout bounds a single websocket write.
	writeTimeout = 5 * time.Second
)

// StateChange is the payload of an [EventState] event.
type StateChange struct {
	From negotiate.State `json:"from"`
	To   negotiate.State `json:"to"`
}

// Event is one message on the live stream.
type Event struct {
	Type   string           `json:"type"`
	Time   time.Time        `json:"time"`
	Sample *adaptive.Sample `json:"sample,omitempty"`
	State  *StateChange     `json:"state,omitempty"`
	Error  *errlog.Record   `json:"error,omitempty"`
}

// Hub fans events out to websocket clients. Publishing never blocks: a
// client that cannot keep up loses events, not the publisher.
type Hub struct {
	now func() time.Time

	mu   sync.RWMutex
	subs map[string]chan Event
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{now: time.Now, subs: make(map[string]chan Event)}
}

// Subscribe registers a new receiver. The returned cancel function must be
// called to release it; it closes the channel. Cancel is idempotent.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	id := uuid.NewString()
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		// Close may already have released it.
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
	}
}

// Subscribers returns the number of connected receivers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish delivers ev to every subscriber that has room for it.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = h.now()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			observe.Logger(context.Background()).Debug("stream subscriber lagging, event dropped",
				"subscriber", id, "type", ev.Type)
		}
	}
}

// PublishSample is an adaptive sample listener.
func (h *Hub) PublishSample(s adaptive.Sample) {
	h.Publish(Event{Type: EventSample, Time: s.Time, Sample: &s})
}

// PublishState is a negotiate observer.
func (h *Hub) PublishState(from, to negotiate.State) {
	h.Publish(Event{Type: EventState, State: &StateChange{From: from, To: to}})
}

// PublishError is an errlog listener.
func (h *Hub) PublishError(r errlog.Record) {
	h.Publish(Event{Type: EventError, Time: r.Time, Error: &r})
}

// ServeHTTP upgrades the request to a websocket and streams events until
// the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("stream: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead handles their control frames and
	// cancels ctx when they disconnect.
	ctx := conn.CloseRead(context.WithoutCancel(r.Context()))

	events, cancel := h.Subscribe()
	defer cancel()
	log.Debug("stream client connected")

	for {
		select {
		case <-ctx.Done():
			log.Debug("stream client disconnected")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			wcancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Debug("stream write failed", "err", err)
				}
				return
			}
		}
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
