// Package notify is the notification sink the UI listens on: background
// cache refreshes, drain completion, per-mutation outcomes and connectivity
// changes.
package notify

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type EventType string

const (
	CacheUpdated        EventType = "cache.updated"
	DrainCompleted      EventType = "drain.completed"
	MutationQueued      EventType = "mutation.queued"
	MutationSynced      EventType = "mutation.synced"
	MutationAbandoned   EventType = "mutation.abandoned"
	ConnectivityChanged EventType = "connectivity.changed"
)

type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
	At   time.Time `json:"at"`
}

type Handler func(Event)

// Hub fans events out to channel subscribers and registered handlers.
// Publishing never blocks: a subscriber whose buffer is full misses the
// event. A nil *Hub discards everything.
type Hub struct {
	logger *zap.Logger

	mu        sync.RWMutex
	nextID    int
	subs      map[int]chan Event
	listeners map[EventType]map[int]Handler
	closed    bool

	dropped atomic.Uint64
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:    logger,
		subs:      map[int]chan Event{},
		listeners: map[EventType]map[int]Handler{},
	}
}

func (h *Hub) Publish(t EventType, data any) {
	if h == nil {
		return
	}
	ev := Event{Type: t, Data: data, At: time.Now().UTC()}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
	handlers := make([]Handler, 0, len(h.listeners[t]))
	for _, fn := range h.listeners[t] {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		h.call(fn, ev)
	}
}

func (h *Hub) call(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("event handler panicked", zap.String("event", string(ev.Type)), zap.Any("panic", r))
		}
	}()
	fn(ev)
}

// Subscribe returns a channel receiving every event from now on and a cancel
// function that closes it.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(ch)
			}
			h.mu.Unlock()
		})
	}
}

// On registers fn for one event type. Handlers run on the publisher's
// goroutine and must not block.
func (h *Hub) On(t EventType, fn Handler) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	if h.listeners[t] == nil {
		h.listeners[t] = map[int]Handler{}
	}
	h.listeners[t][id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.listeners[t], id)
		h.mu.Unlock()
	}
}

// Dropped is the number of events lost to full subscriber buffers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Close closes every subscriber channel. Later publishes are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}

// ServeWS upgrades the request to a websocket and streams events as JSON
// text frames until either side goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	// the UI never sends anything; CloseRead notices when it disconnects
	ctx := conn.CloseRead(r.Context())
	events, cancel := h.Subscribe(64)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}
