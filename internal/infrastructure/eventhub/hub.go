// Package eventhub fans scan events out to streaming subscribers.
package eventhub

import (
	"sync"

	"go.uber.org/zap"

	"github.com/khanhnv2901/seca-scan/internal/domain/event"
)

const (
	defaultMaxRecent = 1000
	subscriberBuffer = 64
)

// Hub keeps the most recent events in memory and broadcasts new ones.
// A subscriber that falls behind loses events instead of blocking the scan.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan event.Event]string
	recent      []event.Event
	maxRecent   int
	dropped     uint64
	closed      bool
	logger      *zap.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithMaxRecent bounds how many events Recent can return.
func WithMaxRecent(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxRecent = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

func New(opts ...Option) *Hub {
	h := &Hub{
		subscribers: make(map[chan event.Event]string),
		maxRecent:   defaultMaxRecent,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish records e and delivers it to matching subscribers. It never blocks.
// Its signature matches event.Handler.
func (h *Hub) Publish(e event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	h.recent = append(h.recent, e)
	if over := len(h.recent) - h.maxRecent; over > 0 {
		h.recent = append(h.recent[:0:0], h.recent[over:]...)
	}

	for ch, sessionID := range h.subscribers {
		if sessionID != "" && sessionID != e.SessionID {
			continue
		}
		select {
		case ch <- e:
		default:
			h.dropped++
			h.logger.Debug("slow event subscriber, event dropped",
				zap.String("session", e.SessionID),
				zap.String("kind", string(e.Kind)))
		}
	}
}

// Subscribe returns a channel of future events. An empty sessionID receives
// every session. The returned function unsubscribes and closes the channel.
func (h *Hub) Subscribe(sessionID string) (<-chan event.Event, func()) {
	ch := make(chan event.Event, subscriberBuffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subscribers[ch] = sessionID
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
	}
}

// Recent returns up to limit buffered events, oldest first. Zero means all.
func (h *Hub) Recent(sessionID string, limit int) []event.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]event.Event, 0, len(h.recent))
	for _, e := range h.recent {
		if sessionID == "" || e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Close ends every subscription. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subscribers {
		delete(h.subscribers, ch)
		close(ch)
	}
}
