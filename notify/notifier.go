package notify

import (
	"sync"
	"sync/atomic"

	"github.com/maxpert/wsrepd/wsrep"
)

// defaultEventBufferSize is the buffer size for subscriber channels.
// Subscribers that can't keep up will have events dropped (non-blocking send).
const defaultEventBufferSize = 16

// Kind names what changed.
type Kind string

const (
	KindState Kind = "state"
	KindView  Kind = "view"
)

// Event describes one lifecycle change. State events carry From/To; view
// events carry the delivered view.
type Event struct {
	Kind Kind
	From wsrep.State
	To   wsrep.State
	View *wsrep.View
}

// Filter selects events by kind. Empty means all kinds.
type Filter struct {
	Kinds []Kind
}

type subscription struct {
	id     uint64
	filter Filter
	ch     chan Event
	closed atomic.Bool
}

func (s *subscription) matches(kind Kind) bool {
	if len(s.filter.Kinds) == 0 {
		return true
	}
	for _, k := range s.filter.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub fans lifecycle events out to subscribers. Thread-safe.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Publish sends ev to all matching subscribers (non-blocking).
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(ev.Kind) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Buffer full, skip this subscriber
		}
	}
}

// Subscribe creates a new subscription and returns the event channel and an
// idempotent cancel function.
func (h *Hub) Subscribe(filter Filter) (<-chan Event, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Event, defaultEventBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	return sub.ch, func() { h.unsubscribe(sub.id) }
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}
