// Package notify wakes log followers when a catalog commits a new version.
package notify

import (
	"sync"
	"sync/atomic"
)

// defaultSignalBufferSize bounds queued wake-ups per subscriber. Signals are
// hints: a follower that misses one catches up on its next poll.
const defaultSignalBufferSize = 16

// Signal announces that a catalog committed up to Version
type Signal struct {
	Catalog string
	Version int64
}

// Filter selects the catalogs a subscriber is woken for. Empty means all.
type Filter struct {
	Catalogs []string
}

type subscription struct {
	id     uint64
	filter Filter
	ch     chan Signal
	closed atomic.Bool
}

func (s *subscription) matches(catalog string) bool {
	if len(s.filter.Catalogs) == 0 {
		return true
	}
	for _, c := range s.filter.Catalogs {
		if c == catalog {
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

// Hub fans commit signals out to subscribers without ever blocking the
// committer.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal notifies every matching subscriber; full buffers are skipped
func (h *Hub) Signal(catalog string, version int64) {
	signal := Signal{Catalog: catalog, Version: version}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(catalog) {
			continue
		}
		select {
		case sub.ch <- signal:
		default:
		}
	}
}

// Subscribe returns a buffered signal channel and an idempotent cancel
// function that closes it.
func (h *Hub) Subscribe(filter Filter) (<-chan Signal, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Signal, defaultSignalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	return sub.ch, func() { h.unsubscribe(sub.id) }
}

// Len returns the number of subscribers
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
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
