package capture

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// UnboundedVersion disables the visibility ceiling of a RingBuffer
const UnboundedVersion = math.MaxInt64

// RingBuffer is a fixed capacity circular store of the most recent capture
// events, addressed by Position. All methods are safe for concurrent use.
//
// Held items are kept in strictly increasing position order and are never
// older than the effective start position. Items whose version exceeds the
// effective last version are held but not visible to CopyTo.
type RingBuffer struct {
	mu sync.Mutex

	slots []Event
	head  int // slot of the oldest held item
	count int

	effectiveStart       Position
	effectiveLastVersion int64

	evictions uint64
}

// NewRingBuffer creates an empty buffer. start is the oldest position the
// buffer claims to cover, lastVersion the initial visibility ceiling.
func NewRingBuffer(capacity int, start Position, lastVersion int64) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{
		slots:                make([]Event, capacity),
		effectiveStart:       start,
		effectiveLastVersion: lastVersion,
	}
}

// slot translates a logical offset (0 = oldest) into a physical slot
func (rb *RingBuffer) slot(offset int) int {
	return (rb.head + offset) % len(rb.slots)
}

func (rb *RingBuffer) at(offset int) *Event {
	return &rb.slots[rb.slot(offset)]
}

// Offer appends an event, evicting the oldest one when the buffer is full.
// Events not strictly after the newest held item, or before the effective
// start, are rejected.
func (rb *RingBuffer) Offer(e Event) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if e.Position.Before(rb.effectiveStart) {
		return false
	}
	if rb.count > 0 && !rb.at(rb.count-1).Position.Before(e.Position) {
		return false
	}

	if rb.count == len(rb.slots) {
		rb.evictOldestLocked()
		if rb.count == 0 {
			rb.effectiveStart = e.Position
		}
	}

	rb.slots[rb.slot(rb.count)] = e
	rb.count++
	return true
}

// Evictions returns how many items were evicted because the buffer was full
func (rb *RingBuffer) Evictions() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.evictions
}

func (rb *RingBuffer) evictOldestLocked() {
	rb.slots[rb.head] = Event{}
	rb.head = rb.slot(1)
	rb.count--
	rb.evictions++
	if rb.count > 0 {
		rb.effectiveStart = rb.at(0).Position
	}
}

// CopyTo passes, in order, every visible held item with position >= from to
// sink until sink returns false. It returns the number of items accepted by
// sink. ErrOutOfScope is returned when from precedes the effective start.
func (rb *RingBuffer) CopyTo(from Position, sink func(Event) bool) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if from.Before(rb.effectiveStart) {
		return 0, fmt.Errorf("position %s precedes buffer start %s: %w", from, rb.effectiveStart, ErrOutOfScope)
	}

	first := sort.Search(rb.count, func(i int) bool {
		return !rb.at(i).Position.Before(from)
	})

	copied := 0
	for i := first; i < rb.count; i++ {
		e := rb.at(i)
		if e.Version > rb.effectiveLastVersion {
			break
		}
		if !sink(*e) {
			break
		}
		copied++
	}
	return copied, nil
}

// SetEffectiveLastVersion raises the visibility ceiling. Lower values are
// ignored.
func (rb *RingBuffer) SetEffectiveLastVersion(version int64) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if version > rb.effectiveLastVersion {
		rb.effectiveLastVersion = version
	}
}

// ClearAllUntil drops every item with version below v and moves the
// effective start to (v, 0). The start never moves backwards.
func (rb *RingBuffer) ClearAllUntil(version int64) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	floor := FirstOf(version)
	if floor.Before(rb.effectiveStart) {
		return
	}
	for rb.count > 0 && rb.at(0).Version < version {
		rb.slots[rb.head] = Event{}
		rb.head = rb.slot(1)
		rb.count--
	}
	if rb.count == 0 {
		rb.head = 0
	}
	rb.effectiveStart = floor
}

// ClearAllAfter drops every item with version above v from the tail.
// The effective start is left untouched.
func (rb *RingBuffer) ClearAllAfter(version int64) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count > 0 && rb.at(rb.count-1).Version > version {
		*rb.at(rb.count - 1) = Event{}
		rb.count--
	}
}

// ClearAll drops every held item
func (rb *RingBuffer) ClearAll() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for i := range rb.slots {
		rb.slots[i] = Event{}
	}
	rb.head = 0
	rb.count = 0
}

// EffectiveStart returns the oldest position the buffer can serve
func (rb *RingBuffer) EffectiveStart() Position {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.effectiveStart
}

// EffectiveLastVersion returns the visibility ceiling
func (rb *RingBuffer) EffectiveLastVersion() int64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.effectiveLastVersion
}

// Covers reports whether a copy starting at from would be in scope
func (rb *RingBuffer) Covers(from Position) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return !from.Before(rb.effectiveStart)
}

// Len returns the number of held items
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the capacity of the buffer
func (rb *RingBuffer) Cap() int {
	return len(rb.slots)
}
