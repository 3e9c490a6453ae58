package flow

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Submitter is a multi-subscriber push feed. Every subscriber owns a bounded
// queue; an Offer that finds a queue full detaches that subscriber instead of
// dropping the item: the subscriber receives what it already holds followed
// by OnComplete, and the saturation callback tells the caller to resume it
// from elsewhere.
type Submitter[T any] struct {
	executor Executor
	capacity int

	mu     sync.Mutex
	subs   map[uuid.UUID]*submission[T]
	closed bool
}

// NewSubmitter creates a feed with capacity queued items per subscriber
func NewSubmitter[T any](executor Executor, capacity int) *Submitter[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Submitter[T]{
		executor: executor,
		capacity: capacity,
		subs:     make(map[uuid.UUID]*submission[T]),
	}
}

// Subscribe attaches a subscriber to the feed. Only items offered after the
// call are delivered to it.
func (s *Submitter[T]) Subscribe(sub Subscriber[T]) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	sb := &submission[T]{
		id:         uuid.New(),
		owner:      s,
		subscriber: sub,
	}
	s.subs[sb.id] = sb
	s.mu.Unlock()

	sub.OnSubscribe(sb)

	sb.mu.Lock()
	sb.started = true
	sb.mu.Unlock()
	sb.schedule()
	return nil
}

// Offer enqueues item for every subscriber and returns how many of them were
// detached because their queue was full. onSaturated is invoked for each of
// them after the feed lock is released.
func (s *Submitter[T]) Offer(item T, onSaturated func(Subscriber[T])) int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	var saturated []*submission[T]
	for id, sb := range s.subs {
		if !sb.enqueue(item, s.capacity) {
			delete(s.subs, id)
			saturated = append(saturated, sb)
		}
	}
	s.mu.Unlock()

	for _, sb := range saturated {
		sb.detach()
		if onSaturated != nil {
			onSaturated(sb.subscriber)
		}
	}
	return len(saturated)
}

// Len returns the number of attached subscribers
func (s *Submitter[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close completes every subscriber once its queue drains
func (s *Submitter[T]) Close() {
	for _, sb := range s.closeAll() {
		sb.detach()
	}
}

// CloseExceptionally terminates every subscriber with err, discarding queued
// items
func (s *Submitter[T]) CloseExceptionally(err error) {
	for _, sb := range s.closeAll() {
		sb.fail(err)
	}
}

func (s *Submitter[T]) closeAll() []*submission[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	subs := make([]*submission[T], 0, len(s.subs))
	for id, sb := range s.subs {
		subs = append(subs, sb)
		delete(s.subs, id)
	}
	return subs
}

func (s *Submitter[T]) remove(id uuid.UUID) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

type submission[T any] struct {
	id         uuid.UUID
	owner      *Submitter[T]
	subscriber Subscriber[T]

	mu        sync.Mutex
	queue     []T
	demand    int64
	started   bool
	detached  bool
	cancelled bool
	done      bool
	err       error

	wip atomic.Int32
}

func (sb *submission[T]) ID() uuid.UUID {
	return sb.id
}

func (sb *submission[T]) Request(n int64) {
	sb.mu.Lock()
	if sb.done || sb.cancelled {
		sb.mu.Unlock()
		return
	}
	if n <= 0 {
		sb.err = ErrNonPositiveRequest
		sb.queue = nil
		sb.mu.Unlock()
		sb.owner.remove(sb.id)
		sb.schedule()
		return
	}
	sb.demand = AddCredit(sb.demand, n)
	sb.mu.Unlock()
	sb.schedule()
}

func (sb *submission[T]) Cancel() {
	sb.mu.Lock()
	sb.cancelled = true
	sb.queue = nil
	sb.mu.Unlock()
	sb.owner.remove(sb.id)
}

// enqueue reports false when the queue is full
func (sb *submission[T]) enqueue(item T, capacity int) bool {
	sb.mu.Lock()
	if sb.cancelled || sb.detached || sb.done {
		sb.mu.Unlock()
		return true
	}
	if len(sb.queue) >= capacity {
		sb.mu.Unlock()
		return false
	}
	sb.queue = append(sb.queue, item)
	sb.mu.Unlock()
	sb.schedule()
	return true
}

func (sb *submission[T]) detach() {
	sb.mu.Lock()
	sb.detached = true
	sb.mu.Unlock()
	sb.schedule()
}

func (sb *submission[T]) fail(err error) {
	sb.mu.Lock()
	if sb.err == nil {
		sb.err = err
	}
	sb.queue = nil
	sb.mu.Unlock()
	sb.schedule()
}

func (sb *submission[T]) schedule() {
	if sb.wip.Add(1) == 1 {
		sb.owner.executor.Execute(sb.drain)
	}
}

func (sb *submission[T]) drain() {
	missed := int32(1)
	for {
		sb.emit()
		missed = sb.wip.Add(-missed)
		if missed == 0 {
			return
		}
	}
}

func (sb *submission[T]) emit() {
	for {
		sb.mu.Lock()
		if !sb.started || sb.cancelled || sb.done {
			sb.mu.Unlock()
			return
		}
		if sb.err != nil {
			err := sb.err
			sb.done = true
			sb.mu.Unlock()
			sb.subscriber.OnError(err)
			return
		}
		if len(sb.queue) == 0 {
			if !sb.detached {
				sb.mu.Unlock()
				return
			}
			sb.done = true
			sb.mu.Unlock()
			sb.subscriber.OnComplete()
			return
		}
		if sb.demand == 0 {
			sb.mu.Unlock()
			return
		}

		item := sb.queue[0]
		var zero T
		sb.queue[0] = zero
		sb.queue = sb.queue[1:]
		if sb.demand != math.MaxInt64 {
			sb.demand--
		}
		sb.mu.Unlock()

		sb.subscriber.OnNext(item)
	}
}
