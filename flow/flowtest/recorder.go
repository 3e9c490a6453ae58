// Package flowtest provides a recording subscriber for tests.
package flowtest

import (
	"sync"
	"time"

	"github.com/maxpert/changefeed/flow"
)

// Recorder is a flow.Subscriber that remembers everything it receives.
// It grants Initial credit on subscription and PerItem more after each item.
type Recorder[T any] struct {
	Initial int64
	PerItem int64
	Delay   time.Duration

	mu         sync.Mutex
	sub        flow.Subscription
	items      []T
	err        error
	completed  bool
	terminated int
}

// NewRecorder creates a recorder with the given credit policy
func NewRecorder[T any](initial, perItem int64) *Recorder[T] {
	return &Recorder[T]{Initial: initial, PerItem: perItem}
}

func (r *Recorder[T]) OnSubscribe(s flow.Subscription) {
	r.mu.Lock()
	r.sub = s
	r.mu.Unlock()
	if r.Initial > 0 {
		s.Request(r.Initial)
	}
}

func (r *Recorder[T]) OnNext(item T) {
	if r.Delay > 0 {
		time.Sleep(r.Delay)
	}
	r.mu.Lock()
	r.items = append(r.items, item)
	sub := r.sub
	r.mu.Unlock()
	if r.PerItem > 0 && sub != nil {
		sub.Request(r.PerItem)
	}
}

func (r *Recorder[T]) OnError(err error) {
	r.mu.Lock()
	r.err = err
	r.terminated++
	r.mu.Unlock()
}

func (r *Recorder[T]) OnComplete() {
	r.mu.Lock()
	r.completed = true
	r.terminated++
	r.mu.Unlock()
}

// Items returns a copy of the received items
func (r *Recorder[T]) Items() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

// Len returns the number of received items
func (r *Recorder[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Err returns the terminal error, if any
func (r *Recorder[T]) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Completed reports whether OnComplete was received
func (r *Recorder[T]) Completed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

// Terminations counts terminal signals; more than one is a protocol bug
func (r *Recorder[T]) Terminations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminated
}

// Subscription returns the handle received in OnSubscribe
func (r *Recorder[T]) Subscription() flow.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sub
}

// Request grants additional credit
func (r *Recorder[T]) Request(n int64) {
	if s := r.Subscription(); s != nil {
		s.Request(n)
	}
}

// Cancel cancels the subscription
func (r *Recorder[T]) Cancel() {
	if s := r.Subscription(); s != nil {
		s.Cancel()
	}
}
