// Package flow defines the pull based publish/subscribe contract used to move
// mutations and capture events between producers and observers.
//
// A Subscriber receives items only after granting credit through
// Subscription.Request, and never more items than it requested.
package flow

import (
	"errors"
	"math"

	"github.com/google/uuid"
)

var (
	// ErrAlreadySubscribed is returned when a single subscriber publisher is
	// subscribed to a second time
	ErrAlreadySubscribed = errors.New("publisher already has a subscriber")
	// ErrNonPositiveRequest is signalled to a subscriber requesting n <= 0 items
	ErrNonPositiveRequest = errors.New("requested item count must be positive")
	// ErrClosed is returned when subscribing to a closed publisher
	ErrClosed = errors.New("publisher is closed")
)

// Subscriber consumes items pushed by a Publisher
type Subscriber[T any] interface {
	OnSubscribe(s Subscription)
	OnNext(item T)
	OnError(err error)
	OnComplete()
}

// Subscription links a subscriber to its publisher
type Subscription interface {
	// Request grants credit for n more items
	Request(n int64)
	// Cancel stops delivery; items already in flight may still arrive
	Cancel()
	// ID uniquely identifies the subscription
	ID() uuid.UUID
}

// Publisher produces items for subscribers
type Publisher[T any] interface {
	Subscribe(s Subscriber[T]) error
}

// AddCredit adds n to the outstanding credit, saturating at math.MaxInt64
func AddCredit(credit, n int64) int64 {
	if credit > math.MaxInt64-n {
		return math.MaxInt64
	}
	return credit + n
}
