package publisher

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/maxpert/changefeed/capture"
	"github.com/maxpert/changefeed/flow"
	"github.com/maxpert/changefeed/telemetry"
	"github.com/rs/zerolog/log"
)

const defaultRoundSize = 512

// MutationSource is the durable, version ordered history of committed mutations
type MutationSource interface {
	CommittedMutationStream(sinceVersion int64) (capture.MutationIterator, error)
}

// ReaderConfig configures a HistoricalReaderPublisher
type ReaderConfig struct {
	Executor  flow.Executor
	RoundSize int

	// StartVersion is the first version read; StartIndex raw mutations of the
	// first version read are skipped.
	StartVersion int64
	StartIndex   int

	// VersionCount returns the last version that may be read. It is queried
	// at the start of every round and may grow.
	VersionCount func() int64
	Source       MutationSource

	// Bounded readers complete once the last readable version was delivered;
	// unbounded ones go idle until the next ReadAll.
	Bounded      bool
	OnCompletion func()
}

// HistoricalReaderPublisher republishes committed mutations from a durable
// source to a single subscriber in rounds of bounded size. A round never
// delivers more than the subscriber asked for; the next round is scheduled
// when credit arrives.
type HistoricalReaderPublisher struct {
	id     uuid.UUID
	config ReaderConfig

	mu         sync.Mutex
	sub        flow.Subscriber[capture.Mutation]
	subscribed bool
	started    bool
	demand     int64
	armed      bool
	closed     bool
	cancelled  bool
	natural    bool
	signalled  bool
	err        error

	// Touched only by the draining task
	version  int64
	offset   int
	anchored bool

	wip       atomic.Int32
	delivered atomic.Int64
}

// NewHistoricalReader creates a reader positioned at StartVersion/StartIndex
func NewHistoricalReader(config ReaderConfig) *HistoricalReaderPublisher {
	if config.Executor == nil {
		config.Executor = flow.Inline{}
	}
	if config.RoundSize < 1 {
		config.RoundSize = defaultRoundSize
	}
	if config.StartIndex < 0 {
		config.StartIndex = 0
	}
	return &HistoricalReaderPublisher{
		id:      uuid.New(),
		config:  config,
		version: config.StartVersion,
		offset:  config.StartIndex,
	}
}

// Subscribe attaches the only subscriber of the reader
func (r *HistoricalReaderPublisher) Subscribe(sub flow.Subscriber[capture.Mutation]) error {
	r.mu.Lock()
	if r.subscribed {
		r.mu.Unlock()
		return flow.ErrAlreadySubscribed
	}
	r.subscribed = true
	r.sub = sub
	r.mu.Unlock()

	sub.OnSubscribe(r)

	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	r.schedule()
	return nil
}

// ReadAll starts delivery of everything up to the current version ceiling
func (r *HistoricalReaderPublisher) ReadAll() {
	r.mu.Lock()
	r.armed = true
	r.mu.Unlock()
	r.schedule()
}

// ID identifies the subscription handed to the subscriber
func (r *HistoricalReaderPublisher) ID() uuid.UUID {
	return r.id
}

func (r *HistoricalReaderPublisher) Request(n int64) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if n <= 0 {
		r.closed = true
		r.err = flow.ErrNonPositiveRequest
		r.mu.Unlock()
		r.schedule()
		return
	}
	r.demand = flow.AddCredit(r.demand, n)
	r.mu.Unlock()
	r.schedule()
}

func (r *HistoricalReaderPublisher) Cancel() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		r.cancelled = true
	}
	r.mu.Unlock()
}

// Close stops reading and completes the subscriber if it is still active
func (r *HistoricalReaderPublisher) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.schedule()
}

// IsClosed reports whether the reader terminated
func (r *HistoricalReaderPublisher) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Delivered returns how many mutations were handed to the subscriber
func (r *HistoricalReaderPublisher) Delivered() int64 {
	return r.delivered.Load()
}

func (r *HistoricalReaderPublisher) schedule() {
	if r.wip.Add(1) == 1 {
		r.config.Executor.Execute(r.drain)
	}
}

func (r *HistoricalReaderPublisher) drain() {
	missed := int32(1)
	for {
		r.step()
		missed = r.wip.Add(-missed)
		if missed == 0 {
			return
		}
	}
}

func (r *HistoricalReaderPublisher) step() {
	for {
		r.mu.Lock()
		if !r.started {
			r.mu.Unlock()
			return
		}
		if r.closed {
			if r.signalled || r.cancelled {
				r.mu.Unlock()
				return
			}
			r.signalled = true
			sub, err, natural := r.sub, r.err, r.natural
			r.mu.Unlock()

			if err != nil {
				sub.OnError(err)
				return
			}
			sub.OnComplete()
			if natural && r.config.OnCompletion != nil {
				r.config.OnCompletion()
			}
			return
		}
		if !r.armed || r.demand == 0 {
			r.mu.Unlock()
			return
		}
		limit := int64(r.config.RoundSize)
		if r.demand < limit {
			limit = r.demand
		}
		r.mu.Unlock()

		r.round(limit)
	}
}

// round delivers at most limit mutations from one freshly opened iterator
func (r *HistoricalReaderPublisher) round(limit int64) {
	ceiling := r.config.VersionCount()
	if r.version > ceiling {
		r.endOfHistory()
		return
	}

	it, err := r.config.Source.CommittedMutationStream(r.version)
	if err != nil {
		r.fail(fmt.Errorf("failed to open mutation stream at version %d: %w", r.version, err))
		return
	}
	defer func() {
		if cerr := it.Close(); cerr != nil {
			log.Warn().Err(cerr).Int64("version", r.version).Msg("Failed to close mutation stream")
		}
	}()

	telemetry.ReplayRounds.Inc()
	var (
		count int64
		seen  int
		end   bool
	)
	first := true
	for count < limit {
		m, ok := it.Next()
		if !ok {
			if err := it.Err(); err != nil {
				r.fail(fmt.Errorf("failed to read mutation stream: %w", err))
				return
			}
			end = true
			break
		}

		if b, ok := m.(capture.Boundary); ok {
			v := b.TransactionVersion()
			if expected := r.expectedVersion(first); v != expected {
				// versions vanished between rounds, most likely truncated by retention
				r.fail(fmt.Errorf("%w: expected version %d, history continues at %d", capture.ErrOutOfScope, expected, v))
				return
			}
			first = false
			if v > ceiling {
				end = true
				break
			}
			if !r.anchored {
				r.anchored = true
				r.version = v
			} else if v != r.version {
				r.version = v
				r.offset = 0
			}
			seen = 0
		}

		seen++
		if seen <= r.offset {
			continue
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		if r.demand != math.MaxInt64 {
			r.demand--
		}
		sub := r.sub
		r.mu.Unlock()

		r.offset++
		count++
		r.delivered.Add(1)
		sub.OnNext(m)
	}
	telemetry.ReplayMutations.Add(float64(count))

	if end {
		r.endOfHistory()
	}
}

// expectedVersion returns the only version the next boundary may carry
func (r *HistoricalReaderPublisher) expectedVersion(first bool) int64 {
	switch {
	case !r.anchored:
		if r.config.StartVersion < 1 {
			return 1
		}
		return r.config.StartVersion
	case first:
		return r.version
	default:
		return r.version + 1
	}
}

func (r *HistoricalReaderPublisher) endOfHistory() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.config.Bounded {
		if !r.closed {
			r.closed = true
			r.natural = true
		}
		return
	}
	r.armed = false
}

func (r *HistoricalReaderPublisher) fail(err error) {
	log.Error().Err(err).Int64("version", r.version).Msg("Historical replay failed")
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		r.err = err
	}
	r.mu.Unlock()
}
