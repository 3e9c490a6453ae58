// Package observer hosts the registries through which clients subscribe to
// capture events of a catalog or of the whole engine.
//
// A registry owns the ring buffer of recent events and the live mutation
// feed. A subscription whose start position is still held by the ring buffer
// is served from a buffer copy followed by the live feed; an older one is
// first replayed from the durable source up to the version visible at that
// moment and then spliced onto the buffer and live feed. Every switch of
// upstream is merged by position inside the subscription's publisher, so a
// subscriber never sees a gap or a duplicate.
package observer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maxpert/changefeed/capture"
	"github.com/maxpert/changefeed/flow"
	"github.com/maxpert/changefeed/publisher"
	"github.com/maxpert/changefeed/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotInLiveView is returned before the catalog became visible
	ErrNotInLiveView = errors.New("catalog is not present in the live view")
	// ErrClosed is returned by a closed registry
	ErrClosed = errors.New("observer registry is closed")
	// ErrOutOfOrder is returned when a processed mutation would move positions backwards
	ErrOutOfOrder = errors.New("mutation is older than the newest buffered event")
)

// SinceNow subscribes from the first version not yet visible
const SinceNow int64 = -1

// Request describes where a new subscription starts and what it receives
type Request struct {
	SinceVersion int64
	SinceIndex   int32
	Content      capture.ContentMode
	Criteria     capture.Criteria
}

// Source is the durable history a registry replays from
type Source interface {
	publisher.MutationSource
	CommittedVersion() int64
	Horizon() int64
}

// Config configures a registry
type Config struct {
	Scope                string
	Source               Source
	Executor             flow.Executor
	RingBufferSize       int
	SubscriberBufferSize int
	PublisherBufferSize  int
	ReplayRoundSize      int
	CleanupInterval      time.Duration
}

// Subscription is a snapshot of one registered observer
type Subscription struct {
	ID            uuid.UUID         `json:"id"`
	Start         capture.Position  `json:"start"`
	Resume        capture.Position  `json:"resume"`
	LastDelivered *capture.Position `json:"last_delivered,omitempty"`
	State         string            `json:"state"`
	Replaying     bool              `json:"replaying"`
	Duplicates    int64             `json:"duplicates"`
	Created       time.Time         `json:"created"`
}

type entry struct {
	cp      *publisher.CapturePublisher
	created time.Time

	// guarded by registry.mu
	boundary    int64
	hasBoundary bool
	reader      *publisher.HistoricalReaderPublisher
}

type staged struct {
	version  int64
	mutation capture.Mutation
}

type registry struct {
	config  Config
	ownPool *flow.Pool

	mu      sync.Mutex
	present bool
	closed  bool
	visible int64
	ring    *capture.RingBuffer
	cursor  *capture.Cursor
	staged  []staged
	live    *flow.Submitter[capture.Mutation]

	entries *xsync.MapOf[uuid.UUID, *entry]

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newRegistry(config Config) *registry {
	if config.RingBufferSize < 1 {
		config.RingBufferSize = 8192
	}
	if config.SubscriberBufferSize < 1 {
		config.SubscriberBufferSize = 1024
	}
	if config.ReplayRoundSize < 1 {
		config.ReplayRoundSize = 512
	}
	r := &registry{
		config:  config,
		entries: xsync.NewMapOf[uuid.UUID, *entry](),
		stopCh:  make(chan struct{}),
	}
	// Publishers call back into the registry from their delivery tasks, so
	// the executor must never run tasks on the calling goroutine.
	if r.config.Executor == nil {
		r.ownPool = flow.NewPool(4)
		r.config.Executor = r.ownPool
	}
	r.live = flow.NewSubmitter[capture.Mutation](r.config.Executor, config.SubscriberBufferSize)

	if config.CleanupInterval > 0 {
		r.wg.Add(1)
		go r.cleanupLoop(config.CleanupInterval)
	}
	return r
}

// goLive makes the registry accept registrations with visible as the newest
// version already durable. The ring buffer starts right after it.
func (r *registry) goLive(visible int64) {
	r.present = true
	r.visible = visible
	r.ring = capture.NewRingBuffer(r.config.RingBufferSize, capture.FirstOf(visible+1), visible)
	r.cursor = capture.NewCursor(visible + 1)
	log.Info().Str("scope", r.config.Scope).Int64("version", visible).Msg("Observer registry is live")
}

// RegisterObserver creates a publisher delivering capture events from the
// requested position. Positions no longer retained anywhere fail with
// capture.ErrOutOfScope.
func (r *registry) RegisterObserver(req Request) (*publisher.CapturePublisher, error) {
	filter, err := capture.NewCriteriaFilter(req.Criteria)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if !r.present {
		return nil, ErrNotInLiveView
	}

	start := capture.Position{Version: req.SinceVersion, Index: req.SinceIndex}
	if req.SinceVersion < 0 {
		start = capture.FirstOf(r.visible + 1)
	}
	if !r.ring.Covers(start) && start.Version < r.config.Source.Horizon() {
		telemetry.SubscriptionsTotal.With(r.config.Scope, "rejected").Inc()
		return nil, fmt.Errorf("%w: %s is below horizon %d", capture.ErrOutOfScope, start, r.config.Source.Horizon())
	}

	e := &entry{created: time.Now()}
	e.cp = publisher.NewCapturePublisher(publisher.CaptureConfig{
		ID:         uuid.New(),
		Start:      start,
		Executor:   r.config.Executor,
		Filter:     filter,
		Content:    req.Content,
		BufferSize: r.config.PublisherBufferSize,
		OnLag:      r.onLag,
		OnFinish:   r.onFinish,
	})
	r.entries.Store(e.cp.ID(), e)

	source := r.resumeLocked(e)
	telemetry.SubscriptionsTotal.With(r.config.Scope, source).Inc()
	log.Debug().
		Str("scope", r.config.Scope).
		Str("subscription", e.cp.ID().String()).
		Stringer("start", start).
		Str("source", source).
		Msg("Registered observer")
	return e.cp, nil
}

func (r *registry) onLag(cp *publisher.CapturePublisher, lag publisher.Lag) {
	if !lag.Exhausted {
		return
	}
	e, ok := r.entries.Load(cp.ID())
	if !ok {
		cp.Complete()
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		cp.Complete()
		return
	}
	source := r.resumeLocked(e)
	telemetry.ResumesTotal.With(r.config.Scope, source).Inc()
}

// resumeLocked attaches the next upstream of a publisher and returns where it
// is served from
func (r *registry) resumeLocked(e *entry) string {
	from := e.cp.Resume()
	if e.hasBoundary {
		// the bounded replay delivered every version up to the boundary
		from = capture.Max(from, capture.FirstOf(e.boundary+1))
	}
	e.reader = nil

	if r.ring.Covers(from) {
		var events []capture.Event
		if _, err := r.ring.CopyTo(from, func(ev capture.Event) bool {
			events = append(events, ev)
			return true
		}); err == nil {
			e.cp.Feed(events...)
			if err := e.cp.Attach(r.live); err != nil {
				r.attachFailed(e, err)
			}
			return "buffer"
		}
	}

	if from.Version < r.config.Source.Horizon() {
		// retention was truncated underneath a subscriber that fell behind
		e.cp.CloseExceptionally(fmt.Errorf("%w: %s", capture.ErrOutOfScope, from))
		return "rejected"
	}

	if from.Version > r.visible {
		// nothing durable to replay; staged mutations reach it once visible
		if err := e.cp.Attach(r.live); err != nil {
			r.attachFailed(e, err)
		}
		return "live"
	}

	boundary := r.visible
	reader := publisher.NewHistoricalReader(publisher.ReaderConfig{
		Executor:     r.config.Executor,
		RoundSize:    r.config.ReplayRoundSize,
		StartVersion: from.Version,
		VersionCount: func() int64 { return boundary },
		Source:       r.config.Source,
		Bounded:      true,
	})
	e.boundary = boundary
	e.hasBoundary = true
	e.reader = reader
	if err := e.cp.Attach(reader); err != nil {
		r.attachFailed(e, err)
		return "replay"
	}
	reader.ReadAll()
	return "replay"
}

func (r *registry) attachFailed(e *entry, err error) {
	if errors.Is(err, publisher.ErrTerminated) {
		return
	}
	log.Error().Err(err).Str("subscription", e.cp.ID().String()).Msg("Failed to attach upstream")
	e.cp.CloseExceptionally(err)
}

func (r *registry) onFinish(id uuid.UUID) {
	r.entries.Delete(id)
}

// ProcessMutation projects a committed mutation into the ring buffer and
// stages it for the live feed until its version becomes visible
func (r *registry) ProcessMutation(m capture.Mutation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if !r.present {
		return ErrNotInLiveView
	}

	events := m.Project(r.cursor, capture.MatchAll, capture.ContentBody)
	for _, ev := range events {
		evictions := r.ring.Evictions()
		if !r.ring.Offer(ev) {
			return fmt.Errorf("%w: %s", ErrOutOfOrder, ev.Position)
		}
		telemetry.RingBufferOffered.With(r.config.Scope).Inc()
		if r.ring.Evictions() != evictions {
			telemetry.RingBufferEvicted.With(r.config.Scope).Inc()
		}
	}
	r.staged = append(r.staged, staged{version: r.cursor.Version(), mutation: m})
	return nil
}

// NotifyVersionPresentInLiveView makes every version up to version visible:
// buffered events become readable and staged mutations reach live subscribers
func (r *registry) NotifyVersionPresentInLiveView(version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || !r.present || version <= r.visible {
		return
	}
	r.visible = version
	r.ring.SetEffectiveLastVersion(version)

	n := 0
	for _, s := range r.staged {
		if s.version > version {
			break
		}
		r.live.Offer(s.mutation, r.onSaturated)
		n++
	}
	r.staged = append(r.staged[:0], r.staged[n:]...)
}

func (r *registry) onSaturated(sub flow.Subscriber[capture.Mutation]) {
	telemetry.LiveSaturations.With(r.config.Scope).Inc()
	if cp, ok := sub.(*publisher.CapturePublisher); ok {
		log.Debug().
			Str("scope", r.config.Scope).
			Str("subscription", cp.ID().String()).
			Msg("Subscriber fell behind the live feed, resuming from buffer")
	}
}

// ForgetMutationsAfter discards staged and buffered changes newer than
// version, rolling back a commit that never became visible
func (r *registry) ForgetMutationsAfter(version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.present {
		return
	}
	r.ring.ClearAllAfter(version)
	n := 0
	for _, s := range r.staged {
		if s.version <= version {
			r.staged[n] = s
			n++
		}
	}
	r.staged = r.staged[:n]
}

// VisibleVersion returns the newest version visible to subscribers
func (r *registry) VisibleVersion() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.visible
}

// UnregisterObserver completes the publisher of a subscription and reports
// whether it was registered
func (r *registry) UnregisterObserver(id uuid.UUID) bool {
	e, ok := r.entries.LoadAndDelete(id)
	if !ok {
		return false
	}
	e.cp.Close()
	return true
}

// CleanSubscribers drops finished subscriptions and trims buffered events
// no active subscriber can need anymore
func (r *registry) CleanSubscribers() int {
	removed := 0
	var (
		oldest capture.Position
		active bool
	)
	r.entries.Range(func(id uuid.UUID, e *entry) bool {
		if e.cp.IsFinished() {
			r.entries.Delete(id)
			removed++
			return true
		}
		resume := e.cp.Resume()
		if !active || resume.Before(oldest) {
			oldest = resume
		}
		active = true
		return true
	})

	r.mu.Lock()
	if active && r.present {
		until := oldest.Version
		if until > r.visible+1 {
			until = r.visible + 1
		}
		r.ring.ClearAllUntil(until)
	}
	r.mu.Unlock()

	if removed > 0 {
		log.Debug().Str("scope", r.config.Scope).Int("removed", removed).Msg("Cleaned finished subscribers")
	}
	return removed
}

func (r *registry) cleanupLoop(interval time.Duration) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.CleanSubscribers()
		case <-r.stopCh:
			return
		}
	}
}

// Subscriptions returns a snapshot of the registered observers
func (r *registry) Subscriptions() []Subscription {
	var out []Subscription
	r.entries.Range(func(id uuid.UUID, e *entry) bool {
		r.mu.Lock()
		replaying := e.reader != nil && !e.reader.IsClosed()
		r.mu.Unlock()

		s := Subscription{
			ID:         id,
			Start:      e.cp.Start(),
			Resume:     e.cp.Resume(),
			State:      e.cp.State().String(),
			Replaying:  replaying,
			Duplicates: e.cp.Duplicates(),
			Created:    e.created,
		}
		if last, ok := e.cp.LastDelivered(); ok {
			s.LastDelivered = &last
		}
		out = append(out, s)
		return true
	})
	return out
}

// Stats implements telemetry.StatsProvider
func (r *registry) Stats() telemetry.RegistryStats {
	r.mu.Lock()
	items := 0
	if r.ring != nil {
		items = r.ring.Len()
	}
	r.mu.Unlock()
	return telemetry.RegistryStats{
		Scope:         r.config.Scope,
		RingItems:     items,
		Subscriptions: r.entries.Size(),
	}
}

// Close completes every subscription and stops background work
func (r *registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()

	r.live.Close()
	r.entries.Range(func(id uuid.UUID, e *entry) bool {
		e.cp.Complete()
		return true
	})
	if r.ownPool != nil {
		r.ownPool.Close()
	}
	log.Info().Str("scope", r.config.Scope).Msg("Observer registry closed")
}
