package publisher

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/maxpert/changefeed/capture"
	"github.com/maxpert/changefeed/flow"
	"github.com/maxpert/changefeed/telemetry"
	"github.com/rs/zerolog/log"
)

var (
	// ErrUpstreamActive is returned when attaching while another upstream still feeds the publisher
	ErrUpstreamActive = errors.New("capture publisher already has an active upstream")
	// ErrTerminated is returned when attaching to a publisher that already finished
	ErrTerminated = errors.New("capture publisher is terminated")
)

const defaultBufferSize = 256

// State is the delivery state of a CapturePublisher
type State uint8

const (
	StateIdle State = iota
	StatePushing
	StateWaitingCredit
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StatePushing:
		return "PUSHING"
	case StateWaitingCredit:
		return "WAITING_CREDIT"
	default:
		return "TERMINATED"
	}
}

// Lag tells the owner that a publisher has nothing more to forward right now.
// Exhausted is set when the upstream completed: the owner must attach another
// upstream starting at Resume, or complete the publisher.
type Lag struct {
	Last      capture.Position
	Delivered bool
	Resume    capture.Position
	Exhausted bool
}

// CaptureConfig configures a CapturePublisher
type CaptureConfig struct {
	ID         uuid.UUID
	Start      capture.Position
	Executor   flow.Executor
	Filter     capture.Filter
	Content    capture.ContentMode
	BufferSize int

	OnLag    func(cp *CapturePublisher, lag Lag)
	OnFinish func(id uuid.UUID)
}

type terminalKind uint8

const (
	termNone terminalKind = iota
	termComplete
	termError
	termCancelled
)

// CapturePublisher turns a feed of committed mutations into a filtered stream
// of capture events for exactly one downstream subscriber. Events are merged
// by position: anything at or before the last processed position is dropped,
// so an owner may switch upstreams (durable replay, ring buffer copy, live
// feed) without producing gaps or duplicates.
type CapturePublisher struct {
	id       uuid.UUID
	start    capture.Position
	executor flow.Executor
	filter   capture.Filter
	content  capture.ContentMode
	window   int64
	onLag    func(cp *CapturePublisher, lag Lag)
	onFinish func(id uuid.UUID)

	mu           sync.Mutex
	downstream   flow.Subscriber[capture.Event]
	subscribed   bool
	started      bool
	demand       int64
	pending      []capture.Event
	cursor       *capture.Cursor
	processed    capture.Position
	hasProcessed bool
	delivered    capture.Position
	hasDelivered bool

	upstream    flow.Subscription
	attaching   bool
	outstanding int64
	exhausted   bool
	exhaustSent bool
	idleSent    bool
	completing  bool

	terminal  terminalKind
	err       error
	signalled bool

	wip        atomic.Int32
	pushing    atomic.Bool
	finished   atomic.Bool
	duplicates atomic.Int64
}

// NewCapturePublisher creates a publisher without upstream
func NewCapturePublisher(config CaptureConfig) *CapturePublisher {
	if config.ID == uuid.Nil {
		config.ID = uuid.New()
	}
	if config.Executor == nil {
		config.Executor = flow.Inline{}
	}
	if config.Filter == nil {
		config.Filter = capture.MatchAll
	}
	if config.BufferSize < 2 {
		config.BufferSize = defaultBufferSize
	}
	return &CapturePublisher{
		id:       config.ID,
		start:    config.Start,
		executor: config.Executor,
		filter:   config.Filter,
		content:  config.Content,
		window:   int64(config.BufferSize),
		onLag:    config.OnLag,
		onFinish: config.OnFinish,
		cursor:   capture.NewCursor(config.Start.Version),
	}
}

// ID returns the subscription id
func (cp *CapturePublisher) ID() uuid.UUID {
	return cp.id
}

// Start returns the first position the subscriber asked for
func (cp *CapturePublisher) Start() capture.Position {
	return cp.start
}

// Equal reports whether both publishers serve the same subscription
func (cp *CapturePublisher) Equal(o *CapturePublisher) bool {
	return o != nil && cp.id == o.id
}

// Subscribe attaches the downstream subscriber
func (cp *CapturePublisher) Subscribe(sub flow.Subscriber[capture.Event]) error {
	cp.mu.Lock()
	if cp.subscribed {
		cp.mu.Unlock()
		return flow.ErrAlreadySubscribed
	}
	cp.subscribed = true
	cp.downstream = sub
	cp.mu.Unlock()

	sub.OnSubscribe(cp)

	cp.mu.Lock()
	cp.started = true
	cp.mu.Unlock()
	cp.schedule()
	return nil
}

// Request grants the downstream credit for n more events
func (cp *CapturePublisher) Request(n int64) {
	cp.mu.Lock()
	if cp.terminal != termNone {
		cp.mu.Unlock()
		return
	}
	if n <= 0 {
		cp.terminal = termError
		cp.err = flow.ErrNonPositiveRequest
		cp.pending = nil
		cp.mu.Unlock()
		cp.schedule()
		return
	}
	cp.demand = flow.AddCredit(cp.demand, n)
	cp.mu.Unlock()
	cp.schedule()
}

// Cancel stops delivery without a terminal signal
func (cp *CapturePublisher) Cancel() {
	cp.terminate(termCancelled, nil)
}

// Close completes the subscriber immediately, discarding pending events
func (cp *CapturePublisher) Close() {
	cp.terminate(termComplete, nil)
}

// CloseExceptionally terminates the subscriber with err
func (cp *CapturePublisher) CloseExceptionally(err error) {
	cp.terminate(termError, err)
}

// Complete completes the subscriber once pending events were delivered
func (cp *CapturePublisher) Complete() {
	cp.mu.Lock()
	cp.completing = true
	cp.mu.Unlock()
	cp.schedule()
}

func (cp *CapturePublisher) terminate(kind terminalKind, err error) {
	cp.mu.Lock()
	if cp.terminal != termNone {
		cp.mu.Unlock()
		return
	}
	cp.terminal = kind
	cp.err = err
	cp.pending = nil
	cp.mu.Unlock()
	cp.schedule()
}

// Attach subscribes the publisher to a new upstream. The previous upstream
// must have completed.
func (cp *CapturePublisher) Attach(upstream flow.Publisher[capture.Mutation]) error {
	cp.mu.Lock()
	if cp.terminal != termNone {
		cp.mu.Unlock()
		return ErrTerminated
	}
	if cp.upstream != nil || cp.attaching {
		cp.mu.Unlock()
		return ErrUpstreamActive
	}
	cp.attaching = true
	cp.mu.Unlock()

	err := upstream.Subscribe(cp)

	cp.mu.Lock()
	cp.attaching = false
	cp.mu.Unlock()
	if err != nil {
		return err
	}
	cp.schedule()
	return nil
}

// Feed accepts already projected events, such as a ring buffer copy. Events
// must arrive in position order.
func (cp *CapturePublisher) Feed(events ...capture.Event) {
	cp.mu.Lock()
	if cp.terminal != termNone {
		cp.mu.Unlock()
		return
	}
	for _, e := range events {
		if !cp.accept(e.Position, cp.processed, cp.hasProcessed) {
			continue
		}
		cp.processed = e.Position
		cp.hasProcessed = true
		if !cp.filter.Match(&e) {
			continue
		}
		if cp.content == capture.ContentHeader {
			e.Body = nil
		}
		cp.pending = append(cp.pending, e)
	}
	cp.mu.Unlock()
	cp.schedule()
}

func (cp *CapturePublisher) accept(pos, processed capture.Position, hasProcessed bool) bool {
	if pos.Before(cp.start) || (hasProcessed && !processed.Before(pos)) {
		cp.duplicates.Add(1)
		telemetry.DuplicatesDropped.Inc()
		return false
	}
	return true
}

// OnSubscribe implements flow.Subscriber for the upstream mutation feed
func (cp *CapturePublisher) OnSubscribe(s flow.Subscription) {
	cp.mu.Lock()
	if cp.terminal != termNone || cp.upstream != nil {
		cp.mu.Unlock()
		s.Cancel()
		return
	}
	cp.upstream = s
	cp.outstanding = 0
	cp.exhausted = false
	cp.exhaustSent = false
	cp.mu.Unlock()
	cp.schedule()
}

// OnNext projects one upstream mutation
func (cp *CapturePublisher) OnNext(m capture.Mutation) {
	cp.mu.Lock()
	if cp.terminal != termNone {
		cp.mu.Unlock()
		return
	}
	if cp.outstanding > 0 {
		cp.outstanding--
	}

	before, hadBefore := cp.processed, cp.hasProcessed
	for _, e := range m.Project(cp.cursor, cp.filter, cp.content) {
		if cp.accept(e.Position, before, hadBefore) {
			cp.pending = append(cp.pending, e)
		}
	}
	if last, ok := cp.cursor.Last(); ok && (!cp.hasProcessed || cp.processed.Before(last)) {
		cp.processed = last
		cp.hasProcessed = true
	}
	cp.mu.Unlock()
	cp.schedule()
}

// OnError terminates the downstream with the upstream failure
func (cp *CapturePublisher) OnError(err error) {
	cp.mu.Lock()
	cp.upstream = nil
	cp.mu.Unlock()
	cp.terminate(termError, err)
}

// OnComplete marks the upstream as exhausted
func (cp *CapturePublisher) OnComplete() {
	cp.mu.Lock()
	cp.upstream = nil
	cp.exhausted = true
	cp.exhaustSent = false
	cp.mu.Unlock()
	cp.schedule()
}

// State returns the current delivery state
func (cp *CapturePublisher) State() State {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	switch {
	case cp.terminal != termNone:
		return StateTerminated
	case cp.pushing.Load():
		return StatePushing
	case len(cp.pending) > 0 && cp.demand == 0:
		return StateWaitingCredit
	default:
		return StateIdle
	}
}

// NumberOfSubscribers returns 1 while a downstream subscriber is served
func (cp *CapturePublisher) NumberOfSubscribers() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.started && cp.terminal == termNone {
		return 1
	}
	return 0
}

// Resume returns the position the next upstream must start from
func (cp *CapturePublisher) Resume() capture.Position {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.resumeLocked()
}

func (cp *CapturePublisher) resumeLocked() capture.Position {
	if !cp.hasProcessed {
		return cp.start
	}
	return capture.Max(cp.processed.Next(), cp.start)
}

// LastDelivered returns the position of the last event handed downstream
func (cp *CapturePublisher) LastDelivered() (capture.Position, bool) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.delivered, cp.hasDelivered
}

// Duplicates returns how many events the merge-join discarded
func (cp *CapturePublisher) Duplicates() int64 {
	return cp.duplicates.Load()
}

// IsFinished reports whether the publisher reached a terminal state
func (cp *CapturePublisher) IsFinished() bool {
	return cp.finished.Load()
}

func (cp *CapturePublisher) finish() {
	if !cp.finished.CompareAndSwap(false, true) {
		return
	}
	telemetry.SubscriptionsFinished.Inc()
	log.Debug().Str("subscription", cp.id.String()).Msg("Capture publisher finished")
	if cp.onFinish != nil {
		cp.onFinish(cp.id)
	}
}

func (cp *CapturePublisher) schedule() {
	if cp.wip.Add(1) == 1 {
		cp.executor.Execute(cp.drain)
	}
}

func (cp *CapturePublisher) drain() {
	missed := int32(1)
	for {
		cp.emit()
		missed = cp.wip.Add(-missed)
		if missed == 0 {
			return
		}
	}
}

func (cp *CapturePublisher) emit() {
	for {
		cp.mu.Lock()

		if cp.terminal != termNone {
			cp.finalize()
			return
		}

		if cp.started && len(cp.pending) > 0 && cp.demand > 0 {
			e := cp.pending[0]
			cp.pending[0] = capture.Event{}
			cp.pending = cp.pending[1:]
			if cp.demand != math.MaxInt64 {
				cp.demand--
			}
			cp.delivered = e.Position
			cp.hasDelivered = true
			cp.idleSent = false
			sub := cp.downstream
			cp.pushing.Store(true)
			cp.mu.Unlock()

			sub.OnNext(e)
			cp.pushing.Store(false)
			telemetry.EventsDelivered.Inc()
			continue
		}

		if len(cp.pending) == 0 && cp.completing {
			cp.terminal = termComplete
			cp.mu.Unlock()
			continue
		}

		if cp.upstream != nil && int64(len(cp.pending)) < cp.window && cp.outstanding <= cp.window/2 {
			n := cp.window - cp.outstanding
			cp.outstanding = cp.window
			up := cp.upstream
			cp.mu.Unlock()
			up.Request(n)
			continue
		}

		if len(cp.pending) == 0 && cp.exhausted && !cp.exhaustSent && !cp.attaching {
			cp.exhaustSent = true
			if cp.onLag == nil {
				cp.terminal = termComplete
				cp.mu.Unlock()
				continue
			}
			lag := cp.lagLocked(true)
			cp.mu.Unlock()
			cp.onLag(cp, lag)
			continue
		}

		if len(cp.pending) == 0 && cp.started && !cp.exhausted && !cp.idleSent && cp.onLag != nil {
			cp.idleSent = true
			lag := cp.lagLocked(false)
			cp.mu.Unlock()
			cp.onLag(cp, lag)
			continue
		}

		cp.mu.Unlock()
		return
	}
}

func (cp *CapturePublisher) lagLocked(exhausted bool) Lag {
	return Lag{
		Last:      cp.delivered,
		Delivered: cp.hasDelivered,
		Resume:    cp.resumeLocked(),
		Exhausted: exhausted,
	}
}

// finalize runs with cp.mu held and releases it
func (cp *CapturePublisher) finalize() {
	up := cp.upstream
	cp.upstream = nil
	cp.pending = nil

	var signal func()
	if cp.started && !cp.signalled && cp.terminal != termCancelled {
		cp.signalled = true
		sub, err := cp.downstream, cp.err
		if cp.terminal == termError {
			signal = func() { sub.OnError(err) }
		} else {
			signal = sub.OnComplete
		}
	}
	ready := cp.started || cp.terminal == termCancelled || !cp.subscribed
	cp.mu.Unlock()

	if up != nil {
		up.Cancel()
	}
	if signal != nil {
		signal()
	}
	if ready {
		cp.finish()
	}
}
