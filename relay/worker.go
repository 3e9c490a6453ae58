package relay

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/changefeed/capture"
	"github.com/maxpert/changefeed/flow"
	"github.com/maxpert/changefeed/observer"
	"github.com/maxpert/changefeed/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default credit window of a worker subscription
	DefaultBatchSize = 100
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before the subscription is restarted
	DefaultMaxRetries = 100
)

var errStopped = errors.New("worker stopped")

// WorkerConfig configures a relay worker
type WorkerConfig struct {
	Name            string           // Sink name (for cursor tracking)
	Scope           string           // Catalog name or engine, used in topics
	Observer        Observer         // Registry to subscribe to
	Cursors         CursorStore      // Persisted delivery positions
	Sink            Sink             // Destination sink
	Transformer     Transformer      // Event transformer
	Request         observer.Request // Criteria and content; the start is derived
	SinceVersion    int64            // Start when no cursor is stored (observer.SinceNow = from now)
	TopicPrefix     string           // Topic prefix (e.g., "changefeed")
	BatchSize       int              // Credit window
	RetryInitial    time.Duration    // Initial retry delay
	RetryMax        time.Duration    // Max retry delay
	RetryMultiplier float64          // Backoff multiplier
	MaxRetries      int              // Maximum publish attempts per event
}

// Worker forwards the events of one observer subscription to a sink
type Worker struct {
	config WorkerConfig

	position  capture.Position
	delivered atomic.Int64
	hasPos    bool
	posMu     sync.Mutex

	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker creates a relay worker positioned after its stored cursor
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Observer == nil {
		return nil, fmt.Errorf("observer is required")
	}
	if config.Cursors == nil {
		return nil, fmt.Errorf("cursor store is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	pos, ok, err := config.Cursors.LoadCursor(config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}

	return &Worker{
		config:   config,
		position: pos,
		hasPos:   ok,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Name returns the sink name of the worker
func (w *Worker) Name() string {
	return w.config.Name
}

// Position returns the last delivered position
func (w *Worker) Position() (capture.Position, bool) {
	w.posMu.Lock()
	defer w.posMu.Unlock()
	return w.position, w.hasPos
}

// Delivered returns the number of events published since start
func (w *Worker) Delivered() int64 {
	return w.delivered.Load()
}

// Running reports whether the worker loop is active
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	pos, ok := w.Position()
	log.Info().
		Str("sink", w.config.Name).
		Str("scope", w.config.Scope).
		Bool("has_cursor", ok).
		Stringer("cursor", pos).
		Msg("Starting relay worker")

	go w.runLoop()
}

// Stop stops the worker and waits for it
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("sink", w.config.Name).Msg("Relay worker stopped")
}

// start returns where the next subscription begins
func (w *Worker) start() observer.Request {
	req := w.config.Request
	pos, ok := w.Position()
	switch {
	case ok:
		next := pos.Next()
		req.SinceVersion, req.SinceIndex = next.Version, next.Index
	case w.config.SinceVersion < 0:
		req.SinceVersion, req.SinceIndex = observer.SinceNow, 0
	default:
		req.SinceVersion, req.SinceIndex = w.config.SinceVersion, 0
	}
	return req
}

func (w *Worker) runLoop() {
	defer close(w.doneCh)
	defer w.running.Store(false)

	delay := w.config.RetryInitial
	for {
		err := w.session()
		switch {
		case errors.Is(err, errStopped):
			return
		case err == nil, errors.Is(err, observer.ErrClosed):
			log.Info().Str("sink", w.config.Name).Msg("Observer completed, relay worker exits")
			return
		case errors.Is(err, capture.ErrOutOfScope):
			log.Error().Err(err).Str("sink", w.config.Name).Msg("Relay cursor is no longer retained, worker exits")
			return
		}

		log.Warn().
			Err(err).
			Str("sink", w.config.Name).
			Dur("retry_delay", delay).
			Msg("Relay subscription ended, resubscribing")
		if !w.sleep(delay) {
			return
		}
		delay = w.backoff(delay)
	}
}

// session subscribes once and forwards events until the subscription ends
func (w *Worker) session() error {
	cp, err := w.config.Observer.RegisterObserver(w.start())
	if err != nil {
		return fmt.Errorf("failed to register observer: %w", err)
	}
	defer w.config.Observer.UnregisterObserver(cp.ID())

	sub := newSubscriber(w.config.BatchSize)
	if err := cp.Subscribe(sub); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	for {
		select {
		case <-w.stopCh:
			sub.cancel()
			return errStopped
		case e := <-sub.events:
			if err := w.processEvent(e); err != nil {
				sub.cancel()
				return err
			}
			sub.request(1)
		case err := <-sub.done:
			// items delivered before the terminal signal are still queued
			for len(sub.events) > 0 {
				if perr := w.processEvent(<-sub.events); perr != nil {
					return perr
				}
			}
			return err
		}
	}
}

// processEvent publishes one event and records its position.
// Delivery semantics: at-least-once; the cursor is saved after the publish.
func (w *Worker) processEvent(e capture.Event) error {
	data, err := w.config.Transformer.Transform(e, w.config.Scope)
	if err != nil {
		return fmt.Errorf("failed to transform event %s: %w", e.Position, err)
	}

	topic := w.buildTopic(e)
	key := eventKey(e)

	start := time.Now()
	if err := w.publishWithRetry(topic, key, data); err != nil {
		return err
	}

	// entity removals are followed by a tombstone for compacted topics
	if e.Area == capture.AreaData && e.Operation == capture.OpRemove && e.Container == capture.ContainerEntity {
		if err := w.publishWithRetry(topic, key, w.config.Transformer.Tombstone(key)); err != nil {
			return err
		}
	}
	telemetry.RelayPublishSeconds.With(w.config.Name).Observe(time.Since(start).Seconds())
	telemetry.RelayPublished.With(w.config.Name).Inc()

	w.posMu.Lock()
	w.position, w.hasPos = e.Position, true
	w.posMu.Unlock()
	w.delivered.Add(1)

	if err := w.config.Cursors.SaveCursor(w.config.Name, e.Position); err != nil {
		log.Warn().
			Err(err).
			Str("sink", w.config.Name).
			Stringer("position", e.Position).
			Msg("Failed to save cursor after successful publish - event may be redelivered")
	}
	return nil
}

// buildTopic builds the topic name for an event
func (w *Worker) buildTopic(e capture.Event) string {
	leaf := e.Classifier
	if leaf == "" {
		leaf = strings.ToLower(e.Container.String())
	}
	if w.config.TopicPrefix == "" {
		return fmt.Sprintf("%s.%s", w.config.Scope, leaf)
	}
	return fmt.Sprintf("%s.%s.%s", w.config.TopicPrefix, w.config.Scope, leaf)
}

// eventKey routes all changes of an entity to the same partition
func eventKey(e capture.Event) string {
	if e.Area == capture.AreaData {
		return fmt.Sprintf("%s/%d", e.Classifier, e.PrimaryKey)
	}
	if e.Classifier != "" {
		return e.Classifier
	}
	return e.Position.String()
}

// publishWithRetry publishes data with exponential backoff retry
// Returns error if max retries exhausted or worker stopped
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++
		telemetry.RelayFailures.With(w.config.Name).Inc()

		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("sink", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !w.sleep(delay) {
			return errStopped
		}
		delay = w.backoff(delay)
	}
}

func (w *Worker) backoff(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
	if delay > w.config.RetryMax {
		delay = w.config.RetryMax
	}
	return delay
}

// sleep sleeps for the given duration, checking stopCh
// Returns true if sleep completed, false if stopped
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// subscriber buffers at most the credit it granted, so OnNext never blocks
type subscriber struct {
	events chan capture.Event
	done   chan error
	credit int64

	mu  sync.Mutex
	sub flow.Subscription
}

func newSubscriber(credit int) *subscriber {
	return &subscriber{
		events: make(chan capture.Event, credit),
		done:   make(chan error, 1),
		credit: int64(credit),
	}
}

func (s *subscriber) OnSubscribe(sub flow.Subscription) {
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	sub.Request(s.credit)
}

func (s *subscriber) OnNext(e capture.Event) {
	s.events <- e
}

func (s *subscriber) OnError(err error) {
	s.done <- err
}

func (s *subscriber) OnComplete() {
	s.done <- nil
}

func (s *subscriber) request(n int64) {
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	if sub != nil {
		sub.Request(n)
	}
}

func (s *subscriber) cancel() {
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
}
