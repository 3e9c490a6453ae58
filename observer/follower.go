package observer

import (
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/changefeed/capture"
	"github.com/maxpert/changefeed/notify"
	"github.com/rs/zerolog/log"
)

// Log is the committed history a Follower tails
type Log interface {
	CommittedVersion() int64
	Horizon() int64
	ReadVersion(version int64) ([]capture.Mutation, error)
	TruncateBefore(version int64) error
}

// Target receives the versions a Follower reads
type Target interface {
	VisibleVersion() int64
	ProcessMutation(m capture.Mutation) error
	NotifyVersionPresentInLiveView(version int64)
	ForgetMutationsAfter(version int64)
}

// FollowerConfig configures a Follower
type FollowerConfig struct {
	Log      Log
	Target   Target
	Hub      *notify.Hub
	Catalog  string // commit signals of other catalogs are ignored
	Interval time.Duration

	// RetainVersions truncates the log to the newest versions once they were
	// made visible. Zero keeps everything.
	RetainVersions int64
}

// Follower feeds every version committed to a log into an observer and makes
// it visible. It wakes up on commit signals and polls on a ticker as a
// fallback.
type Follower struct {
	log            Log
	target         Target
	hub            *notify.Hub
	catalog        string
	interval       time.Duration
	retainVersions int64

	catchUpMu sync.Mutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewFollower creates a stopped follower
func NewFollower(config FollowerConfig) *Follower {
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	return &Follower{
		log:            config.Log,
		target:         config.Target,
		hub:            config.Hub,
		catalog:        config.Catalog,
		interval:       config.Interval,
		retainVersions: config.RetainVersions,
	}
}

// Start catches up and keeps following in the background
func (f *Follower) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		log.Warn().Str("catalog", f.catalog).Msg("Follower already running")
		return
	}
	f.running = true
	f.stopCh = make(chan struct{})

	var (
		signals <-chan notify.Signal
		cancel  = func() {}
	)
	if f.hub != nil {
		filter := notify.Filter{}
		if f.catalog != "" {
			filter.Catalogs = []string{f.catalog}
		}
		signals, cancel = f.hub.Subscribe(filter)
	}

	f.wg.Add(1)
	go f.runLoop(signals, cancel, f.stopCh)

	log.Info().Str("catalog", f.catalog).Dur("interval", f.interval).Msg("Follower started")
}

// Stop terminates the background loop and waits for it
func (f *Follower) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	close(f.stopCh)
	f.running = false
	f.mu.Unlock()

	f.wg.Wait()
	log.Info().Str("catalog", f.catalog).Msg("Follower stopped")
}

func (f *Follower) runLoop(signals <-chan notify.Signal, cancel func(), stopCh chan struct{}) {
	defer f.wg.Done()
	defer cancel()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.catchUpAndLog()
	for {
		select {
		case <-signals:
			f.catchUpAndLog()
		case <-ticker.C:
			f.catchUpAndLog()
		case <-stopCh:
			return
		}
	}
}

func (f *Follower) catchUpAndLog() {
	if _, err := f.CatchUp(); err != nil {
		log.Error().Err(err).Str("catalog", f.catalog).Msg("Failed to follow mutation log")
	}
}

// CatchUp processes every committed version newer than the visible one and
// returns the newest version made visible
func (f *Follower) CatchUp() (int64, error) {
	f.catchUpMu.Lock()
	defer f.catchUpMu.Unlock()

	visible := f.target.VisibleVersion()
	committed := f.log.CommittedVersion()

	for v := visible + 1; v <= committed; v++ {
		batch, err := f.log.ReadVersion(v)
		if err != nil {
			return visible, fmt.Errorf("failed to read version %d: %w", v, err)
		}
		for _, m := range batch {
			if err := f.target.ProcessMutation(m); err != nil {
				f.target.ForgetMutationsAfter(visible)
				return visible, fmt.Errorf("failed to process version %d: %w", v, err)
			}
		}
		f.target.NotifyVersionPresentInLiveView(v)
		visible = v
	}

	if f.retainVersions > 0 {
		if floor := visible - f.retainVersions + 1; floor > f.log.Horizon() {
			if err := f.log.TruncateBefore(floor); err != nil {
				return visible, fmt.Errorf("failed to truncate log: %w", err)
			}
		}
	}
	return visible, nil
}
