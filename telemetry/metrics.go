package telemetry

// Histogram bucket definitions
var (
	// CommitBuckets for durable log commits (fsync bound)
	CommitBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	// RelayBuckets for publishing one event to an external broker
	RelayBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// Ring buffer metrics
var (
	// RingBufferOffered counts events offered to ring buffers by scope
	RingBufferOffered CounterVec = noopCounterVec{}

	// RingBufferEvicted counts events evicted from full ring buffers by scope
	RingBufferEvicted CounterVec = noopCounterVec{}

	// RingBufferItems tracks held events by scope
	RingBufferItems GaugeVec = noopGaugeVec{}
)

// Subscription metrics
var (
	// SubscriptionsActive tracks registered observers by scope
	SubscriptionsActive GaugeVec = noopGaugeVec{}

	// SubscriptionsTotal counts registrations by scope and source (buffer, replay, rejected)
	SubscriptionsTotal CounterVec = noopCounterVec{}

	// SubscriptionsFinished counts observers that reached a terminal state
	SubscriptionsFinished Counter = NoopStat{}

	// LiveSaturations counts subscribers detached from the live feed because their queue was full
	LiveSaturations CounterVec = noopCounterVec{}

	// ResumesTotal counts publishers resumed after their upstream ran dry, by source
	ResumesTotal CounterVec = noopCounterVec{}
)

// Delivery metrics
var (
	// EventsDelivered counts capture events handed to downstream subscribers
	EventsDelivered Counter = NoopStat{}

	// DuplicatesDropped counts events discarded by the position merge-join
	DuplicatesDropped Counter = NoopStat{}

	// ReplayRounds counts historical reader rounds
	ReplayRounds Counter = NoopStat{}

	// ReplayMutations counts mutations read from the durable log for replay
	ReplayMutations Counter = NoopStat{}
)

// Durable log metrics
var (
	// WALCommits counts committed versions
	WALCommits Counter = NoopStat{}

	// WALCommitSeconds measures commit latency
	WALCommitSeconds Histogram = NoopStat{}

	// WALCommittedVersion tracks the newest committed version
	WALCommittedVersion Gauge = NoopStat{}

	// WALCacheHits counts decoded versions served from the cache
	WALCacheHits Counter = NoopStat{}

	// WALCacheMisses counts versions decoded from storage
	WALCacheMisses Counter = NoopStat{}
)

// Relay metrics
var (
	// RelayPublished counts events published per sink
	RelayPublished CounterVec = noopCounterVec{}

	// RelayFailures counts failed publish attempts per sink
	RelayFailures CounterVec = noopCounterVec{}

	// RelayPublishSeconds measures publish latency per sink
	RelayPublishSeconds HistogramVec = noopHistogramVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	RingBufferOffered = NewCounterVec(
		"ring_buffer_offered_total",
		"Events offered to ring buffers",
		[]string{"scope"},
	)
	RingBufferEvicted = NewCounterVec(
		"ring_buffer_evicted_total",
		"Events evicted from full ring buffers",
		[]string{"scope"},
	)
	RingBufferItems = NewGaugeVec(
		"ring_buffer_items",
		"Events currently held by ring buffers",
		[]string{"scope"},
	)

	SubscriptionsActive = NewGaugeVec(
		"subscriptions_active",
		"Registered observers",
		[]string{"scope"},
	)
	SubscriptionsTotal = NewCounterVec(
		"subscriptions_total",
		"Observer registrations by initial source",
		[]string{"scope", "source"},
	)
	SubscriptionsFinished = NewCounter(
		"subscriptions_finished_total",
		"Observers that reached a terminal state",
	)
	LiveSaturations = NewCounterVec(
		"live_saturations_total",
		"Subscribers detached from the live feed because their queue was full",
		[]string{"scope"},
	)
	ResumesTotal = NewCounterVec(
		"resumes_total",
		"Publishers resumed after their upstream ran dry",
		[]string{"scope", "source"},
	)

	EventsDelivered = NewCounter(
		"events_delivered_total",
		"Capture events delivered to subscribers",
	)
	DuplicatesDropped = NewCounter(
		"duplicates_dropped_total",
		"Capture events discarded because their position was already processed",
	)
	ReplayRounds = NewCounter(
		"replay_rounds_total",
		"Historical reader rounds",
	)
	ReplayMutations = NewCounter(
		"replay_mutations_total",
		"Mutations read from the durable log for replay",
	)

	WALCommits = NewCounter(
		"wal_commits_total",
		"Versions committed to the durable log",
	)
	WALCommitSeconds = NewHistogramWithBuckets(
		"wal_commit_seconds",
		"Durable log commit latency",
		CommitBuckets,
	)
	WALCommittedVersion = NewGauge(
		"wal_committed_version",
		"Newest committed version",
	)
	WALCacheHits = NewCounter(
		"wal_cache_hits_total",
		"Decoded versions served from cache",
	)
	WALCacheMisses = NewCounter(
		"wal_cache_misses_total",
		"Versions decoded from storage",
	)

	RelayPublished = NewCounterVec(
		"relay_published_total",
		"Events published per sink",
		[]string{"sink"},
	)
	RelayFailures = NewCounterVec(
		"relay_failures_total",
		"Failed publish attempts per sink",
		[]string{"sink"},
	)
	RelayPublishSeconds = NewHistogramVec(
		"relay_publish_seconds",
		"Publish latency per sink",
		[]string{"sink"},
		RelayBuckets,
	)
}
