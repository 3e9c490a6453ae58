package telemetry

import (
	"sync"
	"time"
)

// RegistryStats is a point-in-time view of one observer registry
type RegistryStats struct {
	Scope         string
	RingItems     int
	Subscriptions int
}

// StatsProvider is implemented by observer registries
type StatsProvider interface {
	Stats() RegistryStats
}

// MetricsCollector periodically samples registries and updates gauges
type MetricsCollector struct {
	providers []StatsProvider
	interval  time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(interval time.Duration, providers ...StatsProvider) *MetricsCollector {
	return &MetricsCollector{
		providers: providers,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	for _, provider := range mc.providers {
		stats := provider.Stats()
		RingBufferItems.With(stats.Scope).Set(float64(stats.RingItems))
		SubscriptionsActive.With(stats.Scope).Set(float64(stats.Subscriptions))
	}
}
