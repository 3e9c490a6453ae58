package relay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/changefeed/capture"
	"github.com/maxpert/changefeed/cfg"
	"github.com/rs/zerolog/log"
)

// RegistryConfig configures the relay registry
type RegistryConfig struct {
	Catalog     string                  // Catalog served by sinks of the "catalog" scope
	Observers   map[string]Observer     // By scope: catalog name or observer.EngineScope
	Cursors     CursorStore             // Persisted sink cursors
	SinkConfigs []cfg.SinkConfiguration // From config
}

// WorkerInfo is a snapshot of one relay worker
type WorkerInfo struct {
	Name      string            `json:"name"`
	Scope     string            `json:"scope"`
	Running   bool              `json:"running"`
	Delivered int64             `json:"delivered"`
	Cursor    *capture.Position `json:"cursor,omitempty"`
}

// Registry manages the lifecycle of all relay workers
type Registry struct {
	config  RegistryConfig
	workers []*Worker
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry creates a worker for every configured sink
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.Cursors == nil {
		return nil, fmt.Errorf("cursor store is required")
	}

	registry := &Registry{
		config:  config,
		workers: make([]*Worker, 0, len(config.SinkConfigs)),
	}

	for _, sinkCfg := range config.SinkConfigs {
		if err := registry.AddSink(sinkCfg); err != nil {
			for _, worker := range registry.workers {
				worker.config.Sink.Close()
			}
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().
		Int("workers", len(registry.workers)).
		Msg("Relay registry initialized")

	return registry, nil
}

// AddSink creates and adds a new worker for the given sink configuration
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	scope := config.Scope
	if scope == "" || scope == "catalog" {
		scope = r.config.Catalog
	}
	obs, ok := r.config.Observers[scope]
	if !ok {
		return fmt.Errorf("no observer for scope %q", scope)
	}

	req, err := RequestFromConfig(config)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	trans, err := createTransformer(config.Format)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:            config.Name,
		Scope:           scope,
		Observer:        obs,
		Cursors:         r.config.Cursors,
		Sink:            snk,
		Transformer:     trans,
		Request:         req,
		SinceVersion:    config.SinceVersion,
		TopicPrefix:     config.TopicPrefix,
		BatchSize:       config.BatchSize,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)
	if r.running.Load() {
		worker.Start()
	}

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", config.Format).
		Str("scope", scope).
		Msg("Added relay sink")

	return nil
}

// Start starts all workers
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}

	log.Info().Int("workers", len(r.workers)).Msg("Starting relay registry")
	for _, worker := range r.workers {
		worker.Start()
	}
	r.running.Store(true)
	return nil
}

// Stop stops all workers and closes their sinks
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return
	}

	log.Info().Msg("Stopping relay registry")
	for _, worker := range r.workers {
		worker.Stop()
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", worker.Name()).Msg("Failed to close sink")
		}
	}
	log.Info().Msg("Relay registry stopped")
}

// Workers returns a snapshot of every worker
func (r *Registry) Workers() []WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		info := WorkerInfo{
			Name:      w.Name(),
			Scope:     w.config.Scope,
			Running:   w.Running(),
			Delivered: w.Delivered(),
		}
		if pos, ok := w.Position(); ok {
			info.Cursor = &pos
		}
		out = append(out, info)
	}
	return out
}

// createSink creates a sink based on the configuration
func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory is a function that creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

// createTransformer creates a transformer based on the format
func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}

	return factory(), nil
}
