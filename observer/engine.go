package observer

// EngineScope is the scope label of the engine observer
const EngineScope = "engine"

// EngineObserver serves subscriptions to the engine stream of catalog
// lifecycle changes. The engine is always present, so registrations are
// accepted right away.
type EngineObserver struct {
	*registry
}

// NewEngineObserver creates an engine observer live at the version the source
// already committed
func NewEngineObserver(config Config) *EngineObserver {
	if config.Scope == "" {
		config.Scope = EngineScope
	}
	r := newRegistry(config)

	r.mu.Lock()
	r.goLive(config.Source.CommittedVersion())
	r.mu.Unlock()

	return &EngineObserver{registry: r}
}
