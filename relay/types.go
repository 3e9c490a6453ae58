package relay

import (
	"github.com/google/uuid"
	"github.com/maxpert/changefeed/capture"
	"github.com/maxpert/changefeed/observer"
	"github.com/maxpert/changefeed/publisher"
)

// Sink represents a destination for capture events (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends a message to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts capture events to sink-specific formats
type Transformer interface {
	// Transform encodes an event observed in scope (catalog name or engine)
	Transform(event capture.Event, scope string) ([]byte, error)
	// Tombstone creates a tombstone/delete marker for the given key
	Tombstone(key string) []byte
}

// Observer is the registry a worker subscribes to
type Observer interface {
	RegisterObserver(req observer.Request) (*publisher.CapturePublisher, error)
	UnregisterObserver(id uuid.UUID) bool
}

// CursorStore persists the last position each sink delivered
type CursorStore interface {
	SaveCursor(name string, pos capture.Position) error
	LoadCursor(name string) (capture.Position, bool, error)
}
