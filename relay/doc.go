// Package relay forwards capture events of the observer registries to
// external brokers (Kafka, NATS JetStream).
//
// Every configured sink gets a Worker. A worker subscribes to the observer of
// its scope starting right after the last position it delivered, transforms
// every event it receives, publishes it with exponential backoff and persists
// the event position as its cursor before asking for more. Delivery is
// at-least-once: an event published but not yet recorded is published again
// after a restart.
//
// Sinks and transformers register factories from the init functions of the
// sink and transformer packages:
//
//	import (
//		_ "github.com/maxpert/changefeed/relay/sink"
//		_ "github.com/maxpert/changefeed/relay/transformer"
//	)
//
// Topics are named {prefix}.{scope}.{classifier}; events without a
// classifier use their container name instead:
//
//	changefeed.products.product
//	changefeed.products.transaction
//	changefeed.engine.products
package relay
