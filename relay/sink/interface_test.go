package sink

import "github.com/maxpert/changefeed/relay"

// Compile-time interface verification
var (
	_ relay.Sink = (*KafkaSink)(nil)
	_ relay.Sink = (*NatsSink)(nil)
	_ relay.Sink = (*MockSink)(nil)
)
