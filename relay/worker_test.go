package relay_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/changefeed/capture"
	"github.com/maxpert/changefeed/mutation"
	"github.com/maxpert/changefeed/mutation/mutationtest"
	"github.com/maxpert/changefeed/observer"
	"github.com/maxpert/changefeed/relay"
	"github.com/maxpert/changefeed/relay/sink"
	"github.com/maxpert/changefeed/relay/transformer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCursors struct {
	mu   sync.Mutex
	data map[string]capture.Position
}

func newMemCursors() *memCursors {
	return &memCursors{data: make(map[string]capture.Position)}
}

func (m *memCursors) SaveCursor(name string, pos capture.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[name] = pos
	return nil
}

func (m *memCursors) LoadCursor(name string) (capture.Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.data[name]
	return pos, ok, nil
}

type view struct {
	name    string
	version int64
}

func (v view) Name() string   { return v.name }
func (v view) Version() int64 { return v.version }

func liveObserver(t *testing.T, source *mutationtest.Source) *observer.CatalogObserver {
	t.Helper()
	o := observer.NewCatalogObserver("products", observer.Config{Source: source})
	t.Cleanup(o.Close)
	require.NoError(t, o.NotifyCatalogPresentInLiveView(view{"products", source.CommittedVersion()}))
	return o
}

func commitBatch(t *testing.T, source *mutationtest.Source, o *observer.CatalogObserver, batch []capture.Mutation) {
	t.Helper()
	source.AppendBatch(batch)
	for _, m := range batch {
		require.NoError(t, o.ProcessMutation(m))
	}
	o.NotifyVersionPresentInLiveView(source.CommittedVersion())
}

func newWorker(t *testing.T, o relay.Observer, cursors relay.CursorStore, snk relay.Sink, since int64) *relay.Worker {
	t.Helper()
	w, err := relay.NewWorker(relay.WorkerConfig{
		Name:         "kafka-main",
		Scope:        "products",
		Observer:     o,
		Cursors:      cursors,
		Sink:         snk,
		Transformer:  transformer.NewJSONTransformer(false),
		Request:      observer.Request{Content: capture.ContentBody},
		SinceVersion: since,
		TopicPrefix:  "changefeed",
		BatchSize:    8,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	})
	require.NoError(t, err)
	return w
}

func sourcePosition(t *testing.T, msg sink.MockMessage) capture.Position {
	t.Helper()
	var out struct {
		Payload struct {
			Source struct {
				Version int64 `json:"version"`
				Index   int32 `json:"index"`
			} `json:"source"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(msg.Value, &out))
	return capture.Position{Version: out.Payload.Source.Version, Index: out.Payload.Source.Index}
}

func TestWorker_ForwardsHistoryAndLiveEvents(t *testing.T) {
	source := mutationtest.NewSource(20, 30)
	o := liveObserver(t, source)
	cursors := newMemCursors()
	mock := &sink.MockSink{}

	w := newWorker(t, o, cursors, mock, 1)
	w.Start()
	defer w.Stop()

	commitBatch(t, source, o, mutationtest.Version(3, 5))

	require.Eventually(t, func() bool { return mock.Len() == 52+6 }, 5*time.Second, 10*time.Millisecond)
	msgs := mock.Snapshot()

	assert.Equal(t, "changefeed.products.transaction", msgs[0].Topic)
	assert.Equal(t, capture.FirstOf(1), sourcePosition(t, msgs[0]))
	assert.Equal(t, "changefeed.products.product", msgs[1].Topic)
	assert.Equal(t, "product/1", msgs[1].Key)
	assert.Equal(t, capture.Position{Version: 3, Index: 5}, sourcePosition(t, msgs[57]))

	require.Eventually(t, func() bool {
		pos, ok, _ := cursors.LoadCursor("kafka-main")
		return ok && pos == capture.Position{Version: 3, Index: 5}
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(58), w.Delivered())
	assert.True(t, w.Running())
}

func TestWorker_ResumesAfterStoredCursor(t *testing.T) {
	source := mutationtest.NewSource(20, 30)
	o := liveObserver(t, source)
	cursors := newMemCursors()
	require.NoError(t, cursors.SaveCursor("kafka-main", capture.Position{Version: 1, Index: 19}))
	mock := &sink.MockSink{}

	w := newWorker(t, o, cursors, mock, 1)
	pos, ok := w.Position()
	require.True(t, ok)
	assert.Equal(t, capture.Position{Version: 1, Index: 19}, pos)

	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool { return mock.Len() == 1+31 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, capture.Position{Version: 1, Index: 20}, sourcePosition(t, mock.Snapshot()[0]))
}

func TestWorker_RetriesFailedPublishes(t *testing.T) {
	source := mutationtest.NewSource(4)
	o := liveObserver(t, source)
	mock := &sink.MockSink{PublishErr: assert.AnError, FailFirst: 3}

	w := newWorker(t, o, newMemCursors(), mock, 1)
	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool { return mock.Len() == 5 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, capture.FirstOf(1), sourcePosition(t, mock.Snapshot()[0]))
}

func TestWorker_PublishesTombstoneForRemovedEntities(t *testing.T) {
	source := mutationtest.NewSource()
	o := liveObserver(t, source)
	mock := &sink.MockSink{}

	w := newWorker(t, o, newMemCursors(), mock, observer.SinceNow)
	w.Start()
	defer w.Stop()

	// wait for the subscription before committing
	require.Eventually(t, func() bool { return len(o.Subscriptions()) == 1 }, time.Second, 5*time.Millisecond)
	commitBatch(t, source, o, []capture.Mutation{
		&mutation.Transaction{Version: 1, MutationCount: 1},
		&mutation.EntityRemove{EntityType: "product", PrimaryKey: 9},
	})

	require.Eventually(t, func() bool { return mock.Len() == 3 }, 5*time.Second, 10*time.Millisecond)
	msgs := mock.Snapshot()
	assert.Equal(t, "product/9", msgs[1].Key)
	assert.NotNil(t, msgs[1].Value)
	assert.Equal(t, "product/9", msgs[2].Key)
	assert.Nil(t, msgs[2].Value)
}

func TestWorker_ExitsWhenCursorIsNoLongerRetained(t *testing.T) {
	source := mutationtest.NewSource(1, 1, 1, 1)
	require.NoError(t, source.TruncateBefore(3))
	o := liveObserver(t, source)
	cursors := newMemCursors()
	require.NoError(t, cursors.SaveCursor("kafka-main", capture.FirstOf(1)))

	w := newWorker(t, o, cursors, &sink.MockSink{}, 1)
	w.Start()
	require.Eventually(t, func() bool { return !w.Running() }, time.Second, 5*time.Millisecond)
	w.Stop()
}

func TestWorker_StopUnregistersSubscription(t *testing.T) {
	source := mutationtest.NewSource(2)
	o := liveObserver(t, source)
	mock := &sink.MockSink{}

	w := newWorker(t, o, newMemCursors(), mock, 1)
	w.Start()
	require.Eventually(t, func() bool { return mock.Len() == 3 }, 5*time.Second, 10*time.Millisecond)

	w.Stop()
	w.Stop()
	assert.False(t, w.Running())
	require.Eventually(t, func() bool { return len(o.Subscriptions()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestNewWorkerValidation(t *testing.T) {
	o := liveObserver(t, mutationtest.NewSource())
	base := relay.WorkerConfig{
		Name:        "s",
		Observer:    o,
		Cursors:     newMemCursors(),
		Sink:        &sink.MockSink{},
		Transformer: transformer.NewJSONTransformer(false),
	}
	_, err := relay.NewWorker(base)
	require.NoError(t, err)

	for name, mutate := range map[string]func(*relay.WorkerConfig){
		"name":        func(c *relay.WorkerConfig) { c.Name = "" },
		"observer":    func(c *relay.WorkerConfig) { c.Observer = nil },
		"cursors":     func(c *relay.WorkerConfig) { c.Cursors = nil },
		"sink":        func(c *relay.WorkerConfig) { c.Sink = nil },
		"transformer": func(c *relay.WorkerConfig) { c.Transformer = nil },
	} {
		t.Run(name, func(t *testing.T) {
			c := base
			mutate(&c)
			_, err := relay.NewWorker(c)
			assert.Error(t, err)
		})
	}
}
