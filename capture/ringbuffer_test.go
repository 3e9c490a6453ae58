package capture

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ev(version int64, index int32) Event {
	return Event{
		Position:   Position{Version: version, Index: index},
		Area:       AreaData,
		Classifier: "product",
		Operation:  OpUpsert,
		Container:  ContainerEntity,
	}
}

func collect(t *testing.T, rb *RingBuffer, from Position) []Position {
	t.Helper()
	var out []Position
	_, err := rb.CopyTo(from, func(e Event) bool {
		out = append(out, e.Position)
		return true
	})
	require.NoError(t, err)
	return out
}

func TestRingBuffer_OfferAndCopy(t *testing.T) {
	rb := NewRingBuffer(5, FirstOf(1), UnboundedVersion)

	rb.Offer(ev(1, 0))
	rb.Offer(ev(1, 1))
	rb.Offer(ev(2, 0))

	assert.Equal(t, 3, rb.Len())
	assert.Equal(t, []Position{{1, 0}, {1, 1}, {2, 0}}, collect(t, rb, FirstOf(1)))
	assert.Equal(t, []Position{{1, 1}, {2, 0}}, collect(t, rb, Position{1, 1}))
	assert.Empty(t, collect(t, rb, Position{2, 1}))
	assert.Empty(t, collect(t, rb, FirstOf(10)))
}

func TestRingBuffer_RejectsOutOfOrder(t *testing.T) {
	rb := NewRingBuffer(5, FirstOf(1), UnboundedVersion)

	require.True(t, rb.Offer(ev(1, 0)))
	require.True(t, rb.Offer(ev(1, 1)))
	assert.False(t, rb.Offer(ev(1, 1)), "duplicate position")
	assert.False(t, rb.Offer(ev(1, 0)), "older position")
	assert.False(t, NewRingBuffer(2, FirstOf(5), UnboundedVersion).Offer(ev(4, 0)), "below start")
	assert.Equal(t, 2, rb.Len())
}

func TestRingBuffer_WrapsAndEvicts(t *testing.T) {
	rb := NewRingBuffer(5, FirstOf(1), UnboundedVersion)

	for i := int32(0); i < 7; i++ {
		rb.Offer(ev(1, i))
	}

	assert.Equal(t, 5, rb.Len())
	assert.Equal(t, Position{1, 2}, rb.EffectiveStart())
	assert.Equal(t, uint64(2), rb.Evictions())

	got := collect(t, rb, Position{1, 2})
	require.Len(t, got, 5)
	assert.Equal(t, Position{1, 2}, got[0])
	assert.Equal(t, Position{1, 6}, got[4])

	_, err := rb.CopyTo(Position{1, 1}, func(Event) bool { return true })
	assert.True(t, errors.Is(err, ErrOutOfScope))
}

func TestRingBuffer_CapacityOne(t *testing.T) {
	rb := NewRingBuffer(1, FirstOf(1), UnboundedVersion)
	rb.Offer(ev(1, 0))
	rb.Offer(ev(3, 0))

	assert.Equal(t, 1, rb.Len())
	assert.Equal(t, FirstOf(3), rb.EffectiveStart())
	assert.Equal(t, []Position{{3, 0}}, collect(t, rb, FirstOf(3)))
}

func TestRingBuffer_VisibilityCeiling(t *testing.T) {
	rb := NewRingBuffer(10, FirstOf(1), 1)

	rb.Offer(ev(1, 0))
	rb.Offer(ev(2, 0))
	rb.Offer(ev(2, 1))

	assert.Equal(t, []Position{{1, 0}}, collect(t, rb, FirstOf(1)))

	rb.SetEffectiveLastVersion(2)
	assert.Len(t, collect(t, rb, FirstOf(1)), 3)

	rb.SetEffectiveLastVersion(1)
	assert.Equal(t, int64(2), rb.EffectiveLastVersion(), "ceiling never lowers")
}

func TestRingBuffer_SinkRefusal(t *testing.T) {
	rb := NewRingBuffer(10, FirstOf(1), UnboundedVersion)
	for i := int32(0); i < 6; i++ {
		rb.Offer(ev(1, i))
	}

	var got []Position
	n, err := rb.CopyTo(FirstOf(1), func(e Event) bool {
		if len(got) == 3 {
			return false
		}
		got = append(got, e.Position)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, Position{1, 2}, got[2])
}

func TestRingBuffer_ClearAllUntil(t *testing.T) {
	t.Run("empty buffer", func(t *testing.T) {
		rb := NewRingBuffer(5, FirstOf(1), UnboundedVersion)
		rb.ClearAllUntil(2)
		assert.Equal(t, FirstOf(2), rb.EffectiveStart())

		rb.Offer(ev(3, 0))
		assert.Len(t, collect(t, rb, FirstOf(2)), 1)
	})

	t.Run("partially filled buffer", func(t *testing.T) {
		rb := NewRingBuffer(5, FirstOf(1), UnboundedVersion)
		rb.Offer(ev(1, 0))
		rb.Offer(ev(2, 0))
		rb.Offer(ev(3, 0))

		rb.ClearAllUntil(2)

		assert.Equal(t, FirstOf(2), rb.EffectiveStart())
		assert.Equal(t, []Position{{2, 0}, {3, 0}}, collect(t, rb, FirstOf(2)))
		_, err := rb.CopyTo(FirstOf(0), func(Event) bool { return true })
		assert.ErrorIs(t, err, ErrOutOfScope)
	})

	t.Run("full buffer", func(t *testing.T) {
		rb := NewRingBuffer(5, FirstOf(1), UnboundedVersion)
		for v := int64(1); v <= 5; v++ {
			rb.Offer(ev(v, 0))
		}

		rb.ClearAllUntil(3)

		assert.Equal(t, FirstOf(3), rb.EffectiveStart())
		assert.Len(t, collect(t, rb, FirstOf(3)), 3)
	})

	t.Run("wrapped buffer", func(t *testing.T) {
		rb := NewRingBuffer(5, FirstOf(1), UnboundedVersion)
		for v := int64(1); v <= 7; v++ {
			rb.Offer(ev(v, 0))
		}
		require.Equal(t, FirstOf(3), rb.EffectiveStart())

		rb.ClearAllUntil(4)

		assert.Equal(t, FirstOf(4), rb.EffectiveStart())
		assert.Equal(t, []Position{{4, 0}, {5, 0}, {6, 0}, {7, 0}}, collect(t, rb, FirstOf(4)))
		_, err := rb.CopyTo(FirstOf(3), func(Event) bool { return true })
		assert.ErrorIs(t, err, ErrOutOfScope)

		rb.Offer(ev(8, 0))
		assert.Len(t, collect(t, rb, FirstOf(4)), 5)

		rb.Offer(ev(9, 0))
		assert.Equal(t, FirstOf(5), rb.EffectiveStart())
	})

	t.Run("never lowers start", func(t *testing.T) {
		rb := NewRingBuffer(5, FirstOf(6), UnboundedVersion)
		rb.ClearAllUntil(2)
		assert.Equal(t, FirstOf(6), rb.EffectiveStart())
	})
}

func TestRingBuffer_ClearAllAfter(t *testing.T) {
	rb := NewRingBuffer(5, FirstOf(1), UnboundedVersion)
	for v := int64(1); v <= 7; v++ {
		rb.Offer(ev(v, 0))
		rb.Offer(ev(v, 1))
	}
	start := rb.EffectiveStart()

	rb.ClearAllAfter(5)

	assert.Equal(t, start, rb.EffectiveStart())
	got := collect(t, rb, start)
	require.NotEmpty(t, got)
	for i, p := range got {
		assert.LessOrEqual(t, p.Version, int64(5))
		if i > 0 {
			assert.True(t, got[i-1].Before(p))
		}
	}
	assert.Equal(t, Position{5, 1}, got[len(got)-1])

	// offers resume after the truncated tail
	require.True(t, rb.Offer(ev(6, 0)))
	assert.Equal(t, Position{6, 0}, collect(t, rb, start)[len(got)])
}

func TestRingBuffer_ClearAll(t *testing.T) {
	rb := NewRingBuffer(3, FirstOf(1), UnboundedVersion)
	rb.Offer(ev(1, 0))
	rb.Offer(ev(1, 1))

	rb.ClearAll()

	assert.Equal(t, 0, rb.Len())
	assert.Equal(t, FirstOf(1), rb.EffectiveStart())
	assert.Empty(t, collect(t, rb, FirstOf(1)))
}

func TestRingBuffer_OldestEqualsStartAfterEviction(t *testing.T) {
	rb := NewRingBuffer(4, FirstOf(1), UnboundedVersion)
	for v := int64(1); v <= 20; v++ {
		for i := int32(0); i < 3; i++ {
			rb.Offer(ev(v, i))
			require.LessOrEqual(t, rb.Len(), rb.Cap())
			if v > 2 {
				got := collect(t, rb, rb.EffectiveStart())
				require.Equal(t, rb.EffectiveStart(), got[0])
			}
		}
	}
}

// One producer keeps offering while a consumer copies from advancing
// positions; every batch must be contiguous.
func TestRingBuffer_ConcurrentOfferAndCopy(t *testing.T) {
	const (
		versions         = 2000
		eventsPerVersion = 4
	)
	rb := NewRingBuffer(64, FirstOf(1), UnboundedVersion)

	var done atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer done.Store(true)
		for v := int64(1); v <= versions; v++ {
			for i := int32(0); i < eventsPerVersion; i++ {
				rb.Offer(ev(v, i))
			}
		}
	}()

	follows := func(prev, next Position) bool {
		if next.Version == prev.Version {
			return next.Index == prev.Index+1
		}
		return next.Version == prev.Version+1 && next.Index == 0 && prev.Index == eventsPerVersion-1
	}

	from := FirstOf(1)
	var last *Position
	batches := 0
	for !done.Load() || batches == 0 {
		var batch []Position
		_, err := rb.CopyTo(from, func(e Event) bool {
			batch = append(batch, e.Position)
			return true
		})
		if errors.Is(err, ErrOutOfScope) {
			// overtaken by the producer, restart at the oldest retained item
			from = rb.EffectiveStart()
			last = nil
			continue
		}
		require.NoError(t, err)
		if len(batch) == 0 {
			continue
		}
		batches++
		if last != nil {
			require.True(t, follows(*last, batch[0]), "gap between %s and %s", last, batch[0])
		}
		for i := 1; i < len(batch); i++ {
			require.True(t, follows(batch[i-1], batch[i]), "gap between %s and %s", batch[i-1], batch[i])
		}
		tail := batch[len(batch)-1]
		last = &tail
		from = tail.Next()
	}
	wg.Wait()
	assert.Positive(t, batches)
}
