package hlc

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClock_Monotonic(t *testing.T) {
	clock := NewClock(1)

	prev := clock.Now()
	for i := 0; i < 10000; i++ {
		next := clock.Now()
		require.True(t, Less(prev, next), "timestamps must increase: %s then %s", prev, next)
		require.Less(t, prev.ToTxnID(), next.ToTxnID())
		prev = next
	}
}

func TestClock_FrozenWallClock(t *testing.T) {
	frozen := time.Unix(1_700_000_000, 0)
	clock := newClock(3, func() time.Time { return frozen })

	seen := make(map[uint64]struct{})
	prev := clock.Now()
	for i := 0; i < 3*LogicalMask; i++ {
		next := clock.Now()
		require.True(t, Less(prev, next))
		_, dup := seen[next.ToTxnID()]
		require.False(t, dup)
		seen[next.ToTxnID()] = struct{}{}
		prev = next
	}
}

func TestClock_ClockStepsBack(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := newClock(1, func() time.Time { return now })

	a := clock.Now()
	now = now.Add(-time.Hour)
	b := clock.Now()

	assert.True(t, Less(a, b))
	assert.Equal(t, a.WallTime, b.WallTime)
}

func TestClock_ConcurrentUnique(t *testing.T) {
	clock := NewClock(2)
	var mu sync.Mutex
	ids := make(map[uint64]struct{})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				id := clock.Now().ToTxnID()
				mu.Lock()
				ids[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ids, 8000)
}

func TestCompare_NodeTiebreak(t *testing.T) {
	a := Timestamp{WallTime: 10, Logical: 1, NodeID: 1}
	b := Timestamp{WallTime: 10, Logical: 1, NodeID: 2}
	assert.Equal(t, -1, Compare(a, b))
	assert.Equal(t, 1, Compare(b, a))
	assert.Equal(t, 0, Compare(a, a))
}

func TestToTxnID_Layout(t *testing.T) {
	ts := Timestamp{WallTime: 5 * 1_000_000, Logical: 7, NodeID: 3}
	assert.Equal(t, uint64(5)<<TotalShiftBits|uint64(3)<<LogicalBits|7, ts.ToTxnID())
	assert.Equal(t, int64(5), ts.UnixMilli())
}
