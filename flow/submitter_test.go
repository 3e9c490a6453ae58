package flow_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/changefeed/flow"
	"github.com/maxpert/changefeed/flow/flowtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitter_DeliversWithinCredit(t *testing.T) {
	s := flow.NewSubmitter[int](flow.Inline{}, 10)
	rec := flowtest.NewRecorder[int](2, 0)
	require.NoError(t, s.Subscribe(rec))

	for i := 0; i < 5; i++ {
		s.Offer(i, nil)
	}
	assert.Equal(t, []int{0, 1}, rec.Items())

	rec.Request(3)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, rec.Items())
	assert.False(t, rec.Completed())
}

func TestSubmitter_OnlyDeliversItemsOfferedAfterSubscribe(t *testing.T) {
	s := flow.NewSubmitter[int](flow.Inline{}, 10)
	s.Offer(-1, nil)

	rec := flowtest.NewRecorder[int](10, 0)
	require.NoError(t, s.Subscribe(rec))
	s.Offer(1, nil)

	assert.Equal(t, []int{1}, rec.Items())
}

func TestSubmitter_SaturationDetaches(t *testing.T) {
	s := flow.NewSubmitter[int](flow.Inline{}, 2)
	slow := flowtest.NewRecorder[int](0, 0)
	fast := flowtest.NewRecorder[int](100, 0)
	require.NoError(t, s.Subscribe(slow))
	require.NoError(t, s.Subscribe(fast))

	var saturated []flow.Subscriber[int]
	onSaturated := func(sub flow.Subscriber[int]) { saturated = append(saturated, sub) }

	assert.Equal(t, 0, s.Offer(1, onSaturated))
	assert.Equal(t, 0, s.Offer(2, onSaturated))
	assert.Equal(t, 1, s.Offer(3, onSaturated))
	s.Offer(4, onSaturated)

	require.Len(t, saturated, 1)
	assert.Same(t, slow, saturated[0])
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, []int{1, 2, 3, 4}, fast.Items())

	// the detached subscriber drains what it held, then completes
	assert.False(t, slow.Completed())
	slow.Request(10)
	assert.Equal(t, []int{1, 2}, slow.Items())
	assert.True(t, slow.Completed())
}

func TestSubmitter_NonPositiveRequest(t *testing.T) {
	s := flow.NewSubmitter[int](flow.Inline{}, 2)
	bad := flowtest.NewRecorder[int](0, 0)
	good := flowtest.NewRecorder[int](5, 0)
	require.NoError(t, s.Subscribe(bad))
	require.NoError(t, s.Subscribe(good))

	bad.Request(0)

	assert.True(t, errors.Is(bad.Err(), flow.ErrNonPositiveRequest))
	assert.Equal(t, 1, s.Len())

	s.Offer(7, nil)
	assert.Equal(t, []int{7}, good.Items())
	assert.Nil(t, good.Err())
}

func TestSubmitter_Cancel(t *testing.T) {
	s := flow.NewSubmitter[int](flow.Inline{}, 4)
	rec := flowtest.NewRecorder[int](1, 0)
	require.NoError(t, s.Subscribe(rec))

	s.Offer(1, nil)
	rec.Cancel()
	s.Offer(2, nil)
	rec.Request(5)

	assert.Equal(t, []int{1}, rec.Items())
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, rec.Terminations())
}

func TestSubmitter_Close(t *testing.T) {
	t.Run("completes after draining", func(t *testing.T) {
		s := flow.NewSubmitter[int](flow.Inline{}, 4)
		rec := flowtest.NewRecorder[int](0, 0)
		require.NoError(t, s.Subscribe(rec))
		s.Offer(1, nil)

		s.Close()
		assert.False(t, rec.Completed())

		rec.Request(1)
		assert.Equal(t, []int{1}, rec.Items())
		assert.True(t, rec.Completed())
		assert.Equal(t, flow.ErrClosed, s.Subscribe(flowtest.NewRecorder[int](1, 0)))
	})

	t.Run("exceptionally", func(t *testing.T) {
		s := flow.NewSubmitter[int](flow.Inline{}, 4)
		rec := flowtest.NewRecorder[int](0, 0)
		require.NoError(t, s.Subscribe(rec))
		s.Offer(1, nil)

		boom := errors.New("boom")
		s.CloseExceptionally(boom)

		assert.Equal(t, boom, rec.Err())
		assert.Empty(t, rec.Items())
		assert.Equal(t, 1, rec.Terminations())
	})
}

func TestSubmitter_ConcurrentDelivery(t *testing.T) {
	pool := flow.NewPool(4)
	defer pool.Close()

	s := flow.NewSubmitter[int](pool, 1000)
	recs := make([]*flowtest.Recorder[int], 5)
	for i := range recs {
		recs[i] = flowtest.NewRecorder[int](1, 1)
		require.NoError(t, s.Subscribe(recs[i]))
	}

	for i := 0; i < 500; i++ {
		require.Zero(t, s.Offer(i, nil))
	}

	for _, rec := range recs {
		require.Eventually(t, func() bool { return rec.Len() == 500 }, 5*time.Second, 5*time.Millisecond)
		items := rec.Items()
		for i, v := range items {
			require.Equal(t, i, v)
		}
	}
}

func TestPool(t *testing.T) {
	pool := flow.NewPool(2)

	var count atomic.Int32
	var wg sync.WaitGroup
	wg.Add(20)
	for i := 0; i < 10; i++ {
		pool.Execute(func() {
			defer wg.Done()
			count.Add(1)
			pool.Execute(func() {
				defer wg.Done()
				count.Add(1)
			})
		})
	}
	pool.Execute(func() { panic("task failure") })

	wg.Wait()
	assert.Equal(t, int32(20), count.Load())
	pool.Close()

	done := make(chan struct{})
	pool.Execute(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task submitted after close never ran")
	}
}

func TestAddCredit(t *testing.T) {
	assert.Equal(t, int64(5), flow.AddCredit(2, 3))
	assert.Equal(t, int64(1<<63-1), flow.AddCredit(1<<62, 1<<62))
}
