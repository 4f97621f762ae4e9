package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkQueuePopsInEnqueueOrder(t *testing.T) {
	q := newWorkQueue()
	at := time.Now()
	for i := 0; i < 5; i++ {
		// Identical timestamps force the sequence-number tiebreak.
		require.True(t, q.Push(&workItem{startStep: i, enqueuedAt: at}))
	}

	for i := 0; i < 5; i++ {
		item, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, i, item.startStep)
		q.Done()
	}
}

func TestWorkQueueEarlierTimestampWins(t *testing.T) {
	q := newWorkQueue()
	base := time.Now()
	require.True(t, q.Push(&workItem{startStep: 1, enqueuedAt: base.Add(time.Second)}))
	require.True(t, q.Push(&workItem{startStep: 0, enqueuedAt: base}))

	item, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, 0, item.startStep)
}

func TestWorkQueueCloseStopsDispatch(t *testing.T) {
	q := newWorkQueue()
	require.True(t, q.Push(&workItem{}))
	q.Close(false)

	// A closed queue still drains what was queued...
	_, ok := q.Pop()
	assert.True(t, ok)
	q.Done()
	// ...then reports exhaustion, and refuses new items.
	_, ok = q.Pop()
	assert.False(t, ok)
	assert.False(t, q.Push(&workItem{}))
}

func TestWorkQueueDiscardAbandonsQueuedItems(t *testing.T) {
	q := newWorkQueue()
	for i := 0; i < 3; i++ {
		require.True(t, q.Push(&workItem{}))
	}
	q.Close(true)

	_, ok := q.Pop()
	assert.False(t, ok, "discard mode dispatches nothing")
	q.WaitIdle() // must not block on the abandoned items
}

func TestWorkQueueWaitIdleBlocksUntilDone(t *testing.T) {
	q := newWorkQueue()
	require.True(t, q.Push(&workItem{}))

	var wg sync.WaitGroup
	wg.Add(1)
	idle := make(chan struct{})
	go func() {
		defer wg.Done()
		q.WaitIdle()
		close(idle)
	}()

	select {
	case <-idle:
		t.Fatal("WaitIdle returned while an item was outstanding")
	case <-time.After(20 * time.Millisecond):
	}

	_, ok := q.Pop()
	require.True(t, ok)
	q.Done()
	wg.Wait()
}
