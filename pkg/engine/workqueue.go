package engine

import (
	"container/heap"
	"sync"
	"time"

	"github.com/tachyon-beep/elspeth/pkg/tokenmanager"
)

// workItem is the unit of concurrency: one token entering the spine at
// startStep, optionally bound for a coalesce point downstream.
type workItem struct {
	token     tokenmanager.Managed
	startStep int

	// coalesceAtStep is the spine index of the coalesce stage this forked
	// child must stop at; -1 when the token is not part of a fork group.
	coalesceAtStep int
	coalesceName   string

	enqueuedAt time.Time
	seq        uint64
}

// itemHeap orders work items by enqueue time, sequence number as the
// stable tiebreak, so a single-threaded run pops items in one reproducible
// order across processes.
type itemHeap []*workItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if !h[i].enqueuedAt.Equal(h[j].enqueuedAt) {
		return h[i].enqueuedAt.Before(h[j].enqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(*workItem)) }

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// workQueue is the orchestrator's deterministic work queue. It tracks
// outstanding items (queued plus in-flight) so the drain loop can wait for
// quiescence between the source phase and the aggregation flush phase.
type workQueue struct {
	mu          sync.Mutex
	cond        *sync.Cond
	items       itemHeap
	nextSeq     uint64
	outstanding int
	closed      bool
	discarding  bool
}

func newWorkQueue() *workQueue {
	q := &workQueue{}
	q.cond = sync.NewCond(&q.mu)
	heap.Init(&q.items)
	return q
}

// Push enqueues an item. Returns false once the queue is closed; the
// caller's token simply stops advancing, which only happens during a
// fatal-failure drain.
func (q *workQueue) Push(item *workItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	item.seq = q.nextSeq
	q.nextSeq++
	if item.enqueuedAt.IsZero() {
		item.enqueuedAt = time.Now()
	}
	heap.Push(&q.items, item)
	q.outstanding++
	q.cond.Broadcast()
	return true
}

// Pop blocks until an item is available or the queue is closed. A queue
// closed in discard mode stops dispatching even if items remain.
func (q *workQueue) Pop() (*workItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.discarding || (q.closed && q.items.Len() == 0) {
			return nil, false
		}
		if q.items.Len() > 0 {
			return heap.Pop(&q.items).(*workItem), true
		}
		q.cond.Wait()
	}
}

// Done marks one popped item as fully processed.
func (q *workQueue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.outstanding--
	q.cond.Broadcast()
}

// WaitIdle blocks until no items are queued or in flight.
func (q *workQueue) WaitIdle() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.outstanding > 0 && !q.discarding {
		q.cond.Wait()
	}
}

// Close stops dispatch. With discard, queued items are abandoned (fatal
// drain); without, workers finish what is queued first.
func (q *workQueue) Close(discard bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if discard {
		q.discarding = true
		q.outstanding -= q.items.Len()
		q.items = q.items[:0]
	}
	q.cond.Broadcast()
}
