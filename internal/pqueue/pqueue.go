// Package pqueue implements the blocking, multi-producer/multi-consumer
// priority work queue with quiescence detection described in spec.md §4.3.
// It is grounded on two teacher-repo patterns: the container/heap-backed
// priority item list in rclone's vfs/vfscache/writeback package, and the
// sync.Cond-guarded shared-state loop in azcopy's
// common/parallel.TreeCrawler.
package pqueue

import (
	"container/heap"
	"sync"
)

// Kind distinguishes the delivered queue-entry states: Item and Drained
// from spec.md §3, plus the terminal Closed state added by this package.
// Taken is not modelled as a distinct Kind here: because each ReceiveGuard
// is owned by exactly one goroutine (unlike the original Rust
// implementation's shared mutable cell), extracting the payload via
// IntoItem needs no separate sentinel state to protect against a second
// observer racing the extraction.
type Kind int

const (
	// KindItem is a normal work item delivered from the heap.
	KindItem Kind = iota
	// KindDrained marks that the queue was empty and no item was in
	// progress at the moment this entry was produced.
	KindDrained
	// KindClosed marks that Close was called on the queue: no further
	// items will ever be delivered, and every blocked or future Recv
	// returns this immediately. Unlike Drained, Closed is not a one-shot
	// marker — it is terminal.
	KindClosed
)

// Entry is one delivered queue entry: either a payload/priority pair or a
// Drained or Closed marker.
type Entry struct {
	Kind     Kind
	Payload  interface{}
	Priority uint64
}

type heapEntry struct {
	payload  interface{}
	priority uint64
	seq      uint64 // tiebreaker, gives stable (FIFO-among-equal-priority) ordering
	index    int    // maintained by container/heap
}

type entryHeap []*heapEntry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x interface{}) {
	e := x.(*heapEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue is the priority work queue. The zero value is not usable;
// construct with New.
type Queue struct {
	mu           sync.Mutex
	cond         *sync.Cond
	heap         entryHeap
	nextSeq      uint64
	inProgress   int64
	pendingDrain bool
	closed       bool
}

// New creates an empty, armed priority queue.
func New() *Queue {
	q := &Queue{heap: make(entryHeap, 0, 256)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Send inserts an item with the given priority. Smaller priorities are
// dequeued first. Send never blocks. It increments in_progress: the item
// is considered outstanding until the ReceiveGuard that delivers it is
// closed.
func (q *Queue) Send(payload interface{}, priority uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := &heapEntry{payload: payload, priority: priority, seq: q.nextSeq}
	q.nextSeq++
	heap.Push(&q.heap, e)
	q.inProgress++
	q.cond.Broadcast()
}

// ReceiveGuard wraps one delivered Entry. The consumer must call Close
// exactly once (typically via defer) when finished processing the entry;
// Close performs the quiescence bookkeeping regardless of whether IntoItem
// was used to extract the payload first.
type ReceiveGuard struct {
	q      *Queue
	entry  Entry
	closed bool
}

// Entry returns the wrapped queue entry.
func (g *ReceiveGuard) Entry() Entry {
	return g.entry
}

// IntoItem takes the payload out of the guard. The guard must still be
// closed afterwards; IntoItem itself does not perform bookkeeping.
func (g *ReceiveGuard) IntoItem() interface{} {
	p := g.entry.Payload
	g.entry.Payload = nil
	return p
}

// Close releases the guard. For an Item entry this decrements in_progress
// and, if that transitions the count from 1 to 0, arms a single Drained
// marker for the next receiver. For a Drained entry, Close is a no-op:
// Drained markers are never counted in in_progress.
func (g *ReceiveGuard) Close() {
	if g.closed {
		return
	}
	g.closed = true
	if g.entry.Kind != KindItem {
		return
	}

	g.q.mu.Lock()
	defer g.q.mu.Unlock()
	g.q.inProgress--
	if g.q.inProgress == 0 {
		g.q.pendingDrain = true
	}
	if g.q.inProgress < 0 {
		panic("pqueue: in_progress went negative; Close called more than once for a Send")
	}
	g.q.cond.Broadcast()
}

// Recv blocks until an entry is available and returns a guard wrapping it.
// It never returns nil.
func (q *Queue) Recv() *ReceiveGuard {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if g, ok := q.popLocked(); ok {
			return g
		}
		q.cond.Wait()
	}
}

// TryRecv is the non-blocking variant of Recv. It returns nil if no entry
// is currently available.
func (q *Queue) TryRecv() *ReceiveGuard {
	q.mu.Lock()
	defer q.mu.Unlock()

	g, _ := q.popLocked()
	return g
}

// popLocked must be called with q.mu held. It returns (guard, true) if an
// entry was available, or (nil, false) otherwise.
func (q *Queue) popLocked() (*ReceiveGuard, bool) {
	if len(q.heap) > 0 {
		e := heap.Pop(&q.heap).(*heapEntry)
		return &ReceiveGuard{q: q, entry: Entry{Kind: KindItem, Payload: e.payload, Priority: e.priority}}, true
	}
	if q.pendingDrain {
		q.pendingDrain = false
		return &ReceiveGuard{q: q, entry: Entry{Kind: KindDrained}}, true
	}
	if q.closed {
		return &ReceiveGuard{q: q, entry: Entry{Kind: KindClosed}}, true
	}
	return nil, false
}

// Close marks the queue closed: every blocked Recv wakes and, once any
// already-queued items and a final Drained (if one is owed) are
// delivered, every subsequent Recv returns a KindClosed entry without
// blocking. Close does not discard items already sitting in the heap —
// callers still observe them before KindClosed appears — it only stops
// the queue from blocking forever once it runs dry. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// InProgress reports the current number of items that have been Sent but
// whose ReceiveGuard has not yet been Closed. Intended for tests and
// diagnostics.
func (q *Queue) InProgress() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inProgress
}
