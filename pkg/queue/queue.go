// Package queue implements the fabric's transactional message-queue
// engine: a priority heap per queue, nested transactions with
// read-committed optimistic visibility, dead-letter expiry, and
// pluggable file/memory durability (spec.md §3.6, §4.8).
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority orders messages within a queue; higher values dequeue first
// (spec.md §3.6).
type Priority int

const (
	PriorityVeryLow Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityVeryHigh
)

// String renders the priority level for logs and the admin surface.
func (p Priority) String() string {
	switch p {
	case PriorityVeryLow:
		return "very-low"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityVeryHigh:
		return "very-high"
	default:
		return "unknown"
	}
}

// Msg is one queued message (spec.md §3.6 "QueuedMsg").
type Msg struct {
	ID               uuid.UUID
	QueueEP          string
	Body             []byte
	Priority         Priority
	EnqueueTime      time.Time
	ExpireTime       time.Time // zero = no expiry
	DeliveryAttempts int
	SessionTxnID     uuid.UUID // ID of the client that dequeued it, inside a transaction or not; zero until dequeued
}

// heapItem wraps a Msg with the monotonic enqueue sequence that breaks
// priority ties in FIFO order (spec.md §4.8 "heap key is (−priority,
// enqueueOrder)").
type heapItem struct {
	msg   Msg
	seq   uint64
	index int
}

type priorityHeap []*heapItem

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *priorityHeap) Push(x any) {
	item := x.(*heapItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is one named queue's priority heap plus its outstanding
// transaction reservations.
type Queue struct {
	ep string

	mu       sync.Mutex
	heap     priorityHeap
	seq      uint64
	reserved map[uuid.UUID]map[uuid.UUID]*heapItem // txnID -> msgID -> item held out of the heap

	waiters []chan struct{}

	store Store
}

// NewQueue constructs an empty queue backed by store (may be nil for a
// purely in-memory, non-durable queue).
func NewQueue(ep string, store Store) *Queue {
	q := &Queue{ep: ep, reserved: make(map[uuid.UUID]map[uuid.UUID]*heapItem), store: store}
	heap.Init(&q.heap)
	return q
}

// EP returns the queue's logical endpoint.
func (q *Queue) EP() string { return q.ep }

// Restore reconstructs this queue's visible messages from its durable
// store, if one is attached (spec.md §4.8 "crash recovery replays the
// log to reconstruct queue state").
func (q *Queue) Restore() error {
	if q.store == nil {
		return nil
	}
	msgs, err := q.store.Replay(q.ep)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range msgs {
		q.seq++
		heap.Push(&q.heap, &heapItem{msg: m, seq: q.seq})
	}
	return nil
}

// enqueue inserts msg into the heap and wakes exactly one waiter, if
// any (spec.md §4.8 "directed wake-ups: exactly one waiter is served").
func (q *Queue) enqueue(msg Msg) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.heap, &heapItem{msg: msg, seq: q.seq})
	var wake chan struct{}
	if len(q.waiters) > 0 {
		wake = q.waiters[0]
		q.waiters = q.waiters[1:]
	}
	q.mu.Unlock()

	if wake != nil {
		close(wake)
	}
}

// peekLocked returns the highest-priority, oldest visible message
// without removing it. Caller must hold q.mu.
func (q *Queue) peekLocked() (Msg, bool) {
	if len(q.heap) == 0 {
		return Msg{}, false
	}
	return q.heap[0].msg, true
}

// Peek returns the next visible message without removing it, or false
// if none is available within timeout (spec.md §4.8 "Peek returns
// null" on zero timeout).
func (q *Queue) Peek(timeout time.Duration) (Msg, bool) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		msg, ok := q.peekLocked()
		q.mu.Unlock()
		if ok {
			return msg, true
		}
		if timeout <= 0 {
			return Msg{}, false
		}
		if !q.waitOrDeadline(deadline) {
			return Msg{}, false
		}
	}
}

// dequeueLocked pops the head item, reserving it under txnID so it
// becomes invisible to every other caller until Commit or Rollback
// (spec.md §4.8 isolation). Caller must hold q.mu.
func (q *Queue) dequeueLocked(txnID uuid.UUID) (Msg, bool) {
	if len(q.heap) == 0 {
		return Msg{}, false
	}
	item := heap.Pop(&q.heap).(*heapItem)
	item.msg.DeliveryAttempts++
	item.msg.SessionTxnID = txnID
	if q.reserved[txnID] == nil {
		q.reserved[txnID] = make(map[uuid.UUID]*heapItem)
	}
	q.reserved[txnID][item.msg.ID] = item
	return item.msg, true
}

// waitOrDeadline blocks until a waiter wake-up arrives or deadline
// passes, returning false on timeout.
func (q *Queue) waitOrDeadline(deadline time.Time) bool {
	wake := make(chan struct{})
	q.mu.Lock()
	q.waiters = append(q.waiters, wake)
	q.mu.Unlock()

	remaining := time.Until(deadline)
	if remaining <= 0 {
		remaining = 0
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-wake:
		return true
	case <-timer.C:
		return false
	}
}

// commitRemoval permanently discards a reserved message (txn Commit).
func (q *Queue) commitRemoval(txnID, msgID uuid.UUID) {
	q.mu.Lock()
	delete(q.reserved[txnID], msgID)
	if len(q.reserved[txnID]) == 0 {
		delete(q.reserved, txnID)
	}
	q.mu.Unlock()
}

// restoreReserved re-inserts a reserved message at its original
// priority slot, preserving relative FIFO order (txn Rollback; spec.md
// §3.6 invariant).
func (q *Queue) restoreReserved(txnID, msgID uuid.UUID) {
	q.mu.Lock()
	item, ok := q.reserved[txnID][msgID]
	if ok {
		delete(q.reserved[txnID], msgID)
		if len(q.reserved[txnID]) == 0 {
			delete(q.reserved, txnID)
		}
		heap.Push(&q.heap, item)
	}
	var wake chan struct{}
	if ok && len(q.waiters) > 0 {
		wake = q.waiters[0]
		q.waiters = q.waiters[1:]
	}
	q.mu.Unlock()
	if wake != nil {
		close(wake)
	}
}

// Depth returns the number of currently visible messages.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// DepthByPriority returns the number of currently visible messages at
// each priority level, used by the admin surface and metrics export.
func (q *Queue) DepthByPriority() map[Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[Priority]int)
	for _, item := range q.heap {
		out[item.msg.Priority]++
	}
	return out
}

// expireOlderThan scans for visible messages whose ExpireTime has
// passed and removes them, invoking onExpired for each (spec.md §4.8
// "Expiry and dead-letter").
func (q *Queue) expireOlderThan(now time.Time, onExpired func(Msg)) {
	q.mu.Lock()
	var survivors priorityHeap
	var expired []Msg
	for _, item := range q.heap {
		if !item.msg.ExpireTime.IsZero() && now.After(item.msg.ExpireTime) {
			expired = append(expired, item.msg)
			continue
		}
		survivors = append(survivors, item)
	}
	q.heap = survivors
	heap.Init(&q.heap)
	q.mu.Unlock()

	for _, m := range expired {
		onExpired(m)
	}
}
