package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lilltek-go/fabric/internal/fault"
)

// frame is one nested transaction level (spec.md §4.8 "Transactions are
// nested. Every Begin pushes a new frame").
type frame struct {
	enqueued []Msg
	dequeued []Msg // popped from the shared queue heap during this frame

	// stagedDeq holds messages this same client popped from its own
	// uncommitted enqueues (possibly staged by an ancestor frame) during
	// this frame, so Rollback can hand them back to the frame that
	// originally staged them instead of the shared heap.
	stagedDeq []stagedDequeue
}

// stagedDequeue pairs a message pulled from a client's own staged
// enqueues with the index of the frame that originally staged it.
type stagedDequeue struct {
	msg         Msg
	originFrame int
}

// Client is one consumer's session against a Queue: Enqueue/Dequeue
// plus a nested transaction stack. Isolation is scoped to the client's
// stable identity, not to any one frame, so a dequeued message stays
// invisible to every transaction this client opens until that
// reservation is resolved (spec.md §4.8 "invisible ... to every other
// transaction on the same client").
type Client struct {
	q  *Queue
	id uuid.UUID

	mu     sync.Mutex
	frames []*frame
}

// NewClient opens a client session against q.
func NewClient(q *Queue) *Client {
	return &Client{q: q, id: uuid.New()}
}

// Enqueue adds a message with Normal priority and no expiry.
func (c *Client) Enqueue(body []byte) Msg {
	return c.EnqueueTo(body, PriorityNormal, time.Time{})
}

// EnqueueTo adds a message at the given priority and optional absolute
// expiry. Inside a transaction it stays invisible to other clients until
// Commit, but this same client's own subsequent Dequeue calls (including
// from a nested transaction) can already see and claim it (spec.md §4.8).
func (c *Client) EnqueueTo(body []byte, priority Priority, expireAt time.Time) Msg {
	msg := Msg{
		ID:          uuid.New(),
		QueueEP:     c.q.EP(),
		Body:        body,
		Priority:    priority,
		EnqueueTime: time.Now(),
		ExpireTime:  expireAt,
	}

	c.mu.Lock()
	if len(c.frames) > 0 {
		top := c.frames[len(c.frames)-1]
		top.enqueued = append(top.enqueued, msg)
		c.mu.Unlock()
		return msg
	}
	c.mu.Unlock()

	if c.q.store != nil {
		_ = c.q.store.AppendCommit(c.q.EP(), []Msg{msg}, nil)
	}
	c.q.enqueue(msg)
	return msg
}

// Dequeue removes and returns the next visible message, blocking up to
// timeout (0 = return immediately, <0 = wait forever). Outside an open
// transaction, the dequeue is auto-committed immediately; inside one,
// the message is reserved under this client's identity until Commit or
// Rollback resolves the current frame.
func (c *Client) Dequeue(timeout time.Duration) (Msg, error) {
	deadline := time.Now().Add(timeout)
	infinite := timeout < 0

	for {
		c.mu.Lock()
		if msg, ok := c.dequeueStagedLocked(); ok {
			c.mu.Unlock()
			return msg, nil
		}
		c.mu.Unlock()

		c.q.mu.Lock()
		msg, ok := c.q.dequeueLocked(c.id)
		c.q.mu.Unlock()
		if ok {
			c.mu.Lock()
			inTxn := len(c.frames) > 0
			if inTxn {
				top := c.frames[len(c.frames)-1]
				top.dequeued = append(top.dequeued, msg)
			}
			c.mu.Unlock()
			if !inTxn {
				if c.q.store != nil {
					_ = c.q.store.AppendCommit(c.q.EP(), nil, []uuid.UUID{msg.ID})
				}
				c.q.commitRemoval(c.id, msg.ID)
			}
			return msg, nil
		}

		if !infinite && timeout <= 0 {
			return Msg{}, fault.New("queue.Dequeue", fault.KindTimeout, nil)
		}
		if infinite {
			c.q.waitOrDeadline(time.Now().Add(time.Hour))
			continue
		}
		if !c.q.waitOrDeadline(deadline) {
			return Msg{}, fault.New("queue.Dequeue", fault.KindTimeout, nil)
		}
	}
}

// dequeueStagedLocked pops the highest-priority, oldest message this
// client has itself staged via EnqueueTo inside an open transaction but
// not yet committed. It is how a client's own uncommitted enqueues
// become visible to that same client's subsequent dequeues without ever
// touching the shared queue heap, so they stay invisible to every other
// client (spec.md §4.8). Caller must hold c.mu.
func (c *Client) dequeueStagedLocked() (Msg, bool) {
	bestFrame, bestIdx := -1, -1
	for fi, f := range c.frames {
		for i := range f.enqueued {
			if bestFrame == -1 || f.enqueued[i].Priority > c.frames[bestFrame].enqueued[bestIdx].Priority {
				bestFrame, bestIdx = fi, i
			}
		}
	}
	if bestFrame == -1 {
		return Msg{}, false
	}

	f := c.frames[bestFrame]
	msg := f.enqueued[bestIdx]
	f.enqueued = append(f.enqueued[:bestIdx], f.enqueued[bestIdx+1:]...)

	top := c.frames[len(c.frames)-1]
	top.stagedDeq = append(top.stagedDeq, stagedDequeue{msg: msg, originFrame: bestFrame})
	return msg, true
}

// BeginTransaction pushes a new nested frame.
func (c *Client) BeginTransaction() {
	c.mu.Lock()
	c.frames = append(c.frames, &frame{})
	c.mu.Unlock()
}

// Commit merges the innermost frame into its parent, or — for the
// outermost frame — applies it to the queue: reserved dequeues are
// permanently removed and staged enqueues become visible (spec.md §4.8).
func (c *Client) Commit() error {
	c.mu.Lock()
	if len(c.frames) == 0 {
		c.mu.Unlock()
		return fault.New("queue.Commit", fault.KindTransactionConflict, nil)
	}
	top := c.frames[len(c.frames)-1]
	c.frames = c.frames[:len(c.frames)-1]

	if len(c.frames) > 0 {
		parent := c.frames[len(c.frames)-1]
		parent.enqueued = append(parent.enqueued, top.enqueued...)
		parent.dequeued = append(parent.dequeued, top.dequeued...)
		parent.stagedDeq = append(parent.stagedDeq, top.stagedDeq...)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if c.q.store != nil {
		removedIDs := make([]uuid.UUID, len(top.dequeued))
		for i, msg := range top.dequeued {
			removedIDs[i] = msg.ID
		}
		if err := c.q.store.AppendCommit(c.q.EP(), top.enqueued, removedIDs); err != nil {
			return fault.New("queue.Commit", fault.KindTransactionConflict, err)
		}
	}

	for _, msg := range top.dequeued {
		c.q.commitRemoval(c.id, msg.ID)
	}
	for _, msg := range top.enqueued {
		c.q.enqueue(msg)
	}
	// top.stagedDeq entries were enqueued and dequeued by this same
	// client entirely inside the transaction that just committed: they
	// never became visible outside it, so committing does nothing more
	// for them.
	return nil
}

// Rollback discards the innermost frame: staged enqueues vanish and any
// dequeues it performed become visible again at their original
// priority slot (spec.md §3.6 invariant).
func (c *Client) Rollback() error {
	c.mu.Lock()
	if len(c.frames) == 0 {
		c.mu.Unlock()
		return fault.New("queue.Rollback", fault.KindTransactionConflict, nil)
	}
	top := c.frames[len(c.frames)-1]
	c.frames = c.frames[:len(c.frames)-1]
	for _, ref := range top.stagedDeq {
		if ref.originFrame < len(c.frames) {
			c.frames[ref.originFrame].enqueued = append(c.frames[ref.originFrame].enqueued, ref.msg)
		}
	}
	c.mu.Unlock()

	for _, msg := range top.dequeued {
		c.q.restoreReserved(c.id, msg.ID)
	}
	return nil
}

// RollbackAll unwinds the entire transaction stack.
func (c *Client) RollbackAll() {
	for {
		c.mu.Lock()
		empty := len(c.frames) == 0
		c.mu.Unlock()
		if empty {
			return
		}
		_ = c.Rollback()
	}
}

// Close rolls back every open frame, per spec.md §4.8 "Closing a client
// rolls back all frames".
func (c *Client) Close() { c.RollbackAll() }
