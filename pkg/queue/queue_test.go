package queue

import (
	"testing"
	"time"
)

func TestEnqueueDequeueOrdersByPriorityThenFIFO(t *testing.T) {
	t.Parallel()

	q := NewQueue("queue://test", nil)
	c := NewClient(q)

	c.EnqueueTo([]byte("low-1"), PriorityLow, time.Time{})
	c.EnqueueTo([]byte("high-1"), PriorityHigh, time.Time{})
	c.EnqueueTo([]byte("low-2"), PriorityLow, time.Time{})
	c.EnqueueTo([]byte("high-2"), PriorityHigh, time.Time{})

	want := []string{"high-1", "high-2", "low-1", "low-2"}
	for _, w := range want {
		msg, err := c.Dequeue(0)
		if err != nil {
			t.Fatalf("Dequeue: unexpected error: %v", err)
		}
		if string(msg.Body) != w {
			t.Fatalf("Dequeue = %q, want %q", msg.Body, w)
		}
	}
}

func TestDequeueZeroTimeoutReturnsTimeoutWhenEmpty(t *testing.T) {
	t.Parallel()

	q := NewQueue("queue://empty", nil)
	c := NewClient(q)

	if _, err := c.Dequeue(0); err == nil {
		t.Fatal("expected a timeout error on an empty queue with zero timeout")
	}
}

func TestTransactionRollbackRestoresVisibility(t *testing.T) {
	t.Parallel()

	q := NewQueue("queue://txn", nil)
	c := NewClient(q)
	c.Enqueue([]byte("only"))

	c.BeginTransaction()
	msg, err := c.Dequeue(0)
	if err != nil {
		t.Fatalf("Dequeue: unexpected error: %v", err)
	}
	if q.Depth() != 0 {
		t.Fatalf("depth = %d during open transaction, want 0 (message reserved)", q.Depth())
	}

	if err := c.Rollback(); err != nil {
		t.Fatalf("Rollback: unexpected error: %v", err)
	}
	if q.Depth() != 1 {
		t.Fatalf("depth = %d after rollback, want 1 (message restored)", q.Depth())
	}

	again, err := c.Dequeue(0)
	if err != nil {
		t.Fatalf("Dequeue after rollback: unexpected error: %v", err)
	}
	if again.ID != msg.ID {
		t.Fatalf("restored message id = %v, want %v", again.ID, msg.ID)
	}
}

func TestNestedTransactionCommitMergesIntoParent(t *testing.T) {
	t.Parallel()

	q := NewQueue("queue://nested", nil)
	c := NewClient(q)

	c.BeginTransaction()
	c.BeginTransaction()
	c.Enqueue([]byte("inner"))
	if err := c.Commit(); err != nil { // merges inner frame into outer
		t.Fatalf("inner Commit: unexpected error: %v", err)
	}
	if q.Depth() != 0 {
		t.Fatalf("depth = %d before outer commit, want 0", q.Depth())
	}
	if err := c.Commit(); err != nil { // applies to the queue
		t.Fatalf("outer Commit: unexpected error: %v", err)
	}
	if q.Depth() != 1 {
		t.Fatalf("depth = %d after outer commit, want 1", q.Depth())
	}
}

func TestEnqueueInsideTransactionInvisibleUntilCommit(t *testing.T) {
	t.Parallel()

	q := NewQueue("queue://visibility", nil)
	c := NewClient(q)

	c.BeginTransaction()
	c.Enqueue([]byte("staged"))
	if q.Depth() != 0 {
		t.Fatalf("depth = %d before commit, want 0", q.Depth())
	}
	if err := c.Commit(); err != nil {
		t.Fatalf("Commit: unexpected error: %v", err)
	}
	if q.Depth() != 1 {
		t.Fatalf("depth = %d after commit, want 1", q.Depth())
	}
}

func TestCloseRollsBackAllFrames(t *testing.T) {
	t.Parallel()

	q := NewQueue("queue://close", nil)
	c := NewClient(q)
	c.Enqueue([]byte("m"))
	c.BeginTransaction()
	if _, err := c.Dequeue(0); err != nil {
		t.Fatalf("Dequeue: unexpected error: %v", err)
	}
	c.BeginTransaction()

	c.Close()
	if q.Depth() != 1 {
		t.Fatalf("depth = %d after Close, want 1 (all frames rolled back)", q.Depth())
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	t.Parallel()

	q := NewQueue("queue://block", nil)
	c := NewClient(q)

	result := make(chan Msg, 1)
	go func() {
		msg, err := c.Dequeue(time.Second)
		if err != nil {
			t.Errorf("Dequeue: unexpected error: %v", err)
			return
		}
		result <- msg
	}()

	time.Sleep(20 * time.Millisecond)
	c.Enqueue([]byte("late"))

	select {
	case msg := <-result:
		if string(msg.Body) != "late" {
			t.Fatalf("Dequeue = %q, want late", msg.Body)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not wake on enqueue")
	}
}
