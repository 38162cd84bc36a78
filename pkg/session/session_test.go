package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lilltek-go/fabric/internal/fault"
	"github.com/lilltek-go/fabric/pkg/envelope"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeSender records every SendTo call and optionally loops a reply
// back into the manager, simulating a responder on the other end of
// the wire.
type fakeSender struct {
	mgr       *Manager
	mu        sync.Mutex
	sent      int
	replyWith func(req envelope.Envelope) (envelope.Envelope, bool)
}

func (f *fakeSender) SendTo(ctx context.Context, to string, env envelope.Envelope) error {
	f.mu.Lock()
	f.sent++
	f.mu.Unlock()

	if f.replyWith != nil {
		if reply, ok := f.replyWith(env); ok {
			go f.mgr.OnReply(reply)
		}
	}
	return nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

func TestQuerySucceedsOnFirstReply(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{}
	fs.replyWith = func(req envelope.Envelope) (envelope.Envelope, bool) {
		return envelope.Envelope{SessionID: req.SessionID, Body: []byte("pong")}, true
	}

	cfg := DefaultConfig()
	cfg.SessionTimeout = 200 * time.Millisecond
	m := New(cfg, testLogger(), fs)
	fs.mgr = m

	reply, err := m.Query(context.Background(), "physical://h/a", envelope.TypeUserBase, []byte("ping"), false)
	if err != nil {
		t.Fatalf("Query: unexpected error: %v", err)
	}
	if string(reply.Body) != "pong" {
		t.Fatalf("reply body = %q, want pong", reply.Body)
	}
	if fs.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1", fs.sentCount())
	}
}

func TestQueryRetriesThenTimesOut(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{}
	cfg := DefaultConfig()
	cfg.SessionTimeout = 20 * time.Millisecond
	cfg.SessionRetries = 2
	m := New(cfg, testLogger(), fs)
	fs.mgr = m

	_, err := m.Query(context.Background(), "physical://h/a", envelope.TypeUserBase, []byte("ping"), false)
	if !fault.Is(err, fault.KindTimeout) {
		t.Fatalf("err = %v, want Timeout", err)
	}
	if fs.sentCount() != 3 {
		t.Fatalf("sent = %d, want 3 (1 initial + 2 retries)", fs.sentCount())
	}
}

func TestQueryIdempotentSuppressesRetries(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{}
	cfg := DefaultConfig()
	cfg.SessionTimeout = 20 * time.Millisecond
	cfg.SessionRetries = 5
	m := New(cfg, testLogger(), fs)
	fs.mgr = m

	_, err := m.Query(context.Background(), "physical://h/a", envelope.TypeUserBase, []byte("ping"), true)
	if !fault.Is(err, fault.KindTimeout) {
		t.Fatalf("err = %v, want Timeout", err)
	}
	if fs.sentCount() != 1 {
		t.Fatalf("sent = %d, want exactly 1 for an idempotent query", fs.sentCount())
	}
}

func TestCancelUnblocksQuery(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{}
	cfg := DefaultConfig()
	cfg.SessionTimeout = time.Second
	m := New(cfg, testLogger(), fs)
	fs.mgr = m

	var id atomic.Value
	fs.replyWith = func(req envelope.Envelope) (envelope.Envelope, bool) {
		id.Store(req.SessionID)
		return envelope.Envelope{}, false
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.Query(context.Background(), "physical://h/a", envelope.TypeUserBase, nil, false)
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for id.Load() == nil {
		if time.Now().After(deadline) {
			t.Fatal("query never recorded its session id")
		}
		time.Sleep(time.Millisecond)
	}
	m.Cancel(id.Load().(uuid.UUID))

	select {
	case err := <-done:
		if !fault.Is(err, fault.KindCancelled) {
			t.Fatalf("err = %v, want Cancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Cancel did not unblock Query")
	}
}

func TestReplyCarryingExceptionTagSurfacesSessionFault(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{}
	fs.replyWith = func(req envelope.Envelope) (envelope.Envelope, bool) {
		return envelope.Envelope{SessionID: req.SessionID, Body: []byte("EXC:boom")}, true
	}

	cfg := DefaultConfig()
	cfg.SessionTimeout = 200 * time.Millisecond
	m := New(cfg, testLogger(), fs)
	fs.mgr = m

	_, err := m.Query(context.Background(), "physical://h/a", envelope.TypeUserBase, nil, false)
	if !fault.Is(err, fault.KindSessionFault) {
		t.Fatalf("err = %v, want SessionFault", err)
	}
}

func TestRequestContextReplyCachesForIdempotentHandlers(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{}
	cfg := DefaultConfig()
	m := New(cfg, testLogger(), fs)
	fs.mgr = m

	req := envelope.Envelope{SessionID: uuid.New()}
	rc, cached := m.NewRequestContext(req, "physical://caller", true)
	if cached != nil {
		t.Fatal("expected no cached reply on first arrival")
	}
	if err := rc.Reply(context.Background(), envelope.TypeUserBase, []byte("first")); err != nil {
		t.Fatalf("Reply: unexpected error: %v", err)
	}

	_, cached2 := m.NewRequestContext(req, "physical://caller", true)
	if cached2 == nil {
		t.Fatal("expected a cached reply on retransmit")
	}
	if string(cached2.Body) != "first" {
		t.Fatalf("cached reply body = %q, want first", cached2.Body)
	}
}

func TestRequestContextReplyTwiceFails(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{}
	m := New(DefaultConfig(), testLogger(), fs)
	fs.mgr = m

	req := envelope.Envelope{SessionID: uuid.New()}
	rc, _ := m.NewRequestContext(req, "physical://caller", false)
	if err := rc.Reply(context.Background(), envelope.TypeUserBase, nil); err != nil {
		t.Fatalf("first Reply: unexpected error: %v", err)
	}
	if err := rc.Reply(context.Background(), envelope.TypeUserBase, nil); err != ErrAlreadyClosed {
		t.Fatalf("second Reply err = %v, want ErrAlreadyClosed", err)
	}
}

func TestBroadcastQueryFirstReplyWins(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{}
	fs.replyWith = func(req envelope.Envelope) (envelope.Envelope, bool) {
		return envelope.Envelope{SessionID: req.SessionID, Body: []byte("winner")}, true
	}

	cfg := DefaultConfig()
	cfg.SessionTimeout = 200 * time.Millisecond
	m := New(cfg, testLogger(), fs)
	fs.mgr = m

	reply, err := m.BroadcastQuery(context.Background(), "logical://some/*", envelope.TypeUserBase, nil)
	if err != nil {
		t.Fatalf("BroadcastQuery: unexpected error: %v", err)
	}
	if string(reply.Body) != "winner" {
		t.Fatalf("reply body = %q, want winner", reply.Body)
	}
}
