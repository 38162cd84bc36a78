package session

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lilltek-go/fabric/internal/fault"
	"github.com/lilltek-go/fabric/pkg/envelope"
)

// RequestContext is handed to a responder-side handler for every
// OpenSession request it receives. The handler must eventually call
// Reply, Cancel, or Abort exactly once (spec.md §4.6); if the context
// is dropped without a resolution, a finalizer cancels the session so
// the initiator is never left hanging indefinitely. A handler that
// needs longer than SessionTimeout calls BeginAsync first so the
// initiator's wait gets extended by real SessionKeepAlive traffic
// instead of timing out.
type RequestContext struct {
	sessionID  uuid.UUID
	fromEP     string
	req        envelope.Envelope
	idempotent bool

	sessionTimeout time.Duration
	maxKeepAlive   int

	resolved atomic.Bool

	sender Sender
	cache  *lru.Cache[uuid.UUID, envelope.Envelope]
}

// newRequestContext builds a RequestContext and arms its drop-safety
// finalizer.
func newRequestContext(req envelope.Envelope, fromEP string, idempotent bool, sender Sender, cache *lru.Cache[uuid.UUID, envelope.Envelope], sessionTimeout time.Duration, maxKeepAlive int) *RequestContext {
	rc := &RequestContext{
		sessionID:      req.SessionID,
		fromEP:         fromEP,
		req:            req,
		idempotent:     idempotent,
		sender:         sender,
		cache:          cache,
		sessionTimeout: sessionTimeout,
		maxKeepAlive:   maxKeepAlive,
	}
	runtime.SetFinalizer(rc, func(rc *RequestContext) {
		if !rc.resolved.Load() {
			rc.Cancel(context.Background())
		}
	})
	return rc
}

// Reply sends a reply envelope back to the initiator. When the request
// was opened by an idempotent handler, the reply is cached for
// SessionCacheTime so a retransmitted query gets the same answer
// without re-executing the handler (spec.md §4.6).
func (rc *RequestContext) Reply(ctx context.Context, typeID envelope.TypeID, body []byte) error {
	if !rc.resolved.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}
	runtime.SetFinalizer(rc, nil)

	reply := envelope.Envelope{
		TypeID:    typeID,
		Flags:     envelope.FlagNotReceipt,
		ToEP:      rc.fromEP,
		SessionID: rc.sessionID,
		TTL:       64,
		Body:      body,
	}
	if rc.idempotent && rc.cache != nil {
		rc.cache.Add(rc.sessionID, reply)
	}
	return rc.sender.SendTo(ctx, rc.fromEP, reply)
}

// Fault replies with a SessionFault, tagging the body with the
// exceptionTag marker the initiator's OnReply recognises.
func (rc *RequestContext) Fault(ctx context.Context, reason string) error {
	return rc.Reply(ctx, envelope.TypeReceipt, append([]byte("EXC:"), reason...))
}

// Cancel resolves the request and sends a Cancelled signal back to the
// initiator, which surfaces as fault.KindCancelled at its next wake-up
// instead of a plain Timeout (spec.md §9 "Abort | Cancel as distinct
// outcomes").
func (rc *RequestContext) Cancel(ctx context.Context) {
	if !rc.resolved.CompareAndSwap(false, true) {
		return
	}
	runtime.SetFinalizer(rc, nil)

	reply := envelope.Envelope{
		TypeID:    envelope.TypeReceipt,
		Flags:     envelope.FlagNotReceipt,
		ToEP:      rc.fromEP,
		SessionID: rc.sessionID,
		TTL:       64,
		Body:      []byte(cancelSignalBody),
	}
	_ = rc.sender.SendTo(ctx, rc.fromEP, reply)
}

// Abort resolves the request silently: unlike Cancel, it sends nothing
// back, leaving the initiator to observe its own timeout (spec.md §9
// "Abort | Cancel as distinct outcomes").
func (rc *RequestContext) Abort(ctx context.Context) {
	rc.abortLocked(ctx)
}

func (rc *RequestContext) abortLocked(ctx context.Context) {
	if !rc.resolved.CompareAndSwap(false, true) {
		return
	}
	runtime.SetFinalizer(rc, nil)
}

// BeginAsync signals that this handler is going long-running: it starts
// a background loop emitting real SessionKeepAlive envelopes back to
// the initiator every half of SessionTimeout, up to the session
// manager's MaxAsyncKeepAlive (0 = unbounded), so the initiator's wait
// (session.Manager.AsyncQuery) is extended instead of timing out while
// the handler keeps computing. The loop stops on its own once Reply,
// Cancel, or Abort resolves rc (spec.md §4.6 "Async queries").
func (rc *RequestContext) BeginAsync(ctx context.Context) {
	half := rc.sessionTimeout / 2
	if half <= 0 {
		half = time.Second
	}
	go func() {
		ticker := time.NewTicker(half)
		defer ticker.Stop()
		n := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if rc.resolved.Load() {
					return
				}
				n++
				if rc.maxKeepAlive > 0 && n > rc.maxKeepAlive {
					return
				}
				rc.sendKeepAlive(ctx)
			}
		}
	}()
}

func (rc *RequestContext) sendKeepAlive(ctx context.Context) {
	env := envelope.Envelope{
		TypeID:    envelope.TypeSessionKeepAlive,
		ToEP:      rc.fromEP,
		SessionID: rc.sessionID,
		TTL:       64,
	}
	_ = rc.sender.SendTo(ctx, rc.fromEP, env)
}

// cachedReply returns a previously cached reply for an idempotent
// request's session id, if present, so a retransmitted query short
// circuits re-execution (spec.md §4.6).
func (m *Manager) cachedReply(id uuid.UUID) (envelope.Envelope, bool) {
	if m.replyCache == nil {
		return envelope.Envelope{}, false
	}
	return m.replyCache.Get(id)
}

// NewRequestContext constructs the responder-side context for an
// incoming OpenSession envelope, consulting the idempotent reply cache
// first.
func (m *Manager) NewRequestContext(req envelope.Envelope, fromEP string, idempotent bool) (*RequestContext, *envelope.Envelope) {
	if idempotent {
		if cached, ok := m.cachedReply(req.SessionID); ok {
			return nil, &cached
		}
	}
	return newRequestContext(req, fromEP, idempotent, m.sender, m.replyCache, m.cfg.SessionTimeout, m.cfg.MaxAsyncKeepAlive), nil
}

// BroadcastQuery sends msg to every endpoint matching a logical pattern
// and returns the first reply to arrive; later replies are dropped
// (spec.md §4.6 "broadcast queries: first reply wins").
func (m *Manager) BroadcastQuery(ctx context.Context, pattern string, typeID envelope.TypeID, body []byte) (envelope.Envelope, error) {
	e := &entry{
		sessionID: uuid.New(),
		targetEP:  pattern,
		broadcast: true,
		replyCh:   make(chan Result, 1),
	}
	req := envelope.Envelope{
		TypeID:    typeID,
		Flags:     envelope.FlagOpenSession | envelope.FlagBroadcast,
		ToEP:      pattern,
		SessionID: e.sessionID,
		TTL:       64,
		Body:      body,
	}

	m.mu.Lock()
	m.pending[e.sessionID] = e
	m.mu.Unlock()
	defer m.cleanup(e.sessionID)

	if err := m.sender.SendTo(ctx, pattern, req); err != nil {
		return envelope.Envelope{}, err
	}

	timer := time.NewTimer(m.cfg.SessionTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return envelope.Envelope{}, ctx.Err()
	case res := <-e.replyCh:
		return res.Reply, nil
	case <-timer.C:
		return envelope.Envelope{}, fault.New("session.BroadcastQuery", fault.KindTimeout, nil)
	}
}
