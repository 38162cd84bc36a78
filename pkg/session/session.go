// Package session implements the fabric's query/reply layer: retries,
// idempotent reply caching, asynchronous keep-alive, cancellation, and
// broadcast queries (spec.md §4.6).
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lilltek-go/fabric/internal/fault"
	"github.com/lilltek-go/fabric/pkg/envelope"
)

// Sentinel errors.
var (
	ErrUnknownSession = errors.New("unknown session id")
	ErrAlreadyClosed  = errors.New("session already closed")
)

// Sender is the outbound hook a Manager uses to transmit envelopes; in
// production this is Router.SendTo.
type Sender interface {
	SendTo(ctx context.Context, to string, env envelope.Envelope) error
}

// Config carries the session layer's tunables (spec.md §6.4).
type Config struct {
	SessionTimeout    time.Duration
	SessionRetries    int
	SessionCacheTime  time.Duration
	MaxAsyncKeepAlive int // 0 = infinite
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() Config {
	return Config{
		SessionTimeout:   5 * time.Second,
		SessionRetries:   3,
		SessionCacheTime: 2 * time.Minute,
	}
}

// state is the lifecycle of one outstanding query.
type state uint32

const (
	stateActive state = iota
	stateCompleted
	stateCancelled
	stateAborted
	stateTimedOut
)

// entry is the session-manager's record for one outstanding query
// (spec.md §3.4). Fields the run-loop mutates are plain; fields read
// from other goroutines are atomic, mirroring the teacher's
// atomic-field-on-an-owned-struct convention.
type entry struct {
	sessionID   uuid.UUID
	initiatorEP string
	targetEP    string
	req         envelope.Envelope
	deadline    time.Time
	idempotent  bool
	isAsync     bool
	broadcast   bool

	st state

	retryCount atomic.Uint32
	keepAlives atomic.Uint32

	cancelled atomic.Bool

	replyCh     chan Result
	keepAliveCh chan struct{} // non-blocking signal: a real SessionKeepAlive arrived
	timer       *time.Timer
}

// Result is what OnReply or Cancel hands to a waiting query: exactly one of Reply,
// Timeout, Cancelled, or a SessionFault (spec.md §9 "explicit result
// types with Timeout | Cancelled | Failed(reason) | Ok(reply)").
type Result struct {
	Reply        envelope.Envelope
	Kind         fault.Kind // 0 (KindUnknown) on success
	FailureText  string
}

// Manager owns every outstanding session for one router: the initiator
// side's pending-query table and the responder side's reply cache.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	sender Sender

	mu       sync.Mutex
	pending  map[uuid.UUID]*entry

	replyCache *lru.Cache[uuid.UUID, envelope.Envelope]

	wg sync.WaitGroup
}

// New constructs a session Manager. sender and logger must not be nil.
func New(cfg Config, logger *slog.Logger, sender Sender) *Manager {
	cache, _ := lru.New[uuid.UUID, envelope.Envelope](4096)
	return &Manager{
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "session")),
		sender:     sender,
		pending:    make(map[uuid.UUID]*entry),
		replyCache: cache,
	}
}

// Query sends msg to ep and blocks until a reply arrives, the deadline
// elapses after SessionRetries retransmissions, or ctx is cancelled.
// idempotent handlers suppress retries: one send, one timeout on
// failure (spec.md §4.6).
func (m *Manager) Query(ctx context.Context, ep string, typeID envelope.TypeID, body []byte, idempotent bool) (envelope.Envelope, error) {
	e := &entry{
		sessionID:   uuid.New(),
		initiatorEP: ep,
		targetEP:    ep,
		idempotent:  idempotent,
		replyCh:     make(chan Result, 1),
	}
	e.deadline = time.Now().Add(m.cfg.SessionTimeout)

	req := envelope.Envelope{
		TypeID:    typeID,
		Flags:     envelope.FlagOpenSession,
		ToEP:      ep,
		SessionID: e.sessionID,
		TTL:       64,
		Body:      body,
	}
	e.req = req

	m.mu.Lock()
	m.pending[e.sessionID] = e
	m.mu.Unlock()
	defer m.cleanup(e.sessionID)

	if err := m.sender.SendTo(ctx, ep, req); err != nil {
		return envelope.Envelope{}, fault.New("session.Query", fault.KindTransportFailure, err)
	}

	maxRetries := m.cfg.SessionRetries
	if idempotent {
		maxRetries = 0
	}

	timeout := time.NewTimer(m.cfg.SessionTimeout)
	defer timeout.Stop()

	retries := 0
	for {
		select {
		case <-ctx.Done():
			return envelope.Envelope{}, fault.New("session.Query", fault.KindCancelled, ctx.Err())
		case res := <-e.replyCh:
			if res.Kind == fault.KindSessionFault {
				return envelope.Envelope{}, fault.New("session.Query", fault.KindSessionFault, errors.New(res.FailureText))
			}
			if res.Kind != fault.KindUnknown {
				return envelope.Envelope{}, fault.New("session.Query", res.Kind, nil)
			}
			return res.Reply, nil
		case <-timeout.C:
			if retries >= maxRetries {
				return envelope.Envelope{}, fault.New("session.Query", fault.KindTimeout, fmt.Errorf("no reply after %d retries", retries))
			}
			retries++
			e.retryCount.Store(uint32(retries))
			if err := m.sender.SendTo(ctx, ep, req); err != nil {
				return envelope.Envelope{}, fault.New("session.Query", fault.KindTransportFailure, err)
			}
			timeout.Reset(m.cfg.SessionTimeout)
		}
	}
}

func (m *Manager) cleanup(id uuid.UUID) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// OnReply delivers a reply envelope to its waiting Query call, or drops
// it if the session is unknown (already completed or never ours).
// Reports whether a pending session claimed the envelope, so a caller
// such as Router can skip handing a claimed reply to the dispatcher.
func (m *Manager) OnReply(env envelope.Envelope) bool {
	m.mu.Lock()
	e, ok := m.pending[env.SessionID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	if env.TypeID == envelope.TypeSessionKeepAlive {
		e.keepAlives.Add(1)
		if e.keepAliveCh != nil {
			select {
			case e.keepAliveCh <- struct{}{}:
			default:
			}
		}
		return true
	}

	res := Result{Reply: env}
	switch {
	case isCancelSignal(env):
		res.Kind = fault.KindCancelled
	default:
		if exc := exceptionTag(env); exc != "" {
			res.Kind = fault.KindSessionFault
			res.FailureText = exc
		}
	}
	select {
	case e.replyCh <- res:
	default:
	}
	return true
}

// exceptionTag reads a reserved header-adjacent convention: an
// exception string travels in the body of a reply after a leading
// "EXC:" marker, letting a
// responder signal SessionFault without a second wire type. Returns ""
// when the reply carries no exception.
func exceptionTag(env envelope.Envelope) string {
	const prefix = "EXC:"
	if len(env.Body) > len(prefix) && string(env.Body[:len(prefix)]) == prefix {
		return string(env.Body[len(prefix):])
	}
	return ""
}

// cancelSignalBody is the reserved reply body a responder's
// RequestContext.Cancel sends back to the initiator, distinct from the
// "EXC:" convention, so OnReply can surface Cancelled instead of
// SessionFault (spec.md §9 "Abort | Cancel as distinct outcomes").
const cancelSignalBody = "CANCELLED"

func isCancelSignal(env envelope.Envelope) bool {
	return string(env.Body) == cancelSignalBody
}

// PendingSummary is a point-in-time view of one outstanding session,
// used by the admin surface.
type PendingSummary struct {
	SessionID  uuid.UUID
	TargetEP   string
	Idempotent bool
	RetryCount uint32
	Deadline   time.Time
}

// Snapshot returns a summary of every session still awaiting a reply.
func (m *Manager) Snapshot() []PendingSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PendingSummary, 0, len(m.pending))
	for _, e := range m.pending {
		out = append(out, PendingSummary{
			SessionID:  e.sessionID,
			TargetEP:   e.targetEP,
			Idempotent: e.idempotent,
			RetryCount: e.retryCount.Load(),
			Deadline:   e.deadline,
		})
	}
	return out
}

// Cancel marks a pending session cancelled; the initiator observes
// Cancelled at the next wake-up (spec.md §4.6).
func (m *Manager) Cancel(id uuid.UUID) {
	m.mu.Lock()
	e, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	if e.cancelled.CompareAndSwap(false, true) {
		select {
		case e.replyCh <- Result{Kind: fault.KindCancelled}:
		default:
		}
	}
}
