package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lilltek-go/fabric/internal/fault"
	"github.com/lilltek-go/fabric/pkg/envelope"
)

// AsyncQuery behaves like Query but tolerates a responder that goes
// long-running: each real SessionKeepAlive envelope the responder's
// RequestContext.BeginAsync emits resets the wait, up to
// MaxAsyncKeepAlive keep-alives (0 = unbounded), before the call
// finally gives up. Unlike Query it never retransmits the request —
// silence without a keep-alive just means the responder has not gone
// async, so the ordinary SessionTimeout still applies to the first
// wait (spec.md §4.6 "Async queries").
func (m *Manager) AsyncQuery(ctx context.Context, ep string, typeID envelope.TypeID, body []byte, onKeepAlive func(n int)) (envelope.Envelope, error) {
	e := &entry{
		sessionID:   uuid.New(),
		initiatorEP: ep,
		targetEP:    ep,
		isAsync:     true,
		replyCh:     make(chan Result, 1),
		keepAliveCh: make(chan struct{}, 1),
	}
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
		return envelope.Envelope{}, fault.New("session.AsyncQuery", fault.KindTransportFailure, err)
	}

	timeout := time.NewTimer(m.cfg.SessionTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return envelope.Envelope{}, fault.New("session.AsyncQuery", fault.KindCancelled, ctx.Err())
		case res := <-e.replyCh:
			if res.Kind == fault.KindSessionFault {
				return envelope.Envelope{}, fault.New("session.AsyncQuery", fault.KindSessionFault, errors.New(res.FailureText))
			}
			if res.Kind != fault.KindUnknown {
				return envelope.Envelope{}, fault.New("session.AsyncQuery", res.Kind, nil)
			}
			return res.Reply, nil
		case <-e.keepAliveCh:
			n := int(e.keepAlives.Load())
			if m.cfg.MaxAsyncKeepAlive > 0 && n > m.cfg.MaxAsyncKeepAlive {
				return envelope.Envelope{}, fault.New("session.AsyncQuery", fault.KindTimeout, nil)
			}
			if onKeepAlive != nil {
				onKeepAlive(n)
			}
			if !timeout.Stop() {
				<-timeout.C
			}
			timeout.Reset(m.cfg.SessionTimeout)
		case <-timeout.C:
			return envelope.Envelope{}, fault.New("session.AsyncQuery", fault.KindTimeout, nil)
		}
	}
}

