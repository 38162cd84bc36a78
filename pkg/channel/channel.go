// Package channel implements the fabric's transport layer: long-lived
// framed TCP channels, a shared-socket UDP channel, and outbound
// multicast/UDP-broadcast fan-out, behind the single Transmit/OnReceive
// contract described in spec.md §4.3.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sentinel errors. Only a failed TCP connect is reported as transport
// loss; UDP send silently succeeds per spec.md §4.3.
var (
	ErrClosed       = errors.New("channel closed")
	ErrConnectFailed = errors.New("channel connect failed")
	ErrPayloadTooLarge = errors.New("payload exceeds path-MTU budget")
)

// UDPSafeMTU is the payload ceiling UDP callers must respect; the
// channel layer does not fragment (spec.md §4.3).
const UDPSafeMTU = 1400

// OnReceiveFunc is the inbound callback a channel invokes for each
// received envelope's raw bytes, tagged with the channel endpoint it
// arrived on.
type OnReceiveFunc func(channelEP string, body []byte)

// Channel is the single outbound+inbound contract all transport kinds
// share.
type Channel interface {
	// Transmit sends envelopeBytes to the peer named by channelEP.
	Transmit(ctx context.Context, channelEP string, envelopeBytes []byte) error
	// Close shuts the channel down, releasing its sockets/connections.
	Close() error
}

// Dispatcher receives inbound bytes off any channel and routes them
// onward (into the fabric's own dispatcher/session layer). Channels
// call it from their own read-loop goroutines.
type Dispatcher interface {
	OnReceive(channelEP string, body []byte)
}

// Manager owns the set of live channels for a router: one TCP listener
// accepting framed connections multiplexed by destination endpoint, one
// shared UDP socket, and any configured multicast/broadcast senders.
// Idle TCP connections past MaxIdle are closed by a background sweep,
// matching the teacher's per-connection idle-timeout convention.
type Manager struct {
	logger  *slog.Logger
	maxIdle time.Duration

	mu    sync.RWMutex
	tcp   map[string]*tcpConn // channelEP -> connection
	udp   *udpChannel
	mcast *multicastChannel

	// dialDisp is the dispatcher handed to ListenTCP, reused for
	// connections this Manager dials outbound (as opposed to accepts),
	// so replies and forwarded traffic on a self-initiated TCP link are
	// not silently dropped (spec.md §4.3).
	dialDisp Dispatcher

	closed bool
}

// ManagerOption configures optional Manager parameters.
type ManagerOption func(*Manager)

// WithMaxIdle overrides the default idle-connection timeout for TCP.
func WithMaxIdle(d time.Duration) ManagerOption {
	return func(m *Manager) { m.maxIdle = d }
}

// NewManager constructs a channel Manager. logger must not be nil.
func NewManager(logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:  logger.With(slog.String("component", "channel.manager")),
		maxIdle: 2 * time.Minute,
		tcp:     make(map[string]*tcpConn),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetDispatcher records the dispatcher used for connections this Manager
// dials outbound. A router that only dials out (e.g. a Leaf with no
// TcpEP of its own to listen on) must call this explicitly; ListenTCP
// also calls it so the common case needs no extra wiring.
func (m *Manager) SetDispatcher(disp Dispatcher) {
	m.mu.Lock()
	m.dialDisp = disp
	m.mu.Unlock()
}

// Transmit sends envelopeBytes over whichever transport channelEP names.
func (m *Manager) Transmit(ctx context.Context, channelEP string, envelopeBytes []byte) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return fmt.Errorf("transmit to %s: %w", channelEP, ErrClosed)
	}

	kind, err := classify(channelEP)
	if err != nil {
		return err
	}

	switch kind {
	case kindTCP:
		return m.transmitTCP(ctx, channelEP, envelopeBytes)
	case kindUDP:
		return m.transmitUDP(ctx, channelEP, envelopeBytes)
	case kindMulticast:
		return m.transmitMulticast(ctx, channelEP, envelopeBytes)
	default:
		return fmt.Errorf("transmit to %s: %w", channelEP, ErrConnectFailed)
	}
}

// Close shuts down every live channel owned by the manager.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	for ep, c := range m.tcp {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close tcp %s: %w", ep, err))
		}
	}
	m.tcp = nil
	if m.udp != nil {
		if err := m.udp.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close udp: %w", err))
		}
	}
	if m.mcast != nil {
		if err := m.mcast.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close multicast: %w", err))
		}
	}
	return errors.Join(errs...)
}

type channelKind uint8

const (
	kindTCP channelKind = iota
	kindUDP
	kindMulticast
)

func classify(channelEP string) (channelKind, error) {
	switch {
	case hasScheme(channelEP, "tcp"):
		return kindTCP, nil
	case hasScheme(channelEP, "udp"):
		return kindUDP, nil
	case hasScheme(channelEP, "mcast"), hasScheme(channelEP, "multicast"):
		return kindMulticast, nil
	default:
		return 0, fmt.Errorf("classify %q: %w", channelEP, ErrConnectFailed)
	}
}

func hasScheme(ep, scheme string) bool {
	return len(ep) > len(scheme)+2 && ep[:len(scheme)] == scheme && ep[len(scheme):len(scheme)+3] == "://"
}
