package channel

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

// frameLenPrefix is the 4-byte big-endian length prefix used to frame
// messages over a TCP channel (spec.md §4.3).
const frameLenPrefix = 4

// MaxFrameSize bounds a single TCP frame to guard against a runaway
// peer; legitimate envelopes are expected to be well under this.
const MaxFrameSize = 16 << 20

type tcpConn struct {
	conn     net.Conn
	mu       sync.Mutex
	lastUsed time.Time
}

// ListenTCP starts accepting framed TCP connections on addr and wires
// each accepted connection's read loop into disp. Each accepted
// connection is registered at once (via RegisterTCPPeer) under
// "tcp://" plus its remote address.
func (m *Manager) ListenTCP(ctx context.Context, addr string, disp Dispatcher) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}

	m.SetDispatcher(disp)

	go m.acceptLoop(ctx, ln, disp)
	return ln, nil
}

func (m *Manager) acceptLoop(ctx context.Context, ln net.Listener, disp Dispatcher) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("tcp accept failed", "error", err)
			return
		}
		go m.serveTCP(ctx, conn, disp)
	}
}

// RegisterTCPPeer adopts an already-dialed or accepted connection under
// channelEP, so future Transmit calls reuse it instead of dialing again.
func (m *Manager) RegisterTCPPeer(channelEP string, conn net.Conn, disp Dispatcher) {
	tc := &tcpConn{conn: conn, lastUsed: time.Now()}

	m.mu.Lock()
	m.tcp[channelEP] = tc
	m.mu.Unlock()

	go m.readFrames(conn, channelEP, disp)
}

func (m *Manager) serveTCP(ctx context.Context, conn net.Conn, disp Dispatcher) {
	channelEP := "tcp://" + conn.RemoteAddr().String()
	m.RegisterTCPPeer(channelEP, conn, disp)
	<-ctx.Done()
}

func (m *Manager) readFrames(conn net.Conn, channelEP string, disp Dispatcher) {
	defer func() {
		m.mu.Lock()
		delete(m.tcp, channelEP)
		m.mu.Unlock()
		conn.Close()
	}()

	lenBuf := make([]byte, frameLenPrefix)
	for {
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf)
		if n > MaxFrameSize {
			m.logger.Warn("tcp frame exceeds maximum size, closing", "channel", channelEP, "size", n)
			return
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		if disp != nil {
			disp.OnReceive(channelEP, body)
		}
	}
}

func (m *Manager) transmitTCP(ctx context.Context, channelEP string, payload []byte) error {
	m.mu.RLock()
	tc, ok := m.tcp[channelEP]
	m.mu.RUnlock()

	if !ok {
		dialed, err := m.dialTCP(ctx, channelEP)
		if err != nil {
			return fmt.Errorf("transmit tcp %s: %w: %w", channelEP, ErrConnectFailed, err)
		}
		tc = dialed
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	frame := make([]byte, frameLenPrefix+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[frameLenPrefix:], payload)

	if err := tc.conn.SetWriteDeadline(deadlineFromContext(ctx)); err != nil {
		return fmt.Errorf("transmit tcp %s: set deadline: %w", channelEP, err)
	}
	if _, err := tc.conn.Write(frame); err != nil {
		m.mu.Lock()
		delete(m.tcp, channelEP)
		m.mu.Unlock()
		return fmt.Errorf("transmit tcp %s: %w: %w", channelEP, ErrConnectFailed, err)
	}
	tc.lastUsed = time.Now()
	return nil
}

func (m *Manager) dialTCP(ctx context.Context, channelEP string) (*tcpConn, error) {
	addr := strings.TrimPrefix(channelEP, "tcp://")
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	tc := &tcpConn{conn: conn, lastUsed: time.Now()}
	m.mu.Lock()
	m.tcp[channelEP] = tc
	disp := m.dialDisp
	m.mu.Unlock()

	go m.readFrames(conn, channelEP, disp)
	return tc, nil
}

func deadlineFromContext(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(10 * time.Second)
}

// sweepIdle closes TCP connections unused for longer than m.maxIdle.
// Intended to be called from the router's background timer task.
func (m *Manager) sweepIdle() {
	cutoff := time.Now().Add(-m.maxIdle)

	m.mu.Lock()
	defer m.mu.Unlock()
	for ep, tc := range m.tcp {
		tc.mu.Lock()
		stale := tc.lastUsed.Before(cutoff)
		tc.mu.Unlock()
		if stale {
			tc.conn.Close()
			delete(m.tcp, ep)
		}
	}
}

// SweepIdle is the exported hook the router's background timer calls
// once per BkInterval tick.
func (m *Manager) SweepIdle() { m.sweepIdle() }
