package channel

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
)

type udpChannel struct {
	conn *net.UDPConn
	mu   sync.Mutex
}

// ListenUDP binds the router's single shared UDP socket and starts its
// receive loop feeding disp. Only one UDP channel exists per Manager,
// matching spec.md §4.3 ("UDP channels share one socket per router").
func (m *Manager) ListenUDP(ctx context.Context, addr string, disp Dispatcher) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", addr, err)
	}

	m.mu.Lock()
	m.udp = &udpChannel{conn: conn}
	m.mu.Unlock()

	go m.readUDP(ctx, conn, disp)
	return nil
}

func (m *Manager) readUDP(ctx context.Context, conn *net.UDPConn, disp Dispatcher) {
	buf := make([]byte, 65535)
	for {
		if ctx.Err() != nil {
			return
		}
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("udp read failed", "error", err)
			continue
		}
		if disp != nil {
			body := make([]byte, n)
			copy(body, buf[:n])
			disp.OnReceive("udp://"+from.String(), body)
		}
	}
}

// LocalUDPAddr returns the bound address of the shared UDP socket, or
// "" if ListenUDP has not been called.
func (m *Manager) LocalUDPAddr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.udp == nil {
		return ""
	}
	return m.udp.conn.LocalAddr().String()
}

// transmitUDP sends payload to channelEP. Per spec.md §4.3, UDP send
// silently succeeds: upper layers detect loss via retries and receipts,
// so only a local socket-level error (not peer unreachability) is
// reported here.
func (m *Manager) transmitUDP(_ context.Context, channelEP string, payload []byte) error {
	if len(payload) > UDPSafeMTU {
		return fmt.Errorf("transmit udp %s: %w", channelEP, ErrPayloadTooLarge)
	}

	m.mu.RLock()
	ch := m.udp
	m.mu.RUnlock()
	if ch == nil {
		return fmt.Errorf("transmit udp %s: %w", channelEP, ErrClosed)
	}

	addr, err := net.ResolveUDPAddr("udp", strings.TrimPrefix(channelEP, "udp://"))
	if err != nil {
		return fmt.Errorf("transmit udp %s: %w", channelEP, err)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, err := ch.conn.WriteToUDP(payload, addr); err != nil {
		// Local send failures (e.g. socket closed) still surface; a
		// remote host merely being unreachable does not produce one.
		return fmt.Errorf("transmit udp %s: %w", channelEP, err)
	}
	return nil
}
