package channel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/ipv4"
)

type multicastChannel struct {
	conn      *net.UDPConn
	pconn     *ipv4.PacketConn
	group     *net.UDPAddr
	mu        sync.Mutex
	loopback  bool
}

// JoinMulticast joins the configured multicast group on iface (empty
// for the default interface) and, if loopback is true, also enables
// same-host receive for tests (spec.md §4.3 "loopback-receive mode for
// same-host tests"). Multicast/UDP-broadcast is outbound-only fan-out
// from the fabric's perspective; this receive path exists purely so a
// router can observe its own peers' advertisements during discovery.
func (m *Manager) JoinMulticast(ctx context.Context, groupAddr string, iface *net.Interface, loopback bool, disp Dispatcher) error {
	addr, err := net.ResolveUDPAddr("udp4", groupAddr)
	if err != nil {
		return fmt.Errorf("join multicast %s: %w", groupAddr, err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: addr.Port})
	if err != nil {
		return fmt.Errorf("join multicast %s: %w", groupAddr, err)
	}

	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.JoinGroup(iface, addr); err != nil {
		conn.Close()
		return fmt.Errorf("join multicast group %s: %w", groupAddr, err)
	}
	if err := pconn.SetMulticastLoopback(loopback); err != nil {
		conn.Close()
		return fmt.Errorf("set multicast loopback %s: %w", groupAddr, err)
	}

	mc := &multicastChannel{conn: conn, pconn: pconn, group: addr, loopback: loopback}

	m.mu.Lock()
	m.mcast = mc
	m.mu.Unlock()

	go m.readMulticast(ctx, conn, disp)
	return nil
}

func (m *Manager) readMulticast(ctx context.Context, conn *net.UDPConn, disp Dispatcher) {
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
			m.logger.Warn("multicast read failed", "error", err)
			continue
		}
		if disp != nil {
			body := make([]byte, n)
			copy(body, buf[:n])
			disp.OnReceive("mcast://"+from.String(), body)
		}
	}
}

// transmitMulticast fans payload out to the joined group. channelEP is
// expected in canonical mcast://*:port form; the actual destination is
// the group address recorded at JoinMulticast time.
func (m *Manager) transmitMulticast(_ context.Context, channelEP string, payload []byte) error {
	if len(payload) > UDPSafeMTU {
		return fmt.Errorf("transmit multicast %s: %w", channelEP, ErrPayloadTooLarge)
	}

	m.mu.RLock()
	mc := m.mcast
	m.mu.RUnlock()
	if mc == nil {
		return fmt.Errorf("transmit multicast %s: %w", channelEP, ErrClosed)
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()
	if _, err := mc.conn.WriteToUDP(payload, mc.group); err != nil {
		return fmt.Errorf("transmit multicast %s: %w", channelEP, err)
	}
	return nil
}

// BroadcastUDP fans payload out to every address in peers via plain
// UDP unicast datagrams — the "UDP-broadcast" discovery mode used when
// multicast is unavailable on the LAN (spec.md §4.5).
func (m *Manager) BroadcastUDP(ctx context.Context, peers []string, payload []byte) error {
	var firstErr error
	for _, p := range peers {
		if err := m.transmitUDP(ctx, p, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ParseHostPort splits a host:port channel address for callers that
// need the numeric port (e.g. building the canonical mcast string).
func ParseHostPort(hostPort string) (host string, port int, err error) {
	h, p, err := net.SplitHostPort(strings.TrimPrefix(hostPort, "udp://"))
	if err != nil {
		return "", 0, err
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, err
	}
	return h, n, nil
}
