package router

import (
	"context"
	"encoding/binary"
	"strings"
	"time"

	"github.com/lilltek-go/fabric/pkg/endpoint"
	"github.com/lilltek-go/fabric/pkg/envelope"
)

// discoveryLoop periodically advertises this router's physical location
// and logical endpoint set, per spec.md §4.5 ("each router periodically
// announces its physical location and the set of logical endpoints it
// serves").
func (r *Router) discoveryLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.AdvertiseTime)
	defer ticker.Stop()

	r.sendAdvertise(ctx)

	for {
		select {
		case <-ctx.Done():
			r.sendRouterStop(context.Background())
			return nil
		case <-ticker.C:
			r.sendAdvertise(ctx)
		}
	}
}

func (r *Router) sendAdvertise(ctx context.Context) {
	r.mu.RLock()
	eps := make([]string, 0, len(r.logicalEPs))
	for p := range r.logicalEPs {
		eps = append(eps, p)
	}
	if len(eps) > r.cfg.MaxLogicalAdvertiseEPs {
		eps = eps[:r.cfg.MaxLogicalAdvertiseEPs]
	}
	setID := r.logicalSetID
	r.mu.RUnlock()

	eps = r.filterDownlink(eps)

	props := map[string]string{
		"router-ep": r.cfg.RouterEP,
		"set-id":    setID,
		"logical-eps[]": strings.Join(eps, ","),
	}
	env := r.buildControlEnvelope(envelope.TypeRouterAdvertise, props)
	r.broadcastControl(ctx, env)
}

func (r *Router) sendRouterStop(ctx context.Context) {
	env := r.buildControlEnvelope(envelope.TypeRouterStop, map[string]string{"router-ep": r.cfg.RouterEP})
	r.broadcastControl(ctx, env)
}

// HandleAdvertise processes a received RouterAdvertise control message,
// updating the physical and logical route tables. When the sender's
// logical-endpoint-set ID differs from what we have on file, the full
// re-sync is simply "take the advertised set", since every advertise
// already carries the complete (possibly truncated) set.
func (r *Router) HandleAdvertise(fromChannelEP string, props map[string]string) {
	peerEP := props["router-ep"]
	if peerEP == "" {
		return
	}
	setID := props["set-id"]

	if r.cfg.Role == RoleLeaf && !r.cfg.EnableP2P && r.isSiblingLeaf(peerEP) {
		// Without EnableP2P a leaf never learns a direct route to another
		// leaf on the same hub; all inter-leaf traffic relays through the
		// hub instead (spec.md §4.5 "P2P mode").
		return
	}

	if prior, ok := r.routes.LookupPhysical(peerEP); ok && prior.LogicalEndpointSetID == setID {
		r.routes.UpsertPhysical(peerEP, fromChannelEP, setID)
		return
	}

	r.routes.EvictPhysical(peerEP)
	r.routes.UpsertPhysical(peerEP, fromChannelEP, setID)

	patterns := strings.Split(props["logical-eps[]"], ",")
	distance := r.distanceFor(peerEP)
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if !r.passesUplinkFilter(p) {
			continue
		}
		r.routes.UpsertLogical(p, peerEP, distance)
	}
}

// HandleDeadRouter processes a received DeadRouter notice, propagating
// eviction the way a hub propagates downward and a root propagates
// across subnets (spec.md §4.5).
func (r *Router) HandleDeadRouter(props map[string]string) {
	deadEP := props["dead-ep"]
	if deadEP == "" {
		return
	}
	r.routes.EvictPhysical(deadEP)
	if r.onDeadRouter != nil {
		r.onDeadRouter(deadEP, props["dead-set-id"])
	}
}

// isSiblingLeaf reports whether peerEP names another leaf under this
// router's same immediate hub, i.e. the kind of peer that EnableP2P
// gates direct routing to (spec.md §4.5 "P2P mode").
func (r *Router) isSiblingLeaf(peerEP string) bool {
	peer, err := endpoint.Parse(peerEP)
	if err != nil {
		return false
	}
	self, err := endpoint.Parse(r.cfg.RouterEP)
	if err != nil {
		return false
	}
	return endpoint.PhysicalPeer(self, peer)
}

// distanceFor computes the logical-route distance metric for peerEP:
// 0 local, 1 same hub, 2 uplink (spec.md §3.3).
func (r *Router) distanceFor(peerEP string) int {
	peer, err := endpoint.Parse(peerEP)
	if err != nil {
		return 2
	}
	self, err := endpoint.Parse(r.cfg.RouterEP)
	if err != nil {
		return 2
	}
	if endpoint.PhysicalPeer(self, peer) {
		return 1
	}
	if endpoint.PhysicalDescendant(self, peer) || endpoint.PhysicalDescendant(peer, self) {
		return 1
	}
	return 2
}

// filterDownlink applies the hub's DownlinkEP filter: patterns a root
// will accept from this hub (spec.md §4.5 "Uplink / downlink filters").
// Only relevant when this router is a hub advertising to its root.
func (r *Router) filterDownlink(patterns []string) []string {
	if r.cfg.Role != RoleHub || len(r.cfg.DownlinkEP) == 0 {
		return patterns
	}
	return filterPatterns(patterns, r.cfg.DownlinkEP)
}

// passesUplinkFilter applies the root's UplinkEP filter when accepting
// advertisements from hubs.
func (r *Router) passesUplinkFilter(pattern string) bool {
	if r.cfg.Role != RoleRoot || len(r.cfg.UplinkEP) == 0 {
		return true
	}
	return len(filterPatterns([]string{pattern}, r.cfg.UplinkEP)) == 1
}

func filterPatterns(patterns, allow []string) []string {
	var out []string
	for _, p := range patterns {
		pEP, err := endpoint.Parse(p)
		if err != nil {
			continue
		}
		for _, a := range allow {
			aEP, err := endpoint.Parse(a)
			if err != nil {
				continue
			}
			if endpoint.LogicalMatch(pEP, aEP) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// encodePropertyMap serializes a string→string map for control message
// bodies (spec.md §6.3): count(4) then, per entry, keyLen(2) key
// valLen(2) val, all little-endian.
func encodePropertyMap(props map[string]string) []byte {
	var buf []byte
	count := make([]byte, 4)
	binary.LittleEndian.PutUint32(count, uint32(len(props)))
	buf = append(buf, count...)

	for k, v := range props {
		buf = appendLenPrefixed(buf, k)
		buf = appendLenPrefixed(buf, v)
	}
	return buf
}

func appendLenPrefixed(buf []byte, s string) []byte {
	l := make([]byte, 2)
	binary.LittleEndian.PutUint16(l, uint16(len(s)))
	buf = append(buf, l...)
	return append(buf, s...)
}

// decodePropertyMap parses the wire form produced by encodePropertyMap.
func decodePropertyMap(body []byte) map[string]string {
	props := make(map[string]string)
	if len(body) < 4 {
		return props
	}
	count := binary.LittleEndian.Uint32(body[:4])
	off := 4
	for i := uint32(0); i < count && off+2 <= len(body); i++ {
		klen := int(binary.LittleEndian.Uint16(body[off : off+2]))
		off += 2
		if off+klen > len(body) {
			break
		}
		key := string(body[off : off+klen])
		off += klen

		if off+2 > len(body) {
			break
		}
		vlen := int(binary.LittleEndian.Uint16(body[off : off+2]))
		off += 2
		if off+vlen > len(body) {
			break
		}
		val := string(body[off : off+vlen])
		off += vlen

		props[key] = val
	}
	return props
}
