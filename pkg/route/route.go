// Package route implements the fabric's route tables: physical routes
// (peer endpoint → channel) and logical routes (logical pattern → set
// of physical endpoints with a distance metric), plus reconciliation
// against a freshly observed set (spec.md §3.3).
package route

import (
	"sync"
	"time"

	"github.com/lilltek-go/fabric/pkg/endpoint"
)

// PhysicalRoute is one entry in the physical route table.
type PhysicalRoute struct {
	PeerEP               string // canonical physical endpoint string
	ChannelEP            string
	LastSeen             time.Time
	LogicalEndpointSetID string // UUID bumped when the peer's logical set changes
}

// LogicalRoute is one entry in the logical route table: a pattern
// mapped to the set of physical endpoints currently serving it, each
// tagged with a distance metric (0 local, 1 same hub, 2 uplink).
type LogicalRoute struct {
	Pattern string
	Targets map[string]int // physical endpoint -> distance
}

// Table owns both route tables for one router. Distinct mutexes are
// not used here: both tables are guarded by the same lock since they
// are always reconciled together, matching the "routes" tier of the
// router's fixed lock order (router → routes → sessions → queues).
type Table struct {
	mu       sync.RWMutex
	physical map[string]*PhysicalRoute
	logical  map[string]*LogicalRoute
}

// New constructs an empty route table.
func New() *Table {
	return &Table{
		physical: make(map[string]*PhysicalRoute),
		logical:  make(map[string]*LogicalRoute),
	}
}

// UpsertPhysical creates or refreshes a physical route entry.
func (t *Table) UpsertPhysical(peerEP, channelEP, setID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.physical[peerEP] = &PhysicalRoute{
		PeerEP:               peerEP,
		ChannelEP:            channelEP,
		LastSeen:             time.Now(),
		LogicalEndpointSetID: setID,
	}
}

// EvictPhysical removes a physical route and any logical route targets
// that named it, preserving invariant (b): every logical route entry
// refers to a live physical route.
func (t *Table) EvictPhysical(peerEP string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.physical, peerEP)
	for _, lr := range t.logical {
		delete(lr.Targets, peerEP)
	}
}

// LookupPhysical returns the physical route for peerEP, if present.
func (t *Table) LookupPhysical(peerEP string) (PhysicalRoute, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pr, ok := t.physical[peerEP]
	if !ok {
		return PhysicalRoute{}, false
	}
	return *pr, true
}

// PhysicalCount returns the number of known physical routes.
func (t *Table) PhysicalCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.physical)
}

// UpsertLogical registers peerEP as a target of pattern at the given
// distance. A closer rediscovery (lower distance) overwrites a farther
// one for the same peer.
func (t *Table) UpsertLogical(pattern, peerEP string, distance int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	lr, ok := t.logical[pattern]
	if !ok {
		lr = &LogicalRoute{Pattern: pattern, Targets: make(map[string]int)}
		t.logical[pattern] = lr
	}
	lr.Targets[peerEP] = distance
}

// RemoveLogicalTarget drops peerEP from pattern's target set.
func (t *Table) RemoveLogicalTarget(pattern, peerEP string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if lr, ok := t.logical[pattern]; ok {
		delete(lr.Targets, peerEP)
		if len(lr.Targets) == 0 {
			delete(t.logical, pattern)
		}
	}
}

// Match scans the logical table for every pattern matching toEP,
// returning, for each, the set of target physical endpoints and their
// distance. Used by Router.SendTo to resolve step 3 of forwarding.
func (t *Table) Match(toEP endpoint.Endpoint) map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]int)
	for pattern, lr := range t.logical {
		patternEP, err := endpoint.Parse(pattern)
		if err != nil {
			continue
		}
		if !endpoint.LogicalMatch(patternEP, toEP) {
			continue
		}
		for target, dist := range lr.Targets {
			if cur, ok := out[target]; !ok || dist < cur {
				out[target] = dist
			}
		}
	}
	return out
}

// Closest returns the target with the lowest distance among those
// matching toEP, tie-broken by lexical endpoint order (spec.md §4.5
// step 3 "pick one with the lowest distance metric; tie-broken
// deterministically by lexical endpoint order").
func (t *Table) Closest(toEP endpoint.Endpoint) (string, bool) {
	matches := t.Match(toEP)
	if len(matches) == 0 {
		return "", false
	}

	best := ""
	bestDist := int(^uint(0) >> 1)
	for target, dist := range matches {
		if dist < bestDist || (dist == bestDist && target < best) {
			best = target
			bestDist = dist
		}
	}
	return best, true
}

// Snapshot is a point-in-time copy of both tables, used by the admin
// surface and by tests.
type Snapshot struct {
	Physical []PhysicalRoute
	Logical  []LogicalRoute
}

// Snapshot returns a deep copy of the current route tables.
func (t *Table) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := Snapshot{}
	for _, pr := range t.physical {
		snap.Physical = append(snap.Physical, *pr)
	}
	for _, lr := range t.logical {
		targets := make(map[string]int, len(lr.Targets))
		for k, v := range lr.Targets {
			targets[k] = v
		}
		snap.Logical = append(snap.Logical, LogicalRoute{Pattern: lr.Pattern, Targets: targets})
	}
	return snap
}

// ReconcileDeadSince evicts every physical route whose LastSeen is
// older than cutoff, invoking onDead for each evicted peer so the
// router can emit the DeadRouter broadcast and hook (spec.md §4.5
// "Receipts and dead-router detection").
func (t *Table) ReconcileDeadSince(cutoff time.Time, onDead func(peerEP, setID string)) {
	t.mu.Lock()
	var dead []PhysicalRoute
	for ep, pr := range t.physical {
		if pr.LastSeen.Before(cutoff) {
			dead = append(dead, *pr)
			delete(t.physical, ep)
		}
	}
	for _, lr := range t.logical {
		for _, d := range dead {
			delete(lr.Targets, d.PeerEP)
		}
	}
	t.mu.Unlock()

	for _, d := range dead {
		if onDead != nil {
			onDead(d.PeerEP, d.LogicalEndpointSetID)
		}
	}
}
