// Package router implements the fabric's core state machine: the
// component owning the route tables, running discovery, advertising,
// dead-router detection, and forwarding (spec.md §4.5).
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lilltek-go/fabric/internal/fault"
	"github.com/lilltek-go/fabric/pkg/channel"
	"github.com/lilltek-go/fabric/pkg/dispatch"
	"github.com/lilltek-go/fabric/pkg/endpoint"
	"github.com/lilltek-go/fabric/pkg/envelope"
	"github.com/lilltek-go/fabric/pkg/route"
)

// Role is one of the three tiers in the fabric's topology (spec.md §4.5).
type Role uint8

const (
	RoleLeaf Role = iota
	RoleHub
	RoleRoot
)

func (r Role) String() string {
	switch r {
	case RoleLeaf:
		return "leaf"
	case RoleHub:
		return "hub"
	case RoleRoot:
		return "root"
	default:
		return "unknown"
	}
}

// DiscoveryMode selects how routers find each other on the LAN.
type DiscoveryMode uint8

const (
	DiscoveryMulticast DiscoveryMode = iota
	DiscoveryUDPBroadcast
)

func (d DiscoveryMode) String() string {
	if d == DiscoveryUDPBroadcast {
		return "UDPBROADCAST"
	}
	return "MULTICAST"
}

// DiscoveryMode reports this router's configured discovery mode, used
// by the admin/metrics surfaces.
func (r *Router) DiscoveryMode() DiscoveryMode { return r.cfg.Discovery }

// Sentinel errors.
var (
	ErrNotRunning   = errors.New("router not running")
	ErrSelfRoute    = errors.New("a router never routes a message to itself unless a local handler matches")
)

// Config carries the construction-time parameters of a Router,
// corresponding to the flat configuration surface in spec.md §6.4.
type Config struct {
	RouterEP      string // canonical physical endpoint for this router
	ParentEP      string // hub's root, or leaf's hub; empty for root
	Role          Role
	Discovery     DiscoveryMode
	MulticastAddr string
	BroadcastPeers []string // well-known UDP-broadcast relay addresses
	EnableP2P     bool

	BkInterval     time.Duration
	AdvertiseTime  time.Duration
	ReceiptDelay   time.Duration
	DeadRouterTTL  time.Duration
	DefMsgTTL      uint8

	MaxLogicalAdvertiseEPs int

	UplinkEP   []string // patterns a root accepts from hubs
	DownlinkEP []string // patterns a hub accepts from a root
}

// DefaultConfig returns the spec's documented interval defaults.
func DefaultConfig() Config {
	return Config{
		BkInterval:             time.Second,
		AdvertiseTime:          5 * time.Second,
		ReceiptDelay:           2 * time.Second,
		DeadRouterTTL:          15 * time.Second,
		DefMsgTTL:              64,
		MaxLogicalAdvertiseEPs: 256,
	}
}

// DeadRouterHook is invoked when a peer is evicted for failing to
// acknowledge a receipt-requested message (spec.md §4.5).
type DeadRouterHook func(deadEP, setID string)

// ClusterMessageHook is invoked for every inbound cluster-control
// envelope (election calls, status broadcasts) so pkg/cluster can
// process them without the router knowing its internal FSM.
type ClusterMessageHook func(fromEP string, typeID envelope.TypeID, props map[string]string)

// SessionReplyHook is offered every envelope addressed to this router
// before it reaches the dispatcher, so pkg/session can claim replies by
// sessionID without the router depending on the session package. It
// reports whether it claimed the envelope; an unclaimed envelope falls
// through to the dispatcher as an ordinary inbound message.
type SessionReplyHook func(env envelope.Envelope) bool

// Router is the fabric's core state machine.
type Router struct {
	cfg    Config
	logger *slog.Logger

	state atomic.Uint32 // router.State

	channels *channel.Manager
	routes   *route.Table
	dispatch *dispatch.Dispatcher
	codec    *envelope.Codec
	abstract *endpoint.Map

	mu              sync.RWMutex
	logicalEPs      map[string]struct{} // patterns this router serves locally
	logicalSetID    string
	onDeadRouter    DeadRouterHook
	onClusterMsg    ClusterMessageHook
	onSessionReply  SessionReplyHook

	pendingReceipts sync.Map // sessionID -> *receiptWait

	cancel context.CancelFunc
	group  *errgroup.Group
}

type receiptWait struct {
	peerEP string
	timer  *time.Timer
}

// New constructs a Router. logger and codec must not be nil.
func New(cfg Config, logger *slog.Logger, codec *envelope.Codec, chMgr *channel.Manager, disp *dispatch.Dispatcher) *Router {
	r := &Router{
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "router"), slog.String("role", cfg.Role.String())),
		channels:   chMgr,
		routes:     route.New(),
		dispatch:   disp,
		codec:      codec,
		abstract:   endpoint.NewMap(),
		logicalEPs: make(map[string]struct{}),
	}
	r.logicalSetID = uuid.NewString()
	r.state.Store(uint32(StateStopped))
	return r
}

// State returns the router's current lifecycle state.
func (r *Router) State() State { return State(r.state.Load()) }

// OnDeadRouterDetected registers the user-supplied hook fired whenever
// a peer is evicted.
func (r *Router) OnDeadRouterDetected(hook DeadRouterHook) { r.onDeadRouter = hook }

// OnClusterMessage registers the hook fired for every inbound cluster
// control message, letting pkg/cluster's Manager consume them without
// the router depending on the cluster package.
func (r *Router) OnClusterMessage(hook ClusterMessageHook) { r.onClusterMsg = hook }

// OnSessionReply registers the hook offered every self-addressed
// envelope before dispatch, letting pkg/session's Manager claim replies
// by sessionID.
func (r *Router) OnSessionReply(hook SessionReplyHook) { r.onSessionReply = hook }

// ReloadAbstractMap replaces the process-wide abstract endpoint map
// wholesale. This is the only mutation path (spec.md §9 Open Question):
// reconfiguration is an explicit call, never a live file-patch.
func (r *Router) ReloadAbstractMap(_ context.Context, entries, vars map[string]string) {
	r.abstract.Reload(entries, vars)
}

// Routes exposes the route table for the admin surface and tests.
func (r *Router) Routes() *route.Table { return r.routes }

// RegisterLogical advertises pattern as served locally by this router,
// bumping the logical-endpoint-set ID so peers know to re-sync.
func (r *Router) RegisterLogical(pattern string) {
	r.mu.Lock()
	r.logicalEPs[pattern] = struct{}{}
	r.logicalSetID = uuid.NewString()
	r.mu.Unlock()
}

func (r *Router) transition(event Event) {
	res := ApplyEvent(r.State(), event)
	if res.Changed {
		r.state.Store(uint32(res.NewState))
		r.logger.Info("state change", "from", res.OldState, "to", res.NewState)
	}
}

// Run starts the router's background tasks (discovery, timer sweep)
// and blocks until ctx is cancelled or Stop is called, at which point
// it drains pending work before returning, per spec.md §4.5's
// "all inbound processing drains before Stopped".
func (r *Router) Run(ctx context.Context) error {
	r.transition(EventStart)

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	g, gctx := errgroup.WithContext(runCtx)
	r.group = g

	r.transition(EventStartupComplete)

	g.Go(func() error { return r.timerLoop(gctx) })
	g.Go(func() error { return r.discoveryLoop(gctx) })

	<-runCtx.Done()
	r.transition(EventStop)

	err := g.Wait()
	r.dispatch.Close()
	r.pendingReceipts.Range(func(key, value any) bool {
		value.(*receiptWait).timer.Stop()
		r.pendingReceipts.Delete(key)
		return true
	})
	r.transition(EventDrainComplete)
	return err
}

// Stop requests graceful shutdown.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Router) timerLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.BkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.channels.SweepIdle()
			r.routes.ReconcileDeadSince(time.Now().Add(-r.cfg.DeadRouterTTL), r.handleDeadRouter)
		}
	}
}

func (r *Router) handleDeadRouter(peerEP, setID string) {
	r.logger.Warn("dead router detected", "peer", peerEP)
	notice := r.buildControlEnvelope(envelope.TypeDeadRouter, map[string]string{
		"dead-ep":     peerEP,
		"dead-set-id": setID,
	})
	r.broadcastControl(context.Background(), notice)
	if r.onDeadRouter != nil {
		r.onDeadRouter(peerEP, setID)
	}
}

// armReceiptTimer starts the ReceiptDelay timer for an envelope sent to
// peerEP with FlagReceiptRequest set. If no matching Receipt arrives
// before the timer fires, peerEP is treated as dead (spec.md §4.5
// "Receipts and dead-router detection").
func (r *Router) armReceiptTimer(peerEP string, sessionID uuid.UUID) {
	timer := time.AfterFunc(r.cfg.ReceiptDelay, func() { r.onReceiptTimeout(peerEP, sessionID) })
	if _, loaded := r.pendingReceipts.LoadOrStore(sessionID, &receiptWait{peerEP: peerEP, timer: timer}); loaded {
		timer.Stop()
	}
}

// onReceiptTimeout fires when a requested Receipt never arrived in time:
// the peer is evicted, a DeadRouter notice goes out, and the
// OnDeadRouterDetected hook fires (spec.md §4.5 (a)-(c)).
func (r *Router) onReceiptTimeout(peerEP string, sessionID uuid.UUID) {
	if _, ok := r.pendingReceipts.LoadAndDelete(sessionID); !ok {
		return
	}
	pr, ok := r.routes.LookupPhysical(peerEP)
	setID := ""
	if ok {
		setID = pr.LogicalEndpointSetID
	}
	r.routes.EvictPhysical(peerEP)
	r.handleDeadRouter(peerEP, setID)
}

// handleReceipt cancels the pending receipt timer for sessionID, if any.
func (r *Router) handleReceipt(sessionID uuid.UUID) {
	if v, ok := r.pendingReceipts.LoadAndDelete(sessionID); ok {
		v.(*receiptWait).timer.Stop()
	}
}

// sendReceipt acknowledges an inbound envelope that requested one,
// replying directly over the channel it arrived on — the one hop split
// horizon (forwardFrom) otherwise never sends back to (spec.md §4.5 step
// 7 "except for receipts").
func (r *Router) sendReceipt(channelEP string, orig envelope.Envelope) {
	receipt := envelope.Envelope{
		TypeID:    envelope.TypeReceipt,
		FromEP:    r.cfg.RouterEP,
		ToEP:      orig.FromEP,
		SessionID: orig.SessionID,
		TTL:       r.cfg.DefMsgTTL,
	}
	wire, err := r.codec.Encode(receipt)
	if err != nil {
		r.logger.Warn("encode receipt failed", "error", err)
		return
	}
	if err := r.channels.Transmit(context.Background(), channelEP, wire); err != nil {
		r.logger.Debug("send receipt failed", "channel", channelEP, "error", err)
	}
}

// SendTo implements the forwarding algorithm of spec.md §4.5.
func (r *Router) SendTo(ctx context.Context, to string, env envelope.Envelope) error {
	toEP, err := endpoint.Parse(to)
	if err != nil {
		return fault.New("router.SendTo", fault.KindMalformedEndpoint, err)
	}

	// 1. Rewrite abstract endpoints via the abstract map.
	if toEP.Kind() == endpoint.KindAbstract {
		resolved, err := r.abstract.Resolve(toEP)
		if err != nil {
			return fault.New("router.SendTo", fault.KindNoRoute, err)
		}
		toEP = resolved
	}

	selfEP, selfErr := endpoint.Parse(r.cfg.RouterEP)

	// 2. If ep is physical and equal to self, dispatch locally.
	if toEP.Kind() == endpoint.KindPhysical && selfErr == nil && endpoint.PhysicalMatch(toEP, selfEP) {
		r.dispatch.Post(ctx, env)
		return nil
	}

	// 3. If ep is logical, resolve via logical routes.
	if toEP.Kind() == endpoint.KindLogical {
		return r.sendLogical(ctx, toEP, env)
	}

	// 4. If ep is physical and we have a physical route, send along it.
	if toEP.Kind() == endpoint.KindPhysical {
		if pr, ok := r.routes.LookupPhysical(toEP.String()); ok {
			return r.transmitEnvelope(ctx, pr.ChannelEP, toEP.String(), env)
		}
	}

	// 5. Else forward upward if we have a parent.
	if r.cfg.ParentEP != "" {
		if pr, ok := r.routes.LookupPhysical(r.cfg.ParentEP); ok {
			return r.transmitEnvelope(ctx, pr.ChannelEP, r.cfg.ParentEP, env)
		}
	}

	return fault.New("router.SendTo", fault.KindNoRoute, fmt.Errorf("no route to %s", to))
}

func (r *Router) sendLogical(ctx context.Context, toEP endpoint.Endpoint, env envelope.Envelope) error {
	if toEP.Broadcast() || env.Flags.Has(envelope.FlagBroadcast) {
		matches := r.routes.Match(toEP)
		if len(matches) == 0 {
			return fault.New("router.sendLogical", fault.KindNoRoute, fmt.Errorf("no route to %s", toEP))
		}
		var firstErr error
		for target := range matches {
			pr, ok := r.routes.LookupPhysical(target)
			if !ok {
				continue
			}
			if err := r.transmitEnvelope(ctx, pr.ChannelEP, target, env); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	target, ok := r.routes.Closest(toEP)
	if !ok {
		return fault.New("router.sendLogical", fault.KindNoRoute, fmt.Errorf("no route to %s", toEP))
	}
	pr, ok := r.routes.LookupPhysical(target)
	if !ok {
		return fault.New("router.sendLogical", fault.KindNoRoute, fmt.Errorf("no route to %s", toEP))
	}
	return r.transmitEnvelope(ctx, pr.ChannelEP, target, env)
}

// transmitEnvelope sends env over channelEP, where peerEP is the
// physical endpoint expected to be reachable there (used only to key the
// receipt timer below; may be "" for sends with no single physical
// target, such as a broadcast-control message).
func (r *Router) transmitEnvelope(ctx context.Context, channelEP, peerEP string, env envelope.Envelope) error {
	// 6. Decrement TTL each hop; drop with a trace if TTL reaches zero.
	if !env.DecrementTTL() {
		r.logger.Debug("dropping envelope, ttl expired", "to", env.ToEP)
		return nil
	}

	wire, err := r.codec.Encode(env)
	if err != nil {
		return fault.New("router.transmitEnvelope", fault.KindTransportFailure, err)
	}
	if err := r.channels.Transmit(ctx, channelEP, wire); err != nil {
		return fault.New("router.transmitEnvelope", fault.KindTransportFailure, err)
	}

	if peerEP != "" && env.TypeID != envelope.TypeReceipt && env.Flags.Has(envelope.FlagReceiptRequest) {
		r.armReceiptTimer(peerEP, env.SessionID)
	}
	return nil
}

// OnReceive implements channel.Dispatcher: inbound bytes off any
// channel are decoded and routed onward.
func (r *Router) OnReceive(channelEP string, body []byte) {
	env, err := r.codec.Decode(body)
	if err != nil {
		r.logger.Debug("dropping undecodable envelope", "channel", channelEP, "error", err)
		return
	}

	if env.Flags.Has(envelope.FlagReceiptRequest) && env.TypeID != envelope.TypeReceipt {
		r.sendReceipt(channelEP, env)
	}

	switch env.TypeID {
	case envelope.TypeRouterAdvertise:
		r.HandleAdvertise(channelEP, decodePropertyMap(env.Body))
		return
	case envelope.TypeDeadRouter:
		r.HandleDeadRouter(decodePropertyMap(env.Body))
		return
	case envelope.TypeRouterStop:
		props := decodePropertyMap(env.Body)
		r.routes.EvictPhysical(props["router-ep"])
		return
	case envelope.TypeReceipt:
		// A session reply (Cancel, Fault) also travels as TypeReceipt but
		// carries FlagNotReceipt; it falls through to the session hook.
		if !env.Flags.Has(envelope.FlagNotReceipt) {
			r.handleReceipt(env.SessionID)
			return
		}
	case envelope.TypeClusterStatus, envelope.TypeElectionCall, envelope.TypeMasterBroadcast, envelope.TypeSlaveStatus:
		if r.onClusterMsg != nil {
			r.onClusterMsg(env.FromEP, env.TypeID, decodePropertyMap(env.Body))
		}
		return
	}

	toEP, err := endpoint.Parse(env.ToEP)
	if err == nil && toEP.Kind() == endpoint.KindPhysical {
		if selfEP, serr := endpoint.Parse(r.cfg.RouterEP); serr == nil && endpoint.PhysicalMatch(toEP, selfEP) {
			if r.onSessionReply != nil && r.onSessionReply(env) {
				return
			}
			r.dispatch.Post(context.Background(), env)
			return
		}
	}

	// Not addressed to us: forward on (step 7, never back to the
	// incoming hop, except receipts).
	if err := r.forwardFrom(context.Background(), channelEP, env); err != nil {
		r.logger.Debug("forward failed", "to", env.ToEP, "error", err)
	}
}

// forwardFrom implements the forwarding algorithm of spec.md §4.5 for an
// envelope not addressed to this router, excluding channelEP (the hop it
// just arrived on) from the candidate target set so it is never sent
// back the way it came. Receipts are exempt per spec.md §4.5 step 7.
func (r *Router) forwardFrom(ctx context.Context, channelEP string, env envelope.Envelope) error {
	if env.TypeID == envelope.TypeReceipt {
		return r.SendTo(ctx, env.ToEP, env)
	}

	toEP, err := endpoint.Parse(env.ToEP)
	if err != nil {
		return fault.New("router.forwardFrom", fault.KindMalformedEndpoint, err)
	}

	if toEP.Kind() == endpoint.KindAbstract {
		resolved, err := r.abstract.Resolve(toEP)
		if err != nil {
			return fault.New("router.forwardFrom", fault.KindNoRoute, err)
		}
		toEP = resolved
	}

	if toEP.Kind() == endpoint.KindLogical {
		return r.sendLogicalExcluding(ctx, toEP, env, channelEP)
	}

	if toEP.Kind() == endpoint.KindPhysical {
		if pr, ok := r.routes.LookupPhysical(toEP.String()); ok && pr.ChannelEP != channelEP {
			return r.transmitEnvelope(ctx, pr.ChannelEP, toEP.String(), env)
		}
	}

	if r.cfg.ParentEP != "" {
		if pr, ok := r.routes.LookupPhysical(r.cfg.ParentEP); ok && pr.ChannelEP != channelEP {
			return r.transmitEnvelope(ctx, pr.ChannelEP, r.cfg.ParentEP, env)
		}
	}

	return fault.New("router.forwardFrom", fault.KindNoRoute, fmt.Errorf("no route to %s excluding incoming hop", toEP))
}

// sendLogicalExcluding mirrors sendLogical but never selects a target
// reachable only via excludeChannelEP.
func (r *Router) sendLogicalExcluding(ctx context.Context, toEP endpoint.Endpoint, env envelope.Envelope, excludeChannelEP string) error {
	matches := r.routes.Match(toEP)
	if len(matches) == 0 {
		return fault.New("router.sendLogical", fault.KindNoRoute, fmt.Errorf("no route to %s", toEP))
	}

	if toEP.Broadcast() || env.Flags.Has(envelope.FlagBroadcast) {
		var firstErr error
		sent := false
		for target := range matches {
			pr, ok := r.routes.LookupPhysical(target)
			if !ok || pr.ChannelEP == excludeChannelEP {
				continue
			}
			sent = true
			if err := r.transmitEnvelope(ctx, pr.ChannelEP, target, env); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if !sent {
			return fault.New("router.sendLogical", fault.KindNoRoute, fmt.Errorf("no route to %s excluding incoming hop", toEP))
		}
		return firstErr
	}

	target, ok := r.closestExcluding(matches, excludeChannelEP)
	if !ok {
		return fault.New("router.sendLogical", fault.KindNoRoute, fmt.Errorf("no route to %s excluding incoming hop", toEP))
	}
	pr, ok := r.routes.LookupPhysical(target)
	if !ok {
		return fault.New("router.sendLogical", fault.KindNoRoute, fmt.Errorf("no route to %s", toEP))
	}
	return r.transmitEnvelope(ctx, pr.ChannelEP, target, env)
}

// closestExcluding picks the lowest-distance target among matches whose
// physical route is not reachable via excludeChannelEP, tie-broken by
// lexical endpoint order (same rule as route.Table.Closest).
func (r *Router) closestExcluding(matches map[string]int, excludeChannelEP string) (string, bool) {
	best := ""
	bestDist := int(^uint(0) >> 1)
	found := false
	for target, dist := range matches {
		pr, ok := r.routes.LookupPhysical(target)
		if !ok || pr.ChannelEP == excludeChannelEP {
			continue
		}
		if !found || dist < bestDist || (dist == bestDist && target < best) {
			best = target
			bestDist = dist
			found = true
		}
	}
	return best, found
}

func (r *Router) buildControlEnvelope(typeID envelope.TypeID, props map[string]string) envelope.Envelope {
	return envelope.Envelope{
		TypeID: typeID,
		FromEP: r.cfg.RouterEP,
		TTL:    r.cfg.DefMsgTTL,
		Body:   encodePropertyMap(props),
	}
}

// Broadcast implements cluster.Broadcaster: it fans a control message
// with the given property map out over the discovery transport, letting
// pkg/cluster reuse the router's own advertise/broadcast path for
// election calls and cluster-status updates.
func (r *Router) Broadcast(ctx context.Context, typeID envelope.TypeID, props map[string]string) error {
	env := r.buildControlEnvelope(typeID, props)
	r.broadcastControl(ctx, env)
	return nil
}

func (r *Router) broadcastControl(ctx context.Context, env envelope.Envelope) {
	wire, err := r.codec.Encode(env)
	if err != nil {
		r.logger.Warn("encode control message failed", "error", err)
		return
	}
	switch r.cfg.Discovery {
	case DiscoveryMulticast:
		_ = r.channels.Transmit(ctx, "mcast://*:0", wire)
	case DiscoveryUDPBroadcast:
		_ = r.channels.BroadcastUDP(ctx, r.cfg.BroadcastPeers, wire)
	}
}
