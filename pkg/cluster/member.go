package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lilltek-go/fabric/pkg/envelope"
)

// Mode biases a member's role in master election (spec.md §3.5, §9).
type Mode uint8

const (
	ModeNormal Mode = iota
	ModeObserver
	ModeMonitor
	ModePreferMaster
	ModePreferSlave
)

func (m Mode) String() string {
	switch m {
	case ModeObserver:
		return "Observer"
	case ModeMonitor:
		return "Monitor"
	case ModePreferMaster:
		return "PreferMaster"
	case ModePreferSlave:
		return "PreferSlave"
	default:
		return "Normal"
	}
}

// MarshalJSON renders a Mode as its name, so the admin HTTP surface
// emits "Normal"/"Observer"/... rather than a bare integer.
func (m Mode) MarshalJSON() ([]byte, error) { return json.Marshal(m.String()) }

// UnmarshalJSON parses a Mode from its name.
func (m *Mode) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "Normal":
		*m = ModeNormal
	case "Observer":
		*m = ModeObserver
	case "Monitor":
		*m = ModeMonitor
	case "PreferMaster":
		*m = ModePreferMaster
	case "PreferSlave":
		*m = ModePreferSlave
	default:
		return fmt.Errorf("unknown cluster member mode %q", s)
	}
	return nil
}

// eligible reports whether a mode may ever become master.
func (m Mode) eligible() bool { return m != ModeObserver && m != ModeMonitor }

// visible reports whether a mode is surfaced in cluster-status snapshots.
func (m Mode) visible() bool { return m != ModeMonitor }

// MemberStatus is one instance's entry in the cluster-wide snapshot
// (spec.md §3.5).
type MemberStatus struct {
	EP         string
	Mode       Mode
	Properties map[string]string
	OnlineTime time.Time
	lastSeen   time.Time
}

// Status is the cluster-wide replicated snapshot a master broadcasts
// and every member observes.
type Status struct {
	MasterEP         string
	Members          map[string]MemberStatus
	GlobalProperties map[string]string
}

// Broadcaster is the outbound hook used to fan cluster control messages
// out over the fabric; in production this is Router's control-message
// broadcast path.
type Broadcaster interface {
	Broadcast(ctx context.Context, typeID envelope.TypeID, props map[string]string) error
}

// Config carries the election timers and this instance's identity
// (spec.md §6.4 "Cluster:" keys).
type Config struct {
	InstanceEP              string
	Mode                    Mode
	MasterBroadcastInterval time.Duration
	SlaveUpdateInterval     time.Duration
	MissingMasterCount      int
	MissingSlaveCount       int
	ElectionInterval        time.Duration
}

// DefaultConfig returns reasonable defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                    ModeNormal,
		MasterBroadcastInterval: 2 * time.Second,
		SlaveUpdateInterval:     2 * time.Second,
		MissingMasterCount:      3,
		MissingSlaveCount:       3,
		ElectionInterval:        time.Second,
	}
}

func (c Config) missingMasterInterval() time.Duration {
	return c.MasterBroadcastInterval * time.Duration(c.MissingMasterCount)
}

func (c Config) missingSlaveInterval() time.Duration {
	return c.SlaveUpdateInterval * time.Duration(c.MissingSlaveCount)
}

// Hooks are the user-observable cluster events (spec.md §4.7).
type Hooks struct {
	StateChange         func(old, new State)
	ClusterStatusUpdate func(Status)
	StatusTransmission  func() map[string]string
	MasterTask          func()
	SlaveTask           func()
}

// Manager runs one instance's membership state machine and holds the
// replicated property stores.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	bcast  Broadcaster
	hooks  Hooks

	state atomic.Uint32

	mu          sync.Mutex
	masterEP    string
	members     map[string]MemberStatus
	globalProps map[string]string
	localProps  map[string]string

	electionMu  sync.Mutex
	electionRSP map[string]Mode

	// lastMasterSeen is read by the Run tick loop and written from
	// HandleClusterStatus, which may run on a different goroutine (a
	// dispatcher worker); stored as UnixNano for a lock-free race-free
	// read/write pair.
	lastMasterSeen atomic.Int64
}

// New constructs a cluster Manager.
func New(cfg Config, logger *slog.Logger, bcast Broadcaster, hooks Hooks) *Manager {
	return &Manager{
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "cluster")),
		bcast:       bcast,
		hooks:       hooks,
		members:     make(map[string]MemberStatus),
		globalProps: make(map[string]string),
		localProps:  make(map[string]string),
		electionRSP: make(map[string]Mode),
	}
}

// State returns the current lifecycle state (lock-free read of the
// owning goroutine's atomic field).
func (m *Manager) State() State { return State(m.state.Load()) }

func (m *Manager) transition(event Event) {
	old := m.State()
	res := ApplyEvent(old, event)
	if !res.Changed {
		return
	}
	m.state.Store(uint32(res.NewState))
	if m.hooks.StateChange != nil {
		m.hooks.StateChange(res.OldState, res.NewState)
	}
}

// tickInterval is the internal polling granularity; all user-visible
// timers (MasterBroadcastInterval, ElectionInterval, ...) are driven
// off wall-clock deadlines checked at this resolution, mirroring the
// router's single BkInterval timer loop (spec.md §5 "Parallel
// scheduling").
const tickInterval = 100 * time.Millisecond

// Run drives the membership state machine until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.transition(EventStart)
	deadline := time.Now().Add(m.cfg.missingMasterInterval())
	lastBroadcast := time.Time{}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.transition(EventStop)
			return nil
		case now := <-ticker.C:
			m.tick(ctx, now, &deadline, &lastBroadcast)
		}
	}
}

func (m *Manager) tick(ctx context.Context, now time.Time, deadline *time.Time, lastBroadcast *time.Time) {
	switch m.State() {
	case StateWarmup:
		if now.After(*deadline) {
			m.transition(EventWarmupTimeout)
			*deadline = now.Add(m.cfg.ElectionInterval)
			m.startElection(ctx)
		}
	case StateElection:
		if now.After(*deadline) {
			m.concludeElection(ctx)
		}
	case StateMaster:
		if lastBroadcast.IsZero() || now.Sub(*lastBroadcast) >= m.cfg.MasterBroadcastInterval {
			*lastBroadcast = now
			m.broadcastStatus(ctx)
			if m.hooks.MasterTask != nil {
				m.hooks.MasterTask()
			}
			m.evictStaleSlaves(now)
		}
	case StateSlave:
		if seen := time.Unix(0, m.lastMasterSeen.Load()); now.Sub(seen) > m.cfg.missingMasterInterval() {
			m.transition(EventMissingMasterTimeout)
			*deadline = now.Add(m.cfg.ElectionInterval)
			m.startElection(ctx)
			return
		}
		if lastBroadcast.IsZero() || now.Sub(*lastBroadcast) >= m.cfg.SlaveUpdateInterval {
			*lastBroadcast = now
			m.broadcastSlaveStatus(ctx)
			if m.hooks.SlaveTask != nil {
				m.hooks.SlaveTask()
			}
		}
	}
}

func (m *Manager) startElection(ctx context.Context) {
	m.electionMu.Lock()
	m.electionRSP = map[string]Mode{m.cfg.InstanceEP: m.cfg.Mode}
	m.electionMu.Unlock()

	props := m.statusProps()
	props["role"] = "call"
	_ = m.bcast.Broadcast(ctx, envelope.TypeElectionCall, props)
}

// HandleElectionCall processes an incoming ElectionCall message: a
// "call" prompts an eligible candidate to announce itself with a
// "response"; a "response" is tallied toward the election result
// (spec.md §4.7).
func (m *Manager) HandleElectionCall(fromEP string, props map[string]string) {
	role := props["role"]
	mode := parseMode(props["mode"])

	if role == "call" {
		if fromEP == m.cfg.InstanceEP || !m.cfg.Mode.eligible() && m.cfg.Mode != ModePreferSlave {
			return
		}
		resp := m.statusProps()
		resp["role"] = "response"
		go func() { _ = m.bcast.Broadcast(context.Background(), envelope.TypeElectionCall, resp) }()
		return
	}

	m.electionMu.Lock()
	m.electionRSP[fromEP] = mode
	m.electionMu.Unlock()
}

// concludeElection picks the winner per spec.md §4.7: among responders,
// the lexically greatest endpoint wins; PreferMaster instances override
// Normal ones; PreferSlave loses to any Normal instance; Observer and
// Monitor never win.
func (m *Manager) concludeElection(ctx context.Context) {
	m.electionMu.Lock()
	candidates := make(map[string]Mode, len(m.electionRSP))
	for ep, mode := range m.electionRSP {
		candidates[ep] = mode
	}
	m.electionMu.Unlock()

	winner := electWinner(candidates)

	if winner == m.cfg.InstanceEP {
		m.transition(EventElectionWon)
		m.mu.Lock()
		m.masterEP = winner
		m.mu.Unlock()
		m.broadcastStatus(ctx)
		return
	}

	m.transition(EventElectionLost)
	m.mu.Lock()
	m.masterEP = winner
	m.mu.Unlock()
	m.lastMasterSeen.Store(time.Now().UnixNano())
}

// electWinner implements the tie-break policy over a candidate set.
func electWinner(candidates map[string]Mode) string {
	var preferMaster, normal, preferSlave []string
	for ep, mode := range candidates {
		if !mode.eligible() {
			continue
		}
		switch mode {
		case ModePreferMaster:
			preferMaster = append(preferMaster, ep)
		case ModePreferSlave:
			preferSlave = append(preferSlave, ep)
		default:
			normal = append(normal, ep)
		}
	}
	pick := func(eps []string) string {
		if len(eps) == 0 {
			return ""
		}
		sort.Strings(eps)
		return eps[len(eps)-1]
	}
	if w := pick(preferMaster); w != "" {
		return w
	}
	if w := pick(normal); w != "" {
		return w
	}
	return pick(preferSlave)
}

func parseMode(s string) Mode {
	switch strings.ToLower(s) {
	case "observer":
		return ModeObserver
	case "monitor":
		return ModeMonitor
	case "prefermaster":
		return ModePreferMaster
	case "preferslave":
		return ModePreferSlave
	default:
		return ModeNormal
	}
}

func (m *Manager) statusProps() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]string{
		"member-ep": m.cfg.InstanceEP,
		"mode":      strings.ToLower(m.cfg.Mode.String()),
	}
}

// broadcastStatus sends the master's periodic cluster-status message:
// master endpoint, member list, and global properties (spec.md §4.7).
func (m *Manager) broadcastStatus(ctx context.Context) {
	if m.hooks.StatusTransmission != nil {
		extra := m.hooks.StatusTransmission()
		m.mu.Lock()
		for k, v := range extra {
			m.localProps[k] = v
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.members[m.cfg.InstanceEP] = MemberStatus{
		EP: m.cfg.InstanceEP, Mode: m.cfg.Mode, Properties: cloneProps(m.localProps), lastSeen: time.Now(),
	}
	members := cloneMembers(m.members)
	globalProps := cloneProps(m.globalProps)
	m.mu.Unlock()

	props := map[string]string{
		"master-ep": m.cfg.InstanceEP,
	}
	encodeMembers(props, members)
	encodeGlobalProps(props, globalProps)
	_ = m.bcast.Broadcast(ctx, envelope.TypeClusterStatus, props)

	if m.hooks.ClusterStatusUpdate != nil {
		m.hooks.ClusterStatusUpdate(Status{MasterEP: m.cfg.InstanceEP, Members: members, GlobalProperties: globalProps})
	}
}

// broadcastSlaveStatus sends this slave's per-member status to the
// cluster (spec.md §4.7 "Slaves reply with a per-member status").
func (m *Manager) broadcastSlaveStatus(ctx context.Context) {
	if m.hooks.StatusTransmission != nil {
		extra := m.hooks.StatusTransmission()
		m.mu.Lock()
		for k, v := range extra {
			m.localProps[k] = v
		}
		m.mu.Unlock()
	}
	props := m.statusProps()
	m.mu.Lock()
	for k, v := range m.localProps {
		props["prop."+k] = v
	}
	m.mu.Unlock()
	_ = m.bcast.Broadcast(ctx, envelope.TypeSlaveStatus, props)
}

// HandleClusterStatus processes a master's periodic broadcast: adopts
// the sender as master if not already known, refreshes the local
// cluster-status mirror, and surfaces ClusterStatusUpdate.
func (m *Manager) HandleClusterStatus(props map[string]string) {
	masterEP := props["master-ep"]
	if masterEP == "" {
		return
	}
	m.lastMasterSeen.Store(time.Now().UnixNano())

	switch m.State() {
	case StateWarmup:
		m.transition(EventBroadcastObserved)
	case StateMaster:
		if masterEP != m.cfg.InstanceEP {
			m.transition(EventRivalMasterObserved)
		}
	}

	members := decodeMembers(props)
	globalProps := decodeGlobalProps(props)

	m.mu.Lock()
	m.masterEP = masterEP
	for ep, st := range members {
		st.lastSeen = time.Now()
		m.members[ep] = st
	}
	for k, v := range globalProps {
		m.globalProps[k] = v
	}
	snapshot := cloneMembers(m.members)
	m.mu.Unlock()

	if m.hooks.ClusterStatusUpdate != nil {
		m.hooks.ClusterStatusUpdate(Status{MasterEP: masterEP, Members: snapshot, GlobalProperties: cloneProps(globalProps)})
	}
}

// HandleSlaveStatus refreshes one slave's entry from its periodic
// per-member status (master side only).
func (m *Manager) HandleSlaveStatus(props map[string]string) {
	ep := props["member-ep"]
	if ep == "" {
		return
	}
	mode := parseMode(props["mode"])
	if !mode.visible() {
		return
	}
	local := map[string]string{}
	for k, v := range props {
		if strings.HasPrefix(k, "prop.") {
			local[strings.TrimPrefix(k, "prop.")] = v
		}
	}
	m.mu.Lock()
	_, known := m.members[ep]
	m.members[ep] = MemberStatus{EP: ep, Mode: mode, Properties: local, lastSeen: time.Now()}
	m.mu.Unlock()

	// A PreferMaster instance joining is the master's own trigger to step
	// down and re-run the election (spec.md §4.7 second Master->Election
	// trigger), mirroring the rival-master check in HandleClusterStatus.
	if !known && ep != m.cfg.InstanceEP && mode == ModePreferMaster && m.State() == StateMaster {
		m.transition(EventPreferMasterJoined)
	}
}

// evictStaleSlaves drops members that have not reported within
// MissingSlaveInterval from the cluster-status snapshot (spec.md §4.7).
func (m *Manager) evictStaleSlaves(now time.Time) {
	cutoff := m.cfg.missingSlaveInterval()
	m.mu.Lock()
	for ep, st := range m.members {
		if ep == m.cfg.InstanceEP {
			continue
		}
		if now.Sub(st.lastSeen) > cutoff {
			delete(m.members, ep)
		}
	}
	m.mu.Unlock()
}

// GlobalSet writes to the master's authoritative global-properties map
// (spec.md §4.7 "a slave's local edits to global properties are
// ignored"): only effective when this instance is Master.
func (m *Manager) GlobalSet(key, value string) bool {
	if m.State() != StateMaster {
		return false
	}
	m.mu.Lock()
	m.globalProps[strings.ToLower(key)] = value
	m.mu.Unlock()
	return true
}

// GlobalGet reads the local mirror of the cluster-wide global
// properties (replicated via the master's broadcasts).
func (m *Manager) GlobalGet(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.globalProps[strings.ToLower(key)]
	return v, ok
}

// GlobalRemove deletes a key from the master's authoritative map.
func (m *Manager) GlobalRemove(key string) bool {
	if m.State() != StateMaster {
		return false
	}
	m.mu.Lock()
	delete(m.globalProps, strings.ToLower(key))
	m.mu.Unlock()
	return true
}

// GlobalClear empties the master's authoritative global map.
func (m *Manager) GlobalClear() bool {
	if m.State() != StateMaster {
		return false
	}
	m.mu.Lock()
	m.globalProps = make(map[string]string)
	m.mu.Unlock()
	return true
}

// Snapshot returns a deep copy of this instance's view of the cluster.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		MasterEP:         m.masterEP,
		Members:          cloneMembers(m.members),
		GlobalProperties: cloneProps(m.globalProps),
	}
}

func cloneProps(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneMembers(m map[string]MemberStatus) map[string]MemberStatus {
	out := make(map[string]MemberStatus, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
