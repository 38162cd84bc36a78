// Package cluster implements distributed leader election and
// replicated member/global properties over the fabric (spec.md §3.5,
// §4.7).
package cluster

// State is a cluster member's lifecycle state.
type State uint8

const (
	StateStopped State = iota
	StateWarmup
	StateElection
	StateMaster
	StateSlave
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateWarmup:
		return "Warmup"
	case StateElection:
		return "Election"
	case StateMaster:
		return "Master"
	case StateSlave:
		return "Slave"
	default:
		return "Unknown"
	}
}

// Event drives the member state machine.
type Event uint8

const (
	EventStart Event = iota
	EventBroadcastObserved
	EventWarmupTimeout
	EventElectionWon
	EventElectionLost
	EventRivalMasterObserved
	EventPreferMasterJoined
	EventMissingMasterTimeout
	EventStop
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "Start"
	case EventBroadcastObserved:
		return "BroadcastObserved"
	case EventWarmupTimeout:
		return "WarmupTimeout"
	case EventElectionWon:
		return "ElectionWon"
	case EventElectionLost:
		return "ElectionLost"
	case EventRivalMasterObserved:
		return "RivalMasterObserved"
	case EventPreferMasterJoined:
		return "PreferMasterJoined"
	case EventMissingMasterTimeout:
		return "MissingMasterTimeout"
	case EventStop:
		return "Stop"
	default:
		return "Unknown"
	}
}

type stateEvent struct {
	state State
	event Event
}

// Result reports the outcome of ApplyEvent, modeled directly on the
// pure (state, event) -> result transition-table pattern the router's
// lifecycle machine also uses.
type Result struct {
	OldState State
	NewState State
	Changed  bool
}

var fsmTable = map[stateEvent]State{
	{StateStopped, EventStart}: StateWarmup,

	{StateWarmup, EventBroadcastObserved}: StateSlave,
	{StateWarmup, EventWarmupTimeout}:     StateElection,
	{StateWarmup, EventStop}:              StateStopped,

	{StateElection, EventElectionWon}:  StateMaster,
	{StateElection, EventElectionLost}: StateSlave,
	{StateElection, EventStop}:          StateStopped,

	{StateMaster, EventRivalMasterObserved}:  StateElection,
	{StateMaster, EventPreferMasterJoined}:   StateElection,
	{StateMaster, EventStop}:                  StateStopped,

	{StateSlave, EventMissingMasterTimeout}: StateElection,
	{StateSlave, EventStop}:                  StateStopped,
}

// ApplyEvent looks up the transition for (state, event) and returns the
// resulting Result. Unlisted transitions leave state unchanged.
func ApplyEvent(current State, event Event) Result {
	next, ok := fsmTable[stateEvent{current, event}]
	if !ok {
		return Result{OldState: current, NewState: current, Changed: false}
	}
	return Result{OldState: current, NewState: next, Changed: next != current}
}
