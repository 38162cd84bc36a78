package cluster

import "testing"

func TestElectionHappyPath(t *testing.T) {
	t.Parallel()

	state := StateStopped
	steps := []struct {
		event Event
		want  State
	}{
		{EventStart, StateWarmup},
		{EventWarmupTimeout, StateElection},
		{EventElectionWon, StateMaster},
		{EventRivalMasterObserved, StateElection},
		{EventElectionLost, StateSlave},
		{EventMissingMasterTimeout, StateElection},
		{EventStop, StateStopped},
	}
	for _, step := range steps {
		res := ApplyEvent(state, step.event)
		if res.NewState != step.want {
			t.Fatalf("ApplyEvent(%v, %v) = %v, want %v", state, step.event, res.NewState, step.want)
		}
		state = res.NewState
	}
}

func TestWarmupAdoptsBroadcastMaster(t *testing.T) {
	t.Parallel()

	res := ApplyEvent(StateWarmup, EventBroadcastObserved)
	if res.NewState != StateSlave {
		t.Fatalf("got %v, want Slave", res.NewState)
	}
}

func TestUnlistedTransitionIsNoOp(t *testing.T) {
	t.Parallel()

	res := ApplyEvent(StateStopped, EventElectionWon)
	if res.Changed {
		t.Fatalf("expected no change, got %v -> %v", res.OldState, res.NewState)
	}
}

func TestElectWinnerPrefersMasterModeThenNormalThenPreferSlave(t *testing.T) {
	t.Parallel()

	candidates := map[string]Mode{
		"physical://z": ModeNormal,
		"physical://a": ModePreferMaster,
		"physical://m": ModeObserver,
	}
	if got := electWinner(candidates); got != "physical://a" {
		t.Fatalf("electWinner = %q, want physical://a (PreferMaster overrides Normal)", got)
	}

	candidates = map[string]Mode{
		"physical://z": ModeNormal,
		"physical://b": ModeNormal,
	}
	if got := electWinner(candidates); got != "physical://z" {
		t.Fatalf("electWinner = %q, want lexically greatest physical://z", got)
	}

	candidates = map[string]Mode{
		"physical://only": ModePreferSlave,
	}
	if got := electWinner(candidates); got != "physical://only" {
		t.Fatalf("electWinner = %q, want physical://only as last resort", got)
	}
}
