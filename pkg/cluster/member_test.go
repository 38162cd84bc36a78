package cluster

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/lilltek-go/fabric/pkg/envelope"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recordingBroadcaster struct {
	mu   sync.Mutex
	msgs []struct {
		typeID envelope.TypeID
		props  map[string]string
	}
}

func (b *recordingBroadcaster) Broadcast(ctx context.Context, typeID envelope.TypeID, props map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, struct {
		typeID envelope.TypeID
		props  map[string]string
	}{typeID, props})
	return nil
}

func (b *recordingBroadcaster) count(typeID envelope.TypeID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.msgs {
		if m.typeID == typeID {
			n++
		}
	}
	return n
}

func TestGlobalPropsOnlyWritableByMaster(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.InstanceEP = "physical://a"
	m := New(cfg, testLogger(), &recordingBroadcaster{}, Hooks{})

	if m.GlobalSet("Key", "v") {
		t.Fatal("GlobalSet should fail before this instance is Master")
	}

	m.transition(EventStart)
	m.transition(EventWarmupTimeout)
	m.transition(EventElectionWon)
	if m.State() != StateMaster {
		t.Fatalf("state = %v, want Master", m.State())
	}

	if !m.GlobalSet("Key", "v1") {
		t.Fatal("GlobalSet should succeed once Master")
	}
	got, ok := m.GlobalGet("key")
	if !ok || got != "v1" {
		t.Fatalf("GlobalGet(key) = (%q, %v), want (v1, true); keys are case-insensitive", got, ok)
	}
}

func TestHandleClusterStatusAdoptsMasterDuringWarmup(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.InstanceEP = "physical://b"
	var updates []Status
	m := New(cfg, testLogger(), &recordingBroadcaster{}, Hooks{
		ClusterStatusUpdate: func(s Status) { updates = append(updates, s) },
	})
	m.transition(EventStart)
	if m.State() != StateWarmup {
		t.Fatalf("state = %v, want Warmup", m.State())
	}

	props := map[string]string{"master-ep": "physical://a", "members[]": "", "global-props[]": ""}
	m.HandleClusterStatus(props)

	if m.State() != StateSlave {
		t.Fatalf("state = %v, want Slave after observing a master broadcast", m.State())
	}
	if len(updates) != 1 || updates[0].MasterEP != "physical://a" {
		t.Fatalf("ClusterStatusUpdate hook did not fire with master physical://a: %+v", updates)
	}
}

func TestEncodeDecodeMembersRoundTrip(t *testing.T) {
	t.Parallel()

	members := map[string]MemberStatus{
		"physical://a": {EP: "physical://a", Mode: ModeNormal, Properties: map[string]string{"k": "v"}},
		"physical://b": {EP: "physical://b", Mode: ModePreferMaster, Properties: map[string]string{}},
	}
	props := map[string]string{}
	encodeMembers(props, members)
	decoded := decodeMembers(props)

	if len(decoded) != 2 {
		t.Fatalf("decoded %d members, want 2", len(decoded))
	}
	if decoded["physical://a"].Properties["k"] != "v" {
		t.Fatalf("decoded physical://a properties = %+v, want k=v", decoded["physical://a"].Properties)
	}
	if decoded["physical://b"].Mode != ModePreferMaster {
		t.Fatalf("decoded physical://b mode = %v, want PreferMaster", decoded["physical://b"].Mode)
	}
}

func TestModeJSONRoundTrip(t *testing.T) {
	t.Parallel()

	for _, mode := range []Mode{ModeNormal, ModeObserver, ModeMonitor, ModePreferMaster, ModePreferSlave} {
		b, err := json.Marshal(mode)
		if err != nil {
			t.Fatalf("Marshal(%v): unexpected error: %v", mode, err)
		}
		if want := `"` + mode.String() + `"`; string(b) != want {
			t.Fatalf("Marshal(%v) = %s, want %s", mode, b, want)
		}

		var decoded Mode
		if err := json.Unmarshal(b, &decoded); err != nil {
			t.Fatalf("Unmarshal(%s): unexpected error: %v", b, err)
		}
		if decoded != mode {
			t.Fatalf("round-trip mode = %v, want %v", decoded, mode)
		}
	}
}

func TestElectionCallResponseTallies(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.InstanceEP = "physical://a"
	bc := &recordingBroadcaster{}
	m := New(cfg, testLogger(), bc, Hooks{})
	m.transition(EventStart)
	m.transition(EventWarmupTimeout)

	m.startElection(context.Background())
	m.HandleElectionCall("physical://z", map[string]string{"role": "response", "mode": "normal"})

	m.concludeElection(context.Background())
	if m.State() != StateSlave {
		t.Fatalf("state = %v, want Slave (physical://z should win lexically)", m.State())
	}
}
