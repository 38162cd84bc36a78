package admin_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lilltek-go/fabric/internal/admin"
	"github.com/lilltek-go/fabric/pkg/cluster"
	"github.com/lilltek-go/fabric/pkg/queue"
	"github.com/lilltek-go/fabric/pkg/route"
	"github.com/lilltek-go/fabric/pkg/router"
	"github.com/lilltek-go/fabric/pkg/session"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeRouter struct {
	state  router.State
	routes *route.Table
}

func (f fakeRouter) State() router.State  { return f.state }
func (f fakeRouter) Routes() *route.Table { return f.routes }

func TestStatusEndpointReportsRouterState(t *testing.T) {
	t.Parallel()

	s := &admin.Server{Logger: testLogger(), Router: fakeRouter{state: router.StateRunning, routes: route.New()}}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["router_state"] != router.StateRunning.String() {
		t.Errorf("router_state = %q, want %q", body["router_state"], router.StateRunning.String())
	}
}

func TestStatusEndpointWithoutRouterStillResponds(t *testing.T) {
	t.Parallel()

	s := &admin.Server{Logger: testLogger()}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestRoutesEndpointReturnsSnapshot(t *testing.T) {
	t.Parallel()

	tbl := route.New()
	tbl.UpsertPhysical("physical://root:135/hub0", "udp://10.0.0.1:4500", "set-1")

	s := &admin.Server{Logger: testLogger(), Router: fakeRouter{state: router.StateRunning, routes: tbl}}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/routes")
	if err != nil {
		t.Fatalf("GET /routes: %v", err)
	}
	defer resp.Body.Close()

	var snap route.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Physical) != 1 {
		t.Fatalf("physical routes = %d, want 1", len(snap.Physical))
	}
}

type fakeSessions struct{ summaries []session.PendingSummary }

func (f fakeSessions) Snapshot() []session.PendingSummary { return f.summaries }

func TestSessionsEndpointReturnsPending(t *testing.T) {
	t.Parallel()

	s := &admin.Server{Logger: testLogger(), Sessions: fakeSessions{summaries: []session.PendingSummary{
		{TargetEP: "physical://root:135/hub0"},
	}}}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/sessions")
	if err != nil {
		t.Fatalf("GET /sessions: %v", err)
	}
	defer resp.Body.Close()

	var got []session.PendingSummary
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].TargetEP != "physical://root:135/hub0" {
		t.Fatalf("sessions = %+v, want one pending session", got)
	}
}

type fakeCluster struct {
	state  cluster.State
	status cluster.Status
}

func (f fakeCluster) State() cluster.State    { return f.state }
func (f fakeCluster) Snapshot() cluster.Status { return f.status }

func TestClusterEndpointReportsDisabledWhenNil(t *testing.T) {
	t.Parallel()

	s := &admin.Server{Logger: testLogger()}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/cluster")
	if err != nil {
		t.Fatalf("GET /cluster: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["state"] != "disabled" {
		t.Errorf("state = %v, want disabled", body["state"])
	}
}

func TestQueuesEndpointReportsDepth(t *testing.T) {
	t.Parallel()

	q := queue.NewQueue("queue://orders", nil)
	c := queue.NewClient(q)
	c.EnqueueTo([]byte("m"), queue.PriorityHigh, time.Time{})

	s := &admin.Server{Logger: testLogger(), Queues: fakeQueues{queues: []*queue.Queue{q}}}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/queues")
	if err != nil {
		t.Fatalf("GET /queues: %v", err)
	}
	defer resp.Body.Close()

	var got []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("queues = %d, want 1", len(got))
	}
	if got[0]["ep"] != "queue://orders" {
		t.Errorf("ep = %v, want queue://orders", got[0]["ep"])
	}
	if got[0]["depth"] != float64(1) {
		t.Errorf("depth = %v, want 1", got[0]["depth"])
	}
}

type fakeQueues struct{ queues []*queue.Queue }

func (f fakeQueues) Queues() []*queue.Queue { return f.queues }

func TestMetricsEndpointIsExposed(t *testing.T) {
	t.Parallel()

	s := &admin.Server{Logger: testLogger()}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
