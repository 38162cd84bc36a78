package route_test

import (
	"testing"
	"time"

	"github.com/lilltek-go/fabric/pkg/endpoint"
	"github.com/lilltek-go/fabric/pkg/route"
)

func TestUpsertAndLookupPhysical(t *testing.T) {
	t.Parallel()

	tbl := route.New()
	tbl.UpsertPhysical("physical://root/hub0/leaf0", "tcp://10.0.0.1:9000", "set-1")

	pr, ok := tbl.LookupPhysical("physical://root/hub0/leaf0")
	if !ok {
		t.Fatal("expected physical route to be found")
	}
	if pr.ChannelEP != "tcp://10.0.0.1:9000" {
		t.Fatalf("ChannelEP = %q, want tcp://10.0.0.1:9000", pr.ChannelEP)
	}
	if tbl.PhysicalCount() != 1 {
		t.Fatalf("PhysicalCount = %d, want 1", tbl.PhysicalCount())
	}
}

func TestEvictPhysicalRemovesLogicalTargets(t *testing.T) {
	t.Parallel()

	tbl := route.New()
	tbl.UpsertPhysical("physical://root/hub0/leaf0", "tcp://10.0.0.1:9000", "set-1")
	tbl.UpsertLogical("logical://catalog/*", "physical://root/hub0/leaf0", 0)

	toEP, _ := endpoint.Parse("logical://catalog/lookup")
	if _, ok := tbl.Closest(toEP); !ok {
		t.Fatal("expected a logical match before eviction")
	}

	tbl.EvictPhysical("physical://root/hub0/leaf0")

	if _, ok := tbl.Closest(toEP); ok {
		t.Fatal("expected no logical match after evicting the only physical route")
	}
}

func TestClosestPrefersLowerDistanceThenLexicalOrder(t *testing.T) {
	t.Parallel()

	tbl := route.New()
	tbl.UpsertLogical("logical://svc/*", "physical://root/hub0/a", 1)
	tbl.UpsertLogical("logical://svc/*", "physical://root/hub0/b", 0)
	tbl.UpsertLogical("logical://svc/*", "physical://root/hub0/c", 0)

	toEP, _ := endpoint.Parse("logical://svc/lookup")
	best, ok := tbl.Closest(toEP)
	if !ok {
		t.Fatal("expected a match")
	}
	if best != "physical://root/hub0/b" {
		t.Fatalf("Closest = %q, want physical://root/hub0/b (lowest distance, lexically first)", best)
	}
}

func TestReconcileDeadSinceEvictsStaleRoutes(t *testing.T) {
	t.Parallel()

	tbl := route.New()
	tbl.UpsertPhysical("physical://root/hub0/leaf0", "tcp://10.0.0.1:9000", "set-1")

	var evicted []string
	tbl.ReconcileDeadSince(time.Now().Add(time.Hour), func(peerEP, _ string) {
		evicted = append(evicted, peerEP)
	})

	if len(evicted) != 1 || evicted[0] != "physical://root/hub0/leaf0" {
		t.Fatalf("evicted = %v, want [physical://root/hub0/leaf0]", evicted)
	}
	if tbl.PhysicalCount() != 0 {
		t.Fatalf("PhysicalCount = %d, want 0", tbl.PhysicalCount())
	}
}
