package endpoint_test

import (
	"testing"

	"github.com/lilltek-go/fabric/pkg/endpoint"
)

func TestParseLogicalRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []string{
		"logical://foo/bar",
		"logical://foo/bar?broadcast",
		"logical://Foo/Bar",
	}
	for _, s := range cases {
		ep, err := endpoint.Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): unexpected error: %v", s, err)
		}
		ep2, err := endpoint.Parse(ep.String())
		if err != nil {
			t.Fatalf("Parse(String(%q)): unexpected error: %v", s, err)
		}
		if !ep.Equals(ep2) {
			t.Errorf("Parse(ToString(%q)) = %q, want loose-equal to original", s, ep2)
		}
	}
}

func TestParsePhysical(t *testing.T) {
	t.Parallel()

	ep, err := endpoint.Parse("physical://root.example.com:135/hub0/leaf0?o=abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep.Kind() != endpoint.KindPhysical {
		t.Fatalf("Kind = %v, want Physical", ep.Kind())
	}
	if ep.RootHost() != "root.example.com" || ep.RootPort() != 135 {
		t.Fatalf("RootHost/RootPort = %q/%d, want root.example.com/135", ep.RootHost(), ep.RootPort())
	}
	if got := ep.Segments(); len(got) != 2 || got[0] != "hub0" || got[1] != "leaf0" {
		t.Fatalf("Segments = %v, want [hub0 leaf0]", got)
	}
	if ep.ObjectID() != "abc" {
		t.Fatalf("ObjectID = %q, want abc", ep.ObjectID())
	}
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	cases := []string{
		"ftp://foo",
		"physical://host:notaport/seg",
		"logical://foo?bogus=1",
		"logical:////",
	}
	for _, s := range cases {
		if _, err := endpoint.Parse(s); err == nil {
			t.Errorf("Parse(%q): expected error, got nil", s)
		}
	}
}

func TestLogicalMatch(t *testing.T) {
	t.Parallel()

	cases := []struct {
		a, b string
		want bool
	}{
		{"logical://foo/*", "logical://foo/bar", true},
		{"logical://foo", "logical://bar", false},
		{"logical://foo/bar", "logical://foo/bar", true},
		{"logical://foo/bar", "logical://foo/baz", false},
		{"logical://*", "logical://anything/at/all", true},
	}
	for _, tc := range cases {
		a, err := endpoint.Parse(tc.a)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.a, err)
		}
		b, err := endpoint.Parse(tc.b)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.b, err)
		}
		if got := endpoint.LogicalMatch(a, b); got != tc.want {
			t.Errorf("LogicalMatch(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
		if got := endpoint.LogicalMatch(b, a); got != tc.want {
			t.Errorf("LogicalMatch(%q, %q) (swapped) = %v, want %v", tc.b, tc.a, got, tc.want)
		}
	}
}

func TestCompareVsEquals(t *testing.T) {
	t.Parallel()

	a, err := endpoint.Parse("logical://seg0/seg1?broadcast")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := endpoint.Parse("logical://seg0/seg1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !a.Equals(b) {
		t.Error("Equals: expected true, broadcast flag should be ignored")
	}
	if a.Compare(b) == 0 {
		t.Error("Compare: expected nonzero, broadcast flag should participate")
	}
}

func TestPhysicalDescendantAndPeer(t *testing.T) {
	t.Parallel()

	root, _ := endpoint.Parse("physical://root:135/hub0")
	child, _ := endpoint.Parse("physical://root:135/hub0/leaf0")
	peer, _ := endpoint.Parse("physical://root:135/hub0/leaf1")

	if !endpoint.PhysicalDescendant(root, child) {
		t.Error("expected root to be a descendant ancestor of child")
	}
	if endpoint.PhysicalPeer(root, child) {
		t.Error("root/child should not be peers")
	}
	if !endpoint.PhysicalPeer(child, peer) {
		t.Error("expected leaf0/leaf1 to be peers")
	}
	if endpoint.PhysicalDescendant(child, peer) {
		t.Error("leaf0 should not be a descendant of leaf1")
	}
}

func TestAbstractResolve(t *testing.T) {
	t.Parallel()

	m := endpoint.NewMap()
	m.Reload(map[string]string{
		"svc.catalog": "logical://catalog/$(region)",
	}, map[string]string{"region": "eu"})

	ab, err := endpoint.Parse("abstract://svc.catalog")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resolved, err := m.Resolve(ab)
	if err != nil {
		t.Fatalf("Resolve: unexpected error: %v", err)
	}
	want, _ := endpoint.Parse("logical://catalog/eu")
	if !resolved.Equals(want) {
		t.Errorf("Resolve = %q, want %q", resolved, want)
	}
}

func TestEscapedSegmentRoundTrip(t *testing.T) {
	t.Parallel()

	ep, err := endpoint.Parse("logical://a%2Fb/c")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ep.Segments(); len(got) != 2 || got[0] != "a/b" {
		t.Fatalf("Segments = %v, want [a/b c]", got)
	}
	if _, err := endpoint.Parse(ep.String()); err != nil {
		t.Fatalf("round-trip Parse: unexpected error: %v", err)
	}
}
