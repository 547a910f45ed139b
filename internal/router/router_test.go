package router

import (
	"testing"

	"github.com/koriproxy/koriproxy/internal/topology"
)

func newTestStore() *topology.Store {
	s := topology.New()
	s.ApplySnapshot([]topology.BackendInstance{
		{ID: "a", Cluster: "billing", Address: "10.0.0.1:3306", Locality: "us-east", Online: true},
		{ID: "b", Cluster: "billing", Address: "10.0.0.2:3306", Locality: "us-west", Online: true},
		{ID: "c", Cluster: "billing", Address: "10.0.0.3:3306", Locality: "us-east", Online: false},
	}, 1)
	return s
}

func TestResolveByDatabaseRule(t *testing.T) {
	r := New(newTestStore())
	r.AddDatabaseRule("billingdb", "billing")

	cluster, err := r.Resolve("app", "billingdb", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cluster != "billing" {
		t.Fatalf("expected billing, got %s", cluster)
	}
}

func TestResolveClusterHintTakesPriority(t *testing.T) {
	r := New(newTestStore())
	r.AddDatabaseRule("billingdb", "billing")

	cluster, err := r.Resolve("app", "billingdb", "override")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cluster != "override" {
		t.Fatalf("expected override, got %s", cluster)
	}
}

func TestResolveFallsBackToDefault(t *testing.T) {
	r := New(newTestStore())
	r.SetDefaultCluster("fallback")

	cluster, err := r.Resolve("app", "unknown_db", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cluster != "fallback" {
		t.Fatalf("expected fallback, got %s", cluster)
	}
}

func TestResolveErrorsWithNoRuleOrDefault(t *testing.T) {
	r := New(newTestStore())
	if _, err := r.Resolve("app", "unknown_db", ""); err == nil {
		t.Fatal("expected an error when nothing resolves")
	}
}

func TestSelectInstancePrefersLocality(t *testing.T) {
	store := newTestStore()
	r := New(store)

	inst, err := r.SelectInstance("billing", "us-west", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.ID != "b" {
		t.Fatalf("expected locality-matched instance b, got %s", inst.ID)
	}
}

func TestSelectInstanceExcludesOffline(t *testing.T) {
	store := newTestStore()
	r := New(store)

	inst, err := r.SelectInstance("billing", "us-east", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.ID != "a" {
		t.Fatalf("expected online instance a, got %s (offline instance c must be excluded)", inst.ID)
	}
}

func TestSelectInstanceBreaksTiesByLeastOutstandingLeases(t *testing.T) {
	store := newTestStore()
	r := New(store)

	leases := map[string]int{"a": 5, "b": 1}
	inst, err := r.SelectInstance("billing", "", func(id string) int { return leases[id] })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.ID != "b" {
		t.Fatalf("expected least-leased instance b, got %s", inst.ID)
	}
}

func TestSelectInstanceErrorsWhenClusterEmpty(t *testing.T) {
	store := topology.New()
	r := New(store)
	if _, err := r.SelectInstance("missing", "", nil); err == nil {
		t.Fatal("expected an error for an unknown cluster")
	}
}

func TestExtractClusterHintSplitsOnSeparators(t *testing.T) {
	hint, user, ok := ExtractClusterHint("billing..appuser")
	if !ok || hint != "billing" || user != "appuser" {
		t.Fatalf("got hint=%q user=%q ok=%v", hint, user, ok)
	}
	hint, user, ok = ExtractClusterHint("billing__appuser")
	if !ok || hint != "billing" || user != "appuser" {
		t.Fatalf("got hint=%q user=%q ok=%v", hint, user, ok)
	}
	if _, _, ok := ExtractClusterHint("plainuser"); ok {
		t.Fatal("expected no hint to be found")
	}
}
