package session

import "testing"

func TestApplySetAutocommit(t *testing.T) {
	s := New()
	s.ApplySet("SET autocommit=0")
	if s.Autocommit {
		t.Fatalf("expected autocommit false")
	}
	s.ApplySet("SET SESSION autocommit = 1")
	if !s.Autocommit {
		t.Fatalf("expected autocommit true")
	}
}

func TestApplySetSQLMode(t *testing.T) {
	s := New()
	s.ApplySet("SET SESSION SQL_MODE = 'STRICT_TRANS_TABLES'")
	if s.SQLMode != "STRICT_TRANS_TABLES" {
		t.Fatalf("SQLMode = %q", s.SQLMode)
	}
}

func TestApplySetUnknownStoredVerbatim(t *testing.T) {
	s := New()
	s.ApplySet("SET @my_var = 42")
	if _, ok := s.UserVars["SET @my_var = 42"]; !ok {
		t.Fatalf("expected verbatim statement stored, got %+v", s.UserVars)
	}
}

func TestDiffIdempotence(t *testing.T) {
	// Replaying Diff(S0, S) on an empty S0 should describe exactly the
	// state needed to reach S — and redoing the diff against the result
	// should yield nothing further (observable equivalence reached).
	s0 := New()
	s := New()
	s.SetSchema("appdb")
	s.ApplySet("SET SESSION SQL_MODE = 'STRICT_TRANS_TABLES'")
	s.Autocommit = false
	s.RegisterPrepare(1, "SELECT ? FROM t", 1)

	script := Diff(s0, s)
	if len(script) == 0 {
		t.Fatalf("expected a non-empty replay script")
	}

	// A link already synchronized to s must produce an empty diff
	// against the same target state.
	again := Diff(s, s)
	if len(again) != 0 {
		t.Fatalf("diff against self should be empty, got %v", again)
	}
}

func TestDiffEmptyForEquivalentStates(t *testing.T) {
	a := New()
	a.SetSchema("db1")
	b := New()
	b.SetSchema("db1")

	if got := Diff(a, b); len(got) != 0 {
		t.Fatalf("expected empty diff for equivalent states, got %v", got)
	}
}

func TestForgetPrepareRemovesHandle(t *testing.T) {
	s := New()
	s.RegisterPrepare(5, "SELECT 1", 0)
	s.ForgetPrepare(5)
	if _, ok := s.PreparedStmts[5]; ok {
		t.Fatalf("expected handle 5 to be forgotten")
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	s := New()
	s.UserVars["x"] = "1"
	snap := s.Snapshot()
	s.UserVars["x"] = "2"
	if snap.UserVars["x"] != "1" {
		t.Fatalf("snapshot was mutated by later changes to original")
	}
}
