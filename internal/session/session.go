// Package session tracks per-connection MySQL session state (schema,
// charset, SQL_MODE, autocommit, user variables, prepared statements)
// and produces a replay script that brings a freshly leased backend
// link into equivalence with a client's expected session.
//
// Grounded on the teacher's SET-statement detection heuristics in
// internal/proxy/mysql_relay.go (the pinned/pinReason switch over
// COM_STMT_PREPARE / COM_SET_OPTION / LOCK-or-explicit-transaction
// query text), generalized from "detect and pin the session" into
// "detect, diff against a target, and replay the difference" per the
// spec's Session State component (§4.C).
package session

import (
	"fmt"
	"sort"
	"strings"
)

// Prepared describes a tracked prepared-statement handle.
type Prepared struct {
	Text       string
	ParamCount int
}

// State is an ordered snapshot of the session-visible MySQL connection
// state that must be reproduced on a leased backend before relaying the
// client's next command.
type State struct {
	Schema        string
	CharsetID     uint8
	CollationID   uint16
	SQLMode       string
	Autocommit    bool
	Isolation     string
	TimeZone      string
	UserVars      map[string]string
	PreparedStmts map[uint32]Prepared
}

// New returns an empty State with autocommit on, matching a fresh MySQL
// connection's defaults.
func New() State {
	return State{
		Autocommit:    true,
		UserVars:      make(map[string]string),
		PreparedStmts: make(map[uint32]Prepared),
	}
}

// Snapshot returns a deep copy of s, safe for a reader to retain past
// further mutation of the original (used when recording "the state a
// pooled link was last synchronized to").
func (s State) Snapshot() State {
	out := s
	out.UserVars = make(map[string]string, len(s.UserVars))
	for k, v := range s.UserVars {
		out.UserVars[k] = v
	}
	out.PreparedStmts = make(map[uint32]Prepared, len(s.PreparedStmts))
	for k, v := range s.PreparedStmts {
		out.PreparedStmts[k] = v
	}
	return out
}

// RegisterPrepare records a prepared-statement handle allocated by a
// COM_STMT_PREPARE response, so it can be replayed against a future
// backend link in the same client session.
func (s *State) RegisterPrepare(id uint32, text string, paramCount int) {
	if s.PreparedStmts == nil {
		s.PreparedStmts = make(map[uint32]Prepared)
	}
	s.PreparedStmts[id] = Prepared{Text: text, ParamCount: paramCount}
}

// ForgetPrepare drops a handle closed via COM_STMT_CLOSE.
func (s *State) ForgetPrepare(id uint32) {
	delete(s.PreparedStmts, id)
}

// ApplySet updates s from a SET statement's text. Recognized forms
// update the corresponding typed field; anything else is stored
// verbatim as a user variable so it still participates in replay.
func (s *State) ApplySet(statement string) {
	if s.UserVars == nil {
		s.UserVars = make(map[string]string)
	}
	stmt := strings.TrimSpace(statement)
	upper := strings.ToUpper(stmt)
	body := strings.TrimSpace(upper[len("SET"):])
	rawBody := strings.TrimSpace(stmt[len("SET"):])

	switch {
	case strings.HasPrefix(body, "AUTOCOMMIT") || strings.HasPrefix(body, "SESSION AUTOCOMMIT") || strings.HasPrefix(body, "@@AUTOCOMMIT") || strings.HasPrefix(body, "@@SESSION.AUTOCOMMIT"):
		val := valueAfterEquals(rawBody)
		s.Autocommit = val == "1" || strings.EqualFold(val, "ON") || strings.EqualFold(val, "TRUE")
	case strings.HasPrefix(body, "NAMES"):
		// SET NAMES charset [COLLATE collation]
		fields := strings.Fields(rawBody)
		if len(fields) >= 2 {
			s.CharsetID = 0 // resolved by the caller from the charset name if needed
			s.UserVars["__names_charset"] = strings.Trim(fields[1], "'\"")
		}
	case strings.HasPrefix(body, "SESSION TRANSACTION ISOLATION LEVEL"), strings.HasPrefix(body, "TRANSACTION ISOLATION LEVEL"):
		idx := strings.LastIndex(upper, "LEVEL")
		s.Isolation = strings.TrimSpace(stmt[idx+len("LEVEL"):])
	case strings.HasPrefix(body, "SESSION SQL_MODE") || strings.HasPrefix(body, "SQL_MODE") || strings.HasPrefix(body, "@@SQL_MODE") || strings.HasPrefix(body, "@@SESSION.SQL_MODE"):
		s.SQLMode = valueAfterEquals(rawBody)
	case strings.HasPrefix(body, "TIME_ZONE") || strings.HasPrefix(body, "@@TIME_ZONE") || strings.HasPrefix(body, "@@SESSION.TIME_ZONE"):
		s.TimeZone = valueAfterEquals(rawBody)
	default:
		// Unknown SET: store the whole statement verbatim, keyed by its
		// own text, so replay re-issues it unprefixed.
		s.UserVars[stmt] = rawBody
	}
}

// SetSchema records a USE statement or CLIENT_CONNECT_WITH_DB database.
func (s *State) SetSchema(schema string) {
	s.Schema = schema
}

func valueAfterEquals(body string) string {
	idx := strings.Index(body, "=")
	if idx < 0 {
		return ""
	}
	return strings.Trim(strings.TrimSpace(body[idx+1:]), "'\"")
}

// ReplayScript is an ordered list of statements safe to execute
// unprefixed on a fresh connection to bring it to an equivalent
// observable state: USE, SET, and PREPARE statements.
type ReplayScript []string

// Diff computes the statements required to bring a connection currently
// in state `from` into the observable equivalent of state `to`. Fields
// equal between from and to emit nothing, making replay of Diff(S0, S0)
// a no-op — the idempotence property required by the spec.
func Diff(from, to State) ReplayScript {
	var script ReplayScript

	if to.Schema != "" && to.Schema != from.Schema {
		script = append(script, fmt.Sprintf("USE `%s`", to.Schema))
	}
	if to.SQLMode != from.SQLMode && to.SQLMode != "" {
		script = append(script, fmt.Sprintf("SET SESSION SQL_MODE = '%s'", to.SQLMode))
	}
	if to.Autocommit != from.Autocommit {
		v := "0"
		if to.Autocommit {
			v = "1"
		}
		script = append(script, fmt.Sprintf("SET autocommit = %s", v))
	}
	if to.Isolation != "" && to.Isolation != from.Isolation {
		script = append(script, fmt.Sprintf("SET SESSION TRANSACTION ISOLATION LEVEL %s", to.Isolation))
	}
	if to.TimeZone != "" && to.TimeZone != from.TimeZone {
		script = append(script, fmt.Sprintf("SET time_zone = '%s'", to.TimeZone))
	}
	if to.CharsetID != from.CharsetID || to.CollationID != from.CollationID || to.UserVars["__names_charset"] != from.UserVars["__names_charset"] {
		if name, ok := to.UserVars["__names_charset"]; ok {
			script = append(script, fmt.Sprintf("SET NAMES %s", name))
		}
	}

	// User variables and verbatim-stored unrecognized SETs: replay any
	// key present in `to` whose value differs (or is absent) in `from`,
	// skipping the internal bookkeeping key used for charset tracking.
	keys := make([]string, 0, len(to.UserVars))
	for k := range to.UserVars {
		if k == "__names_charset" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := to.UserVars[k]
		if from.UserVars[k] == v {
			continue
		}
		if strings.HasPrefix(strings.ToUpper(k), "SET ") {
			// Stored verbatim unrecognized SET: the key is itself the
			// full original statement.
			script = append(script, k)
			continue
		}
		script = append(script, fmt.Sprintf("SET @%s = %s", k, v))
	}

	// Prepared statements present in `to` but not replicated (by text)
	// in `from` must be re-prepared. Iterate in id order for determinism.
	ids := make([]uint32, 0, len(to.PreparedStmts))
	for id := range to.PreparedStmts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		p := to.PreparedStmts[id]
		if existing, ok := from.PreparedStmts[id]; ok && existing.Text == p.Text {
			continue
		}
		script = append(script, fmt.Sprintf("PREPARE %s FROM '%s'", stmtHandleName(id), escapeSingleQuotes(p.Text)))
	}

	return script
}

// stmtHandleName derives a deterministic replay-local name for a
// prepared-statement handle id, since replay happens via textual
// PREPARE rather than the binary COM_STMT_PREPARE protocol.
func stmtHandleName(id uint32) string {
	return fmt.Sprintf("kori_stmt_%d", id)
}

func escapeSingleQuotes(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
