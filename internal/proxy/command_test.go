package proxy

import (
	"testing"
)

func TestParseChangeUserExtractsUsernameAndDatabase(t *testing.T) {
	body := []byte("app2\x00")
	body = append(body, 0x00) // zero-length auth response
	body = append(body, "otherdb\x00"...)

	username, database, err := parseChangeUser(body)
	if err != nil {
		t.Fatalf("parseChangeUser: %v", err)
	}
	if username != "app2" {
		t.Errorf("expected username app2, got %q", username)
	}
	if database != "otherdb" {
		t.Errorf("expected database otherdb, got %q", database)
	}
}

func TestParseChangeUserWithAuthResponse(t *testing.T) {
	body := []byte("app\x00")
	body = append(body, 0x04)
	body = append(body, []byte{1, 2, 3, 4}...)
	body = append(body, "db\x00"...)

	username, database, err := parseChangeUser(body)
	if err != nil {
		t.Fatalf("parseChangeUser: %v", err)
	}
	if username != "app" || database != "db" {
		t.Fatalf("unexpected parse result: user=%q db=%q", username, database)
	}
}

func TestParseChangeUserMissingUsernameTerminator(t *testing.T) {
	if _, _, err := parseChangeUser([]byte("no-null-here")); err == nil {
		t.Fatal("expected an error for a payload with no username terminator")
	}
}

func TestParseChangeUserTruncatedAfterUsername(t *testing.T) {
	if _, _, err := parseChangeUser([]byte("app\x00")); err == nil {
		t.Fatal("expected an error for a payload truncated after the username")
	}
}

func TestBuildChangeUserErrCarriesSQLState(t *testing.T) {
	pkt := buildChangeUserErr(1045, "28000", "Access denied")
	if pkt[0] != 0xff {
		t.Fatalf("expected ERR marker byte, got 0x%02x", pkt[0])
	}
	if string(pkt[4:9]) != "28000" {
		t.Fatalf("expected sqlstate 28000, got %q", pkt[4:9])
	}
}

func TestComNameCoversKnownOpcodes(t *testing.T) {
	cases := map[byte]string{
		0x0e: "ping",
		0x09: "statistics",
		0x0d: "debug",
		0x0a: "process_info",
		0x17: "stmt_execute",
	}
	for opcode, want := range cases {
		if got := comName(opcode); got != want {
			t.Errorf("comName(0x%02x) = %q, want %q", opcode, got, want)
		}
	}
}
