package wire

import (
	"bytes"
	"testing"

	"github.com/koriproxy/koriproxy/internal/codec"
)

func writePacket(t *testing.T, buf *bytes.Buffer, seq byte, payload []byte) {
	t.Helper()
	hdr := []byte{byte(len(payload)), byte(len(payload) >> 8), byte(len(payload) >> 16), seq}
	buf.Write(hdr)
	buf.Write(payload)
}

func TestRelayResponseOKBoundary(t *testing.T) {
	src := &bytes.Buffer{}
	writePacket(t, src, 1, []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00})
	dst := &bytes.Buffer{}

	atBoundary, err := RelayResponse(codec.New(), dst, src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !atBoundary {
		t.Fatal("expected OK with autocommit status to be a boundary")
	}
}

func TestRelayResponseInTransactionNotBoundary(t *testing.T) {
	src := &bytes.Buffer{}
	// OK packet with SERVER_STATUS_IN_TRANS set.
	writePacket(t, src, 1, []byte{0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00})
	dst := &bytes.Buffer{}

	atBoundary, err := RelayResponse(codec.New(), dst, src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atBoundary {
		t.Fatal("expected IN_TRANS status to not be a boundary")
	}
}

func TestRelayResponseErrIsAlwaysBoundary(t *testing.T) {
	src := &bytes.Buffer{}
	writePacket(t, src, 1, []byte{0xff, 0x15, 0x04, '#', '4', '2', '0', '0', '0', 'b', 'o', 'o', 'm'})
	dst := &bytes.Buffer{}

	atBoundary, err := RelayResponse(codec.New(), dst, src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !atBoundary {
		t.Fatal("expected ERR_Packet to be a boundary")
	}
}

func TestRelayResponseMoreResultsContinues(t *testing.T) {
	src := &bytes.Buffer{}
	// First OK with SERVER_MORE_RESULTS_EXISTS (0x0008) plus autocommit (0x0002).
	writePacket(t, src, 1, []byte{0x00, 0x00, 0x00, 0x0a, 0x00, 0x00, 0x00})
	// Final OK with only autocommit set.
	writePacket(t, src, 2, []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00})
	dst := &bytes.Buffer{}

	atBoundary, err := RelayResponse(codec.New(), dst, src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !atBoundary {
		t.Fatal("expected second OK to terminate at a boundary")
	}
}

func TestDrainUntilTerminalSurfacesError(t *testing.T) {
	src := &bytes.Buffer{}
	writePacket(t, src, 1, []byte{0xff, 0x19, 0x04, '#', '4', '2', 'S', '0', '2', 'n', 'o', ' ', 't', 'a', 'b', 'l', 'e'})

	err := DrainUntilTerminal(codec.New(), src)
	if err == nil {
		t.Fatal("expected an error from an ERR_Packet")
	}
}
