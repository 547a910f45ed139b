package codec

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/koriproxy/koriproxy/internal/proxyerr"
)

func TestRoundTripSimplePacket(t *testing.T) {
	var buf bytes.Buffer
	w := New()
	if err := w.WritePacket(&buf, []byte("SELECT 1")); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	r := New()
	seq, payload, err := r.ReadPacket(&buf)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if seq != 0 {
		t.Errorf("seq = %d, want 0", seq)
	}
	if string(payload) != "SELECT 1" {
		t.Errorf("payload = %q, want %q", payload, "SELECT 1")
	}
}

func TestMultiPacketContinuation(t *testing.T) {
	// A payload exactly MaxPayloadPerPacket long plus a short tail must
	// be reassembled into one logical message (spec scenario 5).
	payload := bytes.Repeat([]byte(" "), MaxPayloadPerPacket)
	payload = append(payload, []byte("SELECT 1;")...)

	var buf bytes.Buffer
	w := New()
	if err := w.WritePacket(&buf, payload); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	r := New()
	_, got, err := r.ReadPacket(&buf)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("reassembled payload mismatch: got %d bytes, want %d bytes", len(got), len(payload))
	}
}

func TestExactChunkBoundaryEmitsEmptyTerminator(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), MaxPayloadPerPacket)

	var buf bytes.Buffer
	w := New()
	if err := w.WritePacket(&buf, payload); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	r := New()
	_, got, err := r.ReadPacket(&buf)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(payload))
	}
}

func TestSequenceGapIsProtocolDesync(t *testing.T) {
	var buf bytes.Buffer
	// Two chunks at MaxPayloadPerPacket so the reader expects a
	// continuation, but we forge a gap in the second header's sequence.
	chunk := bytes.Repeat([]byte("a"), MaxPayloadPerPacket)
	hdr := make([]byte, 4)
	PutUint24(hdr, len(chunk))
	hdr[3] = 0
	buf.Write(hdr)
	buf.Write(chunk)

	hdr2 := make([]byte, 4)
	PutUint24(hdr2, 1)
	hdr2[3] = 5 // should have been 1
	buf.Write(hdr2)
	buf.WriteByte('z')

	r := New()
	_, _, err := r.ReadPacket(&buf)
	if !errors.Is(err, proxyerr.ErrProtocolDesync) {
		t.Fatalf("err = %v, want ErrProtocolDesync", err)
	}
}

func TestOverlongPayloadRejected(t *testing.T) {
	r := NewWithMax(16)
	var buf bytes.Buffer
	hdr := make([]byte, 4)
	PutUint24(hdr, 32)
	buf.Write(hdr)
	buf.Write(bytes.Repeat([]byte("q"), 32))

	_, _, err := r.ReadPacket(&buf)
	if !errors.Is(err, proxyerr.ErrOverlong) {
		t.Fatalf("err = %v, want ErrOverlong", err)
	}
}

func TestIoErrorOnShortRead(t *testing.T) {
	r := New()
	_, _, err := r.ReadPacket(bytes.NewReader([]byte{0x01, 0x00}))
	if !errors.Is(err, proxyerr.ErrIo) {
		t.Fatalf("err = %v, want ErrIo", err)
	}
}

// TestRoundTripProperty exercises the spec's property-based invariant:
// for arbitrary payload sizes, decode(encode(payload)) reproduces the
// original bytes.
func TestRoundTripProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	sizes := []int{0, 1, 200, 65535, MaxPayloadPerPacket - 1, MaxPayloadPerPacket, MaxPayloadPerPacket + 100}

	for _, size := range sizes {
		payload := make([]byte, size)
		rng.Read(payload)

		var buf bytes.Buffer
		w := NewWithMax(0) // disable cap for this property check
		if err := w.WritePacket(&buf, payload); err != nil {
			t.Fatalf("size %d: WritePacket: %v", size, err)
		}

		r := NewWithMax(0)
		_, got, err := r.ReadPacket(&buf)
		if err != nil {
			t.Fatalf("size %d: ReadPacket: %v", size, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("size %d: round trip mismatch", size)
		}
	}
}

func TestResetSequence(t *testing.T) {
	var buf bytes.Buffer
	w := New()
	w.WritePacket(&buf, []byte("a"))
	w.WritePacket(&buf, []byte("b"))
	if w.Seq() != 2 {
		t.Fatalf("seq = %d, want 2", w.Seq())
	}
	w.ResetSequence()
	if w.Seq() != 0 {
		t.Fatalf("seq after reset = %d, want 0", w.Seq())
	}
}

func TestReadPacketEOF(t *testing.T) {
	r := New()
	_, _, err := r.ReadPacket(bytes.NewReader(nil))
	if !errors.Is(err, proxyerr.ErrIo) {
		t.Fatalf("err = %v, want ErrIo wrapping EOF", err)
	}
}
