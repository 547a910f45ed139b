// Package codec frames and reassembles MySQL client/server protocol
// packets: a 3-byte little-endian length, a 1-byte sequence number, and
// the payload. Payloads longer than 2^24-2 bytes are split across
// multiple wire packets on write and reassembled on read.
//
// Grounded on the teacher's readMySQLPacket/writeMySQLPacket helpers
// (internal/proxy/mysql.go) and readMySQLPoolPacket/writeMySQLPoolPacket
// (internal/pool/pool.go), generalized into a stateful per-direction
// type that tracks sequence numbers and reassembles continuation packets,
// which none of the teacher's free functions did.
package codec

import (
	"fmt"
	"io"

	"github.com/koriproxy/koriproxy/internal/proxyerr"
)

// MaxPayloadPerPacket is the largest payload a single wire packet may
// carry (2^24 - 1). A payload of exactly this length signals that more
// packets follow as part of the same logical message.
const MaxPayloadPerPacket = 1<<24 - 1

// DefaultMaxLogicalPayload is the default cap on the aggregate size of a
// reassembled logical payload (16 MiB), per the spec's Packet Codec design.
const DefaultMaxLogicalPayload = 16 * 1024 * 1024

// Codec owns the sequence-number state for one direction (client->proxy
// or proxy->backend, etc.) of one connection. It is not safe for
// concurrent use — each direction of each connection owns its own Codec.
type Codec struct {
	seq    uint8
	maxLen int
}

// New creates a Codec with the default 16 MiB logical-payload cap.
func New() *Codec {
	return &Codec{maxLen: DefaultMaxLogicalPayload}
}

// NewWithMax creates a Codec with a custom logical-payload cap.
func NewWithMax(maxLen int) *Codec {
	return &Codec{maxLen: maxLen}
}

// ResetSequence resets the sequence counter to 0. The higher layer calls
// this at command boundaries — the client resets to 0 on every new
// command, and the server's first reply of that command starts at 1.
func (c *Codec) ResetSequence() {
	c.seq = 0
}

// Seq returns the next sequence number that will be used.
func (c *Codec) Seq() uint8 {
	return c.seq
}

// SetSeq forces the next sequence number, e.g. after forwarding a raw
// packet whose sequence number was dictated by the peer.
func (c *Codec) SetSeq(seq uint8) {
	c.seq = seq
}

// ReadPacket reads one logical payload, reassembling continuation
// packets. It returns the sequence number of the first wire packet and
// the concatenated payload. Sequence numbers must be contiguous (mod
// 256); a gap yields ErrProtocolDesync. An aggregate payload exceeding
// the configured maximum yields ErrOverlong.
func (c *Codec) ReadPacket(r io.Reader) (seq uint8, payload []byte, err error) {
	var out []byte
	first := true

	for {
		hdr := make([]byte, 4)
		if _, err := io.ReadFull(r, hdr); err != nil {
			return 0, nil, fmt.Errorf("%w: reading packet header: %v", proxyerr.ErrIo, err)
		}

		length := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
		wireSeq := hdr[3]

		if first {
			seq = wireSeq
		} else if wireSeq != c.seq {
			return 0, nil, fmt.Errorf("%w: expected seq %d, got %d", proxyerr.ErrProtocolDesync, c.seq, wireSeq)
		}
		c.seq = wireSeq + 1

		chunk := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(r, chunk); err != nil {
				return 0, nil, fmt.Errorf("%w: reading packet payload: %v", proxyerr.ErrIo, err)
			}
		}
		out = append(out, chunk...)

		if c.maxLen > 0 && len(out) > c.maxLen {
			return 0, nil, fmt.Errorf("%w: aggregate payload %d exceeds max %d", proxyerr.ErrOverlong, len(out), c.maxLen)
		}

		first = false

		// A packet shorter than the max-per-packet size (including
		// zero-length) terminates the logical message.
		if length < MaxPayloadPerPacket {
			return seq, out, nil
		}
	}
}

// WritePacket writes one logical payload, splitting it into
// MaxPayloadPerPacket-sized wire packets followed by a short (possibly
// empty) tail packet when the payload is an exact multiple of the chunk
// size. The Codec's own sequence counter is used and advanced.
func (c *Codec) WritePacket(w io.Writer, payload []byte) error {
	offset := 0
	for {
		end := offset + MaxPayloadPerPacket
		last := false
		if end >= len(payload) {
			end = len(payload)
			last = true
		}
		chunk := payload[offset:end]
		if err := c.writeOne(w, chunk); err != nil {
			return err
		}
		offset = end
		if last {
			// If the final chunk was exactly MaxPayloadPerPacket bytes,
			// a zero-length terminator packet is required so the reader
			// knows the message ended.
			if len(chunk) == MaxPayloadPerPacket {
				if err := c.writeOne(w, nil); err != nil {
					return err
				}
			}
			return nil
		}
	}
}

func (c *Codec) writeOne(w io.Writer, payload []byte) error {
	hdr := make([]byte, 4)
	length := len(payload)
	hdr[0] = byte(length)
	hdr[1] = byte(length >> 8)
	hdr[2] = byte(length >> 16)
	hdr[3] = c.seq
	c.seq++

	buf := make([]byte, 4+len(payload))
	copy(buf, hdr)
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	if err != nil {
		return fmt.Errorf("%w: writing packet: %v", proxyerr.ErrIo, err)
	}
	return nil
}

// PutUint24 writes a 24-bit little-endian length into buf[0:3]. Exposed
// for callers building raw packets (e.g. the Auth Engine forwarding a
// handshake packet it has otherwise fully parsed).
func PutUint24(buf []byte, v int) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
}

// Uint24 reads a 24-bit little-endian length from buf[0:3].
func Uint24(buf []byte) int {
	return int(buf[0]) | int(buf[1])<<8 | int(buf[2])<<16
}
