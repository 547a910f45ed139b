// Package wire holds MySQL command-phase opcode constants and the
// response-boundary detection shared by the Backend Pool's session
// replay and the Proxy Server's Command Phase Engine. Grounded on the
// teacher's internal/proxy/mysql_relay.go (drainMySQLResponse,
// mysqlPacketStatusFlags, skipLenEnc), which this package lifts out of
// the proxy package so the pool can reuse the same boundary logic
// when replaying session state against a freshly leased backend.
package wire

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/koriproxy/koriproxy/internal/codec"
)

// Command-phase opcodes (COM_*).
const (
	ComSleep            byte = 0x00
	ComQuit             byte = 0x01
	ComInitDB           byte = 0x02
	ComQuery            byte = 0x03
	ComFieldList        byte = 0x04
	ComCreateDB         byte = 0x05
	ComDropDB           byte = 0x06
	ComRefresh          byte = 0x07
	ComShutdown         byte = 0x08
	ComStatistics       byte = 0x09
	ComProcessInfo      byte = 0x0a
	ComConnect          byte = 0x0b
	ComProcessKill      byte = 0x0c
	ComDebug            byte = 0x0d
	ComPing             byte = 0x0e
	ComTime             byte = 0x0f
	ComDelayedInsert    byte = 0x10
	ComChangeUser       byte = 0x11
	ComBinlogDump       byte = 0x12
	ComTableDump        byte = 0x13
	ComConnectOut       byte = 0x14
	ComRegisterSlave    byte = 0x15
	ComStmtPrepare      byte = 0x16
	ComStmtExecute      byte = 0x17
	ComStmtSendLongData byte = 0x18
	ComStmtClose        byte = 0x19
	ComStmtReset        byte = 0x1a
	ComSetOption        byte = 0x1b
	ComStmtFetch        byte = 0x1c
	ComResetConnection  byte = 0x1f
)

// Server status flags (Protocol::OK_Packet / Protocol::EOF_Packet).
const (
	StatusInTrans         uint16 = 0x0001
	StatusAutocommit      uint16 = 0x0002
	StatusMoreResults     uint16 = 0x0008
	StatusNoIndexUsed     uint16 = 0x0020
	StatusSessionStateChanged uint16 = 0x4000
)

const (
	okPacket  byte = 0x00
	errPacket byte = 0xff
	eofMarker byte = 0xfe
)

// IsOK reports whether pkt is an OK_Packet.
func IsOK(pkt []byte) bool { return len(pkt) > 0 && pkt[0] == okPacket }

// IsErr reports whether pkt is an ERR_Packet.
func IsErr(pkt []byte) bool { return len(pkt) > 0 && pkt[0] == errPacket }

// IsEOF reports whether pkt is a (short-form) EOF_Packet, which
// shares its marker byte with a length-encoded-integer prefix of
// 0xfe, so the length check matters.
func IsEOF(pkt []byte) bool { return len(pkt) > 0 && pkt[0] == eofMarker && len(pkt) < 9 }

// StatusFlags extracts the server status flags from an OK or EOF
// packet body. Grounded on the teacher's mysqlPacketStatusFlags.
func StatusFlags(pkt []byte) uint16 {
	if len(pkt) == 0 {
		return 0
	}
	switch pkt[0] {
	case okPacket:
		if len(pkt) < 5 {
			return 0
		}
		pos := 1
		pos = SkipLenEnc(pkt, pos)
		pos = SkipLenEnc(pkt, pos)
		if pos+2 <= len(pkt) {
			return binary.LittleEndian.Uint16(pkt[pos : pos+2])
		}
	case eofMarker:
		if len(pkt) >= 5 {
			return binary.LittleEndian.Uint16(pkt[3:5])
		}
	}
	return 0
}

// SkipLenEnc advances pos past a length-encoded integer in pkt.
func SkipLenEnc(pkt []byte, pos int) int {
	if pos >= len(pkt) {
		return pos
	}
	switch b := pkt[pos]; {
	case b < 0xfb:
		return pos + 1
	case b == 0xfc:
		return pos + 3
	case b == 0xfd:
		return pos + 4
	case b == 0xfe:
		return pos + 9
	default:
		return pos + 1
	}
}

// ErrorMessage extracts the human-readable message from an ERR_Packet.
func ErrorMessage(pkt []byte) string {
	if len(pkt) < 9 {
		return "unknown error"
	}
	return string(pkt[9:])
}

// RelayResponse reads response packets from src and writes them to
// dst verbatim until it reaches a transaction boundary: an ERR_Packet
// (always terminal), or an OK/EOF packet whose status flags carry
// neither SERVER_MORE_RESULTS_EXISTS nor SERVER_STATUS_IN_TRANS.
// Returns true when the boundary found means the connection is free
// of open transaction/result-set state. Grounded on the teacher's
// drainMySQLResponse.
func RelayResponse(c *codec.Codec, dst io.Writer, src io.Reader) (atBoundary bool, err error) {
	for {
		_, pkt, err := c.ReadPacket(src)
		if err != nil {
			return false, err
		}
		if err := c.WritePacket(dst, pkt); err != nil {
			return false, err
		}
		if len(pkt) == 0 {
			continue
		}
		if IsErr(pkt) {
			return true, nil
		}
		if IsOK(pkt) || IsEOF(pkt) {
			status := StatusFlags(pkt)
			if status&StatusMoreResults != 0 {
				continue
			}
			return status&StatusInTrans == 0, nil
		}
		// Column definition / row packet: keep reading until a
		// terminal OK/EOF/ERR arrives.
	}
}

// DrainUntilTerminal reads and discards packets from r until a
// terminal OK/ERR/EOF packet is seen. Used for replaying
// session-state statements where the response body itself is
// uninteresting.
func DrainUntilTerminal(c *codec.Codec, r io.Reader) error {
	for {
		_, pkt, err := c.ReadPacket(r)
		if err != nil {
			return err
		}
		if len(pkt) == 0 {
			continue
		}
		if IsErr(pkt) {
			return &CommandError{Message: ErrorMessage(pkt)}
		}
		if IsOK(pkt) || IsEOF(pkt) {
			if StatusFlags(pkt)&StatusMoreResults != 0 {
				continue
			}
			return nil
		}
	}
}

// CommandError wraps a server-side ERR_Packet message surfaced during
// a command this package issued on the proxy's own behalf (e.g.
// session replay), distinct from a client-visible protocol error.
type CommandError struct {
	Message string
}

func (e *CommandError) Error() string { return "backend command failed: " + e.Message }

// SendQuery writes a COM_QUERY packet with a fresh sequence.
func SendQuery(c *codec.Codec, conn net.Conn, query string) error {
	c.ResetSequence()
	pkt := append([]byte{ComQuery}, []byte(query)...)
	return c.WritePacket(conn, pkt)
}

// SendResetConnection writes a COM_RESET_CONNECTION packet.
func SendResetConnection(c *codec.Codec, conn net.Conn) error {
	c.ResetSequence()
	return c.WritePacket(conn, []byte{ComResetConnection})
}
