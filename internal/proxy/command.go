package proxy

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strings"

	"github.com/koriproxy/koriproxy/internal/codec"
	"github.com/koriproxy/koriproxy/internal/proxyerr"
	"github.com/koriproxy/koriproxy/internal/session"
	"github.com/koriproxy/koriproxy/internal/wire"
)

// commandEngine classifies and relays one client connection's command
// phase, per the spec's Command Phase Engine design (§4.I): most
// opcodes are a dumb relay through wire.RelayResponse, but a handful
// are intercepted to keep internal/session.State and the backend lease
// itself correct. Grounded on the teacher's relayMySQLTransactionMode
// and its COM_* switch in mysql_relay.go, generalized from "pin/unpin
// the whole connection" into "track exactly the state that changed".
type commandEngine struct {
	cc *ClientConn
}

func (e *commandEngine) run(ctx context.Context) error {
	cc := e.cc
	clientCodec := codec.New()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cc.state = stateCommandIdle
		clientCodec.ResetSequence()
		_, pkt, err := clientCodec.ReadPacket(cc.conn)
		if err != nil {
			return err
		}
		if len(pkt) == 0 {
			continue
		}

		cc.state = stateCommandStreaming
		opcode := pkt[0]
		body := pkt[1:]

		if opcode == wire.ComQuit {
			return nil
		}

		if err := e.dispatch(ctx, clientCodec, opcode, body); err != nil {
			return err
		}
	}
}

func (e *commandEngine) dispatch(ctx context.Context, clientCodec *codec.Codec, opcode byte, body []byte) error {
	cc := e.cc

	switch opcode {
	case wire.ComQuery:
		return e.handleQuery(clientCodec, body)
	case wire.ComStmtPrepare:
		return e.handleStmtPrepare(clientCodec, body)
	case wire.ComStmtExecute:
		cc.recordCommand("stmt_execute")
		return e.relay(clientCodec, opcode, body)
	case wire.ComStmtClose:
		return e.handleStmtClose(body)
	case wire.ComChangeUser:
		return e.handleChangeUser(clientCodec, body)
	case wire.ComPing, wire.ComStatistics, wire.ComDebug, wire.ComProcessInfo:
		cc.recordCommand(comName(opcode))
		return e.relay(clientCodec, opcode, body)
	case wire.ComInitDB:
		cc.session.SetSchema(strings.TrimRight(string(body), "\x00"))
		return e.relay(clientCodec, opcode, body)
	case wire.ComResetConnection:
		schema := cc.session.Schema
		cc.session = session.New()
		cc.session.SetSchema(schema)
		return e.relay(clientCodec, opcode, body)
	default:
		cc.recordCommand(comName(opcode))
		return e.relay(clientCodec, opcode, body)
	}
}

// handleQuery relays a COM_QUERY response verbatim while inspecting
// the query text for session-altering statements (SET, USE) so
// internal/session.State stays in sync with what the backend actually
// has applied, per the teacher's isSessionAlteringQuery/updatePinState
// heuristic in mysql_relay.go.
func (e *commandEngine) handleQuery(clientCodec *codec.Codec, body []byte) error {
	cc := e.cc
	query := strings.TrimSpace(string(body))
	cc.recordCommand("query")

	upper := strings.ToUpper(query)
	switch {
	case strings.HasPrefix(upper, "SET "):
		cc.session.ApplySet(query)
	case strings.HasPrefix(upper, "USE "):
		cc.session.SetSchema(strings.Trim(strings.TrimSpace(query[4:]), "`;"))
	}

	return e.relay(clientCodec, wire.ComQuery, body)
}

// handleStmtPrepare relays the response and, on success, extracts the
// assigned statement ID from the COM_STMT_PREPARE_OK payload so the
// handle can be replayed against a future backend link.
func (e *commandEngine) handleStmtPrepare(clientCodec *codec.Codec, body []byte) error {
	cc := e.cc
	text := string(body)
	cc.recordCommand("stmt_prepare")

	backendCodec := cc.link.Codec()
	backendCodec.ResetSequence()
	pkt := append([]byte{wire.ComStmtPrepare}, body...)
	if err := backendCodec.WritePacket(cc.link.Conn(), pkt); err != nil {
		return err
	}

	_, resp, err := backendCodec.ReadPacket(cc.link.Conn())
	if err != nil {
		return err
	}
	clientCodec.SetSeq(backendCodec.Seq())
	if err := clientCodec.WritePacket(cc.conn, resp); err != nil {
		return err
	}

	if wire.IsOK(resp) && len(resp) >= 5 {
		stmtID := binary.LittleEndian.Uint32(resp[1:5])
		paramCount := 0
		if len(resp) >= 9 {
			paramCount = int(binary.LittleEndian.Uint16(resp[7:9]))
		}
		cc.session.RegisterPrepare(stmtID, text, paramCount)
	}
	if wire.IsErr(resp) {
		return nil
	}

	// COM_STMT_PREPARE_OK is itself followed by param and column
	// definition packets (num_params + num_columns of them, each
	// EOF-terminated pre-4.1, or none if deprecated EOF capability is
	// negotiated); relay them through unchanged.
	return relayTrailingDefinitions(clientCodec, backendCodec, cc.conn, cc.link.Conn(), resp)
}

func relayTrailingDefinitions(clientCodec, backendCodec *codec.Codec, clientConn, backendConn net.Conn, prepareOK []byte) error {
	if !wire.IsOK(prepareOK) || len(prepareOK) < 9 {
		return nil
	}
	numParams := binary.LittleEndian.Uint16(prepareOK[5:7])
	numColumns := binary.LittleEndian.Uint16(prepareOK[7:9])
	total := int(numParams) + int(numColumns)
	for i := 0; i < total; i++ {
		_, pkt, err := backendCodec.ReadPacket(backendConn)
		if err != nil {
			return err
		}
		clientCodec.SetSeq(backendCodec.Seq())
		if err := clientCodec.WritePacket(clientConn, pkt); err != nil {
			return err
		}
	}
	return nil
}

func (e *commandEngine) handleStmtClose(body []byte) error {
	cc := e.cc
	if len(body) >= 4 {
		id := binary.LittleEndian.Uint32(body)
		cc.session.ForgetPrepare(id)
	}
	cc.recordCommand("stmt_close")
	// COM_STMT_CLOSE has no response; forward it and move on.
	backendCodec := cc.link.Codec()
	backendCodec.ResetSequence()
	pkt := append([]byte{wire.ComStmtClose}, body...)
	return backendCodec.WritePacket(cc.link.Conn(), pkt)
}

// handleChangeUser parses a COM_CHANGE_USER request's username and
// database, re-authenticates against the CredentialProvider, and — on
// success — tears down the current lease and re-routes/re-leases
// under the new identity, per the spec's ClientConn transition back to
// Authenticating on COM_CHANGE_USER.
func (e *commandEngine) handleChangeUser(clientCodec *codec.Codec, body []byte) error {
	cc := e.cc
	username, database, err := parseChangeUser(body)
	if err != nil {
		return fmt.Errorf("%w: %v", proxyerr.ErrProtocolDesync, err)
	}

	if err := cc.reauthenticate(username, database); err != nil {
		mErr := proxyerr.Map(err)
		_ = clientCodec.WritePacket(cc.conn, buildChangeUserErr(mErr.Code, mErr.SQLState, mErr.Message))
		return err
	}

	clientCodec.ResetSequence()
	clientCodec.SetSeq(1)
	return clientCodec.WritePacket(cc.conn, []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00})
}

func parseChangeUser(body []byte) (username, database string, err error) {
	idx := bytes.IndexByte(body, 0)
	if idx < 0 {
		return "", "", fmt.Errorf("missing username terminator")
	}
	username = string(body[:idx])
	rest := body[idx+1:]

	if len(rest) == 0 {
		return "", "", fmt.Errorf("change-user payload truncated after username")
	}
	authLen := int(rest[0])
	rest = rest[1:]
	if authLen > len(rest) {
		return "", "", fmt.Errorf("change-user auth-response length exceeds payload")
	}
	rest = rest[authLen:]

	dbIdx := bytes.IndexByte(rest, 0)
	if dbIdx < 0 {
		database = string(rest)
		return username, database, nil
	}
	database = string(rest[:dbIdx])
	return username, database, nil
}

func buildChangeUserErr(code uint16, sqlState, message string) []byte {
	buf := make([]byte, 0, 16+len(message))
	buf = append(buf, 0xff)
	buf = append(buf, byte(code), byte(code>>8))
	buf = append(buf, '#')
	buf = append(buf, sqlState...)
	buf = append(buf, message...)
	return buf
}

// relay forwards one command's request to the leased backend link and
// streams its response back to the client verbatim, tracking whether
// the exchange ended at a clean transaction boundary.
func (e *commandEngine) relay(clientCodec *codec.Codec, opcode byte, body []byte) error {
	cc := e.cc
	backendCodec := cc.link.Codec()
	backendCodec.ResetSequence()

	pkt := append([]byte{opcode}, body...)
	if err := backendCodec.WritePacket(cc.link.Conn(), pkt); err != nil {
		return err
	}

	atBoundary, err := wire.RelayResponse(backendCodec, cc.conn, cc.link.Conn())
	if err != nil {
		return err
	}
	clientCodec.SetSeq(backendCodec.Seq())
	if atBoundary {
		cc.link.SetSynced(cc.session.Snapshot())
	}
	return nil
}

func comName(opcode byte) string {
	switch opcode {
	case wire.ComPing:
		return "ping"
	case wire.ComStatistics:
		return "statistics"
	case wire.ComDebug:
		return "debug"
	case wire.ComProcessInfo:
		return "process_info"
	case wire.ComStmtExecute:
		return "stmt_execute"
	default:
		return fmt.Sprintf("opcode_0x%02x", opcode)
	}
}
