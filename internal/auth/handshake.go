package auth

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/koriproxy/koriproxy/internal/codec"
	"github.com/koriproxy/koriproxy/internal/proxyerr"
)

// Negotiated carries the outcome of a successful server-side handshake:
// the final connection (possibly TLS-upgraded), the negotiated
// capabilities, and the identity/attributes the Router needs.
type Negotiated struct {
	Conn         net.Conn
	Capabilities uint32
	Username     string
	Database     string
	TLS          bool
}

// ServeHandshake runs Protocol::HandshakeV10 as the server toward a
// client, per the spec's Auth Engine design (§4.B): send the initial
// handshake, read the response, optionally upgrade to TLS, validate
// credentials (looping through AuthSwitchRequest), and reply with OK or
// a mapped error.
//
// Grounded on the teacher's sendSyntheticHandshake/readHandshakeResponse
// (internal/proxy/mysql.go), extended with real capability negotiation,
// TLS upgrade, and the AuthSwitchRequest / caching_sha2_password loop
// the teacher's synthetic handshake never needed (it only needed to
// learn the tenant, not actually authenticate the client).
func ServeHandshake(conn net.Conn, connID uint32, serverVersion string, provider CredentialProvider, tlsConfig *tls.Config) (*Negotiated, error) {
	c := codec.New()

	salt, err := NewSalt()
	if err != nil {
		return nil, fmt.Errorf("%w: generating salt: %v", proxyerr.ErrIo, err)
	}

	// CLIENT_SSL is only offered when a TLS config is available to serve it.
	advertised := ProxyCapabilities
	if tlsConfig == nil {
		advertised &^= ClientSSL
	}
	initial := BuildInitialHandshake(serverVersion, connID, salt, advertised, 33, 0x0002, "mysql_native_password")
	if err := c.WritePacket(conn, initial); err != nil {
		return nil, err
	}

	_, payload, err := c.ReadPacket(conn)
	if err != nil {
		return nil, err
	}
	var resp *HandshakeResponse
	if len(payload) == 32 {
		// SSLRequest: capabilities, max packet size, charset and filler only.
		resp = &HandshakeResponse{Capabilities: binary.LittleEndian.Uint32(payload[0:4]), Raw: payload}
	} else {
		resp, err = ParseHandshakeResponse41(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", proxyerr.ErrProtocolDesync, err)
		}
	}

	caps := Negotiate(resp.Capabilities) & advertised
	cur := conn

	if caps&ClientSSL != 0 {
		if tlsConfig == nil {
			return nil, fmt.Errorf("%w: client requested TLS but none is configured", proxyerr.ErrTlsRequired)
		}
		tlsConn := tls.Server(cur, tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			return nil, fmt.Errorf("%w: %v", proxyerr.ErrTlsNegotiationFailed, err)
		}
		cur = tlsConn

		// After the SSLRequest packet, the client resends the full
		// HandshakeResponse41 over the now-encrypted channel.
		_, payload, err = c.ReadPacket(cur)
		if err != nil {
			return nil, err
		}
		resp, err = ParseHandshakeResponse41(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", proxyerr.ErrProtocolDesync, err)
		}
	}

	plugin := resp.Plugin
	authResponse := resp.AuthResponse
	currentSalt := salt

	for {
		decision, authErr := provider.Authenticate(resp.Username, authResponse, currentSalt, plugin)
		switch decision.Kind {
		case DecisionOk:
			if plugin == "caching_sha2_password" {
				// fast_auth_success: the scramble matched without a
				// full-authentication round trip.
				if err := c.WritePacket(cur, BuildAuthMoreData(0x03)); err != nil {
					return nil, err
				}
			}
			if err := c.WritePacket(cur, BuildOK(0x0002)); err != nil {
				return nil, err
			}
			return &Negotiated{Conn: cur, Capabilities: caps, Username: resp.Username, Database: resp.Database, TLS: cur != conn}, nil

		case DecisionSwitch:
			if plugin == "caching_sha2_password" && decision.Plugin == "caching_sha2_password" {
				// perform_full_authentication: only safe to send the
				// cleartext password back over an already-secure channel.
				if cur == conn {
					return nil, fmt.Errorf("%w: caching_sha2_password full authentication requires TLS", proxyerr.ErrTlsRequired)
				}
				if err := c.WritePacket(cur, BuildAuthMoreData(0x04)); err != nil {
					return nil, err
				}
				_, pwPkt, err := c.ReadPacket(cur)
				if err != nil {
					return nil, err
				}
				cleartext := trimTrailingNull(pwPkt)
				password, _ := provider.Password(resp.Username)
				if string(cleartext) != password {
					mErr := proxyerr.Map(proxyerr.ErrAuthDenied)
					c.WritePacket(cur, BuildErr(mErr.Code, mErr.SQLState, mErr.Message+" '"+resp.Username+"'"))
					return nil, proxyerr.ErrAuthDenied
				}
				if err := c.WritePacket(cur, BuildOK(0x0002)); err != nil {
					return nil, err
				}
				return &Negotiated{Conn: cur, Capabilities: caps, Username: resp.Username, Database: resp.Database, TLS: cur != conn}, nil
			}

			newSalt, err := NewSalt()
			if err != nil {
				return nil, err
			}
			if err := c.WritePacket(cur, BuildAuthSwitchRequest(decision.Plugin, newSalt)); err != nil {
				return nil, err
			}
			_, switchResp, err := c.ReadPacket(cur)
			if err != nil {
				return nil, err
			}
			plugin = decision.Plugin
			authResponse = switchResp
			currentSalt = newSalt
			continue

		default: // DecisionDeny
			mErr := proxyerr.Map(proxyerr.ErrAuthDenied)
			_ = c.WritePacket(cur, BuildErr(mErr.Code, mErr.SQLState, mErr.Message+" '"+resp.Username+"'"))
			if authErr != nil {
				return nil, fmt.Errorf("%w: %v", proxyerr.ErrAuthDenied, authErr)
			}
			return nil, proxyerr.ErrAuthDenied
		}
	}
}

func trimTrailingNull(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == 0 {
		return b[:len(b)-1]
	}
	return b
}

// BackendCredentials are the credentials used to authenticate this
// proxy's own connections to a backend instance, per BackendInstance's
// "optional credentials" field in the Data Model.
type BackendCredentials struct {
	Username string
	Password string
	Database string
}

// DialBackend performs the client-side mirror of Protocol::HandshakeV10
// against a backend connection that has already sent its initial
// handshake. Grounded on the teacher's authenticateMySQL
// (internal/pool/pool.go), generalized to use the shared codec and to
// support AuthSwitchRequest to caching_sha2_password as well as
// mysql_native_password.
func DialBackend(conn net.Conn, creds BackendCredentials) error {
	c := codec.New()

	_, handshake, err := c.ReadPacket(conn)
	if err != nil {
		return fmt.Errorf("%w: reading backend handshake: %v", proxyerr.ErrBackendHandshakeFailed, err)
	}
	if IsErrPacket(handshake) {
		return fmt.Errorf("%w: backend sent error on connect: %s", proxyerr.ErrBackendHandshakeFailed, ParseErrPacket(handshake))
	}

	salt, plugin, serverCaps, err := parseInitialHandshake(handshake)
	if err != nil {
		return fmt.Errorf("%w: %v", proxyerr.ErrBackendHandshakeFailed, err)
	}

	clientCaps := Negotiate(serverCaps) | ClientConnectWithDB
	authResp := scrambleFor(plugin, []byte(creds.Password), salt)

	resp := BuildHandshakeResponse41(clientCaps, 33, creds.Username, authResp, creds.Database, plugin)
	if err := c.WritePacket(conn, resp); err != nil {
		return err
	}

	_, result, err := c.ReadPacket(conn)
	if err != nil {
		return fmt.Errorf("%w: reading backend auth result: %v", proxyerr.ErrBackendHandshakeFailed, err)
	}

	for len(result) > 0 && result[0] == authSwitchMarker {
		nextPlugin, nextSalt := parseAuthSwitchRequest(result)
		switchResp := scrambleFor(nextPlugin, []byte(creds.Password), nextSalt)
		if err := c.WritePacket(conn, switchResp); err != nil {
			return err
		}
		_, result, err = c.ReadPacket(conn)
		if err != nil {
			return fmt.Errorf("%w: reading backend auth switch result: %v", proxyerr.ErrBackendHandshakeFailed, err)
		}
	}

	if IsErrPacket(result) {
		return fmt.Errorf("%w: %s", proxyerr.ErrBackendHandshakeFailed, ParseErrPacket(result))
	}
	if !IsOKPacket(result) {
		return fmt.Errorf("%w: unexpected backend auth response byte 0x%02x", proxyerr.ErrBackendHandshakeFailed, result[0])
	}
	return nil
}

func scrambleFor(plugin string, password, salt []byte) []byte {
	switch plugin {
	case "caching_sha2_password":
		return CachingSHA2Scramble(password, salt)
	default:
		return NativePasswordScramble(password, salt)
	}
}

// parseInitialHandshake extracts the auth salt, plugin name, and
// capability flags from a server's Protocol::HandshakeV10 payload.
func parseInitialHandshake(pkt []byte) (salt []byte, plugin string, caps uint32, err error) {
	if len(pkt) < 1 {
		return nil, "", 0, fmt.Errorf("empty handshake")
	}
	pos := 1
	for pos < len(pkt) && pkt[pos] != 0 {
		pos++
	}
	pos++
	if pos+4 > len(pkt) {
		return nil, "", 0, fmt.Errorf("handshake too short")
	}
	pos += 4

	if pos+8 > len(pkt) {
		return nil, "", 0, fmt.Errorf("handshake too short for salt part 1")
	}
	salt = append(salt, pkt[pos:pos+8]...)
	pos += 8
	pos++ // filler

	if pos+2 > len(pkt) {
		return nil, "", 0, fmt.Errorf("handshake too short for caps low")
	}
	capLow := uint32(pkt[pos]) | uint32(pkt[pos+1])<<8
	pos += 2

	if pos+3 > len(pkt) {
		return nil, "", 0, fmt.Errorf("handshake too short for charset/status")
	}
	pos += 3

	if pos+2 > len(pkt) {
		return nil, "", 0, fmt.Errorf("handshake too short for caps high")
	}
	capHigh := (uint32(pkt[pos]) | uint32(pkt[pos+1])<<8) << 16
	caps = capLow | capHigh
	pos += 2

	var authLen int
	if pos < len(pkt) {
		authLen = int(pkt[pos])
		pos++
	}
	pos += 10 // reserved

	part2Len := authLen - 8
	if part2Len < 13 {
		part2Len = 13
	}
	if pos+part2Len > len(pkt) {
		part2Len = len(pkt) - pos
	}
	if part2Len > 0 {
		part2 := pkt[pos : pos+part2Len]
		if len(part2) > 0 && part2[len(part2)-1] == 0 {
			part2 = part2[:len(part2)-1]
		}
		salt = append(salt, part2...)
	}
	pos += part2Len

	plugin = "mysql_native_password"
	if caps&ClientPluginAuth != 0 && pos < len(pkt) {
		end := pos
		for end < len(pkt) && pkt[end] != 0 {
			end++
		}
		plugin = string(pkt[pos:end])
	}

	return salt, plugin, caps, nil
}

func parseAuthSwitchRequest(pkt []byte) (plugin string, salt []byte) {
	nameEnd := 1
	for nameEnd < len(pkt) && pkt[nameEnd] != 0 {
		nameEnd++
	}
	plugin = string(pkt[1:nameEnd])
	if nameEnd+1 < len(pkt) {
		salt = pkt[nameEnd+1:]
		salt = trimTrailingNull(salt)
	}
	return plugin, salt
}
