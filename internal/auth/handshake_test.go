package auth

import (
	"net"
	"testing"

	"github.com/koriproxy/koriproxy/internal/codec"
)

func pipeConns() (net.Conn, net.Conn) {
	return net.Pipe()
}

func TestServeHandshakeNativePasswordOk(t *testing.T) {
	server, client := pipeConns()
	provider := NewStaticProvider()
	provider.AddUser("app", "s3cret", "appdb", "mysql_native_password")

	resultCh := make(chan error, 1)
	go func() {
		_, err := ServeHandshake(server, 7, "8.0.34-koriproxy", provider, nil)
		resultCh <- err
	}()

	c := codec.New()
	_, initial, err := c.ReadPacket(client)
	if err != nil {
		t.Fatalf("reading initial handshake: %v", err)
	}
	salt, plugin, caps, err := parseInitialHandshake(initial)
	if err != nil {
		t.Fatalf("parsing initial handshake: %v", err)
	}
	if plugin != "mysql_native_password" {
		t.Fatalf("expected mysql_native_password, got %s", plugin)
	}

	authResp := NativePasswordScramble([]byte("s3cret"), salt)
	resp := BuildHandshakeResponse41(Negotiate(caps), 33, "app", authResp, "appdb", plugin)
	if err := c.WritePacket(client, resp); err != nil {
		t.Fatalf("writing handshake response: %v", err)
	}

	_, okPkt, err := c.ReadPacket(client)
	if err != nil {
		t.Fatalf("reading final result: %v", err)
	}
	if !IsOKPacket(okPkt) {
		t.Fatalf("expected OK packet, got %v", okPkt)
	}
	if err := <-resultCh; err != nil {
		t.Fatalf("ServeHandshake returned error: %v", err)
	}
}

func TestServeHandshakeWrongPasswordDenied(t *testing.T) {
	server, client := pipeConns()
	provider := NewStaticProvider()
	provider.AddUser("app", "s3cret", "appdb", "mysql_native_password")

	resultCh := make(chan error, 1)
	go func() {
		_, err := ServeHandshake(server, 7, "8.0.34-koriproxy", provider, nil)
		resultCh <- err
	}()

	c := codec.New()
	_, initial, err := c.ReadPacket(client)
	if err != nil {
		t.Fatalf("reading initial handshake: %v", err)
	}
	salt, plugin, caps, err := parseInitialHandshake(initial)
	if err != nil {
		t.Fatalf("parsing initial handshake: %v", err)
	}

	authResp := NativePasswordScramble([]byte("wrong"), salt)
	resp := BuildHandshakeResponse41(Negotiate(caps), 33, "app", authResp, "appdb", plugin)
	if err := c.WritePacket(client, resp); err != nil {
		t.Fatalf("writing handshake response: %v", err)
	}

	_, errPkt, err := c.ReadPacket(client)
	if err != nil {
		t.Fatalf("reading final result: %v", err)
	}
	if !IsErrPacket(errPkt) {
		t.Fatalf("expected ERR packet, got %v", errPkt)
	}
	if err := <-resultCh; err == nil {
		t.Fatal("expected ServeHandshake to return an error for a denied login")
	}
}

func TestDialBackendNativePasswordOk(t *testing.T) {
	backend, proxySide := pipeConns()

	resultCh := make(chan error, 1)
	go func() {
		err := DialBackend(proxySide, BackendCredentials{Username: "app", Password: "s3cret", Database: "appdb"})
		resultCh <- err
	}()

	c := codec.New()
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("generating salt: %v", err)
	}
	initial := BuildInitialHandshake("8.0.34", 1, salt, ProxyCapabilities, 33, 0x0002, "mysql_native_password")
	if err := c.WritePacket(backend, initial); err != nil {
		t.Fatalf("writing initial handshake: %v", err)
	}

	_, respPayload, err := c.ReadPacket(backend)
	if err != nil {
		t.Fatalf("reading handshake response: %v", err)
	}
	resp, err := ParseHandshakeResponse41(respPayload)
	if err != nil {
		t.Fatalf("parsing handshake response: %v", err)
	}
	if !VerifyNativePassword([]byte("s3cret"), salt, resp.AuthResponse) {
		t.Fatal("scrambled password did not verify")
	}

	if err := c.WritePacket(backend, BuildOK(0x0002)); err != nil {
		t.Fatalf("writing OK: %v", err)
	}

	if err := <-resultCh; err != nil {
		t.Fatalf("DialBackend returned error: %v", err)
	}
}

func TestDialBackendErrorPropagates(t *testing.T) {
	backend, proxySide := pipeConns()

	resultCh := make(chan error, 1)
	go func() {
		err := DialBackend(proxySide, BackendCredentials{Username: "app", Password: "wrong", Database: "appdb"})
		resultCh <- err
	}()

	c := codec.New()
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("generating salt: %v", err)
	}
	initial := BuildInitialHandshake("8.0.34", 1, salt, ProxyCapabilities, 33, 0x0002, "mysql_native_password")
	if err := c.WritePacket(backend, initial); err != nil {
		t.Fatalf("writing initial handshake: %v", err)
	}
	if _, _, err := c.ReadPacket(backend); err != nil {
		t.Fatalf("reading handshake response: %v", err)
	}
	if err := c.WritePacket(backend, BuildErr(1045, "28000", "Access denied for user 'app'")); err != nil {
		t.Fatalf("writing ERR: %v", err)
	}

	if err := <-resultCh; err == nil {
		t.Fatal("expected DialBackend to surface the backend's error")
	}
}
