package pool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/koriproxy/koriproxy/internal/auth"
	"github.com/koriproxy/koriproxy/internal/codec"
	"github.com/koriproxy/koriproxy/internal/session"
	"github.com/koriproxy/koriproxy/internal/topology"
	"github.com/koriproxy/koriproxy/internal/wire"
)

// fakeBackend starts a listener that speaks just enough of the
// handshake and command phase to let BackendPool dial/lease/replay
// against it, mirroring the teacher's style of testing pool.go against
// a real (loopback) net.Conn rather than mocking the interface.
func fakeBackend(t *testing.T, onQuery func(query string)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFakeBackend(conn, onQuery)
		}
	}()
	return ln.Addr().String()
}

func serveFakeBackend(conn net.Conn, onQuery func(query string)) {
	defer conn.Close()
	c := codec.New()

	salt, _ := auth.NewSalt()
	initial := auth.BuildInitialHandshake("8.0.34-test", 1, salt, auth.ProxyCapabilities, 33, 0x0002, "mysql_native_password")
	if err := c.WritePacket(conn, initial); err != nil {
		return
	}
	_, respPayload, err := c.ReadPacket(conn)
	if err != nil {
		return
	}
	if _, err := auth.ParseHandshakeResponse41(respPayload); err != nil {
		return
	}
	if err := c.WritePacket(conn, auth.BuildOK(0x0002)); err != nil {
		return
	}

	for {
		c.ResetSequence()
		_, pkt, err := c.ReadPacket(conn)
		if err != nil {
			return
		}
		if len(pkt) == 0 {
			continue
		}
		switch pkt[0] {
		case wire.ComQuery:
			if onQuery != nil {
				onQuery(string(pkt[1:]))
			}
			c.ResetSequence()
			c.SetSeq(1)
			if err := c.WritePacket(conn, auth.BuildOK(0x0002)); err != nil {
				return
			}
		case wire.ComResetConnection:
			c.ResetSequence()
			c.SetSeq(1)
			if err := c.WritePacket(conn, auth.BuildOK(0x0002)); err != nil {
				return
			}
		case wire.ComQuit:
			return
		}
	}
}

func testInstance(addr string) topology.BackendInstance {
	return topology.BackendInstance{
		ID:       "inst-1",
		Cluster:  "c1",
		Address:  addr,
		Online:   true,
		Username: "app",
		Password: "",
		Database: "appdb",
	}
}

func TestLeaseDialsAndAuthenticates(t *testing.T) {
	addr := fakeBackend(t, nil)
	p := NewBackendPool(testInstance(addr), Limits{MaxLinks: 2, AcquireTimeout: time.Second})
	defer p.Close()

	link, err := p.Lease(context.Background(), session.New())
	if err != nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if link == nil {
		t.Fatal("expected a non-nil link")
	}
	p.Return(link)
}

func TestLeaseReplaysSessionDiff(t *testing.T) {
	var queries []string
	addr := fakeBackend(t, func(q string) { queries = append(queries, q) })
	p := NewBackendPool(testInstance(addr), Limits{MaxLinks: 2, AcquireTimeout: time.Second})
	defer p.Close()

	link, err := p.Lease(context.Background(), session.New())
	if err != nil {
		t.Fatalf("Lease failed: %v", err)
	}
	p.Return(link)

	want := session.New()
	want.SetSchema("billingdb")

	link2, err := p.Lease(context.Background(), want)
	if err != nil {
		t.Fatalf("second Lease failed: %v", err)
	}
	p.Return(link2)

	found := false
	for _, q := range queries {
		if q == "USE `billingdb`" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a USE replay statement, got queries=%v", queries)
	}
}

func TestAcquireTimeoutWhenExhausted(t *testing.T) {
	addr := fakeBackend(t, nil)
	p := NewBackendPool(testInstance(addr), Limits{MaxLinks: 1, AcquireTimeout: 50 * time.Millisecond})
	defer p.Close()

	link, err := p.Lease(context.Background(), session.New())
	if err != nil {
		t.Fatalf("first Lease failed: %v", err)
	}

	_, err = p.Lease(context.Background(), session.New())
	if err == nil {
		t.Fatal("expected pool exhaustion error while the only link is leased out")
	}

	p.Return(link)
}

func TestReturnMakesLinkReusable(t *testing.T) {
	addr := fakeBackend(t, nil)
	p := NewBackendPool(testInstance(addr), Limits{MaxLinks: 1, AcquireTimeout: time.Second})
	defer p.Close()

	link, err := p.Lease(context.Background(), session.New())
	if err != nil {
		t.Fatalf("Lease failed: %v", err)
	}
	p.Return(link)

	stats := p.Stats()
	if stats.Idle != 1 || stats.Active != 0 {
		t.Fatalf("expected 1 idle 0 active after Return, got %+v", stats)
	}

	link2, err := p.Lease(context.Background(), session.New())
	if err != nil {
		t.Fatalf("second Lease failed: %v", err)
	}
	p.Return(link2)
}

func TestManagerDrainsOnInstanceOffline(t *testing.T) {
	addr := fakeBackend(t, nil)
	store := topology.New()
	store.ApplySnapshot([]topology.BackendInstance{testInstance(addr)}, 1)

	mgr := NewManager(Limits{MaxLinks: 2, AcquireTimeout: time.Second}, store)
	defer mgr.Close()

	p := mgr.GetOrCreate(testInstance(addr))
	link, err := p.Lease(context.Background(), session.New())
	if err != nil {
		t.Fatalf("Lease failed: %v", err)
	}
	p.Return(link)

	if stats := p.Stats(); stats.Idle != 1 {
		t.Fatalf("expected 1 idle link before offline transition, got %+v", stats)
	}

	inst := testInstance(addr)
	inst.Online = false
	inst.EventTimestamp = 2
	store.ApplyChangeEvent(inst)

	if stats := p.Stats(); stats.Idle != 0 {
		t.Fatalf("expected drain to close idle links on offline transition, got %+v", stats)
	}
}
