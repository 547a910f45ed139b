package health

import (
	"net"
	"testing"
	"time"

	"github.com/koriproxy/koriproxy/internal/auth"
	"github.com/koriproxy/koriproxy/internal/codec"
	"github.com/koriproxy/koriproxy/internal/metrics"
	"github.com/koriproxy/koriproxy/internal/pool"
	"github.com/koriproxy/koriproxy/internal/topology"
	"github.com/koriproxy/koriproxy/internal/wire"
)

var testHealthCfg = Config{
	Interval:          30 * time.Second,
	FailureThreshold:  3,
	ConnectionTimeout: 2 * time.Second,
}

func newTestStoreWithInstance(addr string) *topology.Store {
	store := topology.New()
	store.ApplySnapshot([]topology.BackendInstance{
		{ID: "inst-1", Cluster: "c1", Address: addr, Online: true, Username: "app", Database: "appdb"},
	}, 1)
	return store
}

func TestCheckerInitialState(t *testing.T) {
	c := NewChecker(topology.New(), nil, nil, testHealthCfg)

	if !c.IsHealthy("unknown") {
		t.Error("unknown instance should be treated as healthy")
	}
	status := c.GetStatus("unknown")
	if status.Status != StatusUnknown {
		t.Errorf("expected StatusUnknown, got %v", status.Status)
	}
}

func TestCheckerUpdateStatus(t *testing.T) {
	c := NewChecker(topology.New(), nil, nil, testHealthCfg)

	c.updateStatus("test", true)
	if !c.IsHealthy("test") {
		t.Error("should be healthy after healthy update")
	}
	status := c.GetStatus("test")
	if status.Status != StatusHealthy {
		t.Errorf("expected StatusHealthy, got %v", status.Status)
	}

	c.updateStatus("test", false)
	if !c.IsHealthy("test") {
		t.Error("should still be healthy after one failure")
	}
	status = c.GetStatus("test")
	if status.ConsecutiveFailures != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", status.ConsecutiveFailures)
	}
}

func TestCheckerThreshold(t *testing.T) {
	c := NewChecker(topology.New(), nil, nil, testHealthCfg)

	c.updateStatus("test", false)
	c.updateStatus("test", false)
	c.updateStatus("test", false)

	if c.IsHealthy("test") {
		t.Error("should be unhealthy after 3 consecutive failures")
	}
	status := c.GetStatus("test")
	if status.Status != StatusUnhealthy {
		t.Errorf("expected StatusUnhealthy, got %v", status.Status)
	}
}

func TestCheckerRecovery(t *testing.T) {
	c := NewChecker(topology.New(), nil, nil, testHealthCfg)

	c.updateStatus("test", false)
	c.updateStatus("test", false)
	c.updateStatus("test", false)
	if c.IsHealthy("test") {
		t.Error("should be unhealthy")
	}

	c.updateStatus("test", true)
	if !c.IsHealthy("test") {
		t.Error("should be healthy after recovery")
	}
	status := c.GetStatus("test")
	if status.ConsecutiveFailures != 0 {
		t.Errorf("expected 0 consecutive failures after recovery, got %d", status.ConsecutiveFailures)
	}
}

func TestOverallHealthy(t *testing.T) {
	c := NewChecker(topology.New(), nil, nil, testHealthCfg)

	if !c.OverallHealthy() {
		t.Error("should be overall healthy with no checks")
	}

	c.updateStatus("good", true)
	if !c.OverallHealthy() {
		t.Error("should be overall healthy with one healthy instance")
	}

	c.updateStatus("bad", false)
	c.updateStatus("bad", false)
	c.updateStatus("bad", false)
	if c.OverallHealthy() {
		t.Error("should not be overall healthy with one unhealthy instance")
	}
}

func TestGetAllStatuses(t *testing.T) {
	c := NewChecker(topology.New(), nil, nil, testHealthCfg)

	c.updateStatus("i1", true)
	c.updateStatus("i2", true)

	statuses := c.GetAllStatuses()
	if len(statuses) != 2 {
		t.Errorf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusUnknown, "unknown"},
		{StatusHealthy, "healthy"},
		{StatusUnhealthy, "unhealthy"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestDoubleStop(t *testing.T) {
	c := NewChecker(topology.New(), nil, nil, testHealthCfg)
	c.Start()
	c.Stop()
	c.Stop()
}

func TestCheckAllPingsKnownClusterInstances(t *testing.T) {
	a1 := fakeHealthBackend(t, false)
	a2 := fakeHealthBackend(t, false)

	store := topology.New()
	store.ApplySnapshot([]topology.BackendInstance{
		{ID: "i1", Cluster: "c1", Address: a1, Online: true, Username: "app", Database: "appdb"},
		{ID: "i2", Cluster: "c1", Address: a2, Online: true, Username: "app", Database: "appdb"},
	}, 1)

	c := NewChecker(store, nil, nil, testHealthCfg)
	c.AddKnownCluster("c1")
	c.checkAll()

	statuses := c.GetAllStatuses()
	if len(statuses) != 2 {
		t.Errorf("expected 2 statuses after checkAll, got %d", len(statuses))
	}
	for id, st := range statuses {
		if st.Status != StatusHealthy {
			t.Errorf("expected instance %s healthy via raw handshake probe, got %v", id, st.Status)
		}
	}
}

func TestPingRawHandshakeFailsOnClosedPort(t *testing.T) {
	c := NewChecker(topology.New(), nil, nil, testHealthCfg)
	if c.pingInstance(topology.BackendInstance{ID: "dead", Address: "127.0.0.1:1"}) {
		t.Error("expected ping to fail against a closed port")
	}
}

func TestPingViaPoolSucceedsAgainstFakeBackend(t *testing.T) {
	addr := fakeHealthBackend(t, true)
	store := newTestStoreWithInstance(addr)
	mgr := pool.NewManager(pool.Limits{MaxLinks: 2, AcquireTimeout: time.Second}, store)
	defer mgr.Close()

	inst, _ := store.Instance("inst-1")
	mgr.GetOrCreate(inst)

	c := NewChecker(store, mgr, nil, testHealthCfg)
	if !c.pingInstance(inst) {
		t.Error("expected pingViaPool to succeed against a fake backend answering SELECT 1")
	}
}

func TestRemoveInstance(t *testing.T) {
	c := NewChecker(topology.New(), nil, nil, testHealthCfg)

	c.updateStatus("inst_a", true)
	c.updateStatus("inst_b", true)
	if len(c.GetAllStatuses()) != 2 {
		t.Fatalf("expected 2 statuses before removal")
	}

	c.RemoveInstance("inst_a")

	statuses := c.GetAllStatuses()
	if len(statuses) != 1 {
		t.Errorf("expected 1 status after removal, got %d", len(statuses))
	}
	if _, exists := statuses["inst_a"]; exists {
		t.Error("inst_a should have been removed")
	}
	if _, exists := statuses["inst_b"]; !exists {
		t.Error("inst_b should still exist")
	}

	c.RemoveInstance("nonexistent")
}

func TestHealthCheckTimingMetric(t *testing.T) {
	m := metrics.New()
	m.HealthCheckCompleted("t1", 5*time.Millisecond, true)
	if m == nil {
		t.Error("expected metrics collector to be non-nil")
	}
}

func TestHealthCheckErrorMetric(t *testing.T) {
	m := metrics.New()
	m.HealthCheckError("t1", "connection_refused")
	m.HealthCheckError("t1", "connection_refused")
	m.HealthCheckError("t1", "pool_exhausted")
}

// fakeHealthBackend starts a listener speaking just enough MySQL to
// answer either a bare handshake probe or a full SELECT 1 query,
// depending on answerQueries.
func fakeHealthBackend(t *testing.T, answerQueries bool) string {
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
			go serveFakeHealthBackend(conn, answerQueries)
		}
	}()
	return ln.Addr().String()
}

func serveFakeHealthBackend(conn net.Conn, answerQueries bool) {
	defer conn.Close()
	c := codec.New()

	salt, _ := auth.NewSalt()
	initial := auth.BuildInitialHandshake("8.0.34-test", 1, salt, auth.ProxyCapabilities, 33, 0x0002, "mysql_native_password")
	if err := c.WritePacket(conn, initial); err != nil {
		return
	}
	if !answerQueries {
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
