package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// newTestCollector creates a Collector registered with a fresh registry
// so tests don't conflict with each other or with the default registry.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	c := New()
	return c, c.Registry
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	g.Write(m)
	return m.GetGauge().GetValue()
}

func getCounterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	c.Write(m)
	return m.GetCounter().GetValue()
}

func TestUpdatePoolStatsAuthority(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("inst1", 3, 5, 8, 1)
	val := getGaugeValue(c.connectionsActive.WithLabelValues("inst1"))
	if val != 3 {
		t.Errorf("expected active=3, got %v", val)
	}

	c.UpdatePoolStats("inst1", 2, 4, 6, 0)
	val = getGaugeValue(c.connectionsActive.WithLabelValues("inst1"))
	if val != 2 {
		t.Errorf("expected active=2 after update, got %v", val)
	}
}

func TestUpdatePoolStatsAllFields(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("inst1", 5, 10, 15, 2)

	if v := getGaugeValue(c.connectionsActive.WithLabelValues("inst1")); v != 5 {
		t.Errorf("expected active=5, got %v", v)
	}
	if v := getGaugeValue(c.connectionsIdle.WithLabelValues("inst1")); v != 10 {
		t.Errorf("expected idle=10, got %v", v)
	}
	if v := getGaugeValue(c.connectionsTotal.WithLabelValues("inst1")); v != 15 {
		t.Errorf("expected total=15, got %v", v)
	}
	if v := getGaugeValue(c.connectionsWaiting.WithLabelValues("inst1")); v != 2 {
		t.Errorf("expected waiting=2, got %v", v)
	}
}

func TestSetInstanceHealth(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetInstanceHealth("inst1", true)
	val := getGaugeValue(c.instanceHealth.WithLabelValues("inst1"))
	if val != 1 {
		t.Errorf("expected health=1 (healthy), got %v", val)
	}

	c.SetInstanceHealth("inst1", false)
	val = getGaugeValue(c.instanceHealth.WithLabelValues("inst1"))
	if val != 0 {
		t.Errorf("expected health=0 (unhealthy), got %v", val)
	}
}

func TestPoolExhausted(t *testing.T) {
	c, _ := newTestCollector(t)

	c.PoolExhausted("inst1")
	c.PoolExhausted("inst1")
	c.PoolExhausted("inst1")

	val := getCounterValue(c.poolExhausted.WithLabelValues("inst1"))
	if val != 3 {
		t.Errorf("expected exhausted=3, got %v", val)
	}
}

func TestSetBackendInstanceCount(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetBackendInstanceCount("c1", 3, 1)

	if v := getGaugeValue(c.backendInstances.WithLabelValues("c1", "true")); v != 3 {
		t.Errorf("expected 3 online, got %v", v)
	}
	if v := getGaugeValue(c.backendInstances.WithLabelValues("c1", "false")); v != 1 {
		t.Errorf("expected 1 offline, got %v", v)
	}
}

func TestHealthCheckCompleted(t *testing.T) {
	c, reg := newTestCollector(t)

	c.HealthCheckCompleted("inst1", 100*time.Millisecond, true)
	c.HealthCheckCompleted("inst1", 200*time.Millisecond, true)

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, f := range families {
		if f.GetName() == "koriproxy_health_check_duration_seconds" {
			found = true
			m := f.GetMetric()
			if len(m) == 0 {
				t.Fatal("no metric samples")
			}
		}
	}
	if !found {
		t.Error("health check duration metric not found")
	}
}

func TestHealthCheckError(t *testing.T) {
	c, _ := newTestCollector(t)

	c.HealthCheckError("inst1", "connection_refused")
	c.HealthCheckError("inst1", "connection_refused")

	val := getCounterValue(c.healthCheckErrors.WithLabelValues("inst1", "connection_refused"))
	if val != 2 {
		t.Errorf("expected errors=2, got %v", val)
	}
}

func TestLeaseCompleted(t *testing.T) {
	c, _ := newTestCollector(t)

	c.LeaseCompleted("inst1", 5*time.Millisecond, nil)
	c.LeaseCompleted("inst1", 10*time.Millisecond, nil)

	val := getCounterValue(c.leasesTotal.WithLabelValues("inst1", "ok"))
	if val != 2 {
		t.Errorf("expected 2 ok leases, got %v", val)
	}
}

func TestReplayStatements(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ReplayStatements("inst1", 3)
	c.ReplayStatements("inst1", 2)

	val := getCounterValue(c.replayStatementsTotal.WithLabelValues("inst1"))
	if val != 5 {
		t.Errorf("expected 5 replay statements, got %v", val)
	}
}

func TestTopologyEvent(t *testing.T) {
	c, _ := newTestCollector(t)

	c.TopologyEvent("snapshot", true)
	c.TopologyEvent("change_event", false)

	accepted := getCounterValue(c.topologyEventsTotal.WithLabelValues("snapshot", "accepted"))
	if accepted != 1 {
		t.Errorf("expected 1 accepted snapshot event, got %v", accepted)
	}
	rejected := getCounterValue(c.topologyEventsTotal.WithLabelValues("change_event", "rejected_stale"))
	if rejected != 1 {
		t.Errorf("expected 1 rejected change event, got %v", rejected)
	}
}

func TestControlPlaneReconnect(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ControlPlaneReconnect("topology")
	c.ControlPlaneReconnect("topology")
	c.ControlPlaneReconnect("active_users")

	val := getCounterValue(c.controlPlaneReconnects.WithLabelValues("topology"))
	if val != 2 {
		t.Errorf("expected 2 topology reconnects, got %v", val)
	}
}

func TestRemoveInstance(t *testing.T) {
	c, reg := newTestCollector(t)

	c.UpdatePoolStats("inst1", 1, 2, 3, 0)
	c.SetInstanceHealth("inst1", true)
	c.PoolExhausted("inst1")

	c.RemoveInstance("inst1")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "instance" && l.GetValue() == "inst1" {
					t.Errorf("metric %s still has inst1 label after removal", f.GetName())
				}
			}
		}
	}
}

func TestMultipleInstances(t *testing.T) {
	c, _ := newTestCollector(t)

	c.UpdatePoolStats("i1", 1, 0, 1, 0)
	c.UpdatePoolStats("i2", 2, 1, 3, 0)

	v1 := getGaugeValue(c.connectionsActive.WithLabelValues("i1"))
	v2 := getGaugeValue(c.connectionsActive.WithLabelValues("i2"))

	if v1 != 1 {
		t.Errorf("expected i1 active=1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("expected i2 active=2, got %v", v2)
	}
}

func TestNewDoesNotPanicOnMultipleCalls(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("New() panicked on repeated calls: %v", r)
		}
	}()

	c1 := New()
	c2 := New()

	c1.UpdatePoolStats("i1", 1, 0, 1, 0)
	c2.UpdatePoolStats("i1", 2, 0, 2, 0)

	v1 := getGaugeValue(c1.connectionsActive.WithLabelValues("i1"))
	v2 := getGaugeValue(c2.connectionsActive.WithLabelValues("i1"))

	if v1 != 1 {
		t.Errorf("c1 expected active=1, got %v", v1)
	}
	if v2 != 2 {
		t.Errorf("c2 expected active=2, got %v", v2)
	}
}
