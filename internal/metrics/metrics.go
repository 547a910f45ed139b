package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for koriproxy.
type Collector struct {
	Registry           *prometheus.Registry
	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	instanceHealth     *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec
	backendInstances   *prometheus.GaugeVec

	healthCheckDuration *prometheus.HistogramVec
	healthCheckErrors   *prometheus.CounterVec

	leasesTotal            *prometheus.CounterVec
	leaseDuration          *prometheus.HistogramVec
	replayStatementsTotal  *prometheus.CounterVec
	topologyEventsTotal    *prometheus.CounterVec
	controlPlaneReconnects *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g., in tests or on config reload) — each call
// creates an independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "koriproxy_connections_active",
				Help: "Number of active backend links per instance",
			},
			[]string{"instance"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "koriproxy_connections_idle",
				Help: "Number of idle backend links per instance",
			},
			[]string{"instance"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "koriproxy_connections_total",
				Help: "Total number of backend links per instance",
			},
			[]string{"instance"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "koriproxy_connections_waiting",
				Help: "Number of goroutines waiting for a backend link per instance",
			},
			[]string{"instance"},
		),
		instanceHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "koriproxy_instance_health",
				Help: "Health status of a backend instance (1=healthy, 0=unhealthy)",
			},
			[]string{"instance"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "koriproxy_pool_exhausted_total",
				Help: "Total number of times the pool was exhausted per instance",
			},
			[]string{"instance"},
		),
		backendInstances: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "koriproxy_backend_instances",
				Help: "Number of backend instances known to the Topology Store, by cluster and online state",
			},
			[]string{"cluster", "online"},
		),

		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "koriproxy_health_check_duration_seconds",
				Help:    "Duration of health check probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"instance", "status"},
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "koriproxy_health_check_errors_total",
				Help: "Health check errors by type",
			},
			[]string{"instance", "error_type"},
		),

		leasesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "koriproxy_leases_total",
				Help: "Total number of backend link leases, by instance and outcome",
			},
			[]string{"instance", "outcome"},
		),
		leaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "koriproxy_lease_duration_seconds",
				Help:    "Time spent waiting for Lease() to return a link, per instance",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
			},
			[]string{"instance"},
		),
		replayStatementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "koriproxy_replay_statements_total",
				Help: "Session-state replay statements issued against a backend link on lease",
			},
			[]string{"instance"},
		),
		topologyEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "koriproxy_topology_events_total",
				Help: "Topology Store mutations applied, by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		controlPlaneReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "koriproxy_controlplane_reconnects_total",
				Help: "Control-plane stream reconnect attempts, by stream",
			},
			[]string{"stream"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.instanceHealth,
		c.poolExhausted,
		c.backendInstances,
		c.healthCheckDuration,
		c.healthCheckErrors,
		c.leasesTotal,
		c.leaseDuration,
		c.replayStatementsTotal,
		c.topologyEventsTotal,
		c.controlPlaneReconnects,
	)

	return c
}

// UpdatePoolStats updates the pool gauge metrics from stats.
func (c *Collector) UpdatePoolStats(instance string, active, idle, total, waiting int) {
	c.connectionsActive.WithLabelValues(instance).Set(float64(active))
	c.connectionsIdle.WithLabelValues(instance).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(instance).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(instance).Set(float64(waiting))
}

// PoolExhausted increments the pool exhausted counter.
func (c *Collector) PoolExhausted(instance string) {
	c.poolExhausted.WithLabelValues(instance).Inc()
}

// SetInstanceHealth sets the health gauge for a backend instance.
func (c *Collector) SetInstanceHealth(instance string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.instanceHealth.WithLabelValues(instance).Set(val)
}

// SetBackendInstanceCount reports how many instances a cluster currently
// has in each online state, replacing whatever this cluster reported before.
func (c *Collector) SetBackendInstanceCount(cluster string, online, offline int) {
	c.backendInstances.WithLabelValues(cluster, "true").Set(float64(online))
	c.backendInstances.WithLabelValues(cluster, "false").Set(float64(offline))
}

// HealthCheckCompleted records a health check probe duration and result.
func (c *Collector) HealthCheckCompleted(instance string, d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.healthCheckDuration.WithLabelValues(instance, status).Observe(d.Seconds())
}

// HealthCheckError records a health check error by type.
func (c *Collector) HealthCheckError(instance, errorType string) {
	c.healthCheckErrors.WithLabelValues(instance, errorType).Inc()
}

// LeaseCompleted records a Lease() outcome and, on success, how long it took.
func (c *Collector) LeaseCompleted(instance string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.leasesTotal.WithLabelValues(instance, outcome).Inc()
	if err == nil {
		c.leaseDuration.WithLabelValues(instance).Observe(d.Seconds())
	}
}

// ReplayStatements records how many replay statements a Lease() issued.
func (c *Collector) ReplayStatements(instance string, n int) {
	if n <= 0 {
		return
	}
	c.replayStatementsTotal.WithLabelValues(instance).Add(float64(n))
}

// TopologyEvent records a Topology Store mutation attempt.
func (c *Collector) TopologyEvent(kind string, accepted bool) {
	outcome := "accepted"
	if !accepted {
		outcome = "rejected_stale"
	}
	c.topologyEventsTotal.WithLabelValues(kind, outcome).Inc()
}

// ControlPlaneReconnect records a control-plane stream reconnect attempt.
func (c *Collector) ControlPlaneReconnect(stream string) {
	c.controlPlaneReconnects.WithLabelValues(stream).Inc()
}

// RemoveInstance removes all metrics scoped to a decommissioned instance.
func (c *Collector) RemoveInstance(instance string) {
	c.connectionsActive.DeleteLabelValues(instance)
	c.connectionsIdle.DeleteLabelValues(instance)
	c.connectionsTotal.DeleteLabelValues(instance)
	c.connectionsWaiting.DeleteLabelValues(instance)
	c.instanceHealth.DeleteLabelValues(instance)
	c.poolExhausted.DeleteLabelValues(instance)
	c.healthCheckDuration.DeletePartialMatch(prometheus.Labels{"instance": instance})
	c.healthCheckErrors.DeletePartialMatch(prometheus.Labels{"instance": instance})
	c.leasesTotal.DeletePartialMatch(prometheus.Labels{"instance": instance})
	c.leaseDuration.DeleteLabelValues(instance)
	c.replayStatementsTotal.DeleteLabelValues(instance)
}
