// Package health periodically verifies that backend instances are
// actually answering MySQL queries, not just accepting TCP
// connections. Grounded on the teacher's internal/health/checker.go:
// the same bounded-worker-pool checkAll fan-out and
// consecutive-failure-threshold status machine are kept, retargeted
// from tenant/DBType dispatch to a MySQL-only, instance-keyed check
// that prefers a pool-leased SELECT 1 over a bare TCP probe.
package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/koriproxy/koriproxy/internal/metrics"
	"github.com/koriproxy/koriproxy/internal/pool"
	"github.com/koriproxy/koriproxy/internal/session"
	"github.com/koriproxy/koriproxy/internal/topology"
	"github.com/koriproxy/koriproxy/internal/wire"
)

const healthCheckQuery = "SELECT 1"

// Status represents the health status of a backend instance.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// InstanceHealth holds health information for a backend instance.
type InstanceHealth struct {
	Status              Status    `json:"status"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Config configures the checker's cadence and thresholds. Grounded on
// the teacher's config.HealthCheckConfig.
type Config struct {
	Interval          time.Duration
	FailureThreshold  int
	ConnectionTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 2 * time.Second
	}
	return c
}

// Checker performs periodic health checks on backend instances.
type Checker struct {
	mu            sync.RWMutex
	instances     map[string]*InstanceHealth
	knownClusters []topology.ClusterKey
	store         *topology.Store
	poolMgr       *pool.Manager
	metrics       *metrics.Collector
	cfg           Config

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a health checker reading instances from store.
func NewChecker(store *topology.Store, poolMgr *pool.Manager, m *metrics.Collector, cfg Config) *Checker {
	return &Checker{
		instances: make(map[string]*InstanceHealth),
		store:     store,
		poolMgr:   poolMgr,
		metrics:   m,
		cfg:       cfg.withDefaults(),
		stopCh:    make(chan struct{}),
	}
}

// Start begins periodic health checking.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("health checker started", "interval", c.cfg.Interval, "threshold", c.cfg.FailureThreshold)
}

// Stop stops the health checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	slog.Info("health checker stopped")
}

func (c *Checker) run() {
	c.checkAll()
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.checkAll()
		case <-c.stopCh:
			return
		}
	}
}

// checkAll pings every instance the Topology Store lists for each
// cluster registered via AddKnownCluster, at most maxWorkers at a time;
// clusters that were never registered are not checked.
func (c *Checker) checkAll() {
	c.mu.RLock()
	clusters := append([]topology.ClusterKey(nil), c.knownClusters...)
	c.mu.RUnlock()

	var instances []topology.BackendInstance
	for _, cluster := range clusters {
		instances = append(instances, c.store.ClusterInstances(cluster)...)
	}

	const maxWorkers = 10
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for _, inst := range instances {
		inst := inst
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			start := time.Now()
			healthy := c.pingInstance(inst)
			elapsed := time.Since(start)
			if c.metrics != nil {
				c.metrics.HealthCheckCompleted(inst.ID, elapsed, healthy)
			}
			c.updateStatus(inst.ID, healthy)
		}()
	}
	wg.Wait()
}

// AddKnownCluster registers a cluster the checker should sweep on
// every tick. Registering the same cluster twice has no further effect.
func (c *Checker) AddKnownCluster(cluster topology.ClusterKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.knownClusters {
		if existing == cluster {
			return
		}
	}
	c.knownClusters = append(c.knownClusters, cluster)
}

func (c *Checker) pingInstance(inst topology.BackendInstance) bool {
	if c.poolMgr != nil {
		if p, ok := c.poolMgr.Get(inst.ID); ok {
			return c.pingViaPool(inst.ID, p)
		}
	}

	conn, err := net.DialTimeout("tcp", inst.Address, c.cfg.ConnectionTimeout)
	if err != nil {
		if c.metrics != nil {
			c.metrics.HealthCheckError(inst.ID, "connection_refused")
		}
		c.setLastError(inst.ID, err.Error())
		return false
	}
	defer conn.Close()
	return c.pingRawHandshake(inst.ID, conn)
}

// pingViaPool leases a link from an existing pool and runs SELECT 1
// through the Command Phase's own codec, giving a full end-to-end
// signal instead of just a handshake probe. Grounded on the teacher's
// pingPostgresViaPool, retargeted to MySQL and the new PooledLink.
func (c *Checker) pingViaPool(instanceID string, p *pool.BackendPool) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectionTimeout)
	defer cancel()

	link, err := p.Lease(ctx, session.New())
	if err != nil {
		if c.metrics != nil {
			c.metrics.HealthCheckError(instanceID, "pool_exhausted")
		}
		c.setLastError(instanceID, "pool exhausted for health check: "+err.Error())
		return false
	}

	conn := link.Conn()
	_ = conn.SetDeadline(time.Now().Add(c.cfg.ConnectionTimeout))
	defer conn.SetDeadline(time.Time{})

	lc := link.Codec()
	lc.ResetSequence()
	if err := wire.SendQuery(lc, conn, healthCheckQuery); err != nil {
		if c.metrics != nil {
			c.metrics.HealthCheckError(instanceID, "write_error")
		}
		c.setLastError(instanceID, "health check write: "+err.Error())
		link.Close()
		return false
	}
	if err := wire.DrainUntilTerminal(lc, conn); err != nil {
		if c.metrics != nil {
			c.metrics.HealthCheckError(instanceID, "query_error")
		}
		c.setLastError(instanceID, "health check SELECT 1 failed: "+err.Error())
		p.Return(link)
		return false
	}
	c.setLastError(instanceID, "")
	p.Return(link)
	return true
}

func (c *Checker) setLastError(instanceID, errMsg string) {
	c.mu.Lock()
	th := c.getOrCreate(instanceID)
	if errMsg != "" {
		th.LastError = errMsg
	}
	c.mu.Unlock()
}

// pingRawHandshake verifies the instance sends a valid MySQL
// Protocol::HandshakeV10, without completing authentication. Grounded
// on the teacher's pingMySQL.
func (c *Checker) pingRawHandshake(instanceID string, conn net.Conn) bool {
	_ = conn.SetDeadline(time.Now().Add(c.cfg.ConnectionTimeout))

	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		c.setLastError(instanceID, fmt.Sprintf("read handshake header: %s", err))
		return false
	}
	payloadLen := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	if payloadLen <= 0 || payloadLen > 65535 {
		c.setLastError(instanceID, fmt.Sprintf("invalid handshake length: %d", payloadLen))
		return false
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(conn, payload); err != nil {
		c.setLastError(instanceID, fmt.Sprintf("read handshake payload: %s", err))
		return false
	}
	if len(payload) > 0 && payload[0] == 0xff {
		c.setLastError(instanceID, "backend returned error on connect")
		return false
	}
	return true
}

func (c *Checker) updateStatus(instanceID string, healthy bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	th := c.getOrCreate(instanceID)
	th.LastCheck = time.Now()

	if healthy {
		if th.ConsecutiveFailures > 0 {
			slog.Info("instance recovered", "instance", instanceID, "failures", th.ConsecutiveFailures)
		}
		th.Status = StatusHealthy
		th.ConsecutiveFailures = 0
		th.LastError = ""
	} else {
		th.ConsecutiveFailures++
		if th.ConsecutiveFailures >= c.cfg.FailureThreshold {
			if th.Status != StatusUnhealthy {
				slog.Warn("instance marked unhealthy", "instance", instanceID, "failures", th.ConsecutiveFailures, "error", th.LastError)
			}
			th.Status = StatusUnhealthy
		}
	}

	if c.metrics != nil {
		c.metrics.SetInstanceHealth(instanceID, th.Status == StatusHealthy)
	}
}

func (c *Checker) getOrCreate(instanceID string) *InstanceHealth {
	th, ok := c.instances[instanceID]
	if !ok {
		th = &InstanceHealth{Status: StatusUnknown}
		c.instances[instanceID] = th
	}
	return th
}

// IsHealthy returns whether an instance is healthy (unknown counts as healthy).
func (c *Checker) IsHealthy(instanceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	th, ok := c.instances[instanceID]
	if !ok {
		return true
	}
	return th.Status != StatusUnhealthy
}

// GetStatus returns the health status for an instance.
func (c *Checker) GetStatus(instanceID string) InstanceHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	th, ok := c.instances[instanceID]
	if !ok {
		return InstanceHealth{Status: StatusUnknown}
	}
	return *th
}

// GetAllStatuses returns health statuses for all known instances.
func (c *Checker) GetAllStatuses() map[string]InstanceHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make(map[string]InstanceHealth, len(c.instances))
	for id, th := range c.instances {
		result[id] = *th
	}
	return result
}

// OverallHealthy returns true if every known instance is healthy.
func (c *Checker) OverallHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, th := range c.instances {
		if th.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}

// RemoveInstance removes health state for a decommissioned instance.
func (c *Checker) RemoveInstance(instanceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.instances, instanceID)
	if c.metrics != nil {
		c.metrics.RemoveInstance(instanceID)
	}
	slog.Info("removed health state", "instance", instanceID)
}
