package pool

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/koriproxy/koriproxy/internal/auth"
	"github.com/koriproxy/koriproxy/internal/proxyerr"
	"github.com/koriproxy/koriproxy/internal/session"
	"github.com/koriproxy/koriproxy/internal/topology"
	"github.com/koriproxy/koriproxy/internal/wire"
)

// Stats holds connection pool statistics for one backend instance.
// Grounded on the teacher's Stats (internal/pool/pool.go), retargeted
// from tenant identity to instance identity and dropping the
// Postgres/MySQL DBType field now that the proxy is MySQL-only.
type Stats struct {
	InstanceID string `json:"instance_id"`
	Active     int    `json:"active"`
	Idle       int    `json:"idle"`
	Total      int    `json:"total"`
	Waiting    int    `json:"waiting"`
	MaxLinks   int    `json:"max_links"`
	MinLinks   int    `json:"min_links"`
	Exhausted  int64  `json:"exhausted_total"`
}

// OnPoolExhausted is called when a pool reaches its link cap and a
// lease request must wait.
type OnPoolExhausted func(instanceID string)

// Limits configures one instance pool's sizing and timeouts. Carried
// from the teacher's PoolDefaults/TenantConfig EffectiveXxx accessors,
// flattened into one struct since this proxy has no per-tenant YAML
// config layer for pool sizing — Limits arrives from the control-plane
// topology or the CLI default flags instead.
type Limits struct {
	MinLinks       int
	MaxLinks       int
	IdleThreshold  time.Duration
	MaxLifetime    time.Duration
	AcquireTimeout time.Duration
	DialTimeout    time.Duration
}

func (l Limits) withDefaults() Limits {
	if l.MaxLinks <= 0 {
		l.MaxLinks = 10
	}
	if l.IdleThreshold <= 0 {
		l.IdleThreshold = 30 * time.Second
	}
	if l.AcquireTimeout <= 0 {
		l.AcquireTimeout = 5 * time.Second
	}
	if l.DialTimeout <= 0 {
		l.DialTimeout = 5 * time.Second
	}
	return l
}

// BackendPool manages links to a single backend instance. Grounded on
// the teacher's TenantPool: the same mutex+sync.Cond, idle
// slice/active set, reaper and warm-up goroutines are kept in shape,
// retargeted to key on a BackendInstance rather than a tenant and to
// lease out session-synced links via Lease instead of bare Acquire.
type BackendPool struct {
	mu   sync.Mutex
	cond *sync.Cond

	instance topology.BackendInstance
	limits   Limits

	idle    []*PooledLink
	active  map[*PooledLink]struct{}
	total   int
	waiting int

	exhausted int64

	closed          bool
	stopCh          chan struct{}
	onPoolExhausted OnPoolExhausted
}

// NewBackendPool creates a pool targeting one backend instance. A
// reaper goroutine and, if MinLinks > 0, a warm-up goroutine are
// started immediately, exactly as the teacher's NewTenantPool does.
func NewBackendPool(instance topology.BackendInstance, limits Limits) *BackendPool {
	limits = limits.withDefaults()
	p := &BackendPool{
		instance: instance,
		limits:   limits,
		idle:     make([]*PooledLink, 0),
		active:   make(map[*PooledLink]struct{}),
		stopCh:   make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	go p.reapLoop()
	if limits.MinLinks > 0 {
		go p.warmUp()
	}
	return p
}

func (p *BackendPool) warmUp() {
	for i := 0; i < p.limits.MinLinks; i++ {
		p.mu.Lock()
		if p.closed || p.total >= p.limits.MinLinks {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		link, err := p.dial(context.Background())
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			slog.Warn("warm-up link failed", "instance", p.instance.ID, "index", i+1, "err", err)
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			link.Close()
			return
		}
		link.MarkIdle()
		p.idle = append(p.idle, link)
		p.mu.Unlock()
	}
	slog.Info("warmed up backend pool", "instance", p.instance.ID, "count", p.limits.MinLinks)
}

func (p *BackendPool) dial(ctx context.Context) (*PooledLink, error) {
	dialer := net.Dialer{Timeout: p.limits.DialTimeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", p.instance.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", proxyerr.ErrNoBackend, p.instance.Address, err)
	}

	if err := auth.DialBackend(conn, auth.BackendCredentials{
		Username: p.instance.Username,
		Password: p.instance.Password,
		Database: p.instance.Database,
	}); err != nil {
		conn.Close()
		return nil, err
	}

	return newPooledLink(conn, p.instance.ID, session.New(), p), nil
}

// Lease acquires a link from the pool — creating or reusing one — and
// replays the diff between its last-synced session state and want so
// the caller observes a backend whose session-level state matches
// what the client expects, per the spec's session-preserving pooling
// model. Makes up to 3 attempts in total, closing the link and taking
// another after a replay or liveness failure, before giving up, carried from the teacher's reap-on-ping-failure retry
// loop in Acquire.
func (p *BackendPool) Lease(ctx context.Context, want session.State) (*PooledLink, error) {
	deadline := time.Now().Add(p.limits.AcquireTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	for attempt := 0; attempt < 3; attempt++ {
		link, err := p.acquireRaw(ctx, deadline)
		if err != nil {
			return nil, err
		}

		if link.IsIdleOverThreshold(p.limits.IdleThreshold) {
			if err := link.Ping(); err != nil {
				link.Close()
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				continue
			}
		}

		script := session.Diff(link.LastSynced(), want)
		if len(script) == 0 {
			return link, nil
		}
		if err := p.replay(link, script); err != nil {
			link.Close()
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			continue
		}
		link.SetSynced(want)
		return link, nil
	}
	return nil, fmt.Errorf("%w: session replay failed after retries against %s", proxyerr.ErrSessionReplayFailed, p.instance.ID)
}

func (p *BackendPool) replay(link *PooledLink, script session.ReplayScript) error {
	c := link.Codec()
	for _, stmt := range script {
		if err := wire.SendQuery(c, link.Conn(), stmt); err != nil {
			return err
		}
		if err := wire.DrainUntilTerminal(c, link.Conn()); err != nil {
			return err
		}
	}
	return nil
}

// acquireRaw implements the teacher's Acquire loop — pop idle, dial
// new if under cap, or wait on the cond var with a deadline timer —
// unchanged in shape, only retargeted to PooledLink/BackendInstance.
func (p *BackendPool) acquireRaw(ctx context.Context, deadline time.Time) (*PooledLink, error) {
	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: pool closed for instance %s", proxyerr.ErrNoBackend, p.instance.ID)
		}

		for len(p.idle) > 0 {
			link := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]

			if link.IsExpired(p.limits.MaxLifetime) {
				link.Close()
				p.total--
				continue
			}
			link.MarkActive()
			p.active[link] = struct{}{}
			p.mu.Unlock()
			return link, nil
		}

		if p.total < p.limits.MaxLinks {
			p.total++
			p.mu.Unlock()

			link, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, err
			}
			link.MarkActive()
			p.mu.Lock()
			p.active[link] = struct{}{}
			p.mu.Unlock()
			return link, nil
		}

		p.waiting++
		p.exhausted++
		cb := p.onPoolExhausted
		p.mu.Unlock()
		if cb != nil {
			cb(p.instance.ID)
		}

		p.mu.Lock()
		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.waiting--
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: acquire timeout against %s", proxyerr.ErrPoolExhausted, p.instance.ID)
		}
		timer := time.AfterFunc(remaining, func() { p.cond.Broadcast() })
		p.cond.Wait()
		timer.Stop()
		p.waiting--

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: pool closing for instance %s", proxyerr.ErrNoBackend, p.instance.ID)
		}
		if time.Now().After(deadline) {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: acquire timeout against %s", proxyerr.ErrPoolExhausted, p.instance.ID)
		}
	}
}

// Return releases a link back to the pool, per the spec's lease
// outcome contract — Return is used after a clean transaction
// boundary; the caller should Close (not Return) a link it knows to
// be in a bad state.
func (p *BackendPool) Return(link *PooledLink) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.active, link)

	if p.closed || link.IsExpired(p.limits.MaxLifetime) {
		link.Close()
		p.total--
		p.cond.Signal()
		return
	}

	link.MarkIdle()
	p.idle = append(p.idle, link)
	p.cond.Signal()
}

// Stats returns a snapshot of this pool's counters.
func (p *BackendPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		InstanceID: p.instance.ID,
		Active:     len(p.active),
		Idle:       len(p.idle),
		Total:      p.total,
		Waiting:    p.waiting,
		MaxLinks:   p.limits.MaxLinks,
		MinLinks:   p.limits.MinLinks,
		Exhausted:  p.exhausted,
	}
}

// Drain closes all idle links and waits (up to 30s, then force-closes)
// for active links to be returned. Grounded on the teacher's Drain.
func (p *BackendPool) Drain() {
	p.mu.Lock()
	for _, link := range p.idle {
		link.Close()
		p.total--
	}
	p.idle = p.idle[:0]
	activeCount := len(p.active)
	p.mu.Unlock()

	if activeCount == 0 {
		return
	}

	slog.Info("draining backend pool", "instance", p.instance.ID, "active", activeCount)
	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			if len(p.active) == 0 {
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		case <-timeout:
			p.mu.Lock()
			for link := range p.active {
				link.Close()
				p.total--
			}
			p.active = make(map[*PooledLink]struct{})
			p.mu.Unlock()
			slog.Warn("force-closed links after drain timeout", "instance", p.instance.ID)
			return
		}
	}
}

// Close shuts the pool down permanently.
func (p *BackendPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	p.cond.Broadcast()
	p.mu.Unlock()

	p.Drain()
}

func (p *BackendPool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopCh:
			return
		}
	}
}

func (p *BackendPool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.idle) <= p.limits.MinLinks {
		return
	}
	kept := make([]*PooledLink, 0, len(p.idle))
	excess := len(p.idle) - p.limits.MinLinks
	for i, link := range p.idle {
		if i < excess && (link.IsIdleOverThreshold(p.limits.IdleThreshold) || link.IsExpired(p.limits.MaxLifetime)) {
			link.Close()
			p.total--
		} else {
			kept = append(kept, link)
		}
	}
	p.idle = kept
}

// Manager owns one BackendPool per backend instance, wired to the
// Topology Store so an instance going offline drains its pool.
// Grounded on the teacher's Manager (tenant-keyed), retargeted to
// instance-keyed pools.
type Manager struct {
	mu              sync.RWMutex
	pools           map[string]*BackendPool
	limits          Limits
	onPoolExhausted OnPoolExhausted
	closeOnce       sync.Once
	statsStopCh     chan struct{}
}

// NewManager creates a Manager and wires instance-offline transitions
// from store to Drain the corresponding pool.
func NewManager(limits Limits, store *topology.Store) *Manager {
	m := &Manager{
		pools:       make(map[string]*BackendPool),
		limits:      limits,
		statsStopCh: make(chan struct{}),
	}
	store.OnOffline(func(inst topology.BackendInstance) {
		if p, ok := m.Get(inst.ID); ok {
			p.Drain()
		}
	})
	return m
}

// SetOnPoolExhausted sets the callback invoked when any pool is
// exhausted. Must be called before pools are created.
func (m *Manager) SetOnPoolExhausted(cb OnPoolExhausted) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPoolExhausted = cb
}

// GetOrCreate returns the pool for a backend instance, creating it
// lazily.
func (m *Manager) GetOrCreate(instance topology.BackendInstance) *BackendPool {
	m.mu.RLock()
	if p, ok := m.pools[instance.ID]; ok {
		m.mu.RUnlock()
		return p
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[instance.ID]; ok {
		return p
	}

	p := NewBackendPool(instance, m.limits)
	p.onPoolExhausted = m.onPoolExhausted
	m.pools[instance.ID] = p
	slog.Info("created backend pool", "instance", instance.ID, "address", instance.Address)
	return p
}

// Get returns the pool for an instance if one exists.
func (m *Manager) Get(instanceID string) (*BackendPool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[instanceID]
	return p, ok
}

// Remove closes and forgets the pool for an instance.
func (m *Manager) Remove(instanceID string) bool {
	m.mu.Lock()
	p, ok := m.pools[instanceID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.pools, instanceID)
	m.mu.Unlock()

	p.Close()
	return true
}

// AllStats returns stats across every known pool.
func (m *Manager) AllStats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		stats = append(stats, p.Stats())
	}
	return stats
}

// Close shuts down every pool. Safe to call multiple times.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.statsStopCh) })

	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*BackendPool)
	m.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}
