// Package pool implements the Backend Pool: per-backend-instance
// connection pooling with lease/return semantics and session-state
// replay. Grounded on the teacher's internal/pool/conn.go and pool.go
// (PooledConn/TenantPool/Manager), retargeted from tenant-keyed
// Postgres-or-MySQL pools to BackendInstance-keyed MySQL-only pools
// that lease out session-state-synced links rather than bare
// authenticated connections.
package pool

import (
	"net"
	"sync"
	"time"

	"github.com/koriproxy/koriproxy/internal/codec"
	"github.com/koriproxy/koriproxy/internal/session"
)

// LinkState mirrors the teacher's ConnState.
type LinkState int

const (
	LinkIdle LinkState = iota
	LinkActive
	LinkClosed
)

// PooledLink wraps a raw connection to one backend instance together
// with the session state it was last synced to, so the pool can
// compute a minimal replay diff on its next lease instead of always
// resetting the connection from scratch.
type PooledLink struct {
	mu         sync.Mutex
	conn       net.Conn
	codec      *codec.Codec
	state      LinkState
	createdAt  time.Time
	lastUsed   time.Time
	instanceID string
	lastSynced session.State
	pool       *BackendPool
}

// newPooledLink wraps conn for pool management. lastSynced should be
// the session state the backend is actually in immediately after
// authentication (session.New()'s defaults).
func newPooledLink(conn net.Conn, instanceID string, lastSynced session.State, p *BackendPool) *PooledLink {
	now := time.Now()
	return &PooledLink{
		conn:       conn,
		codec:      codec.New(),
		state:      LinkIdle,
		createdAt:  now,
		lastUsed:   now,
		instanceID: instanceID,
		lastSynced: lastSynced,
		pool:       p,
	}
}

// Conn returns the underlying net.Conn.
func (l *PooledLink) Conn() net.Conn { return l.conn }

// Codec returns the link's private packet codec, used when issuing
// replay statements or relaying command-phase traffic.
func (l *PooledLink) Codec() *codec.Codec { return l.codec }

// InstanceID returns the backend instance this link is connected to.
func (l *PooledLink) InstanceID() string { return l.instanceID }

// LastSynced returns the session state this link was last brought to.
func (l *PooledLink) LastSynced() session.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSynced
}

// SetSynced records the session state this link now reflects, after a
// successful replay.
func (l *PooledLink) SetSynced(s session.State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastSynced = s.Snapshot()
}

// MarkActive marks this link as leased out.
func (l *PooledLink) MarkActive() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = LinkActive
	l.lastUsed = time.Now()
}

// MarkIdle marks this link as returned to the pool.
func (l *PooledLink) MarkIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = LinkIdle
	l.lastUsed = time.Now()
}

// State returns the link's current state.
func (l *PooledLink) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// CreatedAt returns when the link was dialed.
func (l *PooledLink) CreatedAt() time.Time { return l.createdAt }

// IsExpired reports whether the link has exceeded its configured max
// lifetime.
func (l *PooledLink) IsExpired(maxLifetime time.Duration) bool {
	if maxLifetime <= 0 {
		return false
	}
	return time.Since(l.createdAt) > maxLifetime
}

// IsIdleOverThreshold reports whether an idle link's last-used time
// is old enough to warrant a health-check ping before reuse.
func (l *PooledLink) IsIdleOverThreshold(threshold time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if threshold <= 0 {
		return false
	}
	return l.state == LinkIdle && time.Since(l.lastUsed) > threshold
}

// Close closes the underlying connection.
func (l *PooledLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = LinkClosed
	return l.conn.Close()
}

// Ping performs a lightweight liveness check. Grounded on the
// teacher's PooledConn.Ping: a short-deadline 1-byte read where a
// timeout means "alive, nothing pending" and any other error means
// "dead".
func (l *PooledLink) Ping() error {
	_ = l.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 1)
	_, err := l.conn.Read(buf)
	_ = l.conn.SetReadDeadline(time.Time{})
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil
		}
		return err
	}
	return nil
}

// Return releases this link back to its pool.
func (l *PooledLink) Return() {
	if l.pool != nil {
		l.pool.Return(l)
	}
}
