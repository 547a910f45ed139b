// Package proxy implements the MySQL-facing proxy server: the
// accept loop, the per-connection ClientConn state machine, and the
// Command Phase Engine that relays the command phase to a leased
// backend link. Grounded on the teacher's internal/proxy package,
// retargeted from a dual-protocol (Postgres + MySQL) tenant-based
// relay into a MySQL-only proxy wired to the Auth Engine, Router, and
// Backend Pool.
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/koriproxy/koriproxy/internal/auth"
	"github.com/koriproxy/koriproxy/internal/controlplane"
	"github.com/koriproxy/koriproxy/internal/health"
	"github.com/koriproxy/koriproxy/internal/metrics"
	"github.com/koriproxy/koriproxy/internal/pool"
	"github.com/koriproxy/koriproxy/internal/router"
)

// Server accepts MySQL client connections and drives each through a
// ClientConn. Grounded on the teacher's Server (internal/proxy/server.go):
// the same ctx/cancel/WaitGroup accept-loop shape is kept, dropping the
// Postgres listener and per-dbType handler switch now that this proxy
// speaks only the MySQL wire protocol.
type Server struct {
	router  *router.Router
	poolMgr *pool.Manager
	health  *health.Checker
	metrics *metrics.Collector
	cp      *controlplane.Client
	auth    auth.CredentialProvider
	tls     *tls.Config

	nodeID   string
	locality router.Locality
	maxConns int
	connSem  chan struct{} // nil when unbounded

	listener net.Listener
	nextID   uint32

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Config bundles Server's wired dependencies.
type Config struct {
	Router   *router.Router
	PoolMgr  *pool.Manager
	Health   *health.Checker
	Metrics  *metrics.Collector
	CP       *controlplane.Client
	Auth     auth.CredentialProvider
	TLS      *tls.Config
	NodeID   string
	Locality router.Locality
	// MaxConns bounds concurrent client connections; 0 means unbounded.
	MaxConns int
}

// NewServer creates a Server ready to Listen.
func NewServer(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		router:   cfg.Router,
		poolMgr:  cfg.PoolMgr,
		health:   cfg.Health,
		metrics:  cfg.Metrics,
		cp:       cfg.CP,
		auth:     cfg.Auth,
		tls:      cfg.TLS,
		nodeID:   cfg.NodeID,
		locality: cfg.Locality,
		maxConns: cfg.MaxConns,
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.MaxConns > 0 {
		s.connSem = make(chan struct{}, cfg.MaxConns)
	}
	return s
}

// Listen starts the MySQL proxy listener on port and begins accepting
// connections in the background.
func (s *Server) Listen(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln
	slog.Info("mysql proxy listening", "addr", addr, "node_id", s.nodeID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Warn("accept error", "err", err)
				continue
			}
		}

		if s.connSem != nil {
			select {
			case s.connSem <- struct{}{}:
			default:
				slog.Warn("max-conns reached, rejecting connection", "remote", conn.RemoteAddr())
				conn.Close()
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if s.connSem != nil {
				defer func() { <-s.connSem }()
			}
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	id := atomic.AddUint32(&s.nextID, 1)

	cc := NewClientConn(id, conn, ClientConnOpts{
		Provider: s.auth,
		Router:   s.router,
		PoolMgr:  s.poolMgr,
		Health:   s.health,
		Metrics:  s.metrics,
		CP:       s.cp,
		TLSCfg:   s.tls,
		NodeID:   s.nodeID,
		Locality: s.locality,
	})

	if err := cc.Serve(s.ctx); err != nil {
		slog.Debug("connection closed", "conn_id", id, "err", err)
	}
}

// Addr returns the listener's bound address. Only valid after Listen
// has returned successfully; mainly useful in tests that bind to port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully shuts down the server: stop accepting, close the
// listener, and wait for in-flight connections to finish their current
// command before their handler goroutines return.
func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	slog.Info("proxy server stopped")
}
