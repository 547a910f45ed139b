package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/koriproxy/koriproxy/internal/config"
	"github.com/koriproxy/koriproxy/internal/health"
	"github.com/koriproxy/koriproxy/internal/metrics"
	"github.com/koriproxy/koriproxy/internal/pool"
	"github.com/koriproxy/koriproxy/internal/router"
	"github.com/koriproxy/koriproxy/internal/topology"
)

// Server is the REST API and metrics server. Grounded on the
// teacher's internal/api/server.go, retargeted from tenant CRUD to
// read-only topology/pool/router introspection: there is no longer an
// operator-editable tenant map to expose a write surface for, since
// instance membership now arrives from the control-plane stream.
type Server struct {
	store       *topology.Store
	router      *router.Router
	poolMgr     *pool.Manager
	healthCheck *health.Checker
	metrics     *metrics.Collector
	httpServer  *http.Server
	startTime   time.Time
	listenCfg   config.ListenConfig
}

// NewServer creates a new API server.
func NewServer(store *topology.Store, r *router.Router, pm *pool.Manager, hc *health.Checker, m *metrics.Collector, lc config.ListenConfig) *Server {
	return &Server{
		store:       store,
		router:      r,
		poolMgr:     pm,
		healthCheck: hc,
		metrics:     m,
		startTime:   time.Now(),
		listenCfg:   lc,
	}
}

// Start starts the HTTP API server.
func (s *Server) Start(port int) error {
	r := mux.NewRouter()

	// Topology, pool, and router introspection
	r.HandleFunc("/topology", s.topologyHandler).Methods("GET")
	r.HandleFunc("/pools", s.poolsHandler).Methods("GET")
	r.HandleFunc("/pools/{id}", s.poolHandler).Methods("GET")
	r.HandleFunc("/router", s.routerHandler).Methods("GET")

	// Server status
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/config", s.configHandler).Methods("GET")

	// Health & readiness
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")

	// Prometheus metrics, served off the collector's own registry rather
	// than the default one so values seen here match what Collector
	// actually updates.
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	// Admin dashboard, served at exactly "/" and "/dashboard"
	r.HandleFunc("/", s.dashboardHandler).Methods("GET")
	r.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")

	addr := fmt.Sprintf("0.0.0.0:%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[api] REST API listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// --- Topology handlers ---

type instanceView struct {
	ID       string                 `json:"id"`
	Cluster  string                 `json:"cluster"`
	Address  string                 `json:"address"`
	Locality string                 `json:"locality,omitempty"`
	Role     string                 `json:"role"`
	Online   bool                   `json:"online"`
	Health   *health.InstanceHealth `json:"health,omitempty"`
	Pool     *pool.Stats            `json:"pool,omitempty"`
}

func (s *Server) topologyHandler(w http.ResponseWriter, r *http.Request) {
	clusters := s.store.AllClusters()

	result := make(map[string][]instanceView, len(clusters))
	for cluster, instances := range clusters {
		views := make([]instanceView, 0, len(instances))
		for _, inst := range instances {
			v := instanceView{
				ID:       inst.ID,
				Cluster:  string(inst.Cluster),
				Address:  inst.Address,
				Locality: inst.Locality,
				Role:     roleName(inst.Role),
				Online:   inst.Online,
			}
			if s.healthCheck != nil {
				h := s.healthCheck.GetStatus(inst.ID)
				v.Health = &h
			}
			if bp, ok := s.poolMgr.Get(inst.ID); ok {
				st := bp.Stats()
				v.Pool = &st
			}
			views = append(views, v)
		}
		result[string(cluster)] = views
	}

	writeJSON(w, http.StatusOK, result)
}

func roleName(role topology.InstanceRole) string {
	if role == topology.RolePrimary {
		return "primary"
	}
	return "replica"
}

// --- Pool handlers ---

func (s *Server) poolsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.poolMgr.AllStats())
}

func (s *Server) poolHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	bp, ok := s.poolMgr.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no pool for instance "+id)
		return
	}
	writeJSON(w, http.StatusOK, bp.Stats())
}

// --- Router handlers ---

func (s *Server) routerHandler(w http.ResponseWriter, r *http.Request) {
	byDatabase, defaultCluster, hasDefault := s.router.Rules()

	resp := map[string]interface{}{
		"database_rules": byDatabase,
	}
	if hasDefault {
		resp["default_cluster"] = defaultCluster
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Health handlers ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	statuses := s.healthCheck.GetAllStatuses()
	allHealthy := s.healthCheck.OverallHealthy()

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]interface{}{
		"status":    boolToStatus(allHealthy),
		"instances": statuses,
	})
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	clusters := s.store.AllClusters()
	if len(clusters) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	for _, instances := range clusters {
		for _, inst := range instances {
			if s.healthCheck.IsHealthy(inst.ID) {
				writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
				return
			}
		}
	}

	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
}

// --- Status & Config handlers ---

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()
	clusters := s.store.AllClusters()
	numInstances := 0
	for _, instances := range clusters {
		numInstances += len(instances)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(uptime),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_clusters":   len(clusters),
		"num_instances":  numInstances,
		"listen": map[string]int{
			"mysql_port": s.listenCfg.Port,
			"api_port":   s.listenCfg.HTTPPort,
		},
	})
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	byDatabase, defaultCluster, hasDefault := s.router.Rules()

	resp := map[string]interface{}{
		"listen": map[string]int{
			"mysql_port": s.listenCfg.Port,
			"api_port":   s.listenCfg.HTTPPort,
		},
		"tls_enabled":    s.listenCfg.TLSEnabled(),
		"database_rules": len(byDatabase),
	}
	if hasDefault {
		resp["default_cluster"] = defaultCluster
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
