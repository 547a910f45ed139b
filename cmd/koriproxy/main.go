// Command koriproxy runs the MySQL-compatible proxy: a root command
// that proxies against a control-plane-fed topology, and a `backend`
// subcommand that proxies against one statically configured instance
// with no control plane at all. Grounded on the teacher's
// cmd/dbbouncer/main.go lifecycle (load config, wire components, start
// listeners, wait for a shutdown signal), with its single flag.String
// entrypoint replaced by cobra/viper per spec.md §6's CLI/env surface.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/koriproxy/koriproxy/internal/api"
	"github.com/koriproxy/koriproxy/internal/auth"
	"github.com/koriproxy/koriproxy/internal/config"
	"github.com/koriproxy/koriproxy/internal/controlplane"
	"github.com/koriproxy/koriproxy/internal/health"
	"github.com/koriproxy/koriproxy/internal/metrics"
	"github.com/koriproxy/koriproxy/internal/pool"
	"github.com/koriproxy/koriproxy/internal/proxy"
	"github.com/koriproxy/koriproxy/internal/router"
	"github.com/koriproxy/koriproxy/internal/topology"
)

var v = viper.New()

func main() {
	root := newRootCmd()
	root.AddCommand(newBackendCmd())

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "koriproxy",
		Short: "MySQL-compatible proxy with control-plane-fed topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			bindCommonFlags(cmd)
			v.BindPFlag("control_plane.addr", cmd.Flags().Lookup("cluster-watcher-addr"))
			v.BindEnv("control_plane.enabled", "ENABLE_CP")
			return runProxy(cmd, "")
		},
	}
	declareCommonFlags(cmd)
	cmd.Flags().String("cluster-watcher-addr", "", "control-plane gRPC address to subscribe topology from")
	return cmd
}

func newBackendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Proxy against one statically configured backend, bypassing the control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			bindCommonFlags(cmd)
			v.BindPFlag("backend.addr", cmd.Flags().Lookup("backend-addr"))
			v.BindEnv("backend.addr", "BACKEND_ADDR", "TARGET")
			addr, _ := cmd.Flags().GetString("backend-addr")
			return runProxy(cmd, addr)
		},
	}
	declareCommonFlags(cmd)
	cmd.Flags().String("backend-addr", "", "static backend address (host:port), e.g. from TARGET")
	return cmd
}

// declareCommonFlags registers the flag set shared by the root command
// and the backend subcommand. It only defines flags - it must not bind
// them into viper, since both commands are constructed up front (before
// cobra decides which one actually runs) and a shared viper key bound
// to one command's *pflag.Flag would be silently overwritten once the
// other command's flags are also declared.
func declareCommonFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "path to YAML config file (optional; flags/env override it)")
	cmd.Flags().Int("works", 0, "worker count; stored in the loaded config (proxy.works) but not applied to runtime.GOMAXPROCS or any worker pool")
	cmd.Flags().Int("port", 0, "MySQL listener port")
	cmd.Flags().Int("http-port", 0, "REST/admin/metrics listener port")
	cmd.Flags().Bool("tls", false, "require frontend TLS (set listen.tls_cert/tls_key in config)")
	cmd.Flags().Bool("enable-metrics", true, "recorded in config as proxy.enable_metrics; /metrics is served with the REST API whatever its value")
	cmd.Flags().Bool("enable-rest", true, "expose the REST/admin API and dashboard")
	cmd.Flags().String("router", "", "router strategy name")
	cmd.Flags().String("balance", "", "backend-selection strategy name")
	cmd.Flags().String("log-level", "", "log level (debug, info, warn, error)")
	cmd.Flags().String("node-id", "", "this proxy instance's node identity, reported to the control plane")
	cmd.Flags().Int("max-conns", 0, "maximum concurrent client connections")
}

// bindCommonFlags binds the flags declareCommonFlags defined on cmd into
// viper. Called from inside RunE, once cobra has already resolved which
// command is actually executing, so it always binds viper's keys to
// the flags of the command that is about to run.
func bindCommonFlags(cmd *cobra.Command) {
	v.BindPFlag("proxy.works", cmd.Flags().Lookup("works"))
	v.BindPFlag("listen.port", cmd.Flags().Lookup("port"))
	v.BindPFlag("listen.http_port", cmd.Flags().Lookup("http-port"))
	v.BindPFlag("proxy.router", cmd.Flags().Lookup("router"))
	v.BindPFlag("proxy.balance", cmd.Flags().Lookup("balance"))
	v.BindPFlag("proxy.log_level", cmd.Flags().Lookup("log-level"))
	v.BindPFlag("proxy.node_id", cmd.Flags().Lookup("node-id"))
	v.BindPFlag("proxy.max_conns", cmd.Flags().Lookup("max-conns"))
	v.BindPFlag("proxy.enable_metrics", cmd.Flags().Lookup("enable-metrics"))
	v.BindPFlag("proxy.enable_rest", cmd.Flags().Lookup("enable-rest"))

	v.BindEnv("proxy.works", "WORKS")
	v.BindEnv("listen.port", "PORT")
	v.SetEnvPrefix("koriproxy")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")

	var cfg *config.Config
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	} else {
		cfg = &config.Config{}
	}

	if v.IsSet("listen.port") {
		cfg.Listen.Port = v.GetInt("listen.port")
	}
	if v.IsSet("listen.http_port") {
		cfg.Listen.HTTPPort = v.GetInt("listen.http_port")
	}
	if v.IsSet("proxy.works") {
		cfg.Proxy.Works = v.GetInt("proxy.works")
	}
	if v.IsSet("proxy.node_id") && v.GetString("proxy.node_id") != "" {
		cfg.Proxy.NodeID = v.GetString("proxy.node_id")
	}
	if v.IsSet("proxy.max_conns") {
		cfg.Proxy.MaxConns = v.GetInt("proxy.max_conns")
	}
	if v.IsSet("proxy.router") && v.GetString("proxy.router") != "" {
		cfg.Proxy.RouterName = v.GetString("proxy.router")
	}
	if v.IsSet("proxy.balance") && v.GetString("proxy.balance") != "" {
		cfg.Proxy.BalanceName = v.GetString("proxy.balance")
	}
	if v.IsSet("proxy.log_level") && v.GetString("proxy.log_level") != "" {
		cfg.Proxy.LogLevel = v.GetString("proxy.log_level")
	}
	cfg.Proxy.EnableMetrics = v.GetBool("proxy.enable_metrics")
	cfg.Proxy.EnableREST = v.GetBool("proxy.enable_rest")

	if v.IsSet("control_plane.addr") && v.GetString("control_plane.addr") != "" {
		cfg.ControlPlane.Addr = v.GetString("control_plane.addr")
		cfg.ControlPlane.Enabled = true
	}
	if v.GetBool("control_plane.enabled") {
		cfg.ControlPlane.Enabled = true
	}
	if v.IsSet("backend.addr") && v.GetString("backend.addr") != "" {
		cfg.Backend.Addr = v.GetString("backend.addr")
	}

	config.ApplyDefaults(cfg)
	return cfg, nil
}

func runProxy(cmd *cobra.Command, backendAddrOverride string) error {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("koriproxy starting...")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if backendAddrOverride != "" {
		cfg.Backend.Addr = backendAddrOverride
	}
	log.Printf("configuration loaded (redacted): %+v", cfg.Redacted())

	if _, inContainer := os.LookupEnv("IN_CONTAINER"); inContainer {
		log.Printf("running in container mode")
	}

	store := topology.New()
	m := metrics.New()
	r := router.New(store)
	for db, cluster := range cfg.Router.DatabaseRules {
		r.AddDatabaseRule(db, topology.ClusterKey(cluster))
	}
	if cfg.Router.DefaultCluster != "" {
		r.SetDefaultCluster(topology.ClusterKey(cfg.Router.DefaultCluster))
	}

	poolMgr := pool.NewManager(pool.Limits{
		MinLinks:       cfg.Pool.MinLinks,
		MaxLinks:       cfg.Pool.MaxLinks,
		IdleThreshold:  cfg.Pool.IdleThreshold,
		MaxLifetime:    cfg.Pool.MaxLifetime,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		DialTimeout:    cfg.Pool.DialTimeout,
	}, store)
	poolMgr.SetOnPoolExhausted(func(instanceID string) {
		m.PoolExhausted(instanceID)
	})

	hc := health.NewChecker(store, poolMgr, m, health.Config{
		Interval:          cfg.HealthCheck.Interval,
		FailureThreshold:  cfg.HealthCheck.FailureThreshold,
		ConnectionTimeout: cfg.HealthCheck.ConnectionTimeout,
	})

	provider := auth.NewStaticProvider()
	for _, u := range cfg.Users {
		provider.AddUser(u.Username, u.Password, u.Database, u.Plugin)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cpClient *controlplane.Client
	if cfg.ControlPlane.Enabled && cfg.ControlPlane.Addr != "" {
		cpClient = controlplane.New(cfg.ControlPlane.Addr, store, m)
		go func() {
			if err := cpClient.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("control-plane client stopped: %v", err)
			}
		}()
	} else if cfg.Backend.Addr != "" {
		store.ApplySnapshot([]topology.BackendInstance{{
			ID:       cfg.Backend.Addr,
			Cluster:  topology.ClusterKey(cfg.Proxy.RouterName),
			Address:  cfg.Backend.Addr,
			Online:   true,
			Username: cfg.Backend.Username,
			Password: cfg.Backend.Password,
			Database: cfg.Backend.Database,
		}}, 1)
		r.SetDefaultCluster(topology.ClusterKey(cfg.Proxy.RouterName))
		provider.AddUser(cfg.Backend.Username, cfg.Backend.Password, cfg.Backend.Database, "mysql_native_password")
	} else {
		log.Printf("warning: neither control_plane nor backend.addr configured; no instances will be reachable")
	}

	hc.Start()
	go reportPoolStats(ctx, poolMgr, m, 5*time.Second)

	tlsRequested, _ := cmd.Flags().GetBool("tls")
	var tlsCfg *tls.Config
	if tlsRequested || cfg.Listen.TLSEnabled() {
		if !cfg.Listen.TLSEnabled() {
			return fmt.Errorf("--tls requires listen.tls_cert and listen.tls_key in the config file")
		}
		cert, err := tls.LoadX509KeyPair(cfg.Listen.TLSCert, cfg.Listen.TLSKey)
		if err != nil {
			return fmt.Errorf("loading frontend TLS cert/key: %w", err)
		}
		tlsCfg = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	proxyServer := proxy.NewServer(proxy.Config{
		Router:   r,
		PoolMgr:  poolMgr,
		Health:   hc,
		Metrics:  m,
		CP:       cpClient,
		Auth:     provider,
		TLS:      tlsCfg,
		NodeID:   cfg.Proxy.NodeID,
		MaxConns: cfg.Proxy.MaxConns,
	})
	if err := proxyServer.Listen(cfg.Listen.Port); err != nil {
		return fmt.Errorf("starting mysql proxy: %w", err)
	}

	var apiServer *api.Server
	if cfg.Proxy.EnableREST {
		apiServer = api.NewServer(store, r, poolMgr, hc, m, cfg.Listen)
		if err := apiServer.Start(cfg.Listen.HTTPPort); err != nil {
			return fmt.Errorf("starting api server: %w", err)
		}
	}

	log.Printf("koriproxy ready - MySQL:%d API:%d", cfg.Listen.Port, cfg.Listen.HTTPPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %s, shutting down...", sig)

	cancel()
	if cpClient != nil {
		cpClient.Stop()
	}
	if apiServer != nil {
		apiServer.Stop()
	}
	proxyServer.Stop()
	hc.Stop()
	poolMgr.Close()

	log.Printf("koriproxy stopped")
	return nil
}

// reportPoolStats mirrors the teacher's periodic stats-to-Prometheus
// loop (pool.Manager.StartStatsLoop in the original), inlined here
// since Manager no longer owns a ticker itself.
func reportPoolStats(ctx context.Context, poolMgr *pool.Manager, m *metrics.Collector, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range poolMgr.AllStats() {
				m.UpdatePoolStats(s.InstanceID, s.Active, s.Idle, s.Total, s.Waiting)
			}
		}
	}
}
