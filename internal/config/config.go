package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for koriproxy. A process built
// from a YAML file and CLI/env overrides (cmd/koriproxy) ends up with
// one of these; the proxy's runtime components are wired directly off
// its fields, never off the file again once wiring is complete.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	Proxy        ProxyConfig        `yaml:"proxy"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Backend      BackendConfig      `yaml:"backend"`
	Pool         PoolConfig         `yaml:"pool"`
	HealthCheck  HealthCheckConfig  `yaml:"health_check"`
	Router       RouterConfig       `yaml:"router"`
	Users        []StaticUser       `yaml:"users"`
}

// ListenConfig defines the ports and bind addresses koriproxy listens
// on. Grounded on the teacher's ListenConfig, dropped to a single
// MySQL listener now that Postgres support is gone.
type ListenConfig struct {
	Port     int    `yaml:"port"`
	HTTPPort int    `yaml:"http_port"`
	TLSCert  string `yaml:"tls_cert"`
	TLSKey   string `yaml:"tls_key"`
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

// ProxyConfig holds the proxy's own identity and worker shape, the
// settings SPEC_FULL.md's CLI surface (--works, --node-id, --max-conns,
// --router, --balance, --log-level) maps onto.
type ProxyConfig struct {
	Works         int    `yaml:"works"`
	NodeID        string `yaml:"node_id"`
	MaxConns      int    `yaml:"max_conns"`
	RouterName    string `yaml:"router"`
	BalanceName   string `yaml:"balance"`
	LogLevel      string `yaml:"log_level"`
	EnableMetrics bool   `yaml:"enable_metrics"`
	EnableREST    bool   `yaml:"enable_rest"`
}

// ControlPlaneConfig points the control-plane client at the cluster
// watcher the proxy subscribes its topology from.
type ControlPlaneConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// BackendConfig configures the `backend` subcommand's static, no-control-
// plane mode: one statically registered BackendInstance, no topology
// stream.
type BackendConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// PoolConfig mirrors pool.Limits, kept as its own YAML-facing type so
// the wiring code in cmd/koriproxy converts it once rather than
// coupling the config package to internal/pool's struct shape.
type PoolConfig struct {
	MinLinks       int           `yaml:"min_links"`
	MaxLinks       int           `yaml:"max_links"`
	IdleThreshold  time.Duration `yaml:"idle_threshold"`
	MaxLifetime    time.Duration `yaml:"max_lifetime"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

// HealthCheckConfig mirrors health.Config.
type HealthCheckConfig struct {
	Interval          time.Duration `yaml:"interval"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// RouterConfig holds the static routing rules used when no
// control-plane-fed cluster hint applies: a database-name -> cluster
// map plus an optional fallback.
type RouterConfig struct {
	DatabaseRules  map[string]string `yaml:"database_rules"`
	DefaultCluster string            `yaml:"default_cluster"`
}

// StaticUser is one entry of the `static` CredentialProvider named in
// the Auth Engine's provider registry.
type StaticUser struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database,omitempty"`
	Plugin   string `yaml:"plugin,omitempty"`
}

// Redacted returns a copy of cfg with every password masked, for safe logging.
func (c Config) Redacted() Config {
	out := c
	out.Backend.Password = redactIfSet(out.Backend.Password)
	out.Users = make([]StaticUser, len(c.Users))
	for i, u := range c.Users {
		u.Password = redactIfSet(u.Password)
		out.Users[i] = u
	}
	return out
}

func redactIfSet(s string) string {
	if s == "" {
		return s
	}
	return "***REDACTED***"
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	ApplyDefaults(cfg)
	return cfg, nil
}

// ApplyDefaults fills in the same defaults whether cfg came from a
// YAML file, bare CLI flags, or a test fixture.
func ApplyDefaults(cfg *Config) {
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 3307
	}
	if cfg.Listen.HTTPPort == 0 {
		cfg.Listen.HTTPPort = 8080
	}
	if cfg.Proxy.Works == 0 {
		cfg.Proxy.Works = 1
	}
	if cfg.Proxy.LogLevel == "" {
		cfg.Proxy.LogLevel = "info"
	}
	if cfg.Proxy.RouterName == "" {
		cfg.Proxy.RouterName = "default"
	}
	if cfg.Proxy.BalanceName == "" {
		cfg.Proxy.BalanceName = "fewest-leases"
	}
	if cfg.Pool.MaxLinks == 0 {
		cfg.Pool.MaxLinks = 10
	}
	if cfg.Pool.IdleThreshold == 0 {
		cfg.Pool.IdleThreshold = 30 * time.Second
	}
	if cfg.Pool.AcquireTimeout == 0 {
		cfg.Pool.AcquireTimeout = 5 * time.Second
	}
	if cfg.Pool.DialTimeout == 0 {
		cfg.Pool.DialTimeout = 5 * time.Second
	}
	if cfg.HealthCheck.Interval == 0 {
		cfg.HealthCheck.Interval = 10 * time.Second
	}
	if cfg.HealthCheck.FailureThreshold == 0 {
		cfg.HealthCheck.FailureThreshold = 3
	}
	if cfg.HealthCheck.ConnectionTimeout == 0 {
		cfg.HealthCheck.ConnectionTimeout = 2 * time.Second
	}
}

func validate(cfg *Config) error {
	for i, u := range cfg.Users {
		if u.Username == "" {
			return fmt.Errorf("users[%d]: username is required", i)
		}
	}
	if cfg.Backend.Addr != "" && cfg.ControlPlane.Enabled {
		return fmt.Errorf("backend.addr and control_plane.enabled are mutually exclusive: a static backend bypasses the control plane")
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
