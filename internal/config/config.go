// Package config manages the recovery controller's configuration using koanf/v2.
//
// Supports YAML files and environment variables; no configuration value is
// read from CLI flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete recoverd configuration.
type Config struct {
	Admin    AdminConfig    `koanf:"admin"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Log      LogConfig      `koanf:"log"`
	Recovery RecoveryConfig `koanf:"recovery"`
	Daemon   DaemonConfig   `koanf:"daemon"`
	Cluster  ClusterConfig  `koanf:"cluster"`
}

// ClusterConfig lists every node's daemon address, the local node's
// included, keyed by its NID, so the recovery engine can dial a client.Peer
// for each one (spec.md §2: nodes learn peers from the cluster's static node
// list).
type ClusterConfig struct {
	// LocalNID is this node's own NID, used to find the loopback entry in
	// Peers.
	LocalNID uint32 `koanf:"local_nid"`

	// Peers maps a NID to the "network:address" string dialed to reach
	// that node's daemon (e.g. "tcp:10.0.0.2:4379"). The local node's own
	// entry is dialed too, to reach its own local node daemon.
	Peers map[string]string `koanf:"peers"`
}

// AdminConfig holds the JSON admin/status HTTP server configuration.
type AdminConfig struct {
	// Addr is the admin listen address (e.g., ":7929").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// RecoveryConfig holds the recovery control loop's tunables.
type RecoveryConfig struct {
	// TickInterval is how often the control loop polls node/routing maps
	// (spec.md §4.7 step 2: "wait one second (cooperatively)").
	TickInterval time.Duration `koanf:"tick_interval"`

	// ControlDeadline is the per-call deadline for control RPCs
	// (GET_NODEMAP, GET_VNNMAP, SET_VNNMAP, GET_DBMAP, SET_RECMODE, ...).
	ControlDeadline time.Duration `koanf:"control_deadline"`

	// CopyDeadline is loaded and validated but not applied: COPY_DB runs
	// under ControlDeadline like the other control RPCs.
	CopyDeadline time.Duration `koanf:"copy_deadline"`
}

// DaemonConfig holds connection parameters for the local node daemon socket.
type DaemonConfig struct {
	// SocketPath names the local node daemon's domain socket. It is
	// validated but not dialed; the daemon reaches the local node through
	// its entry in Cluster.Peers.
	SocketPath string `koanf:"socket_path"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// The control/copy deadlines follow spec.md §4.4: "Each operation has a
// per-call deadline (1-2 seconds typical)."
func DefaultConfig() *Config {
	return &Config{
		Admin: AdminConfig{
			Addr: ":7929",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Recovery: RecoveryConfig{
			TickInterval:    1 * time.Second,
			ControlDeadline: 1 * time.Second,
			CopyDeadline:    2 * time.Second,
		},
		Daemon: DaemonConfig{
			SocketPath: "/var/run/ctdb/ctdbd.socket",
		},
		Cluster: ClusterConfig{
			LocalNID: 0,
			Peers: map[string]string{
				"0": "tcp:127.0.0.1:4379",
			},
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for recoverd configuration.
// Variables are named RECOVERD_<section>_<key>, e.g., RECOVERD_ADMIN_ADDR.
const envPrefix = "RECOVERD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (RECOVERD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	RECOVERD_ADMIN_ADDR         -> admin.addr
//	RECOVERD_METRICS_ADDR       -> metrics.addr
//	RECOVERD_LOG_LEVEL          -> log.level
//	RECOVERD_RECOVERY_TICK_INTERVAL -> recovery.tick_interval
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// Load environment variable overrides on top of YAML.
	// RECOVERD_ADMIN_ADDR -> admin.addr (strip prefix, lowercase, first _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms RECOVERD_ADMIN_ADDR -> admin.addr.
// Strips the RECOVERD_ prefix, lowercases, and replaces the first _ (the
// section separator) with ., so RECOVERD_RECOVERY_TICK_INTERVAL becomes
// recovery.tick_interval.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"admin.addr":                defaults.Admin.Addr,
		"metrics.addr":              defaults.Metrics.Addr,
		"metrics.path":              defaults.Metrics.Path,
		"log.level":                 defaults.Log.Level,
		"log.format":                defaults.Log.Format,
		"recovery.tick_interval":    defaults.Recovery.TickInterval.String(),
		"recovery.control_deadline": defaults.Recovery.ControlDeadline.String(),
		"recovery.copy_deadline":    defaults.Recovery.CopyDeadline.String(),
		"daemon.socket_path":        defaults.Daemon.SocketPath,
		"cluster.local_nid":         defaults.Cluster.LocalNID,
		"cluster.peers":             defaults.Cluster.Peers,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyAdminAddr indicates the admin listen address is empty.
	ErrEmptyAdminAddr = errors.New("admin.addr must not be empty")

	// ErrEmptySocketPath indicates the daemon socket path is empty.
	ErrEmptySocketPath = errors.New("daemon.socket_path must not be empty")

	// ErrInvalidTickInterval indicates the tick interval is non-positive.
	ErrInvalidTickInterval = errors.New("recovery.tick_interval must be > 0")

	// ErrInvalidControlDeadline indicates the control RPC deadline is non-positive.
	ErrInvalidControlDeadline = errors.New("recovery.control_deadline must be > 0")

	// ErrInvalidCopyDeadline indicates the copy_db RPC deadline is non-positive.
	ErrInvalidCopyDeadline = errors.New("recovery.copy_deadline must be > 0")

	// ErrNoLocalPeer indicates cluster.peers has no entry for local_nid.
	ErrNoLocalPeer = errors.New("cluster.peers must contain an entry for cluster.local_nid")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Admin.Addr == "" {
		return ErrEmptyAdminAddr
	}

	if cfg.Daemon.SocketPath == "" {
		return ErrEmptySocketPath
	}

	if cfg.Recovery.TickInterval <= 0 {
		return ErrInvalidTickInterval
	}

	if cfg.Recovery.ControlDeadline <= 0 {
		return ErrInvalidControlDeadline
	}

	if cfg.Recovery.CopyDeadline <= 0 {
		return ErrInvalidCopyDeadline
	}

	localKey := fmt.Sprintf("%d", cfg.Cluster.LocalNID)
	if _, ok := cfg.Cluster.Peers[localKey]; !ok {
		return ErrNoLocalPeer
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// -------------------------------------------------------------------------
// Peer Address Parsing
// -------------------------------------------------------------------------

// ErrInvalidPeerAddr indicates a cluster.peers entry isn't "network:address".
var ErrInvalidPeerAddr = errors.New("config: peer address must be \"network:address\"")

// ParsePeerAddr splits a cluster.peers value of the form "tcp:10.0.0.2:4379"
// into the network and address halves client.Dial expects.
func ParsePeerAddr(s string) (network, address string, err error) {
	network, address, found := strings.Cut(s, ":")
	if !found || network == "" || address == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPeerAddr, s)
	}
	return network, address, nil
}
