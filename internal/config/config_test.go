package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ctdbgo/recoverd/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Admin.Addr != ":7929" {
		t.Errorf("Admin.Addr = %q, want %q", cfg.Admin.Addr, ":7929")
	}

	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}

	if cfg.Recovery.TickInterval != 1*time.Second {
		t.Errorf("Recovery.TickInterval = %v, want %v", cfg.Recovery.TickInterval, time.Second)
	}

	if cfg.Recovery.ControlDeadline != 1*time.Second {
		t.Errorf("Recovery.ControlDeadline = %v, want %v", cfg.Recovery.ControlDeadline, time.Second)
	}

	if cfg.Recovery.CopyDeadline != 2*time.Second {
		t.Errorf("Recovery.CopyDeadline = %v, want %v", cfg.Recovery.CopyDeadline, 2*time.Second)
	}

	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
admin:
  addr: ":8000"
metrics:
  addr: ":9200"
  path: "/custom-metrics"
log:
  level: "debug"
  format: "text"
recovery:
  tick_interval: "500ms"
  control_deadline: "2s"
  copy_deadline: "4s"
daemon:
  socket_path: "/tmp/ctdbd.socket"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Admin.Addr != ":8000" {
		t.Errorf("Admin.Addr = %q, want %q", cfg.Admin.Addr, ":8000")
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Recovery.TickInterval != 500*time.Millisecond {
		t.Errorf("Recovery.TickInterval = %v, want %v", cfg.Recovery.TickInterval, 500*time.Millisecond)
	}

	if cfg.Recovery.ControlDeadline != 2*time.Second {
		t.Errorf("Recovery.ControlDeadline = %v, want %v", cfg.Recovery.ControlDeadline, 2*time.Second)
	}

	if cfg.Daemon.SocketPath != "/tmp/ctdbd.socket" {
		t.Errorf("Daemon.SocketPath = %q, want %q", cfg.Daemon.SocketPath, "/tmp/ctdbd.socket")
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	yamlContent := `
admin:
  addr: ":8001"
`
	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Admin.Addr != ":8001" {
		t.Errorf("Admin.Addr = %q, want %q", cfg.Admin.Addr, ":8001")
	}

	// Untouched fields inherit defaults.
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Recovery.TickInterval != time.Second {
		t.Errorf("Recovery.TickInterval = %v, want default %v", cfg.Recovery.TickInterval, time.Second)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr error
	}{
		{
			name:    "empty admin addr",
			mutate:  func(c *config.Config) { c.Admin.Addr = "" },
			wantErr: config.ErrEmptyAdminAddr,
		},
		{
			name:    "empty socket path",
			mutate:  func(c *config.Config) { c.Daemon.SocketPath = "" },
			wantErr: config.ErrEmptySocketPath,
		},
		{
			name:    "zero tick interval",
			mutate:  func(c *config.Config) { c.Recovery.TickInterval = 0 },
			wantErr: config.ErrInvalidTickInterval,
		},
		{
			name:    "negative control deadline",
			mutate:  func(c *config.Config) { c.Recovery.ControlDeadline = -1 },
			wantErr: config.ErrInvalidControlDeadline,
		},
		{
			name:    "zero copy deadline",
			mutate:  func(c *config.Config) { c.Recovery.CopyDeadline = 0 },
			wantErr: config.ErrInvalidCopyDeadline,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.mutate(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatalf("Validate() returned nil error, want %v", tt.wantErr)
			}
			if err.Error() != tt.wantErr.Error() {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestClusterConfig(t *testing.T) {
	t.Parallel()

	yamlContent := `
cluster:
  local_nid: 1
  peers:
    "0": "tcp:10.0.0.1:4379"
    "1": "tcp:10.0.0.2:4379"
    "2": "unix:/var/run/recoverd/node2.sock"
`
	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Cluster.LocalNID != 1 {
		t.Errorf("Cluster.LocalNID = %d, want 1", cfg.Cluster.LocalNID)
	}
	if got := cfg.Cluster.Peers["1"]; got != "tcp:10.0.0.2:4379" {
		t.Errorf("Cluster.Peers[1] = %q, want %q", got, "tcp:10.0.0.2:4379")
	}
}

func TestValidateNoLocalPeer(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Cluster.LocalNID = 5

	if err := config.Validate(cfg); !errors.Is(err, config.ErrNoLocalPeer) {
		t.Errorf("Validate() = %v, want %v", err, config.ErrNoLocalPeer)
	}
}

func TestParsePeerAddr(t *testing.T) {
	t.Parallel()

	network, address, err := config.ParsePeerAddr("tcp:10.0.0.2:4379")
	if err != nil {
		t.Fatalf("ParsePeerAddr() error: %v", err)
	}
	if network != "tcp" || address != "10.0.0.2:4379" {
		t.Errorf("ParsePeerAddr() = (%q, %q), want (%q, %q)", network, address, "tcp", "10.0.0.2:4379")
	}

	if _, _, err := config.ParsePeerAddr("no-colon-here"); !errors.Is(err, config.ErrInvalidPeerAddr) {
		t.Errorf("ParsePeerAddr(%q) error = %v, want %v", "no-colon-here", err, config.ErrInvalidPeerAddr)
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/recoverd.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	// Environment variable tests cannot be parallel because they modify
	// process-wide state (os.Setenv).

	yamlContent := `
admin:
  addr: ":7929"
log:
  level: "info"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("RECOVERD_ADMIN_ADDR", ":9999")
	t.Setenv("RECOVERD_LOG_LEVEL", "debug")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Admin.Addr != ":9999" {
		t.Errorf("Admin.Addr = %q, want %q (from env)", cfg.Admin.Addr, ":9999")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (from env)", cfg.Log.Level, "debug")
	}
}

// writeTemp creates a temporary YAML file and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "recoverd.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
