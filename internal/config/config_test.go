package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lilltek-go/fabric/internal/config"
)

func TestDefaultConfigFailsValidationWithoutRouterEP(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Admin.Addr != ":8090" {
		t.Errorf("Admin.Addr = %q, want %q", cfg.Admin.Addr, ":8090")
	}
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9100")
	}
	if cfg.Router.Role != "leaf" {
		t.Errorf("Router.Role = %q, want %q", cfg.Router.Role, "leaf")
	}
	if cfg.Router.DiscoveryMode != "MULTICAST" {
		t.Errorf("Router.DiscoveryMode = %q, want %q", cfg.Router.DiscoveryMode, "MULTICAST")
	}
	if cfg.Cluster.Mode != "Normal" {
		t.Errorf("Cluster.Mode = %q, want %q", cfg.Cluster.Mode, "Normal")
	}
	if cfg.Queue.MaxDeliveryAttempts != 5 {
		t.Errorf("Queue.MaxDeliveryAttempts = %d, want 5", cfg.Queue.MaxDeliveryAttempts)
	}

	// RouterEP has no sensible default, so the bare defaults must fail
	// validation until an operator supplies one.
	if err := config.Validate(cfg); !errors.Is(err, config.ErrEmptyRouterEP) {
		t.Errorf("Validate(defaults) = %v, want ErrEmptyRouterEP", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
router:
  router_ep: "physical://root:135/hub0/leaf0"
  role: "hub"
  discovery_mode: "UDPBROADCAST"
metrics:
  addr: ":9200"
  path: "/custom-metrics"
log:
  level: "debug"
  format: "text"
session:
  retries: 5
  timeout: "10s"
cluster:
  mode: "PreferMaster"
queue:
  max_delivery_attempts: 3
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Router.RouterEP != "physical://root:135/hub0/leaf0" {
		t.Errorf("Router.RouterEP = %q, want the configured endpoint", cfg.Router.RouterEP)
	}
	if cfg.Router.Role != "hub" {
		t.Errorf("Router.Role = %q, want hub", cfg.Router.Role)
	}
	if cfg.Router.DiscoveryMode != "UDPBROADCAST" {
		t.Errorf("Router.DiscoveryMode = %q, want UDPBROADCAST", cfg.Router.DiscoveryMode)
	}
	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9200")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Session.SessionRetries != 5 {
		t.Errorf("Session.SessionRetries = %d, want 5", cfg.Session.SessionRetries)
	}
	if cfg.Session.SessionTimeout != 10*time.Second {
		t.Errorf("Session.SessionTimeout = %v, want 10s", cfg.Session.SessionTimeout)
	}
	if cfg.Cluster.Mode != "PreferMaster" {
		t.Errorf("Cluster.Mode = %q, want PreferMaster", cfg.Cluster.Mode)
	}
	if cfg.Queue.MaxDeliveryAttempts != 3 {
		t.Errorf("Queue.MaxDeliveryAttempts = %d, want 3", cfg.Queue.MaxDeliveryAttempts)
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	yamlContent := `
router:
  router_ep: "physical://root:135/hub0"
log:
  level: "warn"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}
	// Defaults should be preserved for everything not overridden.
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9100")
	}
	if cfg.Router.Role != "leaf" {
		t.Errorf("Router.Role = %q, want default leaf", cfg.Router.Role)
	}
	if cfg.Router.DefMsgTTL != 64 {
		t.Errorf("Router.DefMsgTTL = %d, want default 64", cfg.Router.DefMsgTTL)
	}
	if cfg.Cluster.ElectionInterval != time.Second {
		t.Errorf("Cluster.ElectionInterval = %v, want default 1s", cfg.Cluster.ElectionInterval)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	base := func() *config.Config {
		cfg := config.DefaultConfig()
		cfg.Router.RouterEP = "physical://root:135/hub0"
		return cfg
	}

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name:    "empty router ep",
			modify:  func(cfg *config.Config) { cfg.Router.RouterEP = "" },
			wantErr: config.ErrEmptyRouterEP,
		},
		{
			name:    "invalid role",
			modify:  func(cfg *config.Config) { cfg.Router.Role = "branch" },
			wantErr: config.ErrInvalidRole,
		},
		{
			name:    "invalid discovery mode",
			modify:  func(cfg *config.Config) { cfg.Router.DiscoveryMode = "GOSSIP" },
			wantErr: config.ErrInvalidDiscoveryMode,
		},
		{
			name:    "invalid cluster mode",
			modify:  func(cfg *config.Config) { cfg.Cluster.Mode = "Leader" },
			wantErr: config.ErrInvalidClusterMode,
		},
		{
			name:    "negative max delivery attempts",
			modify:  func(cfg *config.Config) { cfg.Queue.MaxDeliveryAttempts = -1 },
			wantErr: config.ErrInvalidMaxDeliveryAttempts,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := base()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
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

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/config.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	// Environment variable tests cannot be parallel because they modify
	// process-wide state (os.Setenv).

	yamlContent := `
router:
  router_ep: "physical://root:135/hub0"
log:
  level: "info"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("FABRIC_LOG_LEVEL", "debug")
	t.Setenv("FABRIC_METRICS_ADDR", ":9200")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (from env)", cfg.Log.Level, "debug")
	}
	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q (from env)", cfg.Metrics.Addr, ":9200")
	}
}

// writeTemp creates a temporary YAML file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "fabricd.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
