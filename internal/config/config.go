// Package config manages fabricd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
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

// Config holds the complete fabricd configuration (spec.md §6.4).
type Config struct {
	Admin    AdminConfig    `koanf:"admin"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Log      LogConfig      `koanf:"log"`
	Router   RouterConfig   `koanf:"router"`
	Session  SessionConfig  `koanf:"session"`
	Cluster  ClusterConfig  `koanf:"cluster"`
	Queue    QueueConfig    `koanf:"queue"`
	Abstract []AbstractRule `koanf:"abstract"`
}

// AdminConfig holds the admin HTTP status/control surface configuration.
type AdminConfig struct {
	// Addr is the admin HTTP listen address (e.g., ":8090").
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

// RouterConfig holds this router's identity and topology parameters
// (spec.md §6.4).
type RouterConfig struct {
	RouterEP               string   `koanf:"router_ep"`
	ParentEP                string   `koanf:"parent_ep"`
	Role                    string   `koanf:"role"` // "leaf", "hub", "root"
	DiscoveryMode           string   `koanf:"discovery_mode"` // "MULTICAST" or "UDPBROADCAST"
	UdpEP                   string   `koanf:"udp_ep"`
	TcpEP                   string   `koanf:"tcp_ep"`
	TcpBacklog              int      `koanf:"tcp_backlog"`
	BkInterval              time.Duration `koanf:"bk_interval"`
	MaxIdle                 time.Duration `koanf:"max_idle"`
	EnableP2P               bool     `koanf:"enable_p2p"`
	AdvertiseTime           time.Duration `koanf:"advertise_time"`
	KeepAliveTime           time.Duration `koanf:"keep_alive_time"`
	DefMsgTTL               uint8    `koanf:"def_msg_ttl"`
	SharedKey               string   `koanf:"shared_key"`
	MaxLogicalAdvertiseEPs  int      `koanf:"max_logical_advertise_eps"`
	DeadRouterTTL           time.Duration `koanf:"dead_router_ttl"`
	UplinkEP                []string `koanf:"uplink_ep"`
	DownlinkEP              []string `koanf:"downlink_ep"`
}

// SessionConfig holds the session layer's retry/cache tunables.
type SessionConfig struct {
	SessionCacheTime time.Duration `koanf:"cache_time"`
	SessionRetries   int           `koanf:"retries"`
	SessionTimeout   time.Duration `koanf:"timeout"`
}

// ClusterConfig holds leader-election timers (spec.md §6.4 "Cluster:").
type ClusterConfig struct {
	ClusterBaseEP           string        `koanf:"base_ep"`
	Mode                    string        `koanf:"mode"` // Normal, Observer, Monitor, PreferMaster, PreferSlave
	MasterBroadcastInterval time.Duration `koanf:"master_broadcast_interval"`
	SlaveUpdateInterval     time.Duration `koanf:"slave_update_interval"`
	MissingMasterCount      int           `koanf:"missing_master_count"`
	MissingSlaveCount       int           `koanf:"missing_slave_count"`
	ElectionInterval        time.Duration `koanf:"election_interval"`
}

// QueueConfig holds the message-queue engine's tunables
// (spec.md §6.4 "Queue:").
type QueueConfig struct {
	QueueMap            []string      `koanf:"queue_map"`
	FlushInterval       time.Duration `koanf:"flush_interval"`
	DeadLetterTTL       time.Duration `koanf:"dead_letter_ttl"`
	MaxDeliveryAttempts int           `koanf:"max_delivery_attempts"`
}

// AbstractRule is one `AbstractMap[pattern]=target` entry (spec.md §6.4),
// loaded into the process-wide abstract-endpoint map at startup.
type AbstractRule struct {
	Pattern string `koanf:"pattern"`
	Target  string `koanf:"target"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Admin: AdminConfig{Addr: ":8090"},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Router: RouterConfig{
			Role:                   "leaf",
			DiscoveryMode:          "MULTICAST",
			TcpBacklog:             128,
			BkInterval:             time.Second,
			MaxIdle:                5 * time.Minute,
			AdvertiseTime:          5 * time.Second,
			KeepAliveTime:          2 * time.Second,
			DefMsgTTL:              64,
			MaxLogicalAdvertiseEPs: 256,
			DeadRouterTTL:          15 * time.Second,
		},
		Session: SessionConfig{
			SessionCacheTime: 2 * time.Minute,
			SessionRetries:   3,
			SessionTimeout:   5 * time.Second,
		},
		Cluster: ClusterConfig{
			Mode:                    "Normal",
			MasterBroadcastInterval: 2 * time.Second,
			SlaveUpdateInterval:     2 * time.Second,
			MissingMasterCount:      3,
			MissingSlaveCount:       3,
			ElectionInterval:        time.Second,
		},
		Queue: QueueConfig{
			FlushInterval:       5 * time.Second,
			DeadLetterTTL:       time.Hour,
			MaxDeliveryAttempts: 5,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for fabricd configuration.
// Variables are named FABRIC_<section>_<key>, e.g., FABRIC_ROUTER_ROUTER_EP.
const envPrefix = "FABRIC_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (FABRIC_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

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

// envKeyMapper transforms FABRIC_ROUTER_ROUTER_EP -> router.router_ep.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"admin.addr":                             defaults.Admin.Addr,
		"metrics.addr":                           defaults.Metrics.Addr,
		"metrics.path":                           defaults.Metrics.Path,
		"log.level":                              defaults.Log.Level,
		"log.format":                             defaults.Log.Format,
		"router.role":                            defaults.Router.Role,
		"router.discovery_mode":                  defaults.Router.DiscoveryMode,
		"router.tcp_backlog":                     defaults.Router.TcpBacklog,
		"router.bk_interval":                     defaults.Router.BkInterval.String(),
		"router.max_idle":                        defaults.Router.MaxIdle.String(),
		"router.advertise_time":                  defaults.Router.AdvertiseTime.String(),
		"router.keep_alive_time":                 defaults.Router.KeepAliveTime.String(),
		"router.def_msg_ttl":                     defaults.Router.DefMsgTTL,
		"router.max_logical_advertise_eps":        defaults.Router.MaxLogicalAdvertiseEPs,
		"router.dead_router_ttl":                 defaults.Router.DeadRouterTTL.String(),
		"session.cache_time":                     defaults.Session.SessionCacheTime.String(),
		"session.retries":                        defaults.Session.SessionRetries,
		"session.timeout":                        defaults.Session.SessionTimeout.String(),
		"cluster.mode":                           defaults.Cluster.Mode,
		"cluster.master_broadcast_interval":      defaults.Cluster.MasterBroadcastInterval.String(),
		"cluster.slave_update_interval":          defaults.Cluster.SlaveUpdateInterval.String(),
		"cluster.missing_master_count":           defaults.Cluster.MissingMasterCount,
		"cluster.missing_slave_count":            defaults.Cluster.MissingSlaveCount,
		"cluster.election_interval":              defaults.Cluster.ElectionInterval.String(),
		"queue.flush_interval":                   defaults.Queue.FlushInterval.String(),
		"queue.dead_letter_ttl":                  defaults.Queue.DeadLetterTTL.String(),
		"queue.max_delivery_attempts":             defaults.Queue.MaxDeliveryAttempts,
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
	// ErrEmptyRouterEP indicates the router's own endpoint is unset.
	ErrEmptyRouterEP = errors.New("router.router_ep must not be empty")

	// ErrInvalidRole indicates an unrecognized router role.
	ErrInvalidRole = errors.New("router.role must be leaf, hub, or root")

	// ErrInvalidDiscoveryMode indicates an unrecognized discovery mode.
	ErrInvalidDiscoveryMode = errors.New("router.discovery_mode must be MULTICAST or UDPBROADCAST")

	// ErrInvalidClusterMode indicates an unrecognized cluster member mode.
	ErrInvalidClusterMode = errors.New("cluster.mode must be Normal, Observer, Monitor, PreferMaster, or PreferSlave")

	// ErrInvalidMaxDeliveryAttempts indicates a negative delivery attempt cap.
	ErrInvalidMaxDeliveryAttempts = errors.New("queue.max_delivery_attempts must be >= 0 (0 disables the cap)")
)

// ValidRoles lists the recognized router role strings.
var ValidRoles = map[string]bool{"leaf": true, "hub": true, "root": true}

// ValidDiscoveryModes lists the recognized discovery mode strings.
var ValidDiscoveryModes = map[string]bool{"MULTICAST": true, "UDPBROADCAST": true}

// ValidClusterModes lists the recognized cluster member mode strings.
var ValidClusterModes = map[string]bool{
	"Normal": true, "Observer": true, "Monitor": true, "PreferMaster": true, "PreferSlave": true,
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Router.RouterEP == "" {
		return ErrEmptyRouterEP
	}
	if !ValidRoles[cfg.Router.Role] {
		return ErrInvalidRole
	}
	if !ValidDiscoveryModes[cfg.Router.DiscoveryMode] {
		return ErrInvalidDiscoveryMode
	}
	if !ValidClusterModes[cfg.Cluster.Mode] {
		return ErrInvalidClusterMode
	}
	if cfg.Queue.MaxDeliveryAttempts < 0 {
		return ErrInvalidMaxDeliveryAttempts
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
