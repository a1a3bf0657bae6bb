// Package config holds the typed configuration records for an Aura node.
// Every record has a Default constructor with working values; the YAML file
// only overrides what it names. Environment overrides live in cmd/aura-node,
// not here.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("config: invalid value")

// KeyFabricAgentConfig tunes the per-device agent runtime.
type KeyFabricAgentConfig struct {
	DefaultTimeoutSeconds int  `yaml:"default_timeout_seconds"`
	MaxParticipants       int  `yaml:"max_participants"`
	DefaultThreshold      int  `yaml:"default_threshold"`
	EnableAutoRetry       bool `yaml:"enable_auto_retry"`
	MaxRetryAttempts      int  `yaml:"max_retry_attempts"`
	ValidateParticipants  bool `yaml:"validate_participants"`

	// RetryBaseMs is the first retry delay; attempt i waits base * 2^(i-1).
	RetryBaseMs uint64 `yaml:"retry_base_ms"`
	// SessionTimeoutEpochs bounds a session in epochs alongside the
	// wall-clock timeout; whichever fires first wins.
	SessionTimeoutEpochs uint64 `yaml:"session_timeout_epochs"`
	// SweepIntervalMs is how often the cleanup task scans for expired
	// sessions.
	SweepIntervalMs uint64 `yaml:"sweep_interval_ms"`
}

// DefaultKeyFabricAgentConfig returns the agent defaults.
func DefaultKeyFabricAgentConfig() KeyFabricAgentConfig {
	return KeyFabricAgentConfig{
		DefaultTimeoutSeconds: 30,
		MaxParticipants:       16,
		DefaultThreshold:      2,
		EnableAutoRetry:       true,
		MaxRetryAttempts:      3,
		ValidateParticipants:  true,
		RetryBaseMs:           500,
		SessionTimeoutEpochs:  2,
		SweepIntervalMs:       1000,
	}
}

// Validate rejects configurations the runtime cannot operate under.
func (c KeyFabricAgentConfig) Validate() error {
	if c.MaxParticipants < 1 {
		return fmt.Errorf("%w: max_participants %d", ErrInvalidConfig, c.MaxParticipants)
	}
	if c.DefaultThreshold < 1 || c.DefaultThreshold > c.MaxParticipants {
		return fmt.Errorf("%w: default_threshold %d", ErrInvalidConfig, c.DefaultThreshold)
	}
	if c.MaxRetryAttempts < 0 {
		return fmt.Errorf("%w: max_retry_attempts %d", ErrInvalidConfig, c.MaxRetryAttempts)
	}
	if c.DefaultTimeoutSeconds < 1 {
		return fmt.Errorf("%w: default_timeout_seconds %d", ErrInvalidConfig, c.DefaultTimeoutSeconds)
	}
	return nil
}

// RendezvousManagerConfig tunes peer discovery.
type RendezvousManagerConfig struct {
	PresenceTTLSeconds     int `yaml:"presence_ttl_seconds"`
	RefreshIntervalSeconds int `yaml:"refresh_interval_seconds"`
	MaxPeers               int `yaml:"max_peers"`
}

// DefaultRendezvousManagerConfig returns the discovery defaults.
func DefaultRendezvousManagerConfig() RendezvousManagerConfig {
	return RendezvousManagerConfig{
		PresenceTTLSeconds:     60,
		RefreshIntervalSeconds: 20,
		MaxPeers:               64,
	}
}

// StorageConfig selects and parameterizes the durable Storage backend.
type StorageConfig struct {
	// Backend is one of "memory", "sqlite", "postgres", "redis".
	Backend string `yaml:"backend"`
	// Path is the SQLite database file.
	Path string `yaml:"path"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `yaml:"database_url"`
	// RedisAddr is the host:port of the Redis server.
	RedisAddr string `yaml:"redis_addr"`
}

// ArchiveConfig controls the S3 checkpoint archive. An empty bucket disables
// archiving.
type ArchiveConfig struct {
	S3Bucket string `yaml:"s3_bucket"`
	S3Region string `yaml:"s3_region"`
	Prefix   string `yaml:"prefix"`
}

// SyncConfig tunes anti-entropy.
type SyncConfig struct {
	// RatePerMinute caps outbound sync rounds per peer.
	RatePerMinute int `yaml:"rate_per_minute"`
	// IntervalMs is how often the node initiates a round with a peer.
	IntervalMs uint64 `yaml:"interval_ms"`
}

// ObservabilityConfig controls the OpenTelemetry provider.
type ObservabilityConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// NodeConfig is the root configuration for one aura-node process.
type NodeConfig struct {
	// AccountHex is the hex account id this node serves.
	AccountHex string `yaml:"account"`
	// KeyFile holds the device's Ed25519 private key.
	KeyFile  string `yaml:"key_file"`
	LogLevel string `yaml:"log_level"`
	NATSURL  string `yaml:"nats_url"`

	Storage       StorageConfig           `yaml:"storage"`
	Archive       ArchiveConfig           `yaml:"archive"`
	Sync          SyncConfig              `yaml:"sync"`
	Agent         KeyFabricAgentConfig    `yaml:"agent"`
	Rendezvous    RendezvousManagerConfig `yaml:"rendezvous"`
	Observability ObservabilityConfig     `yaml:"observability"`
}

// DefaultNodeConfig returns a runnable single-node configuration.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		LogLevel: "info",
		NATSURL:  "nats://127.0.0.1:4222",
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    "aura.db",
		},
		Sync: SyncConfig{
			RatePerMinute: 60,
			IntervalMs:    5000,
		},
		Agent:      DefaultKeyFabricAgentConfig(),
		Rendezvous: DefaultRendezvousManagerConfig(),
		Observability: ObservabilityConfig{
			ServiceName: "aura-node",
			SampleRatio: 1.0,
		},
	}
}

// Validate checks the whole record.
func (c NodeConfig) Validate() error {
	switch c.Storage.Backend {
	case "memory", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("%w: storage backend %q", ErrInvalidConfig, c.Storage.Backend)
	}
	return c.Agent.Validate()
}

// Load reads a YAML file over the defaults. A missing path returns defaults
// unchanged.
func Load(path string) (NodeConfig, error) {
	cfg := DefaultNodeConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
