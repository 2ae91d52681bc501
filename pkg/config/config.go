// Package config loads and validates the score server's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scttfrdmn/scorekeeper/internal/circuitbreaker"
	"github.com/scttfrdmn/scorekeeper/internal/retry"
	"github.com/scttfrdmn/scorekeeper/pkg/types"
)

// Configuration represents the complete score server configuration.
type Configuration struct {
	Global      GlobalConfig      `yaml:"global"`
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Bus         BusConfig         `yaml:"bus"`
	Locks       LockConfig        `yaml:"locks"`
	OsuAPI      OsuAPIConfig      `yaml:"osu_api"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
	Caches      CacheConfig       `yaml:"caches"`
	Submission  SubmissionConfig  `yaml:"submission"`
	Replays     ReplayConfig      `yaml:"replays"`
	Announce    AnnounceConfig    `yaml:"announce"`
	SideEffects SideEffectsConfig `yaml:"side_effects"`
}

// GlobalConfig contains process-wide settings.
type GlobalConfig struct {
	// InstanceName identifies this server in logs and lock ownership.
	InstanceName string `yaml:"instance_name"`

	// LogLevel defines the logging level (DEBUG, INFO, WARN, ERROR).
	LogLevel string `yaml:"log_level"`

	// MetricsEnabled exposes Prometheus metrics on /metrics.
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the authoritative store.
type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver   string `yaml:"driver"`
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
	// Migrate applies the embedded schema migrations at startup.
	Migrate bool `yaml:"migrate"`
}

// RedisConfig configures the ranking store connection (and the Redis bus).
// An empty URL selects the in-process ranking store.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// BusConfig selects the pub/sub transport for invalidation and notifications.
type BusConfig struct {
	// Transport is one of "redis", "kafka", "etcd" or "memory".
	Transport string `yaml:"transport"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaGroupID string   `yaml:"kafka_group_id"`

	EtcdEndpoints []string `yaml:"etcd_endpoints"`
	EtcdPrefix    string   `yaml:"etcd_prefix"`
}

// LockConfig selects how submissions are serialized per (user, beatmap, mode).
type LockConfig struct {
	// Backend is "memory" (single process) or "etcd" (shared across replicas).
	Backend       string        `yaml:"backend"`
	EtcdEndpoints []string      `yaml:"etcd_endpoints"`
	EtcdPrefix    string        `yaml:"etcd_prefix"`
	TTL           time.Duration `yaml:"ttl"`
}

// OsuAPIConfig configures the external beatmap metadata service.
type OsuAPIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Keys    []string      `yaml:"keys"`
	Timeout time.Duration `yaml:"timeout"`
	// RatePerSecond paces outgoing requests. 0 disables pacing.
	RatePerSecond int `yaml:"rate_per_second"`
}

// ResilienceConfig holds retry and circuit-breaker settings for upstream calls.
type ResilienceConfig struct {
	Retry          retry.Config          `yaml:"retry"`
	CircuitBreaker circuitbreaker.Config `yaml:"circuit_breaker"`
}

// CacheConfig sizes the lookup caches and the beatmap resolver.
type CacheConfig struct {
	BeatmapTTL        time.Duration `yaml:"beatmap_ttl"`
	BeatmapMaxEntries int           `yaml:"beatmap_max_entries"`
	StatsTTL          time.Duration `yaml:"stats_ttl"`
	StatsMaxEntries   int           `yaml:"stats_max_entries"`
	// UserTTL applies to credentials, privileges, countries, clans, whitelist and friends.
	UserTTL        time.Duration `yaml:"user_ttl"`
	UserMaxEntries int           `yaml:"user_max_entries"`

	AbsentMemoSize int           `yaml:"absent_memo_size"`
	AbsentMemoTTL  time.Duration `yaml:"absent_memo_ttl"`

	StalenessBase         time.Duration `yaml:"staleness_base"`
	StalenessGrowthPerDay time.Duration `yaml:"staleness_growth_per_day"`
}

// SubmissionConfig tunes the submission pipeline.
type SubmissionConfig struct {
	DisallowedMods    types.Mods `yaml:"disallowed_mods"`
	ExpectedUserAgent string     `yaml:"expected_user_agent"`
	// RestrictOnViolation enables the asynchronous account-restriction side effect.
	RestrictOnViolation bool `yaml:"restrict_on_violation"`
}

// ReplayConfig configures the replay byte store.
type ReplayConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// AnnounceConfig configures first-place announcements.
type AnnounceConfig struct {
	URL        string        `yaml:"url"`
	Key        string        `yaml:"key"`
	Channel    string        `yaml:"channel"`
	ProfileURL string        `yaml:"profile_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// SideEffectsConfig sizes the asynchronous side-effect worker.
type SideEffectsConfig struct {
	QueueDepth int `yaml:"queue_depth"`
}

// NewDefault returns a default configuration.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			InstanceName:   "scorekeeper",
			LogLevel:       "INFO",
			MetricsEnabled: true,
		},
		Server: ServerConfig{
			ListenAddr:      ":8090",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:   "memory",
			MaxConns: 16,
		},
		Bus: BusConfig{
			Transport:    "memory",
			KafkaGroupID: "scorekeeper",
			EtcdPrefix:   "/scorekeeper/bus/",
		},
		Locks: LockConfig{
			Backend:    "memory",
			EtcdPrefix: "/scorekeeper/locks/",
			TTL:        10 * time.Second,
		},
		OsuAPI: OsuAPIConfig{
			BaseURL:       "https://old.ppy.sh",
			Timeout:       5 * time.Second,
			RatePerSecond: 10,
		},
		Resilience: ResilienceConfig{
			Retry: retry.Default,
			CircuitBreaker: circuitbreaker.Config{
				Threshold: 5,
				Cooldown:  30 * time.Second,
			},
		},
		Caches: CacheConfig{
			BeatmapTTL:            2 * time.Hour,
			BeatmapMaxEntries:     4096,
			StatsTTL:              30 * time.Minute,
			StatsMaxEntries:       8192,
			UserMaxEntries:        0,
			AbsentMemoSize:        16384,
			AbsentMemoTTL:         30 * time.Minute,
			StalenessBase:         2 * time.Hour,
			StalenessGrowthPerDay: 5 * time.Hour / 365,
		},
		Submission: SubmissionConfig{
			DisallowedMods:      types.DefaultDisallowedMods,
			ExpectedUserAgent:   "osu!",
			RestrictOnViolation: true,
		},
		Replays: ReplayConfig{
			URL:     "http://localhost:8484",
			Timeout: 5 * time.Second,
		},
		Announce: AnnounceConfig{
			URL:        "http://localhost:5001/api/v1/fokabotMessage",
			Channel:    "#announce",
			ProfileURL: "https://akatsuki.pw/u/",
			Timeout:    2 * time.Second,
		},
		SideEffects: SideEffectsConfig{
			QueueDepth: 512,
		},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the current values.
func (c *Configuration) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Configuration) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *Configuration) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}

	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not one of memory, postgres", c.Database.Driver)
	}

	switch c.Bus.Transport {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("redis.url is required for the redis bus")
		}
	case "kafka":
		if len(c.Bus.KafkaBrokers) == 0 {
			return fmt.Errorf("bus.kafka_brokers is required for the kafka bus")
		}
	case "etcd":
		if len(c.Bus.EtcdEndpoints) == 0 {
			return fmt.Errorf("bus.etcd_endpoints is required for the etcd bus")
		}
	default:
		return fmt.Errorf("bus.transport %q is not one of memory, redis, kafka, etcd", c.Bus.Transport)
	}

	switch c.Locks.Backend {
	case "memory":
	case "etcd":
		if len(c.Locks.EtcdEndpoints) == 0 {
			return fmt.Errorf("locks.etcd_endpoints is required for the etcd lock backend")
		}
		if c.Locks.TTL < time.Second {
			return fmt.Errorf("locks.ttl must be at least 1s")
		}
	default:
		return fmt.Errorf("locks.backend %q is not one of memory, etcd", c.Locks.Backend)
	}

	if c.OsuAPI.BaseURL == "" {
		return fmt.Errorf("osu_api.base_url is required")
	}
	if c.OsuAPI.Timeout <= 0 {
		return fmt.Errorf("osu_api.timeout must be positive")
	}
	if c.Announce.Timeout <= 0 {
		return fmt.Errorf("announce.timeout must be positive")
	}
	if c.Replays.Timeout <= 0 {
		return fmt.Errorf("replays.timeout must be positive")
	}
	if c.Caches.StalenessBase <= 0 {
		return fmt.Errorf("caches.staleness_base must be positive")
	}
	if c.SideEffects.QueueDepth < 0 {
		return fmt.Errorf("side_effects.queue_depth must not be negative")
	}

	return nil
}
