// Package config loads the control-plane configuration from YAML with
// environment overrides. A Manager holds the current immutable snapshot and
// swaps it atomically on reload; workers read the snapshot once at task start.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the immutable configuration snapshot.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Broker    BrokerConfig    `yaml:"broker"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Energy    EnergyConfig    `yaml:"energy"`
	Jobs      JobsConfig      `yaml:"jobs"`
}

type ServerConfig struct {
	Port            string `yaml:"port"`
	Env             string `yaml:"env"`
	ShutdownGraceMs int    `yaml:"shutdown_grace_ms"`
}

type BrokerConfig struct {
	URL           string `yaml:"url"`
	ClientID      string `yaml:"client_id"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	PublishQoS    byte   `yaml:"publish_qos"`
	RetryBaseMs   int    `yaml:"retry_base_ms"`
	RetryAttempts int    `yaml:"retry_attempts"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // empty selects the in-memory store
}

type RedisConfig struct {
	Addr     string `yaml:"addr"` // empty disables the Redis event bridge
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	SessionTTLMinutes    int `yaml:"session_ttl_minutes"`
	CapabilityCacheTtlMs int `yaml:"capability_cache_ttl_ms"`
	LoginPerMinute       int `yaml:"login_per_minute"`
}

type PipelineConfig struct {
	DebounceMs        int `yaml:"debounce_ms"`
	AckTimeoutMs      int `yaml:"ack_timeout_ms"`
	BulkThreshold     int `yaml:"bulk_threshold"`
	ConfirmationTtlMs int `yaml:"confirmation_ttl_ms"`
}

type TelemetryConfig struct {
	HeartbeatOfflineMs int `yaml:"heartbeat_offline_ms"`
	GapMs              int `yaml:"gap_ms"`
	GoodEventsToClear  int `yaml:"good_events_to_clear"` // degraded -> online
}

type EnergyConfig struct {
	Timezone               string `yaml:"timezone"`
	DefaultCostPerKwhMinor int64  `yaml:"default_cost_per_kwh_minor"`
	FlushIntervalMs        int    `yaml:"flush_interval_ms"`
}

type JobsConfig struct {
	ReconciliationCron string `yaml:"reconciliation_cron"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development", ShutdownGraceMs: 10000},
		Broker: BrokerConfig{
			URL:           "tcp://localhost:1883",
			ClientID:      "campus-control-plane",
			PublishQoS:    1,
			RetryBaseMs:   200,
			RetryAttempts: 3,
		},
		Auth: AuthConfig{
			SessionTTLMinutes:    720,
			CapabilityCacheTtlMs: 5000,
			LoginPerMinute:       10,
		},
		Pipeline: PipelineConfig{
			DebounceMs:        500,
			AckTimeoutMs:      3000,
			BulkThreshold:     3,
			ConfirmationTtlMs: 60000,
		},
		Telemetry: TelemetryConfig{
			HeartbeatOfflineMs: 90000,
			GapMs:              300000,
			GoodEventsToClear:  3,
		},
		Energy: EnergyConfig{
			Timezone:               "Asia/Kolkata",
			DefaultCostPerKwhMinor: 750,
			FlushIntervalMs:        10000,
		},
		Jobs: JobsConfig{ReconciliationCron: "0 2 * * *"},
	}
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides. An empty path keeps defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CAMPUS_PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("CAMPUS_BROKER_URL"); v != "" {
		cfg.Broker.URL = v
	}
	if v := os.Getenv("CAMPUS_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("CAMPUS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CAMPUS_TIMEZONE"); v != "" {
		cfg.Energy.Timezone = v
	}
	if v := os.Getenv("CAMPUS_ACK_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.AckTimeoutMs = ms
		}
	}
}

// Validate rejects configurations the components cannot run with.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Energy.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Energy.Timezone, err)
	}
	if c.Pipeline.AckTimeoutMs <= 0 {
		return fmt.Errorf("ack_timeout_ms must be positive")
	}
	if c.Telemetry.HeartbeatOfflineMs <= 0 {
		return fmt.Errorf("heartbeat_offline_ms must be positive")
	}
	if c.Energy.DefaultCostPerKwhMinor < 0 {
		return fmt.Errorf("default_cost_per_kwh_minor must not be negative")
	}
	return nil
}

// Location resolves the configured IANA zone. Validate guarantees success.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Energy.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Durations derived from millisecond settings.

func (c *Config) AckTimeout() time.Duration { return time.Duration(c.Pipeline.AckTimeoutMs) * time.Millisecond }
func (c *Config) Debounce() time.Duration   { return time.Duration(c.Pipeline.DebounceMs) * time.Millisecond }
func (c *Config) ConfirmationTTL() time.Duration {
	return time.Duration(c.Pipeline.ConfirmationTtlMs) * time.Millisecond
}
func (c *Config) HeartbeatOffline() time.Duration {
	return time.Duration(c.Telemetry.HeartbeatOfflineMs) * time.Millisecond
}
func (c *Config) TelemetryGap() time.Duration {
	return time.Duration(c.Telemetry.GapMs) * time.Millisecond
}
func (c *Config) CapabilityCacheTTL() time.Duration {
	return time.Duration(c.Auth.CapabilityCacheTtlMs) * time.Millisecond
}
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Energy.FlushIntervalMs) * time.Millisecond
}
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Server.ShutdownGraceMs) * time.Millisecond
}
