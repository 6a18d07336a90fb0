// Package config loads the kindred configuration file.
package config

import (
	"fmt"
	"time"

	"github.com/kindredhq/kindred/internal/observability"
)

// Config is the root configuration.
type Config struct {
	Realtime  RealtimeConfig          `yaml:"realtime"`
	Session   SessionConfig           `yaml:"session"`
	Heartbeat HeartbeatConfig         `yaml:"heartbeat"`
	Storage   StorageConfig           `yaml:"storage"`
	Server    ServerConfig            `yaml:"server"`
	Log       observability.LogConfig `yaml:"log"`
}

// RealtimeConfig controls the push channel and its fallbacks.
type RealtimeConfig struct {
	// GatewayURL is the websocket endpoint of the realtime gateway.
	GatewayURL string `yaml:"gateway_url"`
	// ActivationTimeoutMs bounds channel activation before it is treated
	// as failed.
	ActivationTimeoutMs int `yaml:"activation_timeout_ms"`
	// MaxReconnectAttempts bounds supervisor auto-retries.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	// PollingIntervalMs is the fallback polling cadence.
	PollingIntervalMs int `yaml:"polling_interval_ms"`
}

// SessionConfig controls the lifecycle sweeper.
type SessionConfig struct {
	// StaleMinutes is how long a waiting session may sit unclaimed.
	StaleMinutes int `yaml:"stale_minutes"`
	// InactiveMinutes is how long an active session may go silent.
	InactiveMinutes int `yaml:"inactive_minutes"`
	// SweepSchedule is a cron spec for the periodic sweep.
	SweepSchedule string `yaml:"sweep_schedule"`
}

// HeartbeatConfig controls backend liveness probing.
type HeartbeatConfig struct {
	// IntervalMs is the probe cadence.
	IntervalMs int `yaml:"interval_ms"`
	// MaxReconnectAttempts bounds scheduled reconnects between successes.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// StorageConfig selects and tunes the backing store.
type StorageConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `yaml:"driver"`
	// DSN is the postgres connection string. Supports env expansion, e.g.
	// "${DATABASE_URL}".
	DSN string `yaml:"dsn"`
}

// ServerConfig controls the ops HTTP listener.
type ServerConfig struct {
	// Addr is the listen address for /healthz, /status and /metrics.
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Realtime: RealtimeConfig{
			ActivationTimeoutMs:  10000,
			MaxReconnectAttempts: 5,
			PollingIntervalMs:    5000,
		},
		Session: SessionConfig{
			StaleMinutes:    10,
			InactiveMinutes: 5,
			SweepSchedule:   "@every 1m",
		},
		Heartbeat: HeartbeatConfig{
			IntervalMs:           30000,
			MaxReconnectAttempts: 10,
		},
		Storage: StorageConfig{
			Driver: "memory",
		},
		Server: ServerConfig{
			Addr: ":8090",
		},
		Log: observability.LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Realtime.ActivationTimeoutMs < 0 ||
		c.Realtime.PollingIntervalMs < 0 ||
		c.Heartbeat.IntervalMs < 0 {
		return fmt.Errorf("intervals must not be negative")
	}
	if c.Session.StaleMinutes <= 0 || c.Session.InactiveMinutes <= 0 {
		return fmt.Errorf("session thresholds must be positive")
	}
	return nil
}

// ActivationTimeout returns the configured activation window.
func (c *RealtimeConfig) ActivationTimeout() time.Duration {
	return time.Duration(c.ActivationTimeoutMs) * time.Millisecond
}

// PollingInterval returns the configured polling cadence.
func (c *RealtimeConfig) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalMs) * time.Millisecond
}

// Interval returns the configured probe cadence.
func (c *HeartbeatConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// StaleAfter returns the stale threshold.
func (c *SessionConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleMinutes) * time.Minute
}

// InactiveAfter returns the inactivity threshold.
func (c *SessionConfig) InactiveAfter() time.Duration {
	return time.Duration(c.InactiveMinutes) * time.Minute
}
