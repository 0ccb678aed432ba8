// Package config defines the typed, YAML-loaded configuration surface for
// the durability core, following the teacher's
// codegen/shared/protocol_config.go typed-settings idiom (a small interface
// plus concrete structs) generalised from "code generation protocol
// settings" to "runtime tuning knobs" and fleshed out in the style of the
// pack's own YAML-backed service configs (r3e-network-service_layer's
// pkg/config).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document for one orchestrator process.
type Config struct {
	Queue      QueueConfig      `yaml:"queue"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
	Retention  RetentionConfig  `yaml:"retention"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Mongo      MongoConfig      `yaml:"mongo"`
	Redis      RedisConfig      `yaml:"redis"`
}

// QueueConfig tunes the durable work queue's backoff schedule (spec §4.1).
type QueueConfig struct {
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Jitter            float64       `yaml:"jitter"`
	FallbackPartitions int          `yaml:"fallback_partitions"`
}

// BreakerConfig tunes the per-(skill,target) circuit breaker (spec §4.3).
type BreakerConfig struct {
	MaxRequestsHalfOpen uint32        `yaml:"max_requests_half_open"`
	OpenWindow          time.Duration `yaml:"open_window"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
	FailureThreshold    uint32        `yaml:"failure_threshold"`
}

// RecoveryConfig holds per-tenant recovery policy overrides and the path to
// the failure catalog document (spec §4.5).
type RecoveryConfig struct {
	CatalogPath          string             `yaml:"catalog_path"`
	DefaultAutoApproveThreshold float64     `yaml:"default_auto_approve_threshold"`
	TenantOverrides      map[string]float64 `yaml:"tenant_overrides"`
}

// RetentionConfig bounds how long terminal records survive before the
// maintenance orchestrator's retention cleanup pass removes them
// (spec §4.6).
type RetentionConfig struct {
	IdempotencyRecordTTL time.Duration `yaml:"idempotency_record_ttl"`
	DeadLetterRetention  time.Duration `yaml:"dead_letter_retention"`
	ReplayLogRetention   time.Duration `yaml:"replay_log_retention"`
}

// MaintenanceConfig tunes the single scheduled loop described in spec §4.6.
type MaintenanceConfig struct {
	// Schedule is a robfig/cron/v3 cron expression (e.g. "*/30 * * * * *"
	// with the seconds-field parser) describing the loop's cadence.
	Schedule       string        `yaml:"schedule"`
	LeaderLease    time.Duration `yaml:"leader_lease"`
	StepTimeout    time.Duration `yaml:"step_timeout"`
}

// MongoConfig is the Database port's connection configuration (spec §6).
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// RedisConfig is the Broker port's connection configuration (spec §6).
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// Default returns the built-in configuration used when no file is supplied.
func Default() Config {
	return Config{
		Queue: QueueConfig{
			InitialBackoff:     500 * time.Millisecond,
			MaxBackoff:         5 * time.Minute,
			BackoffMultiplier:  2.0,
			Jitter:             0.2,
			FallbackPartitions: 16,
		},
		Breaker: BreakerConfig{
			MaxRequestsHalfOpen: 1,
			OpenWindow:          time.Minute,
			OpenTimeout:         30 * time.Second,
			FailureThreshold:    5,
		},
		Recovery: RecoveryConfig{
			CatalogPath:                 "config/failure_catalog.yaml",
			DefaultAutoApproveThreshold: 0.8,
		},
		Retention: RetentionConfig{
			IdempotencyRecordTTL: 24 * time.Hour,
			DeadLetterRetention:  30 * 24 * time.Hour,
			ReplayLogRetention:   90 * 24 * time.Hour,
		},
		Maintenance: MaintenanceConfig{
			Schedule:    "*/30 * * * * *",
			LeaderLease: 30 * time.Second,
			StepTimeout: 20 * time.Second,
		},
		Mongo: MongoConfig{Database: "goa_ai"},
		Redis: RedisConfig{Addr: "localhost:6379"},
	}
}

// Load reads and parses a YAML config document at path, overlaying it onto
// Default() so a partial file only needs to name the fields it overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	buf, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// AutoApproveThreshold resolves the effective auto-approve threshold for a
// tenant, falling back to DefaultAutoApproveThreshold when no tenant
// override is on file (spec §9 Open Question 2).
func (c RecoveryConfig) AutoApproveThreshold(tenantID string) float64 {
	if v, ok := c.TenantOverrides[tenantID]; ok {
		return v
	}
	if c.DefaultAutoApproveThreshold > 0 {
		return c.DefaultAutoApproveThreshold
	}
	return 0.8
}
