package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RuntimeProfile tunes the workflow runtime: worker pools, outbox drain,
// audit partition lifecycle, and API rate limits. Deployments override it
// with a YAML file named by RUNTIME_PROFILE.
type RuntimeProfile struct {
	Workers   WorkerConfig    `yaml:"workers" json:"workers"`
	Outbox    OutboxConfig    `yaml:"outbox" json:"outbox"`
	Audit     AuditConfig     `yaml:"audit" json:"audit"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	Overlays  []string        `yaml:"overlays,omitempty" json:"overlays,omitempty"`
}

// WorkerConfig sizes the background job runner.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency" json:"concurrency"`
}

// OutboxConfig tunes the audit outbox drainer.
type OutboxConfig struct {
	BatchSize     int `yaml:"batch_size" json:"batch_size"`
	RatePerSecond int `yaml:"rate_per_second" json:"rate_per_second"`
	IntervalMs    int `yaml:"interval_ms" json:"interval_ms"`
}

// AuditConfig tunes the audit partition lifecycle.
type AuditConfig struct {
	MonthsAhead   int `yaml:"months_ahead" json:"months_ahead"`
	RetentionDays int `yaml:"retention_days" json:"retention_days"`
}

// RateLimitConfig tunes the per-client API limiter.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int `yaml:"burst" json:"burst"`
}

// DefaultRuntimeProfile returns production defaults, with env overrides for
// the most commonly tuned knobs.
func DefaultRuntimeProfile() RuntimeProfile {
	return RuntimeProfile{
		Workers: WorkerConfig{Concurrency: getenvInt("WORKER_CONCURRENCY", 4)},
		Outbox: OutboxConfig{
			BatchSize:     getenvInt("OUTBOX_BATCH_SIZE", 50),
			RatePerSecond: getenvInt("OUTBOX_RATE_PER_SECOND", 100),
			IntervalMs:    getenvInt("OUTBOX_INTERVAL_MS", 1000),
		},
		Audit: AuditConfig{
			MonthsAhead:   getenvInt("AUDIT_MONTHS_AHEAD", 3),
			RetentionDays: getenvInt("AUDIT_RETENTION_DAYS", 365),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getenvInt("RATE_LIMIT_RPS", 50),
			Burst:             getenvInt("RATE_LIMIT_BURST", 100),
		},
	}
}

// LoadProfile reads and validates a runtime profile YAML. Fields left zero
// fall back to the defaults.
func LoadProfile(path string) (*RuntimeProfile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read profile %s: %w", path, err)
	}
	profile := DefaultRuntimeProfile()
	if err := yaml.Unmarshal(raw, &profile); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	if profile.Workers.Concurrency < 1 {
		return nil, fmt.Errorf("config: profile %s: workers.concurrency must be >= 1", path)
	}
	if profile.Outbox.BatchSize < 1 {
		return nil, fmt.Errorf("config: profile %s: outbox.batch_size must be >= 1", path)
	}
	return &profile, nil
}
