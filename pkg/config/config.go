// Package config loads server configuration: environment variables for
// deployment-specific settings, with an optional YAML profile for the
// workflow runtime knobs.
package config

import (
	"os"
	"strconv"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisAddr   string
	JWTSecret   string

	// S3 archive target for expired audit partitions; empty disables archival.
	AuditArchiveBucket string

	// ProfilePath points at the optional runtime profile YAML.
	ProfilePath string

	Runtime RuntimeProfile
}

// Load reads configuration from environment variables and, when configured,
// merges the runtime profile.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getenv("PORT", "8080"),
		LogLevel:           getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:        getenv("DATABASE_URL", "postgres://lattice@localhost:5432/lattice?sslmode=disable"),
		RedisAddr:          getenv("REDIS_ADDR", "localhost:6379"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		AuditArchiveBucket: os.Getenv("AUDIT_ARCHIVE_BUCKET"),
		ProfilePath:        os.Getenv("RUNTIME_PROFILE"),
		Runtime:            DefaultRuntimeProfile(),
	}

	if cfg.ProfilePath != "" {
		profile, err := LoadProfile(cfg.ProfilePath)
		if err != nil {
			return nil, err
		}
		cfg.Runtime = *profile
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
