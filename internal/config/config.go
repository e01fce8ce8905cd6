package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	ListenAddr      string
	DBFile          string
	PostgresDSN     string
	AuthSecret      string
	TokenCacheTTL   time.Duration
	SweepInterval   time.Duration
	LivenessTimeout time.Duration
}

func Load() (*Config, error) {
	tokenCacheTTL, err := time.ParseDuration(getEnv("TOKEN_CACHE_TTL", "5m"))
	if err != nil {
		return nil, fmt.Errorf("invalid TOKEN_CACHE_TTL: %w", err)
	}
	sweepInterval, err := time.ParseDuration(getEnv("SWEEP_INTERVAL", "30s"))
	if err != nil {
		return nil, fmt.Errorf("invalid SWEEP_INTERVAL: %w", err)
	}
	livenessTimeout, err := time.ParseDuration(getEnv("LIVENESS_TIMEOUT", "60s"))
	if err != nil {
		return nil, fmt.Errorf("invalid LIVENESS_TIMEOUT: %w", err)
	}

	cfg := &Config{
		ListenAddr:      getEnv("LISTEN_ADDR", ":8080"),
		DBFile:          getEnv("TRAILTALK_DB", "trailtalk.db"),
		PostgresDSN:     os.Getenv("POSTGRES_DSN"),
		AuthSecret:      os.Getenv("AUTH_SECRET"),
		TokenCacheTTL:   tokenCacheTTL,
		SweepInterval:   sweepInterval,
		LivenessTimeout: livenessTimeout,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required")
	}
	if c.TokenCacheTTL <= 0 {
		return fmt.Errorf("TOKEN_CACHE_TTL must be greater than 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be greater than 0")
	}
	if c.LivenessTimeout <= 0 {
		return fmt.Errorf("LIVENESS_TIMEOUT must be greater than 0")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
