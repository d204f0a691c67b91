// Package config loads control-plane runtime settings from the
// environment, matching the defaults and names spec.md fixes for the
// worker-node authentication token, the catalog location, and the
// background loop intervals.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every environment-sourced setting the control plane needs.
type Config struct {
	DatabaseURL    string
	NodeAuthToken  string
	ControlSecret  string
	ListenAddr     string
	LogLevel       string
	LogJSON        bool

	HealthCheckInterval        time.Duration
	ServiceHealthCheckInterval time.Duration
	MaxRetries                 int

	LaunchRatePerMinute int
	ReadRatePerMinute   int
}

// Default returns the documented defaults before environment overrides.
func Default() Config {
	return Config{
		DatabaseURL:                "",
		ListenAddr:                 ":8080",
		LogLevel:                   "info",
		LogJSON:                    false,
		HealthCheckInterval:        10 * time.Second,
		ServiceHealthCheckInterval: 30 * time.Second,
		MaxRetries:                 60,
		LaunchRatePerMinute:        10,
		ReadRatePerMinute:          30,
	}
}

// Load reads Config from the environment, falling back to Default() for
// anything unset, and validates the values that must be non-empty.
func Load() (Config, error) {
	cfg := Default()

	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.NodeAuthToken = getEnv("NODE_AUTH_TOKEN", cfg.NodeAuthToken)
	cfg.ControlSecret = getEnv("CONTROL_PLANE_SECRET", cfg.ControlSecret)
	cfg.ListenAddr = getEnv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	var err error
	if cfg.LogJSON, err = getEnvBool("LOG_JSON", cfg.LogJSON); err != nil {
		return cfg, err
	}
	if cfg.HealthCheckInterval, err = getEnvDuration("HEALTH_CHECK_INTERVAL", cfg.HealthCheckInterval); err != nil {
		return cfg, err
	}
	if cfg.ServiceHealthCheckInterval, err = getEnvDuration("SERVICE_HEALTH_CHECK_INTERVAL", cfg.ServiceHealthCheckInterval); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = getEnvInt("MAX_RETRIES", cfg.MaxRetries); err != nil {
		return cfg, err
	}
	if cfg.LaunchRatePerMinute, err = getEnvInt("LAUNCH_RATE_PER_MINUTE", cfg.LaunchRatePerMinute); err != nil {
		return cfg, err
	}
	if cfg.ReadRatePerMinute, err = getEnvInt("READ_RATE_PER_MINUTE", cfg.ReadRatePerMinute); err != nil {
		return cfg, err
	}

	if cfg.NodeAuthToken == "" {
		return cfg, fmt.Errorf("config: NODE_AUTH_TOKEN is required")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
