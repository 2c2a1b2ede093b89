package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all conduct runtime configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath            string `json:"db_path"`
	LogLevel          string `json:"log_level"`
	PoolSize          int    `json:"pool_size"`
	SweepIntervalSecs int    `json:"sweep_interval_secs"`
	RetentionSchedule string `json:"retention_schedule"`
	RetentionTTLDays  int    `json:"retention_ttl_days"`
}

func defaultConfig() Config {
	return Config{
		DBPath:            filepath.Join(conductDir(), "conduct.db"),
		LogLevel:          "info",
		PoolSize:          16,
		SweepIntervalSecs: 60,
		RetentionTTLDays:  30,
	}
}

func conductDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conduct"
	}
	return filepath.Join(home, ".conduct")
}

func settingsPath() string {
	return filepath.Join(conductDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CONDUCT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CONDUCT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CONDUCT_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("CONDUCT_SWEEP_INTERVAL_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SweepIntervalSecs = n
		}
	}
	if v := os.Getenv("CONDUCT_RETENTION_SCHEDULE"); v != "" {
		cfg.RetentionSchedule = v
	}
	if v := os.Getenv("CONDUCT_RETENTION_TTL_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetentionTTLDays = n
		}
	}

	return cfg
}

func (c Config) sweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSecs) * time.Second
}

func (c Config) retentionTTL() time.Duration {
	return time.Duration(c.RetentionTTLDays) * 24 * time.Hour
}
