package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds CLI configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath         string `json:"db_path"`
	LogLevel       string `json:"log_level"`
	MaxConcurrency int    `json:"max_concurrency"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:       "info",
		MaxConcurrency: 0, // 0 = use the workflow's own setting
	}
}

func weaveDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".weave"
	}
	return filepath.Join(home, ".weave")
}

func settingsPath() string {
	return filepath.Join(weaveDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("WEAVE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("WEAVE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WEAVE_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrency = n
		}
	}

	return cfg
}
