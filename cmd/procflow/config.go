package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds all procflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath      string   `json:"db_path"`
	LogLevel    string   `json:"log_level"`
	PoolSize    int      `json:"pool_size"`
	LoopLimit   int      `json:"loop_limit"`
	RedisURL    string   `json:"redis_url"`
	MetricsAddr string   `json:"metrics_addr"`
	Models      []string `json:"models"`
}

func defaultConfig() Config {
	return Config{
		DBPath:    filepath.Join(procflowDir(), "procflow.db"),
		LogLevel:  "info",
		PoolSize:  10,
		LoopLimit: 10,
	}
}

func procflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".procflow"
	}
	return filepath.Join(home, ".procflow")
}

func settingsPath() string {
	return filepath.Join(procflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	applyEnv(&cfg, os.Getenv)
	return cfg
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("PROCFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("PROCFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("PROCFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := getenv("PROCFLOW_LOOP_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoopLimit = n
		}
	}
	if v := getenv("PROCFLOW_REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := getenv("PROCFLOW_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := getenv("PROCFLOW_MODELS"); v != "" {
		cfg.Models = nil
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				cfg.Models = append(cfg.Models, m)
			}
		}
	}
}

// dsn turns the configured path into a libSQL data source name.
func (c Config) dsn() string {
	if strings.Contains(c.DBPath, "://") || strings.HasPrefix(c.DBPath, "file:") {
		return c.DBPath
	}
	return "file:" + c.DBPath
}
