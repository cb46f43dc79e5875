package main

import (
	"os"
	"path/filepath"
	"strconv"
)

// Config holds orchid CLI configuration.
// Priority: flags > env vars > defaults.
type Config struct {
	DBPath   string
	LogLevel string
	PoolSize int
}

func defaultConfig() Config {
	return Config{
		DBPath:   filepath.Join(orchidDir(), "orchid.db"),
		LogLevel: "info",
		PoolSize: 10,
	}
}

func orchidDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".orchid"
	}
	return filepath.Join(home, ".orchid")
}

func loadConfig() Config {
	cfg := defaultConfig()

	if v := os.Getenv("ORCHID_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ORCHID_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ORCHID_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PoolSize = n
		}
	}
	return cfg
}
