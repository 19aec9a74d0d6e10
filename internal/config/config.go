// Package config loads the service configuration from an optional YAML file
// with environment variable overrides. Environment always wins so deployments
// can ship one file and tune per instance.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration of the statistics service.
type Config struct {
	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string `yaml:"listen_addr"`

	// URLPrefix is prepended to every route.
	URLPrefix string `yaml:"url_prefix"`

	// LogLevel is a zerolog level name (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	Database Database `yaml:"database"`

	// KeyringPath points to the armored public keys trusted to sign
	// identity tokens for the restricted endpoints.
	KeyringPath string `yaml:"keyring_path"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Database selects and parameterizes the storage backend.
type Database struct {
	// Backend is either "sqlite" or "postgres".
	Backend string `yaml:"backend"`

	// DSN is the backend connection string: a file path for sqlite, a
	// postgres URL or keyword/value string for postgres.
	DSN string `yaml:"dsn"`

	MaxOpenConns int `yaml:"max_open_conns"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() Config {
	return Config{
		ListenAddr: "0.0.0.0:8080",
		URLPrefix:  "/eidaws/statistics/1",
		LogLevel:   "info",
		Database: Database{
			Backend:      "sqlite",
			DSN:          "eidastats.db",
			MaxOpenConns: 10,
		},
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then EIDASTATS_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.ListenAddr = getEnv("EIDASTATS_LISTEN_ADDR", cfg.ListenAddr)
	cfg.URLPrefix = getEnv("EIDASTATS_URL_PREFIX", cfg.URLPrefix)
	cfg.LogLevel = getEnv("EIDASTATS_LOG_LEVEL", cfg.LogLevel)
	cfg.Database.Backend = getEnv("EIDASTATS_DB_BACKEND", cfg.Database.Backend)
	cfg.Database.DSN = getEnv("EIDASTATS_DB_DSN", cfg.Database.DSN)
	cfg.Database.MaxOpenConns = getEnvInt("EIDASTATS_DB_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.KeyringPath = getEnv("EIDASTATS_KEYRING_PATH", cfg.KeyringPath)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Database.Backend {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database backend %q", c.Database.Backend)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn must not be empty")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}
