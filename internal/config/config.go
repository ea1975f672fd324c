// Package config loads control plane configuration from a YAML file, a
// .env file, and IKOMA_* environment variables, in that order of
// increasing precedence.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration.
type Config struct {
	Listen       string `yaml:"listen"`
	DatabasePath string `yaml:"databasePath"`
	AdminKey     string `yaml:"adminKey"`
	LogLevel     string `yaml:"logLevel"`
	LogFormat    string `yaml:"logFormat"` // "text" | "json"

	Reconcile ReconcileConfig `yaml:"reconcile"`
}

// ReconcileConfig tunes the reconciliation engine.
type ReconcileConfig struct {
	Interval         Duration `yaml:"interval"`
	ClaimTimeout     Duration `yaml:"claimTimeout"`
	HeartbeatTimeout Duration `yaml:"heartbeatTimeout"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		Listen:       ":8080",
		DatabasePath: "ikoma.db",
		LogLevel:     "info",
		LogFormat:    "text",
		Reconcile: ReconcileConfig{
			Interval:         Duration(30 * time.Second),
			ClaimTimeout:     Duration(60 * time.Second),
			HeartbeatTimeout: Duration(120 * time.Second),
		},
	}
}

// Load builds the effective configuration. path may be empty, in which
// case only defaults and the environment apply. A .env file in the working
// directory is loaded first so its variables participate in the overrides;
// a missing .env is not an error.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("IKOMA_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("IKOMA_DB_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("IKOMA_ADMIN_KEY"); v != "" {
		cfg.AdminKey = v
	}
	if v := os.Getenv("IKOMA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("IKOMA_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("IKOMA_RECONCILE_INTERVAL_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			cfg.Reconcile.Interval = Duration(time.Duration(sec) * time.Second)
		}
	}
	if v := os.Getenv("IKOMA_CLAIM_TIMEOUT_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			cfg.Reconcile.ClaimTimeout = Duration(time.Duration(sec) * time.Second)
		}
	}
	if v := os.Getenv("IKOMA_HEARTBEAT_TIMEOUT_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			cfg.Reconcile.HeartbeatTimeout = Duration(time.Duration(sec) * time.Second)
		}
	}
}

func (c Config) validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("config: databasePath must not be empty")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("config: logFormat %q must be text or json", c.LogFormat)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.Reconcile.Interval <= 0 || c.Reconcile.ClaimTimeout <= 0 || c.Reconcile.HeartbeatTimeout <= 0 {
		return fmt.Errorf("config: reconcile intervals must be positive")
	}
	return nil
}

// SlogLevel maps the configured level name to a slog level.
func (c Config) SlogLevel() (slog.Level, error) {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
}

// Logger builds the process logger per the configured level and format,
// writing to w.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := c.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
