// Package config loads controller settings from defaults, an optional YAML
// file, and environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// #region config
// Config is the full controller configuration.
type Config struct {
	DBPath         string        `yaml:"db_path"`
	HTTPAddr       string        `yaml:"http_addr"`
	GRPCAddr       string        `yaml:"grpc_addr"`   // gRPC health + escalation service; empty disables
	NotifyAddr     string        `yaml:"notify_addr"` // remote escalation endpoint; empty logs instead
	NotifyTimeout  time.Duration `yaml:"notify_timeout"`
	DefaultPersona string        `yaml:"default_persona"`
	ProtocolsFile  string        `yaml:"protocols_file"` // empty uses the built-in ladder
	LogLevel       string        `yaml:"log_level"`
	Enabled        bool          `yaml:"enabled"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		DBPath:         "attending.db",
		HTTPAddr:       ":8080",
		GRPCAddr:       ":9090",
		NotifyTimeout:  5 * time.Second,
		DefaultPersona: "guide",
		LogLevel:       "info",
		Enabled:        true,
	}
}

// #endregion config

// #region load
// Load builds a Config from defaults, then path (if non-empty), then env.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects unusable settings.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("config: db_path is required")
	}
	if c.DefaultPersona == "" {
		return fmt.Errorf("config: default_persona is required")
	}
	if c.NotifyTimeout <= 0 {
		return fmt.Errorf("config: notify_timeout must be positive")
	}
	return nil
}

// #endregion load

// #region env
type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("ATTEND_DB", &cfg.DBPath)
	str("ATTEND_HTTP_ADDR", &cfg.HTTPAddr)
	str("ATTEND_GRPC_ADDR", &cfg.GRPCAddr)
	str("ATTEND_NOTIFY_ADDR", &cfg.NotifyAddr)
	str("ATTEND_DEFAULT_PERSONA", &cfg.DefaultPersona)
	str("ATTEND_PROTOCOLS", &cfg.ProtocolsFile)
	str("ATTEND_LOG_LEVEL", &cfg.LogLevel)

	if v, ok := lookup("ATTEND_NOTIFY_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("ATTEND_NOTIFY_TIMEOUT: %w", err)
		}
		cfg.NotifyTimeout = d
	}

	// Kill switch: ORCHESTRATOR_ENABLED=false disables interventions.
	if v, ok := lookup("ORCHESTRATOR_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("ORCHESTRATOR_ENABLED: %w", err)
		}
		cfg.Enabled = b
	}
	return nil
}

// #endregion env
