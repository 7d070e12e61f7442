// Package config loads server configuration: baked-in defaults, DCS_*
// environment overrides, then an optional config.yaml merge, validated
// as a final step.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the full server configuration.
type Config struct {
	// HTTP server
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Persistence
	DatabasePath string

	// Audit mirror
	AuditDir        string
	AuditMaxSizeMB  int
	AuditMaxBackups int

	// Operator auth. With an empty secret the operator surface runs
	// unprotected, matching a dev deployment.
	AuthSecret string

	// Protocol timing
	CommandTimeout  time.Duration // expiry measured from command creation
	NextHbSeconds   int           // fixed poll interval returned on heartbeats
	OnlineThreshold time.Duration // device considered online within this window
}

// Defaults returns the baseline configuration.
func Defaults() *Config {
	return &Config{
		Addr:         ":8000",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,

		DatabasePath: "dcs.db",

		AuditDir:        "logs",
		AuditMaxSizeMB:  50,
		AuditMaxBackups: 5,

		CommandTimeout:  2 * time.Minute,
		NextHbSeconds:   15,
		OnlineThreshold: 60 * time.Second,
	}
}

// fileConfig mirrors config.yaml. Durations are plain seconds.
type fileConfig struct {
	Server struct {
		Addr            string `yaml:"addr"`
		ReadTimeoutSec  int    `yaml:"readTimeoutSec"`
		WriteTimeoutSec int    `yaml:"writeTimeoutSec"`
		IdleTimeoutSec  int    `yaml:"idleTimeoutSec"`
	} `yaml:"server"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Audit struct {
		Dir        string `yaml:"dir"`
		MaxSizeMB  int    `yaml:"maxSizeMb"`
		MaxBackups int    `yaml:"maxBackups"`
	} `yaml:"audit"`
	Auth struct {
		Secret string `yaml:"secret"`
	} `yaml:"auth"`
	Protocol struct {
		CommandTimeoutSec  int `yaml:"commandTimeoutSec"`
		NextHbSec          int `yaml:"nextHbSec"`
		OnlineThresholdSec int `yaml:"onlineThresholdSec"`
	} `yaml:"protocol"`
}

// Load merges Defaults() + DCS_* env overrides + optional config.yaml.
func Load() (*Config, error) {
	return LoadFrom("config.yaml")
}

// LoadFrom is Load with an explicit config file path, for tests.
func LoadFrom(path string) (*Config, error) {
	cfg := Defaults()

	applyEnvOverrides(cfg)

	if _, err := os.Stat(path); err == nil {
		if err := mergeFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DCS_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("DCS_DB_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("DCS_AUDIT_DIR"); v != "" {
		cfg.AuditDir = v
	}
	if v := os.Getenv("DCS_AUTH_SECRET"); v != "" {
		cfg.AuthSecret = v
	}
	if v := os.Getenv("DCS_COMMAND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CommandTimeout = d
		}
	}
	if v := os.Getenv("DCS_NEXT_HB_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NextHbSeconds = n
		}
	}
	if v := os.Getenv("DCS_ONLINE_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.OnlineThreshold = d
		}
	}
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("invalid yaml: %w", err)
	}

	if fc.Server.Addr != "" {
		cfg.Addr = fc.Server.Addr
	}
	if fc.Server.ReadTimeoutSec > 0 {
		cfg.ReadTimeout = time.Duration(fc.Server.ReadTimeoutSec) * time.Second
	}
	if fc.Server.WriteTimeoutSec > 0 {
		cfg.WriteTimeout = time.Duration(fc.Server.WriteTimeoutSec) * time.Second
	}
	if fc.Server.IdleTimeoutSec > 0 {
		cfg.IdleTimeout = time.Duration(fc.Server.IdleTimeoutSec) * time.Second
	}
	if fc.Database.Path != "" {
		cfg.DatabasePath = fc.Database.Path
	}
	if fc.Audit.Dir != "" {
		cfg.AuditDir = fc.Audit.Dir
	}
	if fc.Audit.MaxSizeMB > 0 {
		cfg.AuditMaxSizeMB = fc.Audit.MaxSizeMB
	}
	if fc.Audit.MaxBackups > 0 {
		cfg.AuditMaxBackups = fc.Audit.MaxBackups
	}
	if fc.Auth.Secret != "" {
		cfg.AuthSecret = fc.Auth.Secret
	}
	if fc.Protocol.CommandTimeoutSec > 0 {
		cfg.CommandTimeout = time.Duration(fc.Protocol.CommandTimeoutSec) * time.Second
	}
	if fc.Protocol.NextHbSec > 0 {
		cfg.NextHbSeconds = fc.Protocol.NextHbSec
	}
	if fc.Protocol.OnlineThresholdSec > 0 {
		cfg.OnlineThreshold = time.Duration(fc.Protocol.OnlineThresholdSec) * time.Second
	}
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("server addr must not be empty")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database path must not be empty")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive, got %v", c.CommandTimeout)
	}
	if c.NextHbSeconds <= 0 {
		return fmt.Errorf("next heartbeat interval must be positive, got %d", c.NextHbSeconds)
	}
	if c.OnlineThreshold <= 0 {
		return fmt.Errorf("online threshold must be positive, got %v", c.OnlineThreshold)
	}
	return nil
}
