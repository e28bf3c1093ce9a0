// Package config loads the statehub YAML config with defaults and
// environment overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	otelx "github.com/basket/go-statehub/internal/otel"
)

// QuotaConfig bounds the durable backend's assumed capacity.
type QuotaConfig struct {
	// LimitBytes is the assumed capacity ceiling (default 5 MiB, the
	// conventional browser local-storage budget the original ran under).
	LimitBytes int64 `yaml:"limit_bytes"`
	// Threshold is the usable fraction of the ceiling (default 0.9).
	Threshold float64 `yaml:"threshold"`
}

// AutosaveConfig controls the periodic full-state persist and the
// scheduled bulk backups.
type AutosaveConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	// BackupCron is a standard 5-field cron expression for bulk backup
	// snapshots. Empty disables scheduled backups.
	BackupCron string `yaml:"backup_cron"`
}

// GatewayConfig controls the websocket/HTTP surface for UI consumers.
type GatewayConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`
	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// Backend selects the durable store: sqlite, bolt, or memory.
	Backend string `yaml:"backend"`
	DBPath  string `yaml:"db_path"`

	// KeyPrefix namespaces every durable key.
	KeyPrefix string `yaml:"key_prefix"`

	// SchemaVersion stamped into envelopes and metadata.
	SchemaVersion string `yaml:"schema_version"`

	// SaveRetries is the per-save attempt budget.
	SaveRetries int `yaml:"save_retries"`

	Quota    QuotaConfig    `yaml:"quota"`
	Autosave AutosaveConfig `yaml:"autosave"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	OTel     otelx.Config   `yaml:"otel"`
}

// DefaultHomeDir returns ~/.statehub, or "." when the home dir is unknown.
func DefaultHomeDir() string {
	if env := os.Getenv("STATEHUB_HOME"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "."
	}
	return filepath.Join(home, ".statehub")
}

// Path returns the config file location under homeDir.
func Path(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml under homeDir, applying defaults and environment
// overrides. A missing file yields the defaults.
func Load(homeDir string) (*Config, error) {
	cfg := &Config{HomeDir: homeDir}

	raw, err := os.ReadFile(Path(homeDir))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", Path(homeDir), err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("read %s: %w", Path(homeDir), err)
	}

	cfg.HomeDir = homeDir
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("STATEHUB_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("STATEHUB_BACKEND"); v != "" {
		c.Backend = v
	}
	if v := os.Getenv("STATEHUB_BIND_ADDR"); v != "" {
		c.Gateway.BindAddr = v
	}
	if v := os.Getenv("STATEHUB_AUTH_TOKEN"); v != "" {
		c.Gateway.AuthToken = v
	}
	if v := os.Getenv("STATEHUB_QUOTA_LIMIT_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Quota.LimitBytes = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Backend == "" {
		c.Backend = "sqlite"
	}
	if c.DBPath == "" {
		switch c.Backend {
		case "bolt":
			c.DBPath = filepath.Join(c.HomeDir, "statehub.bolt")
		default:
			c.DBPath = filepath.Join(c.HomeDir, "statehub.db")
		}
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "statehub_"
	}
	if c.SchemaVersion == "" {
		c.SchemaVersion = "2.0"
	}
	if c.SaveRetries <= 0 {
		c.SaveRetries = 3
	}
	if c.Quota.LimitBytes <= 0 {
		c.Quota.LimitBytes = 5 * 1024 * 1024
	}
	if c.Quota.Threshold <= 0 || c.Quota.Threshold > 1 {
		c.Quota.Threshold = 0.9
	}
	if c.Autosave.IntervalSeconds <= 0 {
		c.Autosave.IntervalSeconds = 30
	}
	if c.Gateway.BindAddr == "" {
		c.Gateway.BindAddr = "127.0.0.1:8980"
	}
}

// Fingerprint hashes the effective config for change detection and the
// status endpoint.
func (c *Config) Fingerprint() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return "unknown"
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return fmt.Sprintf("%x", h.Sum64())
}

// Validate rejects unusable combinations before startup.
func (c *Config) Validate() error {
	switch c.Backend {
	case "sqlite", "bolt", "memory":
	default:
		return fmt.Errorf("unknown backend %q (want sqlite, bolt, or memory)", c.Backend)
	}
	if c.Gateway.Enabled && c.Gateway.AuthToken == "" {
		return fmt.Errorf("gateway enabled without auth_token")
	}
	return nil
}
