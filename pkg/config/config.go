// Package config loads harvester configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/civicdata/acs-harvest/pkg/planner"
)

// Config is the full harvester configuration.
type Config struct {
	// BaseURL is the provider root.
	BaseURL string `yaml:"base_url"`

	// Year and Dataset address one vintage.
	Year    string `yaml:"year"`
	Dataset string `yaml:"dataset"`

	// Geography restricts the harvest to counties within one state.
	Geography planner.Geography `yaml:"geography"`

	// APIKeys is the rotatable credential set.
	APIKeys []string `yaml:"api_keys"`

	// DailyCap is the per-key request budget per window.
	DailyCap int `yaml:"daily_cap"`

	// Window is the provider's rate-limit accounting period.
	Window time.Duration `yaml:"window"`

	// RequestDelay is the minimum spacing between requests per key.
	RequestDelay time.Duration `yaml:"request_delay"`

	// BatchWidth caps variables per request.
	BatchWidth int `yaml:"batch_width"`

	// BlockPolicy is "fail" or "wait" when the whole pool is spent.
	BlockPolicy string `yaml:"block_policy"`

	// DatabasePath is the SQLite file holding rows and checkpoints.
	DatabasePath string `yaml:"database_path"`

	// RedisAddr enables shared quota state and catalog caching when
	// set. Empty disables both.
	RedisAddr string `yaml:"redis_addr"`

	// MetricsAddr serves Prometheus metrics when set (e.g. ":9090").
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`

	// PrettyLogs enables human-readable console output.
	PrettyLogs bool `yaml:"pretty_logs"`
}

// Default returns a configuration matching the provider's published
// limits. API keys and geography still have to come from the file or
// the environment.
func Default() Config {
	return Config{
		BaseURL:      "https://api.census.gov/data",
		Year:         "2023",
		Dataset:      "acs/acs5",
		DailyCap:     500,
		Window:       24 * time.Hour,
		RequestDelay: 1 * time.Second,
		BatchWidth:   planner.DefaultBatchWidth,
		BlockPolicy:  "fail",
		DatabasePath: "acs_harvest.db",
		LogLevel:     "info",
	}
}

// Load reads a YAML file over the defaults, then applies environment
// overrides. An empty path skips the file.
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

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides fields from HARVEST_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("HARVEST_API_KEYS"); v != "" {
		c.APIKeys = splitKeys(v)
	}
	if v := os.Getenv("HARVEST_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("HARVEST_YEAR"); v != "" {
		c.Year = v
	}
	if v := os.Getenv("HARVEST_DATASET"); v != "" {
		c.Dataset = v
	}
	if v := os.Getenv("HARVEST_DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("HARVEST_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("HARVEST_DAILY_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DailyCap = n
		}
	}
	if v := os.Getenv("HARVEST_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate rejects configurations the run cannot start with.
func (c *Config) Validate() error {
	if len(c.APIKeys) == 0 {
		return fmt.Errorf("at least one API key is required (api_keys or HARVEST_API_KEYS)")
	}
	if c.Geography.StateFIPS == "" {
		return fmt.Errorf("geography.state_fips is required")
	}
	if c.DailyCap <= 0 {
		return fmt.Errorf("daily_cap must be positive (got %d)", c.DailyCap)
	}
	if c.BatchWidth <= 0 || c.BatchWidth > planner.DefaultBatchWidth {
		return fmt.Errorf("batch_width must be in 1..%d (got %d)", planner.DefaultBatchWidth, c.BatchWidth)
	}
	switch c.BlockPolicy {
	case "fail", "wait":
	default:
		return fmt.Errorf("block_policy must be \"fail\" or \"wait\" (got %q)", c.BlockPolicy)
	}
	return nil
}

func splitKeys(v string) []string {
	var keys []string
	for _, k := range strings.Split(v, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
