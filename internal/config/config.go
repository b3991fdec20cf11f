package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default configuration file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	DatabasePath     string `yaml:"databasePath"`
	RemoteBaseURL    string `yaml:"remoteBaseURL"`
	LogLevel         string `yaml:"logLevel"`
	CacheBudgetBytes int64  `yaml:"cacheBudgetBytes"`
	AssetTTL         string `yaml:"assetTTL"`
	ChapterTTL       string `yaml:"chapterTTL"`
	HandleMaxAge     string `yaml:"handleMaxAge"`
	SweepSpec        string `yaml:"sweepSpec"`
	PollInterval     string `yaml:"pollInterval"`
	MaxRetries       int    `yaml:"maxRetries"`
	SnapshotPath     string `yaml:"snapshotPath"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("SHELFSYNC_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("SHELFSYNC_REMOTE_URL"); v != "" {
		cfg.RemoteBaseURL = v
	}
	if v := os.Getenv("SHELFSYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SHELFSYNC_CACHE_BUDGET_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.CacheBudgetBytes = n
		}
	}
	if v := os.Getenv("SHELFSYNC_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.DatabasePath == "" {
		return errors.New("config: databasePath is required (set in config.yaml)")
	}
	if cfg.RemoteBaseURL == "" {
		return errors.New("config: remoteBaseURL is required (set in config.yaml)")
	}
	for _, field := range []struct {
		name  string
		value string
	}{
		{"assetTTL", cfg.AssetTTL},
		{"chapterTTL", cfg.ChapterTTL},
		{"handleMaxAge", cfg.HandleMaxAge},
		{"pollInterval", cfg.PollInterval},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("config: invalid %s: %q", field.name, field.value)
		}
	}
	return nil
}

// ParseDuration returns the parsed duration or fallback when unset.
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
