// Package config loads and validates archiver configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all archiver configuration knobs loaded via Viper.
type Config struct {
	Board        string             `mapstructure:"board"`
	Archive      ArchiveConfig      `mapstructure:"archive"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Verification VerificationConfig `mapstructure:"verification"`
	Upgrade      UpgradeConfig      `mapstructure:"upgrade"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Sources      []SourceConfig     `mapstructure:"sources"`
}

// ArchiveConfig governs window sizing and on-disk layout.
type ArchiveConfig struct {
	DataDir           string `mapstructure:"data_dir"`
	ManifestPath      string `mapstructure:"manifest_path"`
	CachePath         string `mapstructure:"cache_path"`
	HardCap           int64  `mapstructure:"hard_cap"`
	InitialCheckpoint int64  `mapstructure:"initial_checkpoint"`
}

// HTTPConfig configures fetch client retry behavior.
type HTTPConfig struct {
	UserAgent          string `mapstructure:"user_agent"`
	TimeoutSeconds     int    `mapstructure:"timeout_seconds"`
	MaxRetries         int    `mapstructure:"max_retries"`
	BackoffInitialSec  int    `mapstructure:"backoff_initial_seconds"`
	BackoffMaxSec      int    `mapstructure:"backoff_max_seconds"`
	RatePenaltySeconds int    `mapstructure:"rate_penalty_seconds"`
}

// VerificationConfig controls the browser-backed challenge solver.
type VerificationConfig struct {
	Interactive     bool `mapstructure:"interactive"`
	Headless        bool `mapstructure:"headless"`
	SolveTimeoutSec int  `mapstructure:"solve_timeout_seconds"`
}

// UpgradeConfig governs the retroactive chunk rescan.
type UpgradeConfig struct {
	CutoffHours int `mapstructure:"cutoff_hours"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// SourceConfig describes one archive host, listed in priority order with the
// primary first.
type SourceConfig struct {
	Name           string `mapstructure:"name"`
	BaseURL        string `mapstructure:"base_url"`
	SpacingSeconds int    `mapstructure:"spacing_seconds"`
	MaxRetries     int    `mapstructure:"max_retries"`
	Verification   bool   `mapstructure:"verification"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FOOLVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.Sources) == 0 {
		cfg.Sources = defaultSources()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("board", "g")
	v.SetDefault("archive.data_dir", "data")
	v.SetDefault("archive.manifest_path", "data/manifest.json")
	v.SetDefault("archive.cache_path", "data/lookahead.json")
	v.SetDefault("archive.hard_cap", 10000)
	v.SetDefault("archive.initial_checkpoint", 0)
	v.SetDefault("http.user_agent", "foolvault/0.1")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_initial_seconds", 2)
	v.SetDefault("http.backoff_max_seconds", 60)
	v.SetDefault("http.rate_penalty_seconds", 15)
	v.SetDefault("verification.interactive", false)
	v.SetDefault("verification.headless", false)
	v.SetDefault("verification.solve_timeout_seconds", 180)
	v.SetDefault("upgrade.cutoff_hours", 72)
	v.SetDefault("logging.development", true)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9090)
}

// defaultSources is the stock three-host priority chain.
func defaultSources() []SourceConfig {
	return []SourceConfig{
		{Name: "desu", BaseURL: "https://desuarchive.org", SpacingSeconds: 0, MaxRetries: 3},
		{Name: "moe", BaseURL: "https://archived.moe", SpacingSeconds: 2, MaxRetries: 3},
		{Name: "b4k", BaseURL: "https://arch.b4k.co", SpacingSeconds: 4, MaxRetries: 3, Verification: true},
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Board == "" {
		return fmt.Errorf("board must be set")
	}
	if c.Archive.DataDir == "" {
		return fmt.Errorf("archive.data_dir must be set")
	}
	if c.Archive.HardCap <= 0 {
		return fmt.Errorf("archive.hard_cap must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Upgrade.CutoffHours <= 0 {
		return fmt.Errorf("upgrade.cutoff_hours must be > 0")
	}
	if c.Metrics.Enabled && c.Metrics.Port <= 0 {
		return fmt.Errorf("metrics.port must be > 0 when metrics are enabled")
	}
	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name == "" || s.BaseURL == "" {
			return fmt.Errorf("sources[%d]: name and base_url must be set", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("sources[%d]: duplicate source name %q", i, s.Name)
		}
		seen[s.Name] = true
		if s.SpacingSeconds < 0 {
			return fmt.Errorf("sources[%d]: spacing_seconds must be >= 0", i)
		}
	}
	return nil
}

// RequestTimeout converts the HTTP timeout config into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// UpgradeCutoff converts the rescan cutoff config into a duration.
func (c Config) UpgradeCutoff() time.Duration {
	return time.Duration(c.Upgrade.CutoffHours) * time.Hour
}
