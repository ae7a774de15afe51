// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all harvester knobs loaded via Viper.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Output    OutputConfig    `mapstructure:"output"`
	Pages     StageConfig     `mapstructure:"pages"`
	Projects  StageConfig     `mapstructure:"projects"`
	Proxies   ProxiesConfig   `mapstructure:"proxies"`
	TLS       TLSConfig       `mapstructure:"tls"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// APIConfig locates the origin.
type APIConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	Origin       string `mapstructure:"origin"`
	TotalRecords int    `mapstructure:"total_records"`
}

// OutputConfig sets the output directory and sink modes.
type OutputConfig struct {
	Dir              string `mapstructure:"dir"`
	WriteRecordFiles bool   `mapstructure:"write_record_files"`
	WritePageFiles   bool   `mapstructure:"write_page_files"`
}

// StageConfig governs one extraction stage.
type StageConfig struct {
	Workers             int    `mapstructure:"workers"`
	MaxRetries          int    `mapstructure:"max_retries"`
	MinDelayMs          int    `mapstructure:"min_delay_ms"`
	MaxDelayMs          int    `mapstructure:"max_delay_ms"`
	TimeoutSeconds      int    `mapstructure:"timeout_seconds"`
	ProxyTimeoutSeconds int    `mapstructure:"proxy_timeout_seconds"`
	Limit               int    `mapstructure:"limit"`
	InputParquet        string `mapstructure:"input_parquet"`
}

// ProxiesConfig locates proxy list inputs and tunes selection.
type ProxiesConfig struct {
	FreeListPath       string `mapstructure:"free_list_path"`
	PremiumListPath    string `mapstructure:"premium_list_path"`
	ErrorWindowSeconds int    `mapstructure:"error_window_seconds"`
	MaxRecentErrors    int    `mapstructure:"max_recent_errors"`
}

// TLSConfig controls the fingerprint pool files. Empty paths default to
// files inside the output directory.
type TLSConfig struct {
	PoolPath      string `mapstructure:"pool_path"`
	BlacklistPath string `mapstructure:"blacklist_path"`
	HealthPath    string `mapstructure:"health_path"`
}

// RateLimitConfig tunes the proxyless rate-limit gate.
type RateLimitConfig struct {
	ProxylessRecheckSeconds int `mapstructure:"proxyless_recheck_seconds"`
}

// MetricsConfig toggles the observability listener.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVEST")
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
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "https://api.transparency.dpwh.gov.ph/projects")
	v.SetDefault("api.origin", "https://transparency.dpwh.gov.ph")
	v.SetDefault("api.total_records", 247187)

	v.SetDefault("output.dir", "data")
	v.SetDefault("output.write_record_files", false)
	v.SetDefault("output.write_page_files", true)

	v.SetDefault("pages.workers", 10)
	v.SetDefault("pages.max_retries", 4)
	v.SetDefault("pages.min_delay_ms", 800)
	v.SetDefault("pages.max_delay_ms", 2500)
	v.SetDefault("pages.timeout_seconds", 30)
	v.SetDefault("pages.limit", 5000)

	v.SetDefault("projects.workers", 50)
	v.SetDefault("projects.max_retries", 3)
	v.SetDefault("projects.min_delay_ms", 1800)
	v.SetDefault("projects.max_delay_ms", 4000)
	v.SetDefault("projects.timeout_seconds", 20)
	v.SetDefault("projects.proxy_timeout_seconds", 10)
	v.SetDefault("projects.input_parquet", "data/combined_dpwh_transparency_data.parquet")

	v.SetDefault("proxies.free_list_path", "free_proxies.json")
	v.SetDefault("proxies.premium_list_path", "premium_proxies.json")
	v.SetDefault("proxies.error_window_seconds", 30)
	v.SetDefault("proxies.max_recent_errors", 3)

	v.SetDefault("rate_limit.proxyless_recheck_seconds", 60)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9091)

	v.SetDefault("logging.development", true)
}

// applyDerived fills TLS paths relative to the output directory when unset.
func (c *Config) applyDerived() {
	if c.TLS.PoolPath == "" {
		c.TLS.PoolPath = filepath.Join(c.Output.Dir, "impersonate_pool.json")
	}
	if c.TLS.BlacklistPath == "" {
		c.TLS.BlacklistPath = filepath.Join(c.Output.Dir, "never_success_tls.json")
	}
	if c.TLS.HealthPath == "" {
		c.TLS.HealthPath = filepath.Join(c.Output.Dir, "impersonate_health.json")
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url must be set")
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir must be set")
	}
	if c.Pages.Workers <= 0 || c.Projects.Workers <= 0 {
		return fmt.Errorf("stage workers must be > 0")
	}
	if c.Pages.Limit <= 0 || c.Pages.Limit > 5000 {
		return fmt.Errorf("pages.limit must be in (0, 5000]")
	}
	if c.Pages.MaxRetries <= 0 || c.Projects.MaxRetries <= 0 {
		return fmt.Errorf("stage max_retries must be > 0")
	}
	if c.Pages.MinDelayMs > c.Pages.MaxDelayMs || c.Projects.MinDelayMs > c.Projects.MaxDelayMs {
		return fmt.Errorf("stage min_delay_ms must not exceed max_delay_ms")
	}
	if c.Metrics.Enabled && c.Metrics.Port <= 0 {
		return fmt.Errorf("metrics.port must be > 0 when metrics are enabled")
	}
	return nil
}

// MaxPages derives the list-stage page count from the known record total.
func (c Config) MaxPages() int {
	limit := c.Pages.Limit
	return (c.API.TotalRecords + limit - 1) / limit
}

// StageDelays converts a stage's delay knobs into durations.
func (s StageConfig) StageDelays() (time.Duration, time.Duration) {
	return time.Duration(s.MinDelayMs) * time.Millisecond,
		time.Duration(s.MaxDelayMs) * time.Millisecond
}
