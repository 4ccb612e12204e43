// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Run      RunConfig      `mapstructure:"run"`
	Analyzer AnalyzerConfig `mapstructure:"analyzer"`
	Rate     RateConfig     `mapstructure:"rate"`
	Quota    QuotaConfig    `mapstructure:"quota"`
	Workers  WorkerConfig   `mapstructure:"workers"`
	Scaling  ScalingConfig  `mapstructure:"scaling"`
	Output   OutputConfig   `mapstructure:"output"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// RunConfig governs enumeration, resume behavior, and checkpoint cadence.
type RunConfig struct {
	DocsDir         string   `mapstructure:"docs_dir"`
	Extensions      []string `mapstructure:"extensions"`
	Resume          bool     `mapstructure:"resume"`
	RetryFailed     bool     `mapstructure:"retry_failed"`
	Limit           int      `mapstructure:"limit"`
	QueueDepth      int      `mapstructure:"queue_depth"`
	ProgressBackend string   `mapstructure:"progress_backend"`
	ProgressFile    string   `mapstructure:"progress_file"`
	SaveEvery       int      `mapstructure:"save_every"`
	SaveIntervalSec int      `mapstructure:"save_interval_seconds"`
}

// AnalyzerConfig points at the analysis service. The API key is normally
// supplied via METABATCH_ANALYZER_API_KEY rather than the config file.
type AnalyzerConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
}

// RateConfig bounds calls to the analysis service.
type RateConfig struct {
	RequestsPerMinute  int `mapstructure:"requests_per_minute"`
	CallTimeoutSeconds int `mapstructure:"call_timeout_seconds"`
	TransientRetries   int `mapstructure:"transient_retries"`
	BackoffBaseSeconds int `mapstructure:"backoff_base_seconds"`
	RepairAttempts     int `mapstructure:"repair_attempts"`
}

// QuotaConfig bounds the daily enrichment allowance.
type QuotaConfig struct {
	DailyCeiling  int     `mapstructure:"daily_ceiling"`
	StateFile     string  `mapstructure:"state_file"`
	EnrichmentRPS float64 `mapstructure:"enrichment_rps"`
}

// WorkerConfig sets the pool size bounds.
type WorkerConfig struct {
	Base int `mapstructure:"base"`
	Min  int `mapstructure:"min"`
	Max  int `mapstructure:"max"`
}

// ScalingConfig paces the scaling controller.
type ScalingConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	CooldownSeconds int `mapstructure:"cooldown_seconds"`
}

// OutputConfig names the result artifacts.
type OutputConfig struct {
	ResultsCSV string `mapstructure:"results_csv"`
}

// ArchiveConfig enables the optional Postgres results archive.
type ArchiveConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ServerConfig controls the status/metrics HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment. path may be empty.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("METABATCH")
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run.docs_dir", "docs")
	v.SetDefault("run.extensions", []string{".pdf"})
	v.SetDefault("run.resume", true)
	v.SetDefault("run.retry_failed", false)
	v.SetDefault("run.limit", 0)
	v.SetDefault("run.queue_depth", 64)
	v.SetDefault("run.progress_backend", "file")
	v.SetDefault("run.progress_file", "metabatch_progress.json")
	v.SetDefault("run.save_every", 25)
	v.SetDefault("run.save_interval_seconds", 60)
	v.SetDefault("analyzer.endpoint", "")
	v.SetDefault("analyzer.api_key", "")
	v.SetDefault("rate.requests_per_minute", 140)
	v.SetDefault("rate.call_timeout_seconds", 120)
	v.SetDefault("rate.transient_retries", 3)
	v.SetDefault("rate.backoff_base_seconds", 2)
	v.SetDefault("rate.repair_attempts", 3)
	v.SetDefault("quota.daily_ceiling", 100)
	v.SetDefault("quota.state_file", "metabatch_quota.json")
	v.SetDefault("quota.enrichment_rps", 1.0)
	v.SetDefault("workers.base", 4)
	v.SetDefault("workers.min", 1)
	v.SetDefault("workers.max", 16)
	v.SetDefault("scaling.interval_seconds", 15)
	v.SetDefault("scaling.cooldown_seconds", 30)
	v.SetDefault("output.results_csv", "metabatch_results.csv")
	v.SetDefault("archive.table", "records")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Run.DocsDir == "" {
		return fmt.Errorf("run.docs_dir must be set")
	}
	if c.Run.ProgressBackend != "file" && c.Run.ProgressBackend != "sqlite" {
		return fmt.Errorf("run.progress_backend must be file or sqlite, got %q", c.Run.ProgressBackend)
	}
	if c.Rate.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate.requests_per_minute must be > 0")
	}
	if c.Workers.Base <= 0 {
		return fmt.Errorf("workers.base must be > 0")
	}
	if c.Workers.Min <= 0 || c.Workers.Max < c.Workers.Min {
		return fmt.Errorf("worker bounds must satisfy 0 < min <= max")
	}
	if c.Workers.Base < c.Workers.Min || c.Workers.Base > c.Workers.Max {
		return fmt.Errorf("workers.base must be within [min, max]")
	}
	if c.Quota.DailyCeiling < 0 {
		return fmt.Errorf("quota.daily_ceiling must be >= 0")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the server is enabled")
	}
	return nil
}

// CallTimeout converts the per-call timeout to a duration.
func (c Config) CallTimeout() time.Duration {
	return time.Duration(c.Rate.CallTimeoutSeconds) * time.Second
}

// BackoffBase converts the transient backoff base to a duration.
func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.Rate.BackoffBaseSeconds) * time.Second
}

// SaveInterval converts the checkpoint wall-clock cadence to a duration.
func (c Config) SaveInterval() time.Duration {
	return time.Duration(c.Run.SaveIntervalSec) * time.Second
}

// ScaleInterval converts the controller interval to a duration.
func (c Config) ScaleInterval() time.Duration {
	return time.Duration(c.Scaling.IntervalSeconds) * time.Second
}

// ScaleCooldown converts the controller cooldown to a duration.
func (c Config) ScaleCooldown() time.Duration {
	return time.Duration(c.Scaling.CooldownSeconds) * time.Second
}
