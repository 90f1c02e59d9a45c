// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Connectors ConnectorsConfig `mapstructure:"connectors"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Storage    StorageConfig    `mapstructure:"storage"`
	DB         DBConfig         `mapstructure:"db"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Enrich     EnrichConfig     `mapstructure:"enrich"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// PipelineConfig governs scheduler and pipeline behavior.
type PipelineConfig struct {
	MaxConcurrentTasks       int     `mapstructure:"max_concurrent_tasks"`
	QueryDeadlineSeconds     int     `mapstructure:"query_deadline_seconds"`
	DefaultMaxSources        int     `mapstructure:"default_max_sources"`
	MinConfidence            float64 `mapstructure:"min_confidence"`
	AllowUnspecifiedLanguage bool    `mapstructure:"allow_unspecified_language"`
	EnrichTimeoutSeconds     int     `mapstructure:"enrich_timeout_seconds"`
}

// RateLimitConfig bounds per-source request rates.
type RateLimitConfig struct {
	RequestsPerMinute float64 `mapstructure:"requests_per_minute"`
	Burst             int     `mapstructure:"burst"`
	BaseBackoffMs     int     `mapstructure:"base_backoff_ms"`
	MaxBackoffMs      int     `mapstructure:"max_backoff_ms"`
}

// RetryConfig configures transient-failure retry behavior.
type RetryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	BaseDelayMs int `mapstructure:"base_delay_ms"`
	MaxDelayMs  int `mapstructure:"max_delay_ms"`
}

// ConnectorsConfig holds per-connector settings.
type ConnectorsConfig struct {
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Academic AcademicConfig `mapstructure:"academic"`
	Web      WebConfig      `mapstructure:"web"`
}

// ArchiveConfig configures the archive.org search connector.
type ArchiveConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BaseURL  string `mapstructure:"base_url"`
	PageSize int    `mapstructure:"page_size"`
	// ExtractURL, when set, points at the OCR extraction service used to
	// recover text for hits that carry no description.
	ExtractURL string `mapstructure:"extract_url"`
}

// AcademicConfig configures the academic index connector.
type AcademicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	BaseURL    string `mapstructure:"base_url"`
	SearchPath string `mapstructure:"search_path"`
	UserAgent  string `mapstructure:"user_agent"`
}

// WebConfig configures the general web scraping connector.
type WebConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	PageURLs  []string `mapstructure:"page_urls"`
	UserAgent string   `mapstructure:"user_agent"`
}

// HeadlessConfig configures the headless rendering fallback.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// StorageConfig selects the state and blob backends.
type StorageConfig struct {
	// StateBackend is "memory" or "postgres".
	StateBackend string `mapstructure:"state_backend"`
	// BlobBackend is "none", "local", or "gcs".
	BlobBackend string `mapstructure:"blob_backend"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// EnrichConfig configures the optional AI enrichment oracle.
type EnrichConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SOURCEPIPE")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("pipeline.max_concurrent_tasks", 8)
	v.SetDefault("pipeline.query_deadline_seconds", 300)
	v.SetDefault("pipeline.default_max_sources", 50)
	v.SetDefault("pipeline.min_confidence", 0.60)
	v.SetDefault("pipeline.allow_unspecified_language", false)
	v.SetDefault("pipeline.enrich_timeout_seconds", 30)
	v.SetDefault("rate_limit.requests_per_minute", 60)
	v.SetDefault("rate_limit.burst", 1)
	v.SetDefault("rate_limit.base_backoff_ms", 1000)
	v.SetDefault("rate_limit.max_backoff_ms", 300000)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_ms", 250)
	v.SetDefault("retry.max_delay_ms", 5000)
	v.SetDefault("connectors.archive.enabled", true)
	v.SetDefault("connectors.archive.base_url", "https://archive.org")
	v.SetDefault("connectors.archive.page_size", 50)
	v.SetDefault("connectors.academic.enabled", false)
	v.SetDefault("connectors.academic.search_path", "/search")
	v.SetDefault("connectors.academic.user_agent", "sourcepipe-bot/0.1")
	v.SetDefault("connectors.web.enabled", false)
	v.SetDefault("connectors.web.user_agent", "sourcepipe-bot/0.1")
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("storage.state_backend", "memory")
	v.SetDefault("storage.blob_backend", "none")
	v.SetDefault("storage.prefix", "artifacts")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("enrich.model", "gemini-2.0-flash")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pipeline.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("pipeline.max_concurrent_tasks must be > 0")
	}
	if c.Pipeline.QueryDeadlineSeconds <= 0 {
		return fmt.Errorf("pipeline.query_deadline_seconds must be > 0")
	}
	if c.Pipeline.MinConfidence < 0 || c.Pipeline.MinConfidence > 1 {
		return fmt.Errorf("pipeline.min_confidence must be in [0,1]")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.StateBackend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when storage.state_backend is postgres")
		}
	default:
		return fmt.Errorf("storage.state_backend must be memory or postgres")
	}
	switch c.Storage.BlobBackend {
	case "none":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set when storage.blob_backend is local")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.blob_backend is gcs")
		}
	default:
		return fmt.Errorf("storage.blob_backend must be none, local, or gcs")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	if c.Enrich.Enabled && c.Enrich.APIKey == "" {
		return fmt.Errorf("enrich.api_key must be set when enrichment is enabled")
	}
	if c.Connectors.Academic.Enabled && c.Connectors.Academic.BaseURL == "" {
		return fmt.Errorf("connectors.academic.base_url must be set when the academic connector is enabled")
	}
	if c.Connectors.Web.Enabled && len(c.Connectors.Web.PageURLs) == 0 {
		return fmt.Errorf("connectors.web.page_urls must be set when the web connector is enabled")
	}
	return nil
}

// QueryDeadline converts the pipeline deadline into a duration.
func (c Config) QueryDeadline() time.Duration {
	return time.Duration(c.Pipeline.QueryDeadlineSeconds) * time.Second
}

// EnrichTimeout converts the enrichment timeout into a duration.
func (c Config) EnrichTimeout() time.Duration {
	return time.Duration(c.Pipeline.EnrichTimeoutSeconds) * time.Second
}
