// Package config loads and validates scraper configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/court-records-scraper/internal/court"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig              `mapstructure:"server"`
	Auth       AuthConfig                `mapstructure:"auth"`
	Logging    LoggingConfig             `mapstructure:"logging"`
	HTTP       HTTPConfig                `mapstructure:"http"`
	Site       SiteConfig                `mapstructure:"site"`
	Captcha    CaptchaConfig             `mapstructure:"captcha"`
	Scrape     ScrapeConfig              `mapstructure:"scrape"`
	Categories map[string]CategoryConfig `mapstructure:"categories"`
	DB         DBConfig                  `mapstructure:"db"`
	Storage    StorageConfig             `mapstructure:"storage"`
	PubSub     PubSubConfig              `mapstructure:"pubsub"`
	RateLimit  RateLimitConfig           `mapstructure:"rate_limit"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	RequestTimeout int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// HTTPConfig configures outbound HTTP timeouts.
type HTTPConfig struct {
	TimeoutSeconds        int `mapstructure:"timeout_seconds"`
	DialTimeoutSeconds    int `mapstructure:"dial_timeout_seconds"`
	TLSHandshakeTimeoutMs int `mapstructure:"tls_handshake_timeout_ms"`
}

// SiteConfig locates the court-records site.
type SiteConfig struct {
	PageURL    string `mapstructure:"page_url"`
	SearchURL  string `mapstructure:"search_url"`
	DetailPath string `mapstructure:"detail_path"`
	UserAgent  string `mapstructure:"user_agent"`
}

// CaptchaConfig holds the solver credentials and polling bounds.
type CaptchaConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	ClientKey      string  `mapstructure:"client_key"`
	SiteKey        string  `mapstructure:"site_key"`
	PageAction     string  `mapstructure:"page_action"`
	TaskType       string  `mapstructure:"task_type"`
	MinScore       float64 `mapstructure:"min_score"`
	MaxAttempts    int     `mapstructure:"max_attempts"`
	PollIntervalMs int     `mapstructure:"poll_interval_ms"`
}

// ScrapeConfig governs run batching.
type ScrapeConfig struct {
	BatchSize    int `mapstructure:"batch_size"`
	BatchPauseMs int `mapstructure:"batch_pause_ms"`
}

// CategoryConfig holds the per-category search filter and schedule.
type CategoryConfig struct {
	CaseTypeFilter   string   `mapstructure:"case_type_filter"`
	CaseStatusFilter string   `mapstructure:"case_status_filter"`
	CaseTypeMatch    string   `mapstructure:"case_type_match"`
	AllowedStatuses  []string `mapstructure:"allowed_statuses"`
	Table            string   `mapstructure:"table"`
	Schedule         string   `mapstructure:"schedule"`

	// Discovery is "form" (CAPTCHA-gated search) or "links" (plain link list
	// at SearchURL, filtered by LinkContains). CaseYear 0 means the current year.
	Discovery    string `mapstructure:"discovery"`
	SearchURL    string `mapstructure:"search_url"`
	LinkContains string `mapstructure:"link_contains"`
	CaseYear     int    `mapstructure:"case_year"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	LogTable               string `mapstructure:"log_table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	AutoMigrate            bool   `mapstructure:"auto_migrate"`
}

// StorageConfig selects the raw page archive backend.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	Bucket      string `mapstructure:"bucket"`
	BaseDir     string `mapstructure:"base_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for run notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// RateLimitConfig paces requests to the court site.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// Load builds a Config from an optional .env file, disk, and the environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("COURTSCRAPER")
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
	if port := os.Getenv("PORT"); port != "" {
		if _, err := fmt.Sscanf(port, "%d", &cfg.Server.Port); err != nil {
			return Config{}, fmt.Errorf("parse PORT: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 600)
	v.SetDefault("logging.development", true)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.dial_timeout_seconds", 10)
	v.SetDefault("http.tls_handshake_timeout_ms", 15000)
	v.SetDefault("site.detail_path", "/Helpers/caseInformation.aspx")
	v.SetDefault("site.user_agent",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) "+
			"Chrome/91.0.4472.124 Safari/537.36")
	v.SetDefault("captcha.base_url", "https://api.capmonster.cloud")
	v.SetDefault("captcha.task_type", "RecaptchaV3TaskProxyless")
	v.SetDefault("captcha.min_score", 0.5)
	v.SetDefault("captcha.max_attempts", 30)
	v.SetDefault("captcha.poll_interval_ms", 2000)
	v.SetDefault("scrape.batch_size", 5)
	v.SetDefault("scrape.batch_pause_ms", 1000)
	v.SetDefault("db.log_table", "scraping_logs")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.default_rps", 2)
	v.SetDefault("rate_limit.default_burst", 5)

	v.SetDefault("categories.foreclosure.case_type_filter", "MF")
	v.SetDefault("categories.foreclosure.case_status_filter", "OPEN")
	v.SetDefault("categories.foreclosure.table", "foreclosure_cases")
	v.SetDefault("categories.foreclosure.discovery", "form")
	v.SetDefault("categories.probate.case_status_filter", "OPEN")
	v.SetDefault("categories.probate.table", "probate_cases")
	v.SetDefault("categories.probate.discovery", "links")
	v.SetDefault("categories.probate.link_contains", "casesearchresultx.cfm")
	v.SetDefault("categories.divorce.case_type_filter", "DIVORCE WITH CHILDREN (DRC)")
	v.SetDefault("categories.divorce.case_status_filter", "OPEN")
	v.SetDefault("categories.divorce.case_type_match", "DIVORCE WITH CHILDREN (DRC)")
	v.SetDefault("categories.divorce.table", "divorce_cases")
	v.SetDefault("categories.divorce.discovery", "form")
	for _, cat := range court.Categories() {
		v.SetDefault("categories."+string(cat)+".schedule", "")
		v.SetDefault("categories."+string(cat)+".search_url", "")
		v.SetDefault("categories."+string(cat)+".case_year", 0)
		v.SetDefault("categories."+string(cat)+".allowed_statuses", []string{"OPEN", "REOPEN", "REOPENED"})
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Scrape.BatchSize <= 0 {
		return fmt.Errorf("scrape.batch_size must be > 0")
	}
	if c.Scrape.BatchPauseMs < 0 {
		return fmt.Errorf("scrape.batch_pause_ms must be >= 0")
	}
	if c.Captcha.MaxAttempts <= 0 {
		return fmt.Errorf("captcha.max_attempts must be > 0")
	}
	if c.Captcha.MinScore < 0 || c.Captcha.MinScore > 1 {
		return fmt.Errorf("captcha.min_score must be between 0 and 1")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case "", "memory":
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	for name, cc := range c.Categories {
		if _, err := court.ParseCategory(name); err != nil {
			return fmt.Errorf("categories.%s: %w", name, err)
		}
		switch cc.Discovery {
		case "", "form", "links":
		default:
			return fmt.Errorf("categories.%s.discovery %q is not supported", name, cc.Discovery)
		}
		if cc.CaseYear < 0 {
			return fmt.Errorf("categories.%s.case_year must be >= 0", name)
		}
	}
	return nil
}

// Category returns the settings for one category, or the zero value when absent.
func (c Config) Category(cat court.Category) CategoryConfig {
	return c.Categories[string(cat)]
}

// RequestTimeout converts the outbound HTTP timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// BatchPause converts the inter-batch pause into a duration.
func (c Config) BatchPause() time.Duration {
	return time.Duration(c.Scrape.BatchPauseMs) * time.Millisecond
}

// PollInterval converts the CAPTCHA poll interval into a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Captcha.PollIntervalMs) * time.Millisecond
}

// ScrapeEnabled reports whether enough is configured to reach the court site.
func (c Config) ScrapeEnabled() bool {
	return c.Site.PageURL != "" && c.Captcha.ClientKey != "" && c.Captcha.SiteKey != ""
}
