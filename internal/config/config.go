// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/listing-crawler/internal/fetcher"
	"github.com/JakeFAU/listing-crawler/internal/scope"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Crawler CrawlerConfig `mapstructure:"crawler"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Output  OutputConfig  `mapstructure:"output"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	DB      DBConfig      `mapstructure:"db"`
}

// CrawlerConfig governs seeding, budget, pacing and the crawl boundary.
type CrawlerConfig struct {
	StartURLs          []string `mapstructure:"start_urls"`
	BaseURL            string   `mapstructure:"base_url"`
	MaxPages           int      `mapstructure:"max_pages"`
	DelayMinSeconds    float64  `mapstructure:"delay_min_seconds"`
	DelayMaxSeconds    float64  `mapstructure:"delay_max_seconds"`
	Concurrency        int      `mapstructure:"concurrency"`
	AllowedDomain      string   `mapstructure:"allowed_domain"`
	AllowedPrefixes    []string `mapstructure:"allowed_prefixes"`
	RootPath           string   `mapstructure:"root_path"`
	ExcludedSubstrings []string `mapstructure:"excluded_substrings"`
	ExcludedExtensions []string `mapstructure:"excluded_extensions"`
}

// HTTPConfig configures the fetch transport.
type HTTPConfig struct {
	TimeoutSeconds           float64  `mapstructure:"timeout_seconds"`
	ProxyURL                 string   `mapstructure:"proxy_url"`
	MaxRetries               int      `mapstructure:"max_retries"`
	BackoffInitialMs         int      `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs             int      `mapstructure:"backoff_max_ms"`
	RateLimitFallbackSeconds float64  `mapstructure:"rate_limit_fallback_seconds"`
	UserAgents               []string `mapstructure:"user_agents"`
	MaxBodyBytes             int      `mapstructure:"max_body_bytes"`
}

// OutputConfig selects where pages are written: a local directory or a
// gs://bucket/prefix location.
type OutputConfig struct {
	Location string `mapstructure:"location"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig enables the status server when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// PubSubConfig holds metadata for saved-page notifications. Disabled unless
// both fields are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// DBConfig controls the optional Postgres page catalog.
type DBConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// legacyEnv maps config keys to the plain environment names accepted
// alongside the CRAWLER_ prefixed ones.
var legacyEnv = map[string]string{
	"crawler.start_urls":        "START_URLS",
	"crawler.base_url":          "BASE_URL",
	"crawler.max_pages":         "MAX_PAGES",
	"crawler.delay_min_seconds": "CRAWL_DELAY_MIN",
	"crawler.delay_max_seconds": "CRAWL_DELAY_MAX",
	"crawler.concurrency":       "CONCURRENCY",
	"crawler.allowed_domain":    "ALLOWED_DOMAIN",
	"http.timeout_seconds":      "REQUEST_TIMEOUT",
	"http.proxy_url":            "PROXY_URL",
	"output.location":           "OUTPUT_DIR",
	"logging.level":             "LOG_LEVEL",
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

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
	rules := scope.DefaultRules()
	v.SetDefault("crawler.start_urls", []string{})
	v.SetDefault("crawler.base_url", "https://www.carzone.ie")
	v.SetDefault("crawler.max_pages", 200)
	v.SetDefault("crawler.delay_min_seconds", 0.5)
	v.SetDefault("crawler.delay_max_seconds", 2.0)
	v.SetDefault("crawler.concurrency", 1)
	v.SetDefault("crawler.allowed_domain", rules.AllowedDomain)
	v.SetDefault("crawler.allowed_prefixes", rules.AllowedPrefixes)
	v.SetDefault("crawler.root_path", rules.RootPath)
	v.SetDefault("crawler.excluded_substrings", rules.ExcludedSubstrings)
	v.SetDefault("crawler.excluded_extensions", rules.ExcludedExtensions)
	v.SetDefault("http.timeout_seconds", 20)
	v.SetDefault("http.proxy_url", "")
	v.SetDefault("http.max_retries", 5)
	v.SetDefault("http.backoff_initial_ms", 1000)
	v.SetDefault("http.backoff_max_ms", 60000)
	v.SetDefault("http.rate_limit_fallback_seconds", fetcher.DefaultRateLimitPause.Seconds())
	v.SetDefault("http.user_agents", fetcher.DefaultUserAgents)
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("output.location", "./output")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "crawled_pages")
}

func bindLegacyEnv(v *viper.Viper) error {
	for key, plain := range legacyEnv {
		prefixed := "CRAWLER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, plain); err != nil {
			return fmt.Errorf("bind env %s: %w", plain, err)
		}
	}
	return nil
}

// applyDerived fills values that depend on other keys.
func (c *Config) applyDerived() {
	c.Crawler.StartURLs = compact(c.Crawler.StartURLs)
	c.Crawler.BaseURL = strings.TrimRight(strings.TrimSpace(c.Crawler.BaseURL), "/")
	if len(c.Crawler.StartURLs) == 0 && c.Crawler.BaseURL != "" {
		c.Crawler.StartURLs = []string{c.Crawler.BaseURL + "/cars"}
	}
	c.HTTP.ProxyURL = strings.TrimSpace(c.HTTP.ProxyURL)
	c.HTTP.UserAgents = compact(c.HTTP.UserAgents)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.MaxPages <= 0 {
		return fmt.Errorf("crawler.max_pages must be > 0")
	}
	if c.Crawler.DelayMinSeconds < 0 {
		return fmt.Errorf("crawler.delay_min_seconds must be >= 0")
	}
	if c.Crawler.DelayMaxSeconds < c.Crawler.DelayMinSeconds {
		return fmt.Errorf("crawler.delay_max_seconds must be >= crawler.delay_min_seconds")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if strings.TrimSpace(c.Crawler.AllowedDomain) == "" {
		return fmt.Errorf("crawler.allowed_domain must be set")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.HTTP.BackoffInitialMs < 0 || c.HTTP.BackoffMaxMs < c.HTTP.BackoffInitialMs {
		return fmt.Errorf("http.backoff_max_ms must be >= http.backoff_initial_ms >= 0")
	}
	if c.HTTP.MaxBodyBytes < 0 {
		return fmt.Errorf("http.max_body_bytes must be >= 0")
	}
	if _, err := fetcher.ParseProxy(c.HTTP.ProxyURL); err != nil {
		return fmt.Errorf("http.proxy_url: %w", err)
	}
	if strings.TrimSpace(c.Output.Location) == "" {
		return fmt.Errorf("output.location must be set")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// PubSubEnabled reports whether saved-page notifications are configured.
func (c Config) PubSubEnabled() bool {
	return c.PubSub.ProjectID != "" && c.PubSub.TopicName != ""
}

// Rules converts the crawler section into scope rules.
func (c Config) Rules() scope.Rules {
	return scope.Rules{
		AllowedDomain:      strings.ToLower(strings.TrimSpace(c.Crawler.AllowedDomain)),
		AllowedPrefixes:    compact(c.Crawler.AllowedPrefixes),
		RootPath:           c.Crawler.RootPath,
		ExcludedSubstrings: compact(c.Crawler.ExcludedSubstrings),
		ExcludedExtensions: compact(c.Crawler.ExcludedExtensions),
	}
}

// FetcherConfig converts the http section into fetcher settings.
func (c Config) FetcherConfig() fetcher.Config {
	return fetcher.Config{
		ProxyURL:          c.HTTP.ProxyURL,
		Timeout:           seconds(c.HTTP.TimeoutSeconds),
		UserAgents:        c.HTTP.UserAgents,
		MaxRetries:        c.HTTP.MaxRetries,
		BackoffBase:       time.Duration(c.HTTP.BackoffInitialMs) * time.Millisecond,
		BackoffMax:        time.Duration(c.HTTP.BackoffMaxMs) * time.Millisecond,
		RateLimitFallback: seconds(c.HTTP.RateLimitFallbackSeconds),
		MaxBodyBytes:      c.HTTP.MaxBodyBytes,
	}
}

// DelayRange returns the polite delay bounds.
func (c Config) DelayRange() (time.Duration, time.Duration) {
	return seconds(c.Crawler.DelayMinSeconds), seconds(c.Crawler.DelayMaxSeconds)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
