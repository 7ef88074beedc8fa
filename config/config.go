// Package config holds tracker configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/pricetrack/pricetrack/breaker"
)

// Config holds every knob the pipeline, scheduler, and collaborator clients
// read. Values come from defaults, environment, then flags, in that order.
type Config struct {
	// Collaborators.
	BrowserServiceURL string // headless browser automation service
	CatalogURL        string // external catalog API
	CatalogToken      string
	AlertWebhookURL   string

	// Scraping.
	Concurrency     int
	ScrapeTimeout   time.Duration
	MaxAttempts     int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
	RenderJS        bool
	Stealth         bool
	UserAgent       string

	// Circuit breakers. The discovery call is more critical and opens
	// earlier; the per-item scrape call tolerates more failures.
	ScrapeBreaker    breaker.Settings
	DiscoveryBreaker breaker.Settings

	// Extraction.
	MinPlausiblePrice float64
	MaxPlausiblePrice float64
	LLMBaseURL        string // empty disables the LLM fallback strategy
	LLMAPIKey         string
	LLMModel          string

	// Discovery crawl.
	DiscoveryStartURL string
	DiscoveryMaxPages int

	// Scheduling.
	CronExpr      string
	Timezone      string
	IntervalHours int
	BufferHours   int

	// Storage and observability.
	DataDir     string
	MetricsAddr string
	Verbose     bool
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() *Config {
	return &Config{
		BrowserServiceURL: "http://localhost:8002",

		Concurrency:     3,
		ScrapeTimeout:   30 * time.Second,
		MaxAttempts:     3,
		RetryBackoff:    time.Second,
		RetryBackoffMax: 8 * time.Second,
		RenderJS:        true,
		Stealth:         true,
		UserAgent:       "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",

		ScrapeBreaker: breaker.Settings{
			Name:                     "scrape",
			FailureThreshold:         5,
			ResetTimeout:             time.Minute,
			HalfOpenSuccessThreshold: 2,
		},
		DiscoveryBreaker: breaker.Settings{
			Name:                     "discovery",
			FailureThreshold:         3,
			ResetTimeout:             2 * time.Minute,
			HalfOpenSuccessThreshold: 1,
		},

		MinPlausiblePrice: 1,
		MaxPlausiblePrice: 50_000,
		LLMModel:          "gpt-4o-mini",

		DiscoveryMaxPages: 20,

		CronExpr:      "0 6 * * *",
		Timezone:      "America/New_York",
		IntervalHours: 24,
		BufferHours:   1,

		DataDir: "data",
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BrowserServiceURL == "" {
		return fmt.Errorf("browser service URL cannot be empty")
	}
	if err := validateURL("browser service URL", c.BrowserServiceURL); err != nil {
		return err
	}
	if c.CatalogURL != "" {
		if err := validateURL("catalog URL", c.CatalogURL); err != nil {
			return err
		}
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.ScrapeTimeout <= 0 {
		return fmt.Errorf("scrape timeout must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.RetryBackoff <= 0 {
		return fmt.Errorf("retry backoff must be positive")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.MinPlausiblePrice < 0 {
		return fmt.Errorf("min plausible price cannot be negative")
	}
	if c.MaxPlausiblePrice <= c.MinPlausiblePrice {
		return fmt.Errorf("max plausible price (%.2f) must exceed min (%.2f)", c.MaxPlausiblePrice, c.MinPlausiblePrice)
	}
	if c.IntervalHours <= 0 {
		return fmt.Errorf("interval hours must be positive")
	}
	if c.BufferHours < 0 {
		return fmt.Errorf("buffer hours cannot be negative")
	}
	if c.CronExpr == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	if c.Timezone == "" {
		return fmt.Errorf("timezone cannot be empty")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data dir cannot be empty")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	for _, b := range []breaker.Settings{c.ScrapeBreaker, c.DiscoveryBreaker} {
		if b.FailureThreshold <= 0 {
			return fmt.Errorf("breaker %q: failure threshold must be positive", b.Name)
		}
		if b.ResetTimeout <= 0 {
			return fmt.Errorf("breaker %q: reset timeout must be positive", b.Name)
		}
		if b.HalfOpenSuccessThreshold <= 0 {
			return fmt.Errorf("breaker %q: half-open success threshold must be positive", b.Name)
		}
	}
	return nil
}

// ApplyEnv overlays environment variables onto c.
func (c *Config) ApplyEnv() error {
	if v, ok := EnvString("PRICETRACK_BROWSER_URL"); ok {
		c.BrowserServiceURL = v
	}
	if v, ok := EnvString("PRICETRACK_CATALOG_URL"); ok {
		c.CatalogURL = v
	}
	if v, ok := EnvString("PRICETRACK_CATALOG_TOKEN"); ok {
		c.CatalogToken = v
	}
	if v, ok := EnvString("PRICETRACK_ALERT_WEBHOOK"); ok {
		c.AlertWebhookURL = v
	}
	if v, ok := EnvString("PRICETRACK_DATA_DIR"); ok {
		c.DataDir = v
	}
	if v, ok := EnvString("PRICETRACK_METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}
	if v, ok := EnvString("PRICETRACK_CRON"); ok {
		c.CronExpr = v
	}
	if v, ok := EnvString("PRICETRACK_TZ"); ok {
		c.Timezone = v
	}
	if v, ok := EnvString("PRICETRACK_LLM_BASE_URL"); ok {
		c.LLMBaseURL = v
	}
	if v, ok := EnvString("PRICETRACK_LLM_API_KEY"); ok {
		c.LLMAPIKey = v
	}
	if v, ok := EnvString("PRICETRACK_LLM_MODEL"); ok {
		c.LLMModel = v
	}
	if v, ok := EnvString("PRICETRACK_DISCOVERY_URL"); ok {
		c.DiscoveryStartURL = v
	}
	if v, ok, err := EnvInt("PRICETRACK_CONCURRENCY"); err != nil {
		return err
	} else if ok {
		c.Concurrency = v
	}
	if v, ok, err := EnvInt("PRICETRACK_INTERVAL_HOURS"); err != nil {
		return err
	} else if ok {
		c.IntervalHours = v
	}
	return nil
}

// EnvString reads a string environment variable, reporting presence.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

// EnvInt reads an integer environment variable, reporting presence.
func EnvInt(key string) (int, bool, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return 0, false, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, true, nil
}

func validateURL(label, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", label, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", label)
	}
	return nil
}
