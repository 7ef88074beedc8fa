package config

import (
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty browser url", func(c *Config) { c.BrowserServiceURL = "" }},
		{"browser url without host", func(c *Config) { c.BrowserServiceURL = "/relative" }},
		{"zero concurrency", func(c *Config) { c.Concurrency = 0 }},
		{"zero timeout", func(c *Config) { c.ScrapeTimeout = 0 }},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }},
		{"backoff exceeds max", func(c *Config) { c.RetryBackoff = time.Minute; c.RetryBackoffMax = time.Second }},
		{"max price below min", func(c *Config) { c.MaxPlausiblePrice = 0.5 }},
		{"zero interval", func(c *Config) { c.IntervalHours = 0 }},
		{"negative buffer", func(c *Config) { c.BufferHours = -1 }},
		{"empty cron", func(c *Config) { c.CronExpr = "" }},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"breaker zero threshold", func(c *Config) { c.ScrapeBreaker.FailureThreshold = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("PRICETRACK_BROWSER_URL", "http://browser:9000")
	t.Setenv("PRICETRACK_CONCURRENCY", "7")
	t.Setenv("PRICETRACK_TZ", "UTC")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.BrowserServiceURL != "http://browser:9000" {
		t.Fatalf("browser url = %q", cfg.BrowserServiceURL)
	}
	if cfg.Concurrency != 7 {
		t.Fatalf("concurrency = %d, want 7", cfg.Concurrency)
	}
	if cfg.Timezone != "UTC" {
		t.Fatalf("timezone = %q, want UTC", cfg.Timezone)
	}
}

func TestApplyEnvBadInt(t *testing.T) {
	t.Setenv("PRICETRACK_CONCURRENCY", "many")
	if err := DefaultConfig().ApplyEnv(); err == nil {
		t.Fatalf("expected error for non-numeric PRICETRACK_CONCURRENCY")
	}
}
