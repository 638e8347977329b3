package portalclient

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "portal.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("", func(c *Config) { c.BaseURL = "https://portal.example.com/api" })
	if err != nil {
		t.Fatalf(unexpectedErrMsg, err)
	}

	if cfg.Timeout != 10*time.Second {
		t.Errorf("Expected timeout 10s, got %v", cfg.Timeout)
	}
	if cfg.Retry.MaxRetries != 3 || cfg.Retry.InitialBackoff != time.Second {
		t.Errorf("Expected 3 retries from 1s, got %+v", cfg.Retry)
	}
	if cfg.Breaker.FailureThreshold != 5 || cfg.Breaker.Cooldown != 60*time.Second {
		t.Errorf("Expected breaker 5/60s, got %+v", cfg.Breaker)
	}
	if !cfg.Cache.Enabled || cfg.Cache.TTL != 5*time.Minute || cfg.Cache.InvalidateOnMutation {
		t.Errorf("Expected cache enabled for 5m without invalidation, got %+v", cfg.Cache)
	}
}

func TestLoadConfigMissingBaseURL(t *testing.T) {
	_, err := LoadConfig("")
	if err == nil {
		t.Fatal("Expected validation error without base URL")
	}
	if !strings.Contains(err.Error(), "BaseURL") {
		t.Errorf("Expected BaseURL in error, got %v", err)
	}
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := writeConfigFile(t, `
base_url: https://portal.example.com/api
timeout: 5s
retry:
  max_retries: 2
  initial_backoff: 250ms
  strategy: decorrelated
breaker:
  failure_threshold: 8
cache:
  ttl: 2m
  invalidate_on_mutation: true
logging:
  level: debug
  format: console
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf(unexpectedErrMsg, err)
	}
	if cfg.BaseURL != "https://portal.example.com/api" {
		t.Errorf("Expected base URL from file, got %q", cfg.BaseURL)
	}
	if cfg.Timeout != 5*time.Second {
		t.Errorf("Expected 5s timeout, got %v", cfg.Timeout)
	}
	if cfg.Retry.MaxRetries != 2 || cfg.Retry.InitialBackoff != 250*time.Millisecond || cfg.Retry.Strategy != "decorrelated" {
		t.Errorf("Expected retry settings from file, got %+v", cfg.Retry)
	}
	if cfg.Retry.MaxBackoff != 30*time.Second {
		t.Errorf("Expected default max backoff kept, got %v", cfg.Retry.MaxBackoff)
	}
	if cfg.Breaker.FailureThreshold != 8 || cfg.Breaker.Cooldown != 60*time.Second {
		t.Errorf("Expected threshold 8 with default cooldown, got %+v", cfg.Breaker)
	}
	if cfg.Cache.TTL != 2*time.Minute || !cfg.Cache.InvalidateOnMutation || !cfg.Cache.Enabled {
		t.Errorf("Expected cache settings from file, got %+v", cfg.Cache)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "console" {
		t.Errorf("Expected debug console logging, got %+v", cfg.Logging)
	}
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
base_url: https://portal.example.com/api
retry:
  max_retries: 2
`)
	t.Setenv("PORTALCLIENT_BASE_URL", "https://staging.example.com/api")
	t.Setenv("PORTALCLIENT_RETRY__MAX_RETRIES", "6")
	t.Setenv("PORTALCLIENT_CACHE__TTL", "30s")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf(unexpectedErrMsg, err)
	}
	if cfg.BaseURL != "https://staging.example.com/api" {
		t.Errorf("Expected env base URL, got %q", cfg.BaseURL)
	}
	if cfg.Retry.MaxRetries != 6 {
		t.Errorf("Expected env max retries 6, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.Cache.TTL != 30*time.Second {
		t.Errorf("Expected env cache ttl 30s, got %v", cfg.Cache.TTL)
	}
}

func TestLoadConfigOverridesWin(t *testing.T) {
	t.Setenv("PORTALCLIENT_BASE_URL", "https://staging.example.com/api")

	cfg, err := LoadConfig("", func(c *Config) { c.BaseURL = "https://local.example.com" })
	if err != nil {
		t.Fatalf(unexpectedErrMsg, err)
	}
	if cfg.BaseURL != "https://local.example.com" {
		t.Errorf("Expected override to win, got %q", cfg.BaseURL)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad url", func(c *Config) { c.BaseURL = "not a url" }},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }},
		{"max below initial", func(c *Config) { c.Retry.MaxBackoff = time.Millisecond }},
		{"unknown strategy", func(c *Config) { c.Retry.Strategy = "linear" }},
		{"jitter above one", func(c *Config) { c.Retry.Jitter = 1.5 }},
		{"zero threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.BaseURL = "https://portal.example.com/api"
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestNewFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseURL = "https://portal.example.com/api"
	cfg.Token = "static-token"
	cfg.Cache.InvalidateOnMutation = true
	cfg.Cache.Deduplicate = true
	cfg.Metrics.Enabled = true
	cfg.RateLimit = RateLimitConfig{PerSecond: 20, Burst: 5}
	cfg.Logging.Output = &strings.Builder{}

	client, err := NewFromConfig(cfg)
	if err != nil {
		t.Fatalf(unexpectedErrMsg, err)
	}
	if !client.invalidateOnMutation {
		t.Error("Expected mutation invalidation enabled")
	}
	if !client.deduplicate {
		t.Error("Expected GET deduplication enabled")
	}
	if client.metrics == nil || client.metrics.Gatherer() == nil {
		t.Error("Expected metrics on a private registry")
	}
	if _, ok := client.tokens.(StaticToken); !ok {
		t.Errorf("Expected StaticToken provider, got %T", client.tokens)
	}
	tr, ok := client.transport.(*HTTPTransport)
	if !ok || tr.limiter == nil {
		t.Error("Expected rate limited HTTP transport")
	}
}

func TestNewFromConfigWithoutCache(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseURL = "https://portal.example.com/api"
	cfg.Cache.Enabled = false

	client, err := NewFromConfig(cfg, WithLogger(NewLogger(LogConfig{Level: "disabled"})))
	if err != nil {
		t.Fatalf(unexpectedErrMsg, err)
	}
	if client.Cache() != nil {
		t.Error("Expected caching disabled")
	}
}

func TestNewFromConfigInvalid(t *testing.T) {
	if _, err := NewFromConfig(DefaultConfig()); err == nil {
		t.Error("Expected error without base URL")
	}
}

func TestEnvTransformFunc(t *testing.T) {
	tests := map[string]string{
		"PORTALCLIENT_BASE_URL":               "base_url",
		"PORTALCLIENT_RETRY__MAX_RETRIES":     "retry.max_retries",
		"PORTALCLIENT_RATE_LIMIT__PER_SECOND": "rate_limit.per_second",
	}
	for in, want := range tests {
		if got := envTransformFunc(in); got != want {
			t.Errorf("envTransformFunc(%q): expected %q, got %q", in, want, got)
		}
	}
}
