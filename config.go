package portalclient

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// EnvPrefix is the prefix of environment overrides. Nested keys use a double
// underscore: PORTALCLIENT_RETRY__MAX_RETRIES sets retry.max_retries.
const EnvPrefix = "PORTALCLIENT_"

// Config is the file/env representation of the client options.
type Config struct {
	BaseURL   string        `koanf:"base_url" validate:"required,url"`
	Timeout   time.Duration `koanf:"timeout" validate:"gt=0,lte=10m"`
	UserAgent string        `koanf:"user_agent"`
	// Token is a static bearer token. Leave empty when a TokenProvider is
	// passed to NewFromConfig.
	Token string `koanf:"token"`

	Retry     RetryConfig     `koanf:"retry"`
	Breaker   BreakerConfig   `koanf:"breaker"`
	Cache     CacheConfig     `koanf:"cache"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Session   SessionConfig   `koanf:"session"`
	Logging   LogConfig       `koanf:"logging"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

// RetryConfig mirrors the retry options.
type RetryConfig struct {
	MaxRetries     int           `koanf:"max_retries" validate:"gte=0,lte=100"`
	InitialBackoff time.Duration `koanf:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `koanf:"max_backoff" validate:"gtefield=InitialBackoff,lte=1h"`
	Multiplier     float64       `koanf:"multiplier" validate:"gt=0"`
	Jitter         float64       `koanf:"jitter" validate:"gte=0,lte=1"`
	Strategy       string        `koanf:"strategy" validate:"oneof=exponential decorrelated"`
}

// BreakerConfig mirrors CircuitBreakerConfig.
type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold" validate:"gt=0"`
	Cooldown         time.Duration `koanf:"cooldown" validate:"gt=0"`
}

// CacheConfig mirrors the cache options.
type CacheConfig struct {
	Enabled              bool          `koanf:"enabled"`
	TTL                  time.Duration `koanf:"ttl" validate:"gt=0,lte=24h"`
	MaxEntries           int           `koanf:"max_entries" validate:"gte=0"`
	InvalidateOnMutation bool          `koanf:"invalidate_on_mutation"`
	Deduplicate          bool          `koanf:"deduplicate"`
}

// RateLimitConfig throttles outgoing sends; zero PerSecond disables it.
type RateLimitConfig struct {
	PerSecond float64 `koanf:"per_second" validate:"gte=0"`
	Burst     int     `koanf:"burst" validate:"gte=0"`
}

// SessionConfig bounds session refreshes.
type SessionConfig struct {
	RefreshTimeout time.Duration `koanf:"refresh_timeout" validate:"gt=0"`
}

// MetricsConfig toggles Prometheus collection on a private registry.
type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
}

// DefaultConfig returns the defaults every loaded configuration starts from.
func DefaultConfig() Config {
	return Config{
		Timeout: defaultTimeout,
		Retry: RetryConfig{
			MaxRetries:     defaultMaxRetries,
			InitialBackoff: defaultInitialBackoff,
			MaxBackoff:     defaultMaxBackoff,
			Multiplier:     defaultMultiplier,
			Jitter:         0,
			Strategy:       "exponential",
		},
		Breaker: BreakerConfig{
			FailureThreshold: defaultFailureThreshold,
			Cooldown:         defaultCooldown,
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     defaultCacheTTL,
		},
		Session: SessionConfig{
			RefreshTimeout: defaultRefreshTimeout,
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig layers defaults, the optional YAML file at path and
// PORTALCLIENT_ environment variables, applies overrides in order, then
// validates the result.
func LoadConfig(path string, overrides ...func(*Config)) (Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	for _, override := range overrides {
		override(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envTransformFunc maps PORTALCLIENT_CACHE__TTL to cache.ttl.
func envTransformFunc(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	key = strings.ToLower(key)
	return strings.ReplaceAll(key, "__", ".")
}

// Validate checks the struct tags.
func (cfg Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// Options translates the configuration into client options.
func (cfg Config) Options() []Option {
	strategy := Exponential
	if cfg.Retry.Strategy == "decorrelated" {
		strategy = DecorrelatedJitter
	}

	opts := []Option{
		WithBaseURL(cfg.BaseURL),
		WithTimeout(cfg.Timeout),
		WithMaxRetries(cfg.Retry.MaxRetries),
		WithInitialBackoff(cfg.Retry.InitialBackoff),
		WithMaxBackoff(cfg.Retry.MaxBackoff),
		WithBackoffMultiplier(cfg.Retry.Multiplier),
		WithJitter(cfg.Retry.Jitter),
		WithBackoffStrategy(strategy),
		WithCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Cooldown:         cfg.Breaker.Cooldown,
		}),
		WithRefreshTimeout(cfg.Session.RefreshTimeout),
		WithLogger(NewLogger(cfg.Logging)),
	}

	if cfg.UserAgent != "" {
		opts = append(opts, WithUserAgent(cfg.UserAgent))
	}
	if cfg.Token != "" {
		opts = append(opts, WithTokenProvider(StaticToken(cfg.Token)))
	}
	if cfg.RateLimit.PerSecond > 0 {
		opts = append(opts, WithRateLimit(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst))
	}
	if cfg.Cache.Enabled {
		opts = append(opts,
			WithCache(cfg.Cache.TTL),
			WithCacheMaxEntries(cfg.Cache.MaxEntries),
			WithInvalidateOnMutation(cfg.Cache.InvalidateOnMutation),
		)
	} else {
		opts = append(opts, WithoutCache())
	}
	if cfg.Cache.Deduplicate {
		opts = append(opts, WithDeduplication())
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, WithMetrics(prometheus.NewRegistry()))
	}
	return opts
}

// NewFromConfig validates cfg and builds a client. Extra options are applied
// after the configured ones and win over them.
func NewFromConfig(cfg Config, extra ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := New(append(cfg.Options(), extra...)...)
	if err := client.ValidationError(); err != nil {
		return nil, err
	}
	return client, nil
}
