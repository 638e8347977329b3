package portalclient

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func okTransport() Transport {
	return &fakeTransport{handler: always(200, "{}")}
}

func TestWithMaxRetries(t *testing.T) {
	client := New(WithTransport(okTransport()), WithMaxRetries(5))

	if client.maxRetries != 5 {
		t.Errorf("Expected maxRetries=5, got %d", client.maxRetries)
	}
}

func TestWithInitialBackoff(t *testing.T) {
	backoff := 200 * time.Millisecond
	client := New(WithTransport(okTransport()), WithInitialBackoff(backoff))

	if client.initialBackoff != backoff {
		t.Errorf("Expected initialBackoff=%v, got %v", backoff, client.initialBackoff)
	}
}

func TestWithMaxBackoff(t *testing.T) {
	maxBackoff := 45 * time.Second
	client := New(WithTransport(okTransport()), WithMaxBackoff(maxBackoff))

	if client.maxBackoff != maxBackoff {
		t.Errorf("Expected maxBackoff=%v, got %v", maxBackoff, client.maxBackoff)
	}
}

func TestWithBackoffMultiplier(t *testing.T) {
	client := New(WithTransport(okTransport()), WithBackoffMultiplier(3.0))

	if client.backoffMultiplier != 3.0 {
		t.Errorf("Expected backoffMultiplier=3.0, got %f", client.backoffMultiplier)
	}
}

func TestWithJitterClamps(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{-0.5, 0},
		{0.25, 0.25},
		{2, 1},
	}
	for _, tt := range tests {
		client := New(WithTransport(okTransport()), WithJitter(tt.in))
		if client.jitter != tt.want {
			t.Errorf("WithJitter(%v): expected %v, got %v", tt.in, tt.want, client.jitter)
		}
	}
}

func TestWithBackoffStrategy(t *testing.T) {
	client := New(WithTransport(okTransport()), WithBackoffStrategy(DecorrelatedJitter))

	if client.backoffStrategy != DecorrelatedJitter {
		t.Errorf("Expected DecorrelatedJitter, got %v", client.backoffStrategy)
	}
	policy, ok := client.retryPolicy.(*DefaultRetryPolicy)
	if !ok {
		t.Fatalf("Expected *DefaultRetryPolicy, got %T", client.retryPolicy)
	}
	if policy.MaxRetries() != defaultMaxRetries {
		t.Errorf("Expected %d retries, got %d", defaultMaxRetries, policy.MaxRetries())
	}
}

func TestWithCircuitBreaker(t *testing.T) {
	config := CircuitBreakerConfig{FailureThreshold: 3, Cooldown: 10 * time.Second}
	client := New(WithTransport(okTransport()), WithCircuitBreaker(config))

	if got := client.CircuitBreaker().Config(); got != config {
		t.Errorf("Expected breaker config %+v, got %+v", config, got)
	}
}

func TestWithCacheOptions(t *testing.T) {
	client := New(WithTransport(okTransport()), WithCache(time.Minute), WithCacheMaxEntries(10))

	cache, ok := client.Cache().(*InMemoryCache)
	if !ok {
		t.Fatalf("Expected *InMemoryCache, got %T", client.Cache())
	}
	if cache.TTL() != time.Minute {
		t.Errorf("Expected TTL=1m, got %v", cache.TTL())
	}
	if client.cacheMaxEntries != 10 {
		t.Errorf("Expected cacheMaxEntries=10, got %d", client.cacheMaxEntries)
	}
}

func TestWithCustomCache(t *testing.T) {
	custom := NewInMemoryCache(time.Second)
	client := New(WithTransport(okTransport()), WithCustomCache(custom))

	if client.Cache() != custom {
		t.Error("Expected custom cache to be used")
	}
}

func TestWithSignalsNilFallsBackToNop(t *testing.T) {
	client := New(WithTransport(okTransport()), WithSignals(nil))

	if _, err := client.Get(context.Background(), "/properties", nil); err != nil {
		t.Fatalf(unexpectedErrMsg, err)
	}
}

func TestWithMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	client := New(WithTransport(okTransport()), WithMetrics(registry))

	if client.metrics == nil {
		t.Fatal("Expected metrics collector")
	}
	if client.metrics.Gatherer() != registry {
		t.Error("Expected collector to gather from the supplied registry")
	}
}

func TestWithLoggerAndRequestID(t *testing.T) {
	var buf strings.Builder
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	client := New(
		WithTransport(okTransport()),
		WithLogger(logger),
		WithRequestIDGenerator(func() string { return "fixed-id" }),
	)

	if _, err := client.Get(context.Background(), "/tenants", nil); err != nil {
		t.Fatalf(unexpectedErrMsg, err)
	}
	if !strings.Contains(buf.String(), `"request_id":"fixed-id"`) {
		t.Errorf("Expected request_id in log output, got %s", buf.String())
	}
}

func TestWithUserAgentAndHTTPClient(t *testing.T) {
	hc := &http.Client{}
	client := New(WithBaseURL("https://portal.example.com/api"), WithHTTPClient(hc), WithUserAgent("portal-web/2.0"))

	if !client.IsValid() {
		t.Fatalf("Expected valid client, got %v", client.ValidationError())
	}
	tr, ok := client.transport.(*HTTPTransport)
	if !ok {
		t.Fatalf("Expected *HTTPTransport, got %T", client.transport)
	}
	if tr.userAgent != "portal-web/2.0" {
		t.Errorf("Expected user agent portal-web/2.0, got %q", tr.userAgent)
	}
}

func TestValidateConfiguration(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		wantErr string
	}{
		{"negative retries", []Option{WithMaxRetries(-1)}, "maxRetries must be non-negative"},
		{"zero initial backoff", []Option{WithInitialBackoff(0)}, "initialBackoff must be positive"},
		{"max below initial", []Option{WithInitialBackoff(time.Second), WithMaxBackoff(time.Millisecond)}, "maxBackoff must be greater"},
		{"zero multiplier", []Option{WithBackoffMultiplier(0)}, "backoffMultiplier must be positive"},
		{"zero cache ttl", []Option{WithCache(0)}, "cacheTTL must be positive"},
		{"negative cache entries", []Option{WithCacheMaxEntries(-1)}, "cacheMaxEntries must be non-negative"},
		{"negative breaker threshold", []Option{WithCircuitBreaker(CircuitBreakerConfig{FailureThreshold: -1})}, "FailureThreshold must be non-negative"},
		{"nil middleware", []Option{WithMiddleware(nil)}, "middleware[0] cannot be nil"},
		{"zero timeout", []Option{WithTimeout(0)}, "timeout must be positive"},
		{"too many retries", []Option{WithMaxRetries(101)}, "maxRetries > 100"},
		{"nil request id generator", []Option{WithRequestIDGenerator(nil)}, "request ID generator cannot be nil"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := New(append([]Option{WithTransport(okTransport())}, tt.opts...)...)
			err := client.ValidationError()
			if err == nil {
				t.Fatalf("Expected validation error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateConfigurationDefaults(t *testing.T) {
	client := New(WithTransport(okTransport()))
	if err := client.ValidateConfiguration(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
}
