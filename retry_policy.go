package portalclient

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/momomojo/portalclient/internal/backoff"
)

const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultMultiplier     = 2.0
	maxRetryAfter         = time.Hour
)

// BackoffStrategy selects how delays grow between retries.
type BackoffStrategy int

const (
	// Exponential doubles (by Multiplier) from the initial delay: 1s, 2s, 4s.
	Exponential BackoffStrategy = iota
	// DecorrelatedJitter draws between the initial delay and initial*3^attempt.
	DecorrelatedJitter
)

// RetryPolicy decides whether a failed attempt is retried and after how long.
// attempt is the number of retries already made for the call.
type RetryPolicy interface {
	ShouldRetry(err *Error, attempt int) (time.Duration, bool)
}

// RetryPolicyFunc adapts a function to RetryPolicy.
type RetryPolicyFunc func(err *Error, attempt int) (time.Duration, bool)

// ShouldRetry implements RetryPolicy.
func (f RetryPolicyFunc) ShouldRetry(err *Error, attempt int) (time.Duration, bool) {
	return f(err, attempt)
}

// DefaultRetryPolicy retries transient failures (no response, 429, 5xx) of
// any method up to maxRetries times with exponential backoff. A Retry-After
// header overrides the computed delay, capped at the max backoff.
type DefaultRetryPolicy struct {
	maxRetries int
	calculator *backoff.Calculator
}

// NewDefaultRetryPolicy builds a policy; jitter is the fraction (0..1) of
// each delay added at random.
func NewDefaultRetryPolicy(maxRetries int, initial, maxBackoff time.Duration, multiplier, jitter float64) *DefaultRetryPolicy {
	return NewDefaultRetryPolicyWithStrategy(maxRetries, initial, maxBackoff, multiplier, jitter, Exponential)
}

// NewDefaultRetryPolicyWithStrategy builds a policy using the given strategy.
func NewDefaultRetryPolicyWithStrategy(maxRetries int, initial, maxBackoff time.Duration, multiplier, jitter float64, strategy BackoffStrategy) *DefaultRetryPolicy {
	var s backoff.Strategy
	switch strategy {
	case DecorrelatedJitter:
		s = backoff.DecorrelatedJitter{}
	default:
		s = backoff.Exponential{}
	}
	return &DefaultRetryPolicy{
		maxRetries: maxRetries,
		calculator: backoff.NewCalculator(s, backoff.Params{
			Initial:    initial,
			Max:        maxBackoff,
			Multiplier: multiplier,
			Jitter:     jitter,
		}),
	}
}

// ShouldRetry implements RetryPolicy.
func (p *DefaultRetryPolicy) ShouldRetry(err *Error, attempt int) (time.Duration, bool) {
	if err == nil || attempt >= p.maxRetries {
		return 0, false
	}
	if classify(err) != failureTransient {
		return 0, false
	}

	if err.RetryAfter > 0 {
		if limit := p.calculator.Params().Max; limit > 0 && err.RetryAfter > limit {
			return limit, true
		}
		return err.RetryAfter, true
	}
	return p.calculator.Next(attempt), true
}

// MaxRetries returns the retry budget per call.
func (p *DefaultRetryPolicy) MaxRetries() int {
	return p.maxRetries
}

// Schedule returns the delays the policy would use with no Retry-After hints.
func (p *DefaultRetryPolicy) Schedule() []time.Duration {
	return p.calculator.Schedule(p.maxRetries)
}

// parseRetryAfter parses a Retry-After value in delay-seconds or HTTP-date form.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		d := time.Duration(seconds) * time.Second
		if d > maxRetryAfter {
			d = maxRetryAfter
		}
		return d
	}

	if t, err := http.ParseTime(value); err == nil {
		d := t.Sub(now)
		if d > 0 && d <= maxRetryAfter {
			return d
		}
	}
	return 0
}
