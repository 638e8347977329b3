package portalclient

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
)

const (
	defaultFailureThreshold = 5
	defaultCooldown         = 60 * time.Second
)

// CircuitBreaker counts consecutive failed sends. At FailureThreshold it
// opens and rejects every new call for Cooldown; the first call after that is
// a probe whose outcome either closes the breaker or reopens it with a fresh
// OpenedAt. A call admitted before the breaker opened finishes its retries.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	cb     *gobreaker.TwoStepCircuitBreaker[any]

	mu       sync.Mutex
	failures int
	openedAt time.Time

	logger  zerolog.Logger
	metrics *MetricsCollector
}

// NewCircuitBreaker creates a breaker; zero config fields take the defaults
// (5 failures, 60s cooldown).
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return newCircuitBreaker(config, zerolog.Nop(), nil)
}

func newCircuitBreaker(config CircuitBreakerConfig, logger zerolog.Logger, metrics *MetricsCollector) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaultFailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaultCooldown
	}

	b := &CircuitBreaker{
		config:  config,
		logger:  logger,
		metrics: metrics,
	}

	threshold := uint32(config.FailureThreshold)
	b.cb = gobreaker.NewTwoStepCircuitBreaker[any](gobreaker.Settings{
		Name:        "portal-api",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     config.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: b.onStateChange,
		IsExcluded:    notSent,
	})
	metrics.RecordCircuitBreakerState(b.cb.Name(), StateClosed)
	return b
}

// onStateChange runs under gobreaker's lock; it must not call back into b.cb.
func (b *CircuitBreaker) onStateChange(name string, from, to gobreaker.State) {
	b.mu.Lock()
	if to == gobreaker.StateOpen {
		b.openedAt = time.Now()
	}
	if to == gobreaker.StateClosed {
		b.openedAt = time.Time{}
	}
	failures := b.failures
	b.mu.Unlock()

	b.logger.Warn().
		Str("breaker", name).
		Str("from", fromGobreaker(from).String()).
		Str("to", fromGobreaker(to).String()).
		Int("failures", failures).
		Msg("circuit breaker state transition")
	b.metrics.RecordCircuitBreakerState(name, fromGobreaker(to))
}

var (
	errSendFailed = errors.New("send failed")
	// errNotSent marks an admitted request that never reached the backend.
	// It counts as neither success nor failure.
	errNotSent = errors.New("request not sent")
)

// Allow admits one send. The returned done func must be called exactly once
// with the send's outcome. ErrCircuitOpen is returned while the breaker is
// open, or half-open with the probe already in flight.
func (b *CircuitBreaker) Allow() (func(success bool), error) {
	report, err := b.allow()
	if err != nil {
		return nil, err
	}
	return func(success bool) {
		if success {
			report(nil)
			return
		}
		report(errSendFailed)
	}, nil
}

// allow admits one send; report takes nil, errSendFailed or errNotSent.
func (b *CircuitBreaker) allow() (report func(outcome error), err error) {
	done, err := b.cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}
	return func(outcome error) {
		b.count(outcome)
		done(outcome)
	}, nil
}

// follow reports a retry or replay of a call the breaker already admitted.
// If the breaker opened in the meantime the send still goes out and only the
// failure count records it.
func (b *CircuitBreaker) follow() func(outcome error) {
	if report, err := b.allow(); err == nil {
		return report
	}
	return b.count
}

func notSent(err error) bool {
	return errors.Is(err, errNotSent)
}

func (b *CircuitBreaker) count(outcome error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case outcome == nil:
		b.failures = 0
	case notSent(outcome):
	default:
		b.failures++
	}
}

// State returns the current state. An open breaker whose cooldown elapsed
// reports half-open.
func (b *CircuitBreaker) State() CircuitState {
	return fromGobreaker(b.cb.State())
}

// Snapshot returns the breaker's counters and state.
func (b *CircuitBreaker) Snapshot() BreakerState {
	state := b.State()

	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerState{
		State:        state,
		FailureCount: b.failures,
		IsOpen:       state == StateOpen,
		OpenedAt:     b.openedAt,
	}
}

// Config returns the effective configuration.
func (b *CircuitBreaker) Config() CircuitBreakerConfig {
	return b.config
}

func fromGobreaker(s gobreaker.State) CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
