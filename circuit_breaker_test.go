package portalclient

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func failN(t *testing.T, cb *CircuitBreaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		done, err := cb.Allow()
		if err != nil {
			t.Fatalf("Expected send %d to be admitted, got %v", i, err)
		}
		done(false)
	}
}

func TestCircuitBreakerDefaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})

	cfg := cb.Config()
	if cfg.FailureThreshold != 5 {
		t.Errorf("Expected FailureThreshold=5, got %d", cfg.FailureThreshold)
	}
	if cfg.Cooldown != 60*time.Second {
		t.Errorf("Expected Cooldown=60s, got %v", cfg.Cooldown)
	}
	if cb.State() != StateClosed {
		t.Errorf("Expected StateClosed, got %v", cb.State())
	}
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, Cooldown: time.Hour})

	failN(t, cb, 2)
	if cb.State() != StateClosed {
		t.Fatalf("Expected StateClosed below threshold, got %v", cb.State())
	}

	failN(t, cb, 1)
	snap := cb.Snapshot()
	if snap.State != StateOpen || !snap.IsOpen {
		t.Errorf("Expected open breaker, got %+v", snap)
	}
	if snap.FailureCount != 3 {
		t.Errorf("Expected FailureCount=3, got %d", snap.FailureCount)
	}
	if snap.OpenedAt.IsZero() {
		t.Error("Expected OpenedAt set while open")
	}

	if _, err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreakerSuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, Cooldown: time.Hour})

	failN(t, cb, 2)
	done, err := cb.Allow()
	if err != nil {
		t.Fatalf(unexpectedErrMsg, err)
	}
	done(true)
	failN(t, cb, 2)

	snap := cb.Snapshot()
	if snap.State != StateClosed {
		t.Errorf("Expected consecutive count to restart after success, got %v", snap.State)
	}
	if snap.FailureCount != 2 {
		t.Errorf("Expected FailureCount=2, got %d", snap.FailureCount)
	}
}

func TestCircuitBreakerHalfOpenAdmitsOneProbe(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: 30 * time.Millisecond})
	failN(t, cb, 1)

	time.Sleep(50 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatalf("Expected StateHalfOpen after cooldown, got %v", cb.State())
	}

	var (
		admitted atomic.Int32
		wg       sync.WaitGroup
		mu       sync.Mutex
		probes   []func(bool)
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done, err := cb.Allow()
			if err != nil {
				if !errors.Is(err, ErrCircuitOpen) {
					t.Errorf("Expected ErrCircuitOpen, got %v", err)
				}
				return
			}
			admitted.Add(1)
			mu.Lock()
			probes = append(probes, done)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if admitted.Load() != 1 {
		t.Fatalf("Expected exactly 1 probe admitted, got %d", admitted.Load())
	}

	probes[0](true)
	snap := cb.Snapshot()
	if snap.State != StateClosed || snap.FailureCount != 0 {
		t.Errorf("Expected closed breaker after successful probe, got %+v", snap)
	}
	if !snap.OpenedAt.IsZero() {
		t.Errorf("Expected OpenedAt cleared when closed, got %v", snap.OpenedAt)
	}
}

func TestCircuitBreakerFailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: 30 * time.Millisecond})
	failN(t, cb, 1)
	first := cb.Snapshot().OpenedAt

	time.Sleep(50 * time.Millisecond)
	failN(t, cb, 1)

	snap := cb.Snapshot()
	if !snap.IsOpen {
		t.Fatalf("Expected breaker reopened, got %+v", snap)
	}
	if !snap.OpenedAt.After(first) {
		t.Errorf("Expected fresh OpenedAt after failed probe, got %v (first %v)", snap.OpenedAt, first)
	}
}

func TestCircuitBreakerOpenImpliesOpenedAt(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Hour})

	for i := 0; i < 4; i++ {
		snap := cb.Snapshot()
		if snap.IsOpen && snap.OpenedAt.IsZero() {
			t.Fatalf("Expected OpenedAt whenever IsOpen, got %+v", snap)
		}
		if done, err := cb.Allow(); err == nil {
			done(false)
		}
	}
}

func TestCircuitBreakerStateMetric(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetricsCollectorWithRegistry(registry)
	cb := newCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Hour}, zerolog.Nop(), metrics)

	if got := testutil.ToFloat64(metrics.circuitBreakerState.WithLabelValues("portal-api")); got != 0 {
		t.Errorf("Expected closed gauge 0, got %v", got)
	}

	failN(t, cb, 1)
	if got := testutil.ToFloat64(metrics.circuitBreakerState.WithLabelValues("portal-api")); got != 1 {
		t.Errorf("Expected open gauge 1, got %v", got)
	}
}

func TestCircuitStateString(t *testing.T) {
	tests := map[CircuitState]string{
		StateClosed:     "closed",
		StateOpen:       "open",
		StateHalfOpen:   "half-open",
		CircuitState(9): "CircuitState(9)",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("Expected %q, got %q", want, got)
		}
	}
}

func TestCircuitBreakerNotSentIsExcluded(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: 30 * time.Millisecond})

	report, err := cb.allow()
	if err != nil {
		t.Fatalf(unexpectedErrMsg, err)
	}
	report(errNotSent)
	if snap := cb.Snapshot(); snap.State != StateClosed || snap.FailureCount != 0 {
		t.Fatalf("Expected unsent request ignored, got %+v", snap)
	}

	failN(t, cb, 1)
	time.Sleep(50 * time.Millisecond)

	// An unsent probe releases the half-open slot for the next call.
	report, err = cb.allow()
	if err != nil {
		t.Fatalf("Expected probe admitted, got %v", err)
	}
	report(errNotSent)
	done, err := cb.Allow()
	if err != nil {
		t.Fatalf("Expected half-open slot released, got %v", err)
	}
	done(true)
	if cb.State() != StateClosed {
		t.Errorf("Expected StateClosed, got %v", cb.State())
	}
}

func TestCircuitBreakerFollowCountsWhileOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Hour})
	failN(t, cb, 2)
	if !cb.Snapshot().IsOpen {
		t.Fatal("Expected open breaker")
	}

	cb.follow()(errSendFailed)
	snap := cb.Snapshot()
	if snap.FailureCount != 3 || !snap.IsOpen {
		t.Errorf("Expected failure counted with breaker still open, got %+v", snap)
	}
}
