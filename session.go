package portalclient

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	refreshKey            = "session"
	defaultRefreshTimeout = 10 * time.Second
)

// sessionRefresher coalesces concurrent session refreshes into one call to
// the TokenProvider. Every successful refresh bumps a generation counter;
// a 401 produced by a token from an older generation replays without
// refreshing again.
type sessionRefresher struct {
	provider   TokenProvider
	timeout    time.Duration
	group      singleflight.Group
	generation atomic.Uint64

	logger  zerolog.Logger
	metrics *MetricsCollector
}

func newSessionRefresher(p TokenProvider, timeout time.Duration, logger zerolog.Logger, metrics *MetricsCollector) *sessionRefresher {
	if timeout <= 0 {
		timeout = defaultRefreshTimeout
	}
	return &sessionRefresher{
		provider: p,
		timeout:  timeout,
		logger:   logger,
		metrics:  metrics,
	}
}

// token resolves the current token and the generation it belongs to.
func (r *sessionRefresher) token(ctx context.Context) (string, uint64, error) {
	gen := r.generation.Load()
	tok, err := r.provider.Token(ctx)
	return tok, gen, err
}

// refresh renews the session unless a refresh newer than seen already
// completed. Waiters give up when their own ctx ends; the shared refresh
// keeps running for the others.
func (r *sessionRefresher) refresh(ctx context.Context, seen uint64) error {
	if r.generation.Load() > seen {
		return nil
	}

	ch := r.group.DoChan(refreshKey, func() (any, error) {
		if r.generation.Load() > seen {
			return nil, nil
		}
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		start := time.Now()
		if err := r.provider.RefreshSession(runCtx); err != nil {
			r.metrics.RecordSessionRefresh("failure")
			r.logger.Warn().Err(err).Dur("duration", time.Since(start)).Msg("session refresh failed")
			return nil, err
		}
		gen := r.generation.Add(1)
		r.metrics.RecordSessionRefresh("success")
		r.logger.Info().Uint64("generation", gen).Dur("duration", time.Since(start)).Msg("session refreshed")
		return nil, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			r.logger.Debug().Msg("joined in-flight session refresh")
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *sessionRefresher) currentGeneration() uint64 {
	return r.generation.Load()
}
