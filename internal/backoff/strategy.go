// Package backoff computes retry delays for the request pipeline.
package backoff

import (
	"math/rand"
	"time"
)

// maxExponent bounds the exponent so Initial*Multiplier^n cannot overflow.
const maxExponent = 30

// Params holds the inputs shared by every strategy.
type Params struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the fraction (0..1) of the computed delay added at random.
	Jitter float64
}

// Strategy turns a zero-based retry attempt into a delay.
type Strategy interface {
	Delay(attempt int, p Params) time.Duration
}

// Exponential returns Initial*Multiplier^attempt, capped at Max. With a
// non-zero Jitter a random fraction of the delay is added, still capped.
type Exponential struct {
	Rand func() float64
}

// Delay implements Strategy.
func (s Exponential) Delay(attempt int, p Params) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxExponent {
		attempt = maxExponent
	}

	d := time.Duration(float64(p.Initial) * Pow(p.Multiplier, attempt))
	if d < 0 || (p.Max > 0 && d > p.Max) {
		d = p.Max
	}

	jitter := clampJitter(p.Jitter)
	if jitter == 0 {
		return d
	}
	extra := time.Duration(float64(d) * jitter * randFloat(s.Rand))
	if p.Max > 0 && d+extra > p.Max {
		return p.Max
	}
	return d + extra
}

// DecorrelatedJitter picks uniformly between Initial and
// min(Max, Initial*3^attempt). Attempt 0 always yields Initial.
type DecorrelatedJitter struct {
	Rand func() float64
}

// Delay implements Strategy.
func (s DecorrelatedJitter) Delay(attempt int, p Params) time.Duration {
	if attempt <= 0 {
		return p.Initial
	}
	if attempt > 10 {
		attempt = 10
	}

	base := float64(p.Initial)
	upper := base * Pow(3.0, attempt)
	if p.Max > 0 && (upper > float64(p.Max) || upper < 0) {
		upper = float64(p.Max)
	}
	if upper < base {
		upper = base
	}

	d := time.Duration(base + randFloat(s.Rand)*(upper-base))
	if d < 0 || (p.Max > 0 && d > p.Max) {
		d = p.Max
	}
	return d
}

func randFloat(fn func() float64) float64 {
	if fn != nil {
		return fn()
	}
	return rand.Float64()
}

func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}

// Pow computes base^exponent by repeated multiplication.
func Pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
