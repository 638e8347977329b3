package backoff

import "time"

// Calculator binds a Strategy to a fixed set of Params so callers only pass
// the attempt number.
type Calculator struct {
	strategy Strategy
	params   Params
}

// NewCalculator returns a Calculator. A nil strategy falls back to Exponential.
func NewCalculator(strategy Strategy, params Params) *Calculator {
	if strategy == nil {
		strategy = Exponential{}
	}
	if params.Multiplier <= 0 {
		params.Multiplier = 2
	}
	if params.Max > 0 && params.Max < params.Initial {
		params.Max = params.Initial
	}
	return &Calculator{strategy: strategy, params: params}
}

// Next returns the delay before retry number attempt+1.
func (c *Calculator) Next(attempt int) time.Duration {
	return c.strategy.Delay(attempt, c.params)
}

// Params returns the parameters the calculator was built with.
func (c *Calculator) Params() Params {
	return c.params
}

// Strategy returns the configured strategy.
func (c *Calculator) Strategy() Strategy {
	return c.strategy
}

// Schedule lists the delays for attempts 0..n-1. Handy for logging the plan
// of a call up front.
func (c *Calculator) Schedule(n int) []time.Duration {
	out := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, c.Next(i))
	}
	return out
}
