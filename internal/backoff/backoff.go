// Package backoff computes retry delays with exponential growth, a hard
// ceiling and symmetric jitter.
package backoff

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	DefaultBase    = 10 * time.Second
	DefaultCeiling = 600 * time.Second
	DefaultUnit    = time.Second

	// JitterFraction is the maximum relative deviation applied to a delay.
	JitterFraction = 0.2

	// ceilingAttempt is the first attempt that uses the ceiling directly.
	ceilingAttempt = 7
)

// Calculator produces jittered delays. It is safe for concurrent use.
type Calculator struct {
	base    time.Duration
	ceiling time.Duration
	unit    time.Duration

	mu     sync.Mutex
	random func() float64
}

type Option func(*Calculator)

// WithRandom injects the uniform [0,1) source used for jitter.
func WithRandom(random func() float64) Option {
	return func(c *Calculator) {
		if random != nil {
			c.random = random
		}
	}
}

// WithUnit sets the granularity delays are truncated to. It is also the
// minimum non-zero delay.
func WithUnit(unit time.Duration) Option {
	return func(c *Calculator) {
		if unit > 0 {
			c.unit = unit
		}
	}
}

func New(base, ceiling time.Duration, opts ...Option) *Calculator {
	if base <= 0 {
		base = DefaultBase
	}
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	c := &Calculator{
		base:    base,
		ceiling: ceiling,
		unit:    DefaultUnit,
		random:  rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Calculator) Base() time.Duration    { return c.base }
func (c *Calculator) Ceiling() time.Duration { return c.ceiling }

// Delay returns the wait before the given attempt. Attempt 0 (or below) is
// immediate.
func (c *Calculator) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	c.mu.Lock()
	u := c.random()
	c.mu.Unlock()

	return Jitter(Exponential(attempt, c.base, c.ceiling), u, c.unit)
}

// Exponential returns the un-jittered delay: base*2^(attempt-1) for the
// low attempts and the ceiling from attempt 7 on.
func Exponential(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if attempt >= ceilingAttempt {
		return ceiling
	}
	return base * time.Duration(1<<(attempt-1))
}

// Jitter scales value by a factor in [1-JitterFraction, 1+JitterFraction]
// chosen by u in [0,1), truncates to unit and floors the result at one unit.
func Jitter(value time.Duration, u float64, unit time.Duration) time.Duration {
	if unit <= 0 {
		unit = DefaultUnit
	}
	offset := (2*u - 1) * JitterFraction * float64(value)
	jittered := time.Duration(math.Round(float64(value) + offset))
	jittered -= jittered % unit
	if jittered < unit {
		return unit
	}
	return jittered
}

// Compute is the one-shot form using the default ceiling and unit.
func Compute(attempt int, base time.Duration, random func() float64) time.Duration {
	return New(base, DefaultCeiling, WithRandom(random)).Delay(attempt)
}
