// Package ratelimit enforces the global send ceiling and the per-destination
// anti-spam interval for error notifications.
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultGlobalLimit      = 20
	DefaultWindow           = time.Minute
	DefaultMinErrorInterval = 180 * time.Second

	// errorStatePruneThreshold bounds the destination map before stale
	// entries are dropped.
	errorStatePruneThreshold = 1024
)

// SendWindow stores the timestamps of successful sends. Count evicts
// entries at or before now-window before counting.
type SendWindow interface {
	Add(ctx context.Context, at time.Time) error
	Count(ctx context.Context, now time.Time, window time.Duration) (int, error)
}

type Config struct {
	GlobalLimit      int
	Window           time.Duration
	MinErrorInterval time.Duration
}

// Limiter is owned by a single delivery worker and is not safe for
// concurrent use.
type Limiter struct {
	globalLimit      int
	window           time.Duration
	minErrorInterval time.Duration

	sends             SendWindow
	lastErrorNotified map[int64]time.Time
	now               func() time.Time
	logger            *zap.Logger
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func WithSendWindow(w SendWindow) Option {
	return func(l *Limiter) {
		if w != nil {
			l.sends = w
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func NewLimiter(cfg Config, opts ...Option) *Limiter {
	if cfg.GlobalLimit <= 0 {
		cfg.GlobalLimit = DefaultGlobalLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MinErrorInterval < 0 {
		cfg.MinErrorInterval = DefaultMinErrorInterval
	}

	l := &Limiter{
		globalLimit:       cfg.GlobalLimit,
		window:            cfg.Window,
		minErrorInterval:  cfg.MinErrorInterval,
		sends:             NewMemoryWindow(),
		lastErrorNotified: make(map[int64]time.Time),
		now:               time.Now,
		logger:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CanSendGlobally reports whether another send fits in the sliding window.
// A failing window store is treated as open; the provider's own 429 handling
// still applies.
func (l *Limiter) CanSendGlobally(ctx context.Context) bool {
	count, err := l.sends.Count(ctx, l.now(), l.window)
	if err != nil {
		l.logger.Warn("global send window unavailable, allowing send", zap.Error(err))
		return true
	}
	return count < l.globalLimit
}

// RecordSend adds a successful send to the window.
func (l *Limiter) RecordSend(ctx context.Context) {
	if err := l.sends.Add(ctx, l.now()); err != nil {
		l.logger.Warn("failed to record send in global window", zap.Error(err))
	}
}

// GlobalCount returns the number of sends currently inside the window.
func (l *Limiter) GlobalCount(ctx context.Context) int {
	count, err := l.sends.Count(ctx, l.now(), l.window)
	if err != nil {
		return 0
	}
	return count
}

// CanNotifyError reports whether an error notification for destination is
// outside the anti-spam interval.
func (l *Limiter) CanNotifyError(destination int64) bool {
	last, ok := l.lastErrorNotified[destination]
	if !ok {
		return true
	}
	return l.now().Sub(last) >= l.minErrorInterval
}

// RecordErrorNotification stamps destination with the current time.
func (l *Limiter) RecordErrorNotification(destination int64) {
	now := l.now()
	if len(l.lastErrorNotified) >= errorStatePruneThreshold {
		for id, at := range l.lastErrorNotified {
			if now.Sub(at) >= l.minErrorInterval {
				delete(l.lastErrorNotified, id)
			}
		}
	}
	l.lastErrorNotified[destination] = now
}
