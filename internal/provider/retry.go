package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/notify-relay/internal/backoff"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const DefaultMaxInternalRetries = 3

// RetryingTransport wraps a Sender with a bounded retry loop for transient
// failures. Each provider call runs detached from cancellation so an
// in-flight request completes or times out; cancellation only stops further
// retries.
type RetryingTransport struct {
	sender     Sender
	backoff    *backoff.Calculator
	maxRetries int
	pacer      *rate.Limiter
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *zap.Logger
}

type RetryOption func(*RetryingTransport)

// WithPacing limits provider calls to perSecond with a burst of one.
func WithPacing(perSecond float64) RetryOption {
	return func(t *RetryingTransport) {
		if perSecond > 0 {
			t.pacer = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

func WithLogger(logger *zap.Logger) RetryOption {
	return func(t *RetryingTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func withSleep(sleep func(ctx context.Context, d time.Duration) error) RetryOption {
	return func(t *RetryingTransport) {
		if sleep != nil {
			t.sleep = sleep
		}
	}
}

func NewRetryingTransport(sender Sender, maxRetries int, calc *backoff.Calculator, opts ...RetryOption) (*RetryingTransport, error) {
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if calc == nil {
		return nil, fmt.Errorf("backoff calculator is required")
	}
	if maxRetries < 0 {
		maxRetries = DefaultMaxInternalRetries
	}

	t := &RetryingTransport{
		sender:     sender,
		backoff:    calc,
		maxRetries: maxRetries,
		sleep:      sleepWithContext,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *RetryingTransport) Deliver(ctx context.Context, msg Message) Result {
	logger := t.logger.With(
		zap.String("notificationId", msg.NotificationID),
		zap.Int64("chatId", msg.ChatID),
	)
	detached := context.WithoutCancel(ctx)

	for attempt := 1; ; attempt++ {
		if t.pacer != nil {
			if err := t.pacer.Wait(detached); err != nil {
				return Result{Outcome: OutcomeRetryable, Attempts: attempt - 1, Err: fmt.Errorf("provider pacing: %w", err)}
			}
		}

		resp, err := t.sender.Send(detached, msg)
		if err == nil {
			return Result{Outcome: OutcomeSent, Attempts: attempt, Response: resp}
		}

		switch outcome := Classify(err); outcome {
		case OutcomePermanent:
			logger.Error("provider rejected message", zap.Int("attempt", attempt), zap.Error(err))
			return Result{Outcome: outcome, Attempts: attempt, Err: err}
		case OutcomeFatal:
			// Production loggers only log at DPanic; see observability.NewLogger.
			logger.DPanic("provider rejected bot credentials", zap.Int("attempt", attempt), zap.Error(err))
			return Result{Outcome: outcome, Attempts: attempt, Err: err}
		}

		if !IsTransient(err) || attempt > t.maxRetries || ctx.Err() != nil {
			return Result{Outcome: OutcomeRetryable, Attempts: attempt, Err: err}
		}

		delay := t.delay(attempt, err)
		logger.Warn("transient provider failure, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if sleepErr := t.sleep(ctx, delay); sleepErr != nil {
			return Result{Outcome: OutcomeRetryable, Attempts: attempt, Err: err}
		}
	}
}

// delay honours a provider retry-after hint up to the backoff ceiling.
func (t *RetryingTransport) delay(attempt int, err error) time.Duration {
	d := t.backoff.Delay(attempt)
	if hint := retryAfterOf(err); hint > d {
		d = min(hint, t.backoff.Ceiling())
	}
	return d
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
