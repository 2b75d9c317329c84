// Package queue is the durable notification queue state machine:
//
//	pending -> pending (retry, retry_count+1, next_attempt_at = now + backoff)
//	pending -> sent | suppressed (terminal)
//	pending -> failed (terminal, retries exhausted)
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/notify-relay/internal/backoff"
	"github.com/kursadbilgin/notify-relay/internal/domain"
	"github.com/kursadbilgin/notify-relay/internal/repository"
)

const DefaultMaxRetries = 10

type Config struct {
	MaxRetries int
	// SuppressedStatus is the terminal status written for records dropped by
	// the anti-spam window: sent or suppressed.
	SuppressedStatus domain.Status
}

// Transition describes the state a record was moved to.
type Transition struct {
	Status        domain.Status
	RetryCount    int
	NextAttemptAt *time.Time
}

type Queue struct {
	repo             repository.NotificationRepository
	backoff          *backoff.Calculator
	maxRetries       int
	suppressedStatus domain.Status
	now              func() time.Time
}

func New(repo repository.NotificationRepository, calc *backoff.Calculator, cfg Config) (*Queue, error) {
	return newQueue(repo, calc, cfg, time.Now)
}

func newQueue(repo repository.NotificationRepository, calc *backoff.Calculator, cfg Config, nowFn func() time.Time) (*Queue, error) {
	if repo == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if calc == nil {
		return nil, fmt.Errorf("backoff calculator is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	switch cfg.SuppressedStatus {
	case "":
		cfg.SuppressedStatus = domain.StatusSent
	case domain.StatusSent, domain.StatusSuppressed:
	default:
		return nil, fmt.Errorf("%w: suppressed status must be sent or suppressed, got %q", domain.ErrValidation, cfg.SuppressedStatus)
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	return &Queue{
		repo:             repo,
		backoff:          calc,
		maxRetries:       cfg.MaxRetries,
		suppressedStatus: cfg.SuppressedStatus,
		now:              nowFn,
	}, nil
}

func (q *Queue) MaxRetries() int { return q.maxRetries }

// FetchDue returns up to limit pending records that are due now, oldest
// first.
func (q *Queue) FetchDue(ctx context.Context, limit int) ([]domain.Notification, error) {
	records, err := q.repo.FetchDue(ctx, q.now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("fetch due notifications: %w", err)
	}
	return records, nil
}

// MarkSent is idempotent.
func (q *Queue) MarkSent(ctx context.Context, id string) error {
	if err := q.repo.MarkTerminal(ctx, id, domain.StatusSent); err != nil {
		return fmt.Errorf("mark notification %s sent: %w", id, err)
	}
	return nil
}

// MarkSuppressed closes a record dropped by the anti-spam window.
func (q *Queue) MarkSuppressed(ctx context.Context, id string) (domain.Status, error) {
	if err := q.repo.MarkTerminal(ctx, id, q.suppressedStatus); err != nil {
		return "", fmt.Errorf("mark notification %s %s: %w", id, q.suppressedStatus, err)
	}
	return q.suppressedStatus, nil
}

// MarkRetryOrFailed records a failed attempt. Once newRetryCount reaches the
// retry budget the record fails; otherwise it is rescheduled after backoff.
func (q *Queue) MarkRetryOrFailed(ctx context.Context, id string, newRetryCount int, errorDetail string) (Transition, error) {
	if newRetryCount < 1 {
		return Transition{}, fmt.Errorf("%w: retry count must be positive, got %d", domain.ErrValidation, newRetryCount)
	}
	if newRetryCount >= q.maxRetries {
		return q.MarkFailed(ctx, id, newRetryCount, errorDetail)
	}

	next := q.now().UTC().Add(q.backoff.Delay(newRetryCount))
	if err := q.repo.ScheduleRetry(ctx, id, newRetryCount, next, detail(errorDetail)); err != nil {
		return Transition{}, fmt.Errorf("schedule retry for notification %s: %w", id, err)
	}
	return Transition{Status: domain.StatusPending, RetryCount: newRetryCount, NextAttemptAt: &next}, nil
}

// MarkFailed gives up on a record regardless of the remaining budget.
func (q *Queue) MarkFailed(ctx context.Context, id string, newRetryCount int, errorDetail string) (Transition, error) {
	if newRetryCount < 1 {
		return Transition{}, fmt.Errorf("%w: retry count must be positive, got %d", domain.ErrValidation, newRetryCount)
	}
	if err := q.repo.MarkFailed(ctx, id, newRetryCount, detail(errorDetail)); err != nil {
		return Transition{}, fmt.Errorf("mark notification %s failed: %w", id, err)
	}
	return Transition{Status: domain.StatusFailed, RetryCount: newRetryCount}, nil
}

func detail(errorDetail string) string {
	errorDetail = strings.TrimSpace(errorDetail)
	if errorDetail == "" {
		errorDetail = "unknown error"
	}
	return domain.TruncateError(errorDetail)
}
