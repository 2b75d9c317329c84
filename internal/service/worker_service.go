package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/notify-relay/internal/domain"
	"github.com/kursadbilgin/notify-relay/internal/observability"
	"github.com/kursadbilgin/notify-relay/internal/provider"
	"github.com/kursadbilgin/notify-relay/internal/queue"
	"github.com/kursadbilgin/notify-relay/internal/repository"
	"go.uber.org/zap"
)

const (
	DefaultBatchSize    = 20
	DefaultPollInterval = 5 * time.Second
	DefaultBatchPause   = time.Second
)

// DeliveryQueue is the part of the durable queue the worker drives.
type DeliveryQueue interface {
	FetchDue(ctx context.Context, limit int) ([]domain.Notification, error)
	MarkSent(ctx context.Context, id string) error
	MarkSuppressed(ctx context.Context, id string) (domain.Status, error)
	MarkRetryOrFailed(ctx context.Context, id string, newRetryCount int, errorDetail string) (queue.Transition, error)
	MarkFailed(ctx context.Context, id string, newRetryCount int, errorDetail string) (queue.Transition, error)
}

// SendLimiter is the global ceiling plus the per-destination anti-spam window.
type SendLimiter interface {
	CanSendGlobally(ctx context.Context) bool
	RecordSend(ctx context.Context)
	CanNotifyError(destination int64) bool
	RecordErrorNotification(destination int64)
}

type MessageRenderer interface {
	Render(n domain.Notification, profile domain.UserProfile) string
}

type WorkerConfig struct {
	ChatID       int64
	ParseMode    string
	BatchSize    int
	PollInterval time.Duration
	BatchPause   time.Duration
	// PermanentFailsFast moves a record to failed on the first permanent
	// provider rejection instead of spending the retry budget on it.
	PermanentFailsFast bool
}

// BatchResult summarises one RunOnce pass.
type BatchResult struct {
	Fetched   int
	Processed int
	Throttled bool
}

// WorkerService is the single delivery loop draining the notification queue.
// Records are processed one at a time in fetch order.
type WorkerService struct {
	queue     DeliveryQueue
	transport provider.Transport
	limiter   SendLimiter
	renderer  MessageRenderer
	profiles  repository.ProfileRepository
	attempts  repository.AttemptRepository
	logger    *zap.Logger
	metrics   *observability.Metrics
	cfg       WorkerConfig
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewWorkerService(
	q DeliveryQueue,
	transport provider.Transport,
	limiter SendLimiter,
	renderer MessageRenderer,
	profiles repository.ProfileRepository,
	attempts repository.AttemptRepository,
	cfg WorkerConfig,
	logger *zap.Logger,
) (*WorkerService, error) {
	if q == nil {
		return nil, fmt.Errorf("delivery queue is required")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("limiter is required")
	}
	if renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("%w: chat id is required", domain.ErrValidation)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchPause <= 0 {
		cfg.BatchPause = DefaultBatchPause
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &WorkerService{
		queue:     q,
		transport: transport,
		limiter:   limiter,
		renderer:  renderer,
		profiles:  profiles,
		attempts:  attempts,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		sleep:     sleepContext,
	}, nil
}

func (s *WorkerService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Start polls the queue until ctx is cancelled. A failed fetch, an empty
// batch or a throttled batch waits the poll interval; a drained batch only
// waits the short batch pause.
func (s *WorkerService) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.logger.Info("delivery worker started",
		zap.Int("batchSize", s.cfg.BatchSize),
		zap.Duration("pollInterval", s.cfg.PollInterval),
		zap.Duration("batchPause", s.cfg.BatchPause),
	)

	for {
		result, err := s.RunOnce(ctx)
		if ctx.Err() != nil {
			s.logger.Info("delivery worker stopped")
			return nil
		}

		wait := s.cfg.BatchPause
		if err != nil || result.Fetched == 0 || result.Throttled {
			wait = s.cfg.PollInterval
		}
		if err := s.sleep(ctx, wait); err != nil {
			s.logger.Info("delivery worker stopped")
			return nil
		}
	}
}

// RunOnce fetches one batch of due records and processes it. Only a failed
// fetch is returned as an error; per-record failures are written to the
// queue.
func (s *WorkerService) RunOnce(ctx context.Context) (BatchResult, error) {
	records, err := s.queue.FetchDue(ctx, s.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			s.metrics.IncQueueFetchError()
			s.logger.Error("failed to fetch due notifications", zap.Error(err))
		}
		return BatchResult{}, err
	}

	result := BatchResult{Fetched: len(records)}
	s.metrics.SetLastBatchSize(len(records))
	if len(records) == 0 {
		return result, nil
	}
	s.logger.Info("fetched due notifications", zap.Int("count", len(records)))

	for i := range records {
		if ctx.Err() != nil {
			break
		}
		if !s.limiter.CanSendGlobally(ctx) {
			result.Throttled = true
			s.metrics.IncGlobalThrottle()
			s.logger.Warn("global send ceiling reached, deferring remaining records",
				zap.Int("remaining", len(records)-i),
			)
			break
		}

		s.processRecord(ctx, records[i])
		result.Processed++
	}

	return result, nil
}

func (s *WorkerService) processRecord(ctx context.Context, n domain.Notification) {
	logger := observability.WithNotification(s.logger, n)
	// Queue writes must land even when shutdown starts mid-delivery.
	markCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			s.handlePanic(markCtx, logger, n, r)
		}
	}()

	if n.EventType.IsSuppressible() && !s.limiter.CanNotifyError(n.DestinationID) {
		s.suppress(markCtx, logger, n)
		return
	}

	if n.PayloadMalformed {
		logger.Warn("stored payload is not a JSON document, rendering empty payload")
	}

	text := s.renderer.Render(n, s.lookupProfile(ctx, logger, n.DestinationID))
	msg := provider.Message{
		ChatID:         s.cfg.ChatID,
		Text:           text,
		ParseMode:      s.cfg.ParseMode,
		NotificationID: n.ID,
	}

	start := s.now()
	result := s.transport.Deliver(ctx, msg)
	s.metrics.ObserveNotificationSendDuration(result.Outcome.String(), s.now().Sub(start))

	s.recordAttempt(markCtx, logger, n, result.Outcome.String(), result)

	if result.Sent() {
		s.markSent(markCtx, logger, n, result)
		return
	}
	s.handleFailure(markCtx, logger, n, result)
}

func (s *WorkerService) suppress(ctx context.Context, logger *zap.Logger, n domain.Notification) {
	status, err := s.queue.MarkSuppressed(ctx, n.ID)
	if err != nil {
		logger.Error("failed to mark suppressed notification", zap.Error(err))
		return
	}

	s.metrics.IncNotificationSuppressed()
	s.recordAttempt(ctx, logger, n, "suppressed", provider.Result{})
	logger.Info("error notification suppressed by anti-spam window",
		zap.String("status", status.String()),
	)
}

func (s *WorkerService) markSent(ctx context.Context, logger *zap.Logger, n domain.Notification, result provider.Result) {
	s.limiter.RecordSend(ctx)
	if n.EventType.IsSuppressible() {
		s.limiter.RecordErrorNotification(n.DestinationID)
	}

	if err := s.queue.MarkSent(ctx, n.ID); err != nil {
		logger.Error("notification delivered but could not be marked sent", zap.Error(err))
		return
	}

	s.metrics.IncNotificationSent(n.EventType)
	logger.Info("notification delivered", zap.Int("attempt", result.Attempts))
}

func (s *WorkerService) handleFailure(ctx context.Context, logger *zap.Logger, n domain.Notification, result provider.Result) {
	newRetryCount := n.RetryCount + 1
	detail := failureDetail(result)

	if result.Outcome == provider.OutcomeFatal {
		s.metrics.IncCredentialFailure()
	}

	fastFail := result.Outcome == provider.OutcomePermanent && s.cfg.PermanentFailsFast

	var (
		transition queue.Transition
		err        error
	)
	if fastFail {
		transition, err = s.queue.MarkFailed(ctx, n.ID, newRetryCount, detail)
	} else {
		transition, err = s.queue.MarkRetryOrFailed(ctx, n.ID, newRetryCount, detail)
	}
	if err != nil {
		logger.Error("failed to record delivery failure",
			zap.String("outcome", result.Outcome.String()),
			zap.NamedError("deliveryError", result.Err),
			zap.Error(err),
		)
		return
	}

	if transition.Status == domain.StatusFailed {
		reason := "retries_exhausted"
		if fastFail {
			reason = "permanent"
		}
		s.metrics.IncNotificationFailed(n.EventType, reason)
		logger.Error("notification failed",
			zap.String("reason", reason),
			zap.String("outcome", result.Outcome.String()),
			zap.Int("retryCount", transition.RetryCount),
			zap.String("lastError", detail),
		)
		return
	}

	s.metrics.IncRetryScheduled(n.EventType)
	fields := []zap.Field{
		zap.String("outcome", result.Outcome.String()),
		zap.Int("retryCount", transition.RetryCount),
		zap.String("lastError", detail),
	}
	if transition.NextAttemptAt != nil {
		fields = append(fields,
			zap.Time("nextAttemptAt", *transition.NextAttemptAt),
			zap.Duration("backoff", transition.NextAttemptAt.Sub(s.now())),
		)
	}
	logger.Warn("notification delivery failed, retry scheduled", fields...)
}

func (s *WorkerService) handlePanic(ctx context.Context, logger *zap.Logger, n domain.Notification, recovered any) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while recording failed notification", zap.Any("panic", r))
		}
	}()

	logger.Error("recovered panic while processing notification", zap.Any("panic", recovered))
	result := provider.Result{
		Outcome: provider.OutcomeRetryable,
		Err:     fmt.Errorf("panic while processing notification: %v", recovered),
	}
	s.recordAttempt(ctx, logger, n, "panic", result)
	s.handleFailure(ctx, logger, n, result)
}

// lookupProfile never fails the record: a missing or unreachable profile
// renders with the bare destination id.
func (s *WorkerService) lookupProfile(ctx context.Context, logger *zap.Logger, destination int64) domain.UserProfile {
	if s.profiles == nil {
		return domain.BareProfile(destination)
	}

	profile, err := s.profiles.GetProfile(ctx, destination)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			logger.Warn("destination profile lookup failed", zap.Error(err))
		}
		return domain.BareProfile(destination)
	}
	return profile
}

func (s *WorkerService) recordAttempt(ctx context.Context, logger *zap.Logger, n domain.Notification, outcome string, result provider.Result) {
	if s.attempts == nil {
		return
	}

	attempt := &domain.DeliveryAttempt{
		ID:             uuid.NewString(),
		NotificationID: n.ID,
		AttemptNumber:  n.RetryCount + 1,
		Outcome:        outcome,
		TransportTries: result.Attempts,
		CreatedAt:      s.now().UTC(),
	}
	if code := result.StatusCode(); code > 0 {
		attempt.StatusCode = &code
	}
	if result.Err != nil {
		value := domain.TruncateError(result.Err.Error())
		attempt.Error = &value
	}

	if err := s.attempts.Create(ctx, attempt); err != nil {
		logger.Warn("failed to record delivery attempt", zap.Error(err))
	}
}

func failureDetail(result provider.Result) string {
	if result.Err != nil {
		if msg := strings.TrimSpace(result.Err.Error()); msg != "" {
			return msg
		}
	}
	return fmt.Sprintf("delivery failed with outcome %s", result.Outcome)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
