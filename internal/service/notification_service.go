package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/notify-relay/internal/domain"
	"github.com/kursadbilgin/notify-relay/internal/observability"
	"github.com/kursadbilgin/notify-relay/internal/repository"
	"go.uber.org/zap"
)

// NotificationService is the producer side of the queue: it inserts pending
// records and exposes them for inspection. It never changes a record the
// worker owns.
type NotificationService struct {
	notifications repository.NotificationRepository
	attempts      repository.AttemptRepository
	logger        *zap.Logger
	now           func() time.Time
}

func NewNotificationService(
	notifications repository.NotificationRepository,
	attempts repository.AttemptRepository,
	logger *zap.Logger,
) (*NotificationService, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NotificationService{
		notifications: notifications,
		attempts:      attempts,
		logger:        logger,
		now:           time.Now,
	}, nil
}

// Create enqueues notification as pending and immediately due.
func (s *NotificationService) Create(ctx context.Context, notification *domain.Notification) (*domain.Notification, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if notification == nil {
		return nil, fmt.Errorf("%w: notification is required", domain.ErrValidation)
	}

	if err := prepareNotificationForCreate(notification, s.now().UTC()); err != nil {
		return nil, err
	}
	if _, ok := observability.CorrelationIDFromContext(ctx); !ok {
		ctx = observability.WithCorrelationID(ctx, notification.CorrelationIDOrEmpty())
	}

	if err := s.notifications.Create(ctx, notification); err != nil {
		return nil, fmt.Errorf("failed to enqueue notification: %w", err)
	}

	observability.WithContextLogger(s.logger, ctx).Info("notification enqueued",
		zap.String("notificationId", notification.ID),
		zap.String("eventType", notification.EventType.String()),
		zap.Int64("destinationId", notification.DestinationID),
	)
	return notification, nil
}

func (s *NotificationService) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", domain.ErrValidation)
	}
	return s.notifications.GetByID(ctx, id)
}

func (s *NotificationService) List(ctx context.Context, params repository.ListParams) ([]domain.Notification, error) {
	if params.CorrelationID != nil {
		params.CorrelationID = normalizeOptionalString(params.CorrelationID)
	}
	if params.Status != nil && !params.Status.IsValid() {
		return nil, fmt.Errorf("%w: invalid status %q", domain.ErrValidation, *params.Status)
	}
	if params.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", domain.ErrValidation)
	}
	return s.notifications.List(ctx, params)
}

// Attempts returns the delivery audit of one record, oldest first.
func (s *NotificationService) Attempts(ctx context.Context, id string) ([]domain.DeliveryAttempt, error) {
	if _, err := s.GetByID(ctx, id); err != nil {
		return nil, err
	}
	if s.attempts == nil {
		return []domain.DeliveryAttempt{}, nil
	}
	return s.attempts.GetByNotificationID(ctx, strings.TrimSpace(id))
}

func prepareNotificationForCreate(n *domain.Notification, now time.Time) error {
	eventType, err := domain.ParseEventTypeFromString(string(n.EventType))
	if err != nil {
		return err
	}

	n.ID = uuid.NewString()
	n.CreatedAt = now
	n.Status = domain.StatusPending
	n.EventType = eventType
	n.CorrelationID = normalizeOptionalString(n.CorrelationID)
	n.RetryCount = 0
	n.NextAttemptAt = &now
	n.LastError = nil
	n.PayloadMalformed = false
	if n.Payload == nil {
		n.Payload = domain.Payload{}
	}

	return n.Validate()
}

func normalizeOptionalString(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
