package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/notify-relay/internal/domain"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

type ListParams struct {
	CorrelationID *string
	DestinationID *int64
	Status        *domain.Status
	Limit         int
}

type NotificationRepository interface {
	Create(ctx context.Context, n *domain.Notification) error
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	List(ctx context.Context, params ListParams) ([]domain.Notification, error)
	FetchDue(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error)
	MarkTerminal(ctx context.Context, id string, status domain.Status) error
	ScheduleRetry(ctx context.Context, id string, retryCount int, nextAttemptAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, id string, retryCount int, lastError string) error
}

type GormNotificationRepo struct {
	db *gorm.DB
}

func NewGormNotificationRepo(db *gorm.DB) *GormNotificationRepo {
	return &GormNotificationRepo{db: db}
}

func (r *GormNotificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	model, err := notificationModelFromDomain(n)
	if err != nil {
		return err
	}
	if model == nil {
		return domain.ErrValidation
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	*n = *notificationModelToDomain(model)
	return nil
}

func (r *GormNotificationRepo) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	var model NotificationModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return notificationModelToDomain(&model), nil
}

// List returns the newest records matching params.
func (r *GormNotificationRepo) List(ctx context.Context, params ListParams) ([]domain.Notification, error) {
	query := r.db.WithContext(ctx).Model(&NotificationModel{})

	if params.CorrelationID != nil {
		query = query.Where("correlation_id = ?", *params.CorrelationID)
	}
	if params.DestinationID != nil {
		query = query.Where("destination_id = ?", *params.DestinationID)
	}
	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}

	limit := params.Limit
	if limit < 1 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	var models []NotificationModel
	err := query.
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	return toDomainList(models), nil
}

// FetchDue returns pending records whose next attempt is not in the future,
// oldest first.
func (r *GormNotificationRepo) FetchDue(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error) {
	if limit < 1 {
		return nil, nil
	}

	var models []NotificationModel
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.StatusPending).
		Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now.UTC()).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	return toDomainList(models), nil
}

// MarkTerminal moves a pending record to status. Repeating the same
// transition is a no-op.
func (r *GormNotificationRepo) MarkTerminal(ctx context.Context, id string, status domain.Status) error {
	if !status.IsTerminal() {
		return domain.ErrValidation
	}

	updates := map[string]any{"status": status}
	if status == domain.StatusSent {
		updates["last_error"] = nil
	}

	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status IN ?", id, []domain.Status{domain.StatusPending, status}).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.missingOrConflict(ctx, id)
	}
	return nil
}

// ScheduleRetry keeps the record pending with a higher retry count.
func (r *GormNotificationRepo) ScheduleRetry(ctx context.Context, id string, retryCount int, nextAttemptAt time.Time, lastError string) error {
	return r.updatePending(ctx, id, retryCount, map[string]any{
		"retry_count":     retryCount,
		"next_attempt_at": nextAttemptAt.UTC(),
		"last_error":      lastError,
	})
}

// MarkFailed gives up on the record.
func (r *GormNotificationRepo) MarkFailed(ctx context.Context, id string, retryCount int, lastError string) error {
	return r.updatePending(ctx, id, retryCount, map[string]any{
		"status":          domain.StatusFailed,
		"retry_count":     retryCount,
		"next_attempt_at": nil,
		"last_error":      lastError,
	})
}

// updatePending only touches pending rows and never lowers retry_count.
func (r *GormNotificationRepo) updatePending(ctx context.Context, id string, retryCount int, updates map[string]any) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationModel{}).
		Where("id = ? AND status = ? AND retry_count < ?", id, domain.StatusPending, retryCount).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.missingOrConflict(ctx, id)
	}
	return nil
}

func (r *GormNotificationRepo) missingOrConflict(ctx context.Context, id string) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&NotificationModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return domain.ErrNotFound
	}
	return domain.ErrConflict
}

func toDomainList(models []NotificationModel) []domain.Notification {
	notifications := make([]domain.Notification, 0, len(models))
	for i := range models {
		notifications = append(notifications, *notificationModelToDomain(&models[i]))
	}
	return notifications
}
