package repository

import (
	"fmt"
	"time"

	"github.com/kursadbilgin/notify-relay/internal/domain"
	"gorm.io/datatypes"
)

// NotificationModel is the persistence model for the admin_notifications
// queue table.
type NotificationModel struct {
	ID            string        `gorm:"type:uuid;primaryKey"`
	CreatedAt     time.Time     `gorm:"not null"`
	Status        domain.Status `gorm:"type:varchar(20);not null;default:'pending'"`
	EventType     string        `gorm:"type:varchar(64);not null"`
	DestinationID int64         `gorm:"not null"`
	CorrelationID *string       `gorm:"type:varchar(128)"`
	Payload       datatypes.JSON
	RetryCount    int `gorm:"not null;default:0"`
	NextAttemptAt *time.Time
	LastError     *string `gorm:"type:text"`
}

func (NotificationModel) TableName() string {
	return "admin_notifications"
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID             string  `gorm:"type:uuid;primaryKey"`
	NotificationID string  `gorm:"type:uuid;not null"`
	AttemptNumber  int     `gorm:"not null"`
	Outcome        string  `gorm:"type:varchar(20);not null"`
	StatusCode     *int    `gorm:"type:int"`
	TransportTries int     `gorm:"not null;default:0"`
	Error          *string `gorm:"type:text"`
	CreatedAt      time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

// UserProfileModel reads the host application's users table. The relay
// never writes it.
type UserProfileModel struct {
	TelegramID   int64 `gorm:"column:telegram_id"`
	Username     *string
	FirstName    *string
	LastName     *string
	BusinessName *string
}

func (UserProfileModel) TableName() string {
	return "users"
}

func notificationModelFromDomain(n *domain.Notification) (*NotificationModel, error) {
	if n == nil {
		return nil, nil
	}

	payload, err := n.Payload.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not serializable: %v", domain.ErrValidation, err)
	}

	return &NotificationModel{
		ID:            n.ID,
		CreatedAt:     n.CreatedAt.UTC(),
		Status:        n.Status,
		EventType:     n.EventType.String(),
		DestinationID: n.DestinationID,
		CorrelationID: n.CorrelationID,
		Payload:       datatypes.JSON(payload),
		RetryCount:    n.RetryCount,
		NextAttemptAt: utcPtr(n.NextAttemptAt),
		LastError:     n.LastError,
	}, nil
}

func notificationModelToDomain(m *NotificationModel) *domain.Notification {
	if m == nil {
		return nil
	}

	payload, ok := domain.NormalizePayload(m.Payload)

	return &domain.Notification{
		ID:               m.ID,
		CreatedAt:        m.CreatedAt.UTC(),
		Status:           m.Status,
		EventType:        domain.EventType(m.EventType),
		DestinationID:    m.DestinationID,
		CorrelationID:    m.CorrelationID,
		Payload:          payload,
		RetryCount:       m.RetryCount,
		NextAttemptAt:    utcPtr(m.NextAttemptAt),
		LastError:        m.LastError,
		PayloadMalformed: !ok,
	}
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	return &DeliveryAttemptModel{
		ID:             a.ID,
		NotificationID: a.NotificationID,
		AttemptNumber:  a.AttemptNumber,
		Outcome:        a.Outcome,
		StatusCode:     a.StatusCode,
		TransportTries: a.TransportTries,
		Error:          a.Error,
		CreatedAt:      a.CreatedAt.UTC(),
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:             m.ID,
		NotificationID: m.NotificationID,
		AttemptNumber:  m.AttemptNumber,
		Outcome:        m.Outcome,
		StatusCode:     m.StatusCode,
		TransportTries: m.TransportTries,
		Error:          m.Error,
		CreatedAt:      m.CreatedAt.UTC(),
	}
}

func profileModelToDomain(m *UserProfileModel) domain.UserProfile {
	return domain.UserProfile{
		TelegramID:   m.TelegramID,
		Username:     deref(m.Username),
		FirstName:    deref(m.FirstName),
		LastName:     deref(m.LastName),
		BusinessName: deref(m.BusinessName),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
