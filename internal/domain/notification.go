package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a queued admin notification.
type Status string

const (
	StatusPending    Status = "pending"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusSuppressed Status = "suppressed"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed, StatusSuppressed:
		return true
	}
	return false
}

// IsTerminal reports whether the worker will never pick the record up again.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusSuppressed
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// EventType is the free-form tag producers attach to a notification. It
// selects the message template.
type EventType string

const (
	EventOnboardingCompleted EventType = "onboarding_completed"
	EventInventoryUploaded   EventType = "inventory_uploaded"
	EventError               EventType = "error"
	EventBatchErrors         EventType = "batch_errors"
)

const MaxEventTypeLength = 64

func (e EventType) String() string { return string(e) }

// IsSuppressible reports whether the per-destination anti-spam window applies.
func (e EventType) IsSuppressible() bool {
	return e == EventError
}

func ParseEventTypeFromString(s string) (EventType, error) {
	et := EventType(strings.ToLower(strings.TrimSpace(s)))
	if et == "" {
		return "", fmt.Errorf("%w: eventType is required", ErrValidation)
	}
	if len(et) > MaxEventTypeLength {
		return "", fmt.Errorf("%w: eventType exceeds %d characters", ErrValidation, MaxEventTypeLength)
	}
	return et, nil
}

// MaxLastErrorLength bounds the persisted failure detail.
const MaxLastErrorLength = 1000

// Notification is a single queued admin message.
type Notification struct {
	ID            string
	CreatedAt     time.Time
	Status        Status
	EventType     EventType
	DestinationID int64
	CorrelationID *string
	Payload       Payload
	RetryCount    int
	NextAttemptAt *time.Time
	LastError     *string

	// PayloadMalformed is set on read when the stored payload could not be
	// normalized into a document and was replaced with an empty one.
	PayloadMalformed bool
}

// CorrelationIDOrEmpty returns the correlation id or "" when absent.
func (n *Notification) CorrelationIDOrEmpty() string {
	if n.CorrelationID == nil {
		return ""
	}
	return *n.CorrelationID
}

// IsDue reports whether a pending record is eligible for delivery at now.
func (n *Notification) IsDue(now time.Time) bool {
	if n.Status != StatusPending {
		return false
	}
	return n.NextAttemptAt == nil || !n.NextAttemptAt.After(now)
}

func (n *Notification) Validate() error {
	if n.DestinationID == 0 {
		return fmt.Errorf("%w: destinationId is required", ErrValidation)
	}
	if _, err := ParseEventTypeFromString(string(n.EventType)); err != nil {
		return err
	}
	if n.CorrelationID != nil && len(*n.CorrelationID) > 128 {
		return fmt.Errorf("%w: correlationId exceeds 128 characters", ErrValidation)
	}
	if n.RetryCount < 0 {
		return fmt.Errorf("%w: retryCount must not be negative", ErrValidation)
	}
	return nil
}

// TruncateError bounds an error detail to MaxLastErrorLength runes.
func TruncateError(detail string) string {
	r := []rune(detail)
	if len(r) <= MaxLastErrorLength {
		return detail
	}
	return string(r[:MaxLastErrorLength])
}
