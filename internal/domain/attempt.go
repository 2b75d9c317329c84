package domain

import "time"

// DeliveryAttempt records the outcome of one worker-level delivery of a
// notification. Internal transport retries are folded into TransportTries.
type DeliveryAttempt struct {
	ID             string
	NotificationID string
	AttemptNumber  int
	Outcome        string
	StatusCode     *int
	TransportTries int
	Error          *string
	CreatedAt      time.Time
}
