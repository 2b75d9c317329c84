package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Outcome is the delivery classification handed back to the worker.
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeRetryable
	OutcomePermanent
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeRetryable:
		return "retryable"
	case OutcomePermanent:
		return "permanent"
	case OutcomeFatal:
		return "fatal"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// ProviderError classifies a failed provider call.
type ProviderError struct {
	StatusCode int
	Message    string
	Kind       Outcome
	RetryAfter time.Duration
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "provider error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether an error is worth an immediate internal retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Kind == OutcomeRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// IsFatal reports whether the provider rejected the bot credentials.
func IsFatal(err error) bool {
	var providerErr *ProviderError
	return errors.As(err, &providerErr) && providerErr.Kind == OutcomeFatal
}

// Classify maps an error to the outcome the worker acts on. Errors the
// provider did not classify are retryable at the queue level.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSent
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) && providerErr.Kind != OutcomeSent {
		return providerErr.Kind
	}
	return OutcomeRetryable
}

func retryAfterOf(err error) time.Duration {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.RetryAfter
	}
	return 0
}
