package provider

import (
	"context"
	"errors"
)

// Message is one rendered notification addressed to a chat.
type Message struct {
	ChatID         int64
	Text           string
	ParseMode      string
	NotificationID string
}

// Sender performs exactly one provider call.
type Sender interface {
	Send(ctx context.Context, msg Message) (*ProviderResponse, error)
}

// Transport delivers a message, retrying transient failures internally, and
// reports the final outcome. It never touches the queue.
type Transport interface {
	Deliver(ctx context.Context, msg Message) Result
}

// ProviderResponse stores provider call metadata for audit and logging.
type ProviderResponse struct {
	StatusCode int
	Body       string
	MessageID  string
}

// Result is the terminal outcome of one Deliver call.
type Result struct {
	Outcome  Outcome
	Attempts int
	Err      error
	Response *ProviderResponse
}

func (r Result) Sent() bool { return r.Outcome == OutcomeSent }

// StatusCode returns the HTTP status of the last provider call, if known.
func (r Result) StatusCode() int {
	if r.Response != nil {
		return r.Response.StatusCode
	}
	var providerErr *ProviderError
	if errors.As(r.Err, &providerErr) {
		return providerErr.StatusCode
	}
	return 0
}
