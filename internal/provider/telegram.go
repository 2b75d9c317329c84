package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	DefaultTelegramAPIURL  = "https://api.telegram.org"
	defaultTelegramTimeout = 30 * time.Second
)

type sendMessageRequest struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
	Result      *struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
	Parameters *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// TelegramProvider calls the Bot API sendMessage method.
type TelegramProvider struct {
	client   *resty.Client
	endpoint string
}

func NewTelegramProvider(baseURL, token string, timeout time.Duration) (*TelegramProvider, error) {
	if timeout <= 0 {
		timeout = defaultTelegramTimeout
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(0)

	return NewTelegramProviderWithClient(baseURL, token, client)
}

func NewTelegramProviderWithClient(baseURL, token string, client *resty.Client) (*TelegramProvider, error) {
	trimmedBase := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmedBase == "" {
		trimmedBase = DefaultTelegramAPIURL
	}
	if _, err := url.ParseRequestURI(trimmedBase); err != nil {
		return nil, fmt.Errorf("invalid telegram api url: %w", err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultTelegramTimeout)
	}
	client.SetRetryCount(0)

	return &TelegramProvider{
		client:   client,
		endpoint: trimmedBase + "/bot" + token + "/sendMessage",
	}, nil
}

func (p *TelegramProvider) Send(ctx context.Context, msg Message) (*ProviderResponse, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if msg.ChatID == 0 {
		return nil, &ProviderError{Message: "chat id is required", Kind: OutcomePermanent}
	}
	if strings.TrimSpace(msg.Text) == "" {
		return nil, &ProviderError{Message: "message text is empty", Kind: OutcomePermanent}
	}

	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(sendMessageRequest{ChatID: msg.ChatID, Text: msg.Text, ParseMode: msg.ParseMode}).
		Post(p.endpoint)
	if err != nil {
		// resty wraps the endpoint, which embeds the token, into url.Error.
		return nil, &ProviderError{
			Message: "provider request failed",
			Kind:    OutcomeRetryable,
			Cause:   redactURLError(err),
		}
	}
	if response == nil {
		return nil, &ProviderError{
			Message: "provider returned empty response",
			Kind:    OutcomeRetryable,
		}
	}

	statusCode := response.StatusCode()
	body := strings.TrimSpace(response.String())

	var parsed telegramResponse
	_ = json.Unmarshal(response.Body(), &parsed)

	if statusCode == http.StatusOK {
		if !parsed.OK {
			return nil, &ProviderError{
				StatusCode: statusCode,
				Message:    describe("provider reported ok=false", parsed.Description, body),
				Kind:       OutcomePermanent,
			}
		}
		resp := &ProviderResponse{StatusCode: statusCode, Body: body}
		if parsed.Result != nil && parsed.Result.MessageID != 0 {
			resp.MessageID = strconv.FormatInt(parsed.Result.MessageID, 10)
		}
		return resp, nil
	}

	providerErr := &ProviderError{
		StatusCode: statusCode,
		Message:    describe(fmt.Sprintf("provider returned status %d", statusCode), parsed.Description, body),
		Kind:       classifyHTTPStatus(statusCode),
	}
	if statusCode == http.StatusTooManyRequests {
		providerErr.RetryAfter = retryAfter(parsed, response.Header().Get("Retry-After"))
	}
	return nil, providerErr
}

func classifyHTTPStatus(statusCode int) Outcome {
	switch {
	case statusCode == http.StatusUnauthorized:
		return OutcomeFatal
	case statusCode == http.StatusTooManyRequests:
		return OutcomeRetryable
	case statusCode >= http.StatusInternalServerError && statusCode <= 599:
		return OutcomeRetryable
	default:
		return OutcomePermanent
	}
}

func retryAfter(parsed telegramResponse, header string) time.Duration {
	if parsed.Parameters != nil && parsed.Parameters.RetryAfter > 0 {
		return time.Duration(parsed.Parameters.RetryAfter) * time.Second
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func describe(base, description, body string) string {
	switch {
	case description != "":
		return base + ": " + description
	case body != "":
		return base + ": " + body
	}
	return base
}

func redactURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s: %w", urlErr.Op, urlErr.Err)
	}
	return err
}
