package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/notify-relay/internal/domain"
	"github.com/kursadbilgin/notify-relay/internal/observability"
	"github.com/kursadbilgin/notify-relay/internal/repository"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

type NotificationService interface {
	Create(ctx context.Context, n *domain.Notification) (*domain.Notification, error)
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.Notification, error)
	Attempts(ctx context.Context, id string) ([]domain.DeliveryAttempt, error)
}

type NotificationHandler struct {
	service NotificationService
}

func NewNotificationHandler(service NotificationService) (*NotificationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("notification service is required")
	}
	return &NotificationHandler{service: service}, nil
}

func RegisterNotificationRoutes(router fiber.Router, service NotificationService) error {
	h, err := NewNotificationHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/notifications", h.CreateNotification)
	v1.Get("/notifications/:id", h.GetNotification)
	v1.Get("/notifications/:id/attempts", h.ListAttempts)
	v1.Get("/notifications", h.ListNotifications)

	return nil
}

type createNotificationRequest struct {
	EventType     string          `json:"eventType"`
	DestinationID int64           `json:"destinationId"`
	CorrelationID *string         `json:"correlationId"`
	Payload       json.RawMessage `json:"payload"`
}

type notificationResponse struct {
	ID            string         `json:"id"`
	EventType     string         `json:"eventType"`
	DestinationID int64          `json:"destinationId"`
	CorrelationID *string        `json:"correlationId,omitempty"`
	Payload       domain.Payload `json:"payload"`
	Status        string         `json:"status"`
	RetryCount    int            `json:"retryCount"`
	NextAttemptAt *time.Time     `json:"nextAttemptAt,omitempty"`
	LastError     *string        `json:"lastError,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

type listNotificationsResponse struct {
	Data []notificationResponse `json:"data"`
	Meta listMeta               `json:"meta"`
}

type listMeta struct {
	Limit int `json:"limit"`
	Count int `json:"count"`
}

type attemptResponse struct {
	AttemptNumber  int       `json:"attemptNumber"`
	Outcome        string    `json:"outcome"`
	StatusCode     *int      `json:"statusCode,omitempty"`
	TransportTries int       `json:"transportTries"`
	Error          *string   `json:"error,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (h *NotificationHandler) CreateNotification(c *fiber.Ctx) error {
	var req createNotificationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	notification, err := requestToDomainNotification(req, requestCorrelationID(c))
	if err != nil {
		return toHTTPError(err)
	}

	ctx := observability.WithCorrelationID(c.Context(), notification.CorrelationIDOrEmpty())
	created, err := h.service.Create(ctx, &notification)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toNotificationResponse(created))
}

func (h *NotificationHandler) GetNotification(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	notification, err := h.service.GetByID(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toNotificationResponse(notification))
}

func (h *NotificationHandler) ListAttempts(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	attempts, err := h.service.Attempts(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	items := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		items = append(items, attemptResponse{
			AttemptNumber:  a.AttemptNumber,
			Outcome:        a.Outcome,
			StatusCode:     a.StatusCode,
			TransportTries: a.TransportTries,
			Error:          a.Error,
			CreatedAt:      a.CreatedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"notificationId": id,
		"attempts":       items,
	})
}

func (h *NotificationHandler) ListNotifications(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	notifications, err := h.service.List(c.Context(), params)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(listNotificationsResponse{
		Data: toNotificationResponses(notifications),
		Meta: listMeta{
			Limit: params.Limit,
			Count: len(notifications),
		},
	})
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Limit: c.QueryInt("limit", defaultListLimit),
	}

	if params.Limit < 1 || params.Limit > maxListLimit {
		return repository.ListParams{}, fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrValidation, maxListLimit)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	if correlationID := strings.TrimSpace(c.Query("correlationId")); correlationID != "" {
		params.CorrelationID = &correlationID
	}

	if rawDestination := strings.TrimSpace(c.Query("destinationId")); rawDestination != "" {
		destination, err := strconv.ParseInt(rawDestination, 10, 64)
		if err != nil {
			return repository.ListParams{}, fmt.Errorf("%w: destinationId must be an integer", domain.ErrValidation)
		}
		params.DestinationID = &destination
	}

	return params, nil
}

// requestToDomainNotification accepts the payload either as a JSON object or
// as a string holding one, the two shapes producers write.
func requestToDomainNotification(req createNotificationRequest, fallbackCorrelationID string) (domain.Notification, error) {
	eventType, err := domain.ParseEventTypeFromString(req.EventType)
	if err != nil {
		return domain.Notification{}, err
	}

	payload, ok := domain.NormalizePayload(req.Payload)
	if !ok {
		return domain.Notification{}, fmt.Errorf("%w: payload must be a JSON object", domain.ErrValidation)
	}

	n := domain.Notification{
		EventType:     eventType,
		DestinationID: req.DestinationID,
		CorrelationID: req.CorrelationID,
		Payload:       payload,
	}

	if n.CorrelationIDOrEmpty() == "" {
		if fallback := strings.TrimSpace(fallbackCorrelationID); fallback != "" {
			n.CorrelationID = &fallback
		}
	}

	return n, nil
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toNotificationResponses(notifications []domain.Notification) []notificationResponse {
	responses := make([]notificationResponse, 0, len(notifications))
	for _, notification := range notifications {
		n := notification
		responses = append(responses, toNotificationResponse(&n))
	}
	return responses
}

func toNotificationResponse(n *domain.Notification) notificationResponse {
	if n == nil {
		return notificationResponse{}
	}

	payload := n.Payload
	if payload == nil {
		payload = domain.Payload{}
	}

	return notificationResponse{
		ID:            n.ID,
		EventType:     n.EventType.String(),
		DestinationID: n.DestinationID,
		CorrelationID: n.CorrelationID,
		Payload:       payload,
		Status:        n.Status.String(),
		RetryCount:    n.RetryCount,
		NextAttemptAt: n.NextAttemptAt,
		LastError:     n.LastError,
		CreatedAt:     n.CreatedAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
