package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kursadbilgin/notify-relay/internal/domain"
)

const namespace = "notify_relay"

// Metrics stores Prometheus collectors used by the ops API and the delivery
// worker.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDuration          *prometheus.HistogramVec
	notificationsSentTotal       *prometheus.CounterVec
	notificationsSuppressedTotal prometheus.Counter
	notificationsFailedTotal     *prometheus.CounterVec
	notificationSendDuration     *prometheus.HistogramVec
	retryScheduledTotal          *prometheus.CounterVec
	globalThrottleTotal          prometheus.Counter
	credentialFailuresTotal      prometheus.Counter
	queueFetchErrorsTotal        prometheus.Counter
	lastBatchSize                prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		notificationsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_sent_total",
				Help:      "Total number of notifications delivered to the provider.",
			},
			[]string{"event_type"},
		),
		notificationsSuppressedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_suppressed_total",
				Help:      "Total number of error notifications dropped by the per-destination anti-spam window.",
			},
		),
		notificationsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_failed_total",
				Help:      "Total number of notifications that ended in failed state.",
			},
			[]string{"event_type", "reason"},
		),
		notificationSendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "notification_send_duration_seconds",
				Help:      "Transport delivery duration in seconds, internal retries included, grouped by outcome.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"outcome"},
		),
		retryScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_scheduled_total",
				Help:      "Total number of notifications rescheduled after a failed delivery.",
			},
			[]string{"event_type"},
		),
		globalThrottleTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "global_throttle_total",
				Help:      "Total number of batches cut short by the global send ceiling.",
			},
		),
		credentialFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_failures_total",
				Help:      "Total number of deliveries rejected because of the bot credential.",
			},
		),
		queueFetchErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_fetch_errors_total",
				Help:      "Total number of failed fetches of due notifications.",
			},
		),
		lastBatchSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_last_batch_size",
				Help:      "Number of due notifications returned by the most recent fetch.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.notificationsSentTotal,
		m.notificationsSuppressedTotal,
		m.notificationsFailedTotal,
		m.notificationSendDuration,
		m.retryScheduledTotal,
		m.globalThrottleTotal,
		m.credentialFailuresTotal,
		m.queueFetchErrorsTotal,
		m.lastBatchSize,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncNotificationSent(eventType domain.EventType) {
	if m == nil {
		return
	}
	m.notificationsSentTotal.WithLabelValues(eventTypeLabel(eventType)).Inc()
}

func (m *Metrics) IncNotificationSuppressed() {
	if m == nil {
		return
	}
	m.notificationsSuppressedTotal.Inc()
}

func (m *Metrics) IncNotificationFailed(eventType domain.EventType, reason string) {
	if m == nil {
		return
	}
	reasonLabel := strings.TrimSpace(strings.ToLower(reason))
	if reasonLabel == "" {
		reasonLabel = "unknown"
	}
	m.notificationsFailedTotal.WithLabelValues(eventTypeLabel(eventType), reasonLabel).Inc()
}

func (m *Metrics) ObserveNotificationSendDuration(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	outcomeLabel := strings.ToLower(strings.TrimSpace(outcome))
	if outcomeLabel == "" {
		outcomeLabel = "unknown"
	}
	m.notificationSendDuration.WithLabelValues(outcomeLabel).Observe(seconds)
}

func (m *Metrics) IncRetryScheduled(eventType domain.EventType) {
	if m == nil {
		return
	}
	m.retryScheduledTotal.WithLabelValues(eventTypeLabel(eventType)).Inc()
}

func (m *Metrics) IncGlobalThrottle() {
	if m == nil {
		return
	}
	m.globalThrottleTotal.Inc()
}

func (m *Metrics) IncCredentialFailure() {
	if m == nil {
		return
	}
	m.credentialFailuresTotal.Inc()
}

func (m *Metrics) IncQueueFetchError() {
	if m == nil {
		return
	}
	m.queueFetchErrorsTotal.Inc()
}

func (m *Metrics) SetLastBatchSize(n int) {
	if m == nil {
		return
	}
	m.lastBatchSize.Set(float64(n))
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

// eventTypeLabel keeps label cardinality bounded: producers may send any
// event type, only the templated ones get their own series.
func eventTypeLabel(eventType domain.EventType) string {
	switch eventType {
	case domain.EventOnboardingCompleted, domain.EventInventoryUploaded, domain.EventError, domain.EventBatchErrors:
		return string(eventType)
	case "":
		return "unknown"
	}
	return "other"
}
