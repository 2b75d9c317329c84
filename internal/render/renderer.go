// Package render turns queued notifications into operator-facing text.
// Rendering is pure: it never touches the network or the queue and never
// fails on missing payload fields.
package render

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kursadbilgin/notify-relay/internal/domain"
)

const (
	// MaxMessageLength stays under Telegram's 4096 character message limit.
	MaxMessageLength = 4000

	timestampLayout = "2006-01-02 15:04:05 UTC"
	notAvailable    = "N/A"

	maxErrorDetail       = 200
	maxQuotedText        = 500
	maxBatchErrors       = 5
	maxBatchErrorDetail  = 100
	maxBatchCorrelations = 3
	maxFallbackPayload   = 1500
)

type Renderer struct {
	now   func() time.Time
	style style
}

func NewRenderer(parseMode string, now func() time.Time) *Renderer {
	if now == nil {
		now = time.Now
	}
	return &Renderer{now: now, style: styleFor(parseMode)}
}

// Render builds the message for n addressed about profile. Unknown event
// types fall back to a generic payload dump.
func (r *Renderer) Render(n domain.Notification, profile domain.UserProfile) string {
	if profile.TelegramID == 0 {
		profile = domain.BareProfile(n.DestinationID)
	}
	payload := n.Payload
	if payload == nil {
		payload = domain.Payload{}
	}

	m := &message{style: r.style}
	switch n.EventType {
	case domain.EventOnboardingCompleted:
		r.onboardingCompleted(m, profile, payload)
	case domain.EventInventoryUploaded:
		r.inventoryUploaded(m, profile, payload)
	case domain.EventError:
		r.errorEvent(m, profile, payload)
	case domain.EventBatchErrors:
		r.batchErrors(m, profile, payload, n.CorrelationIDOrEmpty())
		m.field("📅", "Timestamp", r.timestamp())
		return m.String()
	default:
		r.fallback(m, n.EventType, profile, payload)
	}

	m.field("🔗", "CorrID", orNA(n.CorrelationIDOrEmpty()))
	m.field("📅", "Timestamp", r.timestamp())
	return m.String()
}

func (r *Renderer) timestamp() string {
	return r.now().UTC().Format(timestampLayout)
}

func (r *Renderer) onboardingCompleted(m *message, profile domain.UserProfile, p domain.Payload) {
	m.title("🎉", "ONBOARDING COMPLETED")
	m.field("👤", "User", profile.Label())

	business, ok := p.String("business_name")
	if !ok || business == "" {
		business = profile.BusinessName
	}
	m.field("🏪", "Business", orNA(business))

	duration := notAvailable
	if secs, ok := p.Int("duration_seconds"); ok && secs > 0 {
		duration = formatWholeSeconds(secs)
	}
	m.field("⏱️", "Duration", duration)

	if stage, ok := p.String("stage"); ok && stage != "" {
		m.field("🧭", "Stage", stage)
	}
	if pending, _ := p["inventory_pending"].(bool); pending {
		m.field("⏳", "Inventory", "pending")
	}
}

func (r *Renderer) inventoryUploaded(m *message, profile domain.UserProfile, p domain.Payload) {
	m.title("📦", "INVENTORY IMPORTED")
	m.field("👤", "User", profile.Label())

	fileType, ok := p.String("file_type")
	if !ok || fileType == "" {
		fileType = notAvailable
	}
	file := strings.ToUpper(fileType)
	if rows, ok := p.Int("rows_processed"); ok && rows > 0 {
		file += fmt.Sprintf(" (%d rows", rows)
		if rejected, ok := p.Int("rows_rejected"); ok && rejected > 0 {
			file += fmt.Sprintf(", %d rejected", rejected)
		}
		file += ")"
	}
	m.field("📄", "File", file)

	elapsed := notAvailable
	if secs, ok := p.Float("processing_time"); ok && secs > 0 {
		elapsed = formatFractionalSeconds(secs)
	}
	m.field("⏱️", "Time", elapsed)

	saved, ok := p.Int("wines_saved")
	if !ok || saved == 0 {
		saved, ok = p.Int("saved_count")
	}
	if ok && saved > 0 {
		m.field("✅", "Items saved", strconv.FormatInt(saved, 10))
	}
}

func (r *Renderer) errorEvent(m *message, profile domain.UserProfile, p domain.Payload) {
	m.title("🚨", "ERROR")
	m.field("👤", "User", profile.Label())

	visible, _ := p.String("user_visible_error")
	if last, ok := p.String("last_user_message"); ok && last != "" {
		m.field("📥", "Last message", strconv.Quote(truncateRunes(last, maxQuotedText)))
	}
	if visible != "" {
		m.field("📤", "Error shown", strconv.Quote(truncateRunes(visible, maxQuotedText)))
	}
	if detail, ok := p.String("error_message"); ok && detail != "" && detail != visible {
		m.field("💻", "Detail", truncateRunes(detail, maxErrorDetail))
	}
	if code, ok := p.String("error_code"); ok && code != "" {
		m.field("💻", "Code", code)
	}

	source, ok := p.String("source")
	if !ok || source == "" {
		source = "unknown"
	}
	m.field("📍", "Source", source)
}

func (r *Renderer) batchErrors(m *message, profile domain.UserProfile, p domain.Payload, correlationID string) {
	errs := p.List("errors")

	m.title("🚨", "MULTIPLE ERRORS")
	m.field("👤", "User", profile.Label())
	m.field("📊", "Errors accumulated", strconv.Itoa(len(errs)))
	m.blank()

	for i, e := range errs {
		if i == maxBatchErrors {
			break
		}
		summary := "Unknown error"
		if visible, ok := e.String("user_visible_error"); ok && visible != "" {
			summary = truncateRunes(visible, maxBatchErrorDetail)
		} else if detail, ok := e.String("error_message"); ok && detail != "" {
			summary = truncateRunes(detail, maxBatchErrorDetail)
		}
		m.line(fmt.Sprintf("%d. %s", i+1, summary))
		if code, ok := e.String("error_code"); ok && code != "" {
			m.line("   Code: " + code)
		}
	}
	if len(errs) > maxBatchErrors {
		m.blank()
		m.line(fmt.Sprintf("... and %d more errors", len(errs)-maxBatchErrors))
	}

	ids := stringList(p["correlation_ids"])
	if len(ids) == 0 && correlationID != "" {
		ids = []string{correlationID}
	}
	corr := notAvailable
	if len(ids) > 0 {
		shown := ids
		if len(shown) > maxBatchCorrelations {
			shown = shown[:maxBatchCorrelations]
		}
		corr = strings.Join(shown, ", ")
		if len(ids) > maxBatchCorrelations {
			corr += fmt.Sprintf(" (+%d more)", len(ids)-maxBatchCorrelations)
		}
	}
	m.field("🔗", "CorrID", corr)
}

func (r *Renderer) fallback(m *message, eventType domain.EventType, profile domain.UserProfile, p domain.Payload) {
	m.title("📢", fmt.Sprintf("NOTIFICATION (%s)", eventType))
	m.field("👤", "User", profile.Label())
	m.field("📦", "Payload", truncateRunes(canonicalJSON(p), maxFallbackPayload))
}

type message struct {
	style style
	b     strings.Builder
}

func (m *message) title(icon, text string) {
	m.b.WriteString(icon)
	m.b.WriteString(" ")
	m.b.WriteString(m.style.bold(m.style.escape(text)))
	m.b.WriteString("\n")
	m.blank()
}

func (m *message) field(icon, label, value string) {
	m.line(icon + " " + label + ": " + value)
}

func (m *message) line(text string) {
	m.b.WriteString(m.style.escape(text))
	m.b.WriteString("\n")
}

func (m *message) blank() {
	m.b.WriteString("\n")
}

func (m *message) String() string {
	return m.style.truncate(strings.TrimRight(m.b.String(), "\n"), MaxMessageLength)
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return notAvailable
	}
	return s
}

func formatWholeSeconds(secs int64) string {
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm %ds", secs/60, secs%60)
	default:
		return fmt.Sprintf("%dh %dm", secs/3600, (secs%3600)/60)
	}
}

func formatFractionalSeconds(secs float64) string {
	if secs < 60 {
		return fmt.Sprintf("%.1fs", secs)
	}
	whole := int64(secs)
	return fmt.Sprintf("%dm %ds", whole/60, whole%60)
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}

func stringList(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// canonicalJSON renders the payload with sorted keys so output is stable.
func canonicalJSON(p domain.Payload) string {
	if len(p) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(map[string]any(p))
	if err != nil {
		return "{}"
	}
	return string(raw)
}
