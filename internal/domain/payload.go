package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Payload is the normalized, structured form of a notification payload.
type Payload map[string]any

// PayloadKind tags how a payload arrived from storage.
type PayloadKind int

const (
	PayloadEmpty PayloadKind = iota
	PayloadDocument
	PayloadText
	PayloadInvalid
)

// StoredPayload is the raw payload as read from the queue table. Some
// producers write a JSON document, others write the document serialized
// into a JSON string.
type StoredPayload struct {
	Kind     PayloadKind
	Text     string
	Document map[string]any
}

// DecodeStoredPayload classifies raw column bytes without interpreting text.
func DecodeStoredPayload(raw []byte) StoredPayload {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return StoredPayload{Kind: PayloadEmpty}
	}

	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return StoredPayload{Kind: PayloadText, Text: string(trimmed)}
	}

	switch typed := v.(type) {
	case map[string]any:
		return StoredPayload{Kind: PayloadDocument, Document: typed}
	case string:
		return StoredPayload{Kind: PayloadText, Text: typed}
	default:
		return StoredPayload{Kind: PayloadInvalid}
	}
}

// Normalize converts the stored payload into a document. ok is false when
// content was present but unusable and an empty document was substituted.
func (p StoredPayload) Normalize() (Payload, bool) {
	switch p.Kind {
	case PayloadEmpty:
		return Payload{}, true
	case PayloadDocument:
		return Payload(p.Document), true
	case PayloadText:
		if strings.TrimSpace(p.Text) == "" {
			return Payload{}, true
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(p.Text), &doc); err != nil || doc == nil {
			return Payload{}, false
		}
		return Payload(doc), true
	default:
		return Payload{}, false
	}
}

// NormalizePayload decodes and normalizes raw column bytes in one step.
func NormalizePayload(raw []byte) (Payload, bool) {
	return DecodeStoredPayload(raw).Normalize()
}

// String returns the value at key rendered as text. Numbers and booleans are
// formatted; nested values are not.
func (p Payload) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", false
	}
	switch typed := v.(type) {
	case string:
		return typed, true
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	case int:
		return strconv.Itoa(typed), true
	case int64:
		return strconv.FormatInt(typed, 10), true
	case bool:
		return strconv.FormatBool(typed), true
	case json.Number:
		return typed.String(), true
	}
	return "", false
}

// Int returns the value at key as an integer when it is numeric.
func (p Payload) Int(key string) (int64, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, false
	}
	switch typed := v.(type) {
	case float64:
		return int64(typed), true
	case int:
		return int64(typed), true
	case int64:
		return typed, true
	case json.Number:
		n, err := typed.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		return n, err == nil
	}
	return 0, false
}

// Float returns the value at key as a float when it is numeric.
func (p Payload) Float(key string) (float64, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, false
	}
	switch typed := v.(type) {
	case float64:
		return typed, true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case json.Number:
		f, err := typed.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		return f, err == nil
	}
	return 0, false
}

// List returns the value at key as a list of documents, skipping entries that
// are not objects.
func (p Payload) List(key string) []Payload {
	raw, ok := p[key].([]any)
	if !ok {
		return nil
	}
	out := make([]Payload, 0, len(raw))
	for _, item := range raw {
		if doc, ok := item.(map[string]any); ok {
			out = append(out, Payload(doc))
		}
	}
	return out
}

// Marshal encodes the payload for storage. A nil payload encodes as {}.
func (p Payload) Marshal() ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(p))
}
