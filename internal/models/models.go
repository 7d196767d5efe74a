// Package models holds the records the worker publishes to Kafka.
package models

import (
	"encoding/json"
	"time"
)

// Event types on the status topic, in the order one message can see them.
// skipped marks a provider passed over because it was not ready.
const (
	StatusEventQueued  = "queued"
	StatusEventAttempt = "attempt"
	StatusEventSkipped = "skipped"
	StatusEventSent    = "sent"
	StatusEventFailed  = "failed"
)

type StatusEvent struct {
	MessageID        string            `json:"message_id"`
	EventType        string            `json:"event_type"`
	Attempt          int               `json:"attempt,omitempty"`
	ProviderResponse *ProviderResponse `json:"provider_response,omitempty"`
	Error            string            `json:"error,omitempty"`
	TraceID          string            `json:"trace_id,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
}

// ProviderResponse is attached to attempt, skipped and sent events. Retries
// counts earlier tries against the same provider.
type ProviderResponse struct {
	Provider string `json:"provider"`
	Mode     string `json:"mode,omitempty"`
	Code     int    `json:"code,omitempty"`
	Retries  int    `json:"retries,omitempty"`
}

const (
	FailureTypeValidation    = "validation"
	FailureTypeUndeliverable = "undeliverable"
)

// DLQRecord carries the original request so it can be replayed once the
// cause is fixed. Providers lists every provider tried, in order.
type DLQRecord struct {
	MessageID       string            `json:"message_id"`
	FailureType     string            `json:"failure_type"`
	LastError       string            `json:"last_error,omitempty"`
	Attempts        int               `json:"attempts"`
	Providers       []string          `json:"providers,omitempty"`
	FirstFailedAt   time.Time         `json:"first_failed_at"`
	LastAttemptAt   time.Time         `json:"last_attempt_at"`
	TraceID         string            `json:"trace_id,omitempty"`
	Meta            map[string]string `json:"meta,omitempty"`
	OriginalMessage json.RawMessage   `json:"original_message,omitempty"`
}
