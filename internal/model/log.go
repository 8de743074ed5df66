package model

import (
	"time"

	"github.com/google/uuid"
)

// Severity is the level of a span log entry.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// LogEntry is a timestamped message attached to a span.
type LogEntry struct {
	ID        uuid.UUID      `json:"id"`
	SpanID    uuid.UUID      `json:"span_id"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewLog holds the caller-supplied fields for appending a log entry.
type NewLog struct {
	SpanID    uuid.UUID
	Severity  Severity
	Message   string
	Metadata  map[string]any
	Timestamp time.Time
}
