package model

import (
	"time"

	"github.com/google/uuid"
)

// SpanStatus is the lifecycle state of a span. Like TraceStatus it
// transitions from pending to exactly one terminal value; EndedAt and
// Duration are set iff the status is terminal.
type SpanStatus string

const (
	SpanStatusPending SpanStatus = "pending"
	SpanStatusSuccess SpanStatus = "success"
	SpanStatusError   SpanStatus = "error"
)

// Span is one unit of traced work: a whole function invocation, or a
// manually opened nested block. A span whose ParentSpanID is nil is the
// root span of its trace. Children reference parents by id only; the
// tree is assembled at read time, never stored.
type Span struct {
	ID           uuid.UUID      `json:"id"`
	TraceID      uuid.UUID      `json:"trace_id"`
	ParentSpanID *uuid.UUID     `json:"parent_span_id,omitempty"`
	Name         string         `json:"name"`
	FunctionName *string        `json:"function_name,omitempty"`
	Source       Source         `json:"source"`
	Status       SpanStatus     `json:"status"`
	Args         map[string]any `json:"args,omitempty"`
	Result       any            `json:"result,omitempty"`
	Error        *string        `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
	Duration     *time.Duration `json:"duration_ms,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`

	// Populated only by trace reconstruction, never persisted.
	Children []*Span    `json:"children,omitempty"`
	Logs     []LogEntry `json:"logs,omitempty"`
}

// NewSpan holds the caller-supplied fields for span creation.
type NewSpan struct {
	TraceID      uuid.UUID
	ParentSpanID *uuid.UUID
	Name         string
	FunctionName *string
	Source       Source
	Args         map[string]any
	StartedAt    time.Time
}

// SpanCompletion carries the terminal state written when a span finishes.
// Result is attached only when return-value logging was requested; Error
// only on the failure path.
type SpanCompletion struct {
	Status   SpanStatus
	EndedAt  time.Time
	Duration time.Duration
	Result   any
	Error    *string
}
