// Package model defines the domain types shared across Kiseki: traces,
// spans, log entries, and the filters and envelopes the HTTP API uses.
// Types here carry no behavior beyond construction and validation;
// lifecycle rules live in internal/tracer.
package model

import (
	"time"

	"github.com/google/uuid"
)

// TraceStatus is the lifecycle state of a trace. A trace starts pending
// and transitions to exactly one terminal value when its root span
// completes.
type TraceStatus string

const (
	TraceStatusPending TraceStatus = "pending"
	TraceStatusSuccess TraceStatus = "success"
	TraceStatusError   TraceStatus = "error"
)

// PreserveMode is the tri-state retention flag on a trace. Undecided
// traces are sampled at cleanup time; keep and delete are explicit
// decisions that bypass sampling entirely.
type PreserveMode string

const (
	PreserveUndecided PreserveMode = "undecided"
	PreserveKeep      PreserveMode = "keep"
	PreserveDelete    PreserveMode = "delete"
)

// Source identifies where an invocation originated.
type Source string

const (
	SourceFrontend Source = "frontend"
	SourceBackend  Source = "backend"
)

// AnonymousUser is recorded when no identity could be resolved for a
// new trace.
const AnonymousUser = "anonymous"

// Trace is the root record of one end-to-end traced execution. Its
// status mirrors the root span's outcome; SampleRate and Preserve
// together determine whether the trace survives cleanup.
type Trace struct {
	ID         uuid.UUID      `json:"id"`
	Status     TraceStatus    `json:"status"`
	SampleRate float64        `json:"sample_rate"`
	Preserve   PreserveMode   `json:"preserve"`
	Metadata   map[string]any `json:"metadata"`
	UserID     string         `json:"user_id"`
	Source     Source         `json:"source"`
	Retention  time.Duration  `json:"retention_ms"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// NewTrace holds the caller-supplied fields for trace creation. The
// store assigns the id, sets preserve to undecided, and stamps times.
type NewTrace struct {
	Status     TraceStatus
	SampleRate float64
	Metadata   map[string]any
	UserID     string
	Source     Source
	Retention  time.Duration
}

// TraceTree is a trace with its spans assembled into parent/child
// order, the shape the read API returns.
type TraceTree struct {
	Trace Trace   `json:"trace"`
	Spans []*Span `json:"spans"`
}

// TraceFilter narrows trace listings. Nil fields match everything;
// Limit <= 0 falls back to the store default.
type TraceFilter struct {
	Status *TraceStatus
	UserID *string
	Limit  int
}

// SearchFilter narrows full-text search over span function names.
type SearchFilter struct {
	FunctionName string
	Status       *TraceStatus
	UserID       *string
	Limit        int
}
