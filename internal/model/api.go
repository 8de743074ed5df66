package model

import (
	"fmt"
	"time"
)

// Error codes returned in API error envelopes.
const (
	ErrCodeInvalidInput = "invalid_input"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeNotFound     = "not_found"
	ErrCodeInternal     = "internal_error"
)

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail holds the machine-readable code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta carries per-request metadata on every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// SampleRequest is the body of POST /v1/traces/{trace_id}/sample.
// A nil rate keeps the trace's current sample rate.
type SampleRequest struct {
	SampleRate *float64 `json:"sample_rate,omitempty"`
}

// ValidateSampleRate rejects rates outside [0, 1].
func ValidateSampleRate(rate float64) error {
	if rate < 0 || rate > 1 {
		return fmt.Errorf("model: sample rate must be in [0,1], got %v", rate)
	}
	return nil
}

// ValidateTraceStatus rejects unknown status filter values.
func ValidateTraceStatus(s TraceStatus) error {
	switch s {
	case TraceStatusPending, TraceStatusSuccess, TraceStatusError:
		return nil
	}
	return fmt.Errorf("model: unknown trace status %q", s)
}
