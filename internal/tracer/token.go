package tracer

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// TokenArgKey is the reserved argument field carrying the trace context
// token between traced functions. The engine strips it before the handler
// sees its arguments.
const TokenArgKey = "__traceCtx"

// Token is the propagation contract that lets a downstream invocation
// recognize it is continuing an existing trace. It is never persisted as
// its own entity — it only travels inside call arguments, so it survives
// hops between isolated invocations (including scheduled ones) without
// any shared in-memory context.
type Token struct {
	TraceID          uuid.UUID `json:"traceId"`
	SpanID           uuid.UUID `json:"spanId"`
	SampleRate       float64   `json:"sampleRate"`
	RetentionMinutes float64   `json:"retentionMinutes"`
	PreserveErrors   bool      `json:"preserveErrors"`
}

// ExtractToken pulls the context token out of args, returning the token
// (nil when absent) and the arguments with the reserved key stripped.
// The input map is not mutated. A value under the reserved key that cannot
// be decoded into a Token is an error — the caller treats it like a forged
// context rather than silently starting a fresh trace.
func ExtractToken(args map[string]any) (*Token, map[string]any, error) {
	raw, ok := args[TokenArgKey]
	if !ok {
		return nil, args, nil
	}

	stripped := make(map[string]any, len(args)-1)
	for k, v := range args {
		if k != TokenArgKey {
			stripped[k] = v
		}
	}

	var tok Token
	switch v := raw.(type) {
	case Token:
		tok = v
	case *Token:
		if v == nil {
			return nil, stripped, nil
		}
		tok = *v
	default:
		// Tokens that crossed a serialization boundary arrive as decoded
		// JSON; round-trip through encoding/json to pick up the fields.
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, stripped, fmt.Errorf("tracer: malformed context token: %w", err)
		}
		if err := json.Unmarshal(b, &tok); err != nil {
			return nil, stripped, fmt.Errorf("tracer: malformed context token: %w", err)
		}
	}

	// A token without a trace id carries no continuation — same as absent.
	if tok.TraceID == uuid.Nil {
		return nil, stripped, nil
	}
	return &tok, stripped, nil
}

// InjectToken returns a copy of args with the context token set under the
// reserved key, ready to hand to another traced function.
func InjectToken(args map[string]any, tok Token) map[string]any {
	out := make(map[string]any, len(args)+1)
	for k, v := range args {
		out[k] = v
	}
	out[TokenArgKey] = tok
	return out
}
