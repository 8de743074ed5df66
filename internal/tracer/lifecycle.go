package tracer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kiseki-io/kiseki/internal/model"
)

// ErrForgedContext marks an inbound token referencing a trace or span that
// does not exist. The invocation is aborted before the handler runs: a
// caller must not be able to attach spans to (or hijack) a trace it never
// participated in by fabricating ids.
var ErrForgedContext = errors.New("tracer: context token references unknown trace or span")

// invocation is the resolved identity of one traced call: which trace it
// belongs to, the span representing it, and the token to hand downstream.
type invocation struct {
	traceID   uuid.UUID
	spanID    uuid.UUID
	isRoot    bool
	startedAt time.Time
	outbound  Token
}

// callOptions carries the effective per-invocation settings into resolution.
type callOptions struct {
	spanName       string
	functionName   *string
	args           map[string]any
	sampleRate     float64
	retention      time.Duration
	preserveErrors bool
	userID         string
	source         model.Source
}

// resolveInvocation decides root-vs-child for one traced call and creates
// the records that represent it, so that every invocation is backed by
// exactly one span before its handler runs.
//
// With an inbound token the call is a continuation: both referenced ids
// must verify against storage (ErrForgedContext otherwise), a child span
// is created under the token's span, and the outbound token inherits the
// existing trace's sampling settings unchanged. Without a token the call
// is a new root: a pending trace plus a parentless span, with the outbound
// token carrying this invocation's own settings.
func (t *Tracer) resolveInvocation(ctx context.Context, tok *Token, opts callOptions) (invocation, error) {
	now := time.Now().UTC()

	if tok != nil {
		if ok, err := t.store.VerifyTrace(ctx, tok.TraceID); err != nil {
			return invocation{}, fmt.Errorf("tracer: verify trace: %w", err)
		} else if !ok {
			return invocation{}, fmt.Errorf("%w: trace %s", ErrForgedContext, tok.TraceID)
		}
		if ok, err := t.store.VerifySpan(ctx, tok.SpanID); err != nil {
			return invocation{}, fmt.Errorf("tracer: verify span: %w", err)
		} else if !ok {
			return invocation{}, fmt.Errorf("%w: span %s", ErrForgedContext, tok.SpanID)
		}

		parent := tok.SpanID
		spanID, err := t.store.CreateSpan(ctx, model.NewSpan{
			TraceID:      tok.TraceID,
			ParentSpanID: &parent,
			Name:         opts.spanName,
			FunctionName: opts.functionName,
			Source:       opts.source,
			Args:         opts.args,
			StartedAt:    now,
		})
		if err != nil {
			return invocation{}, fmt.Errorf("tracer: create child span: %w", err)
		}
		return invocation{
			traceID:   tok.TraceID,
			spanID:    spanID,
			isRoot:    false,
			startedAt: now,
			outbound: Token{
				TraceID:          tok.TraceID,
				SpanID:           spanID,
				SampleRate:       tok.SampleRate,
				RetentionMinutes: tok.RetentionMinutes,
				PreserveErrors:   tok.PreserveErrors,
			},
		}, nil
	}

	traceID, err := t.store.CreateTrace(ctx, model.NewTrace{
		Status:     model.TraceStatusPending,
		SampleRate: opts.sampleRate,
		Metadata:   map[string]any{},
		Source:     opts.source,
		UserID:     opts.userID,
		Retention:  opts.retention,
	})
	if err != nil {
		return invocation{}, fmt.Errorf("tracer: create trace: %w", err)
	}

	spanID, err := t.store.CreateSpan(ctx, model.NewSpan{
		TraceID:      traceID,
		Name:         opts.spanName,
		FunctionName: opts.functionName,
		Source:       opts.source,
		Args:         opts.args,
		StartedAt:    now,
	})
	if err != nil {
		return invocation{}, fmt.Errorf("tracer: create root span: %w", err)
	}

	return invocation{
		traceID:   traceID,
		spanID:    spanID,
		isRoot:    true,
		startedAt: now,
		outbound: Token{
			TraceID:          traceID,
			SpanID:           spanID,
			SampleRate:       opts.sampleRate,
			RetentionMinutes: opts.retention.Minutes(),
			PreserveErrors:   opts.preserveErrors,
		},
	}, nil
}

// finishInvocation writes the span's terminal state and, for the root
// span, the trace's terminal status. Failures here are reported and
// swallowed — they must never mask the handler's own outcome.
func (t *Tracer) finishInvocation(ctx context.Context, inv invocation, status model.SpanStatus, result any, errMsg *string) {
	now := time.Now().UTC()
	if err := t.store.CompleteSpan(ctx, inv.spanID, model.SpanCompletion{
		Status:   status,
		EndedAt:  now,
		Duration: now.Sub(inv.startedAt),
		Result:   result,
		Error:    errMsg,
	}); err != nil {
		t.logger.Warn("tracer: complete span failed", "span_id", inv.spanID, "error", err)
	}

	if !inv.isRoot {
		return
	}
	traceStatus := model.TraceStatusSuccess
	if status == model.SpanStatusError {
		traceStatus = model.TraceStatusError
	}
	if err := t.store.UpdateTraceStatus(ctx, inv.traceID, traceStatus); err != nil {
		t.logger.Warn("tracer: set trace status failed", "trace_id", inv.traceID, "error", err)
	}
}
