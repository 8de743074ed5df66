package tracer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kiseki-io/kiseki/internal/model"
)

// SpanCtx is the logging and metadata handle scoped to one span, exposed
// to handler code and to manually opened nested blocks. Every method is
// fire-and-forget with respect to the caller's control flow: persistence
// failures are reported to the operational log and never propagated, so
// tracing cannot break business logic.
//
// A SpanCtx may be a non-persisting stand-in (when span creation itself
// failed); its methods are then no-ops.
type SpanCtx struct {
	t              *Tracer
	traceID        uuid.UUID
	spanID         uuid.UUID
	source         model.Source
	preserveErrors bool
	noop           bool
}

// Info appends an info-level log entry to this span.
func (s *SpanCtx) Info(ctx context.Context, message string, metadata ...map[string]any) {
	s.log(ctx, model.SeverityInfo, message, metadata)
}

// Warn appends a warn-level log entry to this span.
func (s *SpanCtx) Warn(ctx context.Context, message string, metadata ...map[string]any) {
	s.log(ctx, model.SeverityWarn, message, metadata)
}

// Error appends an error-level log entry to this span.
func (s *SpanCtx) Error(ctx context.Context, message string, metadata ...map[string]any) {
	s.log(ctx, model.SeverityError, message, metadata)
}

func (s *SpanCtx) log(ctx context.Context, sev model.Severity, message string, metadata []map[string]any) {
	if s.noop {
		return
	}
	var md map[string]any
	if len(metadata) > 0 {
		md = metadata[0]
	}
	if _, err := s.t.store.AddLog(ctx, model.NewLog{
		SpanID:    s.spanID,
		Severity:  sev,
		Message:   message,
		Metadata:  md,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		s.t.logger.Warn("tracer: add log failed", "span_id", s.spanID, "error", err)
	}
}

// UpdateMetadata shallow-merges the patch into this span's metadata: new
// keys overwrite, existing keys are retained. Last write wins at the key
// level; there is no optimistic-concurrency check.
func (s *SpanCtx) UpdateMetadata(ctx context.Context, patch map[string]any) {
	if s.noop {
		return
	}
	if err := s.t.store.UpdateSpanMetadata(ctx, s.spanID, patch); err != nil {
		s.t.logger.Warn("tracer: update span metadata failed", "span_id", s.spanID, "error", err)
	}
}

// WithSpan opens a child span under the current span, runs fn against a
// handle scoped to that child, and completes the child with the block's
// outcome. An error from fn forces trace preservation under the same
// preserve-errors policy as a failed invocation, and is returned to the
// caller unchanged. If creating the child span fails, fn still runs
// against a non-persisting stand-in handle — business logic is never
// blocked by a tracing fault.
func (s *SpanCtx) WithSpan(ctx context.Context, name string, fn func(ctx context.Context, span *SpanCtx) error) error {
	if s.noop {
		return fn(ctx, s)
	}

	started := time.Now().UTC()
	parent := s.spanID
	childID, err := s.t.store.CreateSpan(ctx, model.NewSpan{
		TraceID:      s.traceID,
		ParentSpanID: &parent,
		Name:         name,
		Source:       s.source,
		StartedAt:    started,
	})
	if err != nil {
		s.t.logger.Warn("tracer: nested span create failed, block runs untraced",
			"span", name, "trace_id", s.traceID, "error", err)
		return fn(ctx, &SpanCtx{t: s.t, noop: true})
	}

	child := &SpanCtx{
		t:              s.t,
		traceID:        s.traceID,
		spanID:         childID,
		source:         s.source,
		preserveErrors: s.preserveErrors,
	}

	err = func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(ctx, child)
	}()

	if err != nil {
		if s.preserveErrors {
			if perr := s.t.store.UpdateTracePreserve(ctx, s.traceID, model.PreserveKeep, nil); perr != nil {
				s.t.logger.Warn("tracer: preserve on nested span error failed",
					"trace_id", s.traceID, "error", perr)
			}
		}
		msg := err.Error()
		s.t.completeChildSpan(ctx, childID, started, model.SpanStatusError, &msg)
		return err
	}

	s.t.completeChildSpan(ctx, childID, started, model.SpanStatusSuccess, nil)
	return nil
}

func (t *Tracer) completeChildSpan(ctx context.Context, spanID uuid.UUID, started time.Time, status model.SpanStatus, errMsg *string) {
	now := time.Now().UTC()
	if err := t.store.CompleteSpan(ctx, spanID, model.SpanCompletion{
		Status:   status,
		EndedAt:  now,
		Duration: now.Sub(started),
		Error:    errMsg,
	}); err != nil {
		t.logger.Warn("tracer: complete nested span failed", "span_id", spanID, "error", err)
	}
}

// Ctx is the trace-level handle handed to a wrapped handler. It extends
// the span handle with the retention mutators, trace/span id accessors,
// and the cross-function call helper.
type Ctx struct {
	SpanCtx
	isRoot   bool
	outbound Token
}

// TraceID returns the id of the trace this invocation belongs to.
func (c *Ctx) TraceID() uuid.UUID { return c.traceID }

// SpanID returns the id of the span representing this invocation.
func (c *Ctx) SpanID() uuid.UUID { return c.spanID }

// IsRoot reports whether this invocation started the trace.
func (c *Ctx) IsRoot() bool { return c.isRoot }

// Token returns the outbound propagation token for this invocation.
// Inject it into the arguments of any traced function this handler calls
// (Call does this) so the callee continues this trace instead of starting
// its own.
func (c *Ctx) Token() Token { return c.outbound }

// Preserve pins the trace: cleanup will never delete it regardless of
// sample rate.
func (c *Ctx) Preserve(ctx context.Context) {
	c.setPreserve(ctx, model.PreserveKeep, nil)
}

// Discard marks the trace for unconditional deletion at cleanup time.
func (c *Ctx) Discard(ctx context.Context) {
	c.setPreserve(ctx, model.PreserveDelete, nil)
}

// Sample reverts the trace to probabilistic retention, undoing a prior
// Preserve or Discard. An optional rate overwrites the trace's sample rate.
func (c *Ctx) Sample(ctx context.Context, rate ...float64) {
	var override *float64
	if len(rate) > 0 {
		override = &rate[0]
	}
	c.setPreserve(ctx, model.PreserveUndecided, override)
}

func (c *Ctx) setPreserve(ctx context.Context, mode model.PreserveMode, rate *float64) {
	if c.noop {
		return
	}
	if err := c.t.store.UpdateTracePreserve(ctx, c.traceID, mode, rate); err != nil {
		c.t.logger.Warn("tracer: update trace preserve failed",
			"trace_id", c.traceID, "mode", mode, "error", err)
	}
}

// UpdateTraceMetadata shallow-merges the patch into the trace's metadata.
func (c *Ctx) UpdateTraceMetadata(ctx context.Context, patch map[string]any) {
	if c.noop {
		return
	}
	if err := c.t.store.UpdateTraceMetadata(ctx, c.traceID, patch); err != nil {
		c.t.logger.Warn("tracer: update trace metadata failed", "trace_id", c.traceID, "error", err)
	}
}

// Call invokes another traced function with the outbound token injected
// into its arguments, so the callee's lifecycle engine resolves it as a
// continuation of this trace. This is the sole mechanism by which a
// multi-function workflow becomes one trace.
func (c *Ctx) Call(ctx context.Context, fn TracedFunc, args map[string]any) Result {
	if c.noop {
		return fn(ctx, args)
	}
	return fn(ctx, InjectToken(args, c.outbound))
}
