package tracer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kiseki-io/kiseki/internal/model"
)

// Kind is the platform function category a wrapped handler registers as.
//
// A traced query executes as a write-capable invocation, because recording
// its spans requires write access. Callers lose the read-consistency and
// reactivity guarantees a pure read would carry — this is a deliberate,
// caller-visible tradeoff, not an implementation detail.
type Kind string

const (
	KindQuery    Kind = "query"
	KindMutation Kind = "mutation"
	KindAction   Kind = "action"
)

// HandlerFunc is the wrapped business logic. It receives the enhanced
// execution context alongside its (token-stripped) arguments.
type HandlerFunc func(ctx context.Context, tc *Ctx, args map[string]any) (any, error)

// Hook runs before the handler or after its success. A hook error takes
// the invocation down the failure path exactly like a handler error.
type Hook func(ctx context.Context, tc *Ctx, args map[string]any) error

// ErrorHook runs on the failure path with the original error. Its own
// failure propagates: the returned error is joined with the original.
type ErrorHook func(ctx context.Context, tc *Ctx, args map[string]any, callErr error) error

// ArgCapture controls which invocation arguments are recorded on the span.
// The zero value captures nothing.
type ArgCapture struct {
	all    bool
	fields []string
}

// CaptureNone records no arguments.
func CaptureNone() ArgCapture { return ArgCapture{} }

// CaptureAll records the full argument object.
func CaptureAll() ArgCapture { return ArgCapture{all: true} }

// CaptureFields records only the named argument fields.
func CaptureFields(fields ...string) ArgCapture { return ArgCapture{fields: fields} }

func (a ArgCapture) capture(args map[string]any) map[string]any {
	switch {
	case a.all:
		out := make(map[string]any, len(args))
		for k, v := range args {
			out[k] = v
		}
		return out
	case len(a.fields) > 0:
		out := make(map[string]any, len(a.fields))
		for _, f := range a.fields {
			if v, ok := args[f]; ok {
				out[f] = v
			}
		}
		return out
	default:
		return nil
	}
}

// Config declares one traced function.
type Config struct {
	// Name identifies the function in spans and search.
	Name string
	// Kind is the platform category the function registers as.
	Kind Kind
	// LogArgs selects which arguments are captured onto the span.
	LogArgs ArgCapture
	// LogResult attaches the handler's return value to the span.
	LogResult bool

	// Per-call overrides; nil falls back to the tracer-wide defaults.
	// Ignored entirely on continuation calls, which inherit the trace's
	// settings from the inbound token.
	SampleRate     *float64
	Retention      *time.Duration
	PreserveErrors *bool

	// Identity resolves the acting principal for new traces. Empty result
	// (or nil func) records the anonymous sentinel.
	Identity func(ctx context.Context) string

	Before    Hook
	OnSuccess Hook
	OnError   ErrorHook
}

// Result is the wrapper's tagged result union. The wrapper never lets an
// error escape as a fault to the immediate caller: failures are captured,
// recorded on the trace, and reported here as a structured value.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TracedFunc is the platform-registered shape of a wrapped function. The
// argument map may carry a propagation token under TokenArgKey; handlers
// never see that field.
type TracedFunc func(ctx context.Context, args map[string]any) Result

// Wrap turns a handler into a traced function, orchestrating the full
// lifecycle for each invocation: resolve (new trace or continuation),
// execute under hooks, finalize span and trace status, schedule deferred
// cleanup. Infrastructure faults during setup degrade to an untraced run;
// only a forged context token aborts before the handler.
func (t *Tracer) Wrap(cfg Config, handler HandlerFunc) TracedFunc {
	return func(ctx context.Context, args map[string]any) Result {
		tok, rest, err := ExtractToken(args)
		if err != nil {
			return Result{Success: false, Error: err.Error()}
		}

		eff := t.effectiveSettings(cfg, tok)
		fname := cfg.Name
		inv, tc, traced := t.beginInvocation(ctx, tok, callOptions{
			spanName:       cfg.Name,
			functionName:   &fname,
			args:           cfg.LogArgs.capture(rest),
			sampleRate:     eff.sampleRate,
			retention:      eff.retention,
			preserveErrors: eff.preserveErrors,
			userID:         t.identity(ctx, cfg),
			source:         t.source,
		})
		if tc == nil {
			// Forged context: aborted before the handler ran.
			return Result{Success: false, Error: ErrForgedContext.Error()}
		}

		data, callErr := runUnderHooks(ctx, tc, rest, cfg, handler)

		if callErr != nil {
			if cfg.OnError != nil {
				if hookErr := cfg.OnError(ctx, tc, rest, callErr); hookErr != nil {
					callErr = errors.Join(callErr, hookErr)
				}
			}
			if traced {
				// Preservation must land before the span completes so the
				// error cannot lose a race against the cleanup job.
				if eff.preserveErrors {
					if perr := t.store.UpdateTracePreserve(ctx, inv.traceID, model.PreserveKeep, nil); perr != nil {
						t.logger.Warn("tracer: preserve on error failed", "trace_id", inv.traceID, "error", perr)
					}
				}
				msg := callErr.Error()
				t.finishInvocation(ctx, inv, model.SpanStatusError, nil, &msg)
				t.scheduleCleanup(inv, eff)
			}
			return Result{Success: false, Error: callErr.Error()}
		}

		if traced {
			var recorded any
			if cfg.LogResult {
				recorded = data
			}
			t.finishInvocation(ctx, inv, model.SpanStatusSuccess, recorded, nil)
			t.scheduleCleanup(inv, eff)
		}
		return Result{Success: true, Data: data}
	}
}

// beginInvocation resolves the invocation and builds the handler context.
// Returns traced=false (with a stand-in context) when setup failed for
// infrastructure reasons, and a nil context only for a forged token.
func (t *Tracer) beginInvocation(ctx context.Context, tok *Token, opts callOptions) (invocation, *Ctx, bool) {
	inv, err := t.resolveInvocation(ctx, tok, opts)
	if err != nil {
		if errors.Is(err, ErrForgedContext) {
			t.logger.Warn("tracer: rejected forged context token", "error", err)
			return invocation{}, nil, false
		}
		t.logger.Warn("tracer: invocation setup failed, handler runs untraced", "error", err)
		return invocation{}, &Ctx{SpanCtx: SpanCtx{t: t, noop: true}}, false
	}

	tc := &Ctx{
		SpanCtx: SpanCtx{
			t:              t,
			traceID:        inv.traceID,
			spanID:         inv.spanID,
			source:         opts.source,
			preserveErrors: opts.preserveErrors,
		},
		isRoot:   inv.isRoot,
		outbound: inv.outbound,
	}
	return inv, tc, true
}

// runUnderHooks executes before-hook, handler, success-hook in sequence.
// Hook failures are not separately caught; a panic anywhere becomes an
// error so the wrapper's result contract holds.
func runUnderHooks(ctx context.Context, tc *Ctx, args map[string]any, cfg Config, handler HandlerFunc) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	if cfg.Before != nil {
		if err := cfg.Before(ctx, tc, args); err != nil {
			return nil, err
		}
	}
	data, err = handler(ctx, tc, args)
	if err != nil {
		return nil, err
	}
	if cfg.OnSuccess != nil {
		if err := cfg.OnSuccess(ctx, tc, args); err != nil {
			return nil, err
		}
	}
	return data, nil
}

type effectiveSettings struct {
	sampleRate     float64
	retention      time.Duration
	preserveErrors bool
}

// effectiveSettings resolves the sampling parameters for one invocation.
// A continuation inherits the trace's settings from the token unchanged;
// a new root takes call-site overrides, then tracer-wide defaults.
func (t *Tracer) effectiveSettings(cfg Config, tok *Token) effectiveSettings {
	if tok != nil {
		return effectiveSettings{
			sampleRate:     tok.SampleRate,
			retention:      time.Duration(tok.RetentionMinutes * float64(time.Minute)),
			preserveErrors: tok.PreserveErrors,
		}
	}
	eff := effectiveSettings{
		sampleRate:     t.defaults.SampleRate,
		retention:      t.defaults.Retention,
		preserveErrors: t.defaults.PreserveErrors,
	}
	if cfg.SampleRate != nil {
		eff.sampleRate = *cfg.SampleRate
	}
	if cfg.Retention != nil {
		eff.retention = *cfg.Retention
	}
	if cfg.PreserveErrors != nil {
		eff.preserveErrors = *cfg.PreserveErrors
	}
	return eff
}

// scheduleCleanup defers the retention decision, unless the effective
// sample rate is 1 — always-keep needs no cleanup at all.
func (t *Tracer) scheduleCleanup(inv invocation, eff effectiveSettings) {
	if eff.sampleRate >= 1 {
		return
	}
	t.sched.RunAfter(eff.retention, inv.traceID)
}

func (t *Tracer) identity(ctx context.Context, cfg Config) string {
	if cfg.Identity != nil {
		if id := cfg.Identity(ctx); id != "" {
			return id
		}
	}
	return model.AnonymousUser
}
