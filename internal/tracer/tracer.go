package tracer

import (
	"log/slog"
	"math/rand/v2"
	"time"

	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/kiseki-io/kiseki/internal/model"
	"github.com/kiseki-io/kiseki/internal/telemetry"
)

// Defaults are the tracer-wide settings an invocation falls back to when
// not overridden at the call site (and not inherited from an inbound token).
type Defaults struct {
	// SampleRate is the probability a trace survives cleanup absent an
	// explicit preserve/discard decision. 1 means always keep, in which
	// case no cleanup is ever scheduled.
	SampleRate float64
	// Retention is how long a trace lives before the cleanup decision runs.
	Retention time.Duration
	// PreserveErrors forces preservation of any trace whose invocation fails.
	PreserveErrors bool
}

// Tracer is the span/trace lifecycle engine. One Tracer serves all wrapped
// functions of a deployment; it carries the store, the cleanup scheduler,
// and the tracer-wide defaults.
type Tracer struct {
	store    Store
	sched    Scheduler
	logger   *slog.Logger
	defaults Defaults
	source   model.Source

	// randFloat feeds the cleanup sampling draw; replaced in tests.
	randFloat func() float64

	cleanupKept    otelmetric.Int64Counter
	cleanupDeleted otelmetric.Int64Counter
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithDefaults overrides the tracer-wide sampling and retention defaults.
func WithDefaults(d Defaults) Option {
	return func(t *Tracer) { t.defaults = d }
}

// WithScheduler replaces the in-process timer scheduler, e.g. with a
// platform scheduler that persists the delayed cleanup call.
func WithScheduler(s Scheduler) Option {
	return func(t *Tracer) { t.sched = s }
}

// WithSource sets the source recorded on traces and spans created by this
// tracer. Defaults to backend.
func WithSource(src model.Source) Option {
	return func(t *Tracer) { t.source = src }
}

// New creates a Tracer over the given store. Unless WithScheduler is used,
// deferred cleanups run on an in-process timer bound to this tracer.
func New(store Store, logger *slog.Logger, opts ...Option) *Tracer {
	t := &Tracer{
		store:  store,
		logger: logger,
		defaults: Defaults{
			SampleRate:     1.0,
			Retention:      30 * time.Minute,
			PreserveErrors: true,
		},
		source:    model.SourceBackend,
		randFloat: rand.Float64,
	}
	for _, fn := range opts {
		fn(t)
	}
	if t.sched == nil {
		t.sched = NewTimerScheduler(logger, t.CleanupTrace)
	}

	meter := telemetry.Meter("kiseki/retention")
	t.cleanupKept, _ = meter.Int64Counter("kiseki.cleanup.kept",
		otelmetric.WithDescription("Traces retained by a cleanup decision"))
	t.cleanupDeleted, _ = meter.Int64Counter("kiseki.cleanup.deleted",
		otelmetric.WithDescription("Traces deleted by a cleanup decision"))

	return t
}

// Store returns the underlying persistence gateway for use by read paths
// (e.g. the inspection API).
func (t *Tracer) Store() Store {
	return t.store
}
