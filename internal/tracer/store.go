// Package tracer implements the span/trace lifecycle engine: root-vs-child
// resolution across function-call boundaries, span completion, per-span
// logging and metadata, the traced-function wrapper, and the sampling
// retention policy applied by deferred cleanup.
//
// The engine owns no persistence. It drives a Store (Postgres or embedded
// SQLite, see internal/storage) and a Scheduler, both injected. Each traced
// invocation is isolated — the only cross-invocation channel is the
// persisted trace/span state plus the explicit context token carried in
// call arguments.
package tracer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kiseki-io/kiseki/internal/model"
)

// Store is the persistence gateway consumed by the engine. It owns no
// policy: every method is a thin create/update/delete/query against
// single records, atomic at single-record granularity. Implementations
// must assign ids on create (uniqueness is delegated here — there is no
// in-memory counter) and return storage.ErrNotFound from GetTraceRow,
// GetTrace, and the metadata/log mutations when the referent is gone.
type Store interface {
	CreateTrace(ctx context.Context, t model.NewTrace) (uuid.UUID, error)
	UpdateTraceStatus(ctx context.Context, id uuid.UUID, status model.TraceStatus) error
	// UpdateTracePreserve sets the tri-state preserve flag; a non-nil
	// sampleRate also overwrites the trace's sample rate.
	UpdateTracePreserve(ctx context.Context, id uuid.UUID, preserve model.PreserveMode, sampleRate *float64) error
	UpdateTraceMetadata(ctx context.Context, id uuid.UUID, patch map[string]any) error

	CreateSpan(ctx context.Context, s model.NewSpan) (uuid.UUID, error)
	CompleteSpan(ctx context.Context, id uuid.UUID, c model.SpanCompletion) error
	UpdateSpanMetadata(ctx context.Context, id uuid.UUID, patch map[string]any) error

	AddLog(ctx context.Context, l model.NewLog) (uuid.UUID, error)

	VerifyTrace(ctx context.Context, id uuid.UUID) (bool, error)
	VerifySpan(ctx context.Context, id uuid.UUID) (bool, error)

	GetTraceRow(ctx context.Context, id uuid.UUID) (model.Trace, error)
	GetTrace(ctx context.Context, id uuid.UUID) (*model.TraceTree, error)
	ListTraces(ctx context.Context, f model.TraceFilter) ([]model.Trace, error)
	SearchTraces(ctx context.Context, f model.SearchFilter) ([]model.Trace, error)

	// MarkTraceDecided records that a cleanup decision was evaluated for
	// the trace, excluding it from future sweeps. UpdateTracePreserve with
	// PreserveUndecided clears the mark.
	MarkTraceDecided(ctx context.Context, id uuid.UUID) error

	// ListCleanupCandidates returns ids of traces whose retention deadline
	// passed, whose sample rate is below 1, and whose cleanup decision has
	// not yet been evaluated. Used by the sweeper to re-run cleanups lost
	// to a process restart.
	ListCleanupCandidates(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)
	// DeleteTraceClosure removes the trace and its full span/log closure.
	// The deletes are independent and may run concurrently; a crash
	// mid-delete can orphan rows, so callers treat cleanup as re-invokable
	// rather than atomic.
	DeleteTraceClosure(ctx context.Context, id uuid.UUID) error
}

// Scheduler is the platform's "run this later" primitive, consumed only
// for deferred cleanup. There is no cancellation: preserving a trace after
// scheduling relies on the cleanup job re-checking current state when it
// runs, not on unscheduling.
type Scheduler interface {
	RunAfter(delay time.Duration, traceID uuid.UUID)
}
