package tracer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kiseki-io/kiseki/internal/model"
	"github.com/kiseki-io/kiseki/internal/storage"
)

// keepTrace is the cleanup decision table, evaluated against the trace's
// state at cleanup time, not at creation time. Exhaustive over the
// tri-state preserve flag:
//
//	Keep      → retain unconditionally
//	Delete    → delete unconditionally
//	Undecided → retain iff draw < sampleRate
//
// draw is one uniform value in [0,1), so an Undecided trace survives with
// probability exactly sampleRate.
func keepTrace(preserve model.PreserveMode, sampleRate, draw float64) bool {
	switch preserve {
	case model.PreserveKeep:
		return true
	case model.PreserveDelete:
		return false
	case model.PreserveUndecided:
		return draw < sampleRate
	default:
		// Unknown flag value, likely written by a newer version. Keeping
		// is the only safe answer — deletion is irreversible.
		return true
	}
}

// CleanupTrace applies the retention decision to one trace and, when the
// decision is to delete, removes the trace with its full span/log closure.
// Idempotent: an already-deleted trace id is a silent no-op, so the job
// can be scheduled redundantly and re-run after crashes.
func (t *Tracer) CleanupTrace(ctx context.Context, traceID uuid.UUID) error {
	row, err := t.store.GetTraceRow(ctx, traceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("tracer: load trace for cleanup: %w", err)
	}

	if keepTrace(row.Preserve, row.SampleRate, t.randFloat()) {
		// Record that the decision ran so the sweeper does not re-draw it.
		// A later sample() call clears the mark and re-arms cleanup.
		if err := t.store.MarkTraceDecided(ctx, traceID); err != nil {
			t.logger.Warn("tracer: mark cleanup decided failed", "trace_id", traceID, "error", err)
		}
		t.cleanupKept.Add(ctx, 1)
		return nil
	}

	if err := t.store.DeleteTraceClosure(ctx, traceID); err != nil {
		return fmt.Errorf("tracer: delete trace closure: %w", err)
	}
	t.cleanupDeleted.Add(ctx, 1)
	return nil
}

// SweepExpired re-runs the cleanup decision for traces whose retention
// deadline has passed. The delay-based scheduler loses its timers on a
// restart; the sweeper makes cleanup eventually happen anyway. Returns the
// number of candidates processed.
func (t *Tracer) SweepExpired(ctx context.Context, limit int) (int, error) {
	ids, err := t.store.ListCleanupCandidates(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("tracer: list cleanup candidates: %w", err)
	}

	var n int
	for _, id := range ids {
		if err := t.CleanupTrace(ctx, id); err != nil {
			t.logger.Warn("tracer: sweep cleanup failed", "trace_id", id, "error", err)
			continue
		}
		n++
	}
	return n, nil
}
