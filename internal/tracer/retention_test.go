package tracer

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiseki-io/kiseki/internal/model"
	"github.com/kiseki-io/kiseki/internal/storage"
	"github.com/kiseki-io/kiseki/internal/testutil"
)

type schedCall struct {
	delay   time.Duration
	traceID uuid.UUID
}

// stubScheduler records RunAfter calls instead of arming timers.
type stubScheduler struct {
	mu    sync.Mutex
	calls []schedCall
}

func (s *stubScheduler) RunAfter(delay time.Duration, traceID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, schedCall{delay: delay, traceID: traceID})
}

func (s *stubScheduler) snapshot() []schedCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schedCall(nil), s.calls...)
}

func newTestTracer(t *testing.T, opts ...Option) (*Tracer, *storage.Lite, *stubScheduler) {
	t.Helper()
	store := testutil.NewLiteStore(t)
	sched := &stubScheduler{}
	tr := New(store, testutil.TestLogger(), append(opts, WithScheduler(sched))...)
	return tr, store, sched
}

func TestKeepTraceTable(t *testing.T) {
	// Explicit decisions ignore the draw entirely.
	assert.True(t, keepTrace(model.PreserveKeep, 0, 0.99))
	assert.False(t, keepTrace(model.PreserveDelete, 1, 0.0))

	// Undecided follows the draw.
	assert.True(t, keepTrace(model.PreserveUndecided, 0.5, 0.49))
	assert.False(t, keepTrace(model.PreserveUndecided, 0.5, 0.5))
	assert.False(t, keepTrace(model.PreserveUndecided, 0, 0.0))
	assert.True(t, keepTrace(model.PreserveUndecided, 1, 0.999999))

	// Unknown flag values fail safe.
	assert.True(t, keepTrace(model.PreserveMode("bogus"), 0, 0.99))
}

func TestKeepTraceExplicitDecisionsIgnoreDraw(t *testing.T) {
	const n = 10_000
	rng := rand.New(rand.NewPCG(3, 5))

	// A pinned trace survives every draw even at rate 0, and a discarded
	// one never survives even at rate 1.
	for range n {
		draw := rng.Float64()
		require.True(t, keepTrace(model.PreserveKeep, 0, draw))
		require.False(t, keepTrace(model.PreserveDelete, 1, draw))
	}
}

func TestKeepTraceSamplingProportion(t *testing.T) {
	const n = 100_000
	const rate = 0.3
	rng := rand.New(rand.NewPCG(7, 13))

	kept := 0
	for range n {
		if keepTrace(model.PreserveUndecided, rate, rng.Float64()) {
			kept++
		}
	}
	assert.InDelta(t, rate, float64(kept)/n, 0.01)
}

func TestCleanupTraceDeletesUnsampled(t *testing.T) {
	tr, store, _ := newTestTracer(t)
	ctx := context.Background()

	id, err := store.CreateTrace(ctx, model.NewTrace{
		Status:     model.TraceStatusPending,
		SampleRate: 0,
		Source:     model.SourceBackend,
		Retention:  time.Minute,
	})
	require.NoError(t, err)

	require.NoError(t, tr.CleanupTrace(ctx, id))

	_, err = store.GetTraceRow(ctx, id)
	require.ErrorIs(t, err, storage.ErrNotFound)

	// Re-running against the deleted trace is a silent no-op.
	require.NoError(t, tr.CleanupTrace(ctx, id))
}

func TestCleanupTraceHonorsPreserve(t *testing.T) {
	tr, store, _ := newTestTracer(t)
	ctx := context.Background()

	id, err := store.CreateTrace(ctx, model.NewTrace{
		Status:     model.TraceStatusPending,
		SampleRate: 0,
		Source:     model.SourceBackend,
		Retention:  time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, store.UpdateTracePreserve(ctx, id, model.PreserveKeep, nil))

	require.NoError(t, tr.CleanupTrace(ctx, id))

	row, err := store.GetTraceRow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.PreserveKeep, row.Preserve)
}

func TestCleanupTraceDecisionRecordedOnKeep(t *testing.T) {
	tr, store, _ := newTestTracer(t)
	tr.randFloat = func() float64 { return 0.1 } // survives rate 0.5
	ctx := context.Background()

	id, err := store.CreateTrace(ctx, model.NewTrace{
		Status:     model.TraceStatusPending,
		SampleRate: 0.5,
		Source:     model.SourceBackend,
		Retention:  0,
	})
	require.NoError(t, err)

	ids, err := store.ListCleanupCandidates(ctx, time.Now().UTC().Add(time.Second), 10)
	require.NoError(t, err)
	require.Contains(t, ids, id)

	require.NoError(t, tr.CleanupTrace(ctx, id))

	// The survival decision sticks: the sweeper must not re-draw it.
	ids, err = store.ListCleanupCandidates(ctx, time.Now().UTC().Add(time.Second), 10)
	require.NoError(t, err)
	assert.NotContains(t, ids, id)

	// Reverting to sampling re-arms cleanup.
	require.NoError(t, store.UpdateTracePreserve(ctx, id, model.PreserveUndecided, nil))
	ids, err = store.ListCleanupCandidates(ctx, time.Now().UTC().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Contains(t, ids, id)
}

func TestSweepExpired(t *testing.T) {
	tr, store, _ := newTestTracer(t)
	tr.randFloat = func() float64 { return 0.99 } // never survives a partial rate
	ctx := context.Background()

	expired, err := store.CreateTrace(ctx, model.NewTrace{
		Status:     model.TraceStatusPending,
		SampleRate: 0.5,
		Source:     model.SourceBackend,
		Retention:  0,
	})
	require.NoError(t, err)

	fresh, err := store.CreateTrace(ctx, model.NewTrace{
		Status:     model.TraceStatusPending,
		SampleRate: 0.5,
		Source:     model.SourceBackend,
		Retention:  time.Hour,
	})
	require.NoError(t, err)

	// Sweep slightly in the future so the zero-retention trace qualifies.
	time.Sleep(5 * time.Millisecond)
	n, err := tr.SweepExpired(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.GetTraceRow(ctx, expired)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.GetTraceRow(ctx, fresh)
	require.NoError(t, err)
}
