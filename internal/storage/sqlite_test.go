package storage

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiseki-io/kiseki/internal/model"
)

func newLite(t *testing.T) *Lite {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	lite, err := NewLite(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lite.Close() })
	return lite
}

func mkTrace(t *testing.T, lite *Lite, rate float64, retention time.Duration) uuid.UUID {
	t.Helper()
	id, err := lite.CreateTrace(context.Background(), model.NewTrace{
		Status:     model.TraceStatusPending,
		SampleRate: rate,
		UserID:     "u1",
		Source:     model.SourceBackend,
		Retention:  retention,
	})
	require.NoError(t, err)
	return id
}

func mkSpan(t *testing.T, lite *Lite, traceID uuid.UUID, name string, fn *string) uuid.UUID {
	t.Helper()
	id, err := lite.CreateSpan(context.Background(), model.NewSpan{
		TraceID:      traceID,
		Name:         name,
		FunctionName: fn,
		Source:       model.SourceBackend,
		StartedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)
	return id
}

func TestLiteTraceRoundTrip(t *testing.T) {
	lite := newLite(t)
	ctx := context.Background()

	id := mkTrace(t, lite, 0.5, 15*time.Minute)

	row, err := lite.GetTraceRow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, row.ID)
	assert.Equal(t, model.TraceStatusPending, row.Status)
	assert.Equal(t, model.PreserveUndecided, row.Preserve)
	assert.Equal(t, 0.5, row.SampleRate)
	assert.Equal(t, 15*time.Minute, row.Retention)
	assert.Equal(t, "u1", row.UserID)
	assert.NotNil(t, row.Metadata)
}

func TestLiteTraceStatusExactlyOnce(t *testing.T) {
	lite := newLite(t)
	ctx := context.Background()

	id := mkTrace(t, lite, 1, time.Minute)
	require.NoError(t, lite.UpdateTraceStatus(ctx, id, model.TraceStatusSuccess))

	// A second terminal transition is rejected.
	err := lite.UpdateTraceStatus(ctx, id, model.TraceStatusError)
	require.ErrorIs(t, err, ErrNotFound)

	row, err := lite.GetTraceRow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TraceStatusSuccess, row.Status)
}

func TestLiteSpanCompleteExactlyOnce(t *testing.T) {
	lite := newLite(t)
	ctx := context.Background()

	traceID := mkTrace(t, lite, 1, time.Minute)
	spanID := mkSpan(t, lite, traceID, "op", nil)

	require.NoError(t, lite.CompleteSpan(ctx, spanID, model.SpanCompletion{
		Status:   model.SpanStatusSuccess,
		EndedAt:  time.Now().UTC(),
		Duration: 25 * time.Millisecond,
		Result:   map[string]any{"n": 1},
	}))

	err := lite.CompleteSpan(ctx, spanID, model.SpanCompletion{
		Status:  model.SpanStatusError,
		EndedAt: time.Now().UTC(),
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLiteMetadataMerge(t *testing.T) {
	lite := newLite(t)
	ctx := context.Background()

	id := mkTrace(t, lite, 1, time.Minute)
	require.NoError(t, lite.UpdateTraceMetadata(ctx, id, map[string]any{"a": "1", "b": "x"}))
	require.NoError(t, lite.UpdateTraceMetadata(ctx, id, map[string]any{"b": "2"}))

	row, err := lite.GetTraceRow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "1", row.Metadata["a"])
	assert.Equal(t, "2", row.Metadata["b"])

	err = lite.UpdateTraceMetadata(ctx, uuid.New(), map[string]any{"a": "1"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLiteMetadataMergeReplacesNestedWholesale(t *testing.T) {
	lite := newLite(t)
	ctx := context.Background()

	traceID := mkTrace(t, lite, 1, time.Minute)
	spanID := mkSpan(t, lite, traceID, "op", nil)

	require.NoError(t, lite.UpdateSpanMetadata(ctx, spanID, map[string]any{"a": map[string]any{"y": 2}}))
	require.NoError(t, lite.UpdateSpanMetadata(ctx, spanID, map[string]any{"a": map[string]any{"x": 1}}))

	tree, err := lite.GetTrace(ctx, traceID)
	require.NoError(t, err)
	require.Len(t, tree.Spans, 1)

	// Top-level keys overwrite wholesale; the old nested "y" must not
	// bleed through into the new value.
	assert.Equal(t, map[string]any{"x": float64(1)}, tree.Spans[0].Metadata["a"])
}

func TestLiteMetadataMergeKeepsNullValues(t *testing.T) {
	lite := newLite(t)
	ctx := context.Background()

	id := mkTrace(t, lite, 1, time.Minute)
	require.NoError(t, lite.UpdateTraceMetadata(ctx, id, map[string]any{"k": nil, "n": 7}))

	row, err := lite.GetTraceRow(ctx, id)
	require.NoError(t, err)

	// A null value is still a present key, same as the Postgres merge.
	v, ok := row.Metadata["k"]
	require.True(t, ok)
	assert.Nil(t, v)
	assert.Equal(t, float64(7), row.Metadata["n"])
}

func TestLiteAddLogRequiresSpan(t *testing.T) {
	lite := newLite(t)
	ctx := context.Background()

	traceID := mkTrace(t, lite, 1, time.Minute)
	spanID := mkSpan(t, lite, traceID, "op", nil)

	_, err := lite.AddLog(ctx, model.NewLog{
		SpanID:   spanID,
		Severity: model.SeverityInfo,
		Message:  "hello",
	})
	require.NoError(t, err)

	_, err = lite.AddLog(ctx, model.NewLog{
		SpanID:   uuid.New(),
		Severity: model.SeverityInfo,
		Message:  "nowhere",
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLiteDeleteTraceClosure(t *testing.T) {
	lite := newLite(t)
	ctx := context.Background()

	traceID := mkTrace(t, lite, 0, time.Minute)
	spanID := mkSpan(t, lite, traceID, "op", nil)
	_, err := lite.AddLog(ctx, model.NewLog{SpanID: spanID, Severity: model.SeverityInfo, Message: "m"})
	require.NoError(t, err)

	other := mkTrace(t, lite, 1, time.Minute)
	otherSpan := mkSpan(t, lite, other, "keepme", nil)

	require.NoError(t, lite.DeleteTraceClosure(ctx, traceID))

	_, err = lite.GetTraceRow(ctx, traceID)
	require.ErrorIs(t, err, ErrNotFound)
	exists, err := lite.VerifySpan(ctx, spanID)
	require.NoError(t, err)
	assert.False(t, exists)

	// Unrelated traces are untouched.
	exists, err = lite.VerifySpan(ctx, otherSpan)
	require.NoError(t, err)
	assert.True(t, exists)

	// Deleting again converges silently.
	require.NoError(t, lite.DeleteTraceClosure(ctx, traceID))
}

func TestLiteCleanupCandidates(t *testing.T) {
	lite := newLite(t)
	ctx := context.Background()

	expired := mkTrace(t, lite, 0.5, 0)
	fresh := mkTrace(t, lite, 0.5, time.Hour)
	full := mkTrace(t, lite, 1, 0)

	cutoff := time.Now().UTC().Add(time.Second)
	ids, err := lite.ListCleanupCandidates(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.Contains(t, ids, expired)
	assert.NotContains(t, ids, fresh, "retention deadline not reached")
	assert.NotContains(t, ids, full, "sample rate 1 needs no cleanup")

	// A decided trace drops out; reverting to undecided re-arms it.
	require.NoError(t, lite.MarkTraceDecided(ctx, expired))
	ids, err = lite.ListCleanupCandidates(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.NotContains(t, ids, expired)

	require.NoError(t, lite.UpdateTracePreserve(ctx, expired, model.PreserveUndecided, nil))
	ids, err = lite.ListCleanupCandidates(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.Contains(t, ids, expired)
}

func TestLiteSearchTraces(t *testing.T) {
	lite := newLite(t)
	ctx := context.Background()

	t1 := mkTrace(t, lite, 1, time.Minute)
	fn := "orders.placeOrder"
	mkSpan(t, lite, t1, "root", &fn)

	t2 := mkTrace(t, lite, 1, time.Minute)
	fn2 := "billing.charge"
	mkSpan(t, lite, t2, "root", &fn2)

	got, err := lite.SearchTraces(ctx, model.SearchFilter{FunctionName: "placeOrder"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, t1, got[0].ID)

	// LIKE metacharacters in the query are literals, not wildcards.
	got, err = lite.SearchTraces(ctx, model.SearchFilter{FunctionName: "%"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLiteListTracesFilters(t *testing.T) {
	lite := newLite(t)
	ctx := context.Background()

	a := mkTrace(t, lite, 1, time.Minute)
	b := mkTrace(t, lite, 1, time.Minute)
	require.NoError(t, lite.UpdateTraceStatus(ctx, a, model.TraceStatusSuccess))
	require.NoError(t, lite.UpdateTraceStatus(ctx, b, model.TraceStatusError))

	status := model.TraceStatusError
	got, err := lite.ListTraces(ctx, model.TraceFilter{Status: &status})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b, got[0].ID)

	user := "nobody"
	got, err = lite.ListTraces(ctx, model.TraceFilter{UserID: &user})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLiteGetTraceAssemblesTree(t *testing.T) {
	lite := newLite(t)
	ctx := context.Background()

	traceID := mkTrace(t, lite, 1, time.Minute)
	rootID := mkSpan(t, lite, traceID, "root", nil)

	childID, err := lite.CreateSpan(ctx, model.NewSpan{
		TraceID:      traceID,
		ParentSpanID: &rootID,
		Name:         "child",
		Source:       model.SourceBackend,
		StartedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)
	_, err = lite.AddLog(ctx, model.NewLog{SpanID: childID, Severity: model.SeverityWarn, Message: "careful"})
	require.NoError(t, err)

	tree, err := lite.GetTrace(ctx, traceID)
	require.NoError(t, err)
	require.Len(t, tree.Spans, 1)
	require.Len(t, tree.Spans[0].Children, 1)
	child := tree.Spans[0].Children[0]
	assert.Equal(t, "child", child.Name)
	require.Len(t, child.Logs, 1)
	assert.Equal(t, "careful", child.Logs[0].Message)

	_, err = lite.GetTrace(ctx, uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}
