package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kiseki-io/kiseki/internal/model"
)

const traceColumns = `id, status, sample_rate, preserve, metadata, user_id, source, retention_ms, created_at, updated_at`

// CreateTrace inserts a new trace and returns its id.
func (db *DB) CreateTrace(ctx context.Context, nt model.NewTrace) (uuid.UUID, error) {
	id := uuid.New()
	now := time.Now().UTC()
	if nt.Metadata == nil {
		nt.Metadata = map[string]any{}
	}
	userID := nt.UserID
	if userID == "" {
		userID = model.AnonymousUser
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO traces (id, status, sample_rate, preserve, metadata, user_id, source, retention_ms, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		id, string(nt.Status), nt.SampleRate, string(model.PreserveUndecided),
		nt.Metadata, userID, string(nt.Source), nt.Retention.Milliseconds(), now,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: create trace: %w", err)
	}
	return id, nil
}

// UpdateTraceStatus sets the trace's terminal status. The pending guard
// makes the transition happen at most once.
func (db *DB) UpdateTraceStatus(ctx context.Context, id uuid.UUID, status model.TraceStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE traces SET status = $2, updated_at = now() WHERE id = $1 AND status = 'pending'`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("storage: update trace status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: trace %s not found or already finalized: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateTracePreserve sets the tri-state preserve flag. A non-nil
// sampleRate also overwrites the trace's sample rate. Reverting to
// undecided clears the cleanup-decided mark, re-arming the sweeper.
func (db *DB) UpdateTracePreserve(ctx context.Context, id uuid.UUID, preserve model.PreserveMode, sampleRate *float64) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE traces
		 SET preserve = $2,
		     sample_rate = COALESCE($3, sample_rate),
		     decided_at = CASE WHEN $2 = 'undecided' THEN NULL ELSE decided_at END,
		     updated_at = now()
		 WHERE id = $1`,
		id, string(preserve), sampleRate,
	)
	if err != nil {
		return fmt.Errorf("storage: update trace preserve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: update trace preserve %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateTraceMetadata shallow-merges the patch into the trace's metadata.
func (db *DB) UpdateTraceMetadata(ctx context.Context, id uuid.UUID, patch map[string]any) error {
	if patch == nil {
		patch = map[string]any{}
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE traces SET metadata = metadata || $2, updated_at = now() WHERE id = $1`,
		id, patch,
	)
	if err != nil {
		return fmt.Errorf("storage: update trace metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: update trace metadata %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkTraceDecided records that a cleanup decision ran for the trace.
// A trace deleted in the meantime is not an error.
func (db *DB) MarkTraceDecided(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE traces SET decided_at = now() WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("storage: mark trace decided: %w", err)
	}
	return nil
}

// VerifyTrace reports whether the trace exists.
func (db *DB) VerifyTrace(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM traces WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: verify trace: %w", err)
	}
	return exists, nil
}

// GetTraceRow retrieves a single trace record without its spans.
func (db *DB) GetTraceRow(ctx context.Context, id uuid.UUID) (model.Trace, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+traceColumns+` FROM traces WHERE id = $1`, id,
	)
	tr, err := scanTrace(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Trace{}, fmt.Errorf("storage: trace %s: %w", id, ErrNotFound)
		}
		return model.Trace{}, fmt.Errorf("storage: get trace: %w", err)
	}
	return tr, nil
}

// ListTraces returns traces ordered newest-first, optionally filtered by
// status and user.
func (db *DB) ListTraces(ctx context.Context, f model.TraceFilter) ([]model.Trace, error) {
	q := `SELECT ` + traceColumns + ` FROM traces WHERE 1=1`
	var args []any
	n := 1
	if f.Status != nil {
		q += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, string(*f.Status))
		n++
	}
	if f.UserID != nil {
		q += fmt.Sprintf(" AND user_id = $%d", n)
		args = append(args, *f.UserID)
		n++
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", n)
	args = append(args, limit)

	return db.queryTraces(ctx, q, args...)
}

// SearchTraces runs a full-text search over span function names and
// returns the matching traces newest-first.
func (db *DB) SearchTraces(ctx context.Context, f model.SearchFilter) ([]model.Trace, error) {
	q := `SELECT ` + traceColumns + ` FROM traces
	      WHERE id IN (
	          SELECT trace_id FROM spans
	          WHERE to_tsvector('simple', coalesce(function_name, '')) @@ plainto_tsquery('simple', $1)
	      )`
	args := []any{f.FunctionName}
	n := 2
	if f.Status != nil {
		q += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, string(*f.Status))
		n++
	}
	if f.UserID != nil {
		q += fmt.Sprintf(" AND user_id = $%d", n)
		args = append(args, *f.UserID)
		n++
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", n)
	args = append(args, limit)

	return db.queryTraces(ctx, q, args...)
}

// ListCleanupCandidates returns ids of sampled traces whose retention
// deadline passed before the cutoff and whose cleanup decision has not
// been evaluated yet.
func (db *DB) ListCleanupCandidates(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id FROM traces
		 WHERE sample_rate < 1
		   AND decided_at IS NULL
		   AND created_at + retention_ms * interval '1 millisecond' < $1
		 ORDER BY created_at
		 LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list cleanup candidates: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan cleanup candidate: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (db *DB) queryTraces(ctx context.Context, q string, args ...any) ([]model.Trace, error) {
	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query traces: %w", err)
	}
	defer rows.Close()

	var out []model.Trace
	for rows.Next() {
		tr, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan trace: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func scanTrace(row pgx.Row) (model.Trace, error) {
	var tr model.Trace
	var retentionMS int64
	if err := row.Scan(
		&tr.ID, &tr.Status, &tr.SampleRate, &tr.Preserve, &tr.Metadata,
		&tr.UserID, &tr.Source, &retentionMS, &tr.CreatedAt, &tr.UpdatedAt,
	); err != nil {
		return model.Trace{}, err
	}
	tr.Retention = time.Duration(retentionMS) * time.Millisecond
	return tr, nil
}
