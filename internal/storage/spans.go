package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kiseki-io/kiseki/internal/model"
)

const spanColumns = `id, trace_id, parent_span_id, name, function_name, source, status, args, result, error, metadata, started_at, ended_at, duration_ms, created_at`

// CreateSpan inserts a new pending span and returns its id.
func (db *DB) CreateSpan(ctx context.Context, ns model.NewSpan) (uuid.UUID, error) {
	id := uuid.New()
	now := time.Now().UTC()
	startedAt := ns.StartedAt
	if startedAt.IsZero() {
		startedAt = now
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO spans (id, trace_id, parent_span_id, name, function_name, source, status, args, metadata, started_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '{}', $9, $10)`,
		id, ns.TraceID, ns.ParentSpanID, ns.Name, ns.FunctionName,
		string(ns.Source), string(model.SpanStatusPending), ns.Args, startedAt, now,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: create span: %w", err)
	}
	return id, nil
}

// CompleteSpan writes the span's terminal state. The pending guard makes
// completion happen at most once.
func (db *DB) CompleteSpan(ctx context.Context, id uuid.UUID, c model.SpanCompletion) error {
	result, err := marshalResult(c.Result)
	if err != nil {
		return fmt.Errorf("storage: encode span result: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE spans
		 SET status = $2, ended_at = $3, duration_ms = $4, result = $5, error = $6
		 WHERE id = $1 AND status = 'pending'`,
		id, string(c.Status), c.EndedAt, c.Duration.Milliseconds(), result, c.Error,
	)
	if err != nil {
		return fmt.Errorf("storage: complete span: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: span %s not found or already completed: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateSpanMetadata shallow-merges the patch into the span's metadata.
func (db *DB) UpdateSpanMetadata(ctx context.Context, id uuid.UUID, patch map[string]any) error {
	if patch == nil {
		patch = map[string]any{}
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE spans SET metadata = metadata || $2 WHERE id = $1`,
		id, patch,
	)
	if err != nil {
		return fmt.Errorf("storage: update span metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: update span metadata %s: %w", id, ErrNotFound)
	}
	return nil
}

// VerifySpan reports whether the span exists.
func (db *DB) VerifySpan(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM spans WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("storage: verify span: %w", err)
	}
	return exists, nil
}

func (db *DB) listSpans(ctx context.Context, traceID uuid.UUID) ([]*model.Span, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+spanColumns+` FROM spans WHERE trace_id = $1 ORDER BY created_at`,
		traceID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list spans: %w", err)
	}
	defer rows.Close()

	var spans []*model.Span
	for rows.Next() {
		s, err := scanSpan(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan span: %w", err)
		}
		spans = append(spans, s)
	}
	return spans, rows.Err()
}

func scanSpan(row pgx.Row) (*model.Span, error) {
	var s model.Span
	var result []byte
	var durationMS *int64
	if err := row.Scan(
		&s.ID, &s.TraceID, &s.ParentSpanID, &s.Name, &s.FunctionName,
		&s.Source, &s.Status, &s.Args, &result, &s.Error, &s.Metadata,
		&s.StartedAt, &s.EndedAt, &durationMS, &s.CreatedAt,
	); err != nil {
		return nil, err
	}
	if durationMS != nil {
		d := time.Duration(*durationMS) * time.Millisecond
		s.Duration = &d
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &s.Result); err != nil {
			return nil, fmt.Errorf("decode span result: %w", err)
		}
	}
	return &s, nil
}

// marshalResult encodes an arbitrary handler return value for the JSONB
// result column. Nil stays NULL so absent results are distinguishable
// from a recorded JSON null.
func marshalResult(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
