package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kiseki-io/kiseki/internal/model"
)

// AddLog appends a log entry to a span. The insert is guarded by span
// existence so entries cannot be attached to a cleaned-up trace.
func (db *DB) AddLog(ctx context.Context, nl model.NewLog) (uuid.UUID, error) {
	id := uuid.New()
	ts := nl.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if nl.Metadata == nil {
		nl.Metadata = map[string]any{}
	}

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO span_logs (id, span_id, severity, message, metadata, created_at)
		 SELECT $1, $2, $3, $4, $5, $6
		 WHERE EXISTS (SELECT 1 FROM spans WHERE id = $2)`,
		id, nl.SpanID, string(nl.Severity), nl.Message, nl.Metadata, ts,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: add log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return uuid.Nil, fmt.Errorf("storage: add log to span %s: %w", nl.SpanID, ErrNotFound)
	}
	return id, nil
}

func (db *DB) listLogs(ctx context.Context, traceID uuid.UUID) ([]model.LogEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT l.id, l.span_id, l.severity, l.message, l.metadata, l.created_at
		 FROM span_logs l
		 JOIN spans s ON s.id = l.span_id
		 WHERE s.trace_id = $1
		 ORDER BY l.created_at`,
		traceID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list logs: %w", err)
	}
	defer rows.Close()

	var logs []model.LogEntry
	for rows.Next() {
		var l model.LogEntry
		if err := rows.Scan(&l.ID, &l.SpanID, &l.Severity, &l.Message, &l.Metadata, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// GetTrace retrieves a trace with its spans assembled into parent/child
// trees and logs attached to their owning spans.
func (db *DB) GetTrace(ctx context.Context, id uuid.UUID) (*model.TraceTree, error) {
	tr, err := db.GetTraceRow(ctx, id)
	if err != nil {
		return nil, err
	}
	spans, err := db.listSpans(ctx, id)
	if err != nil {
		return nil, err
	}
	logs, err := db.listLogs(ctx, id)
	if err != nil {
		return nil, err
	}
	return &model.TraceTree{
		Trace: tr,
		Spans: model.BuildSpanTree(spans, logs),
	}, nil
}
