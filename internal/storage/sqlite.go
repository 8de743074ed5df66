package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kiseki-io/kiseki/internal/model"
)

// Lite is the embedded SQLite gateway. It implements the same store
// surface as the Postgres DB and backs local development and tests,
// where spinning up Postgres is not worth it. UUIDs are stored as text,
// timestamps as Unix nanoseconds, JSON columns as text.
type Lite struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLite opens (or creates) a SQLite database at path. Use ":memory:"
// for a throwaway in-memory store.
func NewLite(path string, logger *slog.Logger) (*Lite, error) {
	dsn := path
	if !strings.Contains(dsn, "?") && !strings.Contains(dsn, ":memory:") {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent spans.
	db.SetMaxOpenConns(1)

	l := &Lite{db: db, logger: logger}
	if err := l.init(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Lite) init() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS traces (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'pending',
			sample_rate REAL NOT NULL DEFAULT 1,
			preserve TEXT NOT NULL DEFAULT 'undecided',
			metadata TEXT NOT NULL DEFAULT '{}',
			user_id TEXT NOT NULL DEFAULT 'anonymous',
			source TEXT NOT NULL DEFAULT 'backend',
			retention_ms INTEGER NOT NULL DEFAULT 1800000,
			decided_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS spans (
			id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			parent_span_id TEXT,
			name TEXT NOT NULL,
			function_name TEXT,
			source TEXT NOT NULL DEFAULT 'backend',
			status TEXT NOT NULL DEFAULT 'pending',
			args TEXT,
			result TEXT,
			error TEXT,
			metadata TEXT NOT NULL DEFAULT '{}',
			started_at INTEGER NOT NULL,
			ended_at INTEGER,
			duration_ms INTEGER,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_spans_trace_id ON spans (trace_id);
		CREATE TABLE IF NOT EXISTS span_logs (
			id TEXT PRIMARY KEY,
			span_id TEXT NOT NULL,
			severity TEXT NOT NULL DEFAULT 'info',
			message TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_span_logs_span_id ON span_logs (span_id);
	`)
	if err != nil {
		return fmt.Errorf("storage: init sqlite schema: %w", err)
	}
	return nil
}

// Close shuts down the database handle.
func (l *Lite) Close() error {
	return l.db.Close()
}

// Ping checks the database handle.
func (l *Lite) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

func (l *Lite) CreateTrace(ctx context.Context, nt model.NewTrace) (uuid.UUID, error) {
	id := uuid.New()
	now := time.Now().UTC()
	userID := nt.UserID
	if userID == "" {
		userID = model.AnonymousUser
	}
	meta, err := encodeJSON(nt.Metadata)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: encode trace metadata: %w", err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO traces (id, status, sample_rate, preserve, metadata, user_id, source, retention_ms, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), string(nt.Status), nt.SampleRate, string(model.PreserveUndecided),
		meta, userID, string(nt.Source), nt.Retention.Milliseconds(),
		now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: create trace: %w", err)
	}
	return id, nil
}

func (l *Lite) UpdateTraceStatus(ctx context.Context, id uuid.UUID, status model.TraceStatus) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE traces SET status = ?, updated_at = ? WHERE id = ? AND status = 'pending'`,
		string(status), time.Now().UTC().UnixNano(), id.String(),
	)
	if err != nil {
		return fmt.Errorf("storage: update trace status: %w", err)
	}
	return oneRow(res, fmt.Sprintf("trace %s not found or already finalized", id))
}

func (l *Lite) UpdateTracePreserve(ctx context.Context, id uuid.UUID, preserve model.PreserveMode, sampleRate *float64) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE traces
		 SET preserve = ?,
		     sample_rate = COALESCE(?, sample_rate),
		     decided_at = CASE WHEN ? = 'undecided' THEN NULL ELSE decided_at END,
		     updated_at = ?
		 WHERE id = ?`,
		string(preserve), sampleRate, string(preserve), time.Now().UTC().UnixNano(), id.String(),
	)
	if err != nil {
		return fmt.Errorf("storage: update trace preserve: %w", err)
	}
	return oneRow(res, fmt.Sprintf("update trace preserve %s", id))
}

func (l *Lite) UpdateTraceMetadata(ctx context.Context, id uuid.UUID, patch map[string]any) error {
	return l.mergeMetadata(ctx, "traces", id, patch, fmt.Sprintf("update trace metadata %s", id))
}

func (l *Lite) MarkTraceDecided(ctx context.Context, id uuid.UUID) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE traces SET decided_at = ? WHERE id = ?`,
		time.Now().UTC().UnixNano(), id.String(),
	)
	if err != nil {
		return fmt.Errorf("storage: mark trace decided: %w", err)
	}
	return nil
}

func (l *Lite) VerifyTrace(ctx context.Context, id uuid.UUID) (bool, error) {
	return l.exists(ctx, `SELECT 1 FROM traces WHERE id = ?`, id)
}

func (l *Lite) VerifySpan(ctx context.Context, id uuid.UUID) (bool, error) {
	return l.exists(ctx, `SELECT 1 FROM spans WHERE id = ?`, id)
}

func (l *Lite) exists(ctx context.Context, q string, id uuid.UUID) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx, q, id.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: exists query: %w", err)
	}
	return true, nil
}

const liteTraceColumns = `id, status, sample_rate, preserve, metadata, user_id, source, retention_ms, created_at, updated_at`

func (l *Lite) GetTraceRow(ctx context.Context, id uuid.UUID) (model.Trace, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+liteTraceColumns+` FROM traces WHERE id = ?`, id.String(),
	)
	tr, err := scanLiteTrace(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Trace{}, fmt.Errorf("storage: trace %s: %w", id, ErrNotFound)
		}
		return model.Trace{}, fmt.Errorf("storage: get trace: %w", err)
	}
	return tr, nil
}

func (l *Lite) ListTraces(ctx context.Context, f model.TraceFilter) ([]model.Trace, error) {
	q := `SELECT ` + liteTraceColumns + ` FROM traces WHERE 1=1`
	var args []any
	if f.Status != nil {
		q += ` AND status = ?`
		args = append(args, string(*f.Status))
	}
	if f.UserID != nil {
		q += ` AND user_id = ?`
		args = append(args, *f.UserID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	return l.queryTraces(ctx, q, args...)
}

// SearchTraces falls back to a case-insensitive substring match; SQLite
// has no equivalent of the Postgres full-text index here.
func (l *Lite) SearchTraces(ctx context.Context, f model.SearchFilter) ([]model.Trace, error) {
	q := `SELECT ` + liteTraceColumns + ` FROM traces
	      WHERE id IN (SELECT trace_id FROM spans WHERE function_name LIKE ? ESCAPE '\')`
	args := []any{"%" + escapeLike(f.FunctionName) + "%"}
	if f.Status != nil {
		q += ` AND status = ?`
		args = append(args, string(*f.Status))
	}
	if f.UserID != nil {
		q += ` AND user_id = ?`
		args = append(args, *f.UserID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	return l.queryTraces(ctx, q, args...)
}

func (l *Lite) ListCleanupCandidates(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id FROM traces
		 WHERE sample_rate < 1
		   AND decided_at IS NULL
		   AND created_at + retention_ms * 1000000 < ?
		 ORDER BY created_at
		 LIMIT ?`,
		before.UnixNano(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list cleanup candidates: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("storage: scan cleanup candidate: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("storage: parse candidate id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (l *Lite) CreateSpan(ctx context.Context, ns model.NewSpan) (uuid.UUID, error) {
	id := uuid.New()
	now := time.Now().UTC()
	startedAt := ns.StartedAt
	if startedAt.IsZero() {
		startedAt = now
	}
	args, err := encodeJSONNullable(ns.Args)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: encode span args: %w", err)
	}
	var parent *string
	if ns.ParentSpanID != nil {
		s := ns.ParentSpanID.String()
		parent = &s
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO spans (id, trace_id, parent_span_id, name, function_name, source, status, args, metadata, started_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, '{}', ?, ?)`,
		id.String(), ns.TraceID.String(), parent, ns.Name, ns.FunctionName,
		string(ns.Source), string(model.SpanStatusPending), args,
		startedAt.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: create span: %w", err)
	}
	return id, nil
}

func (l *Lite) CompleteSpan(ctx context.Context, id uuid.UUID, c model.SpanCompletion) error {
	result, err := encodeJSONNullable(c.Result)
	if err != nil {
		return fmt.Errorf("storage: encode span result: %w", err)
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE spans
		 SET status = ?, ended_at = ?, duration_ms = ?, result = ?, error = ?
		 WHERE id = ? AND status = 'pending'`,
		string(c.Status), c.EndedAt.UnixNano(), c.Duration.Milliseconds(),
		result, c.Error, id.String(),
	)
	if err != nil {
		return fmt.Errorf("storage: complete span: %w", err)
	}
	return oneRow(res, fmt.Sprintf("span %s not found or already completed", id))
}

func (l *Lite) UpdateSpanMetadata(ctx context.Context, id uuid.UUID, patch map[string]any) error {
	return l.mergeMetadata(ctx, "spans", id, patch, fmt.Sprintf("update span metadata %s", id))
}

// mergeMetadata overlays the patch's top-level keys onto the stored JSON
// object: nested values are replaced wholesale and explicit nulls are
// kept as keys, the same semantics as the Postgres `||` operator. SQLite's
// json_patch would deep-merge and drop null-valued keys instead, so the
// merge happens in Go, read-then-write inside a transaction.
func (l *Lite) mergeMetadata(ctx context.Context, table string, id uuid.UUID, patch map[string]any, what string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: %s: begin: %w", what, err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT metadata FROM `+table+` WHERE id = ?`, id.String(),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("storage: %s: %w", what, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("storage: %s: %w", what, err)
	}

	merged := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &merged); err != nil {
			return fmt.Errorf("storage: %s: decode stored metadata: %w", what, err)
		}
	}
	for k, v := range patch {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("storage: %s: encode merged metadata: %w", what, err)
	}

	q := `UPDATE ` + table + ` SET metadata = ? WHERE id = ?`
	args := []any{string(out), id.String()}
	if table == "traces" {
		q = `UPDATE traces SET metadata = ?, updated_at = ? WHERE id = ?`
		args = []any{string(out), time.Now().UTC().UnixNano(), id.String()}
	}
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("storage: %s: %w", what, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: %s: commit: %w", what, err)
	}
	return nil
}

func (l *Lite) AddLog(ctx context.Context, nl model.NewLog) (uuid.UUID, error) {
	id := uuid.New()
	ts := nl.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	meta, err := encodeJSON(nl.Metadata)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: encode log metadata: %w", err)
	}

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO span_logs (id, span_id, severity, message, metadata, created_at)
		 SELECT ?, ?, ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM spans WHERE id = ?)`,
		id.String(), nl.SpanID.String(), string(nl.Severity), nl.Message, meta,
		ts.UnixNano(), nl.SpanID.String(),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: add log: %w", err)
	}
	if err := oneRow(res, fmt.Sprintf("add log to span %s", nl.SpanID)); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (l *Lite) GetTrace(ctx context.Context, id uuid.UUID) (*model.TraceTree, error) {
	tr, err := l.GetTraceRow(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, trace_id, parent_span_id, name, function_name, source, status, args, result, error, metadata, started_at, ended_at, duration_ms, created_at
		 FROM spans WHERE trace_id = ? ORDER BY created_at`,
		id.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list spans: %w", err)
	}
	defer rows.Close()

	var spans []*model.Span
	for rows.Next() {
		s, err := scanLiteSpan(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan span: %w", err)
		}
		spans = append(spans, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	logRows, err := l.db.QueryContext(ctx,
		`SELECT l.id, l.span_id, l.severity, l.message, l.metadata, l.created_at
		 FROM span_logs l JOIN spans s ON s.id = l.span_id
		 WHERE s.trace_id = ? ORDER BY l.created_at`,
		id.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list logs: %w", err)
	}
	defer logRows.Close()

	var logs []model.LogEntry
	for logRows.Next() {
		var entry model.LogEntry
		var rawID, rawSpanID, rawMeta string
		var createdNS int64
		if err := logRows.Scan(&rawID, &rawSpanID, &entry.Severity, &entry.Message, &rawMeta, &createdNS); err != nil {
			return nil, fmt.Errorf("storage: scan log: %w", err)
		}
		if entry.ID, err = uuid.Parse(rawID); err != nil {
			return nil, fmt.Errorf("storage: parse log id: %w", err)
		}
		if entry.SpanID, err = uuid.Parse(rawSpanID); err != nil {
			return nil, fmt.Errorf("storage: parse log span id: %w", err)
		}
		if err := json.Unmarshal([]byte(rawMeta), &entry.Metadata); err != nil {
			return nil, fmt.Errorf("storage: decode log metadata: %w", err)
		}
		entry.CreatedAt = time.Unix(0, createdNS).UTC()
		logs = append(logs, entry)
	}
	if err := logRows.Err(); err != nil {
		return nil, err
	}

	return &model.TraceTree{Trace: tr, Spans: model.BuildSpanTree(spans, logs)}, nil
}

// DeleteTraceClosure removes the trace, its spans, and their logs. The
// single-connection handle serializes the statements, so unlike the
// Postgres gateway these run sequentially.
func (l *Lite) DeleteTraceClosure(ctx context.Context, id uuid.UUID) error {
	stmts := []string{
		`DELETE FROM span_logs WHERE span_id IN (SELECT id FROM spans WHERE trace_id = ?)`,
		`DELETE FROM spans WHERE trace_id = ?`,
		`DELETE FROM traces WHERE id = ?`,
	}
	for _, q := range stmts {
		if _, err := l.db.ExecContext(ctx, q, id.String()); err != nil {
			return fmt.Errorf("storage: delete trace closure %s: %w", id, err)
		}
	}
	return nil
}

func (l *Lite) queryTraces(ctx context.Context, q string, args ...any) ([]model.Trace, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query traces: %w", err)
	}
	defer rows.Close()

	var out []model.Trace
	for rows.Next() {
		tr, err := scanLiteTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan trace: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLiteTrace(row rowScanner) (model.Trace, error) {
	var tr model.Trace
	var rawID, rawMeta string
	var retentionMS, createdNS, updatedNS int64
	if err := row.Scan(
		&rawID, &tr.Status, &tr.SampleRate, &tr.Preserve, &rawMeta,
		&tr.UserID, &tr.Source, &retentionMS, &createdNS, &updatedNS,
	); err != nil {
		return model.Trace{}, err
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return model.Trace{}, fmt.Errorf("parse trace id: %w", err)
	}
	tr.ID = id
	if err := json.Unmarshal([]byte(rawMeta), &tr.Metadata); err != nil {
		return model.Trace{}, fmt.Errorf("decode trace metadata: %w", err)
	}
	tr.Retention = time.Duration(retentionMS) * time.Millisecond
	tr.CreatedAt = time.Unix(0, createdNS).UTC()
	tr.UpdatedAt = time.Unix(0, updatedNS).UTC()
	return tr, nil
}

func scanLiteSpan(row rowScanner) (*model.Span, error) {
	var s model.Span
	var rawID, rawTraceID, rawMeta string
	var rawParent, rawArgs, rawResult *string
	var startedNS, createdNS int64
	var endedNS, durationMS *int64
	if err := row.Scan(
		&rawID, &rawTraceID, &rawParent, &s.Name, &s.FunctionName,
		&s.Source, &s.Status, &rawArgs, &rawResult, &s.Error, &rawMeta,
		&startedNS, &endedNS, &durationMS, &createdNS,
	); err != nil {
		return nil, err
	}
	var err error
	if s.ID, err = uuid.Parse(rawID); err != nil {
		return nil, fmt.Errorf("parse span id: %w", err)
	}
	if s.TraceID, err = uuid.Parse(rawTraceID); err != nil {
		return nil, fmt.Errorf("parse span trace id: %w", err)
	}
	if rawParent != nil {
		p, err := uuid.Parse(*rawParent)
		if err != nil {
			return nil, fmt.Errorf("parse parent span id: %w", err)
		}
		s.ParentSpanID = &p
	}
	if rawArgs != nil {
		if err := json.Unmarshal([]byte(*rawArgs), &s.Args); err != nil {
			return nil, fmt.Errorf("decode span args: %w", err)
		}
	}
	if rawResult != nil {
		if err := json.Unmarshal([]byte(*rawResult), &s.Result); err != nil {
			return nil, fmt.Errorf("decode span result: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(rawMeta), &s.Metadata); err != nil {
		return nil, fmt.Errorf("decode span metadata: %w", err)
	}
	s.StartedAt = time.Unix(0, startedNS).UTC()
	if endedNS != nil {
		t := time.Unix(0, *endedNS).UTC()
		s.EndedAt = &t
	}
	if durationMS != nil {
		d := time.Duration(*durationMS) * time.Millisecond
		s.Duration = &d
	}
	s.CreatedAt = time.Unix(0, createdNS).UTC()
	return &s, nil
}

func encodeJSON(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func encodeJSONNullable(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func oneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("storage: %s: %w", what, ErrNotFound)
	}
	return nil
}
