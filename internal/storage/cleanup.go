package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DeleteTraceClosure removes the trace record, its spans, and their logs.
// The log delete resolves its victims through the spans table, so it must
// complete before the spans are removed; otherwise a spans delete that
// commits first leaves the logs unmatched, and with the trace row gone no
// later cleanup would ever find them again. Logs go first, then spans and
// the trace concurrently — those two are independent (no foreign keys).
// A crash mid-delete can still leave orphans; the caller treats cleanup
// as re-invokable, and a re-run converges.
func (db *DB) DeleteTraceClosure(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM span_logs WHERE span_id IN (SELECT id FROM spans WHERE trace_id = $1)`, id)
	if err != nil {
		return fmt.Errorf("storage: delete trace closure %s: delete span logs: %w", id, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := db.pool.Exec(ctx, `DELETE FROM spans WHERE trace_id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete spans: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		_, err := db.pool.Exec(ctx, `DELETE FROM traces WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete trace: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("storage: delete trace closure %s: %w", id, err)
	}
	return nil
}
