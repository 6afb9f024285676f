package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caredesk/caredesk/internal/platform/db"
)

// PGChangeLog reads the change_log table populated by row-level triggers.
// The triggers fire on every insert, update, and delete of the tracked
// tables, so the log captures mutations even when the application's audit
// path is bypassed.
type PGChangeLog struct {
	pool *pgxpool.Pool
}

// NewPGChangeLog creates a change source backed by the change_log table.
func NewPGChangeLog(pool *pgxpool.Pool) *PGChangeLog {
	return &PGChangeLog{pool: pool}
}

func (s *PGChangeLog) conn(ctx context.Context) querier {
	if conn := db.ConnFromContext(ctx); conn != nil {
		return conn
	}
	return s.pool
}

// Changes returns the mutations recorded inside [w.From, w.To).
func (s *PGChangeLog) Changes(ctx context.Context, w Window) ([]ChangeEvent, error) {
	const query = `
		SELECT resource_kind, resource_id, op, occurred_at
		FROM change_log
		WHERE occurred_at >= $1 AND occurred_at < $2
		ORDER BY occurred_at ASC, id ASC`

	rows, err := s.conn(ctx).Query(ctx, query, w.From, w.To)
	if err != nil {
		return nil, fmt.Errorf("change log: query: %w", err)
	}
	defer rows.Close()

	var events []ChangeEvent
	for rows.Next() {
		var ev ChangeEvent
		if err := rows.Scan(&ev.ResourceKind, &ev.ResourceID, &ev.Op, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("change log: scan: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("change log: iterate: %w", err)
	}
	return events, nil
}
