package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caredesk/caredesk/internal/platform/db"
)

const entryColumns = `id, practice_id, principal_id, principal_name, action,
	resource_kind, resource_id, phi_fields, outcome, cross_practice,
	risk_score, risk_level, request_id, source_ip, user_agent, browser, os,
	break_glass, reason, occurred_at, created_at`

// StorePG persists audit entries in the practice schema's audit_entries
// table.
type StorePG struct {
	pool *pgxpool.Pool
}

// NewStorePG creates a Postgres-backed audit store.
func NewStorePG(pool *pgxpool.Pool) *StorePG {
	return &StorePG{pool: pool}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *StorePG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if conn := db.ConnFromContext(ctx); conn != nil {
		return conn
	}
	return s.pool
}

// Append inserts the entry and fills in its generated ID and creation time.
func (s *StorePG) Append(ctx context.Context, e *Entry) error {
	if !IsValidAction(e.Action) {
		return fmt.Errorf("audit store: invalid action %q", e.Action)
	}

	const query = `
		INSERT INTO audit_entries (
			practice_id, principal_id, principal_name, action,
			resource_kind, resource_id, phi_fields, outcome, cross_practice,
			risk_score, risk_level, request_id, source_ip, user_agent,
			browser, os, break_glass, reason, occurred_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19
		) RETURNING id, created_at`

	err := s.conn(ctx).QueryRow(ctx, query,
		e.PracticeID, e.PrincipalID, e.PrincipalName, e.Action,
		e.ResourceKind, e.ResourceID, e.PHIFields, e.Outcome, e.CrossPractice,
		e.RiskScore, e.RiskLevel, e.RequestID, e.SourceIP, e.UserAgent,
		e.Browser, e.OS, e.BreakGlass, e.Reason, e.OccurredAt,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit store: append: %w", err)
	}
	return nil
}

// List returns entries inside [w.From, w.To) matching the filter, ordered
// by occurrence time.
func (s *StorePG) List(ctx context.Context, w Window, f Filter) ([]*Entry, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM audit_entries WHERE occurred_at >= $1 AND occurred_at < $2", entryColumns)

	args := []any{w.From, w.To}
	n := 2

	add := func(clause string, val any) {
		n++
		fmt.Fprintf(&b, " AND %s = $%d", clause, n)
		args = append(args, val)
	}

	if f.PrincipalID != nil {
		add("principal_id", *f.PrincipalID)
	}
	if f.ResourceKind != "" {
		add("resource_kind", f.ResourceKind)
	}
	if f.ResourceID != nil {
		add("resource_id", *f.ResourceID)
	}
	if f.Action != "" {
		add("action", f.Action)
	}
	if f.Outcome != "" {
		add("outcome", f.Outcome)
	}
	if f.BreakGlass != nil {
		add("break_glass", *f.BreakGlass)
	}
	if f.MinRiskScore > 0 {
		n++
		fmt.Fprintf(&b, " AND risk_score >= $%d", n)
		args = append(args, f.MinRiskScore)
	}

	b.WriteString(" ORDER BY occurred_at ASC, created_at ASC")
	if f.Limit > 0 {
		n++
		fmt.Fprintf(&b, " LIMIT $%d", n)
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		n++
		fmt.Fprintf(&b, " OFFSET $%d", n)
		args = append(args, f.Offset)
	}

	rows, err := s.conn(ctx).Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("audit store: list: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("audit store: scan: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit store: iterate: %w", err)
	}
	return entries, nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(
		&e.ID, &e.PracticeID, &e.PrincipalID, &e.PrincipalName, &e.Action,
		&e.ResourceKind, &e.ResourceID, &e.PHIFields, &e.Outcome, &e.CrossPractice,
		&e.RiskScore, &e.RiskLevel, &e.RequestID, &e.SourceIP, &e.UserAgent,
		&e.Browser, &e.OS, &e.BreakGlass, &e.Reason, &e.OccurredAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
