package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caredesk/caredesk/internal/platform/db"
)

// StorePG answers ownership queries against PostgreSQL. Table and column
// names come from the kind registry, never from request input.
type StorePG struct {
	pool *pgxpool.Pool
}

// NewStorePG creates a Postgres-backed ownership store.
func NewStorePG(pool *pgxpool.Pool) *StorePG {
	return &StorePG{pool: pool}
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// q prefers the context's transaction, then its practice-pinned connection,
// then the bare pool.
func (s *StorePG) q(ctx context.Context) rowQuerier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if conn := db.ConnFromContext(ctx); conn != nil {
		return conn
	}
	return s.pool
}

// OwnsDirect reports whether the kind's table holds a row with the given id
// owned by principalID. A null owner column never matches.
func (s *StorePG) OwnsDirect(ctx context.Context, kind Kind, id, principalID uuid.UUID) (bool, error) {
	if kind.OwnerColumn == "" {
		return false, fmt.Errorf("kind %s has no owner column", kind.Name)
	}
	query := fmt.Sprintf(
		"SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1 AND %s = $2)",
		kind.Table, kind.OwnerColumn,
	)
	var owns bool
	if err := s.q(ctx).QueryRow(ctx, query, id, principalID).Scan(&owns); err != nil {
		return false, fmt.Errorf("query %s ownership: %w", kind.Name, err)
	}
	return owns, nil
}

// OwnsThrough reports whether the row exists and its ancestor depth levels
// up the chain is owned by principalID.
func (s *StorePG) OwnsThrough(ctx context.Context, kind Kind, chain []Kind, depth int, id, principalID uuid.UUID) (bool, error) {
	if depth < 1 || depth > len(chain) {
		return false, fmt.Errorf("kind %s: chain depth %d out of range", kind.Name, depth)
	}
	if chain[depth-1].OwnerColumn == "" {
		return false, fmt.Errorf("kind %s: ancestor %s has no owner column", kind.Name, chain[depth-1].Name)
	}

	var owns bool
	if err := s.q(ctx).QueryRow(ctx, throughQuery(kind, chain, depth), id, principalID).Scan(&owns); err != nil {
		return false, fmt.Errorf("query %s chain ownership: %w", kind.Name, err)
	}
	return owns, nil
}

// throughQuery joins the kind's table up its parent chain and matches the
// owner column at the given depth.
func throughQuery(kind Kind, chain []Kind, depth int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT EXISTS(SELECT 1 FROM %s t0", kind.Table)
	child := kind
	for i := 0; i < depth; i++ {
		fmt.Fprintf(&b, " JOIN %s t%d ON t%d.id = t%d.%s",
			chain[i].Table, i+1, i+1, i, child.Parent.ForeignKey)
		child = chain[i]
	}
	fmt.Fprintf(&b, " WHERE t0.id = $1 AND t%d.%s = $2)", depth, chain[depth-1].OwnerColumn)
	return b.String()
}
