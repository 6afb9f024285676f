package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool sizing beyond conn counts: worn connections are recycled so schema
// changes from practice provisioning never pin stale search_path state.
const (
	poolConnLifetime = time.Hour
	poolConnIdleTime = 30 * time.Minute
)

// NewPool opens a pgx pool against the given URL, applies conn sizing from
// configuration, and verifies connectivity before handing the pool out.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	cfg.MaxConnLifetime = poolConnLifetime
	cfg.MaxConnIdleTime = poolConnIdleTime
	cfg.ConnConfig.RuntimeParams["application_name"] = "caredesk"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
