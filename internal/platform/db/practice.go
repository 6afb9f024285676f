package db

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	PracticeIDKey contextKey = "practice_id"
	DBConnKey     contextKey = "db_conn"
)

var practiceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// PracticeMiddleware resolves the practice for the request, pins a pooled
// connection to the practice's schema via search_path, and stashes both in the
// request context. Every repository call downstream runs against that schema.
func PracticeMiddleware(pool *pgxpool.Pool, defaultPractice string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if IsPublicPath(c.Path()) {
				return next(c)
			}

			practiceID := extractPracticeID(c, defaultPractice)

			if !practiceIDPattern.MatchString(practiceID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid practice identifier")
			}

			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			schema := fmt.Sprintf("practice_%s", practiceID)
			_, err = conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", schema))
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "practice resolution failed")
			}

			ctx = context.WithValue(ctx, PracticeIDKey, practiceID)
			ctx = context.WithValue(ctx, DBConnKey, conn)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("practice_id", practiceID)
			c.Set("db", conn)

			return next(c)
		}
	}
}

func extractPracticeID(c echo.Context, defaultPractice string) string {
	// 1. Claim set by the auth middleware wins
	if pid, ok := c.Get("jwt_practice_id").(string); ok && pid != "" {
		return pid
	}

	// 2. X-Practice-ID header
	if pid := c.Request().Header.Get("X-Practice-ID"); pid != "" {
		return pid
	}

	// 3. Query parameter
	if pid := c.QueryParam("practice_id"); pid != "" {
		return pid
	}

	return defaultPractice
}

// ConnFromContext retrieves the practice-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// WithPractice attaches a practice ID to the context without going through
// the HTTP middleware. CLI commands and background jobs use this.
func WithPractice(ctx context.Context, practiceID string) context.Context {
	return context.WithValue(ctx, PracticeIDKey, practiceID)
}

// PracticeFromContext retrieves the practice ID from context.
func PracticeFromContext(ctx context.Context) string {
	pid, _ := ctx.Value(PracticeIDKey).(string)
	return pid
}

// CreatePracticeSchema creates the schema for a new practice and runs all
// migrations against it. If migrationsDir is empty, migrations are skipped.
func CreatePracticeSchema(ctx context.Context, pool *pgxpool.Pool, practiceID string, migrationsDir string) error {
	if !practiceIDPattern.MatchString(practiceID) {
		return fmt.Errorf("invalid practice identifier: %s", practiceID)
	}

	schema := fmt.Sprintf("practice_%s", practiceID)

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema))
	if err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrationsDir != "" {
		migrator := NewMigrator(pool, migrationsDir)
		if _, err := migrator.Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}

	return nil
}

// DropPracticeSchema removes a practice's schema and everything in it.
func DropPracticeSchema(ctx context.Context, pool *pgxpool.Pool, practiceID string) error {
	if !practiceIDPattern.MatchString(practiceID) {
		return fmt.Errorf("invalid practice identifier: %s", practiceID)
	}

	schema := fmt.Sprintf("practice_%s", practiceID)
	_, err := pool.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema))
	if err != nil {
		return fmt.Errorf("drop schema %s: %w", schema, err)
	}
	return nil
}

// ListPracticeSchemas returns the practice IDs that have a schema provisioned.
func ListPracticeSchemas(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	rows, err := pool.Query(ctx,
		`SELECT schema_name FROM information_schema.schemata WHERE schema_name LIKE 'practice_%' ORDER BY schema_name`)
	if err != nil {
		return nil, fmt.Errorf("list practice schemas: %w", err)
	}
	defer rows.Close()

	var practices []string
	for rows.Next() {
		var schema string
		if err := rows.Scan(&schema); err != nil {
			return nil, fmt.Errorf("scan schema name: %w", err)
		}
		practices = append(practices, strings.TrimPrefix(schema, "practice_"))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate practice schemas: %w", err)
	}
	return practices, nil
}
