package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrationFile matches numbered migration files such as 001_core.sql.
var migrationFile = regexp.MustCompile(`^(\d+)_.+\.sql$`)

// Migration is a single schema change loaded from the migrations directory.
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

// MigrationStatus describes one known migration for a schema. Drifted is
// set when the file on disk no longer matches the checksum recorded when
// the migration was applied.
type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt *time.Time
	Drifted   bool
}

// Migrator applies numbered SQL files to a practice schema and records
// them in that schema's _migrations table.
type Migrator struct {
	pool *pgxpool.Pool
	dir  string
}

// NewMigrator returns a Migrator reading files from migrationsDir and
// applying them through pool.
func NewMigrator(pool *pgxpool.Pool, migrationsDir string) *Migrator {
	return &Migrator{pool: pool, dir: migrationsDir}
}

// migrationsTable returns the quoted, schema-qualified tracking table name.
func migrationsTable(schema string) string {
	return pgx.Identifier{schema, "_migrations"}.Sanitize()
}

// EnsureMigrationsTable creates the tracking table in the given schema if
// it does not already exist.
func (m *Migrator) EnsureMigrationsTable(ctx context.Context, schema string) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    version    INTEGER PRIMARY KEY,
    name       VARCHAR(255) NOT NULL,
    checksum   CHAR(64) NOT NULL DEFAULT '',
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, migrationsTable(schema))

	if _, err := m.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create migrations table in %s: %w", schema, err)
	}
	return nil
}

// LoadMigrations reads the numbered .sql files from the migrations
// directory and returns them sorted by version. Files whose names do not
// match NNN_name.sql are ignored.
func (m *Migrator) LoadMigrations() ([]Migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations directory %s: %w", m.dir, err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationFile.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}

		content, err := os.ReadFile(filepath.Join(m.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		sum := sha256.Sum256(content)
		migrations = append(migrations, Migration{
			Version:  version,
			Name:     entry.Name(),
			SQL:      string(content),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

type appliedMigration struct {
	at       time.Time
	checksum string
}

func (m *Migrator) appliedMigrations(ctx context.Context, schema string) (map[int]appliedMigration, error) {
	query := fmt.Sprintf(`SELECT version, checksum, applied_at FROM %s`, migrationsTable(schema))
	rows, err := m.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query applied migrations in %s: %w", schema, err)
	}
	defer rows.Close()

	applied := make(map[int]appliedMigration)
	for rows.Next() {
		var (
			version  int
			checksum string
			at       time.Time
		)
		if err := rows.Scan(&version, &checksum, &at); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		// checksum is CHAR(64), blank-padded when empty.
		applied[version] = appliedMigration{at: at, checksum: strings.TrimSpace(checksum)}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}

// Up applies every pending migration to the schema in version order and
// returns how many ran.
func (m *Migrator) Up(ctx context.Context, schema string) (int, error) {
	return m.UpTo(ctx, schema, 0)
}

// UpTo applies pending migrations up to and including targetVersion; zero
// means no upper bound. Each migration runs in its own transaction under
// an advisory lock keyed by the schema, so concurrent migrators serialize
// instead of racing. Returns how many migrations ran.
func (m *Migrator) UpTo(ctx context.Context, schema string, targetVersion int) (int, error) {
	if err := m.EnsureMigrationsTable(ctx, schema); err != nil {
		return 0, err
	}
	migrations, err := m.LoadMigrations()
	if err != nil {
		return 0, err
	}
	applied, err := m.appliedMigrations(ctx, schema)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range migrations {
		if targetVersion > 0 && mig.Version > targetVersion {
			break
		}
		if prior, ok := applied[mig.Version]; ok {
			if prior.checksum != "" && prior.checksum != mig.Checksum {
				return count, fmt.Errorf("migration %d (%s) changed after it was applied to %s",
					mig.Version, mig.Name, schema)
			}
			continue
		}

		ran, err := m.applyMigration(ctx, schema, mig)
		if err != nil {
			return count, fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		if ran {
			count++
		}
	}
	return count, nil
}

// applyMigration runs one migration inside a transaction. It reports false
// without error when another migrator already applied the same version.
func (m *Migrator) applyMigration(ctx context.Context, schema string, mig Migration) (bool, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Held until commit or rollback.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, schema+"._migrations"); err != nil {
		return false, fmt.Errorf("acquire migration lock: %w", err)
	}

	// A concurrent migrator may have won the lock first and applied this
	// version already.
	var exists bool
	check := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE version = $1)`, migrationsTable(schema))
	if err := tx.QueryRow(ctx, check, mig.Version).Scan(&exists); err != nil {
		return false, fmt.Errorf("check version %d: %w", mig.Version, err)
	}
	if exists {
		return false, nil
	}

	// Migration files reference tables without a schema qualifier. SET
	// LOCAL reverts when the transaction ends, keeping the pooled
	// connection clean.
	path := fmt.Sprintf("SET LOCAL search_path TO %s, public", pgx.Identifier{schema}.Sanitize())
	if _, err := tx.Exec(ctx, path); err != nil {
		return false, fmt.Errorf("set search_path: %w", err)
	}

	if _, err := tx.Exec(ctx, mig.SQL); err != nil {
		return false, fmt.Errorf("execute %s: %w", mig.Name, err)
	}

	record := fmt.Sprintf(`INSERT INTO %s (version, name, checksum) VALUES ($1, $2, $3)`, migrationsTable(schema))
	if _, err := tx.Exec(ctx, record, mig.Version, mig.Name, mig.Checksum); err != nil {
		return false, fmt.Errorf("record migration: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// Status lists every known migration with whether and when it was applied
// to the schema.
func (m *Migrator) Status(ctx context.Context, schema string) ([]MigrationStatus, error) {
	if err := m.EnsureMigrationsTable(ctx, schema); err != nil {
		return nil, err
	}
	migrations, err := m.LoadMigrations()
	if err != nil {
		return nil, err
	}
	applied, err := m.appliedMigrations(ctx, schema)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		st := MigrationStatus{Version: mig.Version, Name: mig.Name}
		if prior, ok := applied[mig.Version]; ok {
			st.Applied = true
			at := prior.at
			st.AppliedAt = &at
			st.Drifted = prior.checksum != "" && prior.checksum != mig.Checksum
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}
