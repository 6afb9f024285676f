package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caredesk/caredesk/internal/platform/auth"
	"github.com/caredesk/caredesk/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepoPG creates a Postgres-backed session repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

// conn prefers the transaction or practice-pinned connection carried by the
// context over the shared pool.
func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const sessionCols = `id, patient_id, therapist_id, occurred_at,
	duration_minutes, status, modality, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.PatientID, &rec.TherapistID, &rec.OccurredAt,
		&rec.DurationMinutes, &rec.Status, &rec.Modality, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (r *repoPG) Create(ctx context.Context, rec *Record) error {
	rec.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO session_records (id, patient_id, therapist_id, occurred_at,
			duration_minutes, status, modality)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		rec.ID, rec.PatientID, rec.TherapistID, rec.OccurredAt,
		rec.DurationMinutes, rec.Status, rec.Modality)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+sessionCols+` FROM session_records WHERE id = $1`, id)
	return scanRecord(row)
}

func (r *repoPG) Update(ctx context.Context, rec *Record) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE session_records SET occurred_at=$2, duration_minutes=$3,
			status=$4, modality=$5, updated_at=NOW()
		WHERE id = $1`,
		rec.ID, rec.OccurredAt, rec.DurationMinutes, rec.Status, rec.Modality)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM session_records WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, status string, limit, offset int) ([]*Record, int, error) {
	where := `WHERE patient_id = $1`
	args := []any{patientID}
	if status != "" {
		args = append(args, status)
		where += fmt.Sprintf(` AND status = $%d`, len(args))
	}

	var total int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM session_records `+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+sessionCols+` FROM session_records `+where+
			fmt.Sprintf(` ORDER BY occurred_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}
