package clinicalnote

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caredesk/caredesk/internal/platform/auth"
	"github.com/caredesk/caredesk/internal/platform/db"
	"github.com/caredesk/caredesk/internal/platform/phi"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type repoPG struct {
	pool   *pgxpool.Pool
	cipher phi.FieldCipher
}

// NewRepoPG creates a Postgres-backed note repository. The cipher protects
// note content at rest.
func NewRepoPG(pool *pgxpool.Pool, cipher phi.FieldCipher) Repository {
	return &repoPG{pool: pool, cipher: cipher}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const noteCols = `id, session_record_id, author_id, content, finalized,
	finalized_at, created_at, updated_at`

// summaryCols leaves content out; list views never decrypt.
const summaryCols = `id, session_record_id, author_id, finalized,
	finalized_at, created_at, updated_at`

func (r *repoPG) encrypt(v *string) (*string, error) {
	if v == nil || *v == "" {
		return nil, nil
	}
	ct, err := r.cipher.EncryptField(*v)
	if err != nil {
		return nil, err
	}
	return &ct, nil
}

func (r *repoPG) decrypt(v *string) (*string, error) {
	if v == nil {
		return nil, nil
	}
	pt, err := r.cipher.DecryptField(*v)
	if err != nil {
		return nil, err
	}
	return &pt, nil
}

func (r *repoPG) scanNote(row pgx.Row) (*Note, error) {
	var n Note
	err := row.Scan(&n.ID, &n.SessionRecordID, &n.AuthorID, &n.Content,
		&n.Finalized, &n.FinalizedAt, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	content, err := r.decrypt(n.Content)
	if err != nil {
		return nil, err
	}
	n.Content = content
	return &n, nil
}

func (r *repoPG) Create(ctx context.Context, n *Note) error {
	n.ID = uuid.New()
	content, err := r.encrypt(n.Content)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO clinical_notes (id, session_record_id, author_id, content)
		VALUES ($1,$2,$3,$4)`,
		n.ID, n.SessionRecordID, n.AuthorID, content)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Note, error) {
	row := r.conn(ctx).QueryRow(ctx,
		`SELECT `+noteCols+` FROM clinical_notes WHERE id = $1`, id)
	return r.scanNote(row)
}

func (r *repoPG) Update(ctx context.Context, n *Note) error {
	content, err := r.encrypt(n.Content)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE clinical_notes SET content=$2, updated_at=NOW()
		WHERE id = $1 AND finalized = FALSE`,
		n.ID, content)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// Finalize flips the one-way flag. Re-finalizing an already finalized note
// affects no rows and reports not found; the service treats that as a
// no-op after reading the row.
func (r *repoPG) Finalize(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE clinical_notes SET finalized = TRUE, finalized_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND finalized = FALSE`, id)
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
		`DELETE FROM clinical_notes WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (r *repoPG) ListBySession(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]*Note, int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM clinical_notes WHERE session_record_id = $1`,
		sessionID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+summaryCols+` FROM clinical_notes
		WHERE session_record_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		sessionID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Note
	for rows.Next() {
		var n Note
		err := rows.Scan(&n.ID, &n.SessionRecordID, &n.AuthorID,
			&n.Finalized, &n.FinalizedAt, &n.CreatedAt, &n.UpdatedAt)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, &n)
	}
	return items, total, rows.Err()
}
