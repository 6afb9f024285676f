package patient

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
	"github.com/caredesk/caredesk/internal/platform/phi"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct {
	pool   *pgxpool.Pool
	cipher phi.FieldCipher
}

// NewRepoPG builds the patients repository. The cipher seals and opens the
// protected columns; rows never hold plaintext for them.
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

const patientCols = `id, first_name, last_name, date_of_birth, email, phone,
	emergency_contact, therapist_id, created_at, updated_at`

// summaryCols leaves the encrypted columns out; list views never decrypt.
const summaryCols = `id, first_name, last_name, date_of_birth, therapist_id,
	created_at, updated_at`

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

// emailHash returns the deterministic lookup hash for the email, or nil when
// there is no email to index.
func (r *repoPG) emailHash(email *string) *string {
	if email == nil {
		return nil
	}
	h := r.cipher.SearchHash(*email)
	if h == "" {
		return nil
	}
	return &h
}

func (r *repoPG) scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	if err := row.Scan(&p.ID, &p.FirstName, &p.LastName, &p.DateOfBirth,
		&p.Email, &p.Phone, &p.EmergencyContact, &p.TherapistID,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.Email, err = r.decrypt(p.Email); err != nil {
		return nil, err
	}
	if p.Phone, err = r.decrypt(p.Phone); err != nil {
		return nil, err
	}
	if p.EmergencyContact, err = r.decrypt(p.EmergencyContact); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	email, err := r.encrypt(p.Email)
	if err != nil {
		return err
	}
	phone, err := r.encrypt(p.Phone)
	if err != nil {
		return err
	}
	contact, err := r.encrypt(p.EmergencyContact)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO patients (id, first_name, last_name, date_of_birth,
			email, email_hash, phone, emergency_contact, therapist_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		p.ID, p.FirstName, p.LastName, p.DateOfBirth,
		email, r.emailHash(p.Email), phone, contact, p.TherapistID)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := r.scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	return p, err
}

func (r *repoPG) GetMany(ctx context.Context, ids []uuid.UUID) ([]*Patient, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+patientCols+` FROM patients WHERE id = ANY($1) ORDER BY last_name, first_name`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		p, err := r.scanPatient(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *repoPG) Update(ctx context.Context, p *Patient) error {
	email, err := r.encrypt(p.Email)
	if err != nil {
		return err
	}
	phone, err := r.encrypt(p.Phone)
	if err != nil {
		return err
	}
	contact, err := r.encrypt(p.EmergencyContact)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patients SET first_name=$2, last_name=$3, date_of_birth=$4,
			email=$5, email_hash=$6, phone=$7, emergency_contact=$8,
			therapist_id=$9, updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.FirstName, p.LastName, p.DateOfBirth,
		email, r.emailHash(p.Email), phone, contact, p.TherapistID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM patients WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, therapistID *uuid.UUID, limit, offset int) ([]*Patient, int, error) {
	query := `SELECT ` + summaryCols + ` FROM patients WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM patients WHERE 1=1`
	var args []interface{}
	idx := 1

	if therapistID != nil {
		query += fmt.Sprintf(` AND therapist_id = $%d`, idx)
		countQuery += fmt.Sprintf(` AND therapist_id = $%d`, idx)
		args = append(args, *therapistID)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY last_name, first_name LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Patient
	for rows.Next() {
		var p Patient
		if err := rows.Scan(&p.ID, &p.FirstName, &p.LastName, &p.DateOfBirth,
			&p.TherapistID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &p)
	}
	return items, total, rows.Err()
}

func (r *repoPG) FindByEmail(ctx context.Context, email string) (*Patient, error) {
	h := r.cipher.SearchHash(email)
	if h == "" {
		return nil, auth.ErrNotFound
	}
	p, err := r.scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patients WHERE email_hash = $1`, h))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	return p, err
}
