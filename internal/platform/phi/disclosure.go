package phi

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caredesk/caredesk/internal/platform/db"
)

// Disclosure records PHI being shared with a party outside the practice.
// 45 CFR 164.528 requires an accounting of such disclosures for 6 years.
type Disclosure struct {
	ID              uuid.UUID `json:"id"`
	PatientID       uuid.UUID `json:"patient_id"`
	DisclosedTo     string    `json:"disclosed_to"`
	DisclosedToType string    `json:"disclosed_to_type"` // organization, individual, system
	Purpose         string    `json:"purpose"`
	ResourceKinds   []string  `json:"resource_kinds"`
	ResourceIDs     []string  `json:"resource_ids,omitempty"`
	DateDisclosed   time.Time `json:"date_disclosed"`
	DisclosedBy     string    `json:"disclosed_by"`
	Method          string    `json:"method"` // api, export, fax, mail, portal
	Description     string    `json:"description"`
	CreatedAt       time.Time `json:"created_at"`
}

// Disclosure purposes outside treatment, payment, and operations.
const (
	PurposePublicHealth    = "public-health"
	PurposeResearch        = "research"
	PurposeLawEnforcement  = "law-enforcement"
	PurposeJudicial        = "judicial"
	PurposeWorkerComp      = "workers-comp"
	PurposeDecedent        = "decedent"
	PurposeHealthOversight = "health-oversight"
	PurposeOther           = "other"
)

// ValidDisclosurePurposes returns the recognized disclosure purpose values.
func ValidDisclosurePurposes() []string {
	return []string{
		PurposePublicHealth,
		PurposeResearch,
		PurposeLawEnforcement,
		PurposeJudicial,
		PurposeWorkerComp,
		PurposeDecedent,
		PurposeHealthOversight,
		PurposeOther,
	}
}

// IsValidDisclosurePurpose checks whether a purpose string is recognized.
func IsValidDisclosurePurpose(purpose string) bool {
	for _, p := range ValidDisclosurePurposes() {
		if p == purpose {
			return true
		}
	}
	return false
}

func validateDisclosure(d *Disclosure) error {
	if d.PatientID == uuid.Nil {
		return fmt.Errorf("disclosure: patient_id is required")
	}
	if d.DisclosedTo == "" {
		return fmt.Errorf("disclosure: disclosed_to is required")
	}
	if d.Purpose == "" {
		return fmt.Errorf("disclosure: purpose is required")
	}
	if !IsValidDisclosurePurpose(d.Purpose) {
		return fmt.Errorf("disclosure: unknown purpose %q", d.Purpose)
	}
	return nil
}

// DisclosureStore persists and queries disclosure records.
type DisclosureStore interface {
	Record(ctx context.Context, d *Disclosure) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]*Disclosure, error)
	ListAll(ctx context.Context, limit, offset int) ([]*Disclosure, int, error)
}

// DisclosureStorePG stores disclosures in the practice schema's disclosures
// table. Writes go through the practice-scoped connection when one is in the
// context, the pool otherwise.
type DisclosureStorePG struct {
	pool *pgxpool.Pool
}

func NewDisclosureStorePG(pool *pgxpool.Pool) *DisclosureStorePG {
	return &DisclosureStorePG{pool: pool}
}

func (s *DisclosureStorePG) Record(ctx context.Context, d *Disclosure) error {
	if err := validateDisclosure(d); err != nil {
		return err
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.DateDisclosed.IsZero() {
		d.DateDisclosed = time.Now().UTC()
	}

	query := `INSERT INTO disclosures
		(id, patient_id, disclosed_to, disclosed_to_type, purpose, resource_kinds, resource_ids,
		 date_disclosed, disclosed_by, method, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at`

	args := []interface{}{
		d.ID, d.PatientID, d.DisclosedTo, d.DisclosedToType, d.Purpose, d.ResourceKinds,
		d.ResourceIDs, d.DateDisclosed, d.DisclosedBy, d.Method, d.Description,
	}

	if conn := db.ConnFromContext(ctx); conn != nil {
		return conn.QueryRow(ctx, query, args...).Scan(&d.CreatedAt)
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("disclosure store: acquire: %w", err)
	}
	defer conn.Release()
	return conn.QueryRow(ctx, query, args...).Scan(&d.CreatedAt)
}

func (s *DisclosureStorePG) ListByPatient(ctx context.Context, patientID uuid.UUID, from, to time.Time) ([]*Disclosure, error) {
	query := `SELECT id, patient_id, disclosed_to, disclosed_to_type, purpose, resource_kinds,
		resource_ids, date_disclosed, disclosed_by, method, description, created_at
		FROM disclosures WHERE patient_id = $1`
	args := []interface{}{patientID}

	if !from.IsZero() {
		args = append(args, from)
		query += fmt.Sprintf(" AND date_disclosed >= $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		query += fmt.Sprintf(" AND date_disclosed <= $%d", len(args))
	}
	query += " ORDER BY date_disclosed DESC"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("disclosure store: list by patient: %w", err)
	}
	defer rows.Close()
	return scanDisclosures(rows)
}

func (s *DisclosureStorePG) ListAll(ctx context.Context, limit, offset int) ([]*Disclosure, int, error) {
	var total int
	countQuery := "SELECT COUNT(*) FROM disclosures"
	if conn := db.ConnFromContext(ctx); conn != nil {
		if err := conn.QueryRow(ctx, countQuery).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("disclosure store: count: %w", err)
		}
	} else if err := s.pool.QueryRow(ctx, countQuery).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("disclosure store: count: %w", err)
	}

	query := `SELECT id, patient_id, disclosed_to, disclosed_to_type, purpose, resource_kinds,
		resource_ids, date_disclosed, disclosed_by, method, description, created_at
		FROM disclosures ORDER BY created_at DESC LIMIT $1 OFFSET $2`

	rows, err := s.query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("disclosure store: list: %w", err)
	}
	defer rows.Close()

	disclosures, err := scanDisclosures(rows)
	if err != nil {
		return nil, 0, err
	}
	return disclosures, total, nil
}

func (s *DisclosureStorePG) query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	if conn := db.ConnFromContext(ctx); conn != nil {
		return conn.Query(ctx, sql, args...)
	}
	return s.pool.Query(ctx, sql, args...)
}

func scanDisclosures(rows pgx.Rows) ([]*Disclosure, error) {
	var result []*Disclosure
	for rows.Next() {
		var d Disclosure
		if err := rows.Scan(
			&d.ID, &d.PatientID, &d.DisclosedTo, &d.DisclosedToType, &d.Purpose, &d.ResourceKinds,
			&d.ResourceIDs, &d.DateDisclosed, &d.DisclosedBy, &d.Method, &d.Description, &d.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("disclosure store: scan: %w", err)
		}
		result = append(result, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("disclosure store: iterate: %w", err)
	}
	return result, nil
}

// MemoryDisclosureStore is an in-memory DisclosureStore for tests and
// single-instance development setups.
type MemoryDisclosureStore struct {
	mu          sync.RWMutex
	disclosures []*Disclosure
}

func NewMemoryDisclosureStore() *MemoryDisclosureStore {
	return &MemoryDisclosureStore{disclosures: make([]*Disclosure, 0)}
}

func (s *MemoryDisclosureStore) Record(_ context.Context, d *Disclosure) error {
	if err := validateDisclosure(d); err != nil {
		return err
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.DateDisclosed.IsZero() {
		d.DateDisclosed = time.Now().UTC()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.disclosures = append(s.disclosures, d)
	return nil
}

func (s *MemoryDisclosureStore) ListByPatient(_ context.Context, patientID uuid.UUID, from, to time.Time) ([]*Disclosure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Disclosure
	for _, d := range s.disclosures {
		if d.PatientID != patientID {
			continue
		}
		if !from.IsZero() && d.DateDisclosed.Before(from) {
			continue
		}
		if !to.IsZero() && d.DateDisclosed.After(to) {
			continue
		}
		result = append(result, d)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].DateDisclosed.After(result[j].DateDisclosed)
	})
	return result, nil
}

func (s *MemoryDisclosureStore) ListAll(_ context.Context, limit, offset int) ([]*Disclosure, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := len(s.disclosures)
	sorted := make([]*Disclosure, total)
	copy(sorted, s.disclosures)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	if offset >= total {
		return []*Disclosure{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return sorted[offset:end], total, nil
}
