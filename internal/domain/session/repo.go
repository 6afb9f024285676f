package session

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists session records. Implementations return
// auth.ErrNotFound for rows that do not exist.
type Repository interface {
	Create(ctx context.Context, rec *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, status string, limit, offset int) ([]*Record, int, error)
}
