package patient

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the persistence surface for patients. Implementations
// return auth.ErrNotFound for a missing row so callers cannot tell it
// apart from a denied one.
type Repository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetMany(ctx context.Context, ids []uuid.UUID) ([]*Patient, error)
	Update(ctx context.Context, p *Patient) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, therapistID *uuid.UUID, limit, offset int) ([]*Patient, int, error)
	FindByEmail(ctx context.Context, email string) (*Patient, error)
}
