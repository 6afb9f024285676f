package clinicalnote

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists clinical notes. Implementations return
// auth.ErrNotFound for rows that do not exist and keep note content
// encrypted at rest. ListBySession returns summaries without content.
type Repository interface {
	Create(ctx context.Context, n *Note) error
	GetByID(ctx context.Context, id uuid.UUID) (*Note, error)
	Update(ctx context.Context, n *Note) error
	Finalize(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListBySession(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]*Note, int, error)
}
