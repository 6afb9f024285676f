package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Operations captured by change sources.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// ChangeEvent is one data mutation observed independently of the
// application's audit path. The verifier cross-checks these against the
// audit trail.
type ChangeEvent struct {
	ResourceKind string    `json:"resource_kind"`
	ResourceID   uuid.UUID `json:"resource_id"`
	Op           string    `json:"op"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// ChangeSource reports the mutations that happened inside a window.
type ChangeSource interface {
	Changes(ctx context.Context, w Window) ([]ChangeEvent, error)
}

// MemoryChangeSource serves a fixed event list for tests.
type MemoryChangeSource struct {
	Events []ChangeEvent
}

// Changes returns the events whose occurrence time falls in the window.
func (s *MemoryChangeSource) Changes(_ context.Context, w Window) ([]ChangeEvent, error) {
	var out []ChangeEvent
	for _, ev := range s.Events {
		if w.Contains(ev.OccurredAt) {
			out = append(out, ev)
		}
	}
	return out, nil
}
