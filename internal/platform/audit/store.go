package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists audit entries. Append is the only write; the trail is
// never updated in place.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, w Window, f Filter) ([]*Entry, error)
}

// MemoryStore keeps entries in memory for tests and CLI dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append stores a copy of the entry, assigning its ID and creation time.
func (s *MemoryStore) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *e
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	e.ID = stored.ID
	e.CreatedAt = stored.CreatedAt

	s.entries = append(s.entries, &stored)
	return nil
}

// List returns entries inside the window matching the filter, ordered by
// occurrence time.
func (s *MemoryStore) List(_ context.Context, w Window, f Filter) ([]*Entry, error) {
	s.mu.RLock()
	var matched []*Entry
	for _, e := range s.entries {
		if !w.Contains(e.OccurredAt) {
			continue
		}
		if !matchFilter(e, f) {
			continue
		}
		matched = append(matched, e)
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].OccurredAt.Before(matched[j].OccurredAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

// Len reports the stored entry count.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func matchFilter(e *Entry, f Filter) bool {
	if f.PrincipalID != nil && e.PrincipalID != *f.PrincipalID {
		return false
	}
	if f.ResourceKind != "" && e.ResourceKind != f.ResourceKind {
		return false
	}
	if f.ResourceID != nil {
		if e.ResourceID == nil || *e.ResourceID != *f.ResourceID {
			return false
		}
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.BreakGlass != nil && e.BreakGlass != *f.BreakGlass {
		return false
	}
	if f.MinRiskScore > 0 && e.RiskScore < f.MinRiskScore {
		return false
	}
	return true
}
