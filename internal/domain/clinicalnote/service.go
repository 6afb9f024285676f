package clinicalnote

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"

	"github.com/caredesk/caredesk/internal/platform/audit"
	"github.com/caredesk/caredesk/internal/platform/auth"
	"github.com/caredesk/caredesk/internal/platform/db"
	"github.com/caredesk/caredesk/internal/platform/phi"
)

const (
	kind       = "clinical_note"
	parentKind = "session"
)

// Service owns the note workflow. A note has no owner of its own; every
// decision walks up through the session to the patient's clinician.
type Service struct {
	repo     Repository
	authz    *auth.Authorizer
	rec      *audit.Recorder
	registry *phi.Registry
}

func NewService(repo Repository, authz *auth.Authorizer, rec *audit.Recorder, registry *phi.Registry) *Service {
	if registry == nil {
		registry = phi.NewRegistry(phi.DefaultFieldSets())
	}
	return &Service{
		repo:     repo,
		authz:    authz,
		rec:      rec,
		registry: registry,
	}
}

func (s *Service) authorize(ctx context.Context, kindName string, id uuid.UUID) error {
	_, err := s.authz.Authorize(ctx, kindName, id.String())
	if err == nil {
		return nil
	}
	if errors.Is(err, auth.ErrNotFound) {
		rid := id
		if recErr := s.rec.Record(ctx, audit.Event{
			Action:       audit.ActionDenied,
			ResourceKind: kindName,
			ResourceID:   &rid,
			Outcome:      audit.OutcomeFailure,
		}); recErr != nil {
			return recErr
		}
	}
	return err
}

func validate(n *Note) error {
	var errs errsx.Map
	if n.SessionRecordID == uuid.Nil {
		errs.Set("session_record_id", errors.New("is required"))
	}
	if n.Content == nil || *n.Content == "" {
		errs.Set("content", errors.New("is required"))
	}
	return errs.AsError()
}

// Create attaches a note to a session the caller can access.
func (s *Service) Create(ctx context.Context, n *Note) error {
	prin := auth.PrincipalFromContext(ctx)
	if prin == nil {
		return auth.ErrAuthRequired
	}
	if err := validate(n); err != nil {
		return err
	}
	if err := s.authorize(ctx, parentKind, n.SessionRecordID); err != nil {
		return err
	}
	n.AuthorID = prin.ID
	n.Finalized = false
	n.FinalizedAt = nil

	return db.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.repo.Create(txCtx, n); err != nil {
			return err
		}
		rid := n.ID
		return s.rec.Record(txCtx, audit.Event{
			Action:       audit.ActionCreate,
			ResourceKind: kind,
			ResourceID:   &rid,
			PHIFields:    s.registry.FieldsFor(kind),
			Outcome:      audit.OutcomeSuccess,
		})
	})
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Note, error) {
	if err := s.authorize(ctx, kind, id); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, id)
}

// Update replaces the note's content. Everything else on the record is
// immutable; a finalized note rejects the edit outright.
func (s *Service) Update(ctx context.Context, n *Note) (*Note, error) {
	if err := s.authorize(ctx, kind, n.ID); err != nil {
		return nil, err
	}
	existing, err := s.repo.GetByID(ctx, n.ID)
	if err != nil {
		return nil, err
	}
	if existing.Finalized {
		return nil, ErrFinalized
	}

	updated := *existing
	updated.Content = n.Content
	if err := validate(&updated); err != nil {
		return nil, err
	}

	var changed []string
	if existing.Content == nil || *existing.Content != *updated.Content {
		changed = append(changed, "content")
	}

	err = db.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.repo.Update(txCtx, &updated); err != nil {
			return err
		}
		rid := updated.ID
		return s.rec.Record(txCtx, audit.Event{
			Action:       audit.ActionUpdate,
			ResourceKind: kind,
			ResourceID:   &rid,
			PHIFields:    changed,
			Outcome:      audit.OutcomeSuccess,
		})
	})
	if err != nil {
		return nil, err
	}
	s.authz.Cache().Invalidate(ctx, kind, updated.ID)
	return &updated, nil
}

// Finalize locks the note. Finalizing an already finalized note is a
// no-op: nothing changes, so nothing is recorded.
func (s *Service) Finalize(ctx context.Context, id uuid.UUID) (*Note, error) {
	if err := s.authorize(ctx, kind, id); err != nil {
		return nil, err
	}
	existing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.Finalized {
		return existing, nil
	}

	err = db.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.repo.Finalize(txCtx, id); err != nil {
			return err
		}
		rid := id
		return s.rec.Record(txCtx, audit.Event{
			Action:       audit.ActionUpdate,
			ResourceKind: kind,
			ResourceID:   &rid,
			Outcome:      audit.OutcomeSuccess,
		})
	})
	if err != nil {
		return nil, err
	}
	s.authz.Cache().Invalidate(ctx, kind, id)
	return s.repo.GetByID(ctx, id)
}

// Delete removes the note. Finalized notes can be deleted; retention is
// enforced at the practice level, not here.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.authorize(ctx, kind, id); err != nil {
		return err
	}
	err := db.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.repo.Delete(txCtx, id); err != nil {
			return err
		}
		rid := id
		return s.rec.Record(txCtx, audit.Event{
			Action:       audit.ActionDelete,
			ResourceKind: kind,
			ResourceID:   &rid,
			Outcome:      audit.OutcomeSuccess,
		})
	})
	if err != nil {
		return err
	}
	s.authz.Cache().Invalidate(ctx, kind, id)
	return nil
}

// ListBySession returns the session's notes as summaries without content.
func (s *Service) ListBySession(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]*Note, int, error) {
	if err := s.authorize(ctx, parentKind, sessionID); err != nil {
		return nil, 0, err
	}
	return s.repo.ListBySession(ctx, sessionID, limit, offset)
}
