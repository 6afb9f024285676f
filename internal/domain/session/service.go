package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"

	"github.com/caredesk/caredesk/internal/platform/audit"
	"github.com/caredesk/caredesk/internal/platform/auth"
	"github.com/caredesk/caredesk/internal/platform/db"
	"github.com/caredesk/caredesk/internal/platform/phi"
)

const (
	kind       = "session"
	parentKind = "patient"
)

// Service owns the session workflow: authorization against the record or
// its patient, persistence, and the audit entry every mutation leaves
// behind. Scheduling concerns like conflict detection live elsewhere.
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

// authorize runs the ownership decision for the given kind and writes a
// denied entry when it comes back as a denial. Recording failure takes
// precedence over the denial itself.
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

func validate(rec *Record) error {
	var errs errsx.Map
	if rec.PatientID == uuid.Nil {
		errs.Set("patient_id", errors.New("is required"))
	}
	if rec.OccurredAt.IsZero() {
		errs.Set("occurred_at", errors.New("is required"))
	}
	if rec.DurationMinutes < 0 {
		errs.Set("duration_minutes", errors.New("cannot be negative"))
	}
	if !validStatuses[rec.Status] {
		errs.Set("status", fmt.Errorf("must be one of scheduled, completed, cancelled, no_show"))
	}
	if rec.Modality != "" && !validModalities[rec.Modality] {
		errs.Set("modality", fmt.Errorf("must be one of in_person, video, phone"))
	}
	return errs.AsError()
}

// Create records a session for a patient the caller can access. A caller
// who cannot see the patient cannot schedule against them either.
func (s *Service) Create(ctx context.Context, rec *Record) error {
	prin := auth.PrincipalFromContext(ctx)
	if prin == nil {
		return auth.ErrAuthRequired
	}
	if rec.Status == "" {
		rec.Status = StatusScheduled
	}
	if err := validate(rec); err != nil {
		return err
	}
	if err := s.authorize(ctx, parentKind, rec.PatientID); err != nil {
		return err
	}
	if rec.TherapistID == nil {
		rec.TherapistID = &prin.ID
	}

	return db.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.repo.Create(txCtx, rec); err != nil {
			return err
		}
		rid := rec.ID
		return s.rec.Record(txCtx, audit.Event{
			Action:       audit.ActionCreate,
			ResourceKind: kind,
			ResourceID:   &rid,
			PHIFields:    s.registry.FieldsFor(kind),
			Outcome:      audit.OutcomeSuccess,
		})
	})
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	if err := s.authorize(ctx, kind, id); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, id)
}

// Update changes the session's time, duration, status, and modality. The
// record stays attached to its patient and therapist for life; moving it
// is rejected rather than silently ignored.
func (s *Service) Update(ctx context.Context, rec *Record) (*Record, error) {
	if err := s.authorize(ctx, kind, rec.ID); err != nil {
		return nil, err
	}
	existing, err := s.repo.GetByID(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	if rec.PatientID != uuid.Nil && rec.PatientID != existing.PatientID {
		var errs errsx.Map
		errs.Set("patient_id", errors.New("cannot move a session to another patient"))
		return nil, errs.AsError()
	}

	updated := *existing
	updated.OccurredAt = rec.OccurredAt
	updated.DurationMinutes = rec.DurationMinutes
	updated.Status = rec.Status
	updated.Modality = rec.Modality
	if updated.Status == "" {
		updated.Status = existing.Status
	}
	if err := validate(&updated); err != nil {
		return nil, err
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
			PHIFields:    s.registry.FieldsFor(kind),
			Outcome:      audit.OutcomeSuccess,
		})
	})
	if err != nil {
		return nil, err
	}
	s.authz.Cache().Invalidate(ctx, kind, updated.ID)
	return &updated, nil
}

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

// ListByPatient returns the patient's sessions, newest first. Access to
// the list is access to the patient.
func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, status string, limit, offset int) ([]*Record, int, error) {
	if status != "" && !validStatuses[status] {
		var errs errsx.Map
		errs.Set("status", fmt.Errorf("must be one of scheduled, completed, cancelled, no_show"))
		return nil, 0, errs.AsError()
	}
	if err := s.authorize(ctx, parentKind, patientID); err != nil {
		return nil, 0, err
	}
	return s.repo.ListByPatient(ctx, patientID, status, limit, offset)
}
