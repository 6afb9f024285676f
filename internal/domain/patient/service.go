package patient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"

	"github.com/caredesk/caredesk/internal/platform/audit"
	"github.com/caredesk/caredesk/internal/platform/auth"
	"github.com/caredesk/caredesk/internal/platform/db"
	"github.com/caredesk/caredesk/internal/platform/phi"
)

const kind = "patient"

// Service enforces the access rules around patient records: every operation
// resolves the principal, authorization precedes any row access, and every
// mutation lands in the same transaction as its audit entry.
type Service struct {
	repo        Repository
	authz       *auth.Authorizer
	rec         *audit.Recorder
	registry    *phi.Registry
	disclosures phi.DisclosureStore
}

func NewService(repo Repository, authz *auth.Authorizer, rec *audit.Recorder, registry *phi.Registry, disclosures phi.DisclosureStore) *Service {
	if registry == nil {
		registry = phi.NewRegistry(phi.DefaultFieldSets())
	}
	return &Service{
		repo:        repo,
		authz:       authz,
		rec:         rec,
		registry:    registry,
		disclosures: disclosures,
	}
}

// authorize runs the ownership decision and writes a denied entry when it
// comes back as a denial. Recording failure takes precedence over the
// denial itself: an unauditable denial is a sink outage, not a 404.
func (s *Service) authorize(ctx context.Context, id uuid.UUID) error {
	_, err := s.authz.Authorize(ctx, kind, id.String())
	if err == nil {
		return nil
	}
	if errors.Is(err, auth.ErrNotFound) {
		rid := id
		if recErr := s.rec.Record(ctx, audit.Event{
			Action:       audit.ActionDenied,
			ResourceKind: kind,
			ResourceID:   &rid,
			Outcome:      audit.OutcomeFailure,
		}); recErr != nil {
			return recErr
		}
	}
	return err
}

func validate(p *Patient) error {
	var errs errsx.Map
	if p.FirstName == "" {
		errs.Set("first_name", errors.New("is required"))
	}
	if p.LastName == "" {
		errs.Set("last_name", errors.New("is required"))
	}
	return errs.AsError()
}

func (s *Service) Create(ctx context.Context, p *Patient) error {
	prin := auth.PrincipalFromContext(ctx)
	if prin == nil {
		return auth.ErrAuthRequired
	}
	if _, ok := prin.ActiveMembership(db.PracticeFromContext(ctx)); !ok {
		return auth.ErrNotFound
	}
	if err := validate(p); err != nil {
		return err
	}
	if p.TherapistID == uuid.Nil {
		p.TherapistID = prin.ID
	}
	return db.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, p); err != nil {
			return err
		}
		return s.rec.Record(ctx, audit.Event{
			Action:       audit.ActionCreate,
			ResourceKind: kind,
			ResourceID:   &p.ID,
			PHIFields:    s.registry.FieldsFor(kind),
		})
	})
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	if err := s.authorize(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.GetByID(ctx, id)
}

func (s *Service) Update(ctx context.Context, p *Patient) (*Patient, error) {
	if err := s.authorize(ctx, p.ID); err != nil {
		return nil, err
	}
	if err := validate(p); err != nil {
		return nil, err
	}
	existing, err := s.repo.GetByID(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	// Omitted therapist keeps the current one; a different id transfers
	// the caseload, which the cache invalidation below makes visible.
	if p.TherapistID == uuid.Nil {
		p.TherapistID = existing.TherapistID
	}
	changed := changedPHI(existing, p)

	err = db.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Update(ctx, p); err != nil {
			return err
		}
		return s.rec.Record(ctx, audit.Event{
			Action:       audit.ActionUpdate,
			ResourceKind: kind,
			ResourceID:   &p.ID,
			PHIFields:    changed,
		})
	})
	if err != nil {
		return nil, err
	}
	s.authz.Cache().Invalidate(ctx, kind, p.ID)
	return p, nil
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.authorize(ctx, id); err != nil {
		return err
	}
	err := db.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Delete(ctx, id); err != nil {
			return err
		}
		rid := id
		return s.rec.Record(ctx, audit.Event{
			Action:       audit.ActionDelete,
			ResourceKind: kind,
			ResourceID:   &rid,
		})
	})
	if err != nil {
		return err
	}
	s.authz.Cache().Invalidate(ctx, kind, id)
	return nil
}

// List returns patient summaries. Without the view-all-patients capability
// the caller sees only their own caseload, whatever filter they asked for.
func (s *Service) List(ctx context.Context, therapistID *uuid.UUID, limit, offset int) ([]*Patient, int, error) {
	prin := auth.PrincipalFromContext(ctx)
	if prin == nil {
		return nil, 0, auth.ErrAuthRequired
	}
	practiceID := db.PracticeFromContext(ctx)
	if _, ok := prin.ActiveMembership(practiceID); !ok {
		return nil, 0, auth.ErrNotFound
	}
	if !prin.HasCapability(practiceID, auth.CapViewAllPatients) {
		tid := prin.ID
		therapistID = &tid
	}
	return s.repo.List(ctx, therapistID, limit, offset)
}

// FindByEmail looks a patient up through the email hash column. The result
// is released only after the ownership check; a match the caller does not
// own answers exactly like no match at all.
func (s *Service) FindByEmail(ctx context.Context, email string) (*Patient, error) {
	if auth.PrincipalFromContext(ctx) == nil {
		return nil, auth.ErrAuthRequired
	}
	if email == "" {
		var errs errsx.Map
		errs.Set("email", errors.New("is required"))
		return nil, errs.AsError()
	}
	p, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, p.ID); err != nil {
		return nil, err
	}
	return p, nil
}

// BulkGet fetches several patients at once with all-or-nothing semantics:
// one inaccessible id denies the whole batch.
func (s *Service) BulkGet(ctx context.Context, rawIDs []string) ([]*Patient, error) {
	if len(rawIDs) == 0 {
		var errs errsx.Map
		errs.Set("ids", errors.New("are required"))
		return nil, errs.AsError()
	}
	grants, err := s.authz.AuthorizeAll(ctx, kind, rawIDs)
	if err != nil {
		if errors.Is(err, auth.ErrIncompleteBatch) {
			if recErr := s.rec.Record(ctx, audit.Event{
				Action:       audit.ActionDenied,
				ResourceKind: kind,
				Outcome:      audit.OutcomeFailure,
			}); recErr != nil {
				return nil, recErr
			}
		}
		return nil, err
	}
	ids := make([]uuid.UUID, len(grants))
	for i, g := range grants {
		ids[i] = g.ID
	}
	items, err := s.repo.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	// A row that vanished between authorization and fetch voids the batch
	// the same way a denial does.
	if len(items) != len(ids) {
		return nil, auth.ErrIncompleteBatch
	}
	return items, nil
}

// Export releases a patient's record to a named outside party. The
// disclosure accounting row, the export audit entry, and the read happen
// together or not at all.
func (s *Service) Export(ctx context.Context, id uuid.UUID, disclosedTo, purpose string) (*Patient, error) {
	if err := s.authorize(ctx, id); err != nil {
		return nil, err
	}
	var errs errsx.Map
	if disclosedTo == "" {
		errs.Set("to", errors.New("is required"))
	}
	if !phi.IsValidDisclosurePurpose(purpose) {
		errs.Set("purpose", fmt.Errorf("must be one of %v", phi.ValidDisclosurePurposes()))
	}
	if err := errs.AsError(); err != nil {
		return nil, err
	}

	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	prin := auth.PrincipalFromContext(ctx)
	err = db.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.disclosures.Record(ctx, &phi.Disclosure{
			PatientID:     id,
			DisclosedTo:   disclosedTo,
			Purpose:       purpose,
			ResourceKinds: []string{kind},
			ResourceIDs:   []string{id.String()},
			DisclosedBy:   prin.Name,
			Method:        "api",
		}); err != nil {
			return err
		}
		rid := id
		return s.rec.Record(ctx, audit.Event{
			Action:       audit.ActionExport,
			ResourceKind: kind,
			ResourceID:   &rid,
			PHIFields:    s.registry.FieldsFor(kind),
			Reason:       "disclosure to " + disclosedTo,
		})
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Disclosures returns the accounting-of-disclosures history for a patient.
func (s *Service) Disclosures(ctx context.Context, id uuid.UUID) ([]*phi.Disclosure, error) {
	if err := s.authorize(ctx, id); err != nil {
		return nil, err
	}
	return s.disclosures.ListByPatient(ctx, id, time.Time{}, time.Time{})
}

// changedPHI lists the protected fields whose values differ between the
// stored row and the incoming one, in registry naming.
func changedPHI(old, new *Patient) []string {
	var fields []string
	if !ptrEq(old.Email, new.Email) {
		fields = append(fields, "email")
	}
	if !ptrEq(old.Phone, new.Phone) {
		fields = append(fields, "phone")
	}
	if !ptrEq(old.EmergencyContact, new.EmergencyContact) {
		fields = append(fields, "emergency_contact")
	}
	return fields
}

func ptrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
