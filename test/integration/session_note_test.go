package integration

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/caredesk/caredesk/internal/domain/clinicalnote"
	"github.com/caredesk/caredesk/internal/domain/session"
	"github.com/caredesk/caredesk/internal/platform/audit"
	"github.com/caredesk/caredesk/internal/platform/auth"
	"github.com/caredesk/caredesk/internal/platform/db"
)

func TestSessionFlow(t *testing.T) {
	ctx := context.Background()
	practiceID := uniquePracticeID("sess")
	createPracticeSchema(t, ctx, practiceID)
	defer dropPracticeSchema(t, ctx, practiceID)

	env := newTestEnv(t)
	alice := newTherapist("Dr. Alice Moreau", practiceID)
	bob := newTherapist("Dr. Bob Ellery", practiceID)
	dana := createTestPatient(t, env, practiceID, alice, "Dana", "Whitfield", nil)

	var first *session.Record

	t.Run("create defaults the status and therapist", func(t *testing.T) {
		first = createTestSession(t, env, practiceID, alice, dana.ID, nil)
		if first.Status != session.StatusScheduled {
			t.Errorf("status = %q, want scheduled", first.Status)
		}
		if first.TherapistID == nil || *first.TherapistID != alice.ID {
			t.Errorf("therapist = %v, want creating principal %s", first.TherapistID, alice.ID)
		}

		entries := auditEntries(t, env, practiceID, audit.Filter{
			Action:     audit.ActionCreate,
			ResourceID: ptrUUID(first.ID),
		})
		if len(entries) != 1 {
			t.Fatalf("got %d create entries, want 1", len(entries))
		}
		if entries[0].ResourceKind != "session" {
			t.Errorf("resource kind = %q, want session", entries[0].ResourceKind)
		}
		if len(entries[0].PHIFields) != 0 {
			t.Errorf("session entry claims PHI fields %v", entries[0].PHIFields)
		}
	})

	t.Run("update transitions the status", func(t *testing.T) {
		upd := *first
		upd.Status = session.StatusCompleted
		upd.DurationMinutes = 50
		var got *session.Record
		err := withPracticeConn(principalCtx(alice), practiceID, func(ctx context.Context) error {
			var err error
			got, err = env.sessions.Update(ctx, &upd)
			return err
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if got.Status != session.StatusCompleted || got.DurationMinutes != 50 {
			t.Errorf("got status=%q duration=%d, want completed/50", got.Status, got.DurationMinutes)
		}
	})

	t.Run("moving a session to another patient is rejected", func(t *testing.T) {
		mia := createTestPatient(t, env, practiceID, alice, "Mia", "Okafor", nil)
		upd := *first
		upd.PatientID = mia.ID
		err := withPracticeConn(principalCtx(alice), practiceID, func(ctx context.Context) error {
			_, err := env.sessions.Update(ctx, &upd)
			return err
		})
		if err == nil {
			t.Fatal("expected an error moving the session")
		}
		if errors.Is(err, auth.ErrNotFound) {
			t.Errorf("move rejected as not-found, want a validation error: %v", err)
		}
	})

	t.Run("a covering therapist's session stays reachable through the patient", func(t *testing.T) {
		coveringID := uuid.New()
		covered := createTestSession(t, env, practiceID, alice, dana.ID, ptrUUID(coveringID))

		err := withPracticeConn(principalCtx(alice), practiceID, func(ctx context.Context) error {
			_, err := env.sessions.Get(ctx, covered.ID)
			return err
		})
		if err != nil {
			t.Errorf("patient's therapist cannot reach covered session: %v", err)
		}

		err = withPracticeConn(principalCtx(bob), practiceID, func(ctx context.Context) error {
			_, err := env.sessions.Get(ctx, covered.ID)
			return err
		})
		if !errors.Is(err, auth.ErrNotFound) {
			t.Errorf("unrelated therapist: got %v, want ErrNotFound", err)
		}
	})

	t.Run("list by patient filters on status", func(t *testing.T) {
		var all, completed []*session.Record
		err := withPracticeConn(principalCtx(alice), practiceID, func(ctx context.Context) error {
			var err error
			all, _, err = env.sessions.ListByPatient(ctx, dana.ID, "", 50, 0)
			if err != nil {
				return err
			}
			completed, _, err = env.sessions.ListByPatient(ctx, dana.ID, session.StatusCompleted, 50, 0)
			return err
		})
		if err != nil {
			t.Fatalf("list by patient: %v", err)
		}
		if len(all) != 2 {
			t.Errorf("got %d sessions, want 2", len(all))
		}
		if len(completed) != 1 {
			t.Errorf("got %d completed sessions, want 1", len(completed))
		}
	})
}

func TestClinicalNoteFlow(t *testing.T) {
	ctx := context.Background()
	practiceID := uniquePracticeID("note")
	createPracticeSchema(t, ctx, practiceID)
	defer dropPracticeSchema(t, ctx, practiceID)

	env := newTestEnv(t)
	alice := newTherapist("Dr. Alice Moreau", practiceID)
	bob := newTherapist("Dr. Bob Ellery", practiceID)
	dana := createTestPatient(t, env, practiceID, alice, "Dana", "Whitfield", nil)
	visit := createTestSession(t, env, practiceID, alice, dana.ID, nil)

	const intake = "Initial intake. Client presents with persistent insomnia."
	note := createTestNote(t, env, practiceID, alice, visit.ID, intake)

	t.Run("content is encrypted at rest", func(t *testing.T) {
		var stored *string
		err := withPracticeConn(ctx, practiceID, func(ctx context.Context) error {
			return db.ConnFromContext(ctx).QueryRow(ctx,
				`SELECT content FROM clinical_notes WHERE id = $1`, note.ID).Scan(&stored)
		})
		if err != nil {
			t.Fatalf("read raw row: %v", err)
		}
		if stored == nil || *stored == "" {
			t.Fatal("expected an encrypted content column")
		}
		if strings.Contains(*stored, "insomnia") {
			t.Error("note content stored in plaintext")
		}
	})

	t.Run("access resolves through the session and its patient", func(t *testing.T) {
		var got *clinicalnote.Note
		err := withPracticeConn(principalCtx(alice), practiceID, func(ctx context.Context) error {
			var err error
			got, err = env.notes.Get(ctx, note.ID)
			return err
		})
		if err != nil {
			t.Fatalf("get as author: %v", err)
		}
		if got.Content == nil || *got.Content != intake {
			t.Errorf("content = %v, want the intake text", got.Content)
		}

		err = withPracticeConn(principalCtx(bob), practiceID, func(ctx context.Context) error {
			_, err := env.notes.Get(ctx, note.ID)
			return err
		})
		if !errors.Is(err, auth.ErrNotFound) {
			t.Fatalf("unrelated therapist: got %v, want ErrNotFound", err)
		}
		denied := auditEntries(t, env, practiceID, audit.Filter{
			Action:     audit.ActionDenied,
			ResourceID: ptrUUID(note.ID),
		})
		if len(denied) != 1 {
			t.Errorf("got %d denied entries for the note, want 1", len(denied))
		}
	})

	t.Run("update rewrites the content before finalization", func(t *testing.T) {
		err := withPracticeConn(principalCtx(alice), practiceID, func(ctx context.Context) error {
			_, err := env.notes.Update(ctx, &clinicalnote.Note{
				ID:      note.ID,
				Content: ptrStr(intake + " Sleep hygiene plan discussed."),
			})
			return err
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		updates := auditEntries(t, env, practiceID, audit.Filter{
			Action:     audit.ActionUpdate,
			ResourceID: ptrUUID(note.ID),
		})
		if len(updates) != 1 {
			t.Fatalf("got %d update entries, want 1", len(updates))
		}
		if len(updates[0].PHIFields) != 1 || updates[0].PHIFields[0] != "content" {
			t.Errorf("changed fields = %v, want [content]", updates[0].PHIFields)
		}
	})

	t.Run("finalize locks the note one way", func(t *testing.T) {
		var finalized *clinicalnote.Note
		err := withPracticeConn(principalCtx(alice), practiceID, func(ctx context.Context) error {
			var err error
			finalized, err = env.notes.Finalize(ctx, note.ID)
			return err
		})
		if err != nil {
			t.Fatalf("finalize: %v", err)
		}
		if !finalized.Finalized || finalized.FinalizedAt == nil {
			t.Errorf("finalized=%v at=%v, want locked with timestamp", finalized.Finalized, finalized.FinalizedAt)
		}

		err = withPracticeConn(principalCtx(alice), practiceID, func(ctx context.Context) error {
			_, err := env.notes.Update(ctx, &clinicalnote.Note{
				ID:      note.ID,
				Content: ptrStr("revisionist history"),
			})
			return err
		})
		if !errors.Is(err, clinicalnote.ErrFinalized) {
			t.Errorf("edit after finalize: got %v, want ErrFinalized", err)
		}

		// Finalizing again changes nothing and records nothing.
		err = withPracticeConn(principalCtx(alice), practiceID, func(ctx context.Context) error {
			_, err := env.notes.Finalize(ctx, note.ID)
			return err
		})
		if err != nil {
			t.Fatalf("second finalize: %v", err)
		}
		updates := auditEntries(t, env, practiceID, audit.Filter{
			Action:     audit.ActionUpdate,
			ResourceID: ptrUUID(note.ID),
		})
		if len(updates) != 2 {
			t.Errorf("got %d update entries after double finalize, want 2 (content edit + first finalize)", len(updates))
		}
	})

	t.Run("finalized notes can still be deleted", func(t *testing.T) {
		err := withPracticeConn(principalCtx(alice), practiceID, func(ctx context.Context) error {
			return env.notes.Delete(ctx, note.ID)
		})
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		var count int
		err = withPracticeConn(ctx, practiceID, func(ctx context.Context) error {
			return db.ConnFromContext(ctx).QueryRow(ctx,
				`SELECT COUNT(*) FROM clinical_notes WHERE id = $1`, note.ID).Scan(&count)
		})
		if err != nil {
			t.Fatalf("count rows: %v", err)
		}
		if count != 0 {
			t.Error("note row still present after delete")
		}
	})

	t.Run("list by session omits content", func(t *testing.T) {
		createTestNote(t, env, practiceID, alice, visit.ID, "Follow-up. CBT-I worksheet reviewed.")
		var items []*clinicalnote.Note
		err := withPracticeConn(principalCtx(alice), practiceID, func(ctx context.Context) error {
			var err error
			items, _, err = env.notes.ListBySession(ctx, visit.ID, 50, 0)
			return err
		})
		if err != nil {
			t.Fatalf("list by session: %v", err)
		}
		if len(items) != 1 {
			t.Fatalf("got %d notes, want 1", len(items))
		}
		if items[0].Content != nil {
			t.Error("list row carries note content")
		}
	})
}
