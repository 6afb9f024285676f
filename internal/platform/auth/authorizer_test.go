package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/caredesk/caredesk/internal/platform/db"
)

// fakeRow models one resource row. A Nil owner stands for a null owner
// column; a Nil parent means the row has no parent reference.
type fakeRow struct {
	owner  uuid.UUID
	parent uuid.UUID
}

type fakeStore struct {
	rows        map[string]map[uuid.UUID]fakeRow
	directCalls int
	chainCalls  int
	err         error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[string]map[uuid.UUID]fakeRow{}}
}

func (s *fakeStore) add(kind string, id uuid.UUID, row fakeRow) {
	if s.rows[kind] == nil {
		s.rows[kind] = map[uuid.UUID]fakeRow{}
	}
	s.rows[kind][id] = row
}

func (s *fakeStore) OwnsDirect(_ context.Context, kind Kind, id, principalID uuid.UUID) (bool, error) {
	s.directCalls++
	if s.err != nil {
		return false, s.err
	}
	r, ok := s.rows[kind.Name][id]
	return ok && r.owner != uuid.Nil && r.owner == principalID, nil
}

func (s *fakeStore) OwnsThrough(_ context.Context, kind Kind, chain []Kind, depth int, id, principalID uuid.UUID) (bool, error) {
	s.chainCalls++
	if s.err != nil {
		return false, s.err
	}
	r, ok := s.rows[kind.Name][id]
	if !ok {
		return false, nil
	}
	cur := r
	for i := 0; i < depth; i++ {
		parent, ok := s.rows[chain[i].Name][cur.parent]
		if !ok {
			return false, nil
		}
		cur = parent
	}
	return cur.owner != uuid.Nil && cur.owner == principalID, nil
}

func testRegistry(t *testing.T) *KindRegistry {
	t.Helper()
	reg, err := NewKindRegistry(DefaultKinds())
	if err != nil {
		t.Fatalf("NewKindRegistry: %v", err)
	}
	return reg
}

func testPrincipal(practice string) *Principal {
	return &Principal{
		ID:   uuid.New(),
		Name: "Test Therapist",
		Memberships: []Membership{
			{PracticeID: practice, Status: MembershipActive, Role: "therapist"},
		},
	}
}

func testCtx(p *Principal, practice string) context.Context {
	ctx := context.Background()
	if practice != "" {
		ctx = db.WithPractice(ctx, practice)
	}
	if p != nil {
		ctx = WithPrincipal(ctx, p)
	}
	return ctx
}

func TestAuthorize_RequiresPrincipal(t *testing.T) {
	a := NewAuthorizer(testRegistry(t), newFakeStore(), nil, nil)

	_, err := a.Authorize(testCtx(nil, "north"), "patient", uuid.NewString())
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("got %v, want ErrAuthRequired", err)
	}
}

func TestAuthorize_NoActiveMembership(t *testing.T) {
	store := newFakeStore()
	a := NewAuthorizer(testRegistry(t), store, nil, nil)

	p := testPrincipal("north")
	patientID := uuid.New()
	store.add("patient", patientID, fakeRow{owner: p.ID})

	tests := []struct {
		name      string
		principal *Principal
		practice  string
	}{
		{"different practice", p, "south"},
		{
			"invited but not active",
			&Principal{ID: p.ID, Memberships: []Membership{
				{PracticeID: "north", Status: MembershipInvited, Role: "therapist"},
			}},
			"north",
		},
		{
			"revoked membership",
			&Principal{ID: p.ID, Memberships: []Membership{
				{PracticeID: "north", Status: MembershipRevoked, Role: "therapist"},
			}},
			"north",
		},
		{"no memberships at all", &Principal{ID: p.ID}, "north"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Authorize(testCtx(tt.principal, tt.practice), "patient", patientID.String())
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("got %v, want ErrNotFound", err)
			}
		})
	}

	// Membership is checked before any query runs.
	if store.directCalls != 0 || store.chainCalls != 0 {
		t.Fatalf("store queried %d/%d times, want 0/0", store.directCalls, store.chainCalls)
	}
}

func TestAuthorize_InvalidID(t *testing.T) {
	a := NewAuthorizer(testRegistry(t), newFakeStore(), nil, nil)
	p := testPrincipal("north")

	for _, raw := range []string{"", "not-a-uuid", "123", "xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx"} {
		_, err := a.Authorize(testCtx(p, "north"), "patient", raw)
		if !errors.Is(err, ErrInvalidID) {
			t.Errorf("Authorize(%q): got %v, want ErrInvalidID", raw, err)
		}
	}
}

func TestAuthorize_DirectOwnership(t *testing.T) {
	store := newFakeStore()
	a := NewAuthorizer(testRegistry(t), store, nil, nil)

	p := testPrincipal("north")
	patientID := uuid.New()
	store.add("patient", patientID, fakeRow{owner: p.ID})

	grant, err := a.Authorize(testCtx(p, "north"), "patient", patientID.String())
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if grant.Via != ViaDirect {
		t.Errorf("grant via %q, want %q", grant.Via, ViaDirect)
	}
	if grant.ID != patientID {
		t.Errorf("grant id %s, want %s", grant.ID, patientID)
	}
}

func TestAuthorize_AbsentAndForeignLookIdentical(t *testing.T) {
	store := newFakeStore()
	a := NewAuthorizer(testRegistry(t), store, nil, nil)

	p := testPrincipal("north")
	someoneElse := uuid.New()
	foreignID := uuid.New()
	store.add("patient", foreignID, fakeRow{owner: someoneElse})

	ctx := testCtx(p, "north")

	_, errForeign := a.Authorize(ctx, "patient", foreignID.String())
	_, errAbsent := a.Authorize(ctx, "patient", uuid.NewString())

	if !errors.Is(errForeign, ErrNotFound) || !errors.Is(errAbsent, ErrNotFound) {
		t.Fatalf("got foreign=%v absent=%v, want ErrNotFound for both", errForeign, errAbsent)
	}
	if errForeign.Error() != errAbsent.Error() {
		t.Errorf("error messages differ: %q vs %q", errForeign, errAbsent)
	}
}

func TestAuthorize_CacheHit(t *testing.T) {
	t.Run("own entry allows with zero queries", func(t *testing.T) {
		store := newFakeStore()
		cache := NewMemoryCache(time.Minute, 64)
		a := NewAuthorizer(testRegistry(t), store, cache, nil)

		p := testPrincipal("north")
		patientID := uuid.New()
		ctx := testCtx(p, "north")
		cache.Put(ctx, "patient", patientID, p.ID)

		grant, err := a.Authorize(ctx, "patient", patientID.String())
		if err != nil {
			t.Fatalf("Authorize: %v", err)
		}
		if grant.Via != ViaCache {
			t.Errorf("grant via %q, want %q", grant.Via, ViaCache)
		}
		if store.directCalls != 0 || store.chainCalls != 0 {
			t.Errorf("store queried %d/%d times, want 0/0", store.directCalls, store.chainCalls)
		}
	})

	t.Run("foreign entry denies with zero queries", func(t *testing.T) {
		store := newFakeStore()
		cache := NewMemoryCache(time.Minute, 64)
		a := NewAuthorizer(testRegistry(t), store, cache, nil)

		p := testPrincipal("north")
		patientID := uuid.New()
		ctx := testCtx(p, "north")
		cache.Put(ctx, "patient", patientID, uuid.New())

		// The row exists and the principal owns it, but the cache says
		// otherwise: the stale entry wins until it expires or is
		// invalidated.
		store.add("patient", patientID, fakeRow{owner: p.ID})

		_, err := a.Authorize(ctx, "patient", patientID.String())
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("got %v, want ErrNotFound", err)
		}
		if store.directCalls != 0 || store.chainCalls != 0 {
			t.Errorf("store queried %d/%d times, want 0/0", store.directCalls, store.chainCalls)
		}
	})

	t.Run("grant populates the cache", func(t *testing.T) {
		store := newFakeStore()
		cache := NewMemoryCache(time.Minute, 64)
		a := NewAuthorizer(testRegistry(t), store, cache, nil)

		p := testPrincipal("north")
		patientID := uuid.New()
		store.add("patient", patientID, fakeRow{owner: p.ID})
		ctx := testCtx(p, "north")

		if _, err := a.Authorize(ctx, "patient", patientID.String()); err != nil {
			t.Fatalf("first Authorize: %v", err)
		}
		grant, err := a.Authorize(ctx, "patient", patientID.String())
		if err != nil {
			t.Fatalf("second Authorize: %v", err)
		}
		if grant.Via != ViaCache {
			t.Errorf("second grant via %q, want %q", grant.Via, ViaCache)
		}
		if store.directCalls != 1 {
			t.Errorf("direct queries %d, want 1", store.directCalls)
		}
	})
}

func TestAuthorize_SessionOwnership(t *testing.T) {
	p := testPrincipal("north")
	patientOwner := p.ID
	otherTherapist := uuid.New()

	patientID := uuid.New()
	sessionID := uuid.New()

	tests := []struct {
		name         string
		sessionOwner uuid.UUID
		patientOwner uuid.UUID
		wantVia      string
		wantErr      error
	}{
		{"owned directly", p.ID, otherTherapist, ViaDirect, nil},
		{"null owner resolves through patient", uuid.Nil, patientOwner, ViaChain, nil},
		{"foreign owner but own patient", otherTherapist, patientOwner, ViaChain, nil},
		{"foreign all the way up", otherTherapist, otherTherapist, "", ErrNotFound},
		{"null owner and foreign patient", uuid.Nil, otherTherapist, "", ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			store.add("patient", patientID, fakeRow{owner: tt.patientOwner})
			store.add("session", sessionID, fakeRow{owner: tt.sessionOwner, parent: patientID})
			a := NewAuthorizer(testRegistry(t), store, nil, nil)

			grant, err := a.Authorize(testCtx(p, "north"), "session", sessionID.String())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("got %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authorize: %v", err)
			}
			if grant.Via != tt.wantVia {
				t.Errorf("grant via %q, want %q", grant.Via, tt.wantVia)
			}
		})
	}
}

func TestAuthorize_ClinicalNoteChain(t *testing.T) {
	p := testPrincipal("north")
	other := uuid.New()

	patientID := uuid.New()
	sessionID := uuid.New()
	noteID := uuid.New()

	tests := []struct {
		name         string
		sessionOwner uuid.UUID
		patientOwner uuid.UUID
		wantErr      error
	}{
		{"session owner grants one hop up", p.ID, other, nil},
		{"patient owner grants two hops up", uuid.Nil, p.ID, nil},
		{"no owner anywhere on the chain", other, other, ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			store.add("patient", patientID, fakeRow{owner: tt.patientOwner})
			store.add("session", sessionID, fakeRow{owner: tt.sessionOwner, parent: patientID})
			store.add("clinical_note", noteID, fakeRow{parent: sessionID})
			a := NewAuthorizer(testRegistry(t), store, nil, nil)

			grant, err := a.Authorize(testCtx(p, "north"), "clinical_note", noteID.String())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("got %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authorize: %v", err)
			}
			// Notes have no owner column, so every grant is via the chain.
			if grant.Via != ViaChain {
				t.Errorf("grant via %q, want %q", grant.Via, ViaChain)
			}
			if store.directCalls != 0 {
				t.Errorf("direct queries %d, want 0 for ownerless kind", store.directCalls)
			}
		})
	}
}

func TestAuthorize_UnknownKind(t *testing.T) {
	a := NewAuthorizer(testRegistry(t), newFakeStore(), nil, nil)
	p := testPrincipal("north")

	_, err := a.Authorize(testCtx(p, "north"), "invoice", uuid.NewString())
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidID) {
		t.Fatalf("unknown kind should be a programming error, got %v", err)
	}
}

func TestAuthorize_StoreFailurePropagates(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("connection refused")
	a := NewAuthorizer(testRegistry(t), store, nil, nil)
	p := testPrincipal("north")

	_, err := a.Authorize(testCtx(p, "north"), "patient", uuid.NewString())
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want wrapped store error", err)
	}
}

func TestAuthorize_BreakGlass(t *testing.T) {
	store := newFakeStore()
	a := NewAuthorizer(testRegistry(t), store, nil, nil)
	p := testPrincipal("north")
	foreignPatient := uuid.New()
	store.add("patient", foreignPatient, fakeRow{owner: uuid.New()})

	t.Run("overrides ownership without queries", func(t *testing.T) {
		ctx := WithBreakGlass(testCtx(p, "north"), "on-call emergency")
		g, err := a.Authorize(ctx, "patient", foreignPatient.String())
		if err != nil {
			t.Fatalf("Authorize: %v", err)
		}
		if g.Via != ViaBreakGlass {
			t.Errorf("Via = %s, want %s", g.Via, ViaBreakGlass)
		}
		if store.directCalls != 0 || store.chainCalls != 0 {
			t.Errorf("queries ran: direct=%d chain=%d", store.directCalls, store.chainCalls)
		}
	})

	t.Run("grant is not cached", func(t *testing.T) {
		ctx := testCtx(p, "north")
		if _, err := a.Authorize(ctx, "patient", foreignPatient.String()); !errors.Is(err, ErrNotFound) {
			t.Fatalf("got %v, want ErrNotFound after the override expired", err)
		}
	})

	t.Run("membership still required", func(t *testing.T) {
		ctx := WithBreakGlass(testCtx(p, "south"), "on-call emergency")
		if _, err := a.Authorize(ctx, "patient", foreignPatient.String()); !errors.Is(err, ErrNotFound) {
			t.Fatalf("got %v, want ErrNotFound outside the practice", err)
		}
	})

	t.Run("malformed id still rejected", func(t *testing.T) {
		ctx := WithBreakGlass(testCtx(p, "north"), "on-call emergency")
		if _, err := a.Authorize(ctx, "patient", "not-a-uuid"); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("got %v, want ErrInvalidID", err)
		}
	})
}

func TestAuthorizeAll(t *testing.T) {
	p := testPrincipal("north")
	other := uuid.New()

	ownedA := uuid.New()
	ownedB := uuid.New()
	foreign := uuid.New()

	newAuthorizer := func(t *testing.T) (*Authorizer, *fakeStore) {
		t.Helper()
		store := newFakeStore()
		store.add("patient", ownedA, fakeRow{owner: p.ID})
		store.add("patient", ownedB, fakeRow{owner: p.ID})
		store.add("patient", foreign, fakeRow{owner: other})
		return NewAuthorizer(testRegistry(t), store, nil, nil), store
	}

	t.Run("all owned succeeds", func(t *testing.T) {
		a, _ := newAuthorizer(t)
		grants, err := a.AuthorizeAll(testCtx(p, "north"), "patient",
			[]string{ownedA.String(), ownedB.String()})
		if err != nil {
			t.Fatalf("AuthorizeAll: %v", err)
		}
		if len(grants) != 2 {
			t.Fatalf("got %d grants, want 2", len(grants))
		}
	})

	t.Run("one foreign denies the whole batch", func(t *testing.T) {
		a, _ := newAuthorizer(t)
		grants, err := a.AuthorizeAll(testCtx(p, "north"), "patient",
			[]string{ownedA.String(), foreign.String(), ownedB.String()})
		if !errors.Is(err, ErrIncompleteBatch) {
			t.Fatalf("got %v, want ErrIncompleteBatch", err)
		}
		if !errors.Is(err, ErrNotFound) {
			t.Error("ErrIncompleteBatch should unwrap to ErrNotFound")
		}
		if grants != nil {
			t.Errorf("got %d partial grants, want none", len(grants))
		}
	})

	t.Run("one absent denies the whole batch", func(t *testing.T) {
		a, _ := newAuthorizer(t)
		_, err := a.AuthorizeAll(testCtx(p, "north"), "patient",
			[]string{ownedA.String(), uuid.NewString()})
		if !errors.Is(err, ErrIncompleteBatch) {
			t.Fatalf("got %v, want ErrIncompleteBatch", err)
		}
	})

	t.Run("malformed id rejected before any query", func(t *testing.T) {
		a, store := newAuthorizer(t)
		_, err := a.AuthorizeAll(testCtx(p, "north"), "patient",
			[]string{ownedA.String(), "not-a-uuid"})
		if !errors.Is(err, ErrInvalidID) {
			t.Fatalf("got %v, want ErrInvalidID", err)
		}
		if store.directCalls != 0 {
			t.Errorf("store queried %d times, want 0", store.directCalls)
		}
	})

	t.Run("empty batch succeeds vacuously", func(t *testing.T) {
		a, _ := newAuthorizer(t)
		grants, err := a.AuthorizeAll(testCtx(p, "north"), "patient", nil)
		if err != nil {
			t.Fatalf("AuthorizeAll: %v", err)
		}
		if len(grants) != 0 {
			t.Fatalf("got %d grants, want 0", len(grants))
		}
	})
}

func TestOutcomeLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "allow"},
		{ErrAuthRequired, "unauthenticated"},
		{ErrInvalidID, "invalid_id"},
		{ErrNotFound, "deny"},
		{ErrIncompleteBatch, "deny"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		if got := outcomeLabel(tt.err); got != tt.want {
			t.Errorf("outcomeLabel(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
