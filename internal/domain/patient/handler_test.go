package patient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/caredesk/caredesk/internal/platform/audit"
	"github.com/caredesk/caredesk/internal/platform/auth"
	"github.com/caredesk/caredesk/internal/platform/db"
	"github.com/caredesk/caredesk/internal/platform/phi"
)

// newPatientServer mounts the patient routes behind a middleware that injects
// the given principal, mirroring what the JWT middleware does in production.
func newPatientServer(h *harness, p *auth.Principal) *echo.Echo {
	e := echo.New()
	inject := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := db.WithPractice(c.Request().Context(), "north")
			if p != nil {
				ctx = auth.WithPrincipal(ctx, p)
			}
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
	g := e.Group("/api/v1", inject)
	NewHandler(h.svc).RegisterRoutes(g)
	return e
}

func doJSON(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_RequiresAuthentication(t *testing.T) {
	h := newHarness(t)
	e := newPatientServer(h, nil)

	rec := doJSON(e, http.MethodGet, "/api/v1/patients/"+uuid.NewString(), "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "authentication required") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestHandler_RejectsMalformedID(t *testing.T) {
	h := newHarness(t)
	e := newPatientServer(h, therapist("Dr Reyes"))

	for _, target := range []string{
		"/api/v1/patients/not-a-uuid",
		"/api/v1/patients/123",
	} {
		rec := doJSON(e, http.MethodGet, target, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400", target, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "invalid id") {
			t.Errorf("GET %s body = %s", target, rec.Body.String())
		}
	}
}

func TestHandler_ForeignAndAbsentShareOneBody(t *testing.T) {
	h := newHarness(t)
	owner := therapist("Dr Reyes")
	caller := therapist("Dr Cho")
	p := seedPatient(h, owner.ID, "")
	e := newPatientServer(h, caller)

	foreign := doJSON(e, http.MethodGet, "/api/v1/patients/"+p.ID.String(), "")
	absent := doJSON(e, http.MethodGet, "/api/v1/patients/"+uuid.NewString(), "")

	if foreign.Code != http.StatusNotFound || absent.Code != http.StatusNotFound {
		t.Fatalf("statuses = %d and %d, want 404 for both", foreign.Code, absent.Code)
	}
	if foreign.Body.String() != absent.Body.String() {
		t.Errorf("bodies differ: %q vs %q", foreign.Body.String(), absent.Body.String())
	}
}

func TestHandler_Create(t *testing.T) {
	h := newHarness(t)
	owner := therapist("Dr Reyes")
	e := newPatientServer(h, owner)

	rec := doJSON(e, http.MethodPost, "/api/v1/patients",
		`{"first_name":"Ana","last_name":"Marin","email":"ana@example.com"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var created Patient
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if created.ID == uuid.Nil {
		t.Error("created patient has no id")
	}
	if created.TherapistID != owner.ID {
		t.Errorf("therapist = %s, want the caller", created.TherapistID)
	}
}

func TestHandler_CreateValidation(t *testing.T) {
	h := newHarness(t)
	e := newPatientServer(h, therapist("Dr Reyes"))

	rec := doJSON(e, http.MethodPost, "/api/v1/patients", `{"email":"ana@example.com"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "first_name") {
		t.Errorf("body = %s, want the failing field named", rec.Body.String())
	}
}

func TestHandler_CreateFailsWhenTrailDown(t *testing.T) {
	h := newHarness(t)
	h.svc.rec = audit.NewRecorder(downStore{}, nil)
	e := newPatientServer(h, therapist("Dr Reyes"))

	rec := doJSON(e, http.MethodPost, "/api/v1/patients",
		`{"first_name":"Ana","last_name":"Marin"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "audit trail unavailable") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestHandler_ListPaginates(t *testing.T) {
	h := newHarness(t)
	owner := therapist("Dr Reyes")
	seedPatient(h, owner.ID, "")
	seedPatient(h, owner.ID, "")
	e := newPatientServer(h, owner)

	rec := doJSON(e, http.MethodGet, "/api/v1/patients?limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var page struct {
		Data    []*Patient `json:"data"`
		Total   int        `json:"total"`
		Limit   int        `json:"limit"`
		HasMore bool       `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if page.Total != 2 || page.Limit != 1 || !page.HasMore {
		t.Errorf("page = total %d limit %d has_more %v, want 2/1/true",
			page.Total, page.Limit, page.HasMore)
	}
}

func TestHandler_Update(t *testing.T) {
	h := newHarness(t)
	owner := therapist("Dr Reyes")
	p := seedPatient(h, owner.ID, "ana@example.com")
	e := newPatientServer(h, owner)

	rec := doJSON(e, http.MethodPut, "/api/v1/patients/"+p.ID.String(),
		`{"first_name":"Ana","last_name":"Marin","email":"ana.marin@example.com"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var updated Patient
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if updated.Email == nil || *updated.Email != "ana.marin@example.com" {
		t.Errorf("email = %v, want the new address", updated.Email)
	}
}

func TestHandler_Delete(t *testing.T) {
	h := newHarness(t)
	owner := therapist("Dr Reyes")
	p := seedPatient(h, owner.ID, "")
	e := newPatientServer(h, owner)

	rec := doJSON(e, http.MethodDelete, "/api/v1/patients/"+p.ID.String(), "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204: %s", rec.Code, rec.Body.String())
	}
	if len(h.repo.rows) != 0 {
		t.Error("patient still present after delete")
	}
}

func TestHandler_BulkGet(t *testing.T) {
	h := newHarness(t)
	owner := therapist("Dr Reyes")
	other := therapist("Dr Cho")
	mine1 := seedPatient(h, owner.ID, "")
	mine2 := seedPatient(h, owner.ID, "")
	theirs := seedPatient(h, other.ID, "")
	e := newPatientServer(h, owner)

	rec := doJSON(e, http.MethodGet,
		"/api/v1/patients/bulk?ids="+mine1.ID.String()+","+mine2.ID.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var items []*Patient
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("items = %d, want 2", len(items))
	}

	// One foreign id voids the whole batch with the uniform body.
	rec = doJSON(e, http.MethodGet,
		"/api/v1/patients/bulk?ids="+mine1.ID.String()+","+theirs.ID.String(), "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("mixed batch status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "resource not found") {
		t.Errorf("mixed batch body = %s", rec.Body.String())
	}

	rec = doJSON(e, http.MethodGet, "/api/v1/patients/bulk", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty ids status = %d, want 400", rec.Code)
	}
}

func TestHandler_FindByEmail(t *testing.T) {
	h := newHarness(t)
	owner := therapist("Dr Reyes")
	p := seedPatient(h, owner.ID, "ana@example.com")
	e := newPatientServer(h, owner)

	rec := doJSON(e, http.MethodGet, "/api/v1/patients/find?email=ana@example.com", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var found Patient
	if err := json.Unmarshal(rec.Body.Bytes(), &found); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if found.ID != p.ID {
		t.Errorf("found %s, want %s", found.ID, p.ID)
	}

	rec = doJSON(e, http.MethodGet, "/api/v1/patients/find", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing email status = %d, want 400", rec.Code)
	}
}

func TestHandler_ExportAndDisclosures(t *testing.T) {
	h := newHarness(t)
	owner := therapist("Dr Reyes")
	p := seedPatient(h, owner.ID, "ana@example.com")
	e := newPatientServer(h, owner)

	rec := doJSON(e, http.MethodGet,
		"/api/v1/patients/"+p.ID.String()+"/export?to=County+Health&purpose="+phi.PurposePublicHealth, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(e, http.MethodGet, "/api/v1/patients/"+p.ID.String()+"/disclosures", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("disclosures status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var recs []*phi.Disclosure
	if err := json.Unmarshal(rec.Body.Bytes(), &recs); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("disclosures = %d, want 1", len(recs))
	}
	if recs[0].DisclosedTo != "County Health" {
		t.Errorf("disclosed to %q", recs[0].DisclosedTo)
	}
}
