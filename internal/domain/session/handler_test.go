package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/caredesk/caredesk/internal/platform/auth"
	"github.com/caredesk/caredesk/internal/platform/db"
)

func newSessionServer(h *harness, p *auth.Principal) *echo.Echo {
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

func TestHandler_Create(t *testing.T) {
	h := newHarness(t)
	owner := therapist("Dr Reyes")
	patientID := seedPatient(h, owner.ID)
	e := newSessionServer(h, owner)

	rec := doJSON(e, http.MethodPost, "/api/v1/sessions",
		`{"patient_id":"`+patientID.String()+`","occurred_at":"2026-03-02T10:00:00Z","duration_minutes":50,"modality":"video"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var created Record
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if created.Status != StatusScheduled {
		t.Errorf("status = %q, want scheduled", created.Status)
	}
	if created.Modality != ModalityVideo {
		t.Errorf("modality = %q, want video", created.Modality)
	}
}

func TestHandler_ListRequiresPatient(t *testing.T) {
	h := newHarness(t)
	e := newSessionServer(h, therapist("Dr Reyes"))

	rec := doJSON(e, http.MethodGet, "/api/v1/sessions", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "patient_id is required") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestHandler_ListPaginates(t *testing.T) {
	h := newHarness(t)
	owner := therapist("Dr Reyes")
	patientID := seedPatient(h, owner.ID)
	seedSession(h, patientID, &owner.ID)
	seedSession(h, patientID, &owner.ID)
	e := newSessionServer(h, owner)

	rec := doJSON(e, http.MethodGet, "/api/v1/sessions?patient_id="+patientID.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var page struct {
		Data  []*Record `json:"data"`
		Total int       `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if page.Total != 2 || len(page.Data) != 2 {
		t.Errorf("page = %d items (total %d), want 2", len(page.Data), page.Total)
	}
}

func TestHandler_ForeignSessionIsNotFound(t *testing.T) {
	h := newHarness(t)
	owner := therapist("Dr Reyes")
	intruder := therapist("Dr Cho")
	patientID := seedPatient(h, owner.ID)
	rec := seedSession(h, patientID, &owner.ID)
	e := newSessionServer(h, intruder)

	res := doJSON(e, http.MethodGet, "/api/v1/sessions/"+rec.ID.String(), "")
	if res.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", res.Code, res.Body.String())
	}
	if !strings.Contains(res.Body.String(), "resource not found") {
		t.Errorf("body = %s", res.Body.String())
	}
}

func TestHandler_UpdateRejectsPatientMove(t *testing.T) {
	h := newHarness(t)
	owner := therapist("Dr Reyes")
	patientID := seedPatient(h, owner.ID)
	rec := seedSession(h, patientID, &owner.ID)
	e := newSessionServer(h, owner)

	res := doJSON(e, http.MethodPut, "/api/v1/sessions/"+rec.ID.String(),
		`{"patient_id":"`+uuid.NewString()+`","occurred_at":"2026-03-02T10:00:00Z","status":"completed"}`)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", res.Code, res.Body.String())
	}
	if !strings.Contains(res.Body.String(), "patient_id") {
		t.Errorf("body = %s", res.Body.String())
	}
}

func TestHandler_Delete(t *testing.T) {
	h := newHarness(t)
	owner := therapist("Dr Reyes")
	patientID := seedPatient(h, owner.ID)
	rec := seedSession(h, patientID, &owner.ID)
	e := newSessionServer(h, owner)

	res := doJSON(e, http.MethodDelete, "/api/v1/sessions/"+rec.ID.String(), "")
	if res.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204: %s", res.Code, res.Body.String())
	}
}
