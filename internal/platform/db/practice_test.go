package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestExtractPracticeID_FromHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Practice-ID", "riverside_therapy")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	pid := extractPracticeID(c, "main")
	if pid != "riverside_therapy" {
		t.Errorf("expected riverside_therapy, got %s", pid)
	}
}

func TestExtractPracticeID_FromQuery(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?practice_id=lakeview", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	pid := extractPracticeID(c, "main")
	if pid != "lakeview" {
		t.Errorf("expected lakeview, got %s", pid)
	}
}

func TestExtractPracticeID_FromJWT(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("jwt_practice_id", "jwt_practice")

	pid := extractPracticeID(c, "main")
	if pid != "jwt_practice" {
		t.Errorf("expected jwt_practice, got %s", pid)
	}
}

func TestExtractPracticeID_Priority(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?practice_id=query", nil)
	req.Header.Set("X-Practice-ID", "header")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("jwt_practice_id", "jwt")

	// JWT claim takes highest priority, then header, then query
	pid := extractPracticeID(c, "main")
	if pid != "jwt" {
		t.Errorf("expected jwt (highest priority), got %s", pid)
	}

	c.Set("jwt_practice_id", "")
	pid = extractPracticeID(c, "main")
	if pid != "header" {
		t.Errorf("expected header when JWT claim empty, got %s", pid)
	}
}

func TestExtractPracticeID_Default(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	pid := extractPracticeID(c, "main")
	if pid != "main" {
		t.Errorf("expected main, got %s", pid)
	}
}

func TestPracticeMiddleware_SkipsPublicPaths(t *testing.T) {
	e := echo.New()
	// A nil pool proves the skip happens before any database work.
	mw := PracticeMiddleware(nil, "main")

	for _, path := range []string{"/health", "/health/db", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetPath(path)

		called := false
		err := mw(func(c echo.Context) error {
			called = true
			return nil
		})(c)
		if err != nil {
			t.Errorf("%s: unexpected error: %v", path, err)
		}
		if !called {
			t.Errorf("%s: expected handler to run without practice resolution", path)
		}
		if PracticeFromContext(c.Request().Context()) != "" {
			t.Errorf("%s: expected no practice in context", path)
		}
	}
}

func TestIsPublicPath(t *testing.T) {
	if !IsPublicPath("/health") || !IsPublicPath("/metrics") {
		t.Error("expected infrastructure endpoints to be public")
	}
	if IsPublicPath("/api/v1/patients") {
		t.Error("expected API paths to require practice resolution")
	}
}

func TestPracticeIDPattern(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"abc", true},
		{"ABC", true},
		{"riverside_1", true},
		{"practice_abc_123", true},
		{"A1B2", true},
		{"a-b", false},
		{"a.b", false},
		{"a b", false},
		{"a/b", false},
		{"'; DROP TABLE", false},
		{"$pecial", false},
		{"", false},
	}

	for _, tt := range tests {
		got := practiceIDPattern.MatchString(tt.input)
		if got != tt.valid {
			t.Errorf("practiceIDPattern.MatchString(%q) = %v, want %v", tt.input, got, tt.valid)
		}
	}
}

func TestConnFromContext_Nil(t *testing.T) {
	conn := ConnFromContext(context.Background())
	if conn != nil {
		t.Error("expected nil conn from empty context")
	}
}

func TestConnFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBConnKey, "not-a-conn")
	conn := ConnFromContext(ctx)
	if conn != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestPracticeFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), PracticeIDKey, "riverside")
	pid := PracticeFromContext(ctx)
	if pid != "riverside" {
		t.Errorf("expected riverside, got %s", pid)
	}

	empty := PracticeFromContext(context.Background())
	if empty != "" {
		t.Errorf("expected empty string, got %s", empty)
	}
}

func TestPracticeFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), PracticeIDKey, 12345)
	pid := PracticeFromContext(ctx)
	if pid != "" {
		t.Errorf("expected empty string when context value is wrong type, got %q", pid)
	}
}

func TestCreatePracticeSchema_InvalidID(t *testing.T) {
	invalidIDs := []string{"invalid-id!", "practice-with-dash", "a.b", "drop;table", ""}
	for _, id := range invalidIDs {
		if err := CreatePracticeSchema(context.Background(), nil, id, ""); err == nil {
			t.Errorf("expected error for invalid practice ID %q", id)
		}
	}
}

func TestDropPracticeSchema_InvalidID(t *testing.T) {
	if err := DropPracticeSchema(context.Background(), nil, "x; DROP SCHEMA public"); err == nil {
		t.Error("expected error for invalid practice ID")
	}
}

func TestTxFromContext_Nil(t *testing.T) {
	tx := TxFromContext(context.Background())
	if tx != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestTxFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBTxKey, "not-a-tx")
	tx := TxFromContext(ctx)
	if tx != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestWithTx_NoConnection_ErrorMessage(t *testing.T) {
	ctx := context.Background()
	_, _, err := WithTx(ctx)
	if err == nil {
		t.Error("expected error when no connection in context")
	}
	if err.Error() != "no database connection in context" {
		t.Errorf("unexpected error message: %s", err.Error())
	}
}
