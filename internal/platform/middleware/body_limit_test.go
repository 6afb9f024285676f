package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func serveWithBodyLimit(limit, body string, contentLength bool) *httptest.ResponseRecorder {
	e := echo.New()
	e.Use(BodyLimit(limit))
	e.POST("/", func(c echo.Context) error {
		// Force a full body read so the limiting reader engages.
		if _, err := io.ReadAll(c.Request().Body); err != nil {
			return err
		}
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	if !contentLength {
		req.ContentLength = -1
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestBodyLimit_AllowsSmallBody(t *testing.T) {
	rec := serveWithBodyLimit("1K", strings.Repeat("a", 512), true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestBodyLimit_RejectsByContentLength(t *testing.T) {
	rec := serveWithBodyLimit("1K", strings.Repeat("a", 2048), true)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestBodyLimit_RejectsStreamedOverflow(t *testing.T) {
	// Without Content-Length the limit must still hold during the read.
	rec := serveWithBodyLimit("1K", strings.Repeat("a", 2048), false)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestBodyLimit_NoBodyPassesThrough(t *testing.T) {
	e := echo.New()
	e.Use(BodyLimit("1K"))
	e.GET("/", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1K", 1 << 10},
		{"512K", 512 << 10},
		{"1M", 1 << 20},
		{"10M", 10 << 20},
		{"1G", 1 << 30},
		{"2048", 2048},
		{"", 1 << 20},
		{"junk", 1 << 20},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := parseLimit(tt.in); got != tt.want {
				t.Errorf("parseLimit(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}
