package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/caredesk/caredesk/internal/platform/audit"
	"github.com/caredesk/caredesk/internal/platform/auth"
	"github.com/caredesk/caredesk/internal/platform/phi"
)

// pathKinds maps API route segments to resource kind names.
var pathKinds = map[string]string{
	"patients": "patient",
	"sessions": "session",
	"notes":    "clinical_note",
}

// RequestAudit returns middleware that writes an access entry for every read
// of a resource route. The entry is recorded before the handler runs: when
// the audit sink is down the request fails with 503 and no data leaves.
//
// Only GET and HEAD are recorded here. Mutation handlers record their own
// entries through the service layer, where the touched fields and the real
// outcome are known. For those the middleware stashes the request details
// on the context so the recorder can fill them in.
func RequestAudit(rec *audit.Recorder, registry *phi.Registry) echo.MiddlewareFunc {
	if registry == nil {
		registry = phi.NewRegistry(phi.DefaultFieldSets())
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			meta := audit.Meta{
				SourceIP:  c.RealIP(),
				UserAgent: req.UserAgent(),
			}
			if rid, ok := c.Get("request_id").(string); ok {
				meta.RequestID = rid
			}
			ctx := audit.WithRequestMeta(req.Context(), meta)
			c.SetRequest(req.WithContext(ctx))

			method := req.Method
			if method != http.MethodGet && method != http.MethodHead {
				return next(c)
			}

			kind, id := resourceFromPath(req.URL.Path)
			if kind == "" {
				return next(c)
			}
			if auth.PrincipalFromContext(ctx) == nil {
				// Unauthenticated requests are rejected before any
				// resource is touched; nothing to record.
				return next(c)
			}

			ev := audit.Event{
				Action:       audit.ActionAccess,
				ResourceKind: kind,
				ResourceID:   id,
			}
			if id != nil {
				ev.PHIFields = registry.FieldsFor(kind)
			}

			if err := rec.Record(ctx, ev); err != nil {
				if errors.Is(err, audit.ErrSinkUnavailable) {
					return echo.NewHTTPError(http.StatusServiceUnavailable, "audit trail unavailable")
				}
				return echo.NewHTTPError(http.StatusInternalServerError, "audit recording failed")
			}

			return next(c)
		}
	}
}

// resourceFromPath extracts the resource kind and optional id from an API
// path such as /api/v1/patients/<uuid>. Routes outside the resource
// namespaces return an empty kind.
func resourceFromPath(path string) (string, *uuid.UUID) {
	const prefix = "/api/v1/"
	if !strings.HasPrefix(path, prefix) {
		return "", nil
	}
	segments := strings.Split(strings.Trim(strings.TrimPrefix(path, prefix), "/"), "/")
	if len(segments) == 0 {
		return "", nil
	}
	kind, ok := pathKinds[segments[0]]
	if !ok {
		return "", nil
	}
	if len(segments) > 1 {
		if id, err := uuid.Parse(segments[1]); err == nil {
			return kind, &id
		}
	}
	return kind, nil
}
