package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/caredesk/caredesk/internal/platform/auth"
)

// BreakGlassHeader carries the emergency override reason.
const BreakGlassHeader = "X-Break-Glass"

const (
	breakGlassMaxPerHour    = 10
	breakGlassCleanupPeriod = 5 * time.Minute
)

// breakGlassRateLimit tracks per-principal override counts within a rolling
// hour window.
type breakGlassRateLimit struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

func newBreakGlassRateLimit() *breakGlassRateLimit {
	return &breakGlassRateLimit{entries: make(map[string][]time.Time)}
}

// allow prunes timestamps older than an hour, then admits the request when
// the principal is under the cap, recording the new timestamp. The caller
// supplies the clock so tests stay deterministic.
func (rl *breakGlassRateLimit) allow(principalID string, now time.Time, maxPerHour int) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-time.Hour)
	existing := rl.entries[principalID]
	pruned := existing[:0]
	for _, ts := range existing {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}

	if len(pruned) >= maxPerHour {
		rl.entries[principalID] = pruned
		return false
	}
	rl.entries[principalID] = append(pruned, now)
	return true
}

func (rl *breakGlassRateLimit) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-time.Hour)
	for id, timestamps := range rl.entries {
		pruned := timestamps[:0]
		for _, ts := range timestamps {
			if ts.After(cutoff) {
				pruned = append(pruned, ts)
			}
		}
		if len(pruned) == 0 {
			delete(rl.entries, id)
		} else {
			rl.entries[id] = pruned
		}
	}
}

// BreakGlass returns middleware implementing the emergency override for
// clinical data access. A request carrying X-Break-Glass with a non-empty
// reason is marked in the request context; the authorizer then skips
// ownership checks and every resulting audit entry is flagged with the
// reason. The caller must be authenticated, and each principal is capped at
// 10 overrides per hour.
//
// Place this after authentication and before the request audit middleware.
func BreakGlass(logger zerolog.Logger) echo.MiddlewareFunc {
	rl := newBreakGlassRateLimit()

	go func() {
		ticker := time.NewTicker(breakGlassCleanupPeriod)
		defer ticker.Stop()
		for range ticker.C {
			rl.cleanup(time.Now())
		}
	}()

	return breakGlassMiddleware(logger, rl, time.Now)
}

// breakGlassMiddleware is the internal constructor taking a clock and a
// pre-built limiter so tests stay deterministic.
func breakGlassMiddleware(logger zerolog.Logger, rl *breakGlassRateLimit, nowFn func() time.Time) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			reason := strings.TrimSpace(req.Header.Get(BreakGlassHeader))
			if reason == "" {
				return next(c)
			}
			reason = SanitizeString(reason)

			p := auth.PrincipalFromContext(req.Context())
			if p == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "break-glass requires authentication")
			}

			now := nowFn()
			if !rl.allow(p.ID.String(), now, breakGlassMaxPerHour) {
				return echo.NewHTTPError(http.StatusTooManyRequests,
					"break-glass rate limit exceeded: maximum 10 requests per hour")
			}

			c.SetRequest(req.WithContext(auth.WithBreakGlass(req.Context(), reason)))

			logger.Warn().
				Str("type", "break_glass").
				Str("principal_id", p.ID.String()).
				Str("reason", reason).
				Str("path", req.URL.Path).
				Str("method", req.Method).
				Str("remote_ip", c.RealIP()).
				Time("timestamp", now).
				Msg("break_glass_override")

			return next(c)
		}
	}
}
