package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// healthTimeout bounds the readiness ping so a wedged database cannot hang
// the probe.
const healthTimeout = 5 * time.Second

// Gauges is a point-in-time snapshot of pool occupancy, exposed on the
// readiness endpoint so operators can spot saturation.
type Gauges struct {
	Total    int32 `json:"total"`
	Idle     int32 `json:"idle"`
	Acquired int32 `json:"acquired"`
	Max      int32 `json:"max"`
}

// Status is the database half of a readiness probe.
type Status struct {
	Ready     bool   `json:"ready"`
	LatencyMS int64  `json:"latency_ms"`
	Detail    string `json:"detail,omitempty"`
	Pool      Gauges `json:"pool"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

func check(ctx context.Context, p pinger, g Gauges) Status {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	start := time.Now()
	err := p.Ping(ctx)

	st := Status{
		Ready:     err == nil,
		LatencyMS: time.Since(start).Milliseconds(),
		Pool:      g,
	}
	if err != nil {
		st.Detail = err.Error()
	}
	return st
}

// Health pings the database and reports readiness plus pool occupancy.
func Health(ctx context.Context, pool *pgxpool.Pool) Status {
	s := pool.Stat()
	return check(ctx, pool, Gauges{
		Total:    s.TotalConns(),
		Idle:     s.IdleConns(),
		Acquired: s.AcquiredConns(),
		Max:      s.MaxConns(),
	})
}

// HealthHandler serves the database readiness endpoint: 200 when the ping
// succeeds, 503 with the failure detail otherwise.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		st := Health(c.Request().Context(), pool)
		if !st.Ready {
			return c.JSON(http.StatusServiceUnavailable, st)
		}
		return c.JSON(http.StatusOK, st)
	}
}
