package auth

import (
	"github.com/labstack/echo/v4"

	"github.com/caredesk/caredesk/internal/platform/db"
)

// AuthSkipper returns true for requests whose path should skip
// authentication. Pass it as the Skipper on JWTConfig so health checks and
// metrics scrapes work without a bearer token. The practice middleware
// consults the same list, so public paths bypass both layers.
func AuthSkipper(c echo.Context) bool {
	return db.IsPublicPath(c.Path())
}
