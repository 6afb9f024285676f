package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// RequestIDHeader carries the request identifier on requests and responses.
const RequestIDHeader = "X-Request-ID"

// RequestID returns middleware that tags every request with an identifier.
// A caller-supplied X-Request-ID is preserved so identifiers survive proxy
// hops; otherwise a new one is generated. The identifier is stored on the
// echo context under "request_id" and echoed on the response.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			return next(c)
		}
	}
}
