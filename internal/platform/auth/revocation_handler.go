package auth

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// defaultPrincipalBlockHorizon covers the longest token lifetime the issuer
// hands out, so a principal block with no explicit horizon still outlives
// every token minted before the revocation.
const defaultPrincipalBlockHorizon = 24 * time.Hour

type revokeTokenRequest struct {
	JTI         string    `json:"jti"`
	PrincipalID string    `json:"principal_id,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type revokePrincipalRequest struct {
	PrincipalID string    `json:"principal_id"`
	Until       time.Time `json:"until,omitempty"`
}

type revocationListResponse struct {
	Count  int            `json:"count"`
	Tokens []RevokedToken `json:"tokens"`
}

// RegisterRevocationRoutes mounts the revocation admin endpoints behind the
// manage-staff capability.
func RegisterRevocationRoutes(g *echo.Group, list *RevocationList) {
	grp := g.Group("/auth", RequireCapability(CapManageStaff))

	grp.POST("/revoke", handleRevokeToken(list))
	grp.POST("/revoke-principal", handleRevokePrincipal(list))
	grp.GET("/revocations", handleListRevocations(list))
}

func handleRevokeToken(list *RevocationList) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req revokeTokenRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if req.JTI == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "jti is required")
		}
		if req.ExpiresAt.IsZero() {
			req.ExpiresAt = time.Now().Add(time.Hour)
		}

		list.RevokeToken(req.JTI, req.PrincipalID, req.ExpiresAt)
		return c.NoContent(http.StatusNoContent)
	}
}

func handleRevokePrincipal(list *RevocationList) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req revokePrincipalRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if req.PrincipalID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "principal_id is required")
		}
		if req.Until.IsZero() {
			req.Until = time.Now().Add(defaultPrincipalBlockHorizon)
		}

		list.RevokePrincipal(req.PrincipalID, req.Until)
		return c.NoContent(http.StatusNoContent)
	}
}

func handleListRevocations(list *RevocationList) echo.HandlerFunc {
	return func(c echo.Context) error {
		tokens := list.Snapshot()
		return c.JSON(http.StatusOK, revocationListResponse{
			Count:  len(tokens),
			Tokens: tokens,
		})
	}
}
