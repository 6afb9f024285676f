package patient

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"
	"github.com/labstack/echo/v4"

	"github.com/caredesk/caredesk/internal/platform/audit"
	"github.com/caredesk/caredesk/internal/platform/auth"
	"github.com/caredesk/caredesk/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/patients")
	g.POST("", h.Create)
	g.GET("", h.List)
	g.GET("/find", h.FindByEmail)
	g.GET("/bulk", h.BulkGet)
	g.GET("/:id", h.Get)
	g.PUT("/:id", h.Update)
	g.DELETE("/:id", h.Delete)
	g.GET("/:id/export", h.Export)
	g.GET("/:id/disclosures", h.Disclosures)
}

// toHTTP maps service failures onto the wire. Absence and denial share one
// body, and everything unexpected stays generic so no row detail or
// ciphertext state leaks through an error message.
func toHTTP(err error) error {
	switch {
	case errors.Is(err, auth.ErrAuthRequired):
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	case errors.Is(err, auth.ErrInvalidID):
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	case errors.Is(err, auth.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	case errors.Is(err, audit.ErrSinkUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "audit trail unavailable")
	}
	if verrs, ok := err.(errsx.Map); ok {
		return echo.NewHTTPError(http.StatusBadRequest, verrs.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

func (h *Handler) Create(c echo.Context) error {
	var p Patient
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.Create(c.Request().Context(), &p); err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	var therapistID *uuid.UUID
	if v := c.QueryParam("therapist_id"); v != "" {
		tid, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid therapist_id")
		}
		therapistID = &tid
	}
	items, total, err := h.svc.List(c.Request().Context(), therapistID, pg.Limit, pg.Offset)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Update(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var p Patient
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p.ID = id
	updated, err := h.svc.Update(c.Request().Context(), &p)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *Handler) Delete(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return toHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) FindByEmail(c echo.Context) error {
	p, err := h.svc.FindByEmail(c.Request().Context(), c.QueryParam("email"))
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) BulkGet(c echo.Context) error {
	raw := strings.TrimSpace(c.QueryParam("ids"))
	if raw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "ids is required")
	}
	items, err := h.svc.BulkGet(c.Request().Context(), strings.Split(raw, ","))
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Export(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := h.svc.Export(c.Request().Context(), id, c.QueryParam("to"), c.QueryParam("purpose"))
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) Disclosures(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.Disclosures(c.Request().Context(), id)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, items)
}
