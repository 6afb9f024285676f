package session

import (
	"errors"
	"net/http"

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
	g := api.Group("/sessions")
	g.POST("", h.Create)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.PUT("/:id", h.Update)
	g.DELETE("/:id", h.Delete)
}

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
	var rec Record
	if err := c.Bind(&rec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.Create(c.Request().Context(), &rec); err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	rec, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) List(c echo.Context) error {
	raw := c.QueryParam("patient_id")
	if raw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	patientID, err := uuid.Parse(raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}

	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByPatient(c.Request().Context(),
		patientID, c.QueryParam("status"), pg.Limit, pg.Offset)
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
	var rec Record
	if err := c.Bind(&rec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec.ID = id
	updated, err := h.svc.Update(c.Request().Context(), &rec)
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
