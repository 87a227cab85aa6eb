package provider

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/carecoord/carecoord/internal/platform/auth"
	"github.com/carecoord/carecoord/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/providers", h.ListProviders)
	api.GET("/providers/:id", h.GetProvider)
	api.PUT("/providers/:id", h.PutProvider, auth.RequireKind(auth.KindProvider))
}

func (h *Handler) ListProviders(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, err := h.svc.List(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pg))
}

func (h *Handler) GetProvider(c echo.Context) error {
	p, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "provider not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) PutProvider(c echo.Context) error {
	sess, _ := auth.FromContext(c.Request().Context())
	var p Provider
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.Upsert(c.Request().Context(), sess, c.Param("id"), &p)
	switch {
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrInvalidProvider):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, out)
}
