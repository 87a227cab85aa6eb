package booking

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/carecoord/carecoord/internal/platform/auth"
	"github.com/carecoord/carecoord/internal/platform/query"
	"github.com/carecoord/carecoord/pkg/etag"
	"github.com/carecoord/carecoord/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/bookings", h.CreateBooking, auth.RequireKind(auth.KindRequester))
	api.GET("/bookings", h.ListBookings)
	api.GET("/bookings/:id", h.GetBooking)
	api.POST("/bookings/:id/transition", h.Transition)
	api.POST("/providers/match", h.MatchProviders)
}

type transitionRequest struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) CreateBooking(c echo.Context) error {
	sess, err := sessionOf(c)
	if err != nil {
		return err
	}
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.CreateBooking(c.Request().Context(), sess, in)
	if err != nil {
		return httpError(err)
	}
	etag.Set(c, b.Version)
	c.Response().Header().Set("Location", "/api/v1/bookings/"+b.ID)
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) ListBookings(c echo.Context) error {
	sess, err := sessionOf(c)
	if err != nil {
		return err
	}
	opts := ListOptions{Search: c.QueryParam("search"), Status: Status(c.QueryParam("status"))}
	if opts.Status != "" && !opts.Status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+string(opts.Status))
	}
	items, err := h.svc.ListBookings(c.Request().Context(), sess, opts)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pagination.FromContext(c)))
}

func (h *Handler) GetBooking(c echo.Context) error {
	sess, err := sessionOf(c)
	if err != nil {
		return err
	}
	b, err := h.svc.GetBooking(c.Request().Context(), sess, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if etag.NotModified(c, b.Version) {
		return c.NoContent(http.StatusNotModified)
	}
	etag.Set(c, b.Version)
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) Transition(c echo.Context) error {
	sess, err := sessionOf(c)
	if err != nil {
		return err
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Status == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "status is required")
	}
	expected, err := etag.IfMatch(c)
	if err != nil {
		return err
	}
	b, err := h.svc.Transition(c.Request().Context(), c.Param("id"), req.Status, sess, TransitionOptions{
		ExpectedVersion: expected,
		Reason:          req.Reason,
	})
	if err != nil {
		return httpError(err)
	}
	etag.Set(c, b.Version)
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) MatchProviders(c echo.Context) error {
	var req MatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.MatchProviders(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": out, "total": len(out)})
}

func sessionOf(c echo.Context) (auth.Session, error) {
	sess, ok := auth.FromContext(c.Request().Context())
	if !ok || !sess.Valid() {
		return auth.Session{}, echo.NewHTTPError(http.StatusUnauthorized, "missing session")
	}
	return sess, nil
}

func httpError(err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidBooking), errors.Is(err, ErrMalformedSchedule),
		errors.Is(err, ErrInvalidDuration), errors.Is(err, query.ErrInvalidQuery):
		status = http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrVersionConflict):
		status = http.StatusConflict
	case errors.Is(err, ErrProviderUnavailable):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, query.ErrUnsupportedOperation):
		status = http.StatusMethodNotAllowed
	case errors.Is(err, query.ErrFetch):
		status = http.StatusBadGateway
	}
	return echo.NewHTTPError(status, err.Error())
}
