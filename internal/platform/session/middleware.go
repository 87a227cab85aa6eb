package session

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carecoord/carecoord/internal/platform/auth"
)

// KeyContextKey is the echo context key holding the session storage key.
const KeyContextKey = "session_key"

// Middleware loads or creates the persisted record for the authenticated
// caller and rejects revoked sessions. A store outage is logged and the
// request proceeds unpersisted.
func Middleware(store Store, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			s, ok := auth.FromContext(c.Request().Context())
			if !ok {
				return next(c)
			}
			ctx := c.Request().Context()
			token, _ := c.Get(auth.TokenContextKey).(string)
			key := KeyFor(token, s)
			now := time.Now().UTC()

			rec, err := store.Load(ctx, key)
			switch {
			case errors.Is(err, ErrNotFound):
				rec = &Record{Key: key, CreatedAt: now}
			case err != nil:
				logger.Warn().Err(err).Str("actor_id", s.ActorID).Msg("session store unavailable")
				return next(c)
			}
			if rec.Revoked {
				return echo.NewHTTPError(http.StatusUnauthorized, ErrRevoked.Error())
			}

			rec.Session = s
			rec.LastSeen = now
			if err := store.Save(ctx, rec); err != nil {
				logger.Warn().Err(err).Str("actor_id", s.ActorID).Msg("session save failed")
			}
			c.Set(KeyContextKey, key)
			return next(c)
		}
	}
}

type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/session", h.Current)
	api.DELETE("/session", h.Revoke)
}

// Current returns the caller's persisted session record.
func (h *Handler) Current(c echo.Context) error {
	key, _ := c.Get(KeyContextKey).(string)
	if key == "" {
		return echo.NewHTTPError(http.StatusNotFound, "no persisted session")
	}
	rec, err := h.store.Load(c.Request().Context(), key)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no persisted session")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, rec)
}

// Revoke ends the caller's session; the same credential is rejected
// afterwards.
func (h *Handler) Revoke(c echo.Context) error {
	key, _ := c.Get(KeyContextKey).(string)
	if key == "" {
		return echo.NewHTTPError(http.StatusNotFound, "no persisted session")
	}
	if err := h.store.Revoke(c.Request().Context(), key); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "no persisted session")
		}
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
