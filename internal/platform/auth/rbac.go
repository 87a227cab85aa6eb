package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireSession rejects requests that reached a handler without a valid
// session.
func RequireSession() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			s, ok := FromContext(c.Request().Context())
			if !ok || !s.Valid() {
				return echo.NewHTTPError(http.StatusUnauthorized, "no session")
			}
			return next(c)
		}
	}
}

// RequireKind allows callers whose role belongs to one of kinds. Admins are
// always allowed.
func RequireKind(kinds ...Kind) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			s, ok := FromContext(c.Request().Context())
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "no session")
			}
			if s.Kind() == KindAdmin {
				return next(c)
			}
			for _, k := range kinds {
				if s.Kind() == k {
					return next(c)
				}
			}
			names := make([]string, len(kinds))
			for i, k := range kinds {
				names[i] = k.String()
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role kind: %s", strings.Join(names, " or ")))
		}
	}
}
