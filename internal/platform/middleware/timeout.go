package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout puts a deadline on every request context and answers 504
// once it passes. Websocket upgrades stay open for the life of the client and
// are exempt.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if isStreamingPath(c.Request().URL.Path) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() { done <- next(c) }()

			var err error
			select {
			case err = <-done:
				return err
			case <-ctx.Done():
				err = ctx.Err()
			}
			if !errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if c.Response().Committed {
				return nil
			}
			return c.JSON(http.StatusGatewayTimeout, map[string]string{
				"message": "request exceeded " + timeout.String(),
			})
		}
	}
}

func isStreamingPath(path string) bool {
	return strings.HasSuffix(strings.TrimSuffix(path, "/"), "/ws") || path == "/ws"
}
