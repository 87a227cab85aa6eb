package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication: infrastructure probes only.
var publicPaths = map[string]bool{
	"/health":       true,
	"/health/store": true,
}

// AuthSkipper reports whether the request's route skips authentication.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether path is a public infrastructure endpoint.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
