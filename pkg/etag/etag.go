// Package etag maps record versions to weak entity tags and back.
package etag

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// Format creates a weak ETag from a version.
func Format(version int) string {
	return fmt.Sprintf(`W/"%d"`, version)
}

// Parse extracts the version from an ETag value like W/"3" or "3".
func Parse(tag string) (int, error) {
	tag = strings.TrimSpace(tag)
	tag = strings.TrimPrefix(tag, "W/")
	tag = strings.Trim(tag, `"`)

	v, err := strconv.Atoi(tag)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("ETag must contain a positive version: %s", tag)
	}
	return v, nil
}

// Set writes the ETag header for version.
func Set(c echo.Context, version int) {
	c.Response().Header().Set("ETag", Format(version))
}

// IfMatch returns the version named by the If-Match header, or 0 when the
// header is absent or "*".
func IfMatch(c echo.Context) (int, error) {
	h := strings.TrimSpace(c.Request().Header.Get("If-Match"))
	if h == "" || h == "*" {
		return 0, nil
	}
	v, err := Parse(h)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid If-Match header: "+err.Error())
	}
	return v, nil
}

// NotModified reports whether If-None-Match names the current version.
func NotModified(c echo.Context, current int) bool {
	h := c.Request().Header.Get("If-None-Match")
	if h == "" {
		return false
	}
	v, err := Parse(h)
	return err == nil && v == current
}
