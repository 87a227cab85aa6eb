package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const defaultBodyLimit = 1 << 20

var sizeSuffixes = []struct {
	suffix string
	shift  uint
}{
	{"GB", 30}, {"G", 30},
	{"MB", 20}, {"M", 20},
	{"KB", 10}, {"K", 10},
}

// BodyLimit rejects request bodies larger than limit with 413. The limit is
// human-readable: "1M", "512K", "2G" or a bare byte count. A body without a
// trustworthy Content-Length is cut off while it is read.
func BodyLimit(limit string) echo.MiddlewareFunc {
	maxBytes := parseLimit(limit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			if req.ContentLength > maxBytes {
				return payloadTooLargeError(maxBytes)
			}
			req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBytes)

			err := next(c)
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return payloadTooLargeError(maxBytes)
			}
			return err
		}
	}
}

func payloadTooLargeError(limit int64) error {
	return echo.NewHTTPError(http.StatusRequestEntityTooLarge,
		fmt.Sprintf("request body exceeds maximum allowed size of %d bytes", limit))
}

// parseLimit turns "1M", "512K" or "10G" into bytes. Unparseable input falls
// back to 1 MB.
func parseLimit(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return defaultBodyLimit
	}

	var shift uint
	for _, sz := range sizeSuffixes {
		if strings.HasSuffix(s, sz.suffix) {
			s, shift = strings.TrimSuffix(s, sz.suffix), sz.shift
			break
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return defaultBodyLimit
	}
	return n << shift
}
