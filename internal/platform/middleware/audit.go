package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carecoord/carecoord/internal/platform/auth"
)

// AuditEntry records who touched which resource, from what client.
type AuditEntry struct {
	ActorID    string
	Role       auth.Role
	Resource   string
	ResourceID string
	Action     string // read, create, update, delete
	Platform   string
	Browser    string
	Locale     string
	IPAddress  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every /api/v1/ request after it completes, attributed to the
// request session. A recorder, when given, also receives each entry.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			resource, id := extractResource(path)
			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       path,
				Method:     req.Method,
				Action:     httpMethodToAction(req.Method),
				Resource:   resource,
				ResourceID: id,
				IPAddress:  c.RealIP(),
				StatusCode: c.Response().Status,
			}
			if sess, ok := auth.FromContext(req.Context()); ok {
				entry.ActorID = sess.ActorID
				entry.Role = sess.Role
				entry.Platform = sess.Fingerprint.Platform
				entry.Browser = sess.Fingerprint.Browser
				entry.Locale = sess.Fingerprint.Locale
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			if len(recorders) > 0 && recorders[0] != nil {
				if recErr := recorders[0].RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("actor_id", entry.ActorID).
				Str("role", string(entry.Role)).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("platform", entry.Platform).
				Str("browser", entry.Browser).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("access")

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	return strings.HasPrefix(path, "/api/v1/")
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// extractResource splits /api/v1/<resource>/<id>/... into resource and id.
func extractResource(path string) (string, string) {
	segments := strings.Split(strings.Trim(strings.TrimPrefix(path, "/api/v1/"), "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return "unknown", ""
	}
	if len(segments) > 1 {
		return segments[0], segments[1]
	}
	return segments[0], ""
}
