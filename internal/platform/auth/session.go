package auth

import (
	"context"
	"strings"
	"time"
)

type contextKey string

const sessionKey contextKey = "session"

// Fingerprint is the coarse client description recorded in audit info.
type Fingerprint struct {
	Platform  string    `json:"platform"`
	Browser   string    `json:"browser"`
	Locale    string    `json:"locale"`
	Timestamp time.Time `json:"timestamp"`
}

// Session identifies the caller of an operation. It is passed explicitly to
// every call that needs identity.
type Session struct {
	ActorID     string      `json:"actorId"`
	Role        Role        `json:"role"`
	TokenID     string      `json:"tokenId,omitempty"`
	Fingerprint Fingerprint `json:"fingerprint"`
}

// Kind is shorthand for s.Role.Kind().
func (s Session) Kind() Kind { return s.Role.Kind() }

// Valid reports whether the session names an actor with a known role.
func (s Session) Valid() bool {
	return s.ActorID != "" && s.Kind() != KindUnknown
}

// WithSession stores s on ctx.
func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// FromContext returns the session stored by the auth middleware.
func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(sessionKey).(Session)
	return s, ok
}

// ParseFingerprint derives a fingerprint from request headers.
func ParseFingerprint(userAgent, acceptLanguage string, now time.Time) Fingerprint {
	return Fingerprint{
		Platform:  platformOf(userAgent),
		Browser:   browserOf(userAgent),
		Locale:    localeOf(acceptLanguage),
		Timestamp: now.UTC(),
	}
}

func platformOf(ua string) string {
	switch {
	case strings.Contains(ua, "Android"):
		return "android"
	case strings.Contains(ua, "iPhone"), strings.Contains(ua, "iPad"):
		return "ios"
	case strings.Contains(ua, "Windows"):
		return "windows"
	case strings.Contains(ua, "Macintosh"), strings.Contains(ua, "Mac OS X"):
		return "macos"
	case strings.Contains(ua, "Linux"):
		return "linux"
	default:
		return "unknown"
	}
}

// browserOf checks tokens in precedence order since most user agents claim
// several engines.
func browserOf(ua string) string {
	switch {
	case strings.Contains(ua, "Edg/"):
		return "edge"
	case strings.Contains(ua, "OPR/"):
		return "opera"
	case strings.Contains(ua, "Firefox/"):
		return "firefox"
	case strings.Contains(ua, "Chrome/"):
		return "chrome"
	case strings.Contains(ua, "Safari/"):
		return "safari"
	case ua == "":
		return "unknown"
	default:
		return "other"
	}
}

func localeOf(acceptLanguage string) string {
	first, _, _ := strings.Cut(acceptLanguage, ",")
	tag, _, _ := strings.Cut(first, ";")
	tag = strings.TrimSpace(tag)
	if tag == "" || tag == "*" {
		return "und"
	}
	return tag
}
