// Package notification keeps a per-actor inbox of rendered messages stored
// under notifications/{recipient} and optionally fans them out to external
// channels.
package notification

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carecoord/carecoord/internal/platform/auth"
	"github.com/carecoord/carecoord/internal/platform/datastore"
	"github.com/carecoord/carecoord/internal/platform/query"
	"github.com/carecoord/carecoord/pkg/pagination"
)

// Collection is the store path holding every inbox.
const Collection = "notifications"

// Built-in template ids.
const (
	TemplateBookingRequested = "booking-requested"
	TemplateBookingConfirmed = "booking-confirmed"
	TemplateBookingCancelled = "booking-cancelled"
	TemplateBookingCompleted = "booking-completed"
)

var (
	ErrNotFound        = errors.New("notification not found")
	ErrUnknownTemplate = errors.New("unknown template")
)

// Notification is a single inbox entry.
type Notification struct {
	ID         string            `json:"id"`
	Recipient  string            `json:"recipient"`
	TemplateID string            `json:"templateId"`
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
	Data       map[string]string `json:"data,omitempty"`
	Read       bool              `json:"read"`
	CreatedAt  time.Time         `json:"createdAt"`
	// Seq orders entries; createdAt strings do not sort reliably.
	Seq int64 `json:"seq"`
}

// Template defines a reusable message with {{key}} placeholders.
type Template struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine manages templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	for _, t := range []Template{
		{
			ID:      TemplateBookingRequested,
			Subject: "New {{service_type}} request",
			Body:    "{{requester}} requested {{service_type}} on {{date}} at {{time}} ({{condition}}).",
		},
		{
			ID:      TemplateBookingConfirmed,
			Subject: "Booking confirmed",
			Body:    "{{provider_name}} confirmed your {{service_type}} booking on {{date}} at {{time}}.",
		},
		{
			ID:      TemplateBookingCancelled,
			Subject: "Booking cancelled",
			Body:    "The {{service_type}} booking on {{date}} at {{time}} was cancelled by {{actor}}. {{reason}}",
		},
		{
			ID:      TemplateBookingCompleted,
			Subject: "Booking completed",
			Body:    "Your {{service_type}} visit with {{provider_name}} on {{date}} is complete.",
		},
	} {
		e.templates[t.ID] = t
	}
	return e
}

// RegisterTemplate adds or replaces a template.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

// Render performs {{key}} replacement. Placeholders absent from data are
// left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownTemplate, templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, strings.TrimSpace(body), nil
}

// Channel delivers a stored notification somewhere outside the inbox.
type Channel interface {
	Deliver(ctx context.Context, n *Notification) error
}

// LogChannel writes deliveries to the logger.
type LogChannel struct {
	Logger zerolog.Logger
}

func (l LogChannel) Deliver(_ context.Context, n *Notification) error {
	l.Logger.Info().
		Str("recipient", n.Recipient).
		Str("template", n.TemplateID).
		Str("notification_id", n.ID).
		Msg(n.Subject)
	return nil
}

// Manager renders, stores and lists notifications.
type Manager struct {
	gw        datastore.Gateway
	queries   *query.Controller
	templates *TemplateEngine
	channels  []Channel
	logger    zerolog.Logger
	now       func() time.Time
}

func NewManager(gw datastore.Gateway, queries *query.Controller, tpl *TemplateEngine, logger zerolog.Logger, channels ...Channel) *Manager {
	return &Manager{gw: gw, queries: queries, templates: tpl, channels: channels, logger: logger, now: time.Now}
}

// inboxPath maps an actor id onto a legal store segment. Ids with reserved
// characters (emails carry ".") are base64url encoded.
func inboxPath(recipient string) string {
	seg := recipient
	if strings.ContainsAny(seg, ".#$[]/") {
		seg = "b64-" + base64.RawURLEncoding.EncodeToString([]byte(recipient))
	}
	return datastore.JoinPath(Collection, seg)
}

// Notify renders templateID and stores the result in recipient's inbox.
// Channel failures are logged; the stored entry is still returned.
func (m *Manager) Notify(ctx context.Context, templateID, recipient string, data map[string]string) (*Notification, error) {
	if recipient == "" {
		return nil, fmt.Errorf("notification recipient is required")
	}
	subject, body, err := m.templates.Render(templateID, data)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	n := &Notification{
		Recipient:  recipient,
		TemplateID: templateID,
		Subject:    subject,
		Body:       body,
		Data:       data,
		CreatedAt:  now,
		Seq:        now.UnixNano(),
	}
	rec, err := datastore.Normalize(n)
	if err != nil {
		return nil, err
	}
	if fields, ok := rec.(map[string]any); ok {
		delete(fields, "id")
	}
	id, err := m.gw.Write(ctx, inboxPath(recipient), rec, datastore.ModeCreateWithID)
	if err != nil {
		return nil, &query.FetchError{Path: inboxPath(recipient), Cause: err}
	}
	n.ID = id

	for _, ch := range m.channels {
		if err := ch.Deliver(ctx, n); err != nil {
			m.logger.Warn().Err(err).Str("notification_id", id).Msg("notification delivery failed")
		}
	}
	return n, nil
}

// List returns recipient's inbox, newest first. limit 0 means all.
func (m *Manager) List(ctx context.Context, recipient string, limit int) ([]Notification, error) {
	data, err := m.queries.Fetch(ctx, inboxDescriptor(recipient, limit, false))
	if err != nil {
		return nil, err
	}
	var out []Notification
	if err := query.Decode(data, &out); err != nil {
		return nil, fmt.Errorf("decode notifications: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if out == nil {
		out = []Notification{}
	}
	return out, nil
}

// MarkRead flags one entry of recipient's inbox as read.
func (m *Manager) MarkRead(ctx context.Context, recipient, id string) error {
	if _, err := datastore.SplitPath(id); err != nil || strings.Contains(id, "/") {
		return ErrNotFound
	}
	path := datastore.JoinPath(inboxPath(recipient), id)
	v, err := m.gw.Read(ctx, path)
	if err != nil {
		return &query.FetchError{Path: path, Cause: err}
	}
	if v == nil {
		return ErrNotFound
	}
	if _, err := m.gw.Write(ctx, path, map[string]any{"read": true}, datastore.ModeUpdate); err != nil {
		return &query.FetchError{Path: path, Cause: err}
	}
	return nil
}

func inboxDescriptor(recipient string, limit int, live bool) query.Descriptor {
	d := query.Descriptor{Path: inboxPath(recipient), FlattenToArray: true, Live: live}
	if limit > 0 {
		d.OrderBy = "seq"
		d.Limit = limit
		d.LimitDirection = query.Last
	}
	return d
}

// TopicDescriptor resolves a live "notifications" subscription to the
// caller's own inbox. A "limit" param keeps only the newest entries.
func TopicDescriptor(sess auth.Session, params map[string]string) (query.Descriptor, error) {
	limit := 0
	if raw := params["limit"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return query.Descriptor{}, fmt.Errorf("%w: limit must be a positive integer", query.ErrInvalidQuery)
		}
		limit = n
	}
	return inboxDescriptor(sess.ActorID, limit, true), nil
}

type Handler struct {
	manager *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{manager: mgr}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications", h.HandleList)
	g.POST("/notifications/:id/read", h.HandleMarkRead)
}

// HandleList serves the caller's inbox, newest first.
func (h *Handler) HandleList(c echo.Context) error {
	sess, ok := auth.FromContext(c.Request().Context())
	if !ok || !sess.Valid() {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing session")
	}
	list, err := h.manager.List(c.Request().Context(), sess.ActorID, 0)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.Page(list, pagination.FromContext(c)))
}

func (h *Handler) HandleMarkRead(c echo.Context) error {
	sess, ok := auth.FromContext(c.Request().Context())
	if !ok || !sess.Valid() {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing session")
	}
	err := h.manager.MarkRead(c.Request().Context(), sess.ActorID, c.Param("id"))
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
