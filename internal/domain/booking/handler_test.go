package booking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/carecoord/carecoord/internal/platform/auth"
	"github.com/carecoord/carecoord/internal/platform/datastore"
	"github.com/carecoord/carecoord/internal/platform/query"
)

func newTestHandler(t *testing.T) (*Handler, *fixture, *echo.Echo) {
	f := newFixture(t, nil)
	return NewHandler(f.svc), f, echo.New()
}

func requestAs(e *echo.Echo, sess *auth.Session, method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if sess != nil {
		req = req.WithContext(auth.WithSession(req.Context(), *sess))
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected HTTP error %d, got %v", code, err)
	}
	if he.Code != code {
		t.Errorf("expected status %d, got %d (%v)", code, he.Code, he.Message)
	}
}

const createBody = `{"providerId":"para-1","serviceType":"HOME_CARE",
	"schedule":{"date":"2024-02-01","startTime":"10:00","durationHours":1},
	"location":{"address":"12 MG Road","city":"Pune"},
	"requesterDetails":{"condition":"Wound dressing"}}`

func createViaHandler(t *testing.T, h *Handler, e *echo.Echo) Booking {
	t.Helper()
	c, rec := requestAs(e, &customer, http.MethodPost, "/api/v1/bookings", createBody)
	if err := h.CreateBooking(c); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var b Booking
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Header().Get("ETag") != `W/"1"` {
		t.Errorf("expected ETag W/\"1\", got %q", rec.Header().Get("ETag"))
	}
	if rec.Header().Get("Location") != "/api/v1/bookings/"+b.ID {
		t.Errorf("unexpected Location %q", rec.Header().Get("Location"))
	}
	return b
}

func TestHandler_CreateBooking(t *testing.T) {
	h, _, e := newTestHandler(t)
	b := createViaHandler(t, h, e)
	if b.Status != StatusPending || b.ID == "" {
		t.Errorf("unexpected booking %+v", b)
	}
}

func TestHandler_CreateBooking_Errors(t *testing.T) {
	h, _, e := newTestHandler(t)

	c, _ := requestAs(e, nil, http.MethodPost, "/api/v1/bookings", createBody)
	expectStatus(t, h.CreateBooking(c), http.StatusUnauthorized)

	c, _ = requestAs(e, &customer, http.MethodPost, "/api/v1/bookings", `{"providerId":"para-1"}`)
	expectStatus(t, h.CreateBooking(c), http.StatusBadRequest)

	c, _ = requestAs(e, &customer, http.MethodPost, "/api/v1/bookings", strings.Replace(createBody, "10:00", "18:00", 1))
	expectStatus(t, h.CreateBooking(c), http.StatusUnprocessableEntity)
}

func TestHandler_GetBooking(t *testing.T) {
	h, _, e := newTestHandler(t)
	b := createViaHandler(t, h, e)

	c, rec := requestAs(e, &paramedic, http.MethodGet, "/", "")
	c.SetParamNames("id")
	c.SetParamValues(b.ID)
	if err := h.GetBooking(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK || rec.Header().Get("ETag") != `W/"1"` {
		t.Errorf("unexpected response %d %q", rec.Code, rec.Header().Get("ETag"))
	}

	c, rec = requestAs(e, &paramedic, http.MethodGet, "/", "")
	c.Request().Header.Set("If-None-Match", `W/"1"`)
	c.SetParamNames("id")
	c.SetParamValues(b.ID)
	if err := h.GetBooking(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNotModified {
		t.Errorf("expected 304, got %d", rec.Code)
	}

	stranger := auth.Session{ActorID: "doc-9", Role: auth.RoleDoctor}
	c, _ = requestAs(e, &stranger, http.MethodGet, "/", "")
	c.SetParamNames("id")
	c.SetParamValues(b.ID)
	expectStatus(t, h.GetBooking(c), http.StatusNotFound)
}

func TestHandler_Transition(t *testing.T) {
	h, _, e := newTestHandler(t)
	b := createViaHandler(t, h, e)

	transition := func(sess auth.Session, body, ifMatch string) (*httptest.ResponseRecorder, error) {
		c, rec := requestAs(e, &sess, http.MethodPost, "/", body)
		if ifMatch != "" {
			c.Request().Header.Set("If-Match", ifMatch)
		}
		c.SetParamNames("id")
		c.SetParamValues(b.ID)
		return rec, h.Transition(c)
	}

	_, err := transition(paramedic, `{"status":"CONFIRMED"}`, `W/"4"`)
	expectStatus(t, err, http.StatusConflict)

	_, err = transition(customer, `{"status":"CONFIRMED"}`, "")
	expectStatus(t, err, http.StatusForbidden)

	rec, err := transition(paramedic, `{"status":"CONFIRMED"}`, `W/"1"`)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if rec.Header().Get("ETag") != `W/"2"` {
		t.Errorf("expected ETag W/\"2\", got %q", rec.Header().Get("ETag"))
	}

	_, err = transition(customer, `{"status":"CONFIRMED"}`, "")
	expectStatus(t, err, http.StatusConflict)

	_, err = transition(customer, `{}`, "")
	expectStatus(t, err, http.StatusBadRequest)

	_, err = transition(customer, `{"status":"CANCELLED"}`, "nope")
	expectStatus(t, err, http.StatusBadRequest)
}

func TestHandler_ListBookings(t *testing.T) {
	h, _, e := newTestHandler(t)
	createViaHandler(t, h, e)

	c, rec := requestAs(e, &customer, http.MethodGet, "/api/v1/bookings?search=ravi", "")
	if err := h.ListBookings(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var page struct {
		Data  []Booking `json:"data"`
		Total int       `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 1 || len(page.Data) != 1 {
		t.Errorf("expected one booking, got %+v", page)
	}

	c, _ = requestAs(e, &customer, http.MethodGet, "/api/v1/bookings?status=LOST", "")
	expectStatus(t, h.ListBookings(c), http.StatusBadRequest)
}

func TestHandler_MatchProviders(t *testing.T) {
	h, _, e := newTestHandler(t)

	c, rec := requestAs(e, &customer, http.MethodPost, "/api/v1/providers/match",
		`{"date":"2024-02-01","startTime":"10:00","durationHours":1}`)
	if err := h.MatchProviders(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out struct {
		Total int `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out.Total != 2 {
		t.Errorf("expected 2 providers, got %d", out.Total)
	}

	c, _ = requestAs(e, &customer, http.MethodPost, "/api/v1/providers/match",
		`{"date":"2024-02-01","startTime":"ten","durationHours":1}`)
	expectStatus(t, h.MatchProviders(c), http.StatusBadRequest)
}

type failingGateway struct{}

func (failingGateway) Read(context.Context, string) (any, error) {
	return nil, errors.New("connection refused")
}

func (failingGateway) Write(context.Context, string, any, datastore.Mode) (string, error) {
	return "", errors.New("connection refused")
}

func (failingGateway) Subscribe(context.Context, string, datastore.ChangeFunc) (datastore.Unsubscribe, error) {
	return nil, errors.New("connection refused")
}

func TestHTTPError_Mapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{ErrInvalidBooking, http.StatusBadRequest},
		{ErrMalformedSchedule, http.StatusBadRequest},
		{ErrInvalidDuration, http.StatusBadRequest},
		{query.ErrInvalidQuery, http.StatusBadRequest},
		{ErrUnauthorized, http.StatusForbidden},
		{ErrNotFound, http.StatusNotFound},
		{ErrInvalidTransition, http.StatusConflict},
		{ErrVersionConflict, http.StatusConflict},
		{ErrProviderUnavailable, http.StatusUnprocessableEntity},
		{query.ErrUnsupportedOperation, http.StatusMethodNotAllowed},
		{&query.FetchError{Path: "bookings", Cause: errors.New("down")}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		expectStatus(t, httpError(tt.err), tt.code)
	}
}

func TestHandler_StoreFailure(t *testing.T) {
	f := newFixture(t, nil)
	svc := NewService(NewStoreRepository(failingGateway{}), nil, query.NewController(failingGateway{}, f.svc.logger), f.svc.logger)
	h := NewHandler(svc)
	e := echo.New()

	c, _ := requestAs(e, &customer, http.MethodGet, "/api/v1/bookings", "")
	expectStatus(t, h.ListBookings(c), http.StatusBadGateway)
}
