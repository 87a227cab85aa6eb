package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carecoord/carecoord/internal/platform/auth"
	"github.com/carecoord/carecoord/internal/platform/datastore"
	"github.com/carecoord/carecoord/internal/platform/query"
)

var viewer = auth.Session{ActorID: "cust-1", Role: auth.RoleCustomer}

func newTestHub(t *testing.T) (*Hub, *datastore.MemoryStore, *query.Controller) {
	t.Helper()
	store := datastore.NewMemoryStore()
	t.Cleanup(store.Close)
	ctl := query.NewController(store, zerolog.Nop())
	hub := NewHub(ctl, zerolog.Nop())
	hub.Handle("notes", func(sess auth.Session, params map[string]string) (query.Descriptor, error) {
		return query.Descriptor{Path: "notes/" + sess.ActorID, FlattenToArray: true}, nil
	})
	return hub, store, ctl
}

// nextEvent reads events from client until one of type typ arrives.
func nextEvent(t *testing.T, c *Client, typ string) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case data, ok := <-c.Send:
			if !ok {
				t.Fatalf("send channel closed waiting for %s", typ)
			}
			var ev Event
			if err := json.Unmarshal(data, &ev); err != nil {
				t.Fatalf("malformed event: %v", err)
			}
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func TestHub_RegisterClient(t *testing.T) {
	hub, _, _ := newTestHub(t)
	client := NewClient(hub, viewer, nil)
	hub.Register(client)

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send channel closed after Unregister")
	}
	hub.Unregister(client)
}

func TestHub_SubscribeStreamsSnapshots(t *testing.T) {
	hub, store, _ := newTestHub(t)
	ctx := context.Background()
	if _, err := store.Write(ctx, "notes/cust-1/n1", map[string]any{"text": "first"}, datastore.ModeCreate); err != nil {
		t.Fatalf("seed: %v", err)
	}

	client := NewClient(hub, viewer, nil)
	hub.Register(client)
	defer hub.Unregister(client)
	hub.Subscribe(client, []string{"notes"}, nil)

	nextEvent(t, client, EventSubscribed)
	ev := nextEvent(t, client, EventSnapshot)
	var records []map[string]any
	if err := json.Unmarshal(ev.Data, &records); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(records) != 1 || records[0]["id"] != "n1" {
		t.Fatalf("unexpected snapshot %v", records)
	}
	if hub.TopicCount("notes") != 1 {
		t.Errorf("expected 1 subscriber on notes, got %d", hub.TopicCount("notes"))
	}

	if _, err := store.Write(ctx, "notes/cust-1/n2", map[string]any{"text": "second"}, datastore.ModeCreate); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ev = nextEvent(t, client, EventSnapshot)
		records = nil
		json.Unmarshal(ev.Data, &records)
		if len(records) == 2 {
			return
		}
	}
	t.Fatalf("expected a snapshot with 2 records, last was %v", records)
}

func TestHub_ClientsShareLiveQuery(t *testing.T) {
	hub, _, ctl := newTestHub(t)

	a := NewClient(hub, viewer, nil)
	b := NewClient(hub, viewer, nil)
	hub.Register(a)
	hub.Register(b)
	hub.Subscribe(a, []string{"notes"}, nil)
	hub.Subscribe(b, []string{"notes"}, nil)

	if n := ctl.Subscriptions(); n != 1 {
		t.Errorf("expected 1 store subscription, got %d", n)
	}
	if n := ctl.LiveQueries(); n != 1 {
		t.Errorf("expected 1 live query, got %d", n)
	}

	hub.Unsubscribe(a, []string{"notes"})
	if n := ctl.Subscriptions(); n != 1 {
		t.Errorf("expected subscription kept for b, got %d", n)
	}
	hub.Unregister(b)
	if n := ctl.Subscriptions(); n != 0 {
		t.Errorf("expected subscription released, got %d", n)
	}
	if hub.TopicCount("notes") != 0 {
		t.Errorf("expected no subscribers left, got %d", hub.TopicCount("notes"))
	}
	hub.Unregister(a)
}

func TestHub_UnknownTopic(t *testing.T) {
	hub, _, _ := newTestHub(t)
	client := NewClient(hub, viewer, nil)
	hub.Register(client)
	defer hub.Unregister(client)

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{"billing"}})
	ev := nextEvent(t, client, EventError)
	if ev.Topic != "billing" || !strings.Contains(ev.Error, "unknown topic") {
		t.Errorf("unexpected error event %+v", ev)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "shout"})
	ev = nextEvent(t, client, EventError)
	if !strings.Contains(ev.Error, "unknown action") {
		t.Errorf("unexpected error event %+v", ev)
	}
}

func TestHub_Shutdown(t *testing.T) {
	hub, _, _ := newTestHub(t)
	client := NewClient(hub, viewer, nil)
	hub.Register(client)

	hub.Shutdown()
	nextEvent(t, client, EventShutdown)
	if hub.ClientCount() != 0 {
		t.Errorf("expected clients disconnected, got %d", hub.ClientCount())
	}
}

func TestClientMessage_JSON(t *testing.T) {
	var msg ClientMessage
	raw := `{"action":"subscribe","topics":["bookings"],"params":{"search":"fever"}}`
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if msg.Action != "subscribe" || msg.Topics[0] != "bookings" || msg.Params["search"] != "fever" {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestWebSocketHandler_RequiresSession(t *testing.T) {
	hub, _, _ := newTestHub(t)
	handler := NewWebSocketHandler(hub)

	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ws", nil), httptest.NewRecorder())
	err := handler.HandleConnect(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestWebSocketHandler_FullUpgradeWithDialer(t *testing.T) {
	hub, store, _ := newTestHub(t)
	handler := NewWebSocketHandler(hub)

	e := echo.New()
	g := e.Group("", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(auth.WithSession(c.Request().Context(), viewer)))
			return next(c)
		}
	})
	handler.RegisterRoutes(g)

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	if _, err := store.Write(context.Background(), "notes/cust-1/n1", map[string]any{"text": "hi"}, datastore.ModeCreate); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{"notes"}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("failed to read event: %v", err)
		}
		if ev.Type != EventSnapshot {
			continue
		}
		if !strings.Contains(string(ev.Data), `"text":"hi"`) {
			t.Fatalf("unexpected snapshot %s", ev.Data)
		}
		break
	}
}

func TestClient_FullBufferKeepsLatestSnapshot(t *testing.T) {
	hub, _, _ := newTestHub(t)
	client := NewClient(hub, viewer, nil)
	hub.Register(client)

	filler := cap(client.Send)
	for i := 0; i < filler; i++ {
		client.deliver([]byte(`{"type":"subscribed"}`))
	}
	client.deliverSnapshot("notes", []byte("notes-v1"))
	client.deliverSnapshot("notes", []byte("notes-v2"))
	client.deliverSnapshot("inbox", []byte("inbox-v1"))

	got := make(chan string, filler+8)
	done := make(chan error, 1)
	go func() {
		done <- client.drain(func(b []byte) error {
			got <- string(b)
			return nil
		})
	}()

	var written []string
	timeout := time.After(2 * time.Second)
	for len(written) < filler+2 {
		select {
		case m := <-got:
			written = append(written, m)
		case <-timeout:
			t.Fatalf("timed out after %d messages", len(written))
		}
	}
	hub.Unregister(client)
	if err := <-done; err != nil {
		t.Fatalf("drain: %v", err)
	}

	tail := written[filler:]
	if tail[0] != "notes-v2" || tail[1] != "inbox-v1" {
		t.Errorf("expected latest held back snapshots, got %v", tail)
	}
	for _, m := range written {
		if m == "notes-v1" {
			t.Error("superseded snapshot was written")
		}
	}
}

func TestClient_HeldTopicDoesNotSkipAhead(t *testing.T) {
	hub, _, _ := newTestHub(t)
	client := NewClient(hub, viewer, nil)
	hub.Register(client)
	defer hub.Unregister(client)

	for i := 0; i < cap(client.Send); i++ {
		client.deliver([]byte("filler"))
	}
	client.deliverSnapshot("notes", []byte("notes-v1"))
	<-client.Send
	client.deliverSnapshot("notes", []byte("notes-v2"))

	if n := len(client.Send); n != cap(client.Send)-1 {
		t.Errorf("expected the newer snapshot to stay held back, send has %d", n)
	}
	held := client.takePending()
	if len(held) != 1 || string(held[0]) != "notes-v2" {
		t.Errorf("unexpected held back snapshots %q", held)
	}
}
