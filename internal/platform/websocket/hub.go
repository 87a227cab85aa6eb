// Package websocket streams live query snapshots to browser clients. A client
// subscribes to named topics; each topic resolves, for the client's session,
// to a query descriptor whose live snapshots are pushed down the connection.
// Clients with equal sessions and parameters share one live query through the
// query.Controller.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carecoord/carecoord/internal/platform/auth"
	"github.com/carecoord/carecoord/internal/platform/query"
)

const (
	EventSnapshot   = "snapshot"
	EventError      = "error"
	EventSubscribed = "subscribed"
	EventShutdown   = "server.shutdown"
)

var ErrUnknownTopic = errors.New("unknown topic")

// Event is a message sent to a client.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ClientMessage is an inbound message from a client. Params narrow the
// subscribed topics, for example {"search": "fever"}.
type ClientMessage struct {
	Action string            `json:"action"`
	Topics []string          `json:"topics"`
	Params map[string]string `json:"params,omitempty"`
}

// Resolver maps a topic subscription to the live query that serves it.
type Resolver func(sess auth.Session, params map[string]string) (query.Descriptor, error)

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is a single connection and its open topic streams.
type Client struct {
	ID      string
	Session auth.Session
	Send    chan []byte

	hub    *Hub
	conn   Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	streams map[string]*query.Handle
	closed  bool
	pending map[string][]byte // newest held back snapshot per topic
	order   []string
	wake    chan struct{}
}

// NewClient creates a client for sess. conn may be nil in tests.
func NewClient(hub *Hub, sess auth.Session, conn Conn) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ID:      uuid.New().String(),
		Session: sess,
		Send:    make(chan []byte, 256),
		hub:     hub,
		conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[string]*query.Handle),
		pending: make(map[string][]byte),
		wake:    make(chan struct{}, 1),
	}
}

// Topics lists the client's open topic streams.
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.streams))
	for t := range c.streams {
		out = append(out, t)
	}
	return out
}

// deliver queues a control event without blocking. A full buffer drops it.
func (c *Client) deliver(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// deliverSnapshot queues the latest snapshot of topic. When the buffer is
// full, or an older snapshot of the topic is already held back, data becomes
// the topic's held back snapshot and replaces the older one.
func (c *Client) deliverSnapshot(topic string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	_, held := c.pending[topic]
	if !held {
		select {
		case c.Send <- data:
			return
		default:
		}
		c.order = append(c.order, topic)
	}
	c.pending[topic] = data
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) takePending() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) == 0 {
		return nil
	}
	out := make([][]byte, 0, len(c.order))
	for _, topic := range c.order {
		out = append(out, c.pending[topic])
		delete(c.pending, topic)
	}
	c.order = c.order[:0]
	return out
}

// drain writes queued messages until Send is closed. Held back snapshots are
// written only once Send is empty so they never precede older messages.
func (c *Client) drain(write func([]byte) error) error {
	for {
		select {
		case msg, ok := <-c.Send:
			if !ok {
				return nil
			}
			if err := write(msg); err != nil {
				return err
			}
		case <-c.wake:
		}
		if len(c.Send) > 0 {
			continue
		}
		for _, msg := range c.takePending() {
			if err := write(msg); err != nil {
				return err
			}
		}
	}
}

// Hub tracks connected clients and their topic subscriptions. All operations
// are safe for concurrent use.
type Hub struct {
	ctl       *query.Controller
	resolvers map[string]Resolver
	logger    zerolog.Logger

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}
}

// NewHub creates a hub opening live queries through ctl.
func NewHub(ctl *query.Controller, logger zerolog.Logger) *Hub {
	return &Hub{
		ctl:       ctl,
		resolvers: make(map[string]Resolver),
		logger:    logger.With().Str("component", "websocket").Logger(),
		clients:   make(map[string]map[*Client]struct{}),
		all:       make(map[*Client]struct{}),
	}
}

// Handle registers the resolver for topic. It must be called before clients
// connect.
func (h *Hub) Handle(topic string, r Resolver) {
	h.resolvers[topic] = r
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
}

// Unregister removes a client, closes all of its streams and its Send
// channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.all[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.all, client)
	for topic, subscribers := range h.clients {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
	h.mu.Unlock()

	client.cancel()
	client.mu.Lock()
	streams := client.streams
	client.streams = make(map[string]*query.Handle)
	client.closed = true
	close(client.Send)
	client.mu.Unlock()
	for _, s := range streams {
		s.Close()
	}
}

// Subscribe opens a stream per topic. A topic already open on the client is
// reopened with the new params. Failures are reported to the client as error
// events.
func (h *Hub) Subscribe(client *Client, topics []string, params map[string]string) {
	for _, topic := range topics {
		if err := h.subscribe(client, topic, params); err != nil {
			h.logger.Debug().Err(err).Str("client_id", client.ID).Str("topic", topic).Msg("subscribe failed")
			client.deliver(encode(Event{Type: EventError, Topic: topic, Timestamp: time.Now().UTC(), Error: err.Error()}))
		}
	}
}

func (h *Hub) subscribe(client *Client, topic string, params map[string]string) error {
	resolve, ok := h.resolvers[topic]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	d, err := resolve(client.Session, params)
	if err != nil {
		return err
	}
	d.Live = true

	client.mu.Lock()
	if client.closed {
		client.mu.Unlock()
		return query.ErrClosed
	}
	existing := client.streams[topic]
	client.mu.Unlock()

	if existing != nil {
		if err := existing.Reconfigure(client.ctx, d); err != nil {
			return err
		}
		client.deliver(encode(Event{Type: EventSubscribed, Topic: topic, Timestamp: time.Now().UTC()}))
		return nil
	}

	stream, err := h.ctl.Open(client.ctx, d)
	if err != nil {
		return err
	}
	client.mu.Lock()
	if client.closed {
		client.mu.Unlock()
		stream.Close()
		return query.ErrClosed
	}
	client.streams[topic] = stream
	client.mu.Unlock()

	h.mu.Lock()
	if _, registered := h.all[client]; registered {
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
	}
	h.mu.Unlock()

	client.deliver(encode(Event{Type: EventSubscribed, Topic: topic, Timestamp: time.Now().UTC()}))
	go h.pump(client, topic, stream)
	return nil
}

// pump forwards snapshots of one stream until it is closed.
func (h *Hub) pump(client *Client, topic string, stream *query.Handle) {
	for snap := range stream.Updates() {
		if snap.Loading {
			continue
		}
		ev := Event{Type: EventSnapshot, Topic: topic, Timestamp: time.Now().UTC()}
		if snap.Err != nil {
			ev.Type = EventError
			ev.Error = snap.Err.Error()
		} else {
			data, err := json.Marshal(snap.Data)
			if err != nil {
				h.logger.Error().Err(err).Str("topic", topic).Msg("failed to marshal snapshot")
				continue
			}
			ev.Data = data
		}
		client.deliverSnapshot(topic, encode(ev))
	}
}

// Unsubscribe closes the named streams of a client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	var closing []*query.Handle
	client.mu.Lock()
	for _, topic := range topics {
		if s, ok := client.streams[topic]; ok {
			closing = append(closing, s)
			delete(client.streams, topic)
		}
	}
	client.mu.Unlock()

	h.mu.Lock()
	for _, topic := range topics {
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}
	h.mu.Unlock()

	for _, s := range closing {
		s.Close()
	}
}

// ProcessMessage dispatches an inbound ClientMessage.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics, msg.Params)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	default:
		client.deliver(encode(Event{Type: EventError, Timestamp: time.Now().UTC(), Error: "unknown action " + msg.Action}))
	}
}

// BroadcastAll sends an event to every connected client regardless of topic.
func (h *Hub) BroadcastAll(event Event) {
	data := encode(event)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.all {
		client.deliver(data)
	}
}

// Shutdown notifies and disconnects every client.
func (h *Hub) Shutdown() {
	h.BroadcastAll(Event{Type: EventShutdown, Timestamp: time.Now().UTC()})
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.all))
	for c := range h.all {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.Unregister(c)
	}
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to a topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

func encode(ev Event) []byte {
	data, _ := json.Marshal(ev)
	return data
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler upgrades authenticated requests and routes messages.
type WebSocketHandler struct {
	hub *Hub
}

func NewWebSocketHandler(hub *Hub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the connection for the request's session and starts
// the read and write pumps.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	sess, ok := auth.FromContext(c.Request().Context())
	if !ok || !sess.Valid() {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing session")
	}
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(wsh.hub, sess, &gorillaConnAdapter{ws})
	wsh.hub.Register(client)

	go wsh.writePump(client)
	go wsh.readPump(client)
	return nil
}

func (wsh *WebSocketHandler) readPump(client *Client) {
	defer func() {
		wsh.hub.Unregister(client)
		client.conn.Close()
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			client.deliver(encode(Event{Type: EventError, Timestamp: time.Now().UTC(), Error: "malformed message"}))
			continue
		}
		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *WebSocketHandler) writePump(client *Client) {
	defer client.conn.Close()

	client.drain(func(message []byte) error {
		return client.conn.WriteMessage(gorillawebsocket.TextMessage, message)
	})
}

// gorillaConnAdapter wraps a gorilla/websocket.Conn to satisfy Conn.
type gorillaConnAdapter struct {
	conn *gorillawebsocket.Conn
}

func (a *gorillaConnAdapter) ReadMessage() (int, []byte, error) {
	return a.conn.ReadMessage()
}

func (a *gorillaConnAdapter) WriteMessage(messageType int, data []byte) error {
	return a.conn.WriteMessage(messageType, data)
}

func (a *gorillaConnAdapter) Close() error {
	return a.conn.Close()
}
