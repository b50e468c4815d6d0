// Package progress streams brief generation progress to WebSocket clients.
package progress

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Stage names the step of a brief generation an event reports on.
type Stage string

const (
	StageStarted Stage = "started"
	StageCache   Stage = "cache"
	StageSERP    Stage = "serp"
	StageFanOut  Stage = "fanout"
	StageBatch   Stage = "batch"
	StageLLM     Stage = "llm"
	StageSaved   Stage = "saved"
	StageDone    Stage = "done"
	StageFailed  Stage = "failed"
)

const (
	sendBuffer   = 32
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Event is one progress update.
type Event struct {
	RequestID string    `json:"request_id"`
	Stage     Stage     `json:"stage"`
	Message   string    `json:"message,omitempty"`
	Batch     int       `json:"batch,omitempty"`
	Batches   int       `json:"batches,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher receives progress events.
type Publisher interface {
	Publish(e Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}

type client struct {
	requestID string
	send      chan []byte
}

// Hub fans events out to the WebSocket clients subscribed to their request
// id. Clients that subscribe without a request id receive every event.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: sameOriginOrLoopback,
		},
		clients: make(map[*client]struct{}),
	}
}

// Publish delivers e to matching subscribers. Slow clients whose buffer is
// full miss the event.
func (h *Hub) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		slog.Warn("progress: encoding event", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.requestID != "" && c.requestID != e.RequestID {
			continue
		}
		select {
		case c.send <- data:
		default:
			slog.Debug("progress: dropping event for slow client", "request_id", e.RequestID)
		}
	}
}

// sameOriginOrLoopback admits non-browser clients (no Origin header), pages
// served by this host, and pages on a loopback host.
func sameOriginOrLoopback(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a WebSocket and streams events for the
// request_id query parameter until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("progress: websocket upgrade failed", "error", err)
		return
	}

	c := &client{requestID: r.URL.Query().Get("request_id"), send: make(chan []byte, sendBuffer)}
	h.register(c)
	slog.Debug("progress: client connected", "request_id", c.requestID, "clients", h.ClientCount())

	done := make(chan struct{})
	go h.writeLoop(conn, c, done)

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.unregister(c)
	close(done)
	conn.Close()
	slog.Debug("progress: client disconnected", "request_id", c.requestID)
}

func (h *Hub) writeLoop(conn *websocket.Conn, c *client, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case data := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("progress: write failed", "error", err)
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}
