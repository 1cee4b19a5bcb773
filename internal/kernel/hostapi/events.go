// Package hostapi exposes a live operator event stream over WebSocket:
// every agent state transition, scheduling dispatch, and kill-switch
// action is broadcast to connected operators as it happens, for
// dashboards and ad-hoc debugging sessions.
package hostapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Event is one operator-facing notification. Kind names are free-form
// strings rather than a closed enum because this stream is advisory —
// unlike the journal, it carries no replay or integrity guarantees.
type Event struct {
	Kind      string         `json:"kind"`
	Timestamp int64          `json:"timestamp"`
	Fields    map[string]any `json:"fields"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Broadcaster fans out Events to every currently connected operator
// socket, dropping a slow subscriber rather than blocking the kernel's
// hot path on it.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan Event
}

// NewBroadcaster constructs an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[*client]struct{})}
}

// Publish emits an event of the given kind with fields to every
// connected operator.
func (b *Broadcaster) Publish(kind string, fields map[string]any) {
	ev := Event{Kind: kind, Timestamp: time.Now().UnixNano(), Fields: fields}

	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		select {
		case c.send <- ev:
		default:
			slog.Warn("hostapi: dropping event for slow subscriber", "kind", kind)
		}
	}
}

// Handler upgrades an HTTP connection to a WebSocket and streams events
// to it until the client disconnects.
func (b *Broadcaster) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("hostapi: websocket upgrade failed", "error", err)
		return
	}

	c := &client{id: uuid.NewString(), conn: conn, send: make(chan Event, 64)}
	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	slog.Info("hostapi: operator connected", "client_id", c.id)

	go b.readLoop(c)
	b.writeLoop(c)
}

// readLoop discards operator-sent frames (this stream is one-way) but
// must still read to detect disconnects and respond to pings.
func (b *Broadcaster) readLoop(c *client) {
	defer b.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) writeLoop(c *client) {
	defer c.conn.Close()
	for ev := range c.send {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			b.drop(c)
			return
		}
	}
}

func (b *Broadcaster) drop(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
		slog.Info("hostapi: operator disconnected", "client_id", c.id)
	}
}
