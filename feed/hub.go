// Package feed streams tracker events to browser or CLI clients over
// websockets. Each client first receives a snapshot of the current state and
// markers, then every event as it happens.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ggoodman/geotracker-go/internal/logctx"
	"github.com/ggoodman/geotracker-go/markers"
	"github.com/ggoodman/geotracker-go/tracker"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the client.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the client.
	pongWait = 60 * time.Second

	// Send pings to client with this period. Must be less than pongWait.
	pingPeriod = 15 * time.Second

	// Maximum message size allowed from client.
	maxMessageSize = 512

	// Frames buffered per client before it is considered too slow.
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Source provides the snapshot sent to new clients. *tracker.Tracker
// implements it.
type Source interface {
	State() tracker.State
	Markers() []markers.Marker
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

// Hub fans tracker events out to connected websocket clients.
type Hub struct {
	src Source
	log *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	id   string
	send chan []byte
	once sync.Once
}

func (c *client) close() { c.once.Do(func() { close(c.send) }) }

// NewHub creates a hub serving snapshots from src.
func NewHub(src Source, opts ...Option) *Hub {
	h := &Hub{src: src, log: slog.Default(), clients: make(map[*client]struct{})}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Close disconnects every client. The hub stays usable for new clients.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

// Publish sends ev to every client. Clients whose buffer is full are
// disconnected.
func (h *Hub) Publish(ev tracker.Event) {
	msg, ok := Encode(ev)
	if !ok {
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("feed: encode failed", slog.String("err", err.Error()))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.log.Warn("feed: dropping slow client", slog.String("client", c.id))
			delete(h.clients, c)
			c.close()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// register adds c and queues the snapshot as its first frame. Holding the
// lock keeps concurrent events from overtaking the snapshot.
func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, err := json.Marshal(snapshot(h.src.State(), h.src.Markers()))
	if err != nil {
		h.log.Error("feed: encode snapshot failed", slog.String("err", err.Error()))
	} else {
		c.send <- b
	}
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
}

// ServeHTTP upgrades the request and streams messages until the client goes
// away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		return
	}

	c := &client{id: uuid.NewString(), send: make(chan []byte, sendBuffer)}
	ctx := logctx.WithPeerData(r.Context(), &logctx.PeerData{
		ID:         c.id,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})

	h.register(c)
	h.log.InfoContext(ctx, "feed: client connected")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.writeLoop(ctx, conn, c)
	}()
	h.readLoop(ctx, conn)
	h.unregister(c)
	wg.Wait()
	h.log.InfoContext(ctx, "feed: client disconnected")
}

// readLoop consumes control frames until the connection fails.
func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.DebugContext(ctx, "feed: read failed", slog.String("err", err.Error()))
			}
			return
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case b, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				h.log.DebugContext(ctx, "feed: write failed", slog.String("err", err.Error()))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
