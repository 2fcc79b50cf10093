// Package overlay pushes visual effects to the streamer's browser sources
// over websocket.
package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/liamcoop/botevents/internal/logger"
	"github.com/liamcoop/botevents/internal/metrics"
)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Message types understood by the overlay page.
const (
	TypeEmoteExplosion = "emote-explosion"
	TypeEmoteFirework  = "emote-firework"
	TypeClip           = "clip"
)

// Message is one overlay effect.
type Message struct {
	Type      string   `json:"type"`
	Emotes    []string `json:"emotes,omitempty"`
	ClipID    string   `json:"clipId,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

type client struct {
	conn        *websocket.Conn
	connectedAt time.Time
	writeMu     sync.Mutex
	closed      atomic.Bool
	closeOnce   sync.Once
}

func (c *client) send(data []byte) error {
	// gorilla/websocket panics on concurrent writes to one connection.
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub tracks connected overlay pages and broadcasts effects to all of them.
// Effects sent while no page is connected are dropped.
type Hub struct {
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	now      func() time.Time

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]*client

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewHub(m *metrics.Metrics) *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool {
				// OBS browser sources load the overlay from file:// or localhost.
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		metrics:  m,
		now:      time.Now,
		clients:  make(map[*websocket.Conn]*client),
		shutdown: make(chan struct{}),
	}
	h.wg.Add(1)
	go h.keepAlive()
	return h
}

// ServeHTTP upgrades the request and registers the page.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("overlay upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{conn: conn, connectedAt: h.now()}
	h.clientsMu.Lock()
	h.clients[conn] = c
	count := len(h.clients)
	h.clientsMu.Unlock()
	h.metrics.OverlayClientsConnected(count)
	logger.Info("overlay connected", "remote", r.RemoteAddr, "clients", count)

	h.wg.Add(1)
	go h.readLoop(c)
}

// readLoop discards inbound frames; it exists to process control frames and
// notice disconnects.
func (h *Hub) readLoop(c *client) {
	defer h.wg.Done()
	defer h.remove(c)

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		h.clientsMu.Lock()
		delete(h.clients, c.conn)
		count := len(h.clients)
		h.clientsMu.Unlock()

		h.metrics.OverlayClientsConnected(count)
		_ = c.conn.Close()
	})
}

func (h *Hub) snapshot() []*client {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	out := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		if !c.closed.Load() {
			out = append(out, c)
		}
	}
	return out
}

// Clients returns the number of connected pages.
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Broadcast sends msg to every connected page. Pages that fail the write are
// disconnected.
func (h *Hub) Broadcast(ctx context.Context, msg Message) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = h.now().UnixMilli()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode overlay message: %w", err)
	}

	clients := h.snapshot()
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			if err := c.send(data); err != nil {
				logger.Debug("overlay write failed", "error", err)
				h.remove(c)
			}
		}(c)
	}
	wg.Wait()
	logger.Debug("overlay broadcast", "type", msg.Type, "clients", len(clients))
	return nil
}

func (h *Hub) ExplodeEmotes(ctx context.Context, emotes []string) error {
	return h.Broadcast(ctx, Message{Type: TypeEmoteExplosion, Emotes: emotes})
}

func (h *Hub) FireworkEmotes(ctx context.Context, emotes []string) error {
	return h.Broadcast(ctx, Message{Type: TypeEmoteFirework, Emotes: emotes})
}

func (h *Hub) ShowClip(ctx context.Context, clipID string) error {
	return h.Broadcast(ctx, Message{Type: TypeClip, ClipID: clipID})
}

func (h *Hub) keepAlive() {
	defer h.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.shutdown:
			return
		case <-ticker.C:
			for _, c := range h.snapshot() {
				c.writeMu.Lock()
				err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
				c.writeMu.Unlock()
				if err != nil {
					h.remove(c)
				}
			}
		}
	}
}

// Close disconnects every page and waits for the hub goroutines.
func (h *Hub) Close() {
	h.stopOnce.Do(func() {
		close(h.shutdown)
		for _, c := range h.snapshot() {
			h.remove(c)
		}
	})
	h.wg.Wait()
}
