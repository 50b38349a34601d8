// Package overlay pushes landmarks, session state and translations to UI clients
// over websockets.
package overlay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/signstream/pkg/landmarks"
	"github.com/harunnryd/signstream/pkg/stream"
)

const (
	MessageLandmarks = "landmarks"
	MessageState     = "state"
	MessageUpdate    = "update"
)

type Config struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	SendBuffer     int      `mapstructure:"send_buffer"`
	WriteTimeoutMS int      `mapstructure:"write_timeout_ms"`
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	if c.WriteTimeoutMS <= 0 {
		c.WriteTimeoutMS = 2000
	}
	return c
}

// Message is the envelope of everything sent to clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub fans messages out to connected clients. A client that cannot keep up loses
// messages; the pipeline is never blocked by the UI.
type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	state   []byte

	dropped  atomic.Int64
	draining atomic.Bool
}

func NewHub(cfg Config) *Hub {
	h := &Hub{
		cfg:     cfg.withDefaults(),
		log:     slog.Default(),
		clients: make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) SetLogger(log *slog.Logger) {
	if log != nil {
		h.log = log
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{
		conn:    conn,
		sendCh:  make(chan []byte, h.cfg.SendBuffer),
		timeout: time.Duration(h.cfg.WriteTimeoutMS) * time.Millisecond,
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	state := h.state
	h.mu.Unlock()
	h.log.Debug("overlay_client_connected", "remote", r.RemoteAddr)
	if state != nil {
		c.enqueue(state)
	}

	done := make(chan struct{})
	go func() {
		c.writeLoop()
		close(done)
	}()
	// Clients only listen; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(c)
	<-done
	h.log.Debug("overlay_client_disconnected", "remote", r.RemoteAddr)
}

// Render implements the extractor renderer.
func (h *Hub) Render(snap landmarks.Snapshot) {
	h.broadcast(MessageLandmarks, snap, false)
}

func (h *Hub) OnStateChange(ev stream.StateChange) {
	h.broadcast(MessageState, ev, true)
}

func (h *Hub) OnUpdate(u stream.Update) {
	h.broadcast(MessageUpdate, u, false)
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped counts messages not delivered to slow clients.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Close disconnects every client and refuses new ones.
func (h *Hub) Close(ctx context.Context) error {
	h.draining.Store(true)
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
	return ctx.Err()
}

func (h *Hub) broadcast(kind string, data any, sticky bool) {
	b, err := json.Marshal(Message{Type: kind, Data: data})
	if err != nil {
		h.log.Warn("overlay_encode_failed", "type", kind, "error", err)
		return
	}
	h.mu.Lock()
	if sticky {
		h.state = b
	}
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		if !c.enqueue(b) {
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimRight(strings.TrimSpace(r.Header.Get("Origin")), "/")
	if origin == "" {
		return true
	}
	host := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	for _, allowed := range h.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, host) {
			return true
		}
	}
	return false
}

type client struct {
	conn    *websocket.Conn
	sendCh  chan []byte
	timeout time.Duration
	mu      sync.Mutex
	closed  bool
}

// enqueue never blocks. It reports false when the message was dropped.
func (c *client) enqueue(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.sendCh <- b:
		return true
	default:
		return false
	}
}

func (c *client) writeLoop() {
	for msg := range c.sendCh {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			_ = c.conn.Close()
			return
		}
	}
}

func (c *client) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.sendCh)
	}
	c.mu.Unlock()
	_ = c.conn.Close()
}
