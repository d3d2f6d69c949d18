// Package stream is the live event feed: a WebSocket hub that fans out
// every committed event to connected clients. The feed is best-effort
// and lossy for slow consumers; the authoritative record is always the
// relational store.
package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/skytrace/backend/internal/metrics"
	"github.com/skytrace/backend/internal/model"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The feed is read-only and carries no credentials.
	CheckOrigin: func(*http.Request) bool { return true },
}

// feedFrame is the wire shape of one feed entry.
type feedFrame struct {
	EventID   string          `json:"event_id"`
	BagTag    string          `json:"bag_tag"`
	EventType model.EventType `json:"event_type"`
	Location  string          `json:"location"`
	Timestamp time.Time       `json:"timestamp"`
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	bagTag string // empty means the whole feed
	done   chan struct{}
	once   sync.Once
}

// Hub owns the client set.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	metrics *metrics.Metrics
	logger  *zap.Logger
	closed  bool
}

func NewHub(m *metrics.Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		metrics: m,
		logger:  logger.Named("stream"),
	}
}

// ServeHTTP makes the hub mountable as the /events/live handler.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) { h.HandleLive(w, r) }

// HandleLive upgrades the request and subscribes it to the feed. A
// bag_tag query parameter narrows the subscription to one bag.
func (h *Hub) HandleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		bagTag: r.URL.Query().Get("bag_tag"),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.StreamClients.Inc()

	go c.writePump()
	go c.readPump()
}

// Broadcast fans one committed event out to every matching client. Full
// send buffers drop the client rather than stall the processor.
func (h *Hub) Broadcast(ev *model.CanonicalEvent) {
	data, err := json.Marshal(feedFrame{
		EventID:   ev.EventID,
		BagTag:    ev.BagTag,
		EventType: ev.EventType,
		Location:  ev.Location,
		Timestamp: ev.Timestamp,
	})
	if err != nil {
		return
	}

	h.mu.Lock()
	var slow []*client
	for c := range h.clients {
		if c.bagTag != "" && c.bagTag != ev.BagTag {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow feed client")
		c.close()
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if present {
		h.metrics.StreamClients.Dec()
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.remove(c)
		_ = c.conn.Close()
	})
}

// writePump is the only goroutine writing to the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump consumes control frames; the feed accepts no client input.
func (c *client) readPump() {
	defer c.close()
	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
