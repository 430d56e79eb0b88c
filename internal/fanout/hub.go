// Package fanout pushes ward events to every connected WebSocket client.
//
// The Hub owns an explicit registry of open connections keyed by a
// generated connection ID. Connections are inserted when the handshake
// completes and removed when their read loop ends. Broadcast serializes an
// event once and queues the same bytes for every connection registered at
// call time. Each connection drains its own queue, so a stalled client never
// delays the caller; a connection whose queue is full is skipped. Delivery
// is best-effort: no retry, acknowledgement or cross-client ordering.
package fanout

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultQueueSize    = 32
	// maxInboundSize bounds messages clients may send (they are only echoed).
	maxInboundSize = 64 << 10
)

// Sender is one connection's outbound side.
type Sender interface {
	Send(data []byte) error
	Close() error
}

// Options configures a Hub.
type Options struct {
	// AllowedOrigins restricts the WebSocket handshake Origin header.
	// Empty allows any origin.
	AllowedOrigins []string
	WriteTimeout   time.Duration
	// QueueSize bounds messages waiting to be written to one connection.
	QueueSize int
}

// Stats is a snapshot of hub counters.
type Stats struct {
	Connected  int
	Broadcasts uint64
	Delivered  uint64
	Failed     uint64
}

// Hub is the broadcast registry. The zero value is not usable; call NewHub.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]Sender

	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	queueSize    int

	broadcasts atomic.Uint64
	delivered  atomic.Uint64
	failed     atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub(opts Options) *Hub {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	h := &Hub{
		clients:      make(map[string]Sender),
		writeTimeout: opts.WriteTimeout,
		queueSize:    opts.QueueSize,
	}
	origins := slices.Clone(opts.AllowedOrigins)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || len(origins) == 0 || slices.Contains(origins, origin)
		},
	}
	return h
}

// Register adds a connection and returns its ID.
func (h *Hub) Register(s Sender) string {
	id := uuid.NewString()
	h.mu.Lock()
	h.clients[id] = s
	h.mu.Unlock()
	return id
}

// Unregister removes a connection. It reports whether the ID was present.
func (h *Hub) Unregister(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[id]; !ok {
		return false
	}
	delete(h.clients, id)
	return true
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends ev to every registered connection. Only a serialization
// failure is returned; per-connection send failures are counted and skipped.
func (h *Hub) Broadcast(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("broadcast %s: %w", ev.Kind(), err)
	}

	h.mu.RLock()
	targets := make(map[string]Sender, len(h.clients))
	for id, s := range h.clients {
		targets[id] = s
	}
	h.mu.RUnlock()

	h.broadcasts.Add(1)
	var sent, failed int
	for id, s := range targets {
		if err := s.Send(data); err != nil {
			failed++
			log.Debug().Err(err).Str("connId", id).Str("type", string(ev.Kind())).Msg("Broadcast send failed, skipping connection")
			continue
		}
		sent++
	}
	h.delivered.Add(uint64(sent))
	h.failed.Add(uint64(failed))

	log.Debug().
		Str("type", string(ev.Kind())).
		Int("delivered", sent).
		Int("failed", failed).
		Msg("Event broadcast")
	return nil
}

// Stats returns the hub's counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Connected:  h.Count(),
		Broadcasts: h.broadcasts.Load(),
		Delivered:  h.delivered.Load(),
		Failed:     h.failed.Load(),
	}
}

// Close closes every registered connection. Their read loops then
// unregister them.
func (h *Hub) Close() {
	h.mu.RLock()
	targets := make([]Sender, 0, len(h.clients))
	for _, s := range h.clients {
		targets = append(targets, s)
	}
	h.mu.RUnlock()
	for _, s := range targets {
		_ = s.Close()
	}
}

// ServeHTTP upgrades the request to a WebSocket, registers the connection
// and echoes inbound messages back to the sender until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxInboundSize)

	wc := newWSConn(conn, h.writeTimeout, h.queueSize)
	go wc.writeLoop()
	id := h.Register(wc)
	log.Info().Str("connId", id).Str("remote", r.RemoteAddr).Int("clients", h.Count()).Msg("WebSocket client connected")

	defer func() {
		h.Unregister(id)
		_ = wc.Close()
		log.Info().Str("connId", id).Int("clients", h.Count()).Msg("WebSocket client disconnected")
	}()

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("connId", id).Msg("WebSocket read ended")
			}
			return
		}
		if err := wc.enqueue(mt, msg); err != nil {
			log.Debug().Err(err).Str("connId", id).Msg("WebSocket echo failed")
			return
		}
	}
}

var (
	// ErrQueueFull is returned by Send when a connection has fallen too far
	// behind. The message is dropped for that connection only.
	ErrQueueFull = errors.New("connection send queue full")
	// ErrConnClosed is returned by Send after the connection has closed.
	ErrConnClosed = errors.New("connection closed")
)

type outbound struct {
	messageType int
	data        []byte
}

// wsConn queues writes for one gorilla connection. writeLoop is the only
// writer of data frames; echo and Broadcast both enqueue.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	out          chan outbound
	done         chan struct{}
	closeOnce    sync.Once
}

func newWSConn(conn *websocket.Conn, writeTimeout time.Duration, queueSize int) *wsConn {
	return &wsConn{
		conn:         conn,
		writeTimeout: writeTimeout,
		out:          make(chan outbound, queueSize),
		done:         make(chan struct{}),
	}
}

// Send queues data without blocking.
func (c *wsConn) Send(data []byte) error {
	return c.enqueue(websocket.TextMessage, data)
}

func (c *wsConn) enqueue(messageType int, data []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.out <- outbound{messageType: messageType, data: data}:
		return nil
	default:
		return ErrQueueFull
	}
}

// writeLoop writes queued messages until the connection closes. A write
// error closes the connection, which ends its read loop.
func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case m := <-c.out:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(m.messageType, m.data); err != nil {
				log.Debug().Err(err).Msg("WebSocket write failed, closing connection")
				_ = c.Close()
				return
			}
		}
	}
}

// Close is safe to call more than once. gorilla allows WriteControl and
// Close concurrently with writeLoop.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "connection closing"),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
