// Package transport implements an opaque byte-delivery capability over
// websockets: outbound deliverMessage and an inbound stream of (messageId,
// envelope, deliveredAt) records, with at-least-once, unordered delivery.
// Envelopes queue for offline recipients and drain on reconnect rather than
// being dropped.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jaydenbeard/echo-core/internal/echoerr"
	"github.com/jaydenbeard/echo-core/internal/metrics"
)

// Envelope is the opaque, sealed-sender-sealed payload the transport moves;
// it never interprets the bytes.
type Envelope = []byte

// Inbound is one delivered-but-not-yet-acknowledged record.
type Inbound struct {
	MessageID   string
	Envelope    Envelope
	DeliveredAt time.Time
}

// Transport is the opaque envelope delivery capability.
type Transport interface {
	DeliverMessage(ctx context.Context, messageID, recipientID string, envelope Envelope, sequenceNumber uint64) error
	Inbox(recipientID string) <-chan Inbound
	Close() error
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// connection wraps one recipient's live websocket link.
type connection struct {
	conn  *websocket.Conn
	send  chan []byte
	inbox chan Inbound
}

// Hub fans outbound envelopes out to connected recipients and buffers
// undeliverable ones for at-least-once redelivery on reconnect.
type Hub struct {
	mu          sync.RWMutex
	serverID    string
	connections map[string]*connection
	pending     map[string][]Inbound // recipientID -> undelivered while offline; used when queue is nil
	queue       *RedisQueue          // when set, backlog is persisted here instead of pending
}

// NewHub builds an empty Hub backed by an in-memory backlog only; the
// backlog does not survive a process restart.
func NewHub(serverID string) *Hub {
	return &Hub{
		serverID:    serverID,
		connections: make(map[string]*connection),
		pending:     make(map[string][]Inbound),
	}
}

// NewHubWithQueue builds a Hub whose offline backlog is persisted in Redis
// via queue, so a recipient's undelivered envelopes survive this node
// restarting or the recipient reconnecting to a different node.
func NewHubWithQueue(serverID string, queue *RedisQueue) *Hub {
	return &Hub{
		serverID:    serverID,
		connections: make(map[string]*connection),
		pending:     make(map[string][]Inbound),
		queue:       queue,
	}
}

// Upgrade promotes an HTTP request to a websocket connection registered
// under recipientID, draining any envelopes that queued while the recipient
// was offline.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, recipientID string) error {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("transport: upgrade: %w", err)
	}

	conn := &connection{conn: wsConn, send: make(chan []byte, 64), inbox: make(chan Inbound, 256)}

	h.mu.Lock()
	h.connections[recipientID] = conn
	backlog := h.pending[recipientID]
	delete(h.pending, recipientID)
	h.mu.Unlock()
	metrics.WebSocketConnections.WithLabelValues(h.serverID).Inc()

	if h.queue != nil {
		drained, err := h.queue.Drain(r.Context(), recipientID)
		if err == nil {
			backlog = append(backlog, drained...)
		}
	}

	for _, rec := range backlog {
		conn.inbox <- rec
	}

	go h.readLoop(recipientID, conn)
	go h.writeLoop(conn)
	return nil
}

func (h *Hub) readLoop(recipientID string, conn *connection) {
	defer h.disconnect(recipientID, conn)
	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			return
		}
		metrics.WebSocketMessagesTotal.WithLabelValues(h.serverID, "envelope", "inbound").Inc()
		conn.inbox <- Inbound{Envelope: append([]byte(nil), data...), DeliveredAt: time.Now()}
	}
}

func (h *Hub) writeLoop(conn *connection) {
	for data := range conn.send {
		if err := conn.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return
		}
		metrics.WebSocketMessagesTotal.WithLabelValues(h.serverID, "envelope", "outbound").Inc()
	}
}

func (h *Hub) disconnect(recipientID string, conn *connection) {
	h.mu.Lock()
	if h.connections[recipientID] == conn {
		delete(h.connections, recipientID)
	}
	h.mu.Unlock()
	metrics.WebSocketConnections.WithLabelValues(h.serverID).Dec()
	close(conn.send)
	conn.conn.Close()
}

// DeliverMessage implements Transport: if the recipient is connected the
// envelope is written immediately; otherwise it queues for delivery on next
// connect (at-least-once, no ordering guarantee).
func (h *Hub) DeliverMessage(ctx context.Context, messageID, recipientID string, envelope Envelope, sequenceNumber uint64) error {
	h.mu.RLock()
	conn, ok := h.connections[recipientID]
	h.mu.RUnlock()

	if !ok {
		rec := Inbound{MessageID: messageID, Envelope: envelope, DeliveredAt: time.Now()}
		if h.queue != nil {
			return h.queue.Enqueue(ctx, recipientID, rec)
		}
		h.mu.Lock()
		h.pending[recipientID] = append(h.pending[recipientID], rec)
		h.mu.Unlock()
		return nil
	}

	select {
	case conn.send <- envelope:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("transport: deliver %s: %w", messageID, echoerr.Unavailable)
	case <-time.After(5 * time.Second):
		return fmt.Errorf("transport: deliver %s timed out: %w", messageID, echoerr.Unavailable)
	}
}

// Inbox returns the live recipient's inbound record stream, or nil if not
// currently connected.
func (h *Hub) Inbox(recipientID string) <-chan Inbound {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.connections[recipientID]
	if !ok {
		return nil
	}
	return conn.inbox
}

// Close disconnects every live connection.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	for id, conn := range h.connections {
		if err := conn.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(h.connections, id)
	}
	if firstErr != nil {
		return errors.New("transport: close: " + firstErr.Error())
	}
	return nil
}
