// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diagnostics

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/guardrail/services/guardrail/guard"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// DefaultClientBuffer is the per-client event buffer.
	DefaultClientBuffer = 64
)

// Event is the message pushed to websocket subscribers.
type Event struct {
	Type      string           `json:"type"`
	Violation *guard.Violation `json:"violation,omitempty"`
	Session   *SessionSummary  `json:"session,omitempty"`
}

// SessionSummary is the compact form of a finished session sent to
// subscribers.
type SessionSummary struct {
	SessionID          string        `json:"session_id"`
	Policy             string        `json:"policy"`
	Elapsed            time.Duration `json:"elapsed"`
	OperationCount     int64         `json:"operation_count"`
	ViolationCount     int64         `json:"violation_count"`
	MemoryUsagePercent float64       `json:"memory_usage_percent"`
	CancelReason       string        `json:"cancel_reason,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

type client struct {
	conn      *websocket.Conn
	remote    string
	send      chan []byte
	closeOnce sync.Once
}

// Hub broadcasts guardrail events to websocket subscribers.
//
// Description:
//
//	Hub implements guard.Sink and guard.Observer. Each subscriber has a
//	bounded buffer; a subscriber whose buffer is full when an event
//	arrives is disconnected rather than allowed to slow the publisher.
//	Publishing never blocks.
//
// Thread Safety: Safe for concurrent use.
type Hub struct {
	logger *slog.Logger
	buffer int

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	published atomic.Int64
	evicted   atomic.Int64
}

// NewHub creates a hub.
//
// Inputs:
//   - buffer: Per-client event buffer. Values <= 0 use DefaultClientBuffer.
//   - logger: Logger. Nil uses slog.Default().
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultClientBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger.With(slog.String("component", "guardrail_hub")),
		buffer:  buffer,
		clients: make(map[*client]struct{}),
	}
}

// Emit implements guard.Sink.
func (h *Hub) Emit(_ context.Context, v guard.Violation) {
	h.publish(Event{Type: "violation", Violation: &v})
}

// ObserveOperation implements guard.Observer. Operations are not broadcast.
func (h *Hub) ObserveOperation(guard.OperationRecord) {}

// ObserveSession implements guard.Observer.
func (h *Hub) ObserveSession(r *guard.PerformanceReport) {
	if r == nil {
		return
	}
	h.publish(Event{Type: "session", Session: &SessionSummary{
		SessionID:          r.SessionID,
		Policy:             r.Policy,
		Elapsed:            r.Elapsed,
		OperationCount:     r.OperationCount,
		ViolationCount:     r.ViolationCount,
		MemoryUsagePercent: r.MemoryUsagePercent,
		CancelReason:       r.CancelReason,
	}})
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Evicted returns the number of subscribers dropped for falling behind.
func (h *Hub) Evicted() int64 { return h.evicted.Load() }

// Published returns the number of events published.
func (h *Hub) Published() int64 { return h.published.Load() }

func (h *Hub) publish(ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode event",
			slog.String("type", ev.Type),
			slog.String("error", err.Error()),
		)
		return
	}
	h.published.Add(1)

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		if h.remove(c) {
			h.evicted.Add(1)
			h.logger.Warn("dropping slow websocket subscriber", slog.String("remote", c.remote))
		}
	}
}

// ServeHTTP upgrades the request and streams events until the client
// disconnects or the hub is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade the websocket", slog.String("error", err.Error()))
		return
	}

	c := &client{conn: conn, remote: conn.RemoteAddr().String(), send: make(chan []byte, h.buffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket subscriber connected", slog.String("remote", c.remote))

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards client messages and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)

	c.conn.SetReadLimit(512)
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

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// remove unregisters c and closes its buffer. It reports whether c was
// still registered.
func (h *Hub) remove(c *client) bool {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	c.closeOnce.Do(func() { close(c.send) })
	return ok
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
}
