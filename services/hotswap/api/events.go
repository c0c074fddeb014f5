// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/hotswap/services/hotswap/coordinator"
)

const (
	clientBuffer = 64
	writeWait    = 5 * time.Second
	pingPeriod   = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// eventHub fans coordinator transitions out to websocket clients.
//
// publish runs on the coordinator's goroutine and never blocks: a client
// whose buffer is full misses the event and its drop counter grows.
type eventHub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

type streamClient struct {
	conn    *websocket.Conn
	send    chan coordinator.Event
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

func (c *streamClient) stop() {
	c.once.Do(func() { close(c.done) })
}

func newEventHub(logger *slog.Logger) *eventHub {
	return &eventHub{logger: logger, clients: make(map[*streamClient]struct{})}
}

func (h *eventHub) publish(ev coordinator.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			c.dropped.Add(1)
		}
	}
}

// add registers conn. It returns nil if the hub is already closed.
func (h *eventHub) add(conn *websocket.Conn) *streamClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	c := &streamClient{
		conn: conn,
		send: make(chan coordinator.Event, clientBuffer),
		done: make(chan struct{}),
	}
	h.clients[c] = struct{}{}
	return c
}

func (h *eventHub) remove(c *streamClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.stop()
}

func (h *eventHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// close stops every client and refuses new ones.
func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.stop()
	}
}

// handleEvents upgrades to a websocket and streams transitions until the
// client goes away or the server closes.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("event stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	client := s.hub.add(conn)
	if client == nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		return
	}
	defer func() {
		s.hub.remove(client)
		if n := client.dropped.Load(); n > 0 {
			s.logger.Warn("event stream client fell behind", "dropped", n)
		}
	}()

	// Reads only detect the peer closing; clients never send data.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				client.stop()
				return
			}
		}
	}()

	if err := writeFrame(conn, StreamMessage{Type: "subscribed"}); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev := <-client.send:
			if err := writeFrame(conn, StreamMessage{Type: "transition", Event: &ev}); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-client.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, msg StreamMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
