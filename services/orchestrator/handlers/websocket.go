// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/uxbiblio/services/orchestrator/datatypes"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// Hub fans notifications out to every connected UI over websocket.
//
// # Description
//
// Implements session.Notifier. Each connection gets a buffered send
// queue; a client that cannot keep up has its connection dropped rather
// than blocking the orchestrator.
//
// # Thread Safety
//
// Safe for concurrent use.
type Hub struct {
	mu    sync.Mutex
	conns map[string]chan datatypes.Notification
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]chan datatypes.Notification)}
}

// Notify implements session.Notifier.
func (h *Hub) Notify(n datatypes.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.conns {
		select {
		case ch <- n:
		default:
			slog.Warn("Dropping slow websocket client", "connID", id)
			close(ch)
			delete(h.conns, id)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) register() (string, chan datatypes.Notification) {
	id := uuid.New().String()
	ch := make(chan datatypes.Notification, 32)
	h.mu.Lock()
	h.conns[id] = ch
	h.mu.Unlock()
	return id, ch
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	if ch, ok := h.conns[id]; ok {
		close(ch)
		delete(h.conns, id)
	}
	h.mu.Unlock()
}

// HandleEvents handles GET /v1/events: upgrades to websocket and streams
// notifications until the client disconnects.
func HandleEvents(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

		id, ch := hub.register()
		defer hub.unregister(id)
		slog.Info("Websocket client connected", "connID", id)

		// Reader goroutine: we never expect client messages, but reading
		// is what surfaces the disconnect.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case n, ok := <-ch:
				if !ok {
					return
				}
				if err := ws.WriteJSON(n); err != nil {
					slog.Info("Websocket client disconnected", "connID", id, "error", err.Error())
					return
				}
			case <-done:
				slog.Info("Websocket client disconnected", "connID", id)
				return
			}
		}
	}
}
