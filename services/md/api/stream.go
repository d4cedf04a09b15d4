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
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// DefaultStreamInterval is how often a stream polls the store.
const DefaultStreamInterval = 500 * time.Millisecond

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	// The API has no browser UI; bearer auth guards the endpoint.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WithStreamInterval sets the store poll interval of log streams.
func WithStreamInterval(d time.Duration) HandlerOption {
	return func(h *Handlers) {
		if d > 0 {
			h.streamInterval = d
		}
	}
}

// HandleStreamRun handles GET /v1/runs/:id/stream.
//
// Description:
//
//	Upgrades to a websocket and sends every log entry of the run as a "log"
//	message, existing entries first. When the run reaches a terminal status
//	a final "status" message carries the run and the server closes the
//	connection normally. Clients may close at any time.
//
// Response:
//
//	101 Switching Protocols
//	404 Not Found: unknown run
func (h *Handlers) HandleStreamRun(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()
	if _, err := h.store.GetRun(ctx, id); err != nil {
		h.storeError(c, id, err)
		return
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "run_id", id, "error", err)
		return
	}
	defer ws.Close()

	// Drain client frames so close messages are noticed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.streamInterval)
	defer ticker.Stop()
	sent := 0
	for {
		run, err := h.store.GetRun(ctx, id)
		if err != nil {
			_ = ws.WriteJSON(StreamMessage{Type: StreamError, Error: err.Error()})
			return
		}
		entries, err := h.store.Logs(ctx, id)
		if err != nil {
			_ = ws.WriteJSON(StreamMessage{Type: StreamError, Error: err.Error()})
			return
		}
		for i := sent; i < len(entries); i++ {
			if err := ws.WriteJSON(StreamMessage{Type: StreamLog, Entry: &entries[i]}); err != nil {
				return
			}
		}
		sent = max(sent, len(entries))

		if run.Status.Terminal() {
			if err := ws.WriteJSON(StreamMessage{Type: StreamStatus, Run: run}); err != nil {
				return
			}
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run "+string(run.Status))
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		case <-gone:
			return
		case <-ticker.C:
		}
	}
}
