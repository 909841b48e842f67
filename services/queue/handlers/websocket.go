// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/ExamQueue/services/queue/datatypes"
	"github.com/AleutianAI/ExamQueue/services/queue/hub"
	"github.com/AleutianAI/ExamQueue/services/queue/protocol"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long the peer may stay silent before the connection
	// is considered dead. Pings go out well inside it.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps an inbound command frame.
	maxMessageSize = 16 * 1024
)

// WebSocketConfig configures the /v1/ws endpoint.
type WebSocketConfig struct {
	// ClientBuffer is the per-connection outbound queue.
	ClientBuffer int

	// CommandRate and CommandBurst bound inbound commands per connection.
	// A zero rate disables limiting.
	CommandRate  float64
	CommandBurst int

	// AllowedOrigins restricts the Origin header. Empty allows any origin.
	AllowedOrigins []string

	Logger *slog.Logger
}

func (cfg WebSocketConfig) upgrader() websocket.Upgrader {
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

func (cfg WebSocketConfig) limiter() *rate.Limiter {
	if cfg.CommandRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.CommandBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.CommandRate), burst)
}

// HandleQueueWebSocket upgrades the request and attaches the connection to
// the hub.
//
// The optional "role" query parameter (display, examiner, manager) labels
// the connection. The first frame is always state.full; after that the
// client receives every broadcast event and private replies to its own
// commands.
func HandleQueueWebSocket(h *hub.Hub, cfg WebSocketConfig) gin.HandlerFunc {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	upgrader := cfg.upgrader()

	return func(c *gin.Context) {
		role := c.DefaultQuery("role", hub.RoleDisplay)
		if !hub.ValidRole(role) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown role %q", role)})
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			cfg.Logger.Warn("Failed to upgrade the websocket", "error", err)
			return
		}

		client := hub.NewClient(role, cfg.ClientBuffer)
		ctx := context.WithoutCancel(c.Request.Context())
		if err := h.Register(ctx, client); err != nil {
			cfg.Logger.Warn("Rejected websocket client", "error", err)
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			_ = ws.Close()
			return
		}
		cfg.Logger.Info("Websocket client connected",
			"client_id", client.ID,
			"role", role,
			"remote", c.ClientIP())

		go writePump(ws, client, cfg.Logger)
		readPump(ctx, ws, h, client, cfg)
	}
}

// readPump decodes inbound frames and submits them until the connection
// fails, then unregisters the client.
func readPump(ctx context.Context, ws *websocket.Conn, h *hub.Hub, client *hub.Client, cfg WebSocketConfig) {
	defer h.Unregister(client)

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	limiter := cfg.limiter()
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cfg.Logger.Warn("Websocket read failed", "client_id", client.ID, "error", err)
			} else {
				cfg.Logger.Info("Websocket client disconnected", "client_id", client.ID)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		cmd, decodeErr := protocol.Decode(data)
		if !limiter.Allow() {
			decodeErr = fmt.Errorf("%w: slow down", datatypes.ErrRateLimited)
		}
		if err := h.Submit(ctx, client, cmd, decodeErr); err != nil {
			return
		}
	}
}

// writePump drains the client's send channel onto the socket and keeps the
// connection alive with pings. It closes the socket when the hub closes
// the channel or a write fails.
func writePump(ws *websocket.Conn, client *hub.Client, logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case data, ok := <-client.Send():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Warn("Failed to write websocket frame", "client_id", client.ID, "error", err)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
