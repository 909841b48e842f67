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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/ExamQueue/services/queue/datatypes"
	"github.com/AleutianAI/ExamQueue/services/queue/hub"
	"github.com/AleutianAI/ExamQueue/services/queue/middleware"
	"github.com/AleutianAI/ExamQueue/services/queue/protocol"
)

// CommandsConfig configures POST /v1/commands.
type CommandsConfig struct {
	// Rate and Burst bound commands per client IP. A zero Rate disables
	// limiting.
	Rate  float64
	Burst int

	Logger *slog.Logger
}

// ipLimiters hands out one token bucket per client IP.
type ipLimiters struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newIPLimiters(r float64, burst int) *ipLimiters {
	if r <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &ipLimiters{
		limit:    rate.Limit(r),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *ipLimiters) allow(ip string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// HandleCommand accepts one command envelope over HTTP and runs it through
// the hub, so it is authorized, applied and broadcast exactly like a
// websocket command. The response body is the resulting event: the
// broadcast on success, otherwise the private reply.
//
// The credential may come from the envelope or from an
// "Authorization: Bearer" header; the envelope wins.
func HandleCommand(h *hub.Hub, cfg CommandsConfig) gin.HandlerFunc {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	limiters := newIPLimiters(cfg.Rate, cfg.Burst)

	return func(c *gin.Context) {
		var env protocol.Envelope
		if err := c.ShouldBindJSON(&env); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "malformed command envelope",
				"code":  datatypes.CodeInvalidArgument,
			})
			return
		}
		if env.Credential == "" {
			env.Credential = middleware.GetCredential(c)
		}

		cmd, decodeErr := protocol.FromEnvelope(env)
		if !limiters.allow(c.ClientIP()) {
			decodeErr = fmt.Errorf("%w: slow down", datatypes.ErrRateLimited)
		}

		res, err := h.Execute(c.Request.Context(), cmd, decodeErr)
		if err != nil {
			if errors.Is(err, hub.ErrClosed) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service is shutting down"})
				return
			}
			cfg.Logger.Warn("Command was not executed", "command", env.Type, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "command was not executed"})
			return
		}
		c.JSON(statusFor(res.Err), res.Event)
	}
}

// statusFor maps a command outcome onto an HTTP status.
func statusFor(err error) int {
	switch datatypes.Code(err) {
	case "":
		return http.StatusOK
	case datatypes.CodeNotFound, datatypes.CodeDuplicate:
		return http.StatusAccepted
	case datatypes.CodeUnauthorized:
		return http.StatusUnauthorized
	case datatypes.CodeInvalidArgument:
		return http.StatusBadRequest
	case datatypes.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
