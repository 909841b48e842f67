// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the queue service.
//
// # Credential Flow
//
// HTTP commands may carry their session code in the envelope or in the
// Authorization header. The middleware only extracts the header; it never
// rejects a request, because authorization belongs to the command gate.
//
//	Request
//	   │
//	   ▼
//	Credential
//	   │
//	   ├─► Extract code from "Authorization: Bearer <code>"
//	   │
//	   └─► Store in gin context
//	           │
//	           ▼
//	       Handler (retrieves via GetCredential)
package middleware

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// =============================================================================
// Context Keys
// =============================================================================

// credentialKey is the gin context key for the bearer credential.
const credentialKey = "examqueue_credential"

// SetCredential stores the bearer credential in the gin context.
func SetCredential(c *gin.Context, credential string) {
	c.Set(credentialKey, credential)
}

// GetCredential returns the bearer credential, or "" if none was sent.
func GetCredential(c *gin.Context) string {
	if v, exists := c.Get(credentialKey); exists {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// =============================================================================
// Middleware
// =============================================================================

// Credential extracts the bearer credential for downstream handlers.
func Credential() gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := extractBearerToken(c); token != "" {
			SetCredential(c, token)
		}
		c.Next()
	}
}

// extractBearerToken returns the token from "Authorization: Bearer <token>",
// or "" when the header is missing or uses another scheme.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

// RequestLogger logs one line per request through logger. The
// Authorization header is never logged.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelDebug
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelInfo
		}
		logger.Log(c.Request.Context(), level, "HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP())
	}
}
