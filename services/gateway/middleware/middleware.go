// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the gateway.
//
// # Request Flow
//
//	Request
//	   │
//	   ▼
//	RequestID ──► Recovery ──► AccessToken ──► Handler
//
// RequestID tags every request and response with X-Request-ID. Recovery
// turns a panic into the same plain-text internal error every other failure
// produces. AccessToken is only active when a token is configured.
package middleware

import (
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// =============================================================================
// Request ID
// =============================================================================

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// requestIDKey is the gin context key for the request id.
const requestIDKey = "codegate_request_id"

// RequestID assigns a request id, reusing a well-formed incoming one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// GetRequestID returns the id assigned by RequestID, or "".
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// =============================================================================
// Recovery
// =============================================================================

// Recovery converts a panic in a handler into a 400 "internal error"
// response and logs it with the request id.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, recovered any) {
		slog.Error("panic while handling request",
			"request_id", GetRequestID(c),
			"path", c.Request.URL.Path,
			"panic", recovered)
		if c.Writer.Written() {
			c.Abort()
			return
		}
		c.String(http.StatusBadRequest, "internal error")
		c.Abort()
	})
}

// =============================================================================
// Access Token
// =============================================================================

// AccessTokenHeader is the header clients send the access token in.
const AccessTokenHeader = "X-Access-Token"

// AccessToken rejects requests without the configured token.
//
// # Inputs
//
//   - token: Required token. Empty disables the check.
//   - exempt: Paths that never require the token, e.g. "/health".
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware answering 401 on a missing or wrong token.
func AccessToken(token string, exempt ...string) gin.HandlerFunc {
	skip := make(map[string]bool, len(exempt))
	for _, p := range exempt {
		skip[p] = true
	}
	return func(c *gin.Context) {
		if token == "" || skip[c.Request.URL.Path] {
			c.Next()
			return
		}
		got := c.GetHeader(AccessTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			slog.Warn("rejected request with invalid access token",
				"request_id", GetRequestID(c), "path", c.Request.URL.Path)
			c.String(http.StatusUnauthorized, "unauthorized")
			c.Abort()
			return
		}
		c.Next()
	}
}
