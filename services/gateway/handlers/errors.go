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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/codegate/services/gateway/broker"
)

// StatusFor maps a broker error kind to its HTTP status. NotFound is 404,
// every other kind is 400.
func StatusFor(kind broker.Kind) int {
	switch kind {
	case broker.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

// PublicMessage returns the text shown to callers for err. Internal errors
// never expose their cause.
func PublicMessage(err error) string {
	var be *broker.Error
	if !errors.As(err, &be) || be.Kind == broker.KindInternal {
		return "internal error"
	}
	if be.Message != "" {
		return be.Message
	}
	return be.Kind.String()
}

// abortWithError writes err as a plain-text error response.
func abortWithError(c *gin.Context, op string, err error) {
	kind := broker.KindOf(err)
	if kind == broker.KindInternal {
		slog.Error("request failed", "op", op, "error", err)
	} else {
		slog.Warn("request rejected", "op", op, "kind", kind.String(), "error", err)
	}
	c.String(StatusFor(kind), PublicMessage(err))
	c.Abort()
}
