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
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/codegate/services/gateway/broker"
	"github.com/AleutianAI/codegate/services/gateway/datatypes"
)

// CreateContext handles POST /contexts.
func CreateContext(b *broker.Broker) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.CreateContextRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			slog.Warn("Failed to parse the create context request", "error", err)
			c.String(http.StatusBadRequest, "invalid request body")
			return
		}
		if err := req.Validate(); err != nil {
			c.String(http.StatusBadRequest, validationMessage(err))
			return
		}

		created, err := b.Create(c.Request.Context(), req.Language, req.Cwd)
		if err != nil {
			abortWithError(c, "create context", err)
			return
		}
		c.JSON(http.StatusOK, created)
	}
}

// ListContexts handles GET /contexts.
func ListContexts(b *broker.Broker) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, b.List())
	}
}

// RestartContext handles POST /contexts/:id/restart.
func RestartContext(b *broker.Broker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := b.Restart(c.Request.Context(), c.Param("id")); err != nil {
			abortWithError(c, "restart context", err)
			return
		}
		c.Status(http.StatusOK)
	}
}

// DeleteContext handles DELETE /contexts/:id.
func DeleteContext(b *broker.Broker) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := b.Delete(c.Request.Context(), c.Param("id")); err != nil {
			abortWithError(c, "delete context", err)
			return
		}
		c.Status(http.StatusOK)
	}
}

// validationMessage turns validator errors into a short plain-text message.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return "invalid request: " + strings.Join(parts, ", ")
}
