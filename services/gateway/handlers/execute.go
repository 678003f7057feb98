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
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/codegate/services/gateway/broker"
	"github.com/AleutianAI/codegate/services/gateway/datatypes"
	"github.com/AleutianAI/codegate/services/gateway/jupyter"
)

// HandleExecute runs code and streams its events as NDJSON.
//
// # Description
//
// Resolution errors are returned as plain-text 4xx responses before any
// output is written. Once streaming has started the status is committed, so
// a failure ends the body with one {"type":"error","name":"StreamError"}
// line; lines already sent are never altered.
//
// # Inputs
//
//   - b: Context broker.
//
// # Outputs
//
//   - gin.HandlerFunc: Handler for POST /execute.
func HandleExecute(b *broker.Broker) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.ExecutionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			slog.Warn("Failed to parse the execute request", "error", err)
			c.String(http.StatusBadRequest, "invalid request body")
			return
		}
		// a conflicting request is reported as a conflict, whatever else is wrong with it
		if req.ContextID == "" || req.Language == "" {
			if err := req.Validate(); err != nil {
				c.String(http.StatusBadRequest, validationMessage(err))
				return
			}
		}

		exec, err := b.Route(c.Request.Context(), req)
		if err != nil {
			abortWithError(c, "execute", err)
			return
		}
		defer exec.Close()

		SetNDJSONHeaders(c.Writer)
		c.Status(http.StatusOK)
		writer, err := NewNDJSONWriter(c.Writer)
		if err != nil {
			slog.Error("streaming not supported", "error", err)
			c.String(http.StatusBadRequest, "streaming not supported")
			return
		}
		streamEvents(c.Request.Context(), exec, writer)
	}
}

// streamEvents copies events from exec to writer until the execution ends.
func streamEvents(ctx context.Context, exec *broker.Execution, writer NDJSONWriter) {
	logger := slog.With("context_id", exec.Context.ID)
	for {
		ev, err := exec.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("client went away during execution", "error", err)
				return
			}
			logger.Warn("execution stream failed", "error", err)
			if werr := writer.WriteStreamError(streamErrorMessage(err)); werr != nil {
				logger.Debug("failed to write stream error", "error", werr)
			}
			return
		}
		if err := writer.WriteEvent(ev); err != nil {
			logger.Info("client went away during execution", "error", err)
			return
		}
	}
}

func streamErrorMessage(err error) string {
	if errors.Is(err, jupyter.ErrSessionClosed) {
		return "connection to the kernel was lost"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "execution timed out"
	}
	return "execution stream failed"
}
