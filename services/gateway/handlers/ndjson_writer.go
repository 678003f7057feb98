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
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/codegate/services/gateway/jupyter"
)

// =============================================================================
// Interface Definition
// =============================================================================

// NDJSONWriter writes execution events as newline-delimited JSON.
//
// # Description
//
// Each event is one JSON object followed by "\n", flushed immediately so the
// client sees output while the code is still running.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
//
// # Assumptions
//
//   - Caller has set headers with SetNDJSONHeaders before the first write
type NDJSONWriter interface {
	// WriteEvent writes and flushes one event.
	WriteEvent(event jupyter.Event) error

	// WriteStreamError writes the terminal error line used when a stream
	// fails after output has been sent. The message must already be
	// sanitized.
	WriteStreamError(message string) error

	// Written reports whether any line has been written.
	Written() bool
}

// =============================================================================
// Struct Definition
// =============================================================================

// ndjsonWriter implements NDJSONWriter for HTTP responses.
type ndjsonWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	written bool
	mu      sync.Mutex
}

// NewNDJSONWriter creates an NDJSONWriter for w.
//
// # Outputs
//
//   - NDJSONWriter: Ready to write events.
//   - error: Non-nil if w does not support flushing.
func NewNDJSONWriter(w http.ResponseWriter) (NDJSONWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &ndjsonWriter{writer: w, flusher: flusher}, nil
}

// =============================================================================
// Methods
// =============================================================================

func (w *ndjsonWriter) WriteEvent(event jupyter.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	data = append(data, '\n')
	if _, err := w.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	w.written = true
	w.flusher.Flush()
	return nil
}

func (w *ndjsonWriter) WriteStreamError(message string) error {
	return w.WriteEvent(jupyter.ErrorEvent("StreamError", message))
}

func (w *ndjsonWriter) Written() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// SetNDJSONHeaders sets the response headers for an event stream.
func SetNDJSONHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ NDJSONWriter = (*ndjsonWriter)(nil)
