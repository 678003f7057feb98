// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/codegate/services/gateway/jupyter"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

// Kind classifies every failure the broker reports.
type Kind int

const (
	// KindInternal is an unexpected failure inside the gateway.
	KindInternal Kind = iota

	// KindConflict means both context_id and language were supplied.
	KindConflict

	// KindNotFound means the referenced context does not exist.
	KindNotFound

	// KindUpstreamUnavailable means the backend did not become ready in time.
	KindUpstreamUnavailable

	// KindUpstreamError means the backend was reachable but failed or
	// rejected the operation.
	KindUpstreamError
)

// String returns the metric and log label for k.
func (k Kind) String() string {
	switch k {
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindUpstreamError:
		return "upstream_error"
	default:
		return "internal"
	}
}

// ErrNotReady is wrapped by UpstreamUnavailable errors.
var ErrNotReady = errors.New("backend not ready")

// Error is a classified broker failure.
//
// # Description
//
// Message is safe to show to callers. Err carries the underlying cause for
// logs and errors.Is/As; it is never exposed over HTTP.
//
// # Examples
//
//	var be *broker.Error
//	if errors.As(err, &be) && be.Kind == broker.KindNotFound { ... }
//
//	if errors.Is(err, broker.ErrConflict) { ... }
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same Kind, so the Err* kind markers below
// work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind markers for errors.Is.
var (
	ErrConflict            = &Error{Kind: KindConflict}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable}
	ErrUpstream            = &Error{Kind: KindUpstreamError}
	ErrInternal            = &Error{Kind: KindInternal}
)

// KindOf returns the classification of err. Unclassified errors are internal.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

// =============================================================================
// Constructors
// =============================================================================

func conflictError(op string) *Error {
	return &Error{Kind: KindConflict, Op: op, Message: "context_id and language are mutually exclusive"}
}

func notFoundError(op, id string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf("context %q not found", id)}
}

func unavailableError(op string) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Op: op, Message: "execution backend is not ready, retry later", Err: ErrNotReady}
}

func upstreamError(op, message string, err error) *Error {
	return &Error{Kind: KindUpstreamError, Op: op, Message: message, Err: err}
}

func internalError(op string, err error) *Error {
	return &Error{Kind: KindInternal, Op: op, Message: "internal error", Err: err}
}

// classifyCreate maps a backend failure while opening a context. A rejected
// request is an upstream error; a transport failure is internal.
func classifyCreate(op string, err error) *Error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	if jupyter.IsRejected(err) || errors.Is(err, jupyter.ErrSessionClosed) {
		return upstreamError(op, "backend rejected the request", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return upstreamError(op, "backend timed out", err)
	}
	return internalError(op, err)
}

// lockError maps a failed lock acquisition, which only happens when the
// request context ends first.
func lockError(op string, err error) *Error {
	return internalError(op, fmt.Errorf("waiting for lock: %w", err))
}
