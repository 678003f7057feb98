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
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/codegate/services/gateway/datatypes"
	"github.com/AleutianAI/codegate/services/gateway/jupyter"
)

// =============================================================================
// Default Context Resolution
// =============================================================================

// EnsureDefault returns the default context for language, creating it once.
//
// # Description
//
// The common case is an unlocked lookup. Otherwise the per-language lock is
// taken and the lookup repeated, so concurrent first callers wait for one
// creation and share its result. Creation first waits for the backend with
// the request readiness policy. Nothing is published on failure.
//
// # Inputs
//
//   - ctx: Bounds the lock wait and backend calls.
//   - language: Any case. Empty selects the default language.
//
// # Outputs
//
//   - Entry: The default context and its session.
//   - error: KindUpstreamUnavailable if the backend is not ready within
//     budget, otherwise the classified creation failure.
//
// # Limitations
//
//   - A failed creation is not cached; the next caller tries again.
func (b *Broker) EnsureDefault(ctx context.Context, language string) (Entry, error) {
	language = b.normalize(language)
	if e, ok := b.lookupDefault(language); ok {
		return e, nil
	}

	ctx, span := b.tracer.Start(ctx, "broker.EnsureDefault", trace.WithAttributes(
		attribute.String("context.language", language),
	))
	defer span.End()

	unlock, err := b.locks.Lock(ctx, "lang:"+language)
	if err != nil {
		return Entry{}, b.fail(span, lockError("ensure default", err))
	}
	defer unlock()

	if e, ok := b.lookupDefault(language); ok {
		span.SetAttributes(attribute.Bool("context.reused", true))
		return e, nil
	}

	if b.waiter.Wait(ctx, b.readiness) != Ready {
		return Entry{}, b.fail(span, unavailableError("ensure default"))
	}

	e, err := b.open(ctx, language, b.defaultCWD)
	if err != nil {
		b.recordLifecycle("create", false)
		return Entry{}, b.fail(span, err)
	}
	b.registry.Put(e)
	b.defaults.Publish(language, e.Context.ID)
	if language == b.defaultLanguage {
		b.registry.SetDefaultAlias(e.Context.ID)
	}
	b.updateActive()
	b.recordLifecycle("create", true)
	if b.metrics != nil {
		b.metrics.RecordDefaultCreated(language)
	}
	span.SetAttributes(attribute.String("context.id", e.Context.ID))
	b.logger.Info("default context created", "context_id", e.Context.ID, "language", language)
	return e, nil
}

func (b *Broker) lookupDefault(language string) (Entry, bool) {
	id, ok := b.defaults.Lookup(language)
	if !ok {
		return Entry{}, false
	}
	return b.registry.Get(id)
}

// =============================================================================
// Execution Routing
// =============================================================================

// Route resolves req to a context and starts executing its code.
//
// # Description
//
// Resolution order:
//  1. ContextID: the registered context, or NotFound. "default" resolves to
//     the default language's default context, creating it if needed.
//  2. Language: that language's default context.
//  3. Neither: the default language's default context.
//
// The returned Execution yields the session's events unchanged.
//
// # Inputs
//
//   - ctx: Bounds resolution and every Recv on the returned stream.
//   - req: A validated execution request.
//
// # Outputs
//
//   - *Execution: Lazy event stream. The caller must Close it.
//   - error: *Error. KindConflict if both ContextID and Language are set,
//     before any backend call.
func (b *Broker) Route(ctx context.Context, req datatypes.ExecutionRequest) (*Execution, error) {
	ctx, span := b.tracer.Start(ctx, "broker.Route")
	defer span.End()

	if req.ContextID != "" && req.Language != "" {
		return nil, b.fail(span, conflictError("execute"))
	}

	language := b.defaultLanguage
	if req.Language != "" {
		language = req.Language
	}
	e, ok := Entry{}, false
	if req.ContextID != "" {
		e, ok = b.registry.Get(req.ContextID)
		if !ok && req.ContextID != DefaultAlias {
			return nil, b.fail(span, notFoundError("execute", req.ContextID))
		}
	}
	if !ok {
		var err error
		if e, err = b.EnsureDefault(ctx, language); err != nil {
			// already classified and counted by EnsureDefault
			span.RecordError(err)
			return nil, err
		}
	}
	span.SetAttributes(
		attribute.String("context.id", e.Context.ID),
		attribute.String("context.language", e.Context.Language),
		attribute.Int("code.bytes", len(req.Code)),
	)

	if e.Session.Closed() {
		return nil, b.fail(span, upstreamError("execute",
			"context session is closed, restart or delete the context", jupyter.ErrSessionClosed))
	}
	b.logger.Info("executing code", "context_id", e.Context.ID, "language", e.Context.Language, "code_bytes", len(req.Code))
	b.logger.Debug("execution code", "context_id", e.Context.ID, "code", req.Code)

	stream, err := e.Session.Execute(ctx, req.Code, req.EnvVars)
	if err != nil {
		return nil, b.fail(span, upstreamError("execute", "failed to start execution", err))
	}
	return &Execution{
		Context: e.Context,
		stream:  stream,
		broker:  b,
		started: time.Now(),
	}, nil
}

// Execution is a running execution and its lazy event stream.
type Execution struct {
	// Context is the context the code runs in.
	Context datatypes.Context

	stream  Stream
	broker  *Broker
	started time.Time

	completed bool
	closeOnce sync.Once
}

// Recv returns the next event, or io.EOF once the execution has ended.
func (e *Execution) Recv() (jupyter.Event, error) {
	ev, err := e.stream.Recv()
	if errors.Is(err, io.EOF) {
		e.completed = true
	}
	return ev, err
}

// Close releases the context for the next execution.
func (e *Execution) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.stream.Close()
		if m := e.broker.metrics; m != nil {
			m.RecordExecution(e.Context.Language, e.completed, time.Since(e.started).Seconds())
		}
	})
	return err
}
