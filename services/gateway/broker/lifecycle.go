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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/codegate/services/gateway/datatypes"
	"github.com/AleutianAI/codegate/services/gateway/jupyter"
)

// =============================================================================
// Context Lifecycle
// =============================================================================

// Create starts a new context.
//
// # Description
//
// Starts a kernel for language, connects to it, sets its working directory,
// and registers it. Explicit creation never becomes a language's default
// context. If anything fails after the kernel exists, the kernel is deleted
// and nothing is registered.
//
// # Inputs
//
//   - ctx: Bounds the backend calls.
//   - language: Any case; aliases such as "js" are resolved. Empty selects
//     the default language.
//   - cwd: Absolute working directory. Empty selects the default.
//
// # Outputs
//
//   - datatypes.Context: The registered context.
//   - error: *Error of KindUpstreamError when the backend rejects the
//     request, KindInternal on transport failure.
func (b *Broker) Create(ctx context.Context, language, cwd string) (datatypes.Context, error) {
	language = b.normalize(language)
	if cwd == "" {
		cwd = b.defaultCWD
	}
	ctx, span := b.tracer.Start(ctx, "broker.Create", trace.WithAttributes(
		attribute.String("context.language", language),
		attribute.String("context.cwd", cwd),
	))
	defer span.End()

	e, err := b.open(ctx, language, cwd)
	if err != nil {
		b.recordLifecycle("create", false)
		return datatypes.Context{}, b.fail(span, err)
	}
	b.registry.Put(e)
	b.updateActive()
	b.recordLifecycle("create", true)
	span.SetAttributes(attribute.String("context.id", e.Context.ID))
	b.logger.Info("context created", "context_id", e.Context.ID, "language", language, "cwd", cwd)
	return e.Context, nil
}

// Restart restarts the kernel behind id, keeping its id and session id.
//
// # Description
//
// Closes the current session, restarts the kernel in place, reconnects under
// the same session id and re-applies the working directory. The registry
// entry is swapped in one step, so readers never see the id disappear. If
// the backend restart fails the entry stays registered with its closed
// session; executions against it fail fast until a restart succeeds or the
// context is deleted.
//
// # Outputs
//
//   - error: KindNotFound for an unknown id, KindUpstreamError when any
//     backend step fails.
func (b *Broker) Restart(ctx context.Context, id string) error {
	ctx, span := b.tracer.Start(ctx, "broker.Restart", trace.WithAttributes(attribute.String("context.id", id)))
	defer span.End()

	e, unlock, err := b.lockContext(ctx, "restart", id)
	if err != nil {
		return b.fail(span, err)
	}
	defer unlock()
	id = e.Context.ID

	if err := e.Session.Close(); err != nil {
		b.logger.Debug("closing session before restart failed", "context_id", id, "error", err)
	}
	if err := b.backend.RestartKernel(ctx, id); err != nil {
		b.recordLifecycle("restart", false)
		b.logger.Warn("kernel restart failed", "context_id", id, "error", err)
		return b.fail(span, upstreamError("restart", "backend failed to restart the context", err))
	}

	session, err := b.backend.Connect(ctx, id, e.SessionID, e.Context.Language)
	if err != nil {
		b.recordLifecycle("restart", false)
		return b.fail(span, upstreamError("restart", "failed to reconnect to the restarted context", err))
	}
	if err := session.ChangeDirectory(ctx, e.Context.Cwd); err != nil {
		_ = session.Close()
		b.recordLifecycle("restart", false)
		return b.fail(span, upstreamError("restart", "failed to restore working directory", err))
	}

	if !b.registry.Replace(id, session) {
		_ = session.Close()
		b.recordLifecycle("restart", false)
		return b.fail(span, notFoundError("restart", id))
	}
	b.recordLifecycle("restart", true)
	b.logger.Info("context restarted", "context_id", id, "language", e.Context.Language)
	return nil
}

// Delete removes a context and shuts its kernel down.
//
// # Description
//
// The local session is closed first and close failures are ignored. If the
// backend refuses to delete the kernel the entry is kept so the caller can
// retry. A 404 from the backend means the kernel is already gone and counts
// as success.
//
// # Outputs
//
//   - error: KindNotFound for an unknown id, KindUpstreamError when the
//     backend delete fails.
func (b *Broker) Delete(ctx context.Context, id string) error {
	ctx, span := b.tracer.Start(ctx, "broker.Delete", trace.WithAttributes(attribute.String("context.id", id)))
	defer span.End()

	e, unlock, err := b.lockContext(ctx, "delete", id)
	if err != nil {
		return b.fail(span, err)
	}
	defer unlock()
	id = e.Context.ID

	if err := e.Session.Close(); err != nil {
		b.logger.Debug("closing session before delete failed", "context_id", id, "error", err)
	}
	if err := b.backend.DeleteKernel(ctx, id); err != nil {
		if !jupyter.IsNotFound(err) {
			b.recordLifecycle("delete", false)
			b.logger.Warn("kernel delete failed, keeping context", "context_id", id, "error", err)
			return b.fail(span, upstreamError("delete", "backend failed to delete the context", err))
		}
		b.logger.Info("kernel already gone", "context_id", id)
	}

	b.registry.Remove(id)
	b.defaults.Forget(id)
	b.updateActive()
	b.recordLifecycle("delete", true)
	b.logger.Info("context deleted", "context_id", id)
	return nil
}

// List returns every live context, sorted by id. The "default" alias is not
// listed separately.
func (b *Broker) List() []datatypes.Context {
	return b.registry.Snapshot()
}

// =============================================================================
// Helpers
// =============================================================================

func (b *Broker) normalize(language string) string {
	language = datatypes.NormalizeLanguage(language)
	if language == "" {
		return b.defaultLanguage
	}
	return language
}

// open establishes a new context without registering it.
func (b *Broker) open(ctx context.Context, language, cwd string) (Entry, error) {
	info, err := b.backend.CreateSession(ctx, b.kernelName(language))
	if err != nil {
		b.logger.Warn("kernel creation failed", "language", language, "error", err)
		return Entry{}, classifyCreate("create", err)
	}

	session, err := b.backend.Connect(ctx, info.KernelID, info.SessionID, language)
	if err != nil {
		b.discardKernel(ctx, info.KernelID)
		return Entry{}, classifyCreate("create", err)
	}
	if err := session.ChangeDirectory(ctx, cwd); err != nil {
		_ = session.Close()
		b.discardKernel(ctx, info.KernelID)
		return Entry{}, upstreamError("create", "failed to set working directory", err)
	}

	return Entry{
		Context:   datatypes.Context{ID: info.KernelID, Language: language, Cwd: cwd},
		SessionID: info.SessionID,
		Session:   session,
	}, nil
}

// discardKernel deletes a kernel that never made it into the registry.
func (b *Broker) discardKernel(ctx context.Context, kernelID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := b.backend.DeleteKernel(ctx, kernelID); err != nil && !jupyter.IsNotFound(err) {
		b.logger.Warn("failed to discard kernel", "kernel_id", kernelID, "error", err)
	}
}

// lockContext takes the per-id lock and returns the entry as seen under it.
func (b *Broker) lockContext(ctx context.Context, op, id string) (Entry, func(), error) {
	e, ok := b.registry.Get(id)
	if !ok {
		return Entry{}, nil, notFoundError(op, id)
	}
	unlock, err := b.locks.Lock(ctx, "ctx:"+e.Context.ID)
	if err != nil {
		return Entry{}, nil, lockError(op, err)
	}
	e, ok = b.registry.Get(e.Context.ID)
	if !ok {
		unlock()
		return Entry{}, nil, notFoundError(op, id)
	}
	return e, unlock, nil
}

// fail records err on the span and in metrics and returns it as *Error.
func (b *Broker) fail(span trace.Span, err error) error {
	var be *Error
	if !errors.As(err, &be) {
		be = internalError("", err)
	}
	span.RecordError(be)
	span.SetStatus(codes.Error, be.Kind.String())
	b.recordError(be)
	return be
}

func (b *Broker) recordLifecycle(op string, success bool) {
	if b.metrics != nil {
		b.metrics.RecordLifecycle(op, success)
	}
}
