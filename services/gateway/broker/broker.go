// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package broker maps execution requests onto backend kernel sessions.
//
// # Description
//
// The Broker owns every live context. It creates, restarts and deletes
// contexts, resolves the per-language default context with exactly one
// creation under concurrent first use, waits for the backend to come up
// without blocking startup, and classifies every failure into a small set of
// Kinds that the HTTP layer maps to status codes.
//
// # Thread Safety
//
// All exported types are safe for concurrent use. Operations on different
// context ids run independently; default resolution for one language is
// serialized by a per-language lock; restart and delete of one id are
// serialized by a per-id lock.
package broker

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/codegate/services/gateway/datatypes"
	"github.com/AleutianAI/codegate/services/gateway/observability"
)

const tracerName = "github.com/AleutianAI/codegate/services/gateway/broker"

// cleanupTimeout bounds best-effort backend calls made after a request has
// already failed.
const cleanupTimeout = 10 * time.Second

// Options configures a Broker.
type Options struct {
	// DefaultLanguage is used when a request names neither a context nor a
	// language, and is the language the "default" alias points at.
	DefaultLanguage string

	// DefaultCWD is the working directory of default contexts and of
	// explicitly created contexts that do not name one.
	DefaultCWD string

	// KernelName maps a normalized language to a kernelspec name. nil uses
	// the language itself.
	KernelName func(language string) string

	// RequestReadiness bounds the inline readiness wait before a default
	// context is created on the request path.
	RequestReadiness Policy

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer
}

// Broker is the context broker.
type Broker struct {
	backend  Backend
	waiter   *Waiter
	registry *Registry
	defaults *DefaultIndex
	locks    *KeyLock

	defaultLanguage string
	defaultCWD      string
	kernelName      func(string) string
	readiness       Policy

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// New creates a Broker with an empty registry.
//
// # Inputs
//
//   - backend: Kernel management collaborator.
//   - waiter: Readiness waiter used before creating default contexts.
//   - opts: Defaults, logging and instrumentation.
//
// # Outputs
//
//   - *Broker: Ready to serve requests.
func New(backend Backend, waiter *Waiter, opts Options) *Broker {
	b := &Broker{
		backend:         backend,
		waiter:          waiter,
		registry:        NewRegistry(),
		defaults:        NewDefaultIndex(),
		locks:           NewKeyLock(),
		defaultLanguage: datatypes.NormalizeLanguage(opts.DefaultLanguage),
		defaultCWD:      opts.DefaultCWD,
		kernelName:      opts.KernelName,
		readiness:       opts.RequestReadiness,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		tracer:          opts.Tracer,
	}
	if b.defaultLanguage == "" {
		b.defaultLanguage = "python"
	}
	if b.defaultCWD == "" {
		b.defaultCWD = "/app"
	}
	if b.kernelName == nil {
		b.kernelName = func(l string) string { return l }
	}
	if b.readiness.name == "" {
		b.readiness = DurationPolicy(10*time.Second, 500*time.Millisecond)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.tracer == nil {
		b.tracer = otel.Tracer(tracerName)
	}
	return b
}

// DefaultLanguage returns the configured default language.
func (b *Broker) DefaultLanguage() string { return b.defaultLanguage }

// Close closes every live session and empties the registry.
//
// # Description
//
// Sessions are closed concurrently. Kernels are left running on the
// backend; the backend owns their lifetime once the gateway exits. Call
// Close after the HTTP server and the pre-warmer have stopped and before
// the backend client is closed.
func (b *Broker) Close(ctx context.Context) error {
	entries := b.registry.Drain()
	b.updateActive()

	g, _ := errgroup.WithContext(ctx)
	for _, e := range entries {
		g.Go(func() error {
			if err := e.Session.Close(); err != nil {
				b.logger.Debug("session close failed", "context_id", e.Context.ID, "error", err)
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	b.logger.Info("broker drained", "contexts", len(entries))
	return err
}

func (b *Broker) updateActive() {
	if b.metrics != nil {
		b.metrics.SetActiveContexts(b.registry.Len())
	}
}

func (b *Broker) recordError(err *Error) {
	if b.metrics != nil {
		b.metrics.RecordError(err.Kind.String())
	}
}
