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
	"sync"
)

// Prewarmer creates the default context in the background at startup.
//
// # Description
//
// With pre-warming enabled, Start launches one goroutine that waits for the
// backend under an attempts policy and then resolves the default language's
// default context. The HTTP server accepts traffic meanwhile; a request that
// arrives first simply takes the per-language lock and either creates the
// context itself or waits for the pre-warm to publish it. Failures are
// logged and left to that lazy path.
//
// With pre-warming disabled Start and Stop do nothing, so both startup
// policies share one call sequence in main.
//
// # Thread Safety
//
// Start and Stop may be called from different goroutines. Stop blocks until
// the background work has returned.
type Prewarmer struct {
	broker  *Broker
	policy  Policy
	enabled bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPrewarmer returns a Prewarmer for b.
func NewPrewarmer(b *Broker, policy Policy, enabled bool) *Prewarmer {
	return &Prewarmer{broker: b, policy: policy, enabled: enabled}
}

// Start launches the background pre-warm. Calling it twice has no effect.
func (p *Prewarmer) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		p.broker.logger.Info("lazy startup, default context will be created on first use",
			"language", p.broker.defaultLanguage)
		return
	}
	if p.done != nil {
		return
	}

	ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
}

func (p *Prewarmer) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	logger := p.broker.logger.With("language", p.broker.defaultLanguage)

	if p.broker.waiter.Wait(ctx, p.policy) != Ready {
		if ctx.Err() == nil {
			logger.Warn("pre-warm gave up waiting for the backend, falling back to lazy creation")
		}
		return
	}
	e, err := p.broker.EnsureDefault(ctx, p.broker.defaultLanguage)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("pre-warm failed to create the default context", "error", err)
		}
		return
	}
	logger.Info("default context pre-warmed", "context_id", e.Context.ID)
}

// Stop cancels the pre-warm and waits for it to return.
func (p *Prewarmer) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
