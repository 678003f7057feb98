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
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/codegate/services/gateway/observability"
)

// =============================================================================
// Readiness Policies
// =============================================================================

// Outcome is the result of a readiness wait.
type Outcome int

const (
	// TimedOut means the budget ran out before any poll succeeded.
	TimedOut Outcome = iota

	// Ready means a poll succeeded.
	Ready
)

func (o Outcome) String() string {
	if o == Ready {
		return "ready"
	}
	return "timed_out"
}

// Policy bounds a readiness wait by attempts or by wall-clock duration.
type Policy struct {
	name     string
	attempts int
	budget   time.Duration
	interval time.Duration
}

// AttemptsPolicy stops after n polls, one every interval. Used for the
// background pre-warm, where elapsed time does not matter.
func AttemptsPolicy(n int, interval time.Duration) Policy {
	if n < 1 {
		n = 1
	}
	return Policy{name: "attempts", attempts: n, interval: interval}
}

// DurationPolicy stops once d has elapsed, polling every interval. Used
// inline on the request path.
func DurationPolicy(d, interval time.Duration) Policy {
	return Policy{name: "duration", budget: d, interval: interval}
}

// Name returns "attempts" or "duration".
func (p Policy) Name() string { return p.name }

// =============================================================================
// Waiter
// =============================================================================

// progressEvery is how often, in polls, a failing wait logs progress.
const progressEvery = 10

// Waiter polls the backend until it is ready or a policy budget runs out.
//
// # Description
//
// Each poll is bounded by its own timeout. A transport error or non-2xx
// status is "not ready yet", never a failure: Wait only returns an Outcome.
// Every call starts from scratch; no "backend is down" state is kept.
//
// # Thread Safety
//
// Safe for concurrent use.
type Waiter struct {
	probe       Prober
	pollTimeout time.Duration
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// NewWaiter creates a Waiter.
//
// # Inputs
//
//   - probe: Backend liveness check.
//   - pollTimeout: Timeout for a single poll.
//   - logger: nil uses slog.Default().
//   - metrics: Optional.
func NewWaiter(probe Prober, pollTimeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Waiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Waiter{probe: probe, pollTimeout: pollTimeout, logger: logger, metrics: metrics}
}

// Wait polls until the backend is ready, the policy budget is spent, or ctx
// ends.
//
// # Description
//
// Returns Ready the instant one poll succeeds. A duration policy is a hard
// bound: the polls run under a context that expires with the budget, so a
// backend that never answers cannot stretch the wait.
//
// # Inputs
//
//   - ctx: Cancels the wait early (outcome TimedOut).
//   - policy: AttemptsPolicy or DurationPolicy.
//
// # Outputs
//
//   - Outcome: Ready or TimedOut.
func (w *Waiter) Wait(ctx context.Context, policy Policy) Outcome {
	start := time.Now()
	opts := []backoff.RetryOption{backoff.WithBackOff(backoff.NewConstantBackOff(policy.interval))}
	if policy.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.budget)
		defer cancel()
		opts = append(opts, backoff.WithMaxElapsedTime(policy.budget))
	} else {
		opts = append(opts, backoff.WithMaxTries(uint(policy.attempts)), backoff.WithMaxElapsedTime(0))
	}

	progress := rate.Sometimes{First: 1, Every: progressEvery}
	attempt := 0
	poll := func() (struct{}, error) {
		attempt++
		pollCtx, cancel := context.WithTimeout(ctx, w.pollTimeout)
		defer cancel()
		err := w.probe.Status(pollCtx)
		if err != nil {
			progress.Do(func() {
				w.logger.Info("waiting for execution backend",
					"attempt", attempt, "policy", policy.name, "error", err)
			})
		}
		return struct{}{}, err
	}

	outcome := TimedOut
	if _, err := backoff.Retry(ctx, poll, opts...); err == nil {
		outcome = Ready
	}
	elapsed := time.Since(start)

	if outcome == Ready {
		w.logger.Info("execution backend ready", "attempts", attempt, "elapsed", elapsed)
	} else {
		w.logger.Warn("execution backend not ready within budget",
			"attempts", attempt, "policy", policy.name, "elapsed", elapsed)
	}
	if w.metrics != nil {
		w.metrics.RecordReadiness(policy.name, outcome == Ready, elapsed.Seconds())
	}
	return outcome
}
