// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/AleutianAI/codegate/pkg/logging"
	"github.com/AleutianAI/codegate/services/gateway/broker"
	"github.com/AleutianAI/codegate/services/gateway/config"
	"github.com/AleutianAI/codegate/services/gateway/jupyter"
)

// errNotReady is returned by check when the backend never answered.
var errNotReady = errors.New("jupyter backend not ready")

// checkBackend runs one readiness wait bounded by timeout and reports the
// outcome on out.
func checkBackend(ctx context.Context, cfg config.GatewayConfig, logger *logging.Logger, timeout time.Duration, out io.Writer) error {
	client, err := jupyter.NewClient(cfg.Jupyter.BaseURL, cfg.Jupyter.Token, &http.Client{})
	if err != nil {
		return err
	}
	defer client.Close()

	waiter := broker.NewWaiter(client, cfg.Readiness.PollTimeout, logger.Slog(), nil)
	interval := min(cfg.Readiness.Interval, requestPollInterval)
	if waiter.Wait(ctx, broker.DurationPolicy(timeout, interval)) != broker.Ready {
		return fmt.Errorf("%w at %s after %s", errNotReady, cfg.Jupyter.BaseURL, timeout)
	}
	fmt.Fprintf(out, "jupyter backend ready at %s\n", cfg.Jupyter.BaseURL)
	return nil
}
