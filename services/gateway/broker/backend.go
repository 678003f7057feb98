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

	"github.com/AleutianAI/codegate/services/gateway/jupyter"
)

// =============================================================================
// Backend Collaborator Interfaces
// =============================================================================

// Prober reports whether the backend can accept session operations.
type Prober interface {
	Status(ctx context.Context) error
}

// Backend is the kernel-management surface the broker needs.
//
// Errors that are *jupyter.HTTPError are treated as rejections; a 404 from
// DeleteKernel means the kernel is already gone.
type Backend interface {
	Prober
	CreateSession(ctx context.Context, kernelName string) (jupyter.SessionInfo, error)
	RestartKernel(ctx context.Context, kernelID string) error
	DeleteKernel(ctx context.Context, kernelID string) error
	Connect(ctx context.Context, kernelID, sessionID, language string) (Session, error)
}

// Session is one open connection to a kernel.
type Session interface {
	Execute(ctx context.Context, code string, env map[string]string) (Stream, error)
	ChangeDirectory(ctx context.Context, cwd string) error
	Closed() bool
	Close() error
}

// Stream is the lazy event sequence of one execution. Recv returns io.EOF
// after the last event.
type Stream interface {
	Recv() (jupyter.Event, error)
	Close() error
}

// =============================================================================
// Jupyter Adapter
// =============================================================================

// NewJupyterBackend adapts a jupyter.Client to Backend.
func NewJupyterBackend(client *jupyter.Client) Backend {
	return jupyterBackend{Client: client}
}

type jupyterBackend struct {
	*jupyter.Client
}

func (b jupyterBackend) Connect(ctx context.Context, kernelID, sessionID, language string) (Session, error) {
	s, err := b.Client.Connect(ctx, kernelID, sessionID, language)
	if err != nil {
		return nil, err
	}
	return jupyterSession{Session: s}, nil
}

type jupyterSession struct {
	*jupyter.Session
}

func (s jupyterSession) Execute(ctx context.Context, code string, env map[string]string) (Stream, error) {
	exec, err := s.Session.Execute(ctx, code, env)
	if err != nil {
		return nil, err
	}
	return exec, nil
}
