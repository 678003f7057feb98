// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/codegate/services/gateway/jupyter"
	"github.com/AleutianAI/codegate/services/gateway/observability"
)

// =============================================================================
// Fake backend
// =============================================================================

type fakeBackend struct {
	mu sync.Mutex

	ready       bool
	createDelay time.Duration
	chdirErr    error
	restartErr  error
	deleteErr   error

	statusCalls  int
	createCalls  int
	restartCalls int
	deleteCalls  int
	nextID       int

	sessions map[string]*fakeSession
	deleted  []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{ready: true, sessions: make(map[string]*fakeSession)}
}

func (f *fakeBackend) set(fn func(f *fakeBackend)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeBackend) counts() (status, create, restart, del int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls, f.createCalls, f.restartCalls, f.deleteCalls
}

func (f *fakeBackend) session(kernelID string) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[kernelID]
}

func (f *fakeBackend) Status(ctx context.Context) error {
	f.mu.Lock()
	f.statusCalls++
	ready := f.ready
	f.mu.Unlock()
	if !ready {
		return &jupyter.HTTPError{Op: "status", StatusCode: http.StatusServiceUnavailable}
	}
	return nil
}

func (f *fakeBackend) CreateSession(ctx context.Context, kernelName string) (jupyter.SessionInfo, error) {
	f.mu.Lock()
	f.createCalls++
	f.nextID++
	id := f.nextID
	delay := f.createDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return jupyter.SessionInfo{}, ctx.Err()
		}
	}
	if kernelName == "cobol" {
		return jupyter.SessionInfo{}, &jupyter.HTTPError{Op: "create session", StatusCode: http.StatusInternalServerError, Body: "No such kernel"}
	}
	if kernelName == "offline" {
		return jupyter.SessionInfo{}, errors.New("connection refused")
	}
	return jupyter.SessionInfo{
		SessionID: fmt.Sprintf("session-%d", id),
		KernelID:  fmt.Sprintf("kernel-%d", id),
	}, nil
}

func (f *fakeBackend) RestartKernel(ctx context.Context, kernelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restartCalls++
	return f.restartErr
}

func (f *fakeBackend) DeleteKernel(ctx context.Context, kernelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, kernelID)
	return nil
}

func (f *fakeBackend) Connect(ctx context.Context, kernelID, sessionID, language string) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSession{kernelID: kernelID, sessionID: sessionID, chdirErr: f.chdirErr}
	f.sessions[kernelID] = s
	return s, nil
}

// =============================================================================
// Fake session and stream
// =============================================================================

type fakeSession struct {
	kernelID  string
	sessionID string
	chdirErr  error

	mu     sync.Mutex
	closed bool
	cwd    string
	execs  int
}

func (s *fakeSession) Execute(ctx context.Context, code string, env map[string]string) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, jupyter.ErrSessionClosed
	}
	s.execs++
	return &fakeStream{events: []jupyter.Event{
		{Type: jupyter.EventNumberOfExecutions, ExecutionCount: s.execs},
		{Type: jupyter.EventResult, Text: "2", IsMainResult: true},
		{Type: jupyter.EventEndOfExecution},
	}}, nil
}

func (s *fakeSession) ChangeDirectory(ctx context.Context, cwd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chdirErr != nil {
		return s.chdirErr
	}
	s.cwd = cwd
	return nil
}

func (s *fakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeStream struct {
	events []jupyter.Event
	closed bool
}

func (s *fakeStream) Recv() (jupyter.Event, error) {
	if len(s.events) == 0 {
		return jupyter.Event{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBroker(t *testing.T, fb *fakeBackend) *Broker {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	waiter := NewWaiter(fb, 100*time.Millisecond, discardLogger(), metrics)
	return New(fb, waiter, Options{
		DefaultLanguage: "python",
		DefaultCWD:      "/app",
		KernelName: func(l string) string {
			if l == "python" {
				return "python3"
			}
			return l
		},
		RequestReadiness: DurationPolicy(300*time.Millisecond, 10*time.Millisecond),
		Logger:           discardLogger(),
		Metrics:          metrics,
	})
}

func drainExecution(t *testing.T, exec *Execution) []jupyter.Event {
	t.Helper()
	defer exec.Close()
	var out []jupyter.Event
	for {
		ev, err := exec.Recv()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		out = append(out, ev)
	}
}
