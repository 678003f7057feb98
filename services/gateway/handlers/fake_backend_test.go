// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/codegate/services/gateway/broker"
	"github.com/AleutianAI/codegate/services/gateway/jupyter"
	"github.com/AleutianAI/codegate/services/gateway/observability"
)

// stubBackend is an in-memory backend for handler tests.
type stubBackend struct {
	mu         sync.Mutex
	ready      bool
	restartErr error
	calls      int
	creates    int
	nextID     int
}

func (s *stubBackend) record(create bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if create {
		s.creates++
	}
}

func (s *stubBackend) snapshot() (calls, creates int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, s.creates
}

func (s *stubBackend) Status(context.Context) error {
	s.record(false)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return &jupyter.HTTPError{Op: "status", StatusCode: http.StatusServiceUnavailable}
	}
	return nil
}

func (s *stubBackend) CreateSession(_ context.Context, kernelName string) (jupyter.SessionInfo, error) {
	s.record(true)
	if kernelName == "cobol" {
		return jupyter.SessionInfo{}, &jupyter.HTTPError{Op: "create session", StatusCode: http.StatusInternalServerError, Body: "No such kernel"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return jupyter.SessionInfo{
		SessionID: fmt.Sprintf("session-%d", s.nextID),
		KernelID:  fmt.Sprintf("kernel-%d", s.nextID),
	}, nil
}

func (s *stubBackend) RestartKernel(context.Context, string) error {
	s.record(false)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartErr
}

func (s *stubBackend) DeleteKernel(context.Context, string) error {
	s.record(false)
	return nil
}

func (s *stubBackend) Connect(context.Context, string, string, string) (broker.Session, error) {
	s.record(false)
	return &stubSession{}, nil
}

type stubSession struct {
	mu     sync.Mutex
	closed bool
	count  int
}

func (s *stubSession) Execute(_ context.Context, code string, _ map[string]string) (broker.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, jupyter.ErrSessionClosed
	}
	s.count++
	events := []jupyter.Event{{Type: jupyter.EventNumberOfExecutions, ExecutionCount: s.count}}
	if code == "boom" {
		return &stubStream{events: events, failWith: fmt.Errorf("%w: read tcp: reset", jupyter.ErrSessionClosed)}, nil
	}
	events = append(events,
		jupyter.Event{Type: jupyter.EventStdout, Text: "hi\n", Timestamp: time.Now().UnixNano()},
		jupyter.Event{Type: jupyter.EventResult, Text: "2", IsMainResult: true},
		jupyter.Event{Type: jupyter.EventEndOfExecution},
	)
	return &stubStream{events: events}, nil
}

func (s *stubSession) ChangeDirectory(context.Context, string) error { return nil }

func (s *stubSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type stubStream struct {
	events   []jupyter.Event
	failWith error
}

func (s *stubStream) Recv() (jupyter.Event, error) {
	if len(s.events) == 0 {
		if s.failWith != nil {
			return jupyter.Event{}, s.failWith
		}
		return jupyter.Event{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *stubStream) Close() error { return nil }

// newTestRouter wires the handlers to a broker over stub.
func newTestRouter(t *testing.T, stub *stubBackend) (*gin.Engine, *broker.Broker) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	b := broker.New(stub, broker.NewWaiter(stub, 50*time.Millisecond, logger, metrics), broker.Options{
		DefaultLanguage:  "python",
		DefaultCWD:       "/app",
		RequestReadiness: broker.DurationPolicy(200*time.Millisecond, 10*time.Millisecond),
		Logger:           logger,
		Metrics:          metrics,
	})

	router := gin.New()
	router.GET("/health", HealthCheck)
	router.POST("/execute", HandleExecute(b))
	router.POST("/contexts", CreateContext(b))
	router.GET("/contexts", ListContexts(b))
	router.POST("/contexts/:id/restart", RestartContext(b))
	router.DELETE("/contexts/:id", DeleteContext(b))
	return router, b
}
