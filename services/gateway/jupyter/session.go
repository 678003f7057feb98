// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jupyter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"
)

// ErrSessionClosed is returned by operations on a closed or broken session.
var ErrSessionClosed = errors.New("jupyter: session closed")

// inboxSize buffers kernel messages for one request.
const inboxSize = 64

// inbox receives the messages whose parent is one request.
type inbox struct {
	ch   chan message
	done chan struct{}
}

// Session is one kernel-channel websocket.
//
// # Description
//
// A single read loop demultiplexes incoming frames by parent msg_id into the
// inbox of the request that caused them. Frames for requests nobody is
// waiting on are dropped. Executions are serialized so that per-execution
// environment setup and cleanup cannot interleave.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Session struct {
	conn      *websocket.Conn
	kernelID  string
	sessionID string
	language  string

	writeMu sync.Mutex
	execSem *semaphore.Weighted

	mu      sync.Mutex
	pending map[string]*inbox

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newSession(conn *websocket.Conn, kernelID, sessionID, language string) *Session {
	s := &Session{
		conn:      conn,
		kernelID:  kernelID,
		sessionID: sessionID,
		language:  language,
		execSem:   semaphore.NewWeighted(1),
		pending:   make(map[string]*inbox),
		done:      make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// KernelID returns the kernel this session is attached to.
func (s *Session) KernelID() string { return s.kernelID }

// SessionID returns the Jupyter session id, reused across restarts.
func (s *Session) SessionID() string { return s.sessionID }

// Closed reports whether the session can no longer execute code.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close closes the websocket. Pending executions fail with ErrSessionClosed.
// Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closeErr = ErrSessionClosed
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

// ChangeDirectory sets the kernel's working directory. Languages without a
// known idiom are left untouched.
func (s *Session) ChangeDirectory(ctx context.Context, cwd string) error {
	code := chdirSnippet(s.language, cwd)
	if code == "" {
		return nil
	}
	if err := s.execSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.execSem.Release(1)
	return s.runSilent(ctx, code)
}

// Execute submits code and returns the stream of its events.
//
// # Description
//
// Waits for any running execution on this session to be closed, applies env
// with a silent request, sends the execute_request, and returns immediately.
// Output is read lazily through Execution.Recv.
//
// # Inputs
//
//   - ctx: Bounds the wait for the session and every subsequent Recv.
//   - code: Source to execute.
//   - env: Optional environment for this execution only.
//
// # Outputs
//
//   - *Execution: Event stream. The caller must Close it.
//   - error: ErrSessionClosed, a context error, or an env setup failure.
func (s *Session) Execute(ctx context.Context, code string, env map[string]string) (*Execution, error) {
	if s.Closed() {
		return nil, s.closedErr()
	}
	if err := s.execSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	release := func() { s.execSem.Release(1) }

	setup, cleanup := envSnippets(s.language, env)
	if setup != "" {
		if err := s.runSilent(ctx, setup); err != nil {
			release()
			return nil, fmt.Errorf("failed to apply env vars: %w", err)
		}
	}

	msg, err := newExecuteRequest(s.sessionID, code, false)
	if err != nil {
		release()
		return nil, err
	}
	in := s.register(msg.Header.MsgID)
	if err := s.send(msg); err != nil {
		s.unregister(msg.Header.MsgID)
		s.fireAndForget(cleanup)
		release()
		return nil, err
	}

	return &Execution{
		ctx:     ctx,
		session: s,
		msgID:   msg.Header.MsgID,
		in:      in,
		cleanup: cleanup,
		release: release,
	}, nil
}

// runSilent executes code without output and waits for its execute_reply.
// The caller holds execSem.
func (s *Session) runSilent(ctx context.Context, code string) error {
	msg, err := newExecuteRequest(s.sessionID, code, true)
	if err != nil {
		return err
	}
	in := s.register(msg.Header.MsgID)
	defer s.unregister(msg.Header.MsgID)

	if err := s.send(msg); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return s.closedErr()
		case m := <-in.ch:
			if m.Header.MsgType != "execute_reply" {
				continue
			}
			var reply executeReplyContent
			if err := json.Unmarshal(m.Content, &reply); err != nil {
				return fmt.Errorf("malformed execute_reply: %w", err)
			}
			if reply.Status != "ok" {
				return fmt.Errorf("kernel returned %s: %s: %s", reply.Status, reply.EName, reply.EValue)
			}
			return nil
		}
	}
}

// fireAndForget queues a silent request without waiting for its reply. The
// kernel runs shell requests in order, so it completes before the next
// execution's code.
func (s *Session) fireAndForget(code string) {
	if code == "" || s.Closed() {
		return
	}
	msg, err := newExecuteRequest(s.sessionID, code, true)
	if err != nil {
		return
	}
	if err := s.send(msg); err != nil {
		slog.Debug("failed to queue silent request", "kernel_id", s.kernelID, "error", err)
	}
}

func (s *Session) send(m message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.Closed() {
		return s.closedErr()
	}
	if err := s.conn.WriteJSON(m); err != nil {
		return fmt.Errorf("failed to send %s: %w", m.Header.MsgType, err)
	}
	return nil
}

func (s *Session) register(msgID string) *inbox {
	in := &inbox{ch: make(chan message, inboxSize), done: make(chan struct{})}
	s.mu.Lock()
	s.pending[msgID] = in
	s.mu.Unlock()
	return in
}

func (s *Session) unregister(msgID string) {
	s.mu.Lock()
	in, ok := s.pending[msgID]
	delete(s.pending, msgID)
	s.mu.Unlock()
	if ok {
		close(in.done)
	}
}

func (s *Session) readLoop() {
	for {
		var m message
		if err := s.conn.ReadJSON(&m); err != nil {
			s.fail(err)
			return
		}
		s.mu.Lock()
		in := s.pending[m.ParentHeader.MsgID]
		s.mu.Unlock()
		if in == nil {
			continue
		}
		select {
		case in.ch <- m:
		case <-in.done:
		case <-s.done:
			return
		}
	}
}

// fail marks the session broken after a read error.
func (s *Session) fail(cause error) {
	s.closeOnce.Do(func() {
		if websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
			s.closeErr = ErrSessionClosed
		} else {
			s.closeErr = fmt.Errorf("%w: %v", ErrSessionClosed, cause)
			slog.Warn("kernel connection lost", "kernel_id", s.kernelID, "error", cause)
		}
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *Session) closedErr() error {
	<-s.done
	return s.closeErr
}

// =============================================================================
// Execution
// =============================================================================

// Execution is the lazy, ordered event stream of one execute_request.
//
// Recv returns io.EOF after the end_of_execution event. Close must be called
// exactly once the caller is done, whether or not the stream was drained.
type Execution struct {
	ctx     context.Context
	session *Session
	msgID   string
	in      *inbox
	cleanup string
	release func()

	queue     []Event
	finished  bool
	closeOnce sync.Once
}

// Recv returns the next event, io.EOF at the end of the stream, or an error
// if the session breaks or the context ends first.
func (e *Execution) Recv() (Event, error) {
	for len(e.queue) == 0 {
		if e.finished {
			return Event{}, io.EOF
		}
		select {
		case <-e.ctx.Done():
			return Event{}, e.ctx.Err()
		case <-e.session.done:
			return Event{}, e.session.closedErr()
		case m := <-e.in.ch:
			e.translate(m)
		}
	}
	ev := e.queue[0]
	e.queue = e.queue[1:]
	return ev, nil
}

// Close releases the session for the next execution and queues env cleanup.
func (e *Execution) Close() error {
	e.closeOnce.Do(func() {
		e.session.unregister(e.msgID)
		e.session.fireAndForget(e.cleanup)
		e.release()
	})
	return nil
}

// translate converts one kernel message into zero or more events.
func (e *Execution) translate(m message) {
	switch m.Header.MsgType {
	case "execute_input":
		var c executeInputContent
		if json.Unmarshal(m.Content, &c) == nil {
			e.queue = append(e.queue, Event{Type: EventNumberOfExecutions, ExecutionCount: c.ExecutionCount})
		}
	case "stream":
		var c streamContent
		if json.Unmarshal(m.Content, &c) == nil {
			ev := streamEvent(c.Name, c.Text)
			if ts, err := time.Parse(time.RFC3339Nano, m.Header.Date); err == nil {
				ev.Timestamp = ts.UnixNano()
			}
			e.queue = append(e.queue, ev)
		}
	case "execute_result", "display_data":
		var c displayContent
		if json.Unmarshal(m.Content, &c) == nil {
			e.queue = append(e.queue, resultEvent(c.Data, m.Header.MsgType == "execute_result"))
		}
	case "error":
		var c errorContent
		if json.Unmarshal(m.Content, &c) == nil {
			e.queue = append(e.queue, Event{
				Type:      EventError,
				Name:      c.EName,
				Value:     c.EValue,
				Traceback: strings.Join(c.Traceback, "\n"),
			})
		}
	case "status":
		if m.Channel != "" && m.Channel != channelIOPub {
			return
		}
		var c statusContent
		if json.Unmarshal(m.Content, &c) == nil && c.ExecutionState == "idle" {
			e.queue = append(e.queue, Event{Type: EventEndOfExecution})
			e.finished = true
		}
	}
}
