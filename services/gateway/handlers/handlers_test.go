// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the gateway HTTP handlers

package handlers

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/codegate/services/gateway/broker"
	"github.com/AleutianAI/codegate/services/gateway/datatypes"
	"github.com/AleutianAI/codegate/services/gateway/jupyter"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func doJSON(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req, _ = http.NewRequest(method, path, nil)
	} else {
		req, _ = http.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	router.ServeHTTP(w, req)
	return w
}

func decodeEvents(t *testing.T, body []byte) []jupyter.Event {
	t.Helper()
	var events []jupyter.Event
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		var ev jupyter.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev), "line %q", scanner.Text())
		events = append(events, ev)
	}
	return events
}

// =============================================================================
// HealthCheck Tests
// =============================================================================

func TestHealthCheck_ReturnsOK(t *testing.T) {
	stub := &stubBackend{ready: false}
	router, _ := newTestRouter(t, stub)

	w := doJSON(router, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
	calls, _ := stub.snapshot()
	assert.Zero(t, calls, "health must not touch the backend")
}

// =============================================================================
// Execute Tests
// =============================================================================

func TestExecute_ColdStartCreatesDefaultOnce(t *testing.T) {
	stub := &stubBackend{ready: true}
	router, b := newTestRouter(t, stub)

	w := doJSON(router, http.MethodPost, "/execute", `{"code":"1+1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

	events := decodeEvents(t, w.Body.Bytes())
	require.Len(t, events, 4)
	assert.Equal(t, jupyter.EventNumberOfExecutions, events[0].Type)
	assert.Equal(t, jupyter.EventResult, events[2].Type)
	assert.Equal(t, "2", events[2].Text)
	assert.Equal(t, jupyter.EventEndOfExecution, events[3].Type)
	listed := b.List()
	require.Len(t, listed, 1)

	w = doJSON(router, http.MethodPost, "/execute", `{"code":"1+1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	second := decodeEvents(t, w.Body.Bytes())
	assert.Equal(t, 2, second[0].ExecutionCount, "second call must reuse the same context")

	_, creates := stub.snapshot()
	assert.Equal(t, 1, creates)
	assert.Equal(t, listed, b.List())
}

func TestExecute_ConflictMakesNoBackendCalls(t *testing.T) {
	stub := &stubBackend{ready: true}
	router, _ := newTestRouter(t, stub)

	w := doJSON(router, http.MethodPost, "/execute", `{"code":"1+1","context_id":"bad-id","language":"python"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "mutually exclusive")
	calls, _ := stub.snapshot()
	assert.Zero(t, calls)
}

func TestExecute_ConflictWinsOverValidation(t *testing.T) {
	router, _ := newTestRouter(t, &stubBackend{ready: true})

	w := doJSON(router, http.MethodPost, "/execute", `{"context_id":"x","language":"python"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "mutually exclusive")
}

func TestExecute_UnknownContext(t *testing.T) {
	router, _ := newTestRouter(t, &stubBackend{ready: true})

	w := doJSON(router, http.MethodPost, "/execute", `{"code":"1+1","context_id":"missing"}`)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "missing")
}

func TestExecute_BackendUnavailable(t *testing.T) {
	router, b := newTestRouter(t, &stubBackend{ready: false})

	w := doJSON(router, http.MethodPost, "/execute", `{"code":"1+1","language":"python"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "not ready")
	assert.Empty(t, b.List())
}

func TestExecute_InvalidBodies(t *testing.T) {
	router, _ := newTestRouter(t, &stubBackend{ready: true})

	for _, body := range []string{`not json`, `{}`, `{"code":""}`} {
		w := doJSON(router, http.MethodPost, "/execute", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "body %s", body)
	}
}

func TestExecute_MidStreamFailureAppendsStreamError(t *testing.T) {
	router, _ := newTestRouter(t, &stubBackend{ready: true})

	w := doJSON(router, http.MethodPost, "/execute", `{"code":"boom"}`)

	require.Equal(t, http.StatusOK, w.Code)
	events := decodeEvents(t, w.Body.Bytes())
	require.Len(t, events, 2)
	assert.Equal(t, jupyter.EventNumberOfExecutions, events[0].Type)
	assert.Equal(t, jupyter.EventError, events[1].Type)
	assert.Equal(t, "StreamError", events[1].Name)
	assert.Equal(t, "connection to the kernel was lost", events[1].Value)
}

// =============================================================================
// Context Management Tests
// =============================================================================

func TestCreateContext_NormalizesLanguage(t *testing.T) {
	router, b := newTestRouter(t, &stubBackend{ready: true})

	w := doJSON(router, http.MethodPost, "/contexts", `{"language":"JavaScript"}`)

	require.Equal(t, http.StatusOK, w.Code)
	var got datatypes.Context
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "javascript", got.Language)
	assert.Equal(t, "/app", got.Cwd)
	assert.Equal(t, []datatypes.Context{got}, b.List())
}

func TestCreateContext_Rejections(t *testing.T) {
	router, _ := newTestRouter(t, &stubBackend{ready: true})

	tests := []struct {
		name string
		body string
	}{
		{"missing language", `{}`},
		{"relative cwd", `{"language":"python","cwd":"work"}`},
		{"backend rejects language", `{"language":"cobol"}`},
		{"malformed", `{"language":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(router, http.MethodPost, "/contexts", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestListContexts(t *testing.T) {
	router, _ := newTestRouter(t, &stubBackend{ready: true})

	w := doJSON(router, http.MethodGet, "/contexts", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	doJSON(router, http.MethodPost, "/contexts", `{"language":"python","cwd":"/work"}`)
	w = doJSON(router, http.MethodGet, "/contexts", "")
	var got []datatypes.Context
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "/work", got[0].Cwd)
}

func TestDeleteContext(t *testing.T) {
	router, b := newTestRouter(t, &stubBackend{ready: true})

	assert.Equal(t, http.StatusNotFound, doJSON(router, http.MethodDelete, "/contexts/bad-id", "").Code)

	w := doJSON(router, http.MethodPost, "/contexts", `{"language":"python"}`)
	var created datatypes.Context
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(router, http.MethodDelete, "/contexts/"+created.ID, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
	assert.Empty(t, b.List())
}

func TestRestartContext(t *testing.T) {
	router, _ := newTestRouter(t, &stubBackend{ready: true})

	assert.Equal(t, http.StatusNotFound, doJSON(router, http.MethodPost, "/contexts/bad-id/restart", "").Code)

	w := doJSON(router, http.MethodPost, "/contexts", `{"language":"python"}`)
	var created datatypes.Context
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(router, http.MethodPost, "/contexts/"+created.ID+"/restart", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodPost, "/execute", `{"code":"1+1","context_id":"`+created.ID+`"}`)
	require.Equal(t, http.StatusOK, w.Code)
	events := decodeEvents(t, w.Body.Bytes())
	assert.Equal(t, 1, events[0].ExecutionCount, "restart gives a fresh kernel session")
}

func TestRestartContext_BackendFailure(t *testing.T) {
	stub := &stubBackend{ready: true}
	router, _ := newTestRouter(t, stub)

	w := doJSON(router, http.MethodPost, "/contexts", `{"language":"python"}`)
	var created datatypes.Context
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	stub.mu.Lock()
	stub.restartErr = &jupyter.HTTPError{Op: "restart kernel", StatusCode: http.StatusInternalServerError}
	stub.mu.Unlock()

	w = doJSON(router, http.MethodPost, "/contexts/"+created.ID+"/restart", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodGet, "/contexts", "")
	var listed []datatypes.Context
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	assert.Equal(t, []datatypes.Context{created}, listed)

	done := make(chan int, 1)
	go func() {
		done <- doJSON(router, http.MethodPost, "/execute", `{"code":"1+1","context_id":"`+created.ID+`"}`).Code
	}()
	select {
	case code := <-done:
		assert.Equal(t, http.StatusBadRequest, code)
	case <-time.After(2 * time.Second):
		t.Fatal("execute after failed restart must fail cleanly, not hang")
	}
}

// =============================================================================
// Error Mapping Tests
// =============================================================================

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusFor(broker.KindConflict))
	assert.Equal(t, http.StatusNotFound, StatusFor(broker.KindNotFound))
	assert.Equal(t, http.StatusBadRequest, StatusFor(broker.KindUpstreamUnavailable))
	assert.Equal(t, http.StatusBadRequest, StatusFor(broker.KindUpstreamError))
	assert.Equal(t, http.StatusBadRequest, StatusFor(broker.KindInternal))
}

func TestPublicMessage_HidesInternals(t *testing.T) {
	assert.Equal(t, "internal error", PublicMessage(errors.New("dial tcp 10.0.0.3:8888: refused")))
	assert.Equal(t, "internal error", PublicMessage(&broker.Error{Kind: broker.KindInternal, Message: "secret"}))
	assert.Equal(t, "context gone", PublicMessage(&broker.Error{Kind: broker.KindNotFound, Message: "context gone"}))
}

// =============================================================================
// NDJSON Writer Tests
// =============================================================================

func TestNDJSONWriter_OneLinePerEvent(t *testing.T) {
	w := httptest.NewRecorder()
	SetNDJSONHeaders(w)
	writer, err := NewNDJSONWriter(w)
	require.NoError(t, err)
	assert.False(t, writer.Written())

	require.NoError(t, writer.WriteEvent(jupyter.Event{Type: jupyter.EventStdout, Text: "a\nb"}))
	require.NoError(t, writer.WriteStreamError("boom"))

	assert.True(t, writer.Written())
	assert.True(t, w.Flushed)
	lines := strings.Split(strings.TrimSuffix(w.Body.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"type":"stdout","text":"a\nb"}`, lines[0])
	assert.JSONEq(t, `{"type":"error","name":"StreamError","value":"boom"}`, lines[1])
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
}
