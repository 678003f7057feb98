// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package jupyter

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// fakeJupyter impersonates the subset of Jupyter Server the gateway uses.
type fakeJupyter struct {
	t      *testing.T
	server *httptest.Server

	mu          sync.Mutex
	ready       bool
	kernels     map[string]bool
	silentCode  []string
	token       string
	restartFail bool
	conns       []*websocket.Conn
}

func newFakeJupyter(t *testing.T) *fakeJupyter {
	t.Helper()
	f := &fakeJupyter{t: t, ready: true, kernels: make(map[string]bool)}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeJupyter) URL() string { return f.server.URL }

func (f *fakeJupyter) silent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.silentCode...)
}

func (f *fakeJupyter) dropConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.Close()
	}
}

func (f *fakeJupyter) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	token, ready := f.token, f.ready
	f.mu.Unlock()

	if token != "" && r.Header.Get("Authorization") != "token "+token {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	path := r.URL.Path
	switch {
	case path == "/api/status":
		if !ready {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"started":"now"}`))

	case path == "/api/sessions" && r.Method == http.MethodPost:
		var body struct {
			Kernel struct {
				Name string `json:"name"`
			} `json:"kernel"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Kernel.Name == "cobol" {
			http.Error(w, `{"message":"No such kernel named cobol"}`, http.StatusInternalServerError)
			return
		}
		kernelID := uuid.NewString()
		f.mu.Lock()
		f.kernels[kernelID] = true
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     uuid.NewString(),
			"kernel": map[string]string{"id": kernelID, "name": body.Kernel.Name},
		})

	case strings.HasSuffix(path, "/restart") && r.Method == http.MethodPost:
		f.mu.Lock()
		fail := f.restartFail
		f.mu.Unlock()
		if fail {
			http.Error(w, "restart failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)

	case strings.HasSuffix(path, "/channels"):
		f.serveChannels(w, r)

	case strings.HasPrefix(path, "/api/kernels/") && r.Method == http.MethodDelete:
		id := strings.TrimPrefix(path, "/api/kernels/")
		f.mu.Lock()
		known := f.kernels[id]
		delete(f.kernels, id)
		f.mu.Unlock()
		if !known {
			http.Error(w, "no such kernel", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.NotFound(w, r)
	}
}

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (f *fakeJupyter) serveChannels(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	defer conn.Close()

	count := 0
	for {
		var req message
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		var content executeRequestContent
		_ = json.Unmarshal(req.Content, &content)

		if content.Silent {
			f.mu.Lock()
			f.silentCode = append(f.silentCode, content.Code)
			f.mu.Unlock()
			status := "ok"
			if strings.Contains(content.Code, "raise") {
				status = "error"
			}
			_ = conn.WriteJSON(reply(req, channelShell, "execute_reply", map[string]any{"status": status}))
			continue
		}

		count++
		send := func(channel, msgType string, c any) {
			_ = conn.WriteJSON(reply(req, channel, msgType, c))
		}
		send(channelIOPub, "status", map[string]any{"execution_state": "busy"})
		send(channelIOPub, "execute_input", map[string]any{"execution_count": count, "code": content.Code})
		switch {
		case strings.HasPrefix(content.Code, "print("):
			send(channelIOPub, "stream", map[string]any{"name": "stdout", "text": "hello\n"})
		case strings.HasPrefix(content.Code, "1/0"):
			send(channelIOPub, "error", map[string]any{
				"ename": "ZeroDivisionError", "evalue": "division by zero",
				"traceback": []string{"Traceback", "ZeroDivisionError: division by zero"},
			})
		case content.Code == "hang":
			// never finishes
			continue
		default:
			send(channelIOPub, "execute_result", map[string]any{
				"execution_count": count,
				"data":            map[string]any{"text/plain": "2", "text/html": []string{"<b>", "2</b>"}},
			})
		}
		send(channelIOPub, "status", map[string]any{"execution_state": "idle"})
		send(channelShell, "execute_reply", map[string]any{"status": "ok"})
	}
}

func reply(parent message, channel, msgType string, content any) message {
	raw, _ := json.Marshal(content)
	return message{
		Header:       header{MsgID: uuid.NewString(), MsgType: msgType, Version: protocolVersion},
		ParentHeader: parent.Header,
		Content:      raw,
		Channel:      channel,
	}
}
