// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jupyter talks to a Jupyter Server: the REST endpoints that manage
// sessions and kernels, and the multiplexed kernel-channel websocket used to
// execute code.
//
// # Description
//
// Client is shared process-wide and owns the HTTP connection pool. Each
// Session owns one websocket to one kernel. The broker closes every Session
// before closing the Client.
//
// # Thread Safety
//
// Client and Session are safe for concurrent use. Executions on one Session
// are serialized.
package jupyter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4096

// HTTPError reports a non-2xx response from the Jupyter REST API.
type HTTPError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("jupyter %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("jupyter %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the Jupyter API.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}

// IsRejected reports whether err is any non-2xx response, as opposed to a
// transport failure.
func IsRejected(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr)
}

// SessionInfo identifies a Jupyter session and its kernel. The kernel id is
// the gateway's context id.
type SessionInfo struct {
	SessionID string
	KernelID  string
}

// Client is the shared Jupyter Server client.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
	dialer  *websocket.Dialer
}

// NewClient creates a Client for the server at baseURL.
//
// # Inputs
//
//   - baseURL: Server root, e.g. "http://localhost:8888".
//   - token: Optional server token, sent as "Authorization: token <t>".
//   - httpClient: Shared HTTP client. nil uses a new default client.
//
// # Outputs
//
//   - *Client: Ready to use.
//   - error: Non-nil if baseURL is not an absolute http(s) URL.
func NewClient(baseURL, token string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid jupyter base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("invalid jupyter base url %q: want http(s)://host[:port]", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: u,
		token:   token,
		http:    httpClient,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: websocket.DefaultDialer.HandshakeTimeout,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  64 * 1024,
		},
	}, nil
}

// Status polls GET /api/status. A nil error means the server can accept
// session operations.
func (c *Client) Status(ctx context.Context) error {
	_, err := c.do(ctx, "status", http.MethodGet, "/api/status", nil)
	return err
}

// CreateSession starts a notebook session with a fresh kernel.
//
// # Description
//
// Posts to /api/sessions with a random notebook path, which makes Jupyter
// start a new kernel of the given kernelspec.
//
// # Outputs
//
//   - SessionInfo: Session and kernel ids.
//   - error: *HTTPError if the server rejected the request (for example an
//     unknown kernelspec), otherwise a transport or decoding error.
func (c *Client) CreateSession(ctx context.Context, kernelName string) (SessionInfo, error) {
	name := uuid.NewString()
	body := map[string]any{
		"path":   name,
		"name":   name,
		"type":   "notebook",
		"kernel": map[string]string{"name": kernelName},
	}
	data, err := c.do(ctx, "create session", http.MethodPost, "/api/sessions", body)
	if err != nil {
		return SessionInfo{}, err
	}

	var resp struct {
		ID     string `json:"id"`
		Kernel struct {
			ID string `json:"id"`
		} `json:"kernel"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return SessionInfo{}, fmt.Errorf("failed to decode session response: %w", err)
	}
	if resp.ID == "" || resp.Kernel.ID == "" {
		return SessionInfo{}, fmt.Errorf("session response missing ids")
	}
	return SessionInfo{SessionID: resp.ID, KernelID: resp.Kernel.ID}, nil
}

// RestartKernel restarts the kernel in place; its id is unchanged.
func (c *Client) RestartKernel(ctx context.Context, kernelID string) error {
	_, err := c.do(ctx, "restart kernel", http.MethodPost,
		"/api/kernels/"+url.PathEscape(kernelID)+"/restart", nil)
	return err
}

// DeleteKernel shuts the kernel down.
func (c *Client) DeleteKernel(ctx context.Context, kernelID string) error {
	_, err := c.do(ctx, "delete kernel", http.MethodDelete,
		"/api/kernels/"+url.PathEscape(kernelID), nil)
	return err
}

// Connect opens the kernel-channel websocket for kernelID under sessionID.
func (c *Client) Connect(ctx context.Context, kernelID, sessionID, language string) (*Session, error) {
	wsURL := *c.baseURL
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = c.baseURL.Path + "/api/kernels/" + url.PathEscape(kernelID) + "/channels"
	wsURL.RawQuery = url.Values{"session_id": {sessionID}}.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, wsURL.String(), c.headers())
	if err != nil {
		if resp != nil {
			return nil, &HTTPError{Op: "connect kernel", StatusCode: resp.StatusCode}
		}
		return nil, fmt.Errorf("failed to connect to kernel %s: %w", kernelID, err)
	}
	return newSession(conn, kernelID, sessionID, language), nil
}

// Close releases idle pooled connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "token "+c.token)
	}
	return h
}

// do performs a JSON request and returns the body of a 2xx response.
func (c *Client) do(ctx context.Context, op, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header = c.headers()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jupyter %s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("jupyter %s: failed to read response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return nil, &HTTPError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}
