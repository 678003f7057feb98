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
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// protocolVersion is the Jupyter messaging protocol version we speak.
const protocolVersion = "5.3"

// Channel names on the multiplexed kernel websocket.
const (
	channelShell = "shell"
	channelIOPub = "iopub"
)

// header is the Jupyter message header.
type header struct {
	MsgID    string `json:"msg_id"`
	Session  string `json:"session"`
	Username string `json:"username"`
	Date     string `json:"date"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
}

// message is one frame on /api/kernels/{id}/channels. Content is kept raw
// and decoded per msg_type.
type message struct {
	Header       header          `json:"header"`
	ParentHeader header          `json:"parent_header"`
	Metadata     map[string]any  `json:"metadata"`
	Content      json.RawMessage `json:"content"`
	Channel      string          `json:"channel"`
	Buffers      []any           `json:"buffers"`
}

type executeRequestContent struct {
	Code            string         `json:"code"`
	Silent          bool           `json:"silent"`
	StoreHistory    bool           `json:"store_history"`
	UserExpressions map[string]any `json:"user_expressions"`
	AllowStdin      bool           `json:"allow_stdin"`
	StopOnError     bool           `json:"stop_on_error"`
}

type streamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

type executeInputContent struct {
	ExecutionCount int `json:"execution_count"`
}

type displayContent struct {
	Data map[string]json.RawMessage `json:"data"`
}

type errorContent struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

type statusContent struct {
	ExecutionState string `json:"execution_state"`
}

type executeReplyContent struct {
	Status string `json:"status"`
	EName  string `json:"ename,omitempty"`
	EValue string `json:"evalue,omitempty"`
}

// newExecuteRequest builds a shell execute_request. Silent requests produce
// no iopub output and do not bump the execution counter.
func newExecuteRequest(sessionID, code string, silent bool) (message, error) {
	content, err := json.Marshal(executeRequestContent{
		Code:            code,
		Silent:          silent,
		StoreHistory:    !silent,
		UserExpressions: map[string]any{},
		AllowStdin:      false,
		StopOnError:     true,
	})
	if err != nil {
		return message{}, err
	}
	return message{
		Header: header{
			MsgID:    uuid.NewString(),
			Session:  sessionID,
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
			MsgType:  "execute_request",
			Version:  protocolVersion,
		},
		Metadata: map[string]any{},
		Content:  content,
		Channel:  channelShell,
		Buffers:  []any{},
	}, nil
}
