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
	"strings"
	"time"
)

// EventType discriminates execution events on the wire.
type EventType string

const (
	EventNumberOfExecutions EventType = "number_of_executions"
	EventStdout             EventType = "stdout"
	EventStderr             EventType = "stderr"
	EventResult             EventType = "result"
	EventError              EventType = "error"
	EventEndOfExecution     EventType = "end_of_execution"
)

// Event is one unit of output produced while running submitted code.
//
// # Description
//
// Events are emitted in kernel order and serialized one per line. Only the
// fields relevant to Type are populated:
//
//   - number_of_executions: ExecutionCount
//   - stdout, stderr: Text, Timestamp
//   - result: IsMainResult plus one field per available representation
//   - error: Name, Value, Traceback
//   - end_of_execution: no payload
type Event struct {
	Type           EventType      `json:"type"`
	Text           string         `json:"text,omitempty"`
	Timestamp      int64          `json:"timestamp,omitempty"`
	Name           string         `json:"name,omitempty"`
	Value          string         `json:"value,omitempty"`
	Traceback      string         `json:"traceback,omitempty"`
	ExecutionCount int            `json:"execution_count,omitempty"`
	IsMainResult   bool           `json:"is_main_result,omitempty"`
	HTML           string         `json:"html,omitempty"`
	Markdown       string         `json:"markdown,omitempty"`
	SVG            string         `json:"svg,omitempty"`
	PNG            string         `json:"png,omitempty"`
	JPEG           string         `json:"jpeg,omitempty"`
	PDF            string         `json:"pdf,omitempty"`
	LaTeX          string         `json:"latex,omitempty"`
	JSON           map[string]any `json:"json,omitempty"`
	JavaScript     string         `json:"javascript,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Chart          map[string]any `json:"chart,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// ErrorEvent builds the terminal event written when a stream fails after
// output has already been flushed.
func ErrorEvent(name, value string) Event {
	return Event{Type: EventError, Name: name, Value: value}
}

func streamEvent(name, text string) Event {
	t := EventStdout
	if name == "stderr" {
		t = EventStderr
	}
	return Event{Type: t, Text: text, Timestamp: time.Now().UnixNano()}
}

// resultEvent maps an IPython mime bundle onto a result event. Unknown mime
// types are kept under Extra with their original key.
func resultEvent(bundle map[string]json.RawMessage, main bool) Event {
	ev := Event{Type: EventResult, IsMainResult: main}
	for mime, raw := range bundle {
		switch mime {
		case "text/plain":
			ev.Text = rawString(raw)
		case "text/html":
			ev.HTML = rawString(raw)
		case "text/markdown":
			ev.Markdown = rawString(raw)
		case "image/svg+xml":
			ev.SVG = rawString(raw)
		case "image/png":
			ev.PNG = rawString(raw)
		case "image/jpeg":
			ev.JPEG = rawString(raw)
		case "application/pdf":
			ev.PDF = rawString(raw)
		case "text/latex":
			ev.LaTeX = rawString(raw)
		case "application/json":
			ev.JSON = rawObject(raw)
		case "application/javascript":
			ev.JavaScript = rawString(raw)
		case "application/vnd.dataframe+json", "e2b/data":
			ev.Data = rawObject(raw)
		case "e2b/chart":
			ev.Chart = rawObject(raw)
		default:
			if ev.Extra == nil {
				ev.Extra = make(map[string]any)
			}
			var v any
			if err := json.Unmarshal(raw, &v); err == nil {
				ev.Extra[mime] = v
			}
		}
	}
	return ev
}

// rawString decodes a mime value. Jupyter may send multi-line text as an
// array of lines.
func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var lines []string
	if err := json.Unmarshal(raw, &lines); err == nil {
		return strings.Join(lines, "")
	}
	return string(raw)
}

func rawObject(raw json.RawMessage) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
