// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the JSON bodies exchanged over the gateway's HTTP
// surface and the language normalization shared by every layer.
package datatypes

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// MaxCodeBytes bounds a single execution payload.
const MaxCodeBytes = 4 * 1024 * 1024

var requestValidate = validator.New()

// =============================================================================
// Language Normalization
// =============================================================================

var languageAliases = map[string]string{
	"js": "javascript",
	"ts": "typescript",
}

// NormalizeLanguage lowercases and trims a language name and resolves short
// aliases ("js", "ts"). An empty name normalizes to the empty string; callers
// substitute their configured default.
//
// # Examples
//
//	NormalizeLanguage("JavaScript") // "javascript"
//	NormalizeLanguage(" js ")       // "javascript"
func NormalizeLanguage(language string) string {
	l := strings.ToLower(strings.TrimSpace(language))
	if alias, ok := languageAliases[l]; ok {
		return alias
	}
	return l
}

// =============================================================================
// Request Types
// =============================================================================

// ExecutionRequest is the body of POST /execute.
//
// # Description
//
// Code runs in the context named by ContextID, or in the default context of
// Language, or in the default context of the configured default language when
// both are empty. ContextID and Language are mutually exclusive; that rule is
// enforced by the broker so it can be reported as a conflict rather than a
// validation failure.
//
// # Fields
//
//   - Code: Required. Source to execute, at most MaxCodeBytes.
//   - ContextID: Optional. Explicit context id, or "default".
//   - Language: Optional. Language whose default context should run the code.
//   - EnvVars: Optional. Environment applied for this execution only.
type ExecutionRequest struct {
	Code      string            `json:"code" validate:"required,max=4194304"`
	ContextID string            `json:"context_id,omitempty" validate:"omitempty,max=256"`
	Language  string            `json:"language,omitempty" validate:"omitempty,max=64"`
	EnvVars   map[string]string `json:"env_vars,omitempty" validate:"omitempty,dive,keys,required,max=256,endkeys,max=1048576"`
}

// Validate checks field constraints.
func (r *ExecutionRequest) Validate() error {
	return requestValidate.Struct(r)
}

// CreateContextRequest is the body of POST /contexts.
//
// Cwd, when given, must be an absolute path; an empty Cwd selects the
// configured default working directory.
type CreateContextRequest struct {
	Language string `json:"language" validate:"required,max=64"`
	Cwd      string `json:"cwd,omitempty" validate:"omitempty,startswith=/,max=4096"`
}

// Validate checks field constraints.
func (r *CreateContextRequest) Validate() error {
	return requestValidate.Struct(r)
}

// =============================================================================
// Response Types
// =============================================================================

// Context is the public description of a live execution context.
type Context struct {
	ID       string `json:"id"`
	Language string `json:"language"`
	Cwd      string `json:"cwd"`
}
