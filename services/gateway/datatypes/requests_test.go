// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeLanguage(t *testing.T) {
	tests := map[string]string{
		"python":     "python",
		"Python":     "python",
		"JavaScript": "javascript",
		" js ":       "javascript",
		"TS":         "typescript",
		"r":          "r",
		"":           "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeLanguage(in), "input %q", in)
	}
}

func TestExecutionRequest_Validate(t *testing.T) {
	t.Run("code only is valid", func(t *testing.T) {
		req := ExecutionRequest{Code: "1+1"}
		assert.NoError(t, req.Validate())
	})

	t.Run("both selectors still pass field validation", func(t *testing.T) {
		// mutual exclusion is reported by the broker as a conflict
		req := ExecutionRequest{Code: "1+1", ContextID: "bad-id", Language: "python"}
		assert.NoError(t, req.Validate())
	})

	t.Run("missing code is rejected", func(t *testing.T) {
		req := ExecutionRequest{Language: "python"}
		assert.Error(t, req.Validate())
	})

	t.Run("empty env var key is rejected", func(t *testing.T) {
		req := ExecutionRequest{Code: "x", EnvVars: map[string]string{"": "v"}}
		assert.Error(t, req.Validate())
	})

	t.Run("oversized language is rejected", func(t *testing.T) {
		req := ExecutionRequest{Code: "x", Language: strings.Repeat("p", 65)}
		assert.Error(t, req.Validate())
	})
}

func TestCreateContextRequest_Validate(t *testing.T) {
	assert.NoError(t, (&CreateContextRequest{Language: "python"}).Validate())
	assert.NoError(t, (&CreateContextRequest{Language: "r", Cwd: "/home/user"}).Validate())
	assert.Error(t, (&CreateContextRequest{}).Validate())
	assert.Error(t, (&CreateContextRequest{Language: "python", Cwd: "relative"}).Validate())
}
