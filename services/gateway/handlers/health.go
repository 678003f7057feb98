// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the gateway's HTTP endpoints.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthCheck always answers 200 "OK"; it does not depend on the backend.
func HealthCheck(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}
