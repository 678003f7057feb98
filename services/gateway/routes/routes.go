// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/codegate/services/gateway/broker"
	"github.com/AleutianAI/codegate/services/gateway/handlers"
)

// SetupRoutes registers every gateway endpoint on router. A nil gatherer
// serves the default Prometheus registry.
func SetupRoutes(router *gin.Engine, b *broker.Broker, gatherer prometheus.Gatherer) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	router.POST("/execute", handlers.HandleExecute(b))

	contexts := router.Group("/contexts")
	{
		contexts.POST("", handlers.CreateContext(b))
		contexts.GET("", handlers.ListContexts(b))
		contexts.POST("/:id/restart", handlers.RestartContext(b))
		contexts.DELETE("/:id", handlers.DeleteContext(b))
	}
}
