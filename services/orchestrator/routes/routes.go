// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/uxbiblio/services/orchestrator/bridge"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/handlers"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/middleware"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/observability"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/session"
)

// SetupRoutes mounts the orchestrator's HTTP surface on router.
//
// apiToken, when non-empty, gates the /v1 plugin group. Health, metrics,
// and the auth-bridge surface stay open: the portal page calls the
// bridge endpoints from the browser without plugin credentials.
func SetupRoutes(router *gin.Engine, orch *session.Orchestrator, store *bridge.Store,
	hub *handlers.Hub, metrics *observability.Metrics, apiToken string) {

	router.GET("/health", handlers.HealthCheck(orch))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Auth bridge surface, consumed by the portal page and the bridge
	// client.
	router.POST("/api/figma/auth-bridge", handlers.CreateBridgeToken(store, metrics))
	router.GET("/api/figma/auth-bridge/:token", handlers.PollBridgeToken(store, metrics))

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.RequireAPIToken(apiToken))
	{
		v1.POST("/selection", handlers.SetSelection(orch))
		v1.GET("/status", handlers.SyncStatus(orch))
		v1.POST("/analyze", handlers.Analyze(orch))
		v1.POST("/cancel", handlers.CancelAnalysis(orch))
		v1.GET("/events", handlers.HandleEvents(hub))
		// Account portal routes
		auth := v1.Group("/auth")
		{
			auth.POST("/portal", handlers.PrepareAuthPortal(orch))
			auth.POST("/portal/opened", handlers.PortalOpened(orch))
		}
	}
}
