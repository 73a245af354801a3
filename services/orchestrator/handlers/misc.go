// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/uxbiblio/services/orchestrator/session"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "0.3.0"

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	ActiveRuns       int    `json:"activeRuns"`
	ExportCacheLen   int    `json:"exportCacheLen"`
	AnalysisCacheLen int    `json:"analysisCacheLen"`
}

// HealthCheck handles GET /health.
func HealthCheck(orch *session.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:           "healthy",
			Version:          ServiceVersion,
			ActiveRuns:       orch.ActiveRuns(),
			ExportCacheLen:   orch.ExportCacheLen(),
			AnalysisCacheLen: orch.AnalysisCacheLen(),
		})
	}
}
