// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the orchestrator's HTTP surface.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/uxbiblio/services/orchestrator/bridge"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/observability"
)

// CreateBridgeTokenRequest is the body of POST /api/figma/auth-bridge.
type CreateBridgeTokenRequest struct {
	AnalysisEndpoint string `json:"analysisEndpoint"`
}

// CreateBridgeToken handles POST /api/figma/auth-bridge.
func CreateBridgeToken(store *bridge.Store, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateBridgeTokenRequest
		// Body is optional; an empty body creates a token with no
		// endpoint hint.
		_ = c.ShouldBindJSON(&req)

		created := store.Create(req.AnalysisEndpoint)
		metrics.RecordTokenEvent(observability.TokenCreated)
		c.JSON(http.StatusOK, created)
	}
}

// PollBridgeToken handles GET /api/figma/auth-bridge/:token.
//
// # Description
//
// Status mapping: pending and completed are 200; not_found is 404;
// expired and gone are 410. The JSON body always carries the full poll
// result so clients can distinguish expired from gone at the same status
// code.
func PollBridgeToken(store *bridge.Store, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Param("token")
		consume := c.Query("consume") == "1"

		result := store.Poll(token, consume)
		switch result.Status {
		case bridge.StatusNotFound:
			c.JSON(http.StatusNotFound, result)
		case bridge.StatusExpired:
			metrics.RecordTokenEvent(observability.TokenExpired)
			c.JSON(http.StatusGone, result)
		case bridge.StatusGone:
			metrics.RecordTokenEvent(observability.TokenGone)
			c.JSON(http.StatusGone, result)
		case bridge.StatusCompleted:
			if consume {
				metrics.RecordTokenEvent(observability.TokenConsumed)
			}
			c.JSON(http.StatusOK, result)
		default:
			c.JSON(http.StatusOK, result)
		}
	}
}
