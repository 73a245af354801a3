// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/uxbiblio/services/orchestrator/analysis"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/datatypes"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/session"
)

// SetSelectionRequest is the body of POST /v1/selection.
type SetSelectionRequest struct {
	SelectionName string                    `json:"selectionName"`
	Nodes         []datatypes.SelectionNode `json:"nodes"`
}

// SetSelection handles POST /v1/selection: the plugin pushes the current
// selection and gets the recomputed status projection back.
func SetSelection(orch *session.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SetSelectionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid selection payload: " + err.Error()})
			return
		}
		n := orch.SetSelection(c.Request.Context(), req.SelectionName, req.Nodes)
		c.JSON(http.StatusOK, n)
	}
}

// SyncStatus handles GET /v1/status: recompute and return the read-only
// selection/credits projection.
func SyncStatus(orch *session.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, orch.SyncSelectionStatus(c.Request.Context()))
	}
}

// Analyze handles POST /v1/analyze.
//
// # Description
//
// Runs the full analysis flow for the current selection and returns the
// terminal notification. Rejections map to specific status codes: 400
// for selection problems, 402 for exhausted credits, 499 when the run
// was cancelled, 504 on upstream timeout, 502 for other upstream
// failures.
func Analyze(orch *session.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := orch.Analyze(c.Request.Context())
		if err == nil {
			c.JSON(http.StatusOK, n)
			return
		}

		switch {
		case errors.Is(err, session.ErrNoExportableFrames),
			errors.Is(err, session.ErrTooManyFrames):
			c.JSON(http.StatusBadRequest, n)
		case errors.Is(err, session.ErrCreditsExhausted):
			c.JSON(http.StatusPaymentRequired, n)
		case n.Kind == datatypes.NotifyCancelled:
			// Nginx's client-closed-request code; there is no standard
			// HTTP status for a user-initiated abort.
			c.JSON(499, n)
		case errors.Is(err, analysis.ErrTimeout):
			c.JSON(http.StatusGatewayTimeout, n)
		default:
			c.JSON(http.StatusBadGateway, n)
		}
	}
}

// CancelAnalysis handles POST /v1/cancel.
func CancelAnalysis(orch *session.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		cancelled := orch.Cancel()
		c.JSON(http.StatusOK, gin.H{"cancelledRuns": cancelled})
	}
}

// PrepareAuthPortal handles POST /v1/auth/portal: create a handshake
// token and return the portal URL to open.
func PrepareAuthPortal(orch *session.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		portalURL, err := orch.PrepareAuthPortalURL(c.Request.Context())
		if err != nil {
			// Best-effort: the untokenized portal URL still works, the
			// account just will not auto-promote.
			c.JSON(http.StatusOK, gin.H{"portalUrl": portalURL, "degraded": true})
			return
		}
		c.JSON(http.StatusOK, gin.H{"portalUrl": portalURL})
	}
}

// PortalOpened handles POST /v1/auth/portal/opened: the UI reports the
// portal was actually opened, which starts handshake polling.
func PortalOpened(orch *session.Orchestrator) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Polling must outlive this request.
		orch.HandlePortalOpened(context.WithoutCancel(c.Request.Context()))
		c.JSON(http.StatusAccepted, gin.H{"status": "polling"})
	}
}
