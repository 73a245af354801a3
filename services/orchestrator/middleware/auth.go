// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the orchestrator service.
//
// # Authentication Flow
//
// The plugin API is normally served on localhost with no credentials.
// When an API token is configured, RequireAPIToken gates the /v1 group:
//
//	Request
//	   │
//	   ▼
//	RequireAPIToken
//	   │
//	   ├─► Extract token from "Authorization: Bearer <token>"
//	   │
//	   ├─► Constant-time compare against the configured token
//	   │
//	   └─► 401 on mismatch, otherwise continue to handler
//
// # Local Behavior
//
// With no token configured (the default), the middleware is a pass-
// through. This keeps the plugin working against a local orchestrator
// without any credential plumbing. The auth-bridge endpoints are never
// gated; the account portal calls them from the browser.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// bearerPrefix is the expected Authorization scheme.
const bearerPrefix = "Bearer "

// extractBearerToken pulls the token out of the Authorization header.
// Returns "" when the header is missing or uses a different scheme.
func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
}

// RequireAPIToken creates a middleware gating requests on a shared token.
//
// # Description
//
// Compares the request's bearer token against the configured value in
// constant time. An empty configured token disables the gate entirely,
// which is the default for local single-user deployments.
//
// # Inputs
//
//   - token: The shared secret. Empty disables authentication.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware ready for use with a route group
//
// # Examples
//
//	v1 := router.Group("/v1")
//	v1.Use(middleware.RequireAPIToken(cfg.Server.APIToken))
//
// # Limitations
//
//   - Only supports Bearer token authentication
//   - Single shared token; no per-client identity
func RequireAPIToken(token string) gin.HandlerFunc {
	if token == "" {
		return func(c *gin.Context) { c.Next() }
	}

	expected := []byte(token)
	return func(c *gin.Context) {
		presented := []byte(extractBearerToken(c))
		if subtle.ConstantTimeCompare(expected, presented) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				gin.H{"error": "invalid or missing API token"})
			return
		}
		c.Next()
	}
}
