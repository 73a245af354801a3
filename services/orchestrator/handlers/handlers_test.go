// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/uxbiblio/services/orchestrator/analysis"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/bridge"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/credits"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/datatypes"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/session"
	badgerstore "github.com/AleutianAI/uxbiblio/services/orchestrator/storage/badger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubService returns a fixed analysis body.
type stubService struct {
	body string
	err  error
}

func (s *stubService) Analyze(_ context.Context, _ analysis.Request) (analysis.Result, error) {
	if s.err != nil {
		return analysis.Result{}, s.err
	}
	return analysis.DecodeResult([]byte(s.body))
}

// stubExporter returns fixed bytes for every frame.
type stubExporter struct{}

func (stubExporter) Export(_ context.Context, frame datatypes.FlowFrame) ([]byte, error) {
	return []byte("img-" + frame.ID), nil
}

func newTestOrchestrator(t *testing.T, baseline int, service analysis.Service) *session.Orchestrator {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	orch, err := session.New(session.Config{
		Ledger:   credits.NewLedger(db, baseline, nil),
		Analysis: service,
		Exporter: stubExporter{},
	})
	require.NoError(t, err)
	return orch
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func exportableNodes(n int) []datatypes.SelectionNode {
	nodes := make([]datatypes.SelectionNode, n)
	for i := range nodes {
		nodes[i] = datatypes.SelectionNode{
			ID:         string(rune('a' + i)),
			Name:       "Frame",
			Exportable: true,
			Version:    1,
		}
	}
	return nodes
}

// ----------------------------------------------------------------------------
// Selection / status / analyze
// ----------------------------------------------------------------------------

func TestSetSelectionReturnsStatus(t *testing.T) {
	orch := newTestOrchestrator(t, 5, &stubService{body: `{"summary": "ok"}`})
	router := gin.New()
	router.POST("/v1/selection", SetSelection(orch))

	w := doJSON(t, router, http.MethodPost, "/v1/selection", SetSelectionRequest{
		SelectionName: "Checkout",
		Nodes:         exportableNodes(2),
	})
	require.Equal(t, http.StatusOK, w.Code)

	var n datatypes.Notification
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &n))
	assert.Equal(t, datatypes.NotifyStatus, n.Kind)
	assert.Equal(t, 2, n.FrameCount)
	require.NotNil(t, n.Credits)
	assert.Equal(t, 5, n.Credits.Remaining)
}

func TestSetSelectionRejectsBadPayload(t *testing.T) {
	orch := newTestOrchestrator(t, 5, &stubService{body: `{"summary": "ok"}`})
	router := gin.New()
	router.POST("/v1/selection", SetSelection(orch))

	req := httptest.NewRequest(http.MethodPost, "/v1/selection", bytes.NewReader([]byte("{broken")))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAnalyzeEndpointSuccess(t *testing.T) {
	orch := newTestOrchestrator(t, 5, &stubService{body: `{"summary": "solid"}`})
	router := gin.New()
	router.POST("/v1/selection", SetSelection(orch))
	router.POST("/v1/analyze", Analyze(orch))

	doJSON(t, router, http.MethodPost, "/v1/selection", SetSelectionRequest{
		SelectionName: "Checkout", Nodes: exportableNodes(1),
	})
	w := doJSON(t, router, http.MethodPost, "/v1/analyze", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var n datatypes.Notification
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &n))
	assert.Equal(t, datatypes.NotifyResult, n.Kind)
	assert.JSONEq(t, `{"summary": "solid"}`, string(n.Payload))
}

func TestAnalyzeEndpointRejectsEmptySelection(t *testing.T) {
	orch := newTestOrchestrator(t, 5, &stubService{body: `{"summary": "ok"}`})
	router := gin.New()
	router.POST("/v1/analyze", Analyze(orch))

	w := doJSON(t, router, http.MethodPost, "/v1/analyze", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAnalyzeEndpointPaymentRequired(t *testing.T) {
	orch := newTestOrchestrator(t, 0, &stubService{body: `{"summary": "ok"}`})
	router := gin.New()
	router.POST("/v1/selection", SetSelection(orch))
	router.POST("/v1/analyze", Analyze(orch))

	doJSON(t, router, http.MethodPost, "/v1/selection", SetSelectionRequest{
		SelectionName: "Checkout", Nodes: exportableNodes(1),
	})
	w := doJSON(t, router, http.MethodPost, "/v1/analyze", nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
}

func TestAnalyzeEndpointUpstreamTimeout(t *testing.T) {
	orch := newTestOrchestrator(t, 5, &stubService{err: analysis.ErrTimeout})
	router := gin.New()
	router.POST("/v1/selection", SetSelection(orch))
	router.POST("/v1/analyze", Analyze(orch))

	doJSON(t, router, http.MethodPost, "/v1/selection", SetSelectionRequest{
		SelectionName: "Checkout", Nodes: exportableNodes(1),
	})
	w := doJSON(t, router, http.MethodPost, "/v1/analyze", nil)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestCancelEndpointWithNothingRunning(t *testing.T) {
	orch := newTestOrchestrator(t, 5, &stubService{body: `{"summary": "ok"}`})
	router := gin.New()
	router.POST("/v1/cancel", CancelAnalysis(orch))

	w := doJSON(t, router, http.MethodPost, "/v1/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"cancelledRuns": 0}`, w.Body.String())
}

func TestHealthCheck(t *testing.T) {
	orch := newTestOrchestrator(t, 5, &stubService{body: `{"summary": "ok"}`})
	router := gin.New()
	router.GET("/health", HealthCheck(orch))

	w := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, ServiceVersion, resp.Version)
	assert.Equal(t, 0, resp.ActiveRuns)
}

// ----------------------------------------------------------------------------
// Bridge endpoints
// ----------------------------------------------------------------------------

func bridgeRouter(store *bridge.Store) *gin.Engine {
	router := gin.New()
	router.POST("/api/figma/auth-bridge", CreateBridgeToken(store, nil))
	router.GET("/api/figma/auth-bridge/:token", PollBridgeToken(store, nil))
	return router
}

func TestBridgeCreateAndPoll(t *testing.T) {
	clock := bridge.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := bridge.NewStore(bridge.StoreConfig{
		TTL:             time.Minute,
		CompletionDelay: 2 * time.Second,
		PollInterval:    time.Second,
	}, clock, nil)
	router := bridgeRouter(store)

	w := doJSON(t, router, http.MethodPost, "/api/figma/auth-bridge",
		CreateBridgeTokenRequest{AnalysisEndpoint: "http://localhost:9999"})
	require.Equal(t, http.StatusOK, w.Code)

	var created bridge.CreateResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.Token)

	// Pending before the completion delay.
	w = doJSON(t, router, http.MethodGet, "/api/figma/auth-bridge/"+created.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var result bridge.PollResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, bridge.StatusPending, result.Status)

	// Completed after the delay.
	clock.Advance(2 * time.Second)
	w = doJSON(t, router, http.MethodGet, "/api/figma/auth-bridge/"+created.Token+"?consume=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, bridge.StatusCompleted, result.Status)
	assert.Equal(t, "trial", result.AccountStatus)

	// Consumed: second consuming poll is gone, 410.
	w = doJSON(t, router, http.MethodGet, "/api/figma/auth-bridge/"+created.Token+"?consume=1", nil)
	require.Equal(t, http.StatusGone, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, bridge.StatusGone, result.Status)
}

func TestBridgePollUnknownToken(t *testing.T) {
	store := bridge.NewStore(bridge.DefaultStoreConfig(), nil, nil)
	router := bridgeRouter(store)

	w := doJSON(t, router, http.MethodGet, "/api/figma/auth-bridge/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBridgePollExpiredToken(t *testing.T) {
	clock := bridge.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := bridge.NewStore(bridge.StoreConfig{
		TTL:             time.Second,
		CompletionDelay: time.Millisecond,
		PollInterval:    time.Millisecond,
	}, clock, nil)
	router := bridgeRouter(store)

	w := doJSON(t, router, http.MethodPost, "/api/figma/auth-bridge", nil)
	var created bridge.CreateResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	clock.Advance(2 * time.Second)
	w = doJSON(t, router, http.MethodGet, "/api/figma/auth-bridge/"+created.Token, nil)
	require.Equal(t, http.StatusGone, w.Code)

	var result bridge.PollResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, bridge.StatusExpired, result.Status)

	// And afterwards the token is unknown.
	w = doJSON(t, router, http.MethodGet, "/api/figma/auth-bridge/"+created.Token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ----------------------------------------------------------------------------
// Websocket hub
// ----------------------------------------------------------------------------

func TestHubNotifyWithoutClients(t *testing.T) {
	hub := NewHub()
	assert.NotPanics(t, func() {
		hub.Notify(datatypes.Notification{Kind: datatypes.NotifyStatus})
	})
	assert.Equal(t, 0, hub.ClientCount())
}
