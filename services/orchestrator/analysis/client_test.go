// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/uxbiblio/services/orchestrator/datatypes"
)

func TestDecodeResultPopulated(t *testing.T) {
	body := []byte(`{
		"summary": "Checkout flow has three friction points.",
		"scope": "checkout",
		"heuristics": [{"id": "H1", "severity": "high"}],
		"metadata": {"model": "ux-1"}
	}`)

	result, err := DecodeResult(body)
	require.NoError(t, err)
	assert.False(t, result.Empty)
	assert.JSONEq(t, string(body), string(result.Payload))
	assert.Empty(t, result.AccountStatusHint)
}

func TestDecodeResultStructurallyEmpty(t *testing.T) {
	cases := map[string]string{
		"all blank":          `{"summary": "  ", "scope": "", "heuristics": [], "issues": []}`,
		"empty object":       `{}`,
		"empty nested":       `{"copywriting": {"notes": ""}, "accessibility": {}, "confidence": {"score": null}}`,
		"metadata only":      `{"metadata": {"model": "ux-1", "tags": ["a", "b"]}}`,
		"empty arrays only":  `{"heuristics": [], "recommendations": []}`,
		"null nested fields": `{"copywriting": null, "summary": null}`,
	}
	for name, body := range cases {
		result, err := DecodeResult([]byte(body))
		require.NoError(t, err, name)
		assert.True(t, result.Empty, name)
	}
}

func TestDecodeResultPopulatedVariants(t *testing.T) {
	cases := map[string]string{
		"summary only":       `{"summary": "One finding."}`,
		"any top-level list": `{"custom_findings": [{"x": 1}]}`,
		"nested string":      `{"copywriting": {"tone": "too formal"}}`,
		"nested number":      `{"confidence": {"score": 0.82}}`,
		"nested list":        `{"accessibility": {"violations": ["contrast"]}}`,
	}
	for name, body := range cases {
		result, err := DecodeResult([]byte(body))
		require.NoError(t, err, name)
		assert.False(t, result.Empty, name)
	}
}

func TestDecodeResultAccountStatusHint(t *testing.T) {
	result, err := DecodeResult([]byte(`{"summary": "ok", "metadata": {"accountStatus": "pro"}}`))
	require.NoError(t, err)
	assert.Equal(t, datatypes.AccountPro, result.AccountStatusHint)

	result, err = DecodeResult([]byte(`{"summary": "ok", "metadata": {"accountStatus": "bogus"}}`))
	require.NoError(t, err)
	assert.Empty(t, result.AccountStatusHint)
}

func TestDecodeResultRejectsNonObject(t *testing.T) {
	_, err := DecodeResult([]byte(`not json`))
	assert.Error(t, err)

	_, err = DecodeResult([]byte(`[1, 2, 3]`))
	assert.Error(t, err)
}

func TestClientAnalyzeSuccess(t *testing.T) {
	var gotReq Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		assert.Equal(t, PromptContractVersion, r.Header.Get("X-Prompt-Contract"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"summary": "solid flow", "issues": []}`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{Endpoint: server.URL})
	require.NoError(t, err)

	result, err := client.Analyze(context.Background(), Request{
		SelectionName: "Checkout",
		Frames: []FramePayload{
			{FrameID: "f1", FrameName: "Cart", Index: 0, Image: EncodeImage([]byte("png"))},
		},
	})
	require.NoError(t, err)
	assert.False(t, result.Empty)
	assert.Equal(t, "Checkout", gotReq.SelectionName)
	require.Len(t, gotReq.Frames, 1)
	assert.Equal(t, "f1", gotReq.Frames[0].FrameID)
}

func TestClientAnalyzeNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{Endpoint: server.URL})
	require.NoError(t, err)

	_, err = client.Analyze(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestClientAnalyzeMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>definitely not json</html>"))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{Endpoint: server.URL})
	require.NoError(t, err)

	_, err = client.Analyze(context.Background(), Request{})
	assert.Error(t, err)
}

func TestClientAnalyzeTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{Endpoint: server.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = client.Analyze(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
}

func TestClientAnalyzeUserCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server can detect the client disconnect
		// and cancel r.Context (golang/go#23262).
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{Endpoint: server.URL})
	require.NoError(t, err)

	userCancelled := errors.New("cancelled by user")
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel(userCancelled)
	}()

	_, err = client.Analyze(ctx, Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, userCancelled))
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestHTTPExporter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			FrameID string `json:"frameId"`
			Version int    `json:"version"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "f1", body.FrameID)
		assert.Equal(t, 2, body.Version)
		_, _ = w.Write([]byte("image-bytes"))
	}))
	defer server.Close()

	exporter, err := NewHTTPExporter(server.URL, nil)
	require.NoError(t, err)

	data, err := exporter.Export(context.Background(), datatypes.FlowFrame{ID: "f1", Version: 2})
	require.NoError(t, err)
	assert.Equal(t, []byte("image-bytes"), data)
}

func TestHTTPExporterEmptyResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	exporter, err := NewHTTPExporter(server.URL, nil)
	require.NoError(t, err)

	_, err = exporter.Export(context.Background(), datatypes.FlowFrame{ID: "f1"})
	assert.Error(t, err)
}
