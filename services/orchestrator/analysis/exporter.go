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
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/uxbiblio/services/orchestrator/datatypes"
)

// Exporter renders one design frame to image bytes. The rendering itself
// happens in the design tool; the orchestrator only consumes the bytes.
type Exporter interface {
	Export(ctx context.Context, frame datatypes.FlowFrame) ([]byte, error)
}

// HTTPExporter calls back into the design-tool companion over HTTP.
//
// # Description
//
// POSTs `{frameId, version}` to the render endpoint and expects the raw
// image bytes back. Used when the selection source runs its own export
// server; tests and embedded deployments substitute their own Exporter.
type HTTPExporter struct {
	endpoint string
	http     *http.Client
}

var _ Exporter = (*HTTPExporter)(nil)

// NewHTTPExporter builds an exporter against the given render endpoint.
func NewHTTPExporter(endpoint string, client *http.Client) (*HTTPExporter, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("analysis: exporter endpoint is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPExporter{endpoint: endpoint, http: client}, nil
}

// Export implements Exporter.
func (e *HTTPExporter) Export(ctx context.Context, frame datatypes.FlowFrame) ([]byte, error) {
	body, err := json.Marshal(map[string]any{
		"frameId": frame.ID,
		"version": frame.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling export request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("building export request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exporting frame %s: %w", frame.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("export of frame %s returned %d: %s",
			frame.ID, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading export response for frame %s: %w", frame.ID, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("export of frame %s returned no bytes", frame.ID)
	}
	return data, nil
}
