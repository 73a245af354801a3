// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package analysis adapts the upstream UX analysis service behind a typed
// interface. The adapter owns the one place where raw JSON is inspected
// for structural emptiness; everything downstream works with the
// discriminated Result.
package analysis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/uxbiblio/pkg/logging"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/datatypes"
)

// PromptContractVersion identifies the shape of the question asked of the
// analysis service. Bump it whenever the upstream prompt or response
// contract changes; cached results from older versions are then void.
const PromptContractVersion = "2025-06.2"

// FramePayload is one exported frame in an analysis request.
type FramePayload struct {
	FrameID   string         `json:"frameId"`
	FrameName string         `json:"frameName"`
	Index     int            `json:"index"`
	Image     string         `json:"image"` // base64-encoded export bytes
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Request is the wire request sent to the analysis service.
type Request struct {
	SelectionName string         `json:"selectionName"`
	Frames        []FramePayload `json:"frames"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Result is the discriminated outcome of an analysis call.
//
// Empty means the service answered successfully but produced no
// actionable findings; such results must not be cached. Payload holds the
// verbatim response body for populated results.
type Result struct {
	Empty   bool
	Payload json.RawMessage

	// AccountStatusHint carries an account-status upgrade embedded in
	// the response metadata, when present. Zero value means no hint.
	AccountStatusHint datatypes.AccountStatus
}

// Service is the injectable seam over the analysis backend.
type Service interface {
	// Analyze sends one flow to the analysis service. Cancellation and
	// the hard request timeout both arrive through ctx; callers
	// disambiguate them via context.Cause.
	Analyze(ctx context.Context, req Request) (Result, error)
}

// ClientConfig configures the HTTP-backed Service.
type ClientConfig struct {
	// Endpoint is the full analyze URL, e.g.
	// "https://api.uxbiblio.com/v1/analyze".
	Endpoint string

	// Timeout bounds one analysis call. Defaults to 90s.
	Timeout time.Duration

	HTTPClient *http.Client
	Logger     *logging.Logger
}

// Client is the production Service over net/http.
type Client struct {
	endpoint string
	timeout  time.Duration
	http     *http.Client
	logger   *logging.Logger
}

var _ Service = (*Client)(nil)

// NewClient validates cfg and returns an HTTP-backed analysis client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("analysis: Endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Client{
		endpoint: cfg.Endpoint,
		timeout:  cfg.Timeout,
		http:     cfg.HTTPClient,
		logger:   cfg.Logger,
	}, nil
}

// Endpoint returns the configured analyze URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Analyze implements Service.
//
// # Description
//
// Issues one POST to the analysis endpoint. Any non-2xx status or a body
// that fails to parse as JSON is an error. The typed Result is derived
// here so callers never re-inspect raw JSON shape.
func (c *Client) Analyze(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshaling analysis request: %w", err)
	}

	ctx, cancel := context.WithTimeoutCause(ctx, c.timeout, ErrTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("building analysis request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Prompt-Contract", PromptContractVersion)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return Result{}, fmt.Errorf("analysis request aborted: %w", cause)
		}
		return Result{}, fmt.Errorf("sending analysis request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("analysis service returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("reading analysis response: %w", err)
	}

	result, err := DecodeResult(raw)
	if err != nil {
		return Result{}, err
	}

	c.logger.Info("analysis call completed",
		"frames", len(req.Frames),
		"empty", result.Empty,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

// ErrTimeout marks an analysis call that exceeded its hard deadline. It
// is set as the context cancellation cause so callers can distinguish a
// slow upstream from a user-initiated cancel.
var ErrTimeout = fmt.Errorf("analysis request took too long")

// nestedObjectKeys are the response sections whose populated sub-objects
// count as findings even without top-level arrays.
var nestedObjectKeys = [...]string{"copywriting", "accessibility", "confidence"}

// DecodeResult parses a raw analysis response body into a typed Result.
//
// # Description
//
// A result is structurally empty when all of the following hold: the
// summary and scope strings are absent or blank, no top-level key holds a
// non-empty array, and none of the copywriting/accessibility/confidence
// objects contains a populated value.
//
// # Outputs
//
//	Result - Empty flag, verbatim payload, and any account-status hint
//	         found under metadata.accountStatus.
//	error  - Non-nil when body is not a JSON object.
func DecodeResult(body []byte) (Result, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return Result{}, fmt.Errorf("decoding analysis response: %w", err)
	}

	result := Result{
		Empty:   structurallyEmpty(top),
		Payload: json.RawMessage(body),
	}

	if rawMeta, ok := top["metadata"]; ok {
		var meta struct {
			AccountStatus string `json:"accountStatus"`
		}
		if err := json.Unmarshal(rawMeta, &meta); err == nil && meta.AccountStatus != "" {
			if status := datatypes.ParseAccountStatus(meta.AccountStatus); status.Valid() {
				result.AccountStatusHint = status
			}
		}
	}
	return result, nil
}

func structurallyEmpty(top map[string]json.RawMessage) bool {
	for _, key := range [...]string{"summary", "scope"} {
		var text string
		if raw, ok := top[key]; ok && json.Unmarshal(raw, &text) == nil {
			if strings.TrimSpace(text) != "" {
				return false
			}
		}
	}

	for key, raw := range top {
		if key == "metadata" {
			continue
		}
		var list []json.RawMessage
		if json.Unmarshal(raw, &list) == nil && len(list) > 0 {
			return false
		}
	}

	for _, key := range nestedObjectKeys {
		raw, ok := top[key]
		if !ok {
			continue
		}
		var obj map[string]json.RawMessage
		if json.Unmarshal(raw, &obj) != nil {
			continue
		}
		for _, value := range obj {
			if populatedValue(value) {
				return false
			}
		}
	}
	return true
}

// populatedValue reports whether a nested JSON value carries content:
// a non-blank string, a non-empty array or object, or any number/bool.
func populatedValue(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	switch {
	case trimmed == "" || trimmed == "null" || trimmed == `""` || trimmed == "[]" || trimmed == "{}":
		return false
	case strings.HasPrefix(trimmed, `"`):
		var text string
		if json.Unmarshal(raw, &text) == nil {
			return strings.TrimSpace(text) != ""
		}
		return false
	default:
		return true
	}
}

// EncodeImage converts exported frame bytes to the wire representation.
func EncodeImage(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
