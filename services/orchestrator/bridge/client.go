// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/uxbiblio/pkg/logging"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/datatypes"
)

// CompletionFunc is invoked exactly once when a handshake resolves with a
// completed token. The payload is the completion grant from the store.
type CompletionFunc func(status datatypes.AccountStatus, reason string, payload map[string]any)

// OutcomeFunc is invoked when a handshake ends without completing,
// with a terminal reason: "expired", "gone", "not_found", "failed",
// or "cancelled".
type OutcomeFunc func(reason string)

// ClientConfig configures a bridge Client.
type ClientConfig struct {
	// BridgeBaseURL is the server hosting the auth-bridge API,
	// e.g. "http://localhost:8080".
	BridgeBaseURL string

	// PortalBaseURL is the account portal the user is sent to. The
	// handshake token is appended as the figmaBridgeToken query param.
	PortalBaseURL string

	// PollInterval is the base delay between polls. Defaults to 2s.
	PollInterval time.Duration

	// MaxFailures bounds consecutive transport/server errors before the
	// handshake is abandoned. Defaults to 5.
	MaxFailures int

	HTTPClient *http.Client
	Clock      Clock
	Logger     *logging.Logger

	// OnComplete and OnOutcome receive the handshake result. OnComplete
	// is required for the handshake to have any effect.
	OnComplete CompletionFunc
	OnOutcome  OutcomeFunc
}

// handshake is the mutable state of one in-flight token.
type handshake struct {
	token     string
	expiresAt time.Time
	portalURL string
	cancel    context.CancelFunc
	done      chan struct{}
}

// Client drives the account-unlock handshake from the orchestrator side.
//
// # Description
//
// PrepareAuthPortalURL creates a token on the bridge server (deduplicated
// with singleflight so concurrent prepares share one token) and returns
// the portal URL carrying it. HandlePortalOpened then starts a background
// poll loop that consumes the token once completed and reports the grant
// through OnComplete. Teardown cancels any in-flight handshake.
//
// When the configured analysis endpoint is local (loopback or a .local
// host) and the account is not already paid, HandlePortalOpened skips the
// network handshake entirely and promotes the account to trial
// immediately.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
type Client struct {
	cfg    ClientConfig
	group  singleflight.Group
	logger *logging.Logger
	clock  Clock
	http   *http.Client

	mu      sync.Mutex
	current *handshake
}

const maxPollBackoff = 10 * time.Second

// NewClient validates and applies defaults to cfg.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BridgeBaseURL == "" {
		return nil, fmt.Errorf("bridge: BridgeBaseURL is required")
	}
	if cfg.PortalBaseURL == "" {
		return nil, fmt.Errorf("bridge: PortalBaseURL is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: cfg.Logger,
		clock:  cfg.Clock,
		http:   cfg.HTTPClient,
	}, nil
}

// createResponse mirrors the store's CreateResult on the wire.
type createResponse struct {
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expiresAt"`
	PollAfterMs int       `json:"pollAfterMs"`
}

// PrepareAuthPortalURL creates (or reuses) a handshake token and returns
// the portal URL to open.
//
// # Description
//
// Concurrent calls collapse onto a single token creation. A previous
// unresolved handshake is cancelled before the new token replaces it, so
// at most one handshake is live per client.
//
// # Inputs
//
//	ctx              - Bounds the creation request.
//	analysisEndpoint - Endpoint hint forwarded to the bridge server.
//
// # Outputs
//
//	string - Portal URL with the figmaBridgeToken query parameter set.
//	error  - Non-nil when token creation fails; the portal base URL is
//	         still returned so the caller can open an untokenized portal.
func (c *Client) PrepareAuthPortalURL(ctx context.Context, analysisEndpoint string) (string, error) {
	v, err, _ := c.group.Do("create", func() (any, error) {
		return c.createToken(ctx, analysisEndpoint)
	})
	if err != nil {
		c.logger.Warn("bridge token creation failed", "error", err.Error())
		return c.cfg.PortalBaseURL, err
	}

	created := v.(createResponse)
	portalURL, err := portalURLWithToken(c.cfg.PortalBaseURL, created.Token)
	if err != nil {
		return c.cfg.PortalBaseURL, err
	}

	c.mu.Lock()
	if c.current != nil && c.current.cancel != nil {
		// A prepared-but-unopened handshake has no poll loop to stop.
		c.current.cancel()
	}
	c.current = &handshake{
		token:     created.Token,
		expiresAt: created.ExpiresAt,
		portalURL: portalURL,
	}
	c.mu.Unlock()

	return portalURL, nil
}

func (c *Client) createToken(ctx context.Context, analysisEndpoint string) (createResponse, error) {
	body, err := json.Marshal(map[string]string{"analysisEndpoint": analysisEndpoint})
	if err != nil {
		return createResponse{}, fmt.Errorf("marshaling create request: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.BridgeBaseURL, "/") + "/api/figma/auth-bridge"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return createResponse{}, fmt.Errorf("building create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return createResponse{}, fmt.Errorf("creating bridge token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return createResponse{}, fmt.Errorf("bridge create returned %d: %s", resp.StatusCode, string(payload))
	}

	var created createResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return createResponse{}, fmt.Errorf("decoding create response: %w", err)
	}
	if created.Token == "" {
		return createResponse{}, fmt.Errorf("bridge create returned an empty token")
	}
	return created, nil
}

// portalURLWithToken sets (replacing any existing value) the
// figmaBridgeToken query parameter on base.
func portalURLWithToken(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing portal URL: %w", err)
	}
	q := u.Query()
	q.Set("figmaBridgeToken", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// HandlePortalOpened starts resolving the prepared handshake.
//
// # Description
//
// With a local analysis endpoint and an unpaid account the grant is
// immediate: OnComplete fires synchronously with reason
// "local_auto_promote" and no polling happens. Otherwise a background
// goroutine polls the bridge with consume=1 until a terminal state,
// the token's expiry, or MaxFailures consecutive errors.
//
// Calling HandlePortalOpened without a prepared token is a no-op.
func (c *Client) HandlePortalOpened(ctx context.Context, analysisEndpoint string, status datatypes.AccountStatus) {
	if IsLocalEndpoint(analysisEndpoint) && !status.IsPaid() {
		c.logger.Info("local analysis endpoint detected, promoting without handshake")
		// The handshake is settled without the bridge; destroy any
		// prepared token state so PortalURL reverts to the base.
		c.Teardown()
		if c.cfg.OnComplete != nil {
			c.cfg.OnComplete(datatypes.AccountTrial, "local_auto_promote", nil)
		}
		return
	}

	c.mu.Lock()
	hs := c.current
	if hs == nil || hs.cancel != nil {
		// No prepared token, or polling already started.
		c.mu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	hs.cancel = cancel
	hs.done = make(chan struct{})
	c.mu.Unlock()

	go c.pollLoop(pollCtx, hs)
}

// pollLoop resolves one handshake. Runs until a terminal poll status, the
// token's own expiry, MaxFailures consecutive errors, or cancellation.
func (c *Client) pollLoop(ctx context.Context, hs *handshake) {
	defer close(hs.done)
	defer c.clearIfCurrent(hs)

	failures := 0
	timer := time.NewTimer(c.cfg.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.report("cancelled")
			return
		case <-timer.C:
		}

		if c.clock.Now().After(hs.expiresAt) {
			c.logger.Info("bridge handshake expired locally")
			c.report("expired")
			return
		}

		result, err := c.poll(ctx, hs.token)
		if err != nil {
			failures++
			if failures >= c.cfg.MaxFailures {
				c.logger.Warn("bridge handshake abandoned",
					"failures", failures, "error", err.Error())
				c.report("failed")
				return
			}
			backoff := c.cfg.PollInterval * time.Duration(failures+1)
			if backoff > maxPollBackoff {
				backoff = maxPollBackoff
			}
			timer.Reset(backoff)
			continue
		}
		failures = 0

		switch result.Status {
		case StatusCompleted:
			status := datatypes.ParseAccountStatus(result.AccountStatus)
			if !status.Valid() {
				status = accountStatusFromPayload(result.Payload)
			}
			if !status.Valid() {
				status = datatypes.AccountTrial
			}
			if c.cfg.OnComplete != nil {
				c.cfg.OnComplete(status, result.Reason, result.Payload)
			}
			return
		case StatusExpired, StatusGone, StatusNotFound:
			c.report(string(result.Status))
			return
		default:
			interval := c.cfg.PollInterval
			if result.PollAfterMs > 0 {
				interval = time.Duration(result.PollAfterMs) * time.Millisecond
			}
			timer.Reset(interval)
		}
	}
}

// poll issues one consuming poll against the bridge server.
func (c *Client) poll(ctx context.Context, token string) (PollResult, error) {
	endpoint := fmt.Sprintf("%s/api/figma/auth-bridge/%s?consume=1",
		strings.TrimRight(c.cfg.BridgeBaseURL, "/"), url.PathEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return PollResult{}, fmt.Errorf("building poll request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return PollResult{}, fmt.Errorf("polling bridge token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNotFound, http.StatusGone:
		var result PollResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return PollResult{}, fmt.Errorf("decoding poll response: %w", err)
		}
		return result, nil
	default:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return PollResult{}, fmt.Errorf("bridge poll returned %d: %s", resp.StatusCode, string(payload))
	}
}

// accountStatusFromPayload digs an account status out of a completion
// grant: payload.metadata.accountStatus first, then a top-level
// payload.accountStatus. Returns an invalid status when neither parses.
func accountStatusFromPayload(payload map[string]any) datatypes.AccountStatus {
	if payload == nil {
		return datatypes.AccountStatus("")
	}
	if meta, ok := payload["metadata"].(map[string]any); ok {
		if raw, ok := meta["accountStatus"].(string); ok {
			if status := datatypes.ParseAccountStatus(raw); status.Valid() {
				return status
			}
		}
	}
	if raw, ok := payload["accountStatus"].(string); ok {
		if status := datatypes.ParseAccountStatus(raw); status.Valid() {
			return status
		}
	}
	return datatypes.AccountStatus("")
}

// report forwards a non-completion outcome.
func (c *Client) report(reason string) {
	if c.cfg.OnOutcome != nil {
		c.cfg.OnOutcome(reason)
	}
}

// clearIfCurrent drops hs from the client if it is still the live
// handshake. A newer PrepareAuthPortalURL may already have replaced it.
func (c *Client) clearIfCurrent(hs *handshake) {
	c.mu.Lock()
	if c.current == hs {
		c.current = nil
	}
	c.mu.Unlock()
}

// Teardown cancels any in-flight handshake and waits for its poll loop to
// exit. PortalURL reverts to the untokenized base.
func (c *Client) Teardown() {
	c.mu.Lock()
	hs := c.current
	c.current = nil
	c.mu.Unlock()

	if hs == nil {
		return
	}
	if hs.cancel != nil {
		hs.cancel()
	}
	if hs.done != nil {
		<-hs.done
	}
}

// PortalURL returns the last prepared portal URL, or the untokenized base
// when no handshake is live.
func (c *Client) PortalURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return c.current.portalURL
	}
	return c.cfg.PortalBaseURL
}

// IsLocalEndpoint reports whether endpoint points at a loopback address,
// localhost, or a .local mDNS host.
func IsLocalEndpoint(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".local") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
