// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bridge

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/uxbiblio/pkg/logging"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/datatypes"
)

// Status is the state reported for a token on each poll.
type Status string

const (
	// StatusPending means the token exists but its completion delay has
	// not yet elapsed.
	StatusPending Status = "pending"

	// StatusCompleted means the handshake finished; the completion
	// payload is available.
	StatusCompleted Status = "completed"

	// StatusExpired means the token's TTL elapsed before completion was
	// observed. The entry is deleted on this poll.
	StatusExpired Status = "expired"

	// StatusGone means the token was already consumed; only a tombstone
	// remains. Distinguishable from never-existed.
	StatusGone Status = "gone"

	// StatusNotFound means the token is unknown (never existed, or its
	// tombstone was garbage collected).
	StatusNotFound Status = "not_found"
)

// StoreConfig holds the tunable timings of the token store. All three are
// configurable for testability and independently resettable to defaults.
type StoreConfig struct {
	// TTL bounds a token's whole lifetime from creation.
	TTL time.Duration

	// CompletionDelay simulates asynchronous verification latency: a
	// token reports pending until this much time has elapsed.
	CompletionDelay time.Duration

	// PollInterval is the interval suggested to clients while pending.
	PollInterval time.Duration
}

// DefaultStoreConfig returns the production defaults.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		TTL:             10 * time.Minute,
		CompletionDelay: 2 * time.Second,
		PollInterval:    2 * time.Second,
	}
}

// CreateResult is returned to a client that requested a new token.
type CreateResult struct {
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expiresAt"`
	PollAfterMs int       `json:"pollAfterMs"`
}

// PollResult describes a token's state at poll time.
type PollResult struct {
	Status        Status         `json:"status"`
	AccountStatus string         `json:"accountStatus,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	ExpiresAt     time.Time      `json:"expiresAt,omitempty"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
	ConsumedAt    *time.Time     `json:"consumedAt,omitempty"`
	PollAfterMs   int            `json:"pollAfterMs,omitempty"`
}

// tokenEntry is one live handshake attempt.
type tokenEntry struct {
	token            string
	analysisEndpoint string
	createdAt        time.Time
	readyAt          time.Time
	expiresAt        time.Time
	completedAt      *time.Time
}

// Store is the in-memory, TTL-bounded registry of handshake tokens.
//
// # Description
//
// State machine per token, evaluated lazily on each poll:
//
//	pending ──(ready-at elapses)──▶ completed ──(consume)──▶ tombstone
//	   │                               │                        │
//	   └────────(TTL elapses)──────────┴──▶ expired ──▶ not_found
//
// A token is visible in at most one of the live map and the tombstone map.
// Once consumed, the live record is deleted and a tombstone carrying only
// the expiry remains, so a second consuming poll returns gone rather than
// not_found: clients can tell "already used" apart from "never existed".
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Store struct {
	mu         sync.Mutex
	cfg        StoreConfig
	clock      Clock
	logger     *logging.Logger
	tokens     map[string]*tokenEntry
	tombstones map[string]time.Time // token -> tombstone expiry
}

// NewStore creates a Store with the given config. A nil clock uses the
// system clock; a nil logger uses the default.
func NewStore(cfg StoreConfig, clock Clock, logger *logging.Logger) *Store {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{
		cfg:        cfg,
		clock:      clock,
		logger:     logger,
		tokens:     make(map[string]*tokenEntry),
		tombstones: make(map[string]time.Time),
	}
}

// Create registers a new handshake token.
//
// # Description
//
// The token identifier is cryptographically random (UUIDv4 over
// crypto/rand). The entry starts pending and becomes completed lazily once
// its completion delay elapses; it expires TTL after creation.
//
// # Inputs
//
//	analysisEndpoint - Optional endpoint hint recorded with the token.
//
// # Outputs
//
//	CreateResult - Token, absolute expiry, and the suggested poll interval.
func (s *Store) Create(analysisEndpoint string) CreateResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	entry := &tokenEntry{
		token:            uuid.NewString(),
		analysisEndpoint: analysisEndpoint,
		createdAt:        now,
		readyAt:          now.Add(s.cfg.CompletionDelay),
		expiresAt:        now.Add(s.cfg.TTL),
	}
	s.tokens[entry.token] = entry

	s.logger.Info("bridge token created",
		"ttl", s.cfg.TTL.String(),
		"completion_delay", s.cfg.CompletionDelay.String(),
		"live_tokens", len(s.tokens),
	)

	return CreateResult{
		Token:       entry.token,
		ExpiresAt:   entry.expiresAt,
		PollAfterMs: int(s.cfg.PollInterval.Milliseconds()),
	}
}

// Poll evaluates a token's state, applying any lazy transition.
//
// # Description
//
// Transitions are applied at poll time, not by background timers:
//
//   - pending before ready-at: returns pending with the poll interval; no
//     mutation.
//   - at/after ready-at: returns the completion payload (synthetic trial
//     grant). Non-consuming polls are repeatable and always return the
//     same payload until expiry.
//   - consume=true on a completed token: records consumed-at, deletes the
//     live entry, and inserts a tombstone; the first consuming poll still
//     returns completed, later polls return gone.
//   - after expires-at for a live entry: returns expired and deletes the
//     entry, so the next poll returns not_found.
//   - unknown token with no tombstone: not_found. A tombstone past its
//     own expiry is garbage collected and likewise reports not_found.
func (s *Store) Poll(token string, consume bool) PollResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()

	if tombExpiry, ok := s.tombstones[token]; ok {
		if now.After(tombExpiry) {
			delete(s.tombstones, token)
			return PollResult{Status: StatusNotFound}
		}
		return PollResult{
			Status:    StatusGone,
			Reason:    "token_consumed",
			ExpiresAt: tombExpiry,
		}
	}

	entry, ok := s.tokens[token]
	if !ok {
		return PollResult{Status: StatusNotFound}
	}

	if now.After(entry.expiresAt) {
		delete(s.tokens, token)
		s.logger.Info("bridge token expired", "live_tokens", len(s.tokens))
		return PollResult{
			Status:    StatusExpired,
			Reason:    "ttl_elapsed",
			ExpiresAt: entry.expiresAt,
		}
	}

	if now.Before(entry.readyAt) {
		return PollResult{
			Status:      StatusPending,
			ExpiresAt:   entry.expiresAt,
			PollAfterMs: int(s.cfg.PollInterval.Milliseconds()),
		}
	}

	// Completed. The completion timestamp is pinned on first observation
	// so repeated polls return an identical payload.
	if entry.completedAt == nil {
		completed := entry.readyAt
		entry.completedAt = &completed
	}

	result := PollResult{
		Status:        StatusCompleted,
		AccountStatus: string(datatypes.AccountTrial),
		Reason:        "bridge_completed",
		Payload:       completionPayload(entry),
		ExpiresAt:     entry.expiresAt,
		CompletedAt:   entry.completedAt,
	}

	if consume {
		consumed := now
		result.ConsumedAt = &consumed
		delete(s.tokens, token)
		s.tombstones[token] = entry.expiresAt
		s.logger.Info("bridge token consumed", "live_tokens", len(s.tokens))
	}

	return result
}

// completionPayload builds the synthetic trial-account grant.
func completionPayload(entry *tokenEntry) map[string]any {
	return map[string]any{
		"accountStatus": string(datatypes.AccountTrial),
		"source":        "auth_bridge",
		"metadata": map[string]any{
			"accountStatus": string(datatypes.AccountTrial),
			"grantedAt":     entry.readyAt.UTC().Format(time.RFC3339),
		},
	}
}

// SetConfig replaces the store timings. Existing tokens keep the
// timestamps computed at creation.
func (s *Store) SetConfig(cfg StoreConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// Config returns the current timings.
func (s *Store) Config() StoreConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Reset restores the default timings.
func (s *Store) Reset() {
	s.SetConfig(DefaultStoreConfig())
}

// Sweep removes expired live tokens and stale tombstones.
//
// # Description
//
// Poll applies transitions lazily, so a token that is never polled again
// lingers in memory until its next lookup. Sweep reclaims those entries
// eagerly. The Sweeper calls this on an interval; calling it is never
// required for correctness, only for bounding memory on abandoned
// handshakes.
//
// # Outputs
//
//	int - Number of entries removed (tokens plus tombstones).
//
// # Thread Safety
//
// Safe for concurrent use with Create and Poll.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0

	for token, entry := range s.tokens {
		if now.After(entry.expiresAt) {
			delete(s.tokens, token)
			removed++
		}
	}
	for token, tombExpiry := range s.tombstones {
		if now.After(tombExpiry) {
			delete(s.tombstones, token)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Info("bridge token sweep",
			"removed", removed,
			"live_tokens", len(s.tokens),
		)
	}
	return removed
}

// Clear removes all tokens and tombstones. Intended for tests.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]*tokenEntry)
	s.tombstones = make(map[string]time.Time)
}

// LiveCount returns the number of live (unconsumed, unexpired-as-far-as-
// observed) tokens.
func (s *Store) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
