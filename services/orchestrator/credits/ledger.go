// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package credits implements the credit ledger: a process-durable state
// machine over account status (anonymous / trial / pro) and the remaining
// free-usage credits, persisted to BadgerDB after every mutation.
package credits

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/uxbiblio/pkg/logging"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/datatypes"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/storage/badger"
)

// StorageKey is the well-known key holding the persisted credit snapshot.
const StorageKey = "credits/state"

// Ledger tracks account standing and free credits.
//
// # Description
//
// The ledger loads its snapshot from BadgerDB at startup and persists it
// after every mutation. A missing snapshot resets to the default anonymous
// state; a malformed (present but unparseable) snapshot is additionally
// rewritten with the default rather than left corrupt.
//
// Paid statuses (trial, pro) always report Total = Remaining = 0: credit
// gating is bypassed for them, not tracked.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Mutations hold the ledger lock
// across the in-memory update and the store write, so a snapshot can never
// observe a half-applied mutation.
type Ledger struct {
	db       *badger.DB
	baseline int
	logger   *logging.Logger

	mu     chanLock
	state  datatypes.CreditsState
	loaded bool
}

// chanLock is a context-aware mutex. Lock acquisition respects context
// cancellation so a cancelled analyze call cannot hang on ledger I/O.
type chanLock chan struct{}

func newChanLock() chanLock {
	l := make(chanLock, 1)
	l <- struct{}{}
	return l
}

func (l chanLock) lock(ctx context.Context) error {
	select {
	case <-l:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l chanLock) unlock() {
	l <- struct{}{}
}

// NewLedger creates a ledger backed by db. baseline is the number of free
// credits granted to anonymous accounts (negative values clamp to zero).
// Call Load before first use; the other methods load lazily as a fallback.
func NewLedger(db *badger.DB, baseline int, logger *logging.Logger) *Ledger {
	if baseline < 0 {
		baseline = 0
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Ledger{
		db:       db,
		baseline: baseline,
		logger:   logger,
		mu:       newChanLock(),
		state:    datatypes.DefaultCreditsState(baseline),
	}
}

// Load reads the persisted snapshot.
//
// # Description
//
// Missing snapshots reset to the default anonymous state. Malformed
// snapshots reset to the default AND are rewritten in the store, so a
// corrupt value cannot survive a restart cycle. Load is idempotent; after
// the first successful call it is a no-op.
//
// # Outputs
//
//	error - Non-nil only on store I/O failure.
func (l *Ledger) Load(ctx context.Context) error {
	if err := l.mu.lock(ctx); err != nil {
		return err
	}
	defer l.mu.unlock()
	return l.loadLocked(ctx)
}

func (l *Ledger) loadLocked(ctx context.Context) error {
	if l.loaded {
		return nil
	}

	raw, err := l.db.GetValue(ctx, []byte(StorageKey))
	if err != nil {
		return fmt.Errorf("load credits snapshot: %w", err)
	}

	if raw == nil {
		l.state = datatypes.DefaultCreditsState(l.baseline)
		l.loaded = true
		l.logger.Info("credits snapshot missing, using defaults",
			"status", l.state.Status, "remaining", l.state.Remaining)
		return nil
	}

	var snapshot datatypes.CreditsState
	if err := json.Unmarshal(raw, &snapshot); err != nil || !snapshot.Status.Valid() {
		// Malformed snapshots are rewritten, not just ignored.
		l.state = datatypes.DefaultCreditsState(l.baseline)
		l.loaded = true
		l.logger.Warn("credits snapshot malformed, rewriting defaults", "error", err)
		return l.persistLocked(ctx)
	}

	snapshot = clamp(snapshot)
	l.state = snapshot
	l.loaded = true
	l.logger.Info("credits snapshot loaded",
		"status", l.state.Status, "remaining", l.state.Remaining, "total", l.state.Total)
	return nil
}

// Snapshot returns a copy of the current credit state, loading lazily if
// needed. Load failures degrade to the in-memory default.
func (l *Ledger) Snapshot(ctx context.Context) datatypes.CreditsState {
	if err := l.mu.lock(ctx); err != nil {
		return datatypes.DefaultCreditsState(l.baseline)
	}
	defer l.mu.unlock()
	if err := l.loadLocked(ctx); err != nil {
		l.logger.Warn("credits lazy load failed", "error", err)
	}
	return l.state
}

// IsBlocked reports whether an operation needing requiredCredits credits
// is gated. Paid accounts are never blocked; anonymous accounts are
// blocked whenever the requirement exceeds the remaining balance.
func (l *Ledger) IsBlocked(ctx context.Context, requiredCredits int) bool {
	state := l.Snapshot(ctx)
	if state.Status.IsPaid() {
		return false
	}
	return requiredCredits > state.Remaining
}

// Consume decrements the anonymous balance by up to frameCount, clamped at
// zero, and persists the result.
//
// # Outputs
//
//	bool - True when any credit was actually consumed. Always false for
//	       paid accounts (consumption is a no-op for them).
//	error - Non-nil on store I/O failure; the in-memory decrement still
//	        applies so gating stays consistent within the process.
func (l *Ledger) Consume(ctx context.Context, frameCount int) (bool, error) {
	if frameCount <= 0 {
		return false, nil
	}
	if err := l.mu.lock(ctx); err != nil {
		return false, err
	}
	defer l.mu.unlock()
	if err := l.loadLocked(ctx); err != nil {
		return false, err
	}

	if l.state.Status.IsPaid() {
		return false, nil
	}

	take := frameCount
	if take > l.state.Remaining {
		take = l.state.Remaining
	}
	if take == 0 {
		return false, nil
	}

	l.state.Remaining -= take
	l.logger.Info("credits consumed",
		"requested", frameCount, "consumed", take, "remaining", l.state.Remaining)
	return true, l.persistLocked(ctx)
}

// SetStatus transitions the account status.
//
// # Description
//
// A transition to the current status is a no-op. Otherwise the credit
// snapshot is recomputed for the new status (paid → zero/zero; anonymous →
// configured baseline) and persisted. source names the origin of the
// change ("bridge_completed", "analysis_metadata", "local_auto_promote")
// for the audit log.
//
// # Outputs
//
//	bool - True when the status changed; callers must re-sync dependent
//	       UI state when so.
func (l *Ledger) SetStatus(ctx context.Context, next datatypes.AccountStatus, source string) (bool, error) {
	if !next.Valid() {
		return false, fmt.Errorf("invalid account status %q", next)
	}
	if err := l.mu.lock(ctx); err != nil {
		return false, err
	}
	defer l.mu.unlock()
	if err := l.loadLocked(ctx); err != nil {
		return false, err
	}

	if l.state.Status == next {
		return false, nil
	}

	prev := l.state.Status
	if next.IsPaid() {
		l.state = datatypes.CreditsState{Status: next}
	} else {
		l.state = datatypes.DefaultCreditsState(l.baseline)
	}

	l.logger.Info("account status changed",
		"from", prev, "to", next, "source", source)
	return true, l.persistLocked(ctx)
}

// persistLocked writes the current state. Caller must hold the lock.
func (l *Ledger) persistLocked(ctx context.Context) error {
	raw, err := json.Marshal(l.state)
	if err != nil {
		return fmt.Errorf("encode credits snapshot: %w", err)
	}
	if err := l.db.SetValue(ctx, []byte(StorageKey), raw); err != nil {
		return fmt.Errorf("persist credits snapshot: %w", err)
	}
	return nil
}

// clamp enforces the snapshot invariants on untrusted stored values.
func clamp(s datatypes.CreditsState) datatypes.CreditsState {
	if s.Status.IsPaid() {
		return datatypes.CreditsState{Status: s.Status}
	}
	if s.Total < 0 {
		s.Total = 0
	}
	if s.Remaining < 0 {
		s.Remaining = 0
	}
	if s.Remaining > s.Total {
		s.Remaining = s.Total
	}
	return s
}
