// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/uxbiblio/pkg/logging"
)

// =============================================================================
// Token Sweeper
// =============================================================================

// DefaultSweepInterval is how often the sweeper reclaims abandoned
// handshake tokens when no interval is configured.
const DefaultSweepInterval = 1 * time.Minute

// Sweeper periodically reclaims expired tokens and stale tombstones
// from a Store.
//
// # Description
//
// The Store applies state transitions lazily on Poll, which leaves
// abandoned handshakes in memory until something looks them up again.
// The Sweeper runs Store.Sweep on an interval so abandoned tokens are
// bounded in lifetime, not just in count. Uses the ticker + done
// channel pattern for graceful shutdown.
//
// # Thread Safety
//
// All public methods are thread-safe. Only one Start() is allowed
// until Stop() completes.
type Sweeper struct {
	store    *Store
	interval time.Duration
	logger   *logging.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// NewSweeper creates a Sweeper for the given store.
//
// # Inputs
//
//   - store: Token store to sweep. Required.
//   - interval: Sweep cadence; zero or negative uses DefaultSweepInterval.
//   - logger: May be nil for the default logger.
func NewSweeper(store *Store, interval time.Duration, logger *logging.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger,
	}
}

// Start begins the background sweep loop.
//
// # Description
//
// Starts a goroutine that runs Store.Sweep at the configured interval
// until Stop() is called or the context is cancelled.
//
// # Outputs
//
//   - error: Non-nil if the sweeper is already running.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper is already running")
	}
	s.running = true
	s.done = make(chan struct{}) // reset for potential restart
	done := s.done
	s.mu.Unlock()

	s.logger.Info("bridge token sweeper starting", "interval", s.interval.String())

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.store.Sweep()
			case <-ctx.Done():
				s.logger.Info("bridge token sweeper stopping", "reason", "context cancelled")
				s.markStopped()
				return
			case <-done:
				s.logger.Info("bridge token sweeper stopping", "reason", "stop requested")
				return
			}
		}
	}()

	return nil
}

// Stop shuts down the sweep loop.
//
// # Description
//
// Signals the background goroutine to exit. Safe to call when the
// sweeper is not running.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	close(s.done)
	return nil
}

// markStopped records that the loop exited via context cancellation.
func (s *Sweeper) markStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
