// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package flow

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/AleutianAI/uxbiblio/services/orchestrator/datatypes"
)

// CachedAnalysis is a previously computed analysis result for one flow.
type CachedAnalysis struct {
	FlowKey       datatypes.FlowKey `json:"flowKey"`
	FrameCount    int               `json:"frameCount"`
	PromptVersion string            `json:"promptVersion"`
	Payload       json.RawMessage   `json:"payload"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
	CompletedAt   time.Time         `json:"completedAt"`
}

// AnalysisCache maps a flow key plus prompt-contract version to a cached
// analysis result.
//
// # Description
//
// A stored entry whose prompt version differs from the version supplied at
// lookup is treated as a miss and evicted: if the question we would ask the
// analysis service has changed, any prior answer is void. Entries with an
// empty payload are likewise never served, so a transient empty upstream
// response can never be pinned as a final answer.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type AnalysisCache struct {
	mu      sync.Mutex
	entries map[datatypes.FlowKey]*CachedAnalysis
}

// NewAnalysisCache creates an empty AnalysisCache.
func NewAnalysisCache() *AnalysisCache {
	return &AnalysisCache{
		entries: make(map[datatypes.FlowKey]*CachedAnalysis),
	}
}

// Get returns the cached analysis for the flow key, or a miss when no
// entry exists, the stored prompt version differs from promptVersion, or
// the stored payload is empty. Stale entries are evicted on lookup.
func (c *AnalysisCache) Get(key datatypes.FlowKey, promptVersion string) (*CachedAnalysis, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if entry.PromptVersion != promptVersion || len(entry.Payload) == 0 {
		delete(c.entries, key)
		return nil, false
	}
	return entry, true
}

// Put stores the analysis result for its flow key. Entries with an empty
// payload are rejected; the caller is expected to have filtered
// structurally empty results already, this is the cache's own guard.
func (c *AnalysisCache) Put(entry *CachedAnalysis) bool {
	if entry == nil || len(entry.Payload) == 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.FlowKey] = entry
	return true
}

// Invalidate removes the entry for the flow key, if any.
func (c *AnalysisCache) Invalidate(key datatypes.FlowKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of cached analyses.
func (c *AnalysisCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
