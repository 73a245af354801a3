// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package flow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/uxbiblio/services/orchestrator/datatypes"
)

// =============================================================================
// ExportCache
// =============================================================================

func TestExportCache_HitOnMatchingVersion(t *testing.T) {
	cache := NewExportCache()
	cache.Put("frame-1", 3, []byte("png-bytes"))

	data, ok := cache.Get("frame-1", 3)
	require.True(t, ok)
	assert.Equal(t, []byte("png-bytes"), data)
}

func TestExportCache_MissOnVersionChange(t *testing.T) {
	cache := NewExportCache()
	cache.Put("frame-1", 3, []byte("old"))

	// The frame mutated; the stale image must not be reused.
	_, ok := cache.Get("frame-1", 4)
	assert.False(t, ok)
}

func TestExportCache_PutOverwritesPerID(t *testing.T) {
	cache := NewExportCache()
	cache.Put("frame-1", 1, []byte("v1"))
	cache.Put("frame-1", 2, []byte("v2"))

	assert.Equal(t, 1, cache.Len())

	_, ok := cache.Get("frame-1", 1)
	assert.False(t, ok, "old version must be gone after overwrite")

	data, ok := cache.Get("frame-1", 2)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), data)
}

func TestExportCache_MissOnUnknownFrame(t *testing.T) {
	cache := NewExportCache()
	_, ok := cache.Get("nope", 1)
	assert.False(t, ok)
}

// =============================================================================
// AnalysisCache
// =============================================================================

func entryFor(key datatypes.FlowKey, prompt string, payload string) *CachedAnalysis {
	return &CachedAnalysis{
		FlowKey:       key,
		FrameCount:    2,
		PromptVersion: prompt,
		Payload:       json.RawMessage(payload),
		CompletedAt:   time.Now(),
	}
}

func TestAnalysisCache_RoundTrip(t *testing.T) {
	cache := NewAnalysisCache()
	require.True(t, cache.Put(entryFor("a:1|b:1", "v3", `{"summary":"ok"}`)))

	got, ok := cache.Get("a:1|b:1", "v3")
	require.True(t, ok)
	assert.Equal(t, datatypes.FlowKey("a:1|b:1"), got.FlowKey)
	assert.JSONEq(t, `{"summary":"ok"}`, string(got.Payload))
}

func TestAnalysisCache_PromptVersionMismatchEvicts(t *testing.T) {
	cache := NewAnalysisCache()
	require.True(t, cache.Put(entryFor("a:1", "v2", `{"summary":"stale question"}`)))

	_, ok := cache.Get("a:1", "v3")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len(), "mismatched entry must be evicted, not retained")
}

func TestAnalysisCache_RejectsEmptyPayload(t *testing.T) {
	cache := NewAnalysisCache()
	assert.False(t, cache.Put(entryFor("a:1", "v3", ``)))
	assert.False(t, cache.Put(nil))
	assert.Equal(t, 0, cache.Len())
}

func TestAnalysisCache_Invalidate(t *testing.T) {
	cache := NewAnalysisCache()
	require.True(t, cache.Put(entryFor("a:1", "v3", `{"summary":"x"}`)))
	cache.Invalidate("a:1")

	_, ok := cache.Get("a:1", "v3")
	assert.False(t, ok)
}

func TestAnalysisCache_KeyVersionChangeIsMiss(t *testing.T) {
	cache := NewAnalysisCache()
	key := datatypes.FlowKeyFor([]datatypes.FlowFrame{{ID: "a", Version: 1}, {ID: "b", Version: 1}})
	require.True(t, cache.Put(entryFor(key, "v3", `{"summary":"x"}`)))

	mutated := datatypes.FlowKeyFor([]datatypes.FlowFrame{{ID: "a", Version: 2}, {ID: "b", Version: 1}})
	_, ok := cache.Get(mutated, "v3")
	assert.False(t, ok)
}
