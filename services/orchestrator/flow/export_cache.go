// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package flow

import "sync"

// cachedImage holds one exported frame at a specific mutation version.
type cachedImage struct {
	version int
	data    []byte
}

// ExportCache is a content-addressed cache mapping frame identity to
// exported image bytes, keyed by (frame id, frame version).
//
// # Description
//
// There is no eviction policy beyond per-id overwrite: a Put for a frame id
// replaces any prior entry regardless of version, because a mismatched
// version implies staleness rather than a second valid entry. Unbounded
// growth over a single editing session is accepted.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type ExportCache struct {
	mu     sync.RWMutex
	images map[string]cachedImage
}

// NewExportCache creates an empty ExportCache.
func NewExportCache() *ExportCache {
	return &ExportCache{
		images: make(map[string]cachedImage),
	}
}

// Get returns the cached bytes for the frame if the stored version matches
// currentVersion. A stored entry at any other version is a miss.
func (c *ExportCache) Get(frameID string, currentVersion int) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.images[frameID]
	if !ok || entry.version != currentVersion {
		return nil, false
	}
	return entry.data, true
}

// Put stores the exported bytes for the frame, overwriting any existing
// entry for that id.
func (c *ExportCache) Put(frameID string, version int, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images[frameID] = cachedImage{version: version, data: data}
}

// Len returns the number of cached frame images.
func (c *ExportCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.images)
}
