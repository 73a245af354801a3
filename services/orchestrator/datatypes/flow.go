// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the value objects shared across the UXBiblio
// orchestrator: flow frames and keys, credit snapshots, and the UI
// notification envelope.
package datatypes

import (
	"fmt"
	"strings"
)

// SelectionNode is one raw design node as pushed by the plugin.
//
// The plugin sends the current selection in selection order; nodes that do
// not expose an export capability carry Exportable=false and are filtered
// out by the frame selector.
type SelectionNode struct {
	ID         string `json:"id" binding:"required"`
	Name       string `json:"name"`
	Exportable bool   `json:"exportable"`
	// Version is the node's mutation counter. It increments whenever the
	// node's content changes, invalidating any cached export or analysis
	// that references the prior version.
	Version int `json:"version"`
}

// FlowFrame is one exportable design node in a flow. Immutable value
// object created per selection snapshot.
type FlowFrame struct {
	ID      string `json:"frameId"`
	Name    string `json:"frameName"`
	Version int    `json:"version"`
	// Index is the frame's ordinal position within the flow (0-based).
	Index int `json:"index"`
}

// FlowKey identifies a set of frames at a point in time. Equality is
// cache-key equality: any frame version change produces a different key.
type FlowKey string

// FlowKeyFor derives the deterministic key for an ordered frame sequence.
//
// The key is the ordered list of id:version pairs joined with "|", e.g.
// "12:3|19:1|7:2". An empty frame list yields the empty key.
func FlowKeyFor(frames []FlowFrame) FlowKey {
	if len(frames) == 0 {
		return ""
	}
	parts := make([]string, len(frames))
	for i, f := range frames {
		parts[i] = fmt.Sprintf("%s:%d", f.ID, f.Version)
	}
	return FlowKey(strings.Join(parts, "|"))
}

// String returns the key's raw form.
func (k FlowKey) String() string {
	return string(k)
}

// FrameIDs returns the ids of the given frames, in order.
func FrameIDs(frames []FlowFrame) []string {
	ids := make([]string, len(frames))
	for i, f := range frames {
		ids[i] = f.ID
	}
	return ids
}
