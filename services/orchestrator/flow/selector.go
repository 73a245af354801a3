// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package flow implements the frame selector and the two caches that sit in
// front of the analysis pipeline: the content-addressed export cache and the
// flow-keyed analysis cache.
package flow

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/uxbiblio/services/orchestrator/datatypes"
)

// MaxFlowFrames is the upper bound on frames analyzed together as one flow.
//
// Callers must treat selections beyond this bound as a rejected request on
// the analyze path; the status-sync path may display a truncated preview.
const MaxFlowFrames = 6

// BuildFlowFrames normalizes a raw selection snapshot into an ordered flow.
//
// # Description
//
// Filters the selection to exportable nodes, preserves selection order, and
// assigns each surviving node its ordinal index. Nodes with empty or
// whitespace-only names fall back to "Frame <n>" (1-based).
//
// The bound is NOT enforced here; callers decide between rejection
// (analyze) and preview truncation (status sync) via ExceedsLimit.
//
// # Inputs
//
//   - nodes: raw selection in selection order. May be nil.
//
// # Outputs
//
//   - []datatypes.FlowFrame: ordered exportable frames. Empty, never nil.
func BuildFlowFrames(nodes []datatypes.SelectionNode) []datatypes.FlowFrame {
	frames := make([]datatypes.FlowFrame, 0, len(nodes))
	for _, node := range nodes {
		if !node.Exportable {
			continue
		}
		name := strings.TrimSpace(node.Name)
		if name == "" {
			name = fmt.Sprintf("Frame %d", len(frames)+1)
		}
		frames = append(frames, datatypes.FlowFrame{
			ID:      node.ID,
			Name:    name,
			Version: node.Version,
			Index:   len(frames),
		})
	}
	return frames
}

// ExceedsLimit reports whether the flow is over the frame bound.
func ExceedsLimit(frames []datatypes.FlowFrame) bool {
	return len(frames) > MaxFlowFrames
}

// Truncate returns at most MaxFlowFrames frames, for preview display only.
func Truncate(frames []datatypes.FlowFrame) []datatypes.FlowFrame {
	if len(frames) <= MaxFlowFrames {
		return frames
	}
	return frames[:MaxFlowFrames]
}

// HasNonExportable reports whether the selection contains nodes that were
// excluded from the flow for lacking export capability.
func HasNonExportable(nodes []datatypes.SelectionNode) bool {
	for _, node := range nodes {
		if !node.Exportable {
			return true
		}
	}
	return false
}
