// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "encoding/json"

// NotificationKind discriminates the messages pushed to the plugin UI.
type NotificationKind string

const (
	// NotifyStatus carries the read-only selection/credits projection.
	NotifyStatus NotificationKind = "status"

	// NotifyInProgress marks the start of an analysis run.
	NotifyInProgress NotificationKind = "in_progress"

	// NotifyResult carries a completed analysis payload.
	NotifyResult NotificationKind = "result"

	// NotifyError carries a user-facing failure message.
	NotifyError NotificationKind = "error"

	// NotifyCancelled marks a run that was cancelled by the user.
	// Emitted exactly once per run.
	NotifyCancelled NotificationKind = "cancelled"
)

// StatusWarnings are the non-fatal conditions surfaced by the
// selection-status projection.
type StatusWarnings struct {
	// NonExportable is true when the selection contains layers that
	// cannot be exported and were excluded from the flow.
	NonExportable bool `json:"nonExportable"`

	// OverLimit is true when the selection exceeds the flow frame limit.
	OverLimit bool `json:"overLimit"`

	// CreditsInsufficient is true when the account cannot cover the
	// current frame count.
	CreditsInsufficient bool `json:"creditsInsufficient"`
}

// Notification is the envelope pushed to connected UIs.
type Notification struct {
	Kind          NotificationKind `json:"kind"`
	Message       string           `json:"message,omitempty"`
	FlowKey       FlowKey          `json:"flowKey,omitempty"`
	SelectionName string           `json:"selectionName,omitempty"`
	FrameCount    int              `json:"frameCount,omitempty"`
	Frames        []FlowFrame      `json:"frames,omitempty"`
	Warnings      *StatusWarnings  `json:"warnings,omitempty"`
	Credits       *CreditsState    `json:"credits,omitempty"`
	PortalURL     string           `json:"portalUrl,omitempty"`
	// Payload is the raw analysis result for NotifyResult.
	Payload json.RawMessage `json:"payload,omitempty"`
	// FromCache is true when a NotifyResult was served without an
	// upstream call.
	FromCache bool `json:"fromCache,omitempty"`
}
