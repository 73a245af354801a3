// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session coordinates one editing session's analysis lifecycle:
// selection tracking, cache-aware export and analysis, credit gating,
// cancellation, and the account-unlock handshake.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/uxbiblio/pkg/logging"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/analysis"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/bridge"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/credits"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/datatypes"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/flow"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/observability"
)

// Notifier pushes notifications to connected UIs. Implementations must
// tolerate being called from multiple goroutines.
type Notifier interface {
	Notify(n datatypes.Notification)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(n datatypes.Notification)

// Notify implements Notifier.
func (f NotifierFunc) Notify(n datatypes.Notification) { f(n) }

// errUserCancel is the cancellation cause set by Cancel. It
// disambiguates a user-initiated abort from the request timeout.
var errUserCancel = errors.New("analysis cancelled by user")

// ErrCreditsExhausted gates anonymous accounts with no remaining
// credits.
var ErrCreditsExhausted = errors.New("out of free analyses")

// ErrNoExportableFrames rejects a selection with nothing to analyze.
var ErrNoExportableFrames = errors.New("no exportable frames selected")

// ErrTooManyFrames rejects a selection over the flow frame limit.
var ErrTooManyFrames = fmt.Errorf("select up to %d frames for flow analysis", flow.MaxFlowFrames)

// Config wires an Orchestrator's collaborators. Ledger, Analysis, and
// Exporter are required; the rest default to no-ops.
type Config struct {
	Ledger   *credits.Ledger
	Analysis analysis.Service
	Exporter analysis.Exporter

	// Bridge drives the account-unlock handshake. Optional; without it
	// the portal URL is empty and no promotion path exists.
	Bridge *bridge.Client

	Notifier Notifier
	Metrics  *observability.Metrics
	Logger   *logging.Logger

	// PromptVersion keys the analysis cache. Defaults to the adapter's
	// current contract version.
	PromptVersion string

	// AnalysisEndpoint is the resolved upstream URL, used for the
	// local-endpoint promotion shortcut and forwarded to the bridge.
	AnalysisEndpoint string
}

// run is one in-flight analysis. Its lifecycle is owned by runAnalysis;
// Cancel only flips flags and fires the cancel cause.
type run struct {
	key    datatypes.FlowKey
	cancel context.CancelCauseFunc

	mu        sync.Mutex
	cancelled bool
	notified  bool
}

// requestCancel marks the run cancelled and aborts its context. Safe to
// call repeatedly.
func (r *run) requestCancel() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
	r.cancel(errUserCancel)
}

// isCancelled reports whether the user requested cancellation.
func (r *run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// markNotified returns true exactly once, guarding the single terminal
// notification per run.
func (r *run) markNotified() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.notified {
		return false
	}
	r.notified = true
	return true
}

// Orchestrator is the session-scoped coordinator.
//
// # Description
//
// Holds the current selection, the export and analysis caches, the
// credit ledger, and the registry of in-flight runs. Concurrent Analyze
// calls for the same flow collapse onto one upstream request via
// singleflight; distinct flows run independently.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
type Orchestrator struct {
	ledger   *credits.Ledger
	service  analysis.Service
	exporter analysis.Exporter
	bridge   *bridge.Client
	notifier Notifier
	metrics  *observability.Metrics
	logger   *logging.Logger

	promptVersion    string
	analysisEndpoint string

	exportCache   *flow.ExportCache
	analysisCache *flow.AnalysisCache
	group         singleflight.Group

	mu            sync.Mutex
	selectionName string
	selection     []datatypes.SelectionNode
	runs          map[datatypes.FlowKey]*run
}

// New builds an Orchestrator from cfg.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("session: Ledger is required")
	}
	if cfg.Analysis == nil {
		return nil, fmt.Errorf("session: Analysis service is required")
	}
	if cfg.Exporter == nil {
		return nil, fmt.Errorf("session: Exporter is required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = NotifierFunc(func(datatypes.Notification) {})
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.PromptVersion == "" {
		cfg.PromptVersion = analysis.PromptContractVersion
	}
	return &Orchestrator{
		ledger:           cfg.Ledger,
		service:          cfg.Analysis,
		exporter:         cfg.Exporter,
		bridge:           cfg.Bridge,
		notifier:         cfg.Notifier,
		metrics:          cfg.Metrics,
		logger:           cfg.Logger,
		promptVersion:    cfg.PromptVersion,
		analysisEndpoint: cfg.AnalysisEndpoint,
		exportCache:      flow.NewExportCache(),
		analysisCache:    flow.NewAnalysisCache(),
		runs:             make(map[datatypes.FlowKey]*run),
	}, nil
}

// notify pushes one notification and records it.
func (o *Orchestrator) notify(n datatypes.Notification) {
	o.metrics.RecordNotification(string(n.Kind))
	o.notifier.Notify(n)
}

// portalURL returns the current portal URL, empty without a bridge.
func (o *Orchestrator) portalURL() string {
	if o.bridge == nil {
		return ""
	}
	return o.bridge.PortalURL()
}

// SetSelection replaces the tracked selection and re-syncs status.
func (o *Orchestrator) SetSelection(ctx context.Context, name string, nodes []datatypes.SelectionNode) datatypes.Notification {
	o.mu.Lock()
	o.selectionName = name
	o.selection = append([]datatypes.SelectionNode(nil), nodes...)
	o.mu.Unlock()
	return o.SyncSelectionStatus(ctx)
}

// snapshotSelection copies the tracked selection under the lock.
func (o *Orchestrator) snapshotSelection() (string, []datatypes.SelectionNode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.selectionName, append([]datatypes.SelectionNode(nil), o.selection...)
}

// SyncSelectionStatus recomputes the selection projection and emits a
// status notification.
//
// # Description
//
// Read-only with respect to caches and credits: it may trigger the lazy
// ledger load but never mutates counts or cache contents, so it is safe
// to call on every selection change. Over-limit selections are shown as
// a truncated preview; Analyze still rejects them.
func (o *Orchestrator) SyncSelectionStatus(ctx context.Context) datatypes.Notification {
	name, nodes := o.snapshotSelection()
	frames := flow.BuildFlowFrames(nodes)
	snapshot := o.ledger.Snapshot(ctx)

	warnings := datatypes.StatusWarnings{
		NonExportable: flow.HasNonExportable(nodes),
		OverLimit:     flow.ExceedsLimit(frames),
	}
	if !snapshot.Status.IsPaid() {
		warnings.CreditsInsufficient = o.ledger.IsBlocked(ctx, len(frames))
	}

	preview := frames
	if warnings.OverLimit {
		preview = flow.Truncate(frames)
	}

	n := datatypes.Notification{
		Kind:          datatypes.NotifyStatus,
		SelectionName: name,
		FrameCount:    len(frames),
		Frames:        preview,
		Warnings:      &warnings,
		Credits:       &snapshot,
		PortalURL:     o.portalURL(),
	}
	o.notify(n)
	return n
}

// Analyze runs one flow analysis for the current selection.
//
// # Description
//
// Ordered steps: load credits, build and validate flow frames, check the
// analysis cache, gate on credits, then run — notify in-progress, export
// frames (version-aware cache), call the analysis service, cache a
// populated result, apply any account-status hint, consume credits, and
// notify the result. Concurrent calls for the same flow key share one
// run and one notification set.
//
// # Outputs
//
//	datatypes.Notification - The terminal notification (result, error,
//	                         or cancelled) that was pushed.
//	error                  - Non-nil for every outcome except a served
//	                         result; sentinel errors mark input and
//	                         gating rejections.
func (o *Orchestrator) Analyze(ctx context.Context) (datatypes.Notification, error) {
	snapshot := o.ledger.Snapshot(ctx)

	name, nodes := o.snapshotSelection()
	frames := flow.BuildFlowFrames(nodes)
	if len(frames) == 0 {
		return o.rejected(ErrNoExportableFrames)
	}
	if flow.ExceedsLimit(frames) {
		return o.rejected(ErrTooManyFrames)
	}
	key := datatypes.FlowKeyFor(frames)

	if cached, ok := o.analysisCache.Get(key, o.promptVersion); ok {
		o.metrics.RecordCacheLookup(observability.CacheAnalysis, true)
		o.metrics.RecordRun(observability.OutcomeCached, 0)
		n := datatypes.Notification{
			Kind:       datatypes.NotifyResult,
			FlowKey:    key,
			FrameCount: cached.FrameCount,
			Payload:    cached.Payload,
			FromCache:  true,
		}
		o.notify(n)
		return n, nil
	}
	o.metrics.RecordCacheLookup(observability.CacheAnalysis, false)

	if !snapshot.Status.IsPaid() && o.ledger.IsBlocked(ctx, len(frames)) {
		n := datatypes.Notification{
			Kind:    datatypes.NotifyError,
			FlowKey: key,
			Message: "You're out of free analyses. Upgrade to keep analyzing flows.",
			Credits: &snapshot,
		}
		o.notify(n)
		o.metrics.RecordRun(observability.OutcomeRejected, 0)
		return n, ErrCreditsExhausted
	}

	v, err, _ := o.group.Do(key.String(), func() (any, error) {
		return o.runAnalysis(ctx, name, key, frames)
	})
	if v == nil {
		return datatypes.Notification{}, err
	}
	return v.(datatypes.Notification), err
}

// rejected emits an input-error notification and returns the sentinel.
func (o *Orchestrator) rejected(cause error) (datatypes.Notification, error) {
	n := datatypes.Notification{
		Kind:    datatypes.NotifyError,
		Message: capitalize(cause.Error()),
	}
	o.notify(n)
	o.metrics.RecordRun(observability.OutcomeRejected, 0)
	return n, cause
}

// runAnalysis executes one deduplicated run for a flow key.
func (o *Orchestrator) runAnalysis(ctx context.Context, name string, key datatypes.FlowKey, frames []datatypes.FlowFrame) (datatypes.Notification, error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	r := &run{key: key, cancel: cancel}
	o.mu.Lock()
	o.runs[key] = r
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.runs, key)
		o.mu.Unlock()
	}()

	o.metrics.RunStarted()
	defer o.metrics.RunEnded()
	start := time.Now()

	o.notify(datatypes.Notification{
		Kind:       datatypes.NotifyInProgress,
		FlowKey:    key,
		FrameCount: len(frames),
	})

	payloads, err := o.exportFrames(runCtx, frames)
	if err != nil {
		return o.settleFailure(r, key, start, err)
	}
	// First cancellation checkpoint: after export, before the upstream
	// call is committed.
	if r.isCancelled() {
		return o.settleCancelled(r, key, start)
	}

	result, err := o.service.Analyze(runCtx, analysis.Request{
		SelectionName: name,
		Frames:        payloads,
		Metadata: map[string]any{
			"flowKey":       key.String(),
			"promptVersion": o.promptVersion,
		},
	})
	// Second checkpoint: a cancel that raced the response wins over the
	// result.
	if r.isCancelled() {
		return o.settleCancelled(r, key, start)
	}
	if err != nil {
		return o.settleFailure(r, key, start, err)
	}

	if !result.Empty {
		o.analysisCache.Put(&flow.CachedAnalysis{
			FlowKey:       key,
			FrameCount:    len(frames),
			PromptVersion: o.promptVersion,
			Payload:       result.Payload,
			CompletedAt:   time.Now(),
		})
	} else {
		o.logger.Info("analysis returned no findings, skipping cache", "flow_key", key.String())
	}

	if result.AccountStatusHint != "" {
		if _, err := o.ledger.SetStatus(ctx, result.AccountStatusHint, "analysis_metadata"); err != nil {
			o.logger.Warn("applying account status hint failed", "error", err.Error())
		}
	}

	snapshot := o.ledger.Snapshot(ctx)
	if !snapshot.Status.IsPaid() {
		consumed, err := o.ledger.Consume(ctx, len(frames))
		if err != nil {
			o.logger.Warn("credit consumption failed", "error", err.Error())
		} else if consumed {
			o.metrics.RecordCreditsConsumed(len(frames))
		}
		snapshot = o.ledger.Snapshot(ctx)
	}

	outcome := observability.OutcomeCompleted
	if result.Empty {
		outcome = observability.OutcomeEmpty
	}
	o.metrics.RecordRun(outcome, time.Since(start).Seconds())

	n := datatypes.Notification{
		Kind:       datatypes.NotifyResult,
		FlowKey:    key,
		FrameCount: len(frames),
		Payload:    result.Payload,
		Credits:    &snapshot,
	}
	if r.markNotified() {
		o.notify(n)
	}
	return n, nil
}

// exportFrames renders every frame, reusing cached images whose version
// still matches.
func (o *Orchestrator) exportFrames(ctx context.Context, frames []datatypes.FlowFrame) ([]analysis.FramePayload, error) {
	payloads := make([]analysis.FramePayload, 0, len(frames))
	for _, frame := range frames {
		data, ok := o.exportCache.Get(frame.ID, frame.Version)
		o.metrics.RecordCacheLookup(observability.CacheExport, ok)
		if !ok {
			var err error
			data, err = o.exporter.Export(ctx, frame)
			if err != nil {
				return nil, fmt.Errorf("exporting frame %q: %w", frame.Name, err)
			}
			o.exportCache.Put(frame.ID, frame.Version, data)
		}
		payloads = append(payloads, analysis.FramePayload{
			FrameID:   frame.ID,
			FrameName: frame.Name,
			Index:     frame.Index,
			Image:     analysis.EncodeImage(data),
		})
	}
	return payloads, nil
}

// settleCancelled emits the run's single cancelled notification.
func (o *Orchestrator) settleCancelled(r *run, key datatypes.FlowKey, start time.Time) (datatypes.Notification, error) {
	o.metrics.RecordRun(observability.OutcomeCancelled, time.Since(start).Seconds())
	n := datatypes.Notification{
		Kind:    datatypes.NotifyCancelled,
		FlowKey: key,
		Message: "Analysis cancelled.",
	}
	if r.markNotified() {
		o.notify(n)
	}
	return n, errUserCancel
}

// settleFailure classifies a run error and emits the matching terminal
// notification. A cancellation surfacing as an error is folded into the
// cancelled path.
func (o *Orchestrator) settleFailure(r *run, key datatypes.FlowKey, start time.Time, err error) (datatypes.Notification, error) {
	if errors.Is(err, errUserCancel) || r.isCancelled() {
		return o.settleCancelled(r, key, start)
	}

	var message string
	outcome := observability.OutcomeError
	if errors.Is(err, analysis.ErrTimeout) {
		outcome = observability.OutcomeTimeout
		message = "The analysis took too long. Try again."
	} else {
		message = "Analysis failed. Check your connection and try again."
	}

	o.logger.Error("analysis run failed", "flow_key", key.String(), "error", err.Error())
	o.metrics.RecordRun(outcome, time.Since(start).Seconds())

	n := datatypes.Notification{
		Kind:    datatypes.NotifyError,
		FlowKey: key,
		Message: message,
	}
	if r.markNotified() {
		o.notify(n)
	}
	return n, err
}

// Cancel aborts every in-flight run.
//
// # Description
//
// Flips each run's cancelled flag and fires its cancel cause, aborting
// any in-flight network call. A run that already settled ignores the
// request; repeated calls are no-ops. Each cancelled run emits exactly
// one cancelled notification.
func (o *Orchestrator) Cancel() int {
	o.mu.Lock()
	active := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		active = append(active, r)
	}
	o.mu.Unlock()

	for _, r := range active {
		r.requestCancel()
	}
	if len(active) > 0 {
		o.logger.Info("cancellation requested", "runs", len(active))
	}
	return len(active)
}

// ActiveRuns returns the number of in-flight runs.
func (o *Orchestrator) ActiveRuns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.runs)
}

// InvalidateAnalysis drops one cached analysis entry.
func (o *Orchestrator) InvalidateAnalysis(key datatypes.FlowKey) {
	o.analysisCache.Invalidate(key)
}

// PrepareAuthPortalURL creates a handshake token and returns the portal
// URL to open. Without a bridge it returns empty.
func (o *Orchestrator) PrepareAuthPortalURL(ctx context.Context) (string, error) {
	if o.bridge == nil {
		return "", nil
	}
	o.metrics.RecordTokenEvent(observability.TokenCreated)
	return o.bridge.PrepareAuthPortalURL(ctx, o.analysisEndpoint)
}

// HandlePortalOpened begins resolving the handshake after the user
// opened the portal. Promotion is best-effort: failures never surface to
// the analysis path.
func (o *Orchestrator) HandlePortalOpened(ctx context.Context) {
	if o.bridge == nil {
		return
	}
	snapshot := o.ledger.Snapshot(ctx)
	o.bridge.HandlePortalOpened(ctx, o.analysisEndpoint, snapshot.Status)
}

// CompleteAuthHandshake applies a granted account status and re-syncs
// the UI. Wired as the bridge client's completion callback.
func (o *Orchestrator) CompleteAuthHandshake(ctx context.Context, status datatypes.AccountStatus, source string) {
	changed, err := o.ledger.SetStatus(ctx, status, source)
	if err != nil {
		o.logger.Error("applying handshake grant failed", "error", err.Error())
		return
	}
	o.metrics.RecordTokenEvent(observability.TokenComplete)
	if changed {
		o.SyncSelectionStatus(ctx)
	}
}

// TeardownBridge cancels any in-flight handshake.
func (o *Orchestrator) TeardownBridge() {
	if o.bridge != nil {
		o.bridge.Teardown()
	}
}

// ExportCacheLen exposes the export cache size for status reporting.
func (o *Orchestrator) ExportCacheLen() int { return o.exportCache.Len() }

// AnalysisCacheLen exposes the analysis cache size for status reporting.
func (o *Orchestrator) AnalysisCacheLen() int { return o.analysisCache.Len() }

func capitalize(s string) string {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
