// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package credits

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/uxbiblio/pkg/logging"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/datatypes"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/storage/badger"
)

func newTestLedger(t *testing.T, baseline int) (*Ledger, *badger.DB) {
	t.Helper()
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logging.New(logging.Config{Level: logging.LevelError, Quiet: true})
	return NewLedger(db, baseline, logger), db
}

func TestLoad_MissingSnapshotUsesDefaults(t *testing.T) {
	ledger, _ := newTestLedger(t, 5)
	ctx := context.Background()

	require.NoError(t, ledger.Load(ctx))

	state := ledger.Snapshot(ctx)
	assert.Equal(t, datatypes.AccountAnonymous, state.Status)
	assert.Equal(t, 5, state.Total)
	assert.Equal(t, 5, state.Remaining)
}

func TestLoad_MalformedSnapshotRewritten(t *testing.T) {
	ledger, db := newTestLedger(t, 2)
	ctx := context.Background()

	require.NoError(t, db.SetValue(ctx, []byte(StorageKey), []byte("{not json")))
	require.NoError(t, ledger.Load(ctx))

	state := ledger.Snapshot(ctx)
	assert.Equal(t, datatypes.AccountAnonymous, state.Status)
	assert.Equal(t, 2, state.Remaining)

	// The store must have been rewritten with the default, not left corrupt.
	raw, err := db.GetValue(ctx, []byte(StorageKey))
	require.NoError(t, err)
	var persisted datatypes.CreditsState
	require.NoError(t, json.Unmarshal(raw, &persisted))
	assert.Equal(t, datatypes.AccountAnonymous, persisted.Status)
	assert.Equal(t, 2, persisted.Remaining)
}

func TestLoad_UnknownStatusTreatedAsMalformed(t *testing.T) {
	ledger, db := newTestLedger(t, 1)
	ctx := context.Background()

	require.NoError(t, db.SetValue(ctx, []byte(StorageKey),
		[]byte(`{"accountStatus":"platinum","total":99,"remaining":99}`)))
	require.NoError(t, ledger.Load(ctx))

	state := ledger.Snapshot(ctx)
	assert.Equal(t, datatypes.AccountAnonymous, state.Status)
	assert.Equal(t, 1, state.Remaining)
}

func TestLoad_ClampsStoredValues(t *testing.T) {
	ledger, db := newTestLedger(t, 5)
	ctx := context.Background()

	require.NoError(t, db.SetValue(ctx, []byte(StorageKey),
		[]byte(`{"accountStatus":"anonymous","total":3,"remaining":10}`)))
	require.NoError(t, ledger.Load(ctx))

	state := ledger.Snapshot(ctx)
	assert.Equal(t, 3, state.Total)
	assert.Equal(t, 3, state.Remaining, "remaining must clamp to total")
}

func TestIsBlocked_AnonymousZeroCredits(t *testing.T) {
	ledger, _ := newTestLedger(t, 0)
	ctx := context.Background()
	require.NoError(t, ledger.Load(ctx))

	assert.True(t, ledger.IsBlocked(ctx, 1))
	assert.True(t, ledger.IsBlocked(ctx, 6))
	assert.False(t, ledger.IsBlocked(ctx, 0))
}

func TestIsBlocked_PaidNeverBlocked(t *testing.T) {
	ledger, _ := newTestLedger(t, 0)
	ctx := context.Background()
	require.NoError(t, ledger.Load(ctx))

	_, err := ledger.SetStatus(ctx, datatypes.AccountTrial, "test")
	require.NoError(t, err)
	assert.False(t, ledger.IsBlocked(ctx, 100))

	_, err = ledger.SetStatus(ctx, datatypes.AccountPro, "test")
	require.NoError(t, err)
	assert.False(t, ledger.IsBlocked(ctx, 100))
}

func TestConsume_DecrementsAndClamps(t *testing.T) {
	ledger, _ := newTestLedger(t, 3)
	ctx := context.Background()
	require.NoError(t, ledger.Load(ctx))

	consumed, err := ledger.Consume(ctx, 2)
	require.NoError(t, err)
	assert.True(t, consumed)
	assert.Equal(t, 1, ledger.Snapshot(ctx).Remaining)

	// Requesting more than remains clamps at zero.
	consumed, err = ledger.Consume(ctx, 5)
	require.NoError(t, err)
	assert.True(t, consumed)
	assert.Equal(t, 0, ledger.Snapshot(ctx).Remaining)

	// Nothing left to consume.
	consumed, err = ledger.Consume(ctx, 1)
	require.NoError(t, err)
	assert.False(t, consumed)
}

func TestConsume_PaidNoOp(t *testing.T) {
	ledger, _ := newTestLedger(t, 3)
	ctx := context.Background()
	require.NoError(t, ledger.Load(ctx))
	_, err := ledger.SetStatus(ctx, datatypes.AccountPro, "test")
	require.NoError(t, err)

	consumed, err := ledger.Consume(ctx, 4)
	require.NoError(t, err)
	assert.False(t, consumed)

	state := ledger.Snapshot(ctx)
	assert.Equal(t, 0, state.Total)
	assert.Equal(t, 0, state.Remaining)
}

func TestConsume_Persists(t *testing.T) {
	ledger, db := newTestLedger(t, 3)
	ctx := context.Background()
	require.NoError(t, ledger.Load(ctx))

	_, err := ledger.Consume(ctx, 1)
	require.NoError(t, err)

	// A fresh ledger over the same store sees the decrement.
	logger := logging.New(logging.Config{Level: logging.LevelError, Quiet: true})
	reloaded := NewLedger(db, 3, logger)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, 2, reloaded.Snapshot(ctx).Remaining)
}

func TestSetStatus_NoOpWhenUnchanged(t *testing.T) {
	ledger, _ := newTestLedger(t, 0)
	ctx := context.Background()
	require.NoError(t, ledger.Load(ctx))

	changed, err := ledger.SetStatus(ctx, datatypes.AccountAnonymous, "test")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestSetStatus_PaidZeroesCredits(t *testing.T) {
	ledger, _ := newTestLedger(t, 7)
	ctx := context.Background()
	require.NoError(t, ledger.Load(ctx))

	changed, err := ledger.SetStatus(ctx, datatypes.AccountTrial, "bridge_completed")
	require.NoError(t, err)
	assert.True(t, changed)

	state := ledger.Snapshot(ctx)
	assert.Equal(t, datatypes.AccountTrial, state.Status)
	assert.Equal(t, 0, state.Total)
	assert.Equal(t, 0, state.Remaining)
}

func TestSetStatus_BackToAnonymousRestoresBaseline(t *testing.T) {
	ledger, _ := newTestLedger(t, 4)
	ctx := context.Background()
	require.NoError(t, ledger.Load(ctx))

	_, err := ledger.SetStatus(ctx, datatypes.AccountTrial, "test")
	require.NoError(t, err)
	changed, err := ledger.SetStatus(ctx, datatypes.AccountAnonymous, "test")
	require.NoError(t, err)
	assert.True(t, changed)

	state := ledger.Snapshot(ctx)
	assert.Equal(t, 4, state.Total)
	assert.Equal(t, 4, state.Remaining)
}

func TestSetStatus_RejectsInvalid(t *testing.T) {
	ledger, _ := newTestLedger(t, 0)
	_, err := ledger.SetStatus(context.Background(), datatypes.AccountStatus("vip"), "test")
	assert.Error(t, err)
}
