// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlowKeyFor_Deterministic(t *testing.T) {
	frames := []FlowFrame{
		{ID: "a", Version: 1, Index: 0},
		{ID: "b", Version: 1, Index: 1},
	}
	assert.Equal(t, FlowKey("a:1|b:1"), FlowKeyFor(frames))
	assert.Equal(t, FlowKeyFor(frames), FlowKeyFor(frames))
}

func TestFlowKeyFor_VersionChangesKey(t *testing.T) {
	before := FlowKeyFor([]FlowFrame{{ID: "a", Version: 1}, {ID: "b", Version: 1}})
	after := FlowKeyFor([]FlowFrame{{ID: "a", Version: 2}, {ID: "b", Version: 1}})
	assert.NotEqual(t, before, after)
}

func TestFlowKeyFor_OrderMatters(t *testing.T) {
	ab := FlowKeyFor([]FlowFrame{{ID: "a", Version: 1}, {ID: "b", Version: 1}})
	ba := FlowKeyFor([]FlowFrame{{ID: "b", Version: 1}, {ID: "a", Version: 1}})
	assert.NotEqual(t, ab, ba)
}

func TestFlowKeyFor_Empty(t *testing.T) {
	assert.Equal(t, FlowKey(""), FlowKeyFor(nil))
}

func TestParseAccountStatus(t *testing.T) {
	assert.Equal(t, AccountTrial, ParseAccountStatus("trial"))
	assert.Equal(t, AccountPro, ParseAccountStatus("pro"))
	assert.Equal(t, AccountAnonymous, ParseAccountStatus("anonymous"))
	assert.Equal(t, AccountAnonymous, ParseAccountStatus("enterprise"))
	assert.Equal(t, AccountAnonymous, ParseAccountStatus(""))
}

func TestAccountStatusIsPaid(t *testing.T) {
	assert.False(t, AccountAnonymous.IsPaid())
	assert.True(t, AccountTrial.IsPaid())
	assert.True(t, AccountPro.IsPaid())
}

func TestDefaultCreditsState(t *testing.T) {
	s := DefaultCreditsState(3)
	assert.Equal(t, AccountAnonymous, s.Status)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 3, s.Remaining)

	zero := DefaultCreditsState(-1)
	assert.Equal(t, 0, zero.Total)
	assert.Equal(t, 0, zero.Remaining)
}
