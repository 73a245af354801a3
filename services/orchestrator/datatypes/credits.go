// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// AccountStatus is the account standing tracked by the credit ledger.
type AccountStatus string

const (
	AccountAnonymous AccountStatus = "anonymous"
	AccountTrial     AccountStatus = "trial"
	AccountPro       AccountStatus = "pro"
)

// IsPaid reports whether the status bypasses credit gating.
func (s AccountStatus) IsPaid() bool {
	return s == AccountTrial || s == AccountPro
}

// Valid reports whether s is one of the known statuses.
func (s AccountStatus) Valid() bool {
	switch s {
	case AccountAnonymous, AccountTrial, AccountPro:
		return true
	}
	return false
}

// ParseAccountStatus maps an untrusted string to an AccountStatus,
// falling back to anonymous for unknown values.
func ParseAccountStatus(raw string) AccountStatus {
	s := AccountStatus(raw)
	if !s.Valid() {
		return AccountAnonymous
	}
	return s
}

// CreditsState is the persisted credit snapshot.
//
// Invariant: Remaining is always in [0, Total]. Paid statuses always
// report Total = Remaining = 0 (gating bypassed, not tracked).
type CreditsState struct {
	Status    AccountStatus `json:"accountStatus"`
	Total     int           `json:"total"`
	Remaining int           `json:"remaining"`
}

// DefaultCreditsState is the snapshot used when no persisted state exists
// or the stored snapshot is malformed. baseline is the configured number
// of free credits granted to anonymous accounts.
func DefaultCreditsState(baseline int) CreditsState {
	if baseline < 0 {
		baseline = 0
	}
	return CreditsState{
		Status:    AccountAnonymous,
		Total:     baseline,
		Remaining: baseline,
	}
}
