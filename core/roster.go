// mo-local - client-side key service core
// Copyright (C) 2025 Chronologion
//
// This file is part of mo-local.
//
// mo-local is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// mo-local is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with mo-local. If not, see <https://www.gnu.org/licenses/>.

package core

import (
	"github.com/chronologion/mo-local/crypto/keys"
	"github.com/chronologion/mo-local/types"
)

// SignerRoster is the per-process trust state, rebuilt on every unlock. The
// first accepted scope state of a scope is the trust-on-first-use moment;
// envelopes and grants must cite an accepted scope-state ref and a known
// signer.
type SignerRoster struct {
	scopes         map[types.ScopeID]map[types.DeviceID]keys.SignerKeys
	scopeStateRefs map[types.ScopeID]map[string]struct{}
}

// NewSignerRoster returns an empty roster.
func NewSignerRoster() *SignerRoster {
	return &SignerRoster{
		scopes:         make(map[types.ScopeID]map[types.DeviceID]keys.SignerKeys),
		scopeStateRefs: make(map[types.ScopeID]map[string]struct{}),
	}
}

// Signer looks up a device's keys within a scope.
func (r *SignerRoster) Signer(scopeID types.ScopeID, deviceID types.DeviceID) (keys.SignerKeys, bool) {
	scope, ok := r.scopes[scopeID]
	if !ok {
		return keys.SignerKeys{}, false
	}
	signer, ok := scope[deviceID]
	return signer, ok
}

// UpsertSigner records or replaces a device's keys within a scope.
func (r *SignerRoster) UpsertSigner(scopeID types.ScopeID, deviceID types.DeviceID, signer keys.SignerKeys) {
	scope, ok := r.scopes[scopeID]
	if !ok {
		scope = make(map[types.DeviceID]keys.SignerKeys)
		r.scopes[scopeID] = scope
	}
	scope[deviceID] = signer
}

// InsertScopeStateRef remembers an accepted scope-state ref (hex).
func (r *SignerRoster) InsertScopeStateRef(scopeID types.ScopeID, refHex string) {
	set, ok := r.scopeStateRefs[scopeID]
	if !ok {
		set = make(map[string]struct{})
		r.scopeStateRefs[scopeID] = set
	}
	set[refHex] = struct{}{}
}

// HasScopeStateRef reports whether a scope-state ref was accepted for the
// scope.
func (r *SignerRoster) HasScopeStateRef(scopeID types.ScopeID, refHex string) bool {
	set, ok := r.scopeStateRefs[scopeID]
	if !ok {
		return false
	}
	_, ok = set[refHex]
	return ok
}

// RosterEntry is one audited signer binding.
type RosterEntry struct {
	ScopeID     types.ScopeID
	DeviceID    types.DeviceID
	Fingerprint string
}

// Entries exposes the roster contents for audit.
func (r *SignerRoster) Entries() []RosterEntry {
	var entries []RosterEntry
	for scopeID, scope := range r.scopes {
		for deviceID, signer := range scope {
			entries = append(entries, RosterEntry{
				ScopeID:     scopeID,
				DeviceID:    deviceID,
				Fingerprint: keys.SignerFingerprint(signer),
			})
		}
	}
	return entries
}

// ScopeStateRefs exposes the accepted refs of a scope for audit.
func (r *SignerRoster) ScopeStateRefs(scopeID types.ScopeID) []string {
	set, ok := r.scopeStateRefs[scopeID]
	if !ok {
		return nil
	}
	refs := make([]string, 0, len(set))
	for ref := range set {
		refs = append(refs, ref)
	}
	return refs
}
