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

// Package session tracks unlocked sessions and their opaque key handles.
// The handle table is a bounded LRU; eviction, removal, and session clear
// all zeroize the keys they drop.
package session

import (
	"encoding/hex"

	"github.com/awnumar/memguard"

	"github.com/chronologion/mo-local/crypto"
	"github.com/chronologion/mo-local/types"
)

// HandleKind discriminates what a handle refers to.
type HandleKind int

const (
	HandleScopeKey HandleKind = iota
	HandleResourceKey
)

// HandleEntry is one held key. The Key slice is an owned copy; the entry
// zeroizes it when dropped.
type HandleEntry struct {
	Kind          HandleKind
	ScopeID       types.ScopeID
	ScopeEpoch    types.ScopeEpoch
	ResourceID    types.ResourceID
	ResourceKeyID types.ResourceKeyID
	Key           []byte
}

func (e *HandleEntry) wipe() {
	memguard.WipeBytes(e.Key)
}

// Session is one unlocked session: TTL window, assurance, the vault key,
// and the bounded handle table.
type Session struct {
	ID          types.SessionID
	IssuedAtMs  uint64
	ExpiresAtMs uint64
	Kind        types.SessionKind
	Assurance   types.SessionAssurance
	VaultKey    []byte
	MaxHandles  int

	handles     map[string]*HandleEntry
	handleOrder []string
}

// New creates a session owning vaultKey.
func New(
	id types.SessionID,
	issuedAtMs, expiresAtMs uint64,
	kind types.SessionKind,
	assurance types.SessionAssurance,
	vaultKey []byte,
) *Session {
	return &Session{
		ID:          id,
		IssuedAtMs:  issuedAtMs,
		ExpiresAtMs: expiresAtMs,
		Kind:        kind,
		Assurance:   assurance,
		VaultKey:    vaultKey,
		MaxHandles:  256,
		handles:     make(map[string]*HandleEntry),
	}
}

// InsertHandle adds an entry, evicting least-recently-used entries while the
// table is full. Evicted keys are zeroized. Returns the fresh handle id:
// 16 bytes of entropy as lowercase hex.
func (s *Session) InsertHandle(entry *HandleEntry) (types.KeyHandle, error) {
	for len(s.handles) >= s.MaxHandles && len(s.handleOrder) > 0 {
		oldest := s.handleOrder[0]
		s.handleOrder = s.handleOrder[1:]
		if evicted, ok := s.handles[oldest]; ok {
			evicted.wipe()
			delete(s.handles, oldest)
		}
	}
	idBytes, err := crypto.RandomBytes(16)
	if err != nil {
		return "", err
	}
	id := hex.EncodeToString(idBytes)
	s.handles[id] = entry
	s.touchHandle(id)
	return types.KeyHandle(id), nil
}

// GetHandle returns the entry and marks it most recently used.
func (s *Session) GetHandle(handle types.KeyHandle) (*HandleEntry, bool) {
	entry, ok := s.handles[string(handle)]
	if ok {
		s.touchHandle(string(handle))
	}
	return entry, ok
}

// RemoveHandle drops an entry, zeroizing its key.
func (s *Session) RemoveHandle(handle types.KeyHandle) {
	if entry, ok := s.handles[string(handle)]; ok {
		entry.wipe()
		delete(s.handles, string(handle))
	}
	for i, id := range s.handleOrder {
		if id == string(handle) {
			s.handleOrder = append(s.handleOrder[:i], s.handleOrder[i+1:]...)
			break
		}
	}
}

// HandleCount reports the live handle count.
func (s *Session) HandleCount() int {
	return len(s.handles)
}

// Clear zeroizes every handle key and the vault key.
func (s *Session) Clear() {
	for id, entry := range s.handles {
		entry.wipe()
		delete(s.handles, id)
	}
	s.handleOrder = nil
	memguard.WipeBytes(s.VaultKey)
}

func (s *Session) touchHandle(id string) {
	for i, existing := range s.handleOrder {
		if existing == id {
			s.handleOrder = append(s.handleOrder[:i], s.handleOrder[i+1:]...)
			break
		}
	}
	s.handleOrder = append(s.handleOrder, id)
}
