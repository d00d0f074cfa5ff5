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

package session

import "github.com/chronologion/mo-local/types"

// Manager owns the live sessions. Expiry is lazy: the key service checks
// TTLs on touch and removes dead sessions through Remove.
type Manager struct {
	sessions map[types.SessionID]*Session
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[types.SessionID]*Session)}
}

// Insert registers a session under its id.
func (m *Manager) Insert(s *Session) {
	m.sessions[s.ID] = s
}

// Get returns the session for id, if present.
func (m *Manager) Get(id types.SessionID) (*Session, bool) {
	s, ok := m.sessions[id]
	return s, ok
}

// Remove clears and deletes the session for id.
func (m *Manager) Remove(id types.SessionID) {
	if s, ok := m.sessions[id]; ok {
		s.Clear()
		delete(m.sessions, id)
	}
}

// Count reports the number of live sessions.
func (m *Manager) Count() int {
	return len(m.sessions)
}

// Close clears every session.
func (m *Manager) Close() {
	for id, s := range m.sessions {
		s.Clear()
		delete(m.sessions, id)
	}
}
