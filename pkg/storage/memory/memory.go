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

// Package memory provides an in-memory storage adapter for tests and
// single-process hosts.
package memory

import (
	"sort"
	"sync"

	"github.com/chronologion/mo-local/adapters"
)

// Store is an in-memory namespaced key-value store implementing
// adapters.StorageAdapter. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{data: make(map[string]map[string][]byte)}
}

// Get returns the value for (namespace, key).
func (s *Store) Get(namespace, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.data[namespace]
	if !ok {
		return nil, false, nil
	}
	value, ok := ns[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte{}, value...), true, nil
}

// Put stores a copy of value under (namespace, key).
func (s *Store) Put(namespace, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		s.data[namespace] = ns
	}
	ns[key] = append([]byte{}, value...)
	return nil
}

// ListSince pages keys after cursor in sorted order.
func (s *Store) ListSince(namespace, cursor string, limit int) ([]adapters.Entry, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns := s.data[namespace]
	keys := make([]string, 0, len(ns))
	for key := range ns {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]adapters.Entry, 0, limit)
	nextCursor := cursor
	for _, key := range keys {
		if cursor != "" && key <= cursor {
			continue
		}
		if len(out) >= limit {
			break
		}
		out = append(out, adapters.Entry{Key: key, Value: append([]byte{}, ns[key]...)})
		nextCursor = key
	}
	return out, nextCursor, nil
}

// Len reports the number of keys in a namespace.
func (s *Store) Len(namespace string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[namespace])
}
