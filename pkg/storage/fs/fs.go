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

// Package fs provides a directory-backed storage adapter: one file per
// (namespace, key), with keys percent-escaped into safe file names.
package fs

import (
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chronologion/mo-local/adapters"
)

// Store persists entries under root/namespace/escaped-key.
type Store struct {
	root string
}

// NewStore creates the root directory if needed.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

func (s *Store) path(namespace, key string) string {
	return filepath.Join(s.root, url.PathEscape(namespace), url.PathEscape(key))
}

// Get reads the value for (namespace, key).
func (s *Store) Get(namespace, key string) ([]byte, bool, error) {
	value, err := os.ReadFile(s.path(namespace, key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Put writes the value for (namespace, key) with a same-directory rename so
// readers never observe a partial file.
func (s *Store) Put(namespace, key string, value []byte) error {
	dir := filepath.Join(s.root, url.PathEscape(namespace))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path(namespace, key))
}

// ListSince pages keys after cursor in sorted order.
func (s *Store) ListSince(namespace, cursor string, limit int) ([]adapters.Entry, string, error) {
	dir := filepath.Join(s.root, url.PathEscape(namespace))
	names, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, cursor, nil
	}
	if err != nil {
		return nil, "", err
	}
	keys := make([]string, 0, len(names))
	for _, entry := range names {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".put-") {
			continue
		}
		key, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
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
		value, err := os.ReadFile(s.path(namespace, key))
		if err != nil {
			return nil, "", err
		}
		out = append(out, adapters.Entry{Key: key, Value: value})
		nextCursor = key
	}
	return out, nextCursor, nil
}
