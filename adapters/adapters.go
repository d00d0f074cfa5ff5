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

// Package adapters defines the narrow interfaces the core consumes from its
// host: durable storage, wall-clock time, and entropy. Hosts supply
// implementations; the core never reaches the OS directly for these.
package adapters

import (
	"context"
	"time"

	"github.com/chronologion/mo-local/crypto"
)

// Entry is one listed (key, value) pair.
type Entry struct {
	Key   string
	Value []byte
}

// StorageAdapter is a synchronous namespaced key-value store. Get reports
// found=false for missing keys; errors are opaque to the core.
type StorageAdapter interface {
	Get(namespace, key string) (value []byte, found bool, err error)
	Put(namespace, key string, value []byte) error
	// ListSince pages keys after cursor in sorted order, up to limit, and
	// returns the cursor for the next page.
	ListSince(namespace, cursor string, limit int) ([]Entry, string, error)
}

// AsyncStorageAdapter is the asynchronous backing store behind the
// write-buffering shim. Calls may suspend; the core holds no secrets across
// them.
type AsyncStorageAdapter interface {
	Get(ctx context.Context, namespace, key string) (value []byte, found bool, err error)
	Put(ctx context.Context, namespace, key string, value []byte) error
	ListSince(ctx context.Context, namespace, cursor string, limit int) ([]Entry, string, error)
}

// ClockAdapter supplies wall-clock milliseconds. Monotonicity is not
// assumed.
type ClockAdapter interface {
	NowMs() uint64
}

// EntropyAdapter supplies OS-quality randomness.
type EntropyAdapter interface {
	RandomBytes(n int) ([]byte, error)
}

// SystemClock reads the process clock.
type SystemClock struct{}

func (SystemClock) NowMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

// SystemEntropy reads the OS entropy source.
type SystemEntropy struct{}

func (SystemEntropy) RandomBytes(n int) ([]byte, error) {
	return crypto.RandomBytes(n)
}

// SyncAsAsync lifts a synchronous adapter to the async interface; the host's
// context is ignored because the underlying calls cannot block.
type SyncAsAsync struct {
	Inner StorageAdapter
}

func (a SyncAsAsync) Get(_ context.Context, namespace, key string) ([]byte, bool, error) {
	return a.Inner.Get(namespace, key)
}

func (a SyncAsAsync) Put(_ context.Context, namespace, key string, value []byte) error {
	return a.Inner.Put(namespace, key, value)
}

func (a SyncAsAsync) ListSince(_ context.Context, namespace, cursor string, limit int) ([]Entry, string, error) {
	return a.Inner.ListSince(namespace, cursor, limit)
}
