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
	"context"
	"fmt"
	"sort"

	"github.com/chronologion/mo-local/adapters"
	"github.com/chronologion/mo-local/crypto"
	"github.com/chronologion/mo-local/types"
)

const defaultListLimit = 512

// pendingWrite is one buffered put awaiting a flush. Writes coalesce by
// (namespace, key): a second write before the flush replaces the value but
// keeps the first write's position.
type pendingWrite struct {
	namespace string
	key       string
	value     []byte
}

// bufferedStorage is the per-process mirror the synchronous core runs over:
// reads come from the mirror, writes update the mirror and enqueue a
// pending entry for the asynchronous backing store.
type bufferedStorage struct {
	values     map[string]map[string][]byte
	pending    []pendingWrite
	pendingIdx map[string]int
}

func newBufferedStorage() *bufferedStorage {
	return &bufferedStorage{
		values:     make(map[string]map[string][]byte),
		pendingIdx: make(map[string]int),
	}
}

func (b *bufferedStorage) loadEntry(namespace, key string, value []byte) {
	ns, ok := b.values[namespace]
	if !ok {
		ns = make(map[string][]byte)
		b.values[namespace] = ns
	}
	ns[key] = value
}

func (b *bufferedStorage) drainPending() []pendingWrite {
	pending := b.pending
	b.pending = nil
	b.pendingIdx = make(map[string]int)
	return pending
}

func (b *bufferedStorage) Get(namespace, key string) ([]byte, bool, error) {
	ns, ok := b.values[namespace]
	if !ok {
		return nil, false, nil
	}
	value, ok := ns[key]
	return value, ok, nil
}

func (b *bufferedStorage) Put(namespace, key string, value []byte) error {
	owned := append([]byte{}, value...)
	b.loadEntry(namespace, key, owned)
	pendingKey := namespace + ":" + key
	if i, ok := b.pendingIdx[pendingKey]; ok {
		b.pending[i].value = owned
		return nil
	}
	b.pendingIdx[pendingKey] = len(b.pending)
	b.pending = append(b.pending, pendingWrite{namespace: namespace, key: key, value: owned})
	return nil
}

func (b *bufferedStorage) ListSince(namespace, cursor string, limit int) ([]adapters.Entry, string, error) {
	ns := b.values[namespace]
	keys := make([]string, 0, len(ns))
	for key := range ns {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	start := 0
	if cursor != "" {
		start = len(keys)
		for i, key := range keys {
			if key > cursor {
				start = i
				break
			}
		}
	}
	out := make([]adapters.Entry, 0, limit)
	nextCursor := cursor
	for _, key := range keys[start:] {
		if len(out) >= limit {
			break
		}
		out = append(out, adapters.Entry{Key: key, Value: ns[key]})
		nextCursor = key
	}
	return out, nextCursor, nil
}

// AsyncKeyService runs the synchronous core over a buffered mirror and
// drains pending writes to an asynchronous backing store after every
// operation that produced them. No secret is held across a suspension
// point: only ciphertexts flush.
type AsyncKeyService struct {
	storage  adapters.AsyncStorageAdapter
	buffered *bufferedStorage
	inner    *KeyService
}

// NewAsyncKeyService preloads the mirror by paging through the backing
// store's keyvault namespace, then constructs the synchronous core over it.
func NewAsyncKeyService(
	ctx context.Context,
	storage adapters.AsyncStorageAdapter,
	clock adapters.ClockAdapter,
	entropy adapters.EntropyAdapter,
	config Config,
) (*AsyncKeyService, error) {
	buffered := newBufferedStorage()
	cursor := ""
	for {
		batch, next, err := storage.ListSince(ctx, keyvaultNamespace, cursor, defaultListLimit)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if len(batch) == 0 {
			break
		}
		for _, entry := range batch {
			buffered.loadEntry(keyvaultNamespace, entry.Key, entry.Value)
		}
		cursor = next
	}
	return &AsyncKeyService{
		storage:  storage,
		buffered: buffered,
		inner:    New(buffered, clock, entropy, config),
	}, nil
}

// Inner exposes the synchronous core for read-only inspection (metrics,
// roster audit).
func (a *AsyncKeyService) Inner() *KeyService {
	return a.inner
}

// CreateVault creates the vault and flushes the header and index writes.
func (a *AsyncKeyService) CreateVault(ctx context.Context, userID types.UserID, passphrase []byte, kdf crypto.KdfParams) error {
	if err := a.inner.CreateVault(userID, passphrase, kdf); err != nil {
		return err
	}
	return a.DrainStorageWrites(ctx)
}

// UnlockPassphrase runs synchronously over the mirror.
func (a *AsyncKeyService) UnlockPassphrase(passphrase []byte) (*UnlockResponse, error) {
	return a.inner.UnlockPassphrase(passphrase)
}

// UnlockUserPresence runs synchronously over the mirror.
func (a *AsyncKeyService) UnlockUserPresence(userPresenceSecret []byte) (*UnlockResponse, error) {
	return a.inner.UnlockUserPresence(userPresenceSecret)
}

// StepUp runs synchronously over the mirror.
func (a *AsyncKeyService) StepUp(sessionID types.SessionID, passphrase []byte) (*StepUpResponse, error) {
	return a.inner.StepUp(sessionID, passphrase)
}

// RenewSession runs synchronously over the mirror.
func (a *AsyncKeyService) RenewSession(sessionID types.SessionID) (*RenewSessionResponse, error) {
	return a.inner.RenewSession(sessionID)
}

// ChangePassphrase rewraps the vault key and flushes the header write.
func (a *AsyncKeyService) ChangePassphrase(ctx context.Context, sessionID types.SessionID, newPassphrase []byte) error {
	if err := a.inner.ChangePassphrase(sessionID, newPassphrase); err != nil {
		return err
	}
	return a.DrainStorageWrites(ctx)
}

// EnableUserPresenceUnlock writes the side-channel record and flushes.
func (a *AsyncKeyService) EnableUserPresenceUnlock(ctx context.Context, sessionID types.SessionID, credentialID, userPresenceSecret []byte) error {
	if err := a.inner.EnableUserPresenceUnlock(sessionID, credentialID, userPresenceSecret); err != nil {
		return err
	}
	return a.DrainStorageWrites(ctx)
}

// DisableUserPresenceUnlock clears the side-channel record and flushes.
func (a *AsyncKeyService) DisableUserPresenceUnlock(ctx context.Context, sessionID types.SessionID) error {
	if err := a.inner.DisableUserPresenceUnlock(sessionID); err != nil {
		return err
	}
	return a.DrainStorageWrites(ctx)
}

// GetUserPresenceUnlockInfo runs synchronously over the mirror.
func (a *AsyncKeyService) GetUserPresenceUnlockInfo() (*UserPresenceUnlockInfo, error) {
	return a.inner.GetUserPresenceUnlockInfo()
}

// IngestScopeState updates only in-memory trust state; nothing to flush.
func (a *AsyncKeyService) IngestScopeState(sessionID types.SessionID, scopeStateCbor []byte, expectedSignerFingerprint string) (*IngestScopeStateResponse, error) {
	return a.inner.IngestScopeState(sessionID, scopeStateCbor, expectedSignerFingerprint)
}

// IngestKeyEnvelope appends the recovered scope key and flushes.
func (a *AsyncKeyService) IngestKeyEnvelope(ctx context.Context, sessionID types.SessionID, envelopeCbor []byte) (*IngestKeyEnvelopeResponse, error) {
	response, err := a.inner.IngestKeyEnvelope(sessionID, envelopeCbor)
	if err != nil {
		return nil, err
	}
	if err := a.DrainStorageWrites(ctx); err != nil {
		return nil, err
	}
	return response, nil
}

// InitIdentity appends identity records and flushes.
func (a *AsyncKeyService) InitIdentity(ctx context.Context, sessionID types.SessionID, deviceID types.DeviceID) error {
	if err := a.inner.InitIdentity(sessionID, deviceID); err != nil {
		return err
	}
	return a.DrainStorageWrites(ctx)
}

// OpenScope runs synchronously over the mirror.
func (a *AsyncKeyService) OpenScope(sessionID types.SessionID, scopeID types.ScopeID, scopeEpoch types.ScopeEpoch) (types.KeyHandle, error) {
	return a.inner.OpenScope(sessionID, scopeID, scopeEpoch)
}

// OpenResource appends the recovered resource key and flushes.
func (a *AsyncKeyService) OpenResource(ctx context.Context, sessionID types.SessionID, scopeKeyHandle types.KeyHandle, grantCbor []byte) (types.KeyHandle, error) {
	handle, err := a.inner.OpenResource(sessionID, scopeKeyHandle, grantCbor)
	if err != nil {
		return "", err
	}
	if err := a.DrainStorageWrites(ctx); err != nil {
		return "", err
	}
	return handle, nil
}

// PersistScopeKey appends a scope key sourced out of band and flushes.
func (a *AsyncKeyService) PersistScopeKey(ctx context.Context, sessionID types.SessionID, scopeID types.ScopeID, scopeEpoch types.ScopeEpoch, scopeKey []byte) error {
	if err := a.inner.PersistScopeKey(sessionID, scopeID, scopeEpoch, scopeKey); err != nil {
		return err
	}
	return a.DrainStorageWrites(ctx)
}

// CloseHandle runs synchronously over the mirror.
func (a *AsyncKeyService) CloseHandle(sessionID types.SessionID, handle types.KeyHandle) error {
	return a.inner.CloseHandle(sessionID, handle)
}

// Encrypt runs synchronously over the mirror.
func (a *AsyncKeyService) Encrypt(sessionID types.SessionID, resourceKeyHandle types.KeyHandle, aadBytes, plaintext []byte) ([]byte, error) {
	return a.inner.Encrypt(sessionID, resourceKeyHandle, aadBytes, plaintext)
}

// Decrypt runs synchronously over the mirror.
func (a *AsyncKeyService) Decrypt(sessionID types.SessionID, resourceKeyHandle types.KeyHandle, aadBytes, ciphertext []byte) ([]byte, error) {
	return a.inner.Decrypt(sessionID, resourceKeyHandle, aadBytes, ciphertext)
}

// Sign runs synchronously over the mirror.
func (a *AsyncKeyService) Sign(sessionID types.SessionID, data []byte) (*SignResponse, error) {
	return a.inner.Sign(sessionID, data)
}

// Verify runs synchronously over the mirror.
func (a *AsyncKeyService) Verify(scopeID types.ScopeID, signerDeviceID types.DeviceID, data, signature []byte, ciphersuite types.SigSuiteID) (bool, error) {
	return a.inner.Verify(scopeID, signerDeviceID, data, signature, ciphersuite)
}

// ExportKeyVault runs synchronously over the mirror.
func (a *AsyncKeyService) ExportKeyVault(sessionID types.SessionID) ([]byte, error) {
	return a.inner.ExportKeyVault(sessionID)
}

// ImportKeyVault rewrites the vault and flushes.
func (a *AsyncKeyService) ImportKeyVault(ctx context.Context, sessionID types.SessionID, blob []byte) error {
	if err := a.inner.ImportKeyVault(sessionID, blob); err != nil {
		return err
	}
	return a.DrainStorageWrites(ctx)
}

// Lock runs synchronously over the mirror.
func (a *AsyncKeyService) Lock(sessionID types.SessionID) error {
	return a.inner.Lock(sessionID)
}

// DrainStorageWrites issues the buffered puts to the backing store in
// insertion order. On error the mirror is ahead of the durable store; the
// host must retry or restart.
func (a *AsyncKeyService) DrainStorageWrites(ctx context.Context) error {
	pending := a.buffered.drainPending()
	for _, entry := range pending {
		if err := a.storage.Put(ctx, entry.namespace, entry.key, entry.value); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	return nil
}
