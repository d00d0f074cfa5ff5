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

// Package keyvault is the append-only hash-chained ledger engine: replaying
// and validating encrypted record containers, appending new ones, and
// materializing the decrypted keys into in-memory maps.
package keyvault

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/awnumar/memguard"

	"github.com/chronologion/mo-local/aad"
	"github.com/chronologion/mo-local/cbor"
	"github.com/chronologion/mo-local/crypto"
	"github.com/chronologion/mo-local/crypto/keys"
	"github.com/chronologion/mo-local/formats"
	"github.com/chronologion/mo-local/types"
)

// State tracks the chain head and the validated containers behind it.
type State struct {
	HeadSeq  uint64
	HeadHash []byte
	Records  []formats.KeyVaultRecordContainerV1
}

// NewState returns the empty-chain state: seq 0, all-zero head hash.
func NewState() *State {
	return &State{
		HeadSeq:  0,
		HeadHash: make([]byte, 32),
	}
}

// ScopeKeyRef keys the materialized scope-key map.
type ScopeKeyRef struct {
	ScopeID    types.ScopeID
	ScopeEpoch types.ScopeEpoch
}

// ResourceKeyRef keys the materialized resource-key map.
type ResourceKeyRef struct {
	ResourceID    types.ResourceID
	ResourceKeyID types.ResourceKeyID
}

// Materialized holds the decrypted keys recovered from the ledger. It owns
// its secrets; Wipe must run before the struct is dropped.
type Materialized struct {
	UserKey           *keys.KemRecipient
	DeviceSigningKeys map[types.DeviceID]*keys.SigningKeypair
	ScopeKeys         map[ScopeKeyRef][]byte
	ResourceKeys      map[ResourceKeyRef][]byte
}

// NewMaterialized returns an empty materialization.
func NewMaterialized() *Materialized {
	return &Materialized{
		DeviceSigningKeys: make(map[types.DeviceID]*keys.SigningKeypair),
		ScopeKeys:         make(map[ScopeKeyRef][]byte),
		ResourceKeys:      make(map[ResourceKeyRef][]byte),
	}
}

// Wipe zeroizes every secret held and empties the maps.
func (m *Materialized) Wipe() {
	if m.UserKey != nil {
		m.UserKey.Wipe()
		m.UserKey = nil
	}
	for id, kp := range m.DeviceSigningKeys {
		kp.Wipe()
		delete(m.DeviceSigningKeys, id)
	}
	for ref, key := range m.ScopeKeys {
		memguard.WipeBytes(key)
		delete(m.ScopeKeys, ref)
	}
	for ref, key := range m.ResourceKeys {
		memguard.WipeBytes(key)
		delete(m.ResourceKeys, ref)
	}
}

// ApplyContainers replays a batch of containers against the header and vault
// key. The batch is sorted by seq and must form a gap-free chain starting at
// 1 with distinct record ids and matching prev hashes; every payload must
// decrypt. Any failure aborts the whole replay, never a partial
// materialization.
func ApplyContainers(
	header *formats.KeyVaultHeaderV1,
	vaultKey []byte,
	containers []formats.KeyVaultRecordContainerV1,
) (*State, *Materialized, error) {
	state := NewState()
	materialized := NewMaterialized()

	sorted := make([]formats.KeyVaultRecordContainerV1, len(containers))
	copy(sorted, containers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	prevHash := make([]byte, 32)
	expectedSeq := uint64(1)
	seen := make(map[string]struct{}, len(sorted))

	for i := range sorted {
		container := sorted[i]
		if container.Seq != expectedSeq {
			materialized.Wipe()
			return nil, nil, fmt.Errorf("%w: keyvault seq mismatch", formats.ErrFormat)
		}
		expectedSeq++
		if _, dup := seen[container.RecordID]; dup {
			materialized.Wipe()
			return nil, nil, fmt.Errorf("%w: duplicate keyvault record_id", formats.ErrFormat)
		}
		seen[container.RecordID] = struct{}{}
		if !bytes.Equal(container.PrevHash, prevHash) {
			materialized.Wipe()
			return nil, nil, fmt.Errorf("%w: keyvault chain mismatch", formats.ErrFormat)
		}
		containerBytes, err := formats.EncodeKeyVaultRecordContainerV1(&container)
		if err != nil {
			materialized.Wipe()
			return nil, nil, err
		}
		hash := crypto.SHA256Bytes(containerBytes)

		recordAAD, err := aad.KeyVaultRecordV1(header.VaultID, header.UserID, header.Aead, container.RecordID)
		if err != nil {
			materialized.Wipe()
			return nil, nil, err
		}
		plaintext, err := crypto.AEADOpen(vaultKey, recordAAD, container.Nonce, container.Ct)
		if err != nil {
			materialized.Wipe()
			return nil, nil, fmt.Errorf("%w: keyvault record decrypt failed", formats.ErrFormat)
		}
		plain, err := formats.DecodeKeyVaultRecordPlainV1(plaintext)
		if err != nil {
			materialized.Wipe()
			return nil, nil, err
		}
		if plain.RecordID != container.RecordID {
			materialized.Wipe()
			return nil, nil, fmt.Errorf("%w: record id mismatch", formats.ErrFormat)
		}
		if err := applyRecordPlain(plain, materialized); err != nil {
			materialized.Wipe()
			return nil, nil, err
		}

		prevHash = hash
		state.HeadSeq = container.Seq
		state.HeadHash = hash
		state.Records = append(state.Records, container)
	}

	return state, materialized, nil
}

// AppendRecord seals a record plaintext under the vault key and extends the
// chain. seq must be exactly head+1 and the record id must be new.
func (s *State) AppendRecord(
	header *formats.KeyVaultHeaderV1,
	vaultKey []byte,
	record *formats.KeyVaultRecordPlainV1,
	seq uint64,
) (*formats.KeyVaultRecordContainerV1, error) {
	if seq != s.HeadSeq+1 {
		return nil, fmt.Errorf("%w: keyvault seq mismatch", formats.ErrFormat)
	}
	for i := range s.Records {
		if s.Records[i].RecordID == record.RecordID {
			return nil, fmt.Errorf("%w: duplicate keyvault record_id", formats.ErrFormat)
		}
	}
	plaintext, err := formats.EncodeKeyVaultRecordPlainV1(record)
	if err != nil {
		return nil, err
	}
	recordAAD, err := aad.KeyVaultRecordV1(header.VaultID, header.UserID, header.Aead, record.RecordID)
	if err != nil {
		return nil, err
	}
	nonce, ct, err := crypto.SealWithRandomNonce(vaultKey, recordAAD, plaintext)
	if err != nil {
		return nil, err
	}
	memguard.WipeBytes(plaintext)
	container := &formats.KeyVaultRecordContainerV1{
		V:        1,
		Seq:      seq,
		PrevHash: append([]byte{}, s.HeadHash...),
		RecordID: record.RecordID,
		Nonce:    nonce,
		Ct:       ct,
	}
	containerBytes, err := formats.EncodeKeyVaultRecordContainerV1(container)
	if err != nil {
		return nil, err
	}
	hash := crypto.SHA256Bytes(containerBytes)
	s.HeadSeq = seq
	s.HeadHash = hash
	s.Records = append(s.Records, *container)
	return container, nil
}

// applyRecordPlain dispatches a decrypted record into the materialized maps
// by kind. Unknown kinds are skipped so newer vaults replay on older code.
func applyRecordPlain(record *formats.KeyVaultRecordPlainV1, m *Materialized) error {
	switch record.Kind {
	case formats.RecordKindUserKemKeypair:
		payload, err := cbor.AsMap(record.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", formats.ErrFormat, err)
		}
		ukPriv, err := cbor.ReqBytes(payload, 0)
		if err != nil {
			return fmt.Errorf("%w: %v", formats.ErrFormat, err)
		}
		ukPub, err := cbor.ReqBytes(payload, 1)
		if err != nil {
			return fmt.Errorf("%w: %v", formats.ErrFormat, err)
		}
		user, err := keys.DecodeUserKeypair(ukPriv, ukPub)
		if err != nil {
			return fmt.Errorf("%w: %v", formats.ErrFormat, err)
		}
		m.UserKey = user
	case formats.RecordKindDeviceSigningKeypair:
		payload, err := cbor.AsMap(record.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", formats.ErrFormat, err)
		}
		deviceID, err := cbor.ReqText(payload, 0)
		if err != nil {
			return fmt.Errorf("%w: %v", formats.ErrFormat, err)
		}
		edPriv, err := cbor.ReqBytes(payload, 1)
		if err != nil {
			return fmt.Errorf("%w: %v", formats.ErrFormat, err)
		}
		edPub, err := cbor.ReqBytes(payload, 2)
		if err != nil {
			return fmt.Errorf("%w: %v", formats.ErrFormat, err)
		}
		suite, err := cbor.ReqText(payload, 3)
		if err != nil {
			return fmt.Errorf("%w: %v", formats.ErrFormat, err)
		}
		if _, err := types.ParseSigSuiteID(suite); err != nil {
			return fmt.Errorf("%w: unsupported signing suite", formats.ErrFormat)
		}
		mlPriv, err := cbor.ReqBytes(payload, 4)
		if err != nil {
			return fmt.Errorf("%w: %v", formats.ErrFormat, err)
		}
		mlPub, err := cbor.ReqBytes(payload, 5)
		if err != nil {
			return fmt.Errorf("%w: %v", formats.ErrFormat, err)
		}
		m.DeviceSigningKeys[types.DeviceID(deviceID)] = &keys.SigningKeypair{
			Ed25519Priv: edPriv,
			Ed25519Pub:  edPub,
			MLDSAPriv:   mlPriv,
			MLDSAPub:    mlPub,
		}
	case formats.RecordKindScopeKey:
		payload, err := cbor.AsMap(record.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", formats.ErrFormat, err)
		}
		scopeID, err := cbor.ReqText(payload, 0)
		if err != nil {
			return fmt.Errorf("%w: %v", formats.ErrFormat, err)
		}
		epoch, err := cbor.ReqUint(payload, 1)
		if err != nil {
			return fmt.Errorf("%w: %v", formats.ErrFormat, err)
		}
		key, err := cbor.ReqBytes(payload, 2)
		if err != nil {
			return fmt.Errorf("%w: %v", formats.ErrFormat, err)
		}
		m.ScopeKeys[ScopeKeyRef{types.ScopeID(scopeID), types.ScopeEpoch(epoch)}] = key
	case formats.RecordKindResourceKey:
		payload, err := cbor.AsMap(record.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", formats.ErrFormat, err)
		}
		resourceID, err := cbor.ReqText(payload, 0)
		if err != nil {
			return fmt.Errorf("%w: %v", formats.ErrFormat, err)
		}
		resourceKeyID, err := cbor.ReqText(payload, 1)
		if err != nil {
			return fmt.Errorf("%w: %v", formats.ErrFormat, err)
		}
		key, err := cbor.ReqBytes(payload, 2)
		if err != nil {
			return fmt.Errorf("%w: %v", formats.ErrFormat, err)
		}
		m.ResourceKeys[ResourceKeyRef{types.ResourceID(resourceID), types.ResourceKeyID(resourceKeyID)}] = key
	default:
		// Forward compatibility: a vault written by newer code may carry
		// record kinds this build does not know.
	}
	return nil
}

// NewUserKeyRecord builds the kind-1 record plaintext.
func NewUserKeyRecord(recordID string, ukPriv, ukPub []byte) *formats.KeyVaultRecordPlainV1 {
	return &formats.KeyVaultRecordPlainV1{
		RecordID: recordID,
		Kind:     formats.RecordKindUserKemKeypair,
		Payload: cbor.NewMap(
			cbor.Pair(0, ukPriv),
			cbor.Pair(1, ukPub),
		),
	}
}

// NewDeviceSigningKeyRecord builds the kind-2 record plaintext.
func NewDeviceSigningKeyRecord(
	recordID string,
	deviceID types.DeviceID,
	kp *keys.SigningKeypair,
	sigSuite types.SigSuiteID,
) *formats.KeyVaultRecordPlainV1 {
	return &formats.KeyVaultRecordPlainV1{
		RecordID: recordID,
		Kind:     formats.RecordKindDeviceSigningKeypair,
		Payload: cbor.NewMap(
			cbor.Pair(0, string(deviceID)),
			cbor.Pair(1, kp.Ed25519Priv),
			cbor.Pair(2, kp.Ed25519Pub),
			cbor.Pair(3, string(sigSuite)),
			cbor.Pair(4, kp.MLDSAPriv),
			cbor.Pair(5, kp.MLDSAPub),
		),
	}
}

// NewScopeKeyRecord builds the kind-3 record plaintext.
func NewScopeKeyRecord(recordID string, scopeID types.ScopeID, scopeEpoch types.ScopeEpoch, scopeKey []byte) *formats.KeyVaultRecordPlainV1 {
	return &formats.KeyVaultRecordPlainV1{
		RecordID: recordID,
		Kind:     formats.RecordKindScopeKey,
		Payload: cbor.NewMap(
			cbor.Pair(0, string(scopeID)),
			cbor.Pair(1, uint64(scopeEpoch)),
			cbor.Pair(2, scopeKey),
		),
	}
}

// NewResourceKeyRecord builds the kind-4 record plaintext.
func NewResourceKeyRecord(recordID string, resourceID types.ResourceID, resourceKeyID types.ResourceKeyID, resourceKey []byte) *formats.KeyVaultRecordPlainV1 {
	return &formats.KeyVaultRecordPlainV1{
		RecordID: recordID,
		Kind:     formats.RecordKindResourceKey,
		Payload: cbor.NewMap(
			cbor.Pair(0, string(resourceID)),
			cbor.Pair(1, string(resourceKeyID)),
			cbor.Pair(2, resourceKey),
		),
	}
}
