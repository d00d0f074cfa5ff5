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

package formats

import (
	"fmt"

	"github.com/chronologion/mo-local/cbor"
	"github.com/chronologion/mo-local/crypto"
	"github.com/chronologion/mo-local/types"
)

// VaultKeyWrapV1 is the vault key sealed under an unlock-derived KEK.
type VaultKeyWrapV1 struct {
	Aead  types.AeadID
	Nonce []byte
	Ct    []byte
}

// KeyVaultHeaderV1 is the root object of a vault: identity, KDF parameters,
// the mirrored record list, and the wrapped vault key.
type KeyVaultHeaderV1 struct {
	V            uint64
	VaultID      string
	UserID       string
	Kdf          crypto.KdfParams
	Aead         types.AeadID
	Records      []KeyVaultRecordContainerV1
	VaultKeyWrap VaultKeyWrapV1
}

// KeyVaultRecordContainerV1 is one encrypted, hash-chained ledger entry.
type KeyVaultRecordContainerV1 struct {
	V        uint64
	Seq      uint64
	PrevHash []byte
	RecordID string
	Nonce    []byte
	Ct       []byte
}

// KeyVaultRecordPlainV1 is the decrypted record payload.
type KeyVaultRecordPlainV1 struct {
	RecordID string
	Kind     uint64
	Payload  any
}

// Record plaintext kinds. Unknown kinds are skipped on replay.
const (
	RecordKindUserKemKeypair       = 1
	RecordKindDeviceSigningKeypair = 2
	RecordKindScopeKey             = 3
	RecordKindResourceKey          = 4
)

// KeyVaultSnapshotV1 is the export format: header plus every container.
type KeyVaultSnapshotV1 struct {
	Header  KeyVaultHeaderV1
	Records []KeyVaultRecordContainerV1
}

func headerValue(h *KeyVaultHeaderV1) map[any]any {
	records := make([]any, len(h.Records))
	for i := range h.Records {
		records[i] = recordContainerValue(&h.Records[i])
	}
	return cbor.NewMap(
		cbor.Pair(0, h.V),
		cbor.Pair(1, h.VaultID),
		cbor.Pair(2, h.UserID),
		cbor.Pair(3, kdfValue(h.Kdf)),
		cbor.Pair(4, string(h.Aead)),
		cbor.Pair(5, records),
		cbor.Pair(6, cbor.NewMap(
			cbor.Pair(0, string(h.VaultKeyWrap.Aead)),
			cbor.Pair(1, h.VaultKeyWrap.Nonce),
			cbor.Pair(2, h.VaultKeyWrap.Ct),
		)),
	)
}

// EncodeKeyVaultHeaderV1 serializes the header.
func EncodeKeyVaultHeaderV1(h *KeyVaultHeaderV1) ([]byte, error) {
	return cbor.EncodeCanonical(headerValue(h))
}

// DecodeKeyVaultHeaderV1 parses canonical header bytes.
func DecodeKeyVaultHeaderV1(b []byte) (*KeyVaultHeaderV1, error) {
	v, err := cbor.DecodeCanonical(b, cbor.DefaultLimits())
	if err != nil {
		return nil, err
	}
	return KeyVaultHeaderV1FromValue(v)
}

// KeyVaultHeaderV1FromValue parses an already-decoded canonical value.
func KeyVaultHeaderV1FromValue(v any) (*KeyVaultHeaderV1, error) {
	m, err := cbor.AsMap(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	version, err := reqUint(m, 0)
	if err != nil {
		return nil, err
	}
	vaultID, err := reqText(m, 1)
	if err != nil {
		return nil, err
	}
	userID, err := reqText(m, 2)
	if err != nil {
		return nil, err
	}
	kdfV, err := reqValue(m, 3)
	if err != nil {
		return nil, err
	}
	kdf, err := decodeKdf(kdfV)
	if err != nil {
		return nil, err
	}
	aead, err := parseAead(m, 4)
	if err != nil {
		return nil, err
	}
	recordsV, err := reqValue(m, 5)
	if err != nil {
		return nil, err
	}
	records, err := decodeRecordContainers(recordsV)
	if err != nil {
		return nil, err
	}
	wrapV, err := reqValue(m, 6)
	if err != nil {
		return nil, err
	}
	wrap, err := decodeVaultKeyWrap(wrapV)
	if err != nil {
		return nil, err
	}
	return &KeyVaultHeaderV1{
		V:            version,
		VaultID:      vaultID,
		UserID:       userID,
		Kdf:          kdf,
		Aead:         aead,
		Records:      records,
		VaultKeyWrap: wrap,
	}, nil
}

func decodeVaultKeyWrap(v any) (VaultKeyWrapV1, error) {
	m, err := cbor.AsMap(v)
	if err != nil {
		return VaultKeyWrapV1{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	aead, err := parseAead(m, 0)
	if err != nil {
		return VaultKeyWrapV1{}, err
	}
	nonce, err := reqBytes(m, 1)
	if err != nil {
		return VaultKeyWrapV1{}, err
	}
	if err := requireLen(nonce, 12, "vault_key_wrap.nonce"); err != nil {
		return VaultKeyWrapV1{}, err
	}
	ct, err := reqBytes(m, 2)
	if err != nil {
		return VaultKeyWrapV1{}, err
	}
	return VaultKeyWrapV1{Aead: aead, Nonce: nonce, Ct: ct}, nil
}

func recordContainerValue(r *KeyVaultRecordContainerV1) map[any]any {
	return cbor.NewMap(
		cbor.Pair(0, r.V),
		cbor.Pair(1, r.Seq),
		cbor.Pair(2, r.PrevHash),
		cbor.Pair(3, r.RecordID),
		cbor.Pair(4, r.Nonce),
		cbor.Pair(5, r.Ct),
	)
}

// EncodeKeyVaultRecordContainerV1 serializes one container; the chain hash
// is computed over these bytes.
func EncodeKeyVaultRecordContainerV1(r *KeyVaultRecordContainerV1) ([]byte, error) {
	return cbor.EncodeCanonical(recordContainerValue(r))
}

// DecodeKeyVaultRecordContainerV1 parses canonical container bytes.
func DecodeKeyVaultRecordContainerV1(b []byte) (*KeyVaultRecordContainerV1, error) {
	v, err := cbor.DecodeCanonical(b, cbor.DefaultLimits())
	if err != nil {
		return nil, err
	}
	return recordContainerFromValue(v)
}

func recordContainerFromValue(v any) (*KeyVaultRecordContainerV1, error) {
	m, err := cbor.AsMap(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	version, err := reqUint(m, 0)
	if err != nil {
		return nil, err
	}
	seq, err := reqUint(m, 1)
	if err != nil {
		return nil, err
	}
	prevHash, err := reqBytes(m, 2)
	if err != nil {
		return nil, err
	}
	if err := requireLen(prevHash, 32, "keyvault.prev_hash"); err != nil {
		return nil, err
	}
	recordID, err := reqText(m, 3)
	if err != nil {
		return nil, err
	}
	nonce, err := reqBytes(m, 4)
	if err != nil {
		return nil, err
	}
	if err := requireLen(nonce, 12, "keyvault.nonce"); err != nil {
		return nil, err
	}
	ct, err := reqBytes(m, 5)
	if err != nil {
		return nil, err
	}
	return &KeyVaultRecordContainerV1{
		V:        version,
		Seq:      seq,
		PrevHash: prevHash,
		RecordID: recordID,
		Nonce:    nonce,
		Ct:       ct,
	}, nil
}

func decodeRecordContainers(v any) ([]KeyVaultRecordContainerV1, error) {
	arr, err := cbor.AsArray(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	records := make([]KeyVaultRecordContainerV1, 0, len(arr))
	for _, item := range arr {
		r, err := recordContainerFromValue(item)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, nil
}

// EncodeKeyVaultRecordPlainV1 serializes a record plaintext before sealing.
func EncodeKeyVaultRecordPlainV1(r *KeyVaultRecordPlainV1) ([]byte, error) {
	return cbor.EncodeCanonical(cbor.NewMap(
		cbor.Pair(0, r.RecordID),
		cbor.Pair(1, r.Kind),
		cbor.Pair(2, r.Payload),
	))
}

// DecodeKeyVaultRecordPlainV1 parses a decrypted record payload.
func DecodeKeyVaultRecordPlainV1(b []byte) (*KeyVaultRecordPlainV1, error) {
	v, err := cbor.DecodeCanonical(b, cbor.DefaultLimits())
	if err != nil {
		return nil, err
	}
	m, err := cbor.AsMap(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	recordID, err := reqText(m, 0)
	if err != nil {
		return nil, err
	}
	kind, err := reqUint(m, 1)
	if err != nil {
		return nil, err
	}
	payload, err := reqValue(m, 2)
	if err != nil {
		return nil, err
	}
	return &KeyVaultRecordPlainV1{RecordID: recordID, Kind: kind, Payload: payload}, nil
}

// EncodeKeyVaultSnapshotV1 serializes the export snapshot.
func EncodeKeyVaultSnapshotV1(s *KeyVaultSnapshotV1) ([]byte, error) {
	records := make([]any, len(s.Records))
	for i := range s.Records {
		records[i] = recordContainerValue(&s.Records[i])
	}
	return cbor.EncodeCanonical(cbor.NewMap(
		cbor.Pair(0, headerValue(&s.Header)),
		cbor.Pair(1, records),
	))
}

// KeyVaultSnapshotV1FromValue parses an already-decoded canonical value.
func KeyVaultSnapshotV1FromValue(v any) (*KeyVaultSnapshotV1, error) {
	m, err := cbor.AsMap(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	headerV, err := reqValue(m, 0)
	if err != nil {
		return nil, err
	}
	header, err := KeyVaultHeaderV1FromValue(headerV)
	if err != nil {
		return nil, err
	}
	recordsV, err := reqValue(m, 1)
	if err != nil {
		return nil, err
	}
	records, err := decodeRecordContainers(recordsV)
	if err != nil {
		return nil, err
	}
	return &KeyVaultSnapshotV1{Header: *header, Records: records}, nil
}

// DecodeKeyVaultSnapshotV1 parses canonical snapshot bytes.
func DecodeKeyVaultSnapshotV1(b []byte) (*KeyVaultSnapshotV1, error) {
	v, err := cbor.DecodeCanonical(b, cbor.DefaultLimits())
	if err != nil {
		return nil, err
	}
	return KeyVaultSnapshotV1FromValue(v)
}
