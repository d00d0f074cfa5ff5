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

// Package aad builds the associated-data byte strings for every protected
// operation. Each AAD is a canonical map opening with a unique
// domain-separation string and binding exactly the identifiers and suite
// tags that prevent cross-context reuse of a ciphertext. Rebuilding an AAD
// at decrypt time must reproduce the encrypt-time bytes exactly.
package aad

import (
	"github.com/chronologion/mo-local/cbor"
	"github.com/chronologion/mo-local/crypto"
	"github.com/chronologion/mo-local/types"
)

func kdfValue(kdf crypto.KdfParams) map[any]any {
	return cbor.NewMap(
		cbor.Pair(0, kdf.ID),
		cbor.Pair(1, kdf.Salt),
		cbor.Pair(2, cbor.NewMap(
			cbor.Pair(0, uint64(kdf.MemoryKiB)),
			cbor.Pair(1, uint64(kdf.Iterations)),
			cbor.Pair(2, uint64(kdf.Parallelism)),
		)),
	)
}

// KeyVaultKeyWrapV1 binds the vault-key wrap to vault, user, KDF parameters,
// and AEAD suite.
func KeyVaultKeyWrapV1(vaultID, userID string, kdf crypto.KdfParams, aead types.AeadID) ([]byte, error) {
	return cbor.EncodeCanonical(cbor.NewMap(
		cbor.Pair(0, "mo-keyvault-keywrap-aad-v1"),
		cbor.Pair(1, vaultID),
		cbor.Pair(2, userID),
		cbor.Pair(3, kdfValue(kdf)),
		cbor.Pair(4, string(aead)),
	))
}

// KeyVaultRecordV1 binds a ledger record to vault, user, AEAD suite, and
// record id.
func KeyVaultRecordV1(vaultID, userID string, aead types.AeadID, recordID string) ([]byte, error) {
	return cbor.EncodeCanonical(cbor.NewMap(
		cbor.Pair(0, "mo-keyvault-record-aad-v1"),
		cbor.Pair(1, vaultID),
		cbor.Pair(2, userID),
		cbor.Pair(3, string(aead)),
		cbor.Pair(4, recordID),
	))
}

// KeyEnvelopeWrapV1 binds a wrapped scope key to scope, epoch, recipient,
// scope-state ref, and suites; the recipient fingerprint joins when present.
func KeyEnvelopeWrapV1(
	scopeID string,
	scopeEpoch uint64,
	recipientUserID string,
	scopeStateRef []byte,
	kem types.KemSuiteID,
	aead types.AeadID,
	recipientUkPubFingerprint []byte,
) ([]byte, error) {
	entries := []cbor.Entry{
		cbor.Pair(0, "mo-key-envelope-aad-v1"),
		cbor.Pair(1, scopeID),
		cbor.Pair(2, scopeEpoch),
		cbor.Pair(3, recipientUserID),
		cbor.Pair(4, scopeStateRef),
		cbor.Pair(5, string(kem)),
		cbor.Pair(6, string(aead)),
	}
	if recipientUkPubFingerprint != nil {
		entries = append(entries, cbor.Pair(7, recipientUkPubFingerprint))
	}
	return cbor.EncodeCanonical(cbor.NewMap(entries...))
}

// ResourceGrantWrapV1 binds a wrapped resource key to scope, resource,
// epoch, resource-key id, and AEAD suite.
func ResourceGrantWrapV1(scopeID, resourceID string, scopeEpoch uint64, resourceKeyID string, aead types.AeadID) ([]byte, error) {
	return cbor.EncodeCanonical(cbor.NewMap(
		cbor.Pair(0, "mo-resource-grant-aad-v1"),
		cbor.Pair(1, scopeID),
		cbor.Pair(2, resourceID),
		cbor.Pair(3, scopeEpoch),
		cbor.Pair(4, resourceKeyID),
		cbor.Pair(5, string(aead)),
	))
}

// UserPresenceWrapV1 binds the user-presence vault-key wrap to vault, user,
// the stored KDF parameters, and AEAD suite.
func UserPresenceWrapV1(vaultID, userID string, kdf crypto.KdfParams, aead types.AeadID) ([]byte, error) {
	return cbor.EncodeCanonical(cbor.NewMap(
		cbor.Pair(0, "mo-webauthn-prf-wrap-aad-v1"),
		cbor.Pair(1, vaultID),
		cbor.Pair(2, userID),
		cbor.Pair(3, "salt-v1"),
		cbor.Pair(4, string(aead)),
		cbor.Pair(5, kdfValue(kdf)),
	))
}
