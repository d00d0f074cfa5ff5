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
	"github.com/chronologion/mo-local/types"
)

// KeyEnvelopeV1 is a signed, KEM-wrapped delivery of a scope key to one
// recipient user. The optional recipient fingerprint lives at key 14 in both
// the to-be-signed and signed forms.
type KeyEnvelopeV1 struct {
	V                         uint64
	EnvelopeID                string
	ScopeID                   types.ScopeID
	ScopeEpoch                types.ScopeEpoch
	RecipientUserID           types.UserID
	ScopeStateRef             []byte
	Kem                       types.KemSuiteID
	Aead                      types.AeadID
	Enc                       []byte
	Nonce                     []byte
	WrappedScopeKey           []byte
	SignerDeviceID            types.DeviceID
	SigSuite                  types.SigSuiteID
	Signature                 []byte
	RecipientUkPubFingerprint []byte
}

// KeyEnvelopeV1FromValue parses an already-decoded canonical value.
func KeyEnvelopeV1FromValue(v any) (*KeyEnvelopeV1, error) {
	m, err := cbor.AsMap(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	version, err := reqUint(m, 0)
	if err != nil {
		return nil, err
	}
	envelopeID, err := reqText(m, 1)
	if err != nil {
		return nil, err
	}
	scopeID, err := reqText(m, 2)
	if err != nil {
		return nil, err
	}
	epoch, err := reqUint(m, 3)
	if err != nil {
		return nil, err
	}
	recipient, err := reqText(m, 4)
	if err != nil {
		return nil, err
	}
	scopeStateRef, err := reqBytes(m, 5)
	if err != nil {
		return nil, err
	}
	if err := requireLen(scopeStateRef, 32, "key_envelope.scope_state_ref"); err != nil {
		return nil, err
	}
	kem, err := parseKem(m, 6)
	if err != nil {
		return nil, err
	}
	aead, err := parseAead(m, 7)
	if err != nil {
		return nil, err
	}
	enc, err := reqBytes(m, 8)
	if err != nil {
		return nil, err
	}
	nonce, err := reqBytes(m, 9)
	if err != nil {
		return nil, err
	}
	if err := requireLen(nonce, 12, "key_envelope.nonce"); err != nil {
		return nil, err
	}
	wrappedScopeKey, err := reqBytes(m, 10)
	if err != nil {
		return nil, err
	}
	deviceID, err := reqText(m, 11)
	if err != nil {
		return nil, err
	}
	sigSuite, err := parseSig(m, 12)
	if err != nil {
		return nil, err
	}
	signature, err := reqBytes(m, 13)
	if err != nil {
		return nil, err
	}
	fingerprint, _, err := cbor.OptBytes(m, 14)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return &KeyEnvelopeV1{
		V:                         version,
		EnvelopeID:                envelopeID,
		ScopeID:                   types.ScopeID(scopeID),
		ScopeEpoch:                types.ScopeEpoch(epoch),
		RecipientUserID:           types.UserID(recipient),
		ScopeStateRef:             scopeStateRef,
		Kem:                       kem,
		Aead:                      aead,
		Enc:                       enc,
		Nonce:                     nonce,
		WrappedScopeKey:           wrappedScopeKey,
		SignerDeviceID:            types.DeviceID(deviceID),
		SigSuite:                  sigSuite,
		Signature:                 signature,
		RecipientUkPubFingerprint: fingerprint,
	}, nil
}

func (e *KeyEnvelopeV1) entries(withSignature bool) []cbor.Entry {
	entries := []cbor.Entry{
		cbor.Pair(0, e.V),
		cbor.Pair(1, e.EnvelopeID),
		cbor.Pair(2, string(e.ScopeID)),
		cbor.Pair(3, uint64(e.ScopeEpoch)),
		cbor.Pair(4, string(e.RecipientUserID)),
		cbor.Pair(5, e.ScopeStateRef),
		cbor.Pair(6, string(e.Kem)),
		cbor.Pair(7, string(e.Aead)),
		cbor.Pair(8, e.Enc),
		cbor.Pair(9, e.Nonce),
		cbor.Pair(10, e.WrappedScopeKey),
		cbor.Pair(11, string(e.SignerDeviceID)),
		cbor.Pair(12, string(e.SigSuite)),
	}
	if withSignature {
		entries = append(entries, cbor.Pair(13, e.Signature))
	}
	if e.RecipientUkPubFingerprint != nil {
		entries = append(entries, cbor.Pair(14, e.RecipientUkPubFingerprint))
	}
	return entries
}

// ToBeSignedBytes is the canonical encoding without the signature field; the
// fingerprint stays at key 14 when present.
func (e *KeyEnvelopeV1) ToBeSignedBytes() ([]byte, error) {
	return cbor.EncodeCanonical(cbor.NewMap(e.entries(false)...))
}

// EncodeKeyEnvelopeV1 serializes the signed form.
func EncodeKeyEnvelopeV1(e *KeyEnvelopeV1) ([]byte, error) {
	return cbor.EncodeCanonical(cbor.NewMap(e.entries(true)...))
}

// DecodeKeyEnvelopeV1 parses canonical bytes under the default limits.
func DecodeKeyEnvelopeV1(b []byte) (*KeyEnvelopeV1, error) {
	v, err := cbor.DecodeCanonical(b, cbor.DefaultLimits())
	if err != nil {
		return nil, err
	}
	return KeyEnvelopeV1FromValue(v)
}
