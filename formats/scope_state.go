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
	"encoding/hex"
	"fmt"

	"github.com/chronologion/mo-local/cbor"
	"github.com/chronologion/mo-local/crypto"
	"github.com/chronologion/mo-local/types"
)

// ScopeStateV1 is a signed, hash-chained announcement of scope membership
// and signers. Its ref is the SHA-256 of the canonical signed encoding.
type ScopeStateV1 struct {
	V              uint64
	ScopeID        types.ScopeID
	ScopeStateSeq  uint64
	PrevHash       []byte
	ScopeEpoch     uint64
	Kind           uint64
	Payload        any
	SignerDeviceID types.DeviceID
	SigSuite       types.SigSuiteID
	Signature      []byte
}

// ScopeStateV1FromValue parses an already-decoded canonical value.
func ScopeStateV1FromValue(v any) (*ScopeStateV1, error) {
	m, err := cbor.AsMap(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	version, err := reqUint(m, 0)
	if err != nil {
		return nil, err
	}
	scopeID, err := reqText(m, 1)
	if err != nil {
		return nil, err
	}
	seq, err := reqUint(m, 2)
	if err != nil {
		return nil, err
	}
	prevHash, err := reqBytes(m, 3)
	if err != nil {
		return nil, err
	}
	if err := requireLen(prevHash, 32, "scope_state.prev_hash"); err != nil {
		return nil, err
	}
	epoch, err := reqUint(m, 4)
	if err != nil {
		return nil, err
	}
	kind, err := reqUint(m, 5)
	if err != nil {
		return nil, err
	}
	payload, err := reqValue(m, 6)
	if err != nil {
		return nil, err
	}
	deviceID, err := reqText(m, 7)
	if err != nil {
		return nil, err
	}
	sigSuite, err := parseSig(m, 8)
	if err != nil {
		return nil, err
	}
	signature, err := reqBytes(m, 9)
	if err != nil {
		return nil, err
	}
	return &ScopeStateV1{
		V:              version,
		ScopeID:        types.ScopeID(scopeID),
		ScopeStateSeq:  seq,
		PrevHash:       prevHash,
		ScopeEpoch:     epoch,
		Kind:           kind,
		Payload:        payload,
		SignerDeviceID: types.DeviceID(deviceID),
		SigSuite:       sigSuite,
		Signature:      signature,
	}, nil
}

func (s *ScopeStateV1) entries(withSignature bool) []cbor.Entry {
	entries := []cbor.Entry{
		cbor.Pair(0, s.V),
		cbor.Pair(1, string(s.ScopeID)),
		cbor.Pair(2, s.ScopeStateSeq),
		cbor.Pair(3, s.PrevHash),
		cbor.Pair(4, s.ScopeEpoch),
		cbor.Pair(5, s.Kind),
		cbor.Pair(6, s.Payload),
		cbor.Pair(7, string(s.SignerDeviceID)),
		cbor.Pair(8, string(s.SigSuite)),
	}
	if withSignature {
		entries = append(entries, cbor.Pair(9, s.Signature))
	}
	return entries
}

// ToBeSignedBytes is the canonical encoding without the signature field.
func (s *ScopeStateV1) ToBeSignedBytes() ([]byte, error) {
	return cbor.EncodeCanonical(cbor.NewMap(s.entries(false)...))
}

// RefBytes is the SHA-256 of the canonical signed encoding.
func (s *ScopeStateV1) RefBytes() ([]byte, error) {
	signed, err := cbor.EncodeCanonical(cbor.NewMap(s.entries(true)...))
	if err != nil {
		return nil, err
	}
	return crypto.SHA256Bytes(signed), nil
}

// Ref is RefBytes as lowercase hex.
func (s *ScopeStateV1) Ref() (string, error) {
	b, err := s.RefBytes()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// EncodeScopeStateV1 serializes the signed form.
func EncodeScopeStateV1(s *ScopeStateV1) ([]byte, error) {
	return cbor.EncodeCanonical(cbor.NewMap(s.entries(true)...))
}

// DecodeScopeStateV1 parses canonical bytes under the default limits.
func DecodeScopeStateV1(b []byte) (*ScopeStateV1, error) {
	v, err := cbor.DecodeCanonical(b, cbor.DefaultLimits())
	if err != nil {
		return nil, err
	}
	return ScopeStateV1FromValue(v)
}
