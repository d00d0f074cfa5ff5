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

// ResourceGrantV1 is a signed delivery of a resource key wrapped under a
// scope key. Policy is an optional free-form canonical value.
type ResourceGrantV1 struct {
	V              uint64
	GrantID        string
	ScopeID        types.ScopeID
	GrantSeq       uint64
	PrevHash       []byte
	ScopeStateRef  []byte
	ScopeEpoch     uint64
	ResourceID     types.ResourceID
	ResourceKeyID  types.ResourceKeyID
	Policy         any
	Aead           types.AeadID
	Nonce          []byte
	WrappedKey     []byte
	SignerDeviceID types.DeviceID
	SigSuite       types.SigSuiteID
	Signature      []byte
}

// ResourceGrantV1FromValue parses an already-decoded canonical value.
func ResourceGrantV1FromValue(v any) (*ResourceGrantV1, error) {
	m, err := cbor.AsMap(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	version, err := reqUint(m, 0)
	if err != nil {
		return nil, err
	}
	grantID, err := reqText(m, 1)
	if err != nil {
		return nil, err
	}
	scopeID, err := reqText(m, 2)
	if err != nil {
		return nil, err
	}
	grantSeq, err := reqUint(m, 3)
	if err != nil {
		return nil, err
	}
	prevHash, err := reqBytes(m, 4)
	if err != nil {
		return nil, err
	}
	if err := requireLen(prevHash, 32, "resource_grant.prev_hash"); err != nil {
		return nil, err
	}
	scopeStateRef, err := reqBytes(m, 5)
	if err != nil {
		return nil, err
	}
	if err := requireLen(scopeStateRef, 32, "resource_grant.scope_state_ref"); err != nil {
		return nil, err
	}
	epoch, err := reqUint(m, 6)
	if err != nil {
		return nil, err
	}
	resourceID, err := reqText(m, 7)
	if err != nil {
		return nil, err
	}
	resourceKeyID, err := reqText(m, 8)
	if err != nil {
		return nil, err
	}
	policy, _ := cbor.MapGet(m, 9)
	aead, err := parseAead(m, 10)
	if err != nil {
		return nil, err
	}
	nonce, err := reqBytes(m, 11)
	if err != nil {
		return nil, err
	}
	if err := requireLen(nonce, 12, "resource_grant.nonce"); err != nil {
		return nil, err
	}
	wrappedKey, err := reqBytes(m, 12)
	if err != nil {
		return nil, err
	}
	deviceID, err := reqText(m, 13)
	if err != nil {
		return nil, err
	}
	sigSuite, err := parseSig(m, 14)
	if err != nil {
		return nil, err
	}
	signature, err := reqBytes(m, 15)
	if err != nil {
		return nil, err
	}
	return &ResourceGrantV1{
		V:              version,
		GrantID:        grantID,
		ScopeID:        types.ScopeID(scopeID),
		GrantSeq:       grantSeq,
		PrevHash:       prevHash,
		ScopeStateRef:  scopeStateRef,
		ScopeEpoch:     epoch,
		ResourceID:     types.ResourceID(resourceID),
		ResourceKeyID:  types.ResourceKeyID(resourceKeyID),
		Policy:         policy,
		Aead:           aead,
		Nonce:          nonce,
		WrappedKey:     wrappedKey,
		SignerDeviceID: types.DeviceID(deviceID),
		SigSuite:       sigSuite,
		Signature:      signature,
	}, nil
}

func (g *ResourceGrantV1) entries(withSignature bool) []cbor.Entry {
	entries := []cbor.Entry{
		cbor.Pair(0, g.V),
		cbor.Pair(1, g.GrantID),
		cbor.Pair(2, string(g.ScopeID)),
		cbor.Pair(3, g.GrantSeq),
		cbor.Pair(4, g.PrevHash),
		cbor.Pair(5, g.ScopeStateRef),
		cbor.Pair(6, g.ScopeEpoch),
		cbor.Pair(7, string(g.ResourceID)),
		cbor.Pair(8, string(g.ResourceKeyID)),
	}
	if g.Policy != nil {
		entries = append(entries, cbor.Pair(9, g.Policy))
	}
	entries = append(entries,
		cbor.Pair(10, string(g.Aead)),
		cbor.Pair(11, g.Nonce),
		cbor.Pair(12, g.WrappedKey),
		cbor.Pair(13, string(g.SignerDeviceID)),
		cbor.Pair(14, string(g.SigSuite)),
	)
	if withSignature {
		entries = append(entries, cbor.Pair(15, g.Signature))
	}
	return entries
}

// ToBeSignedBytes is the canonical encoding without the signature field.
func (g *ResourceGrantV1) ToBeSignedBytes() ([]byte, error) {
	return cbor.EncodeCanonical(cbor.NewMap(g.entries(false)...))
}

// RefBytes is the SHA-256 of the canonical signed encoding.
func (g *ResourceGrantV1) RefBytes() ([]byte, error) {
	signed, err := cbor.EncodeCanonical(cbor.NewMap(g.entries(true)...))
	if err != nil {
		return nil, err
	}
	return crypto.SHA256Bytes(signed), nil
}

// EncodeResourceGrantV1 serializes the signed form.
func EncodeResourceGrantV1(g *ResourceGrantV1) ([]byte, error) {
	return cbor.EncodeCanonical(cbor.NewMap(g.entries(true)...))
}

// DecodeResourceGrantV1 parses canonical bytes under the default limits.
func DecodeResourceGrantV1(b []byte) (*ResourceGrantV1, error) {
	v, err := cbor.DecodeCanonical(b, cbor.DefaultLimits())
	if err != nil {
		return nil, err
	}
	return ResourceGrantV1FromValue(v)
}
