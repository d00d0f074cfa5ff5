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
)

// UserPresenceUnlockV1 is the side-channel unlock record stored at
// keyvault/webauthn_prf: the credential id and the vault key sealed under a
// key derived from the authenticator's PRF output. Empty stored bytes mean
// the unlock path is disabled.
type UserPresenceUnlockV1 struct {
	CredentialID []byte
	Nonce        []byte
	Ct           []byte
}

// Encode serializes the record.
func (u *UserPresenceUnlockV1) Encode() ([]byte, error) {
	return cbor.EncodeCanonical(cbor.NewMap(
		cbor.Pair(0, u.CredentialID),
		cbor.Pair(1, u.Nonce),
		cbor.Pair(2, u.Ct),
	))
}

// DecodeUserPresenceUnlockV1 parses canonical record bytes.
func DecodeUserPresenceUnlockV1(b []byte) (*UserPresenceUnlockV1, error) {
	v, err := cbor.DecodeCanonical(b, cbor.DefaultLimits())
	if err != nil {
		return nil, err
	}
	m, err := cbor.AsMap(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	credentialID, err := reqBytes(m, 0)
	if err != nil {
		return nil, err
	}
	nonce, err := reqBytes(m, 1)
	if err != nil {
		return nil, err
	}
	ct, err := reqBytes(m, 2)
	if err != nil {
		return nil, err
	}
	return &UserPresenceUnlockV1{CredentialID: credentialID, Nonce: nonce, Ct: ct}, nil
}
