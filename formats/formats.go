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

// Package formats defines the typed wire and at-rest objects of the key
// service: scope states, resource grants, key envelopes, and the KeyVault
// header, record container, record plaintext, and snapshot. Every object is
// a fixed integer-keyed canonical map; refs are SHA-256 over the canonical
// signed encoding.
package formats

import (
	"errors"
	"fmt"

	"github.com/chronologion/mo-local/cbor"
	"github.com/chronologion/mo-local/crypto"
	"github.com/chronologion/mo-local/types"
)

// ErrFormat wraps structural faults found after a successful canonical
// decode: bad lengths, unknown suite tags, missing fields.
var ErrFormat = errors.New("format error")

func requireLen(b []byte, expected int, name string) error {
	if len(b) != expected {
		return fmt.Errorf("%w: invalid %s length", ErrFormat, name)
	}
	return nil
}

func reqText(m map[any]any, key uint64) (string, error) {
	s, err := cbor.ReqText(m, key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return s, nil
}

func reqBytes(m map[any]any, key uint64) ([]byte, error) {
	b, err := cbor.ReqBytes(m, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return b, nil
}

func reqUint(m map[any]any, key uint64) (uint64, error) {
	u, err := cbor.ReqUint(m, key)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return u, nil
}

func reqValue(m map[any]any, key uint64) (any, error) {
	v, ok := cbor.MapGet(m, key)
	if !ok {
		return nil, fmt.Errorf("%w: missing key %d", ErrFormat, key)
	}
	return v, nil
}

func parseAead(m map[any]any, key uint64) (types.AeadID, error) {
	s, err := reqText(m, key)
	if err != nil {
		return "", err
	}
	id, err := types.ParseAeadID(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return id, nil
}

func parseKem(m map[any]any, key uint64) (types.KemSuiteID, error) {
	s, err := reqText(m, key)
	if err != nil {
		return "", err
	}
	id, err := types.ParseKemSuiteID(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return id, nil
}

func parseSig(m map[any]any, key uint64) (types.SigSuiteID, error) {
	s, err := reqText(m, key)
	if err != nil {
		return "", err
	}
	id, err := types.ParseSigSuiteID(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return id, nil
}

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

func decodeKdf(v any) (crypto.KdfParams, error) {
	m, err := cbor.AsMap(v)
	if err != nil {
		return crypto.KdfParams{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	id, err := reqText(m, 0)
	if err != nil {
		return crypto.KdfParams{}, err
	}
	salt, err := reqBytes(m, 1)
	if err != nil {
		return crypto.KdfParams{}, err
	}
	paramsValue, err := reqValue(m, 2)
	if err != nil {
		return crypto.KdfParams{}, err
	}
	pm, err := cbor.AsMap(paramsValue)
	if err != nil {
		return crypto.KdfParams{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	memory, err := reqUint(pm, 0)
	if err != nil {
		return crypto.KdfParams{}, err
	}
	iterations, err := reqUint(pm, 1)
	if err != nil {
		return crypto.KdfParams{}, err
	}
	parallelism, err := reqUint(pm, 2)
	if err != nil {
		return crypto.KdfParams{}, err
	}
	return crypto.KdfParams{
		ID:          id,
		Salt:        salt,
		MemoryKiB:   uint32(memory),
		Iterations:  uint32(iterations),
		Parallelism: uint32(parallelism),
	}, nil
}
