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

// Package cbor is the canonical codec underneath every wire format, AAD, and
// signature in the key service. Encoding is deterministic (definite lengths,
// minimal integers, map entries sorted bytewise-lexically by encoded key) and
// decoding accepts a byte string only if re-encoding reproduces it exactly.
// Determinism here is a security property, not a convenience: two peers must
// derive identical signature and AAD bytes from the same logical value.
package cbor

import (
	"bytes"
	"errors"
	"fmt"

	fxcbor "github.com/fxamacker/cbor/v2"
)

// ErrInvalid wraps every structural codec failure.
var ErrInvalid = errors.New("invalid cbor")

// Limits bound decoding. Zero values fall back to the defaults.
type Limits struct {
	MaxBytes int
	MaxDepth int
	MaxItems int
}

// DefaultLimits are the structural bounds applied when the caller has no
// policy of its own: 1 MiB input, 64 nesting levels, 4096 items per container.
func DefaultLimits() Limits {
	return Limits{
		MaxBytes: 1024 * 1024,
		MaxDepth: 64,
		MaxItems: 4096,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxBytes <= 0 {
		l.MaxBytes = d.MaxBytes
	}
	if l.MaxDepth <= 0 {
		l.MaxDepth = d.MaxDepth
	}
	if l.MaxItems <= 0 {
		l.MaxItems = d.MaxItems
	}
	return l
}

var encMode fxcbor.EncMode

func init() {
	opts := fxcbor.CoreDetEncOptions()
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor: enc mode: %v", err))
	}
	encMode = em
}

// EncodeCanonical serializes a value tree (map[any]any with uint64 keys,
// []any, []byte, string, uint64) into canonical bytes.
func EncodeCanonical(v any) ([]byte, error) {
	out, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return out, nil
}

// DecodeCanonical parses bytes under the given limits and rejects any input
// that is not the canonical encoding of its own value.
func DecodeCanonical(b []byte, limits Limits) (any, error) {
	limits = limits.withDefaults()
	if len(b) > limits.MaxBytes {
		return nil, fmt.Errorf("%w: cbor too large", ErrInvalid)
	}
	dm, err := decMode(limits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var v any
	if err := dm.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	reencoded, err := EncodeCanonical(v)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(reencoded, b) {
		return nil, fmt.Errorf("%w: non-canonical cbor", ErrInvalid)
	}
	return v, nil
}

func decMode(l Limits) (fxcbor.DecMode, error) {
	opts := fxcbor.DecOptions{
		DupMapKey:        fxcbor.DupMapKeyEnforcedAPF,
		IndefLength:      fxcbor.IndefLengthForbidden,
		MaxNestedLevels:  l.MaxDepth,
		MaxArrayElements: l.MaxItems,
		MaxMapPairs:      l.MaxItems,
	}
	return opts.DecMode()
}

// Entry is one map entry with an unsigned-integer key.
type Entry struct {
	Key   uint64
	Value any
}

// Pair builds a map entry.
func Pair(key uint64, value any) Entry {
	return Entry{Key: key, Value: value}
}

// NewMap builds a map value with unsigned-integer keys. Entry order is
// irrelevant; encoding sorts canonically.
func NewMap(entries ...Entry) map[any]any {
	m := make(map[any]any, len(entries))
	for _, e := range entries {
		m[e.Key] = e.Value
	}
	return m
}

// NewArray builds an array value.
func NewArray(items ...any) []any {
	out := make([]any, len(items))
	copy(out, items)
	return out
}

// AsMap asserts a decoded value is a map with unsigned-integer keys.
func AsMap(v any) (map[any]any, error) {
	m, ok := v.(map[any]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected cbor map", ErrInvalid)
	}
	return m, nil
}

// AsArray asserts a decoded value is an array.
func AsArray(v any) ([]any, error) {
	a, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected cbor array", ErrInvalid)
	}
	return a, nil
}

// MapGet looks up an unsigned-integer key. Construction and decoding both key
// maps by uint64, so a single type assertion suffices.
func MapGet(m map[any]any, key uint64) (any, bool) {
	v, ok := m[key]
	return v, ok
}

// ReqText returns the text value at key or fails.
func ReqText(m map[any]any, key uint64) (string, error) {
	v, ok := MapGet(m, key)
	if !ok {
		return "", fmt.Errorf("%w: missing key %d", ErrInvalid, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: expected text at key %d", ErrInvalid, key)
	}
	return s, nil
}

// ReqBytes returns the byte-string value at key or fails.
func ReqBytes(m map[any]any, key uint64) ([]byte, error) {
	v, ok := MapGet(m, key)
	if !ok {
		return nil, fmt.Errorf("%w: missing key %d", ErrInvalid, key)
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: expected bytes at key %d", ErrInvalid, key)
	}
	return b, nil
}

// ReqUint returns the unsigned-integer value at key or fails.
func ReqUint(m map[any]any, key uint64) (uint64, error) {
	v, ok := MapGet(m, key)
	if !ok {
		return 0, fmt.Errorf("%w: missing key %d", ErrInvalid, key)
	}
	u, ok := v.(uint64)
	if !ok {
		return 0, fmt.Errorf("%w: expected uint at key %d", ErrInvalid, key)
	}
	return u, nil
}

// OptText returns the text value at key, or ok=false when absent.
func OptText(m map[any]any, key uint64) (string, bool, error) {
	v, ok := MapGet(m, key)
	if !ok {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", false, fmt.Errorf("%w: expected text at key %d", ErrInvalid, key)
	}
	return s, true, nil
}

// OptBytes returns the byte-string value at key, or ok=false when absent.
func OptBytes(m map[any]any, key uint64) ([]byte, bool, error) {
	v, ok := MapGet(m, key)
	if !ok {
		return nil, false, nil
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, false, fmt.Errorf("%w: expected bytes at key %d", ErrInvalid, key)
	}
	return b, true, nil
}

// OptUint returns the unsigned-integer value at key, or ok=false when absent.
func OptUint(m map[any]any, key uint64) (uint64, bool, error) {
	v, ok := MapGet(m, key)
	if !ok {
		return 0, false, nil
	}
	u, ok := v.(uint64)
	if !ok {
		return 0, false, fmt.Errorf("%w: expected uint at key %d", ErrInvalid, key)
	}
	return u, true, nil
}
