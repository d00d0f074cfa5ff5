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

// Package types holds the opaque identifiers, ciphersuite tags, and session
// enums shared by every layer of the key service.
package types

import "fmt"

// Opaque textual identifiers. They carry no structure the core inspects.
type (
	UserID        string
	DeviceID      string
	ScopeID       string
	ResourceID    string
	ResourceKeyID string
	SessionID     string
	KeyHandle     string
)

// ScopeEpoch is a monotonic integer identifying a scope key generation.
type ScopeEpoch uint64

// SessionKind distinguishes normal sessions from short-lived step-up sessions.
type SessionKind int

const (
	SessionNormal SessionKind = iota
	SessionStepUp
)

func (k SessionKind) String() string {
	switch k {
	case SessionNormal:
		return "normal"
	case SessionStepUp:
		return "step-up"
	default:
		return "unknown"
	}
}

// SessionAssurance records which unlock path authenticated the session.
type SessionAssurance int

const (
	AssurancePassphrase SessionAssurance = iota
	AssuranceUserPresence
)

func (a SessionAssurance) String() string {
	switch a {
	case AssurancePassphrase:
		return "passphrase"
	case AssuranceUserPresence:
		return "user-presence"
	default:
		return "unknown"
	}
}

// AeadID tags the AEAD ciphersuite. The set is closed.
type AeadID string

// Aead1 is AES-256-GCM with a 96-bit nonce and 128-bit tag.
const Aead1 AeadID = "aead-1"

// ParseAeadID rejects any tag outside the closed set.
func ParseAeadID(s string) (AeadID, error) {
	if s != string(Aead1) {
		return "", fmt.Errorf("unknown aead id: %s", s)
	}
	return Aead1, nil
}

// KemSuiteID tags the hybrid KEM ciphersuite.
type KemSuiteID string

// HybridKem1 is X25519 concatenated with ML-KEM-768 through HKDF-SHA-256.
const HybridKem1 KemSuiteID = "hybrid-kem-1"

func ParseKemSuiteID(s string) (KemSuiteID, error) {
	if s != string(HybridKem1) {
		return "", fmt.Errorf("unknown kem id: %s", s)
	}
	return HybridKem1, nil
}

// SigSuiteID tags the hybrid signature ciphersuite.
type SigSuiteID string

// HybridSig1 is Ed25519 and ML-DSA-65; both components must verify.
const HybridSig1 SigSuiteID = "hybrid-sig-1"

func ParseSigSuiteID(s string) (SigSuiteID, error) {
	if s != string(HybridSig1) {
		return "", fmt.Errorf("unknown sig id: %s", s)
	}
	return HybridSig1, nil
}
