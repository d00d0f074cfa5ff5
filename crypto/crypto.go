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

// Package crypto provides the symmetric primitives of the key service: the
// password KDF, HKDF-SHA-256, the aead-1 AEAD, and OS entropy.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// ErrCrypto wraps every cryptographic failure. Callers get no detail about
// which check failed.
var ErrCrypto = errors.New("crypto error")

// ErrEntropy wraps failures of the OS entropy source.
var ErrEntropy = errors.New("entropy error")

const (
	// KeySize is the aead-1 key length.
	KeySize = 32
	// NonceSize is the aead-1 nonce length.
	NonceSize = 12
)

// KdfID is the sole recognized password KDF identifier.
const KdfID = "kdf-1"

// KdfParams describe the kdf-1 (Argon2id) derivation stored with the vault
// header. The output length is fixed at 32 bytes.
type KdfParams struct {
	ID          string
	Salt        []byte
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint32
}

// NewRandomKdfParams returns fresh parameters with a random 16-byte salt and
// the default Argon2id cost.
func NewRandomKdfParams() (KdfParams, error) {
	salt, err := RandomBytes(16)
	if err != nil {
		return KdfParams{}, err
	}
	return KdfParams{
		ID:          KdfID,
		Salt:        salt,
		MemoryKiB:   65536,
		Iterations:  3,
		Parallelism: 1,
	}, nil
}

// DeriveKEK stretches a passphrase into a 32-byte key-encrypting key.
func DeriveKEK(passphrase []byte, params KdfParams) ([]byte, error) {
	if params.ID != KdfID {
		return nil, fmt.Errorf("%w: unsupported kdf", ErrCrypto)
	}
	if params.Parallelism == 0 || params.Parallelism > 255 {
		return nil, fmt.Errorf("%w: invalid kdf parallelism", ErrCrypto)
	}
	key := argon2.IDKey(passphrase, params.Salt, params.Iterations, params.MemoryKiB, uint8(params.Parallelism), KeySize)
	return key, nil
}

// HKDFSHA256 expands ikm under info into n output bytes (zero salt).
func HKDFSHA256(ikm, info []byte, n int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, nil, info)
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("%w: hkdf expand failed", ErrCrypto)
	}
	return out, nil
}

// SHA256Bytes hashes input with SHA-256.
func SHA256Bytes(input []byte) []byte {
	sum := sha256.Sum256(input)
	return sum[:]
}

// AEADSeal encrypts plaintext under aead-1. Key and nonce lengths are strict.
func AEADSeal(key, aad, plaintext, nonce []byte) ([]byte, error) {
	aead, err := newAEAD(key, nonce)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// AEADOpen decrypts and authenticates aead-1 ciphertext.
func AEADOpen(key, aad, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(key, nonce)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt failed", ErrCrypto)
	}
	return pt, nil
}

func newAEAD(key, nonce []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: invalid key length", ErrCrypto)
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: invalid nonce length", ErrCrypto)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return aead, nil
}

// SealWithRandomNonce seals plaintext under a fresh 12-byte nonce and returns
// the nonce and ciphertext separately.
func SealWithRandomNonce(key, aad, plaintext []byte) (nonce, ct []byte, err error) {
	nonce, err = RandomBytes(NonceSize)
	if err != nil {
		return nil, nil, err
	}
	ct, err = AEADSeal(key, aad, plaintext, nonce)
	if err != nil {
		return nil, nil, err
	}
	return nonce, ct, nil
}

// RandomBytes reads n bytes of OS entropy.
func RandomBytes(n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	return out, nil
}
