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

// Package keys implements the two hybrid ciphersuites: hybrid-kem-1
// (X25519 with ML-KEM-768) and hybrid-sig-1 (Ed25519 with ML-DSA-65).
package keys

import (
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"golang.org/x/crypto/curve25519"

	"github.com/chronologion/mo-local/cbor"
	"github.com/chronologion/mo-local/crypto"
	"github.com/chronologion/mo-local/types"
)

// envelopeWrapInfo is the HKDF info string binding the derived wrap key to
// the key-envelope context and suite.
const envelopeWrapInfo = "mo-key-envelope|hybrid-kem-1"

// KemRecipient holds a user's hybrid KEM keypair in decapsulation form.
type KemRecipient struct {
	X25519Secret   []byte
	X25519Public   []byte
	MLKEMDecapsKey []byte
	MLKEMEncapsKey []byte
	// PublicBytes is the canonical encoding of the public form; fingerprints
	// are computed over it.
	PublicBytes []byte
}

// KemRecipientPublic is the encapsulation-only form.
type KemRecipientPublic struct {
	X25519Public   []byte
	MLKEMEncapsKey []byte
}

// KemEncap is the result of encapsulating to a recipient: the wire `enc`
// blob and the derived 32-byte wrap key.
type KemEncap struct {
	Enc     []byte
	WrapKey []byte
}

// GenerateUserKeypair creates a fresh hybrid KEM keypair and returns it
// together with the canonical private encoding for vault storage.
func GenerateUserKeypair() (*KemRecipient, []byte, error) {
	xSecret, err := crypto.RandomBytes(32)
	if err != nil {
		return nil, nil, err
	}
	xPublic, err := curve25519.X25519(xSecret, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: x25519 public", crypto.ErrCrypto)
	}

	scheme := mlkem768.Scheme()
	seed, err := crypto.RandomBytes(scheme.SeedSize())
	if err != nil {
		return nil, nil, err
	}
	ek, dk := scheme.DeriveKeyPair(seed)
	ekBytes, err := ek.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: ml-kem encaps key encode", crypto.ErrCrypto)
	}
	dkBytes, err := dk.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: ml-kem decaps key encode", crypto.ErrCrypto)
	}

	publicBytes, err := EncodeUserPublicBytes(xPublic, ekBytes)
	if err != nil {
		return nil, nil, err
	}
	privateBytes, err := EncodeUserPrivateBytes(xSecret, dkBytes)
	if err != nil {
		return nil, nil, err
	}

	recipient := &KemRecipient{
		X25519Secret:   xSecret,
		X25519Public:   xPublic,
		MLKEMDecapsKey: dkBytes,
		MLKEMEncapsKey: ekBytes,
		PublicBytes:    publicBytes,
	}
	return recipient, privateBytes, nil
}

// Public returns the encapsulation-only form.
func (r *KemRecipient) Public() KemRecipientPublic {
	return KemRecipientPublic{
		X25519Public:   r.X25519Public,
		MLKEMEncapsKey: r.MLKEMEncapsKey,
	}
}

// Wipe zeroizes the secret halves.
func (r *KemRecipient) Wipe() {
	memguard.WipeBytes(r.X25519Secret)
	memguard.WipeBytes(r.MLKEMDecapsKey)
}

// Encapsulate derives a fresh wrap key to the recipient and packs the wire
// `enc` blob.
func Encapsulate(recipient KemRecipientPublic, kem types.KemSuiteID) (*KemEncap, error) {
	if kem != types.HybridKem1 {
		return nil, fmt.Errorf("%w: unsupported kem", crypto.ErrCrypto)
	}
	ephSecret, err := crypto.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(ephSecret)
	ephPublic, err := curve25519.X25519(ephSecret, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: x25519 public", crypto.ErrCrypto)
	}
	xShared, err := curve25519.X25519(ephSecret, recipient.X25519Public)
	if err != nil {
		return nil, fmt.Errorf("%w: x25519 agreement", crypto.ErrCrypto)
	}
	defer memguard.WipeBytes(xShared)

	scheme := mlkem768.Scheme()
	ek, err := scheme.UnmarshalBinaryPublicKey(recipient.MLKEMEncapsKey)
	if err != nil {
		return nil, fmt.Errorf("%w: ml-kem encaps key decode", crypto.ErrCrypto)
	}
	ct, mlShared, err := scheme.Encapsulate(ek)
	if err != nil {
		return nil, fmt.Errorf("%w: ml-kem encapsulate failed", crypto.ErrCrypto)
	}
	defer memguard.WipeBytes(mlShared)

	ikm := append(append([]byte{}, xShared...), mlShared...)
	defer memguard.WipeBytes(ikm)
	wrapKey, err := crypto.HKDFSHA256(ikm, []byte(envelopeWrapInfo), 32)
	if err != nil {
		return nil, err
	}

	enc, err := PackKemEnc(ephPublic, ct)
	if err != nil {
		return nil, err
	}
	return &KemEncap{Enc: enc, WrapKey: wrapKey}, nil
}

// DeriveKemWrapKey mirrors Encapsulate on the recipient side.
func DeriveKemWrapKey(enc []byte, recipient *KemRecipient, kem types.KemSuiteID) ([]byte, error) {
	if kem != types.HybridKem1 {
		return nil, fmt.Errorf("%w: unsupported kem", crypto.ErrCrypto)
	}
	ephPublic, mlCiphertext, err := UnpackKemEnc(enc)
	if err != nil {
		return nil, err
	}
	xShared, err := curve25519.X25519(recipient.X25519Secret, ephPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: x25519 agreement", crypto.ErrCrypto)
	}
	defer memguard.WipeBytes(xShared)

	scheme := mlkem768.Scheme()
	dk, err := scheme.UnmarshalBinaryPrivateKey(recipient.MLKEMDecapsKey)
	if err != nil {
		return nil, fmt.Errorf("%w: ml-kem decaps key decode", crypto.ErrCrypto)
	}
	mlShared, err := scheme.Decapsulate(dk, mlCiphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ml-kem decapsulate failed", crypto.ErrCrypto)
	}
	defer memguard.WipeBytes(mlShared)

	ikm := append(append([]byte{}, xShared...), mlShared...)
	defer memguard.WipeBytes(ikm)
	return crypto.HKDFSHA256(ikm, []byte(envelopeWrapInfo), 32)
}

// PackKemEnc encodes the wire `enc` blob: a canonical 2-array of the X25519
// ephemeral public key and the ML-KEM ciphertext.
func PackKemEnc(x25519Pub, mlkemCt []byte) ([]byte, error) {
	return cbor.EncodeCanonical(cbor.NewArray(x25519Pub, mlkemCt))
}

// UnpackKemEnc decodes the wire `enc` blob.
func UnpackKemEnc(b []byte) (x25519Pub, mlkemCt []byte, err error) {
	v, err := cbor.DecodeCanonical(b, cbor.DefaultLimits())
	if err != nil {
		return nil, nil, err
	}
	arr, err := cbor.AsArray(v)
	if err != nil {
		return nil, nil, err
	}
	if len(arr) != 2 {
		return nil, nil, fmt.Errorf("%w: invalid kem enc array len", cbor.ErrInvalid)
	}
	x, ok := arr[0].([]byte)
	if !ok {
		return nil, nil, fmt.Errorf("%w: invalid kem enc x25519", cbor.ErrInvalid)
	}
	ml, ok := arr[1].([]byte)
	if !ok {
		return nil, nil, fmt.Errorf("%w: invalid kem enc mlkem", cbor.ErrInvalid)
	}
	if len(x) != 32 {
		return nil, nil, fmt.Errorf("%w: invalid x25519 pub size", cbor.ErrInvalid)
	}
	return x, ml, nil
}

// EncodeUserPublicBytes encodes the recipient public form as a canonical
// 2-array; the result feeds recipient fingerprints.
func EncodeUserPublicBytes(x25519Pub, mlkemEncaps []byte) ([]byte, error) {
	return cbor.EncodeCanonical(cbor.NewArray(x25519Pub, mlkemEncaps))
}

// DecodeUserPublicBytes parses the recipient public form.
func DecodeUserPublicBytes(b []byte) (KemRecipientPublic, error) {
	v, err := cbor.DecodeCanonical(b, cbor.DefaultLimits())
	if err != nil {
		return KemRecipientPublic{}, err
	}
	arr, err := cbor.AsArray(v)
	if err != nil {
		return KemRecipientPublic{}, err
	}
	if len(arr) != 2 {
		return KemRecipientPublic{}, fmt.Errorf("%w: invalid user public array", cbor.ErrInvalid)
	}
	x, ok := arr[0].([]byte)
	if !ok {
		return KemRecipientPublic{}, fmt.Errorf("%w: invalid user public x25519", cbor.ErrInvalid)
	}
	ml, ok := arr[1].([]byte)
	if !ok {
		return KemRecipientPublic{}, fmt.Errorf("%w: invalid user public mlkem", cbor.ErrInvalid)
	}
	if len(x) != 32 {
		return KemRecipientPublic{}, fmt.Errorf("%w: invalid x25519 pub size", cbor.ErrInvalid)
	}
	return KemRecipientPublic{X25519Public: x, MLKEMEncapsKey: ml}, nil
}

// EncodeUserPrivateBytes encodes the private form as a canonical 2-array.
func EncodeUserPrivateBytes(x25519Priv, mlkemDecaps []byte) ([]byte, error) {
	return cbor.EncodeCanonical(cbor.NewArray(x25519Priv, mlkemDecaps))
}

// DecodeUserKeypair reassembles a recipient from the stored private and
// public encodings.
func DecodeUserKeypair(ukPriv, ukPub []byte) (*KemRecipient, error) {
	pub, err := DecodeUserPublicBytes(ukPub)
	if err != nil {
		return nil, err
	}
	v, err := cbor.DecodeCanonical(ukPriv, cbor.DefaultLimits())
	if err != nil {
		return nil, err
	}
	arr, err := cbor.AsArray(v)
	if err != nil {
		return nil, err
	}
	if len(arr) != 2 {
		return nil, fmt.Errorf("%w: invalid user private array", cbor.ErrInvalid)
	}
	x, ok := arr[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: invalid user private x25519", cbor.ErrInvalid)
	}
	ml, ok := arr[1].([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: invalid user private mlkem", cbor.ErrInvalid)
	}
	if len(x) != 32 {
		return nil, fmt.Errorf("%w: invalid x25519 priv size", cbor.ErrInvalid)
	}
	return &KemRecipient{
		X25519Secret:   x,
		X25519Public:   pub.X25519Public,
		MLKEMDecapsKey: ml,
		MLKEMEncapsKey: pub.MLKEMEncapsKey,
		PublicBytes:    ukPub,
	}, nil
}
