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

package keys

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"

	"github.com/chronologion/mo-local/cbor"
	"github.com/chronologion/mo-local/crypto"
	"github.com/chronologion/mo-local/types"
)

// SigningKeypair is a device's hybrid-sig-1 keypair. The Ed25519 private
// half is the 32-byte seed; the ML-DSA half is the packed private key.
type SigningKeypair struct {
	Ed25519Priv []byte
	Ed25519Pub  []byte
	MLDSAPriv   []byte
	MLDSAPub    []byte
}

// SignerKeys is the public half as carried by the signer roster.
type SignerKeys struct {
	SigSuite   types.SigSuiteID
	Ed25519Pub []byte
	MLDSAPub   []byte
}

// Wipe zeroizes the private halves.
func (kp *SigningKeypair) Wipe() {
	memguard.WipeBytes(kp.Ed25519Priv)
	memguard.WipeBytes(kp.MLDSAPriv)
}

// GenerateSigningKeypair creates a fresh hybrid signing keypair.
func GenerateSigningKeypair() (*SigningKeypair, error) {
	edSeed, err := crypto.RandomBytes(ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	edPriv := ed25519.NewKeyFromSeed(edSeed)
	edPub := edPriv.Public().(ed25519.PublicKey)

	mlSeedBytes, err := crypto.RandomBytes(mldsa65.SeedSize)
	if err != nil {
		return nil, err
	}
	var mlSeed [mldsa65.SeedSize]byte
	copy(mlSeed[:], mlSeedBytes)
	memguard.WipeBytes(mlSeedBytes)
	mlPub, mlPriv := mldsa65.NewKeyFromSeed(&mlSeed)
	memguard.WipeBytes(mlSeed[:])

	mlPrivBytes, err := mlPriv.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: ml-dsa priv encode", crypto.ErrCrypto)
	}
	mlPubBytes, err := mlPub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: ml-dsa pub encode", crypto.ErrCrypto)
	}

	return &SigningKeypair{
		Ed25519Priv: edSeed,
		Ed25519Pub:  []byte(edPub),
		MLDSAPriv:   mlPrivBytes,
		MLDSAPub:    mlPubBytes,
	}, nil
}

// HybridSign emits both component signatures over data and packs them as a
// canonical 2-array.
func HybridSign(data []byte, kp *SigningKeypair) ([]byte, error) {
	if len(kp.Ed25519Priv) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: ed25519 priv size", crypto.ErrCrypto)
	}
	edPriv := ed25519.NewKeyFromSeed(kp.Ed25519Priv)
	edSig := ed25519.Sign(edPriv, data)

	var mlPriv mldsa65.PrivateKey
	if err := mlPriv.UnmarshalBinary(kp.MLDSAPriv); err != nil {
		return nil, fmt.Errorf("%w: ml-dsa priv decode", crypto.ErrCrypto)
	}
	mlSig := make([]byte, mldsa65.SignatureSize)
	if err := mldsa65.SignTo(&mlPriv, data, nil, false, mlSig); err != nil {
		return nil, fmt.Errorf("%w: ml-dsa sign failed", crypto.ErrCrypto)
	}

	return PackHybridSignature(edSig, mlSig)
}

// HybridVerify reports whether both component signatures verify. Any
// structural fault in unpacking or key decoding yields false, never an
// error, so verification cannot be used as an oracle.
func HybridVerify(data, signature []byte, signer SignerKeys) bool {
	if signer.SigSuite != types.HybridSig1 {
		return false
	}
	edSig, mlSig, err := UnpackHybridSignature(signature)
	if err != nil {
		return false
	}
	if len(signer.Ed25519Pub) != ed25519.PublicKeySize || len(edSig) != ed25519.SignatureSize {
		return false
	}
	edOK := ed25519.Verify(ed25519.PublicKey(signer.Ed25519Pub), data, edSig)

	if len(signer.MLDSAPub) != mldsa65.PublicKeySize || len(mlSig) != mldsa65.SignatureSize {
		return false
	}
	var mlPub mldsa65.PublicKey
	if err := mlPub.UnmarshalBinary(signer.MLDSAPub); err != nil {
		return false
	}
	mlOK := mldsa65.Verify(&mlPub, data, nil, mlSig)

	return edOK && mlOK
}

// PackHybridSignature encodes the component signatures as a canonical
// 2-array.
func PackHybridSignature(edSig, mldsaSig []byte) ([]byte, error) {
	return cbor.EncodeCanonical(cbor.NewArray(edSig, mldsaSig))
}

// UnpackHybridSignature splits a packed hybrid signature.
func UnpackHybridSignature(b []byte) (edSig, mldsaSig []byte, err error) {
	v, err := cbor.DecodeCanonical(b, cbor.DefaultLimits())
	if err != nil {
		return nil, nil, err
	}
	arr, err := cbor.AsArray(v)
	if err != nil {
		return nil, nil, err
	}
	if len(arr) != 2 {
		return nil, nil, fmt.Errorf("%w: invalid sig array len", cbor.ErrInvalid)
	}
	ed, ok := arr[0].([]byte)
	if !ok {
		return nil, nil, fmt.Errorf("%w: invalid sig ed25519", cbor.ErrInvalid)
	}
	ml, ok := arr[1].([]byte)
	if !ok {
		return nil, nil, fmt.Errorf("%w: invalid sig mldsa", cbor.ErrInvalid)
	}
	return ed, ml, nil
}

// SignerFingerprint is the hex SHA-256 over ed25519_pub followed by
// mldsa_pub, identifying a signer across scopes.
func SignerFingerprint(signer SignerKeys) string {
	data := make([]byte, 0, len(signer.Ed25519Pub)+len(signer.MLDSAPub))
	data = append(data, signer.Ed25519Pub...)
	data = append(data, signer.MLDSAPub...)
	return hex.EncodeToString(crypto.SHA256Bytes(data))
}

// RecipientFingerprint is the SHA-256 over the canonical user public
// encoding.
func RecipientFingerprint(publicBytes []byte) []byte {
	return crypto.SHA256Bytes(publicBytes)
}
