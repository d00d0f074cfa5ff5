package formats

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chronologion/mo-local/aad"
	"github.com/chronologion/mo-local/cbor"
	"github.com/chronologion/mo-local/crypto"
	"github.com/chronologion/mo-local/types"
)

// Fixed encodings shared with other implementations of the protocol. Any
// drift here is a wire break, not a refactor.
const (
	scopeStateHex    = "aa0001016773636f70652d31020103582000000000000000000000000000000000000000000000000000000000000000000401050006a20064696e697401182a07686465766963652d31086c6879627269642d7369672d31095840aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	resourceGrantHex = "af000101676772616e742d31026773636f70652d310301045820000000000000000000000000000000000000000000000000000000000000000005582011111111111111111111111111111111111111111111111111111111111111110601076a7265736f757263652d310864726b2d310a66616561642d310b4c2222222222222222222222220c582033333333333333333333333333333333333333333333333333333333333333330d686465766963652d310e6c6879627269642d7369672d310f584044444444444444444444444444444444444444444444444444444444444444444444444444444444444444444444444444444444444444444444444444444444"
	keyEnvelopeHex   = "af00010165656e762d31026773636f70652d3103010466757365722d310558205555555555555555555555555555555555555555555555555555555555555555066c6879627269642d6b656d2d310766616561642d310858206666666666666666666666666666666666666666666666666666666666666666094c7777777777777777777777770a582088888888888888888888888888888888888888888888888888888888888888880b686465766963652d310c6c6879627269642d7369672d310d5840999999999999999999999999999999999999999999999999999999999999999999999999999999999999999999999999999999999999999999999999999999990e5820abababababababababababababababababababababababababababababababab"
	vaultHeaderHex   = "a7000101677661756c742d310266757365722d3103a300656b64662d3101440102030402a3001840010202010466616561642d31058006a30066616561642d31014c1010101010101010101010100258202020202020202020202020202020202020202020202020202020202020202020"
	vaultRecordHex   = "a600010101025820000000000000000000000000000000000000000000000000000000000000000003687265636f72642d31044c30303030303030303030303005584d0d2b881fe80d4917cf617a11053984e894464704909f5178402f87c4b807d0624ace94217e10304acf8851b7e39a7c40fc1106c05755f1776c79d194fc25fd34b86f3fc164db375a1890f83d16"
	vaultSnapshotHex = "a200a7000101677661756c742d310266757365722d3103a300656b64662d3101440102030402a3001840010202010466616561642d31058006a30066616561642d31014c10101010101010101010101002582020202020202020202020202020202020202020202020202020202020202020200181a600010101025820000000000000000000000000000000000000000000000000000000000000000003687265636f72642d31044c30303030303030303030303005584d0d2b881fe80d4917cf617a11053984e894464704909f5178402f87c4b807d0624ace94217e10304acf8851b7e39a7c40fc1106c05755f1776c79d194fc25fd34b86f3fc164db375a1890f83d16"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func testKdf() crypto.KdfParams {
	return crypto.KdfParams{
		ID:          "kdf-1",
		Salt:        []byte{0x01, 0x02, 0x03, 0x04},
		MemoryKiB:   64,
		Iterations:  2,
		Parallelism: 1,
	}
}

func TestScopeStateVector(t *testing.T) {
	state := &ScopeStateV1{
		V:             1,
		ScopeID:       "scope-1",
		ScopeStateSeq: 1,
		PrevHash:      make([]byte, 32),
		ScopeEpoch:    1,
		Kind:          0,
		Payload: cbor.NewMap(
			cbor.Pair(0, "init"),
			cbor.Pair(1, uint64(42)),
		),
		SignerDeviceID: "device-1",
		SigSuite:       types.HybridSig1,
		Signature:      bytes.Repeat([]byte{0xaa}, 64),
	}
	encoded, err := EncodeScopeStateV1(state)
	require.NoError(t, err)
	require.Equal(t, scopeStateHex, hex.EncodeToString(encoded))

	decoded, err := DecodeScopeStateV1(mustHex(t, scopeStateHex))
	require.NoError(t, err)
	require.Equal(t, types.ScopeID("scope-1"), decoded.ScopeID)
	require.Equal(t, uint64(1), decoded.ScopeEpoch)
	require.Equal(t, state.Signature, decoded.Signature)

	toSign, err := decoded.ToBeSignedBytes()
	require.NoError(t, err)
	require.NotEqual(t, encoded, toSign)

	ref, err := decoded.Ref()
	require.NoError(t, err)
	require.Len(t, ref, 64)
	refBytes, err := decoded.RefBytes()
	require.NoError(t, err)
	require.Equal(t, crypto.SHA256Bytes(encoded), refBytes)
}

func TestResourceGrantVector(t *testing.T) {
	grant := &ResourceGrantV1{
		V:              1,
		GrantID:        "grant-1",
		ScopeID:        "scope-1",
		GrantSeq:       1,
		PrevHash:       make([]byte, 32),
		ScopeStateRef:  bytes.Repeat([]byte{0x11}, 32),
		ScopeEpoch:     1,
		ResourceID:     "resource-1",
		ResourceKeyID:  "rk-1",
		Policy:         nil,
		Aead:           types.Aead1,
		Nonce:          bytes.Repeat([]byte{0x22}, 12),
		WrappedKey:     bytes.Repeat([]byte{0x33}, 32),
		SignerDeviceID: "device-1",
		SigSuite:       types.HybridSig1,
		Signature:      bytes.Repeat([]byte{0x44}, 64),
	}
	encoded, err := EncodeResourceGrantV1(grant)
	require.NoError(t, err)
	require.Equal(t, resourceGrantHex, hex.EncodeToString(encoded))

	decoded, err := DecodeResourceGrantV1(mustHex(t, resourceGrantHex))
	require.NoError(t, err)
	require.Equal(t, types.ResourceID("resource-1"), decoded.ResourceID)
	require.Nil(t, decoded.Policy)

	refBytes, err := decoded.RefBytes()
	require.NoError(t, err)
	require.Equal(t, crypto.SHA256Bytes(encoded), refBytes)
}

func TestKeyEnvelopeVector(t *testing.T) {
	envelope := &KeyEnvelopeV1{
		V:                         1,
		EnvelopeID:                "env-1",
		ScopeID:                   "scope-1",
		ScopeEpoch:                1,
		RecipientUserID:           "user-1",
		ScopeStateRef:             bytes.Repeat([]byte{0x55}, 32),
		Kem:                       types.HybridKem1,
		Aead:                      types.Aead1,
		Enc:                       bytes.Repeat([]byte{0x66}, 32),
		Nonce:                     bytes.Repeat([]byte{0x77}, 12),
		WrappedScopeKey:           bytes.Repeat([]byte{0x88}, 32),
		SignerDeviceID:            "device-1",
		SigSuite:                  types.HybridSig1,
		Signature:                 bytes.Repeat([]byte{0x99}, 64),
		RecipientUkPubFingerprint: bytes.Repeat([]byte{0xab}, 32),
	}
	encoded, err := EncodeKeyEnvelopeV1(envelope)
	require.NoError(t, err)
	require.Equal(t, keyEnvelopeHex, hex.EncodeToString(encoded))

	decoded, err := DecodeKeyEnvelopeV1(mustHex(t, keyEnvelopeHex))
	require.NoError(t, err)
	require.Equal(t, types.ScopeID("scope-1"), decoded.ScopeID)
	require.Equal(t, types.UserID("user-1"), decoded.RecipientUserID)
	require.Equal(t, envelope.ScopeStateRef, decoded.ScopeStateRef)
	require.Equal(t, envelope.RecipientUkPubFingerprint, decoded.RecipientUkPubFingerprint)

	t.Run("fingerprint kept at key 14 in to-be-signed form", func(t *testing.T) {
		toSign, err := decoded.ToBeSignedBytes()
		require.NoError(t, err)
		v, err := cbor.DecodeCanonical(toSign, cbor.DefaultLimits())
		require.NoError(t, err)
		m, err := cbor.AsMap(v)
		require.NoError(t, err)
		fp, ok, err := cbor.OptBytes(m, 14)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, envelope.RecipientUkPubFingerprint, fp)
		_, ok = cbor.MapGet(m, 13)
		require.False(t, ok)
	})
}

func TestKeyVaultHeaderVector(t *testing.T) {
	header := &KeyVaultHeaderV1{
		V:       1,
		VaultID: "vault-1",
		UserID:  "user-1",
		Kdf:     testKdf(),
		Aead:    types.Aead1,
		Records: nil,
		VaultKeyWrap: VaultKeyWrapV1{
			Aead:  types.Aead1,
			Nonce: bytes.Repeat([]byte{0x10}, 12),
			Ct:    bytes.Repeat([]byte{0x20}, 32),
		},
	}
	encoded, err := EncodeKeyVaultHeaderV1(header)
	require.NoError(t, err)
	require.Equal(t, vaultHeaderHex, hex.EncodeToString(encoded))

	decoded, err := DecodeKeyVaultHeaderV1(mustHex(t, vaultHeaderHex))
	require.NoError(t, err)
	require.Equal(t, "vault-1", decoded.VaultID)
	require.Equal(t, "user-1", decoded.UserID)
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, decoded.Kdf.Salt)
	require.Empty(t, decoded.Records)
}

func TestKeyVaultRecordAndSnapshotVector(t *testing.T) {
	plain := &KeyVaultRecordPlainV1{
		RecordID: "record-1",
		Kind:     RecordKindScopeKey,
		Payload: cbor.NewMap(
			cbor.Pair(0, "scope-1"),
			cbor.Pair(1, uint64(1)),
			cbor.Pair(2, bytes.Repeat([]byte{0x42}, 32)),
		),
	}
	plainBytes, err := EncodeKeyVaultRecordPlainV1(plain)
	require.NoError(t, err)

	recordAAD, err := aad.KeyVaultRecordV1("vault-1", "user-1", types.Aead1, "record-1")
	require.NoError(t, err)
	nonce := bytes.Repeat([]byte{0x30}, 12)
	vaultKey := bytes.Repeat([]byte{0x99}, 32)
	ct, err := crypto.AEADSeal(vaultKey, recordAAD, plainBytes, nonce)
	require.NoError(t, err)

	container := &KeyVaultRecordContainerV1{
		V:        1,
		Seq:      1,
		PrevHash: make([]byte, 32),
		RecordID: "record-1",
		Nonce:    nonce,
		Ct:       ct,
	}
	encoded, err := EncodeKeyVaultRecordContainerV1(container)
	require.NoError(t, err)
	require.Equal(t, vaultRecordHex, hex.EncodeToString(encoded))

	decodedRecord, err := DecodeKeyVaultRecordContainerV1(mustHex(t, vaultRecordHex))
	require.NoError(t, err)
	require.Equal(t, "record-1", decodedRecord.RecordID)

	snapshot := &KeyVaultSnapshotV1{
		Header: KeyVaultHeaderV1{
			V:       1,
			VaultID: "vault-1",
			UserID:  "user-1",
			Kdf:     testKdf(),
			Aead:    types.Aead1,
			VaultKeyWrap: VaultKeyWrapV1{
				Aead:  types.Aead1,
				Nonce: bytes.Repeat([]byte{0x10}, 12),
				Ct:    bytes.Repeat([]byte{0x20}, 32),
			},
		},
		Records: []KeyVaultRecordContainerV1{*container},
	}
	snapshotBytes, err := EncodeKeyVaultSnapshotV1(snapshot)
	require.NoError(t, err)
	require.Equal(t, vaultSnapshotHex, hex.EncodeToString(snapshotBytes))

	parsed, err := DecodeKeyVaultSnapshotV1(mustHex(t, vaultSnapshotHex))
	require.NoError(t, err)
	require.Len(t, parsed.Records, 1)
	require.Equal(t, "vault-1", parsed.Header.VaultID)
}

func TestDecodeRejectsBadLengths(t *testing.T) {
	state := &ScopeStateV1{
		V:              1,
		ScopeID:        "scope-1",
		ScopeStateSeq:  1,
		PrevHash:       make([]byte, 16),
		ScopeEpoch:     1,
		Kind:           0,
		Payload:        uint64(0),
		SignerDeviceID: "device-1",
		SigSuite:       types.HybridSig1,
		Signature:      []byte{0x01},
	}
	b, err := EncodeScopeStateV1(state)
	require.NoError(t, err)
	_, err = DecodeScopeStateV1(b)
	require.ErrorIs(t, err, ErrFormat)
	require.ErrorContains(t, err, "prev_hash")
}

func TestDecodeRejectsUnknownSuite(t *testing.T) {
	b, err := cbor.EncodeCanonical(cbor.NewMap(
		cbor.Pair(0, uint64(1)),
		cbor.Pair(1, "scope-1"),
		cbor.Pair(2, uint64(1)),
		cbor.Pair(3, make([]byte, 32)),
		cbor.Pair(4, uint64(1)),
		cbor.Pair(5, uint64(0)),
		cbor.Pair(6, uint64(0)),
		cbor.Pair(7, "device-1"),
		cbor.Pair(8, "sig-x"),
		cbor.Pair(9, []byte{0x01}),
	))
	require.NoError(t, err)
	_, err = DecodeScopeStateV1(b)
	require.ErrorIs(t, err, ErrFormat)
}

func TestUserPresenceUnlockRoundTrip(t *testing.T) {
	record := &UserPresenceUnlockV1{
		CredentialID: []byte{0x01, 0x02},
		Nonce:        bytes.Repeat([]byte{0x03}, 12),
		Ct:           bytes.Repeat([]byte{0x04}, 48),
	}
	b, err := record.Encode()
	require.NoError(t, err)
	decoded, err := DecodeUserPresenceUnlockV1(b)
	require.NoError(t, err)
	require.Equal(t, record, decoded)
}
