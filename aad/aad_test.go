package aad

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chronologion/mo-local/crypto"
	"github.com/chronologion/mo-local/types"
)

func testKdf() crypto.KdfParams {
	return crypto.KdfParams{
		ID:          "kdf-1",
		Salt:        []byte{1, 2, 3, 4},
		MemoryKiB:   64,
		Iterations:  2,
		Parallelism: 1,
	}
}

func TestAADVectorsStable(t *testing.T) {
	kdf := testKdf()

	a1, err := KeyVaultKeyWrapV1("vault", "user", kdf, types.Aead1)
	require.NoError(t, err)
	a2, err := KeyVaultKeyWrapV1("vault", "user", kdf, types.Aead1)
	require.NoError(t, err)
	require.Equal(t, a1, a2)
	require.NotEmpty(t, a1)

	r1, err := KeyVaultRecordV1("vault", "user", types.Aead1, "record-1")
	require.NoError(t, err)
	r2, err := KeyVaultRecordV1("vault", "user", types.Aead1, "record-1")
	require.NoError(t, err)
	require.Equal(t, r1, r2)

	e1, err := KeyEnvelopeWrapV1("scope", 1, "recipient", []byte("scope-ref"), types.HybridKem1, types.Aead1, nil)
	require.NoError(t, err)
	e2, err := KeyEnvelopeWrapV1("scope", 1, "recipient", []byte("scope-ref"), types.HybridKem1, types.Aead1, nil)
	require.NoError(t, err)
	require.Equal(t, e1, e2)

	g1, err := ResourceGrantWrapV1("scope", "resource", 1, "rk", types.Aead1)
	require.NoError(t, err)
	g2, err := ResourceGrantWrapV1("scope", "resource", 1, "rk", types.Aead1)
	require.NoError(t, err)
	require.Equal(t, g1, g2)

	w1, err := UserPresenceWrapV1("vault", "user", kdf, types.Aead1)
	require.NoError(t, err)
	w2, err := UserPresenceWrapV1("vault", "user", kdf, types.Aead1)
	require.NoError(t, err)
	require.Equal(t, w1, w2)
}

func TestAADDomainsAreDistinct(t *testing.T) {
	kdf := testKdf()
	wrap, err := KeyVaultKeyWrapV1("vault", "user", kdf, types.Aead1)
	require.NoError(t, err)
	prf, err := UserPresenceWrapV1("vault", "user", kdf, types.Aead1)
	require.NoError(t, err)
	require.NotEqual(t, wrap, prf)
}

func TestKeyEnvelopeAADBindsScopeEpochAndFingerprint(t *testing.T) {
	base, err := KeyEnvelopeWrapV1("scope", 1, "recipient", []byte("ref"), types.HybridKem1, types.Aead1, nil)
	require.NoError(t, err)

	otherScope, err := KeyEnvelopeWrapV1("scope2", 1, "recipient", []byte("ref"), types.HybridKem1, types.Aead1, nil)
	require.NoError(t, err)
	require.NotEqual(t, base, otherScope)

	otherEpoch, err := KeyEnvelopeWrapV1("scope", 2, "recipient", []byte("ref"), types.HybridKem1, types.Aead1, nil)
	require.NoError(t, err)
	require.NotEqual(t, base, otherEpoch)

	withFp, err := KeyEnvelopeWrapV1("scope", 1, "recipient", []byte("ref"), types.HybridKem1, types.Aead1, []byte{0xab})
	require.NoError(t, err)
	require.NotEqual(t, base, withFp)
}
