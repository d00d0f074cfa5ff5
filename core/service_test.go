package core

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chronologion/mo-local/aad"
	"github.com/chronologion/mo-local/cbor"
	"github.com/chronologion/mo-local/crypto"
	"github.com/chronologion/mo-local/crypto/keys"
	"github.com/chronologion/mo-local/formats"
	"github.com/chronologion/mo-local/internal/logger"
	"github.com/chronologion/mo-local/pkg/storage/memory"
	"github.com/chronologion/mo-local/types"
)

type mutableClock struct {
	now uint64
}

func (c *mutableClock) NowMs() uint64 { return c.now }

// countingEntropy fills each request with a fresh counter value so derived
// identifiers stay distinct and test runs stay reproducible.
type countingEntropy struct {
	counter byte
}

func (e *countingEntropy) RandomBytes(n int) ([]byte, error) {
	e.counter++
	out := make([]byte, n)
	for i := range out {
		out[i] = e.counter
	}
	return out, nil
}

func testKdf(t *testing.T) crypto.KdfParams {
	t.Helper()
	return crypto.KdfParams{
		ID:          "kdf-1",
		Salt:        []byte{1, 2, 3, 4},
		MemoryKiB:   64,
		Iterations:  2,
		Parallelism: 1,
	}
}

func makeService(nowMs uint64) (*KeyService, *mutableClock, *memory.Store) {
	clock := &mutableClock{now: nowMs}
	store := memory.NewStore()
	ks := New(store, clock, &countingEntropy{}, DefaultConfig())
	ks.SetLogger(logger.Nop())
	return ks, clock, store
}

func makeServiceWithTTLs(nowMs, normalTTL, stepUpTTL uint64) (*KeyService, *mutableClock) {
	clock := &mutableClock{now: nowMs}
	config := DefaultConfig()
	config.Policy.NormalSessionTTLMs = normalTTL
	config.Policy.StepUpSessionTTLMs = stepUpTTL
	ks := New(memory.NewStore(), clock, &countingEntropy{}, config)
	ks.SetLogger(logger.Nop())
	return ks, clock
}

func createAndUnlock(t *testing.T, ks *KeyService) types.SessionID {
	t.Helper()
	require.NoError(t, ks.CreateVault("user-1", []byte("pass"), testKdf(t)))
	unlock, err := ks.UnlockPassphrase([]byte("pass"))
	require.NoError(t, err)
	require.Equal(t, types.SessionNormal, unlock.Kind)
	return unlock.SessionID
}

// ingestTestScope signs and ingests a scope state for scope-1 epoch 1 and
// returns the signer keypair and the accepted ref bytes.
func ingestTestScope(t *testing.T, ks *KeyService, sessionID types.SessionID) (*keys.SigningKeypair, []byte) {
	t.Helper()
	signer, err := keys.GenerateSigningKeypair()
	require.NoError(t, err)

	state := &formats.ScopeStateV1{
		V:             1,
		ScopeID:       "scope-1",
		ScopeStateSeq: 1,
		PrevHash:      make([]byte, 32),
		ScopeEpoch:    1,
		Kind:          0,
		Payload: cbor.NewMap(
			cbor.Pair(1, signer.Ed25519Pub),
			cbor.Pair(2, signer.MLDSAPub),
		),
		SignerDeviceID: "device-1",
		SigSuite:       types.HybridSig1,
	}
	toSign, err := state.ToBeSignedBytes()
	require.NoError(t, err)
	state.Signature, err = keys.HybridSign(toSign, signer)
	require.NoError(t, err)

	stateBytes, err := formats.EncodeScopeStateV1(state)
	require.NoError(t, err)
	resp, err := ks.IngestScopeState(sessionID, stateBytes, "")
	require.NoError(t, err)
	require.Equal(t, types.ScopeID("scope-1"), resp.ScopeID)
	require.Len(t, resp.ScopeStateRef, 64)

	refBytes, err := state.RefBytes()
	require.NoError(t, err)
	return signer, refBytes
}

func signedGrant(t *testing.T, signer *keys.SigningKeypair, refBytes, scopeKey, resourceKey []byte) []byte {
	t.Helper()
	grantAAD, err := aad.ResourceGrantWrapV1("scope-1", "res-1", 1, "rk-1", types.Aead1)
	require.NoError(t, err)
	nonce := bytes.Repeat([]byte{0x09}, 12)
	wrapped, err := crypto.AEADSeal(scopeKey, grantAAD, resourceKey, nonce)
	require.NoError(t, err)

	grant := &formats.ResourceGrantV1{
		V:              1,
		GrantID:        "grant-1",
		ScopeID:        "scope-1",
		GrantSeq:       1,
		PrevHash:       make([]byte, 32),
		ScopeStateRef:  refBytes,
		ScopeEpoch:     1,
		ResourceID:     "res-1",
		ResourceKeyID:  "rk-1",
		Aead:           types.Aead1,
		Nonce:          nonce,
		WrappedKey:     wrapped,
		SignerDeviceID: "device-1",
		SigSuite:       types.HybridSig1,
	}
	toSign, err := grant.ToBeSignedBytes()
	require.NoError(t, err)
	grant.Signature, err = keys.HybridSign(toSign, signer)
	require.NoError(t, err)
	grantBytes, err := formats.EncodeResourceGrantV1(grant)
	require.NoError(t, err)
	return grantBytes
}

func TestCreateUnlockStepUpChangePassphrase(t *testing.T) {
	ks, clock, _ := makeService(1_000_000)
	sessionID := createAndUnlock(t, ks)

	stepUp, err := ks.StepUp(sessionID, []byte("pass"))
	require.NoError(t, err)
	require.LessOrEqual(t, stepUp.ExpiresAtMs, stepUp.IssuedAtMs+60_000)
	require.Equal(t, clock.now, stepUp.IssuedAtMs)

	require.NoError(t, ks.ChangePassphrase(sessionID, []byte("pass2")))

	_, err = ks.UnlockPassphrase([]byte("pass"))
	require.ErrorIs(t, err, ErrCrypto)

	unlock, err := ks.UnlockPassphrase([]byte("pass2"))
	require.NoError(t, err)
	require.Equal(t, types.SessionNormal, unlock.Kind)
}

func TestStepUpRejectsWrongPassphrase(t *testing.T) {
	ks, _, _ := makeService(1_000_000)
	sessionID := createAndUnlock(t, ks)
	_, err := ks.StepUp(sessionID, []byte("wrong"))
	require.ErrorIs(t, err, ErrCrypto)
}

func TestScopeGrantEncryptRoundTrip(t *testing.T) {
	ks, _, _ := makeService(1_000_000)
	sessionID := createAndUnlock(t, ks)

	signer, refBytes := ingestTestScope(t, ks, sessionID)

	scopeKey := bytes.Repeat([]byte{0x03}, 32)
	require.NoError(t, ks.PersistScopeKey(sessionID, "scope-1", 1, scopeKey))

	scopeHandle, err := ks.OpenScope(sessionID, "scope-1", 1)
	require.NoError(t, err)

	resourceKey := bytes.Repeat([]byte{0x04}, 32)
	grantBytes := signedGrant(t, signer, refBytes, scopeKey, resourceKey)

	resourceHandle, err := ks.OpenResource(sessionID, scopeHandle, grantBytes)
	require.NoError(t, err)

	ciphertext, err := ks.Encrypt(sessionID, resourceHandle, []byte("aad"), []byte("hello"))
	require.NoError(t, err)
	plaintext, err := ks.Decrypt(sessionID, resourceHandle, []byte("aad"), ciphertext)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), plaintext)

	t.Run("wrong aad fails closed", func(t *testing.T) {
		_, err := ks.Decrypt(sessionID, resourceHandle, []byte("other"), ciphertext)
		require.ErrorIs(t, err, ErrCrypto)
	})

	t.Run("short ciphertext", func(t *testing.T) {
		_, err := ks.Decrypt(sessionID, resourceHandle, []byte("aad"), []byte{0x01, 0x02})
		require.ErrorIs(t, err, ErrCrypto)
		require.ErrorContains(t, err, "ciphertext too short")
	})

	t.Run("scope handle rejected for encrypt", func(t *testing.T) {
		_, err := ks.Encrypt(sessionID, scopeHandle, []byte("aad"), []byte("x"))
		require.ErrorIs(t, err, ErrUnknownHandle)
	})
}

func TestOpenScopeMissingKey(t *testing.T) {
	ks, _, _ := makeService(1_000_000)
	sessionID := createAndUnlock(t, ks)
	_, err := ks.OpenScope(sessionID, "scope-9", 1)
	require.ErrorIs(t, err, ErrScopeKeyMissing)
}

func TestKeyEnvelopeRoundTrip(t *testing.T) {
	ks, _, _ := makeService(1_000_000)
	sessionID := createAndUnlock(t, ks)
	require.NoError(t, ks.InitIdentity(sessionID, "device-local"))

	signer, refBytes := ingestTestScope(t, ks, sessionID)

	ukPub, err := ks.UserPublicKeyBytes(sessionID)
	require.NoError(t, err)
	recipientPub, err := keys.DecodeUserPublicBytes(ukPub)
	require.NoError(t, err)
	encap, err := keys.Encapsulate(recipientPub, types.HybridKem1)
	require.NoError(t, err)

	scopeKey := bytes.Repeat([]byte{0x05}, 32)
	fingerprint := keys.RecipientFingerprint(ukPub)
	envAAD, err := aad.KeyEnvelopeWrapV1("scope-1", 1, "user-1", refBytes, types.HybridKem1, types.Aead1, fingerprint)
	require.NoError(t, err)
	nonce := bytes.Repeat([]byte{0x0a}, 12)
	wrapped, err := crypto.AEADSeal(encap.WrapKey, envAAD, scopeKey, nonce)
	require.NoError(t, err)

	envelope := &formats.KeyEnvelopeV1{
		V:                         1,
		EnvelopeID:                "env-1",
		ScopeID:                   "scope-1",
		ScopeEpoch:                1,
		RecipientUserID:           "user-1",
		ScopeStateRef:             refBytes,
		Kem:                       types.HybridKem1,
		Aead:                      types.Aead1,
		Enc:                       encap.Enc,
		Nonce:                     nonce,
		WrappedScopeKey:           wrapped,
		SignerDeviceID:            "device-1",
		SigSuite:                  types.HybridSig1,
		RecipientUkPubFingerprint: fingerprint,
	}
	toSign, err := envelope.ToBeSignedBytes()
	require.NoError(t, err)
	envelope.Signature, err = keys.HybridSign(toSign, signer)
	require.NoError(t, err)
	envelopeBytes, err := formats.EncodeKeyEnvelopeV1(envelope)
	require.NoError(t, err)

	resp, err := ks.IngestKeyEnvelope(sessionID, envelopeBytes)
	require.NoError(t, err)
	require.Equal(t, types.ScopeID("scope-1"), resp.ScopeID)
	require.Equal(t, types.ScopeEpoch(1), resp.ScopeEpoch)

	handle, err := ks.OpenScope(sessionID, "scope-1", 1)
	require.NoError(t, err)
	require.NotEmpty(t, handle)
}

func TestUntrustedSignerEnvelope(t *testing.T) {
	ks, _, _ := makeService(1_000_000)
	sessionID := createAndUnlock(t, ks)

	// Sign the envelope with a device whose keys were never ingested.
	rogue, err := keys.GenerateSigningKeypair()
	require.NoError(t, err)
	envelope := &formats.KeyEnvelopeV1{
		V:               1,
		EnvelopeID:      "env-1",
		ScopeID:         "scope-1",
		ScopeEpoch:      1,
		RecipientUserID: "user-1",
		ScopeStateRef:   bytes.Repeat([]byte{0x55}, 32),
		Kem:             types.HybridKem1,
		Aead:            types.Aead1,
		Enc:             bytes.Repeat([]byte{0x66}, 32),
		Nonce:           bytes.Repeat([]byte{0x77}, 12),
		WrappedScopeKey: bytes.Repeat([]byte{0x88}, 32),
		SignerDeviceID:  "rogue-device",
		SigSuite:        types.HybridSig1,
	}
	toSign, err := envelope.ToBeSignedBytes()
	require.NoError(t, err)
	envelope.Signature, err = keys.HybridSign(toSign, rogue)
	require.NoError(t, err)
	envelopeBytes, err := formats.EncodeKeyEnvelopeV1(envelope)
	require.NoError(t, err)

	_, err = ks.IngestKeyEnvelope(sessionID, envelopeBytes)
	require.ErrorIs(t, err, ErrUntrustedSigner)
}

func TestIngestRejectsNonCanonicalInput(t *testing.T) {
	ks, _, _ := makeService(1_000_000)
	sessionID := createAndUnlock(t, ks)

	// A map whose integer keys are emitted out of sorted order.
	raw := []byte{0xa2, 0x01, 0x01, 0x00, 0x02}
	_, err := ks.IngestScopeState(sessionID, raw, "")
	require.ErrorIs(t, err, ErrInvalidCbor)
	require.ErrorContains(t, err, "non-canonical cbor")
}

func TestIngestScopeStateFingerprintCheck(t *testing.T) {
	ks, _, _ := makeService(1_000_000)
	sessionID := createAndUnlock(t, ks)

	signer, err := keys.GenerateSigningKeypair()
	require.NoError(t, err)
	state := &formats.ScopeStateV1{
		V:             1,
		ScopeID:       "scope-1",
		ScopeStateSeq: 1,
		PrevHash:      make([]byte, 32),
		ScopeEpoch:    1,
		Kind:          0,
		Payload: cbor.NewMap(
			cbor.Pair(1, signer.Ed25519Pub),
			cbor.Pair(2, signer.MLDSAPub),
		),
		SignerDeviceID: "device-1",
		SigSuite:       types.HybridSig1,
	}
	toSign, err := state.ToBeSignedBytes()
	require.NoError(t, err)
	state.Signature, err = keys.HybridSign(toSign, signer)
	require.NoError(t, err)
	stateBytes, err := formats.EncodeScopeStateV1(state)
	require.NoError(t, err)

	_, err = ks.IngestScopeState(sessionID, stateBytes, "deadbeef")
	require.ErrorIs(t, err, ErrFingerprintMismatch)

	expected := keys.SignerFingerprint(keys.SignerKeys{
		SigSuite:   types.HybridSig1,
		Ed25519Pub: signer.Ed25519Pub,
		MLDSAPub:   signer.MLDSAPub,
	})
	_, err = ks.IngestScopeState(sessionID, stateBytes, expected)
	require.NoError(t, err)
}

func TestExportRequiresStepUp(t *testing.T) {
	ks, _, _ := makeService(1_000_000)
	sessionID := createAndUnlock(t, ks)

	_, err := ks.ExportKeyVault(sessionID)
	require.ErrorIs(t, err, ErrStepUpRequired)

	_, err = ks.StepUp(sessionID, []byte("pass"))
	require.NoError(t, err)
	blob, err := ks.ExportKeyVault(sessionID)
	require.NoError(t, err)
	require.NotEmpty(t, blob)
}

func TestExportImportRehydratesState(t *testing.T) {
	ks, _, _ := makeService(1_000_000)
	sessionID := createAndUnlock(t, ks)
	scopeKey := bytes.Repeat([]byte{0x03}, 32)
	require.NoError(t, ks.PersistScopeKey(sessionID, "scope-1", 1, scopeKey))
	_, err := ks.StepUp(sessionID, []byte("pass"))
	require.NoError(t, err)
	blob, err := ks.ExportKeyVault(sessionID)
	require.NoError(t, err)

	// A fresh service over empty storage; its own vault is replaced by the
	// imported snapshot.
	ks2, _, _ := makeService(1_000_000)
	require.NoError(t, ks2.CreateVault("user-1", []byte("other"), testKdf(t)))
	unlock2, err := ks2.UnlockPassphrase([]byte("other"))
	require.NoError(t, err)
	_, err = ks2.StepUp(unlock2.SessionID, []byte("other"))
	require.NoError(t, err)
	require.NoError(t, ks2.ImportKeyVault(unlock2.SessionID, blob))

	// The imported vault opens with the original passphrase and carries the
	// original scope key.
	unlock3, err := ks2.UnlockPassphrase([]byte("pass"))
	require.NoError(t, err)
	handle, err := ks2.OpenScope(unlock3.SessionID, "scope-1", 1)
	require.NoError(t, err)
	require.NotEmpty(t, handle)
}

func TestSessionExpiry(t *testing.T) {
	ks, clock := makeServiceWithTTLs(1_000, 10, 5)
	require.NoError(t, ks.CreateVault("user-1", []byte("pass"), crypto.KdfParams{
		ID: "kdf-1", Salt: []byte{1, 2, 3, 4}, MemoryKiB: 64, Iterations: 2, Parallelism: 1,
	}))
	unlock, err := ks.UnlockPassphrase([]byte("pass"))
	require.NoError(t, err)
	require.Equal(t, uint64(1_010), unlock.ExpiresAtMs)

	clock.now = 1_010
	renewed, err := ks.RenewSession(unlock.SessionID)
	require.NoError(t, err)

	clock.now = renewed.ExpiresAtMs + 1
	_, err = ks.RenewSession(unlock.SessionID)
	require.ErrorIs(t, err, ErrSessionInvalid)

	// The session is gone, not merely refused.
	_, err = ks.RenewSession(unlock.SessionID)
	require.ErrorIs(t, err, ErrSessionInvalid)
}

func TestRenewRefusesStepUpSession(t *testing.T) {
	ks, _, _ := makeService(1_000_000)
	sessionID := createAndUnlock(t, ks)
	_, err := ks.StepUp(sessionID, []byte("pass"))
	require.NoError(t, err)
	_, err = ks.RenewSession(sessionID)
	require.ErrorIs(t, err, ErrStepUpRequired)
}

func TestLockClearsSession(t *testing.T) {
	ks, _, _ := makeService(1_000_000)
	sessionID := createAndUnlock(t, ks)
	require.NoError(t, ks.Lock(sessionID))
	_, err := ks.RenewSession(sessionID)
	require.ErrorIs(t, err, ErrSessionInvalid)
	require.Error(t, ks.Lock(sessionID))
}

func TestSignAndVerify(t *testing.T) {
	ks, _, _ := makeService(1_000_000)
	sessionID := createAndUnlock(t, ks)
	require.NoError(t, ks.InitIdentity(sessionID, "device-local"))
	signer, _ := ingestTestScope(t, ks, sessionID)

	resp, err := ks.Sign(sessionID, []byte("data"))
	require.NoError(t, err)
	require.Equal(t, types.HybridSig1, resp.Ciphersuite)

	// Verification goes through the roster, so check against the rostered
	// scope signer instead.
	msg := []byte("roster message")
	sig, err := keys.HybridSign(msg, signer)
	require.NoError(t, err)
	ok, err := ks.Verify("scope-1", "device-1", msg, sig, types.HybridSig1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ks.Verify("scope-1", "device-1", []byte("other"), sig, types.HybridSig1)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = ks.Verify("scope-1", "device-9", msg, sig, types.HybridSig1)
	require.ErrorIs(t, err, ErrUntrustedSigner)

	_, err = ks.Verify("scope-1", "device-1", msg, sig, types.SigSuiteID("sig-x"))
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestUserPresenceUnlock(t *testing.T) {
	ks, _, _ := makeService(1_000_000)
	sessionID := createAndUnlock(t, ks)
	_, err := ks.StepUp(sessionID, []byte("pass"))
	require.NoError(t, err)

	secret := bytes.Repeat([]byte{0x0b}, 32)
	credentialID := []byte{0x01, 0x02, 0x03}
	require.NoError(t, ks.EnableUserPresenceUnlock(sessionID, credentialID, secret))

	info, err := ks.GetUserPresenceUnlockInfo()
	require.NoError(t, err)
	require.True(t, info.Enabled)
	require.Equal(t, credentialID, info.CredentialID)
	require.Len(t, info.PrfSalt, 32)

	unlock, err := ks.UnlockUserPresence(secret)
	require.NoError(t, err)
	require.Equal(t, types.AssuranceUserPresence, unlock.Assurance)

	t.Run("wrong secret fails", func(t *testing.T) {
		_, err := ks.UnlockUserPresence(bytes.Repeat([]byte{0x0c}, 32))
		require.ErrorIs(t, err, ErrCrypto)
	})

	t.Run("disable clears the record", func(t *testing.T) {
		unlock, err := ks.UnlockPassphrase([]byte("pass"))
		require.NoError(t, err)
		_, err = ks.StepUp(unlock.SessionID, []byte("pass"))
		require.NoError(t, err)
		require.NoError(t, ks.DisableUserPresenceUnlock(unlock.SessionID))

		info, err := ks.GetUserPresenceUnlockInfo()
		require.NoError(t, err)
		require.False(t, info.Enabled)

		_, err = ks.UnlockUserPresence(secret)
		require.Error(t, err)
	})
}

func TestChangePassphraseRequiresStepUp(t *testing.T) {
	ks, _, _ := makeService(1_000_000)
	sessionID := createAndUnlock(t, ks)
	err := ks.ChangePassphrase(sessionID, []byte("pass2"))
	require.ErrorIs(t, err, ErrStepUpRequired)
}

func TestRosterAudit(t *testing.T) {
	ks, _, _ := makeService(1_000_000)
	sessionID := createAndUnlock(t, ks)
	ingestTestScope(t, ks, sessionID)

	entries := ks.RosterEntries()
	require.Len(t, entries, 1)
	require.Equal(t, types.ScopeID("scope-1"), entries[0].ScopeID)
	require.Equal(t, types.DeviceID("device-1"), entries[0].DeviceID)
	require.Len(t, entries[0].Fingerprint, 64)
}

func TestMetricsCounters(t *testing.T) {
	ks, _, _ := makeService(1_000_000)
	sessionID := createAndUnlock(t, ks)
	ingestTestScope(t, ks, sessionID)

	snap := ks.Metrics()
	require.Equal(t, int64(1), snap.Unlocks)
	require.Equal(t, int64(1), snap.ScopeStatesIngested)

	_, err := ks.UnlockPassphrase([]byte("wrong"))
	require.Error(t, err)
	require.Equal(t, int64(1), ks.Metrics().UnlockFailures)
}
