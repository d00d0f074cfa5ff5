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

// Package core orchestrates the key service: vault lifecycle, sessions,
// ingestion of signed protocol objects, handle-based encryption, and
// import/export. Operations are fail-closed: a signature, AEAD, or format
// failure aborts before any persistent write.
package core

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/chronologion/mo-local/aad"
	"github.com/chronologion/mo-local/adapters"
	"github.com/chronologion/mo-local/cbor"
	"github.com/chronologion/mo-local/crypto"
	"github.com/chronologion/mo-local/crypto/keys"
	"github.com/chronologion/mo-local/formats"
	"github.com/chronologion/mo-local/internal/logger"
	"github.com/chronologion/mo-local/internal/metrics"
	"github.com/chronologion/mo-local/keyvault"
	"github.com/chronologion/mo-local/session"
	"github.com/chronologion/mo-local/types"
)

// Storage layout inside the reserved keyvault namespace.
const (
	keyvaultNamespace = "keyvault"
	headerKey         = "header"
	recordIndexKey    = "record_index"
	recordKeyPrefix   = "record:"
	userPresenceKey   = "webauthn_prf"
)

const userPresenceUnwrapInfo = "mo-webauthn-prf|unwrap-k-vault|v1"

// UnlockResponse describes the session issued by an unlock.
type UnlockResponse struct {
	SessionID   types.SessionID
	IssuedAtMs  uint64
	ExpiresAtMs uint64
	Kind        types.SessionKind
	Assurance   types.SessionAssurance
}

// StepUpResponse carries the shortened step-up window.
type StepUpResponse struct {
	IssuedAtMs  uint64
	ExpiresAtMs uint64
}

// RenewSessionResponse carries the advanced expiry.
type RenewSessionResponse struct {
	IssuedAtMs  uint64
	ExpiresAtMs uint64
}

// UserPresenceUnlockInfo reports the state of the user-presence unlock path.
type UserPresenceUnlockInfo struct {
	Enabled      bool
	CredentialID []byte
	PrfSalt      []byte
	Aead         types.AeadID
}

// IngestScopeStateResponse returns the accepted scope-state ref.
type IngestScopeStateResponse struct {
	ScopeID       types.ScopeID
	ScopeStateRef string
}

// IngestKeyEnvelopeResponse identifies the recovered scope key.
type IngestKeyEnvelopeResponse struct {
	ScopeID    types.ScopeID
	ScopeEpoch types.ScopeEpoch
}

// SignResponse carries a hybrid signature and its suite.
type SignResponse struct {
	Signature   []byte
	Ciphersuite types.SigSuiteID
}

type serviceState struct {
	header       *formats.KeyVaultHeaderV1
	vault        *keyvault.State
	materialized *keyvault.Materialized
	roster       *SignerRoster
}

// KeyService is the synchronous orchestrator. It is single-owner: all
// mutation flows through one goroutine.
type KeyService struct {
	storage  adapters.StorageAdapter
	clock    adapters.ClockAdapter
	entropy  adapters.EntropyAdapter
	config   Config
	sessions *session.Manager
	state    *serviceState
	log      logger.Logger
	metrics  *metrics.Collector
}

// New builds a key service over the given adapters.
func New(storage adapters.StorageAdapter, clock adapters.ClockAdapter, entropy adapters.EntropyAdapter, config Config) *KeyService {
	return &KeyService{
		storage:  storage,
		clock:    clock,
		entropy:  entropy,
		config:   config,
		sessions: session.NewManager(),
		log:      logger.NewDefault(),
		metrics:  metrics.NewCollector(),
	}
}

// SetLogger replaces the service logger.
func (ks *KeyService) SetLogger(log logger.Logger) {
	ks.log = log
}

// Metrics exposes the operation counters.
func (ks *KeyService) Metrics() metrics.Snapshot {
	return ks.metrics.Snapshot()
}

// RosterEntries exposes the trust roster for audit.
func (ks *KeyService) RosterEntries() []RosterEntry {
	if ks.state == nil {
		return nil
	}
	return ks.state.roster.Entries()
}

// CreateVault generates a fresh vault key, wraps it under the passphrase
// KEK, and persists the header and an empty record index.
func (ks *KeyService) CreateVault(userID types.UserID, passphrase []byte, kdfParams crypto.KdfParams) error {
	vaultID, err := ks.newID()
	if err != nil {
		return err
	}
	kek, err := crypto.DeriveKEK(passphrase, kdfParams)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(kek)
	vaultKey, err := ks.randomBytes(32)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(vaultKey)
	wrapAAD, err := aad.KeyVaultKeyWrapV1(vaultID, string(userID), kdfParams, types.Aead1)
	if err != nil {
		return err
	}
	nonce, err := ks.randomBytes(12)
	if err != nil {
		return err
	}
	ct, err := crypto.AEADSeal(kek, wrapAAD, vaultKey, nonce)
	if err != nil {
		return err
	}

	header := &formats.KeyVaultHeaderV1{
		V:       1,
		VaultID: vaultID,
		UserID:  string(userID),
		Kdf:     kdfParams,
		Aead:    types.Aead1,
		VaultKeyWrap: formats.VaultKeyWrapV1{
			Aead:  types.Aead1,
			Nonce: nonce,
			Ct:    ct,
		},
	}
	headerBytes, err := formats.EncodeKeyVaultHeaderV1(header)
	if err != nil {
		return err
	}
	if err := ks.put(headerKey, headerBytes); err != nil {
		return err
	}
	if err := ks.put(recordIndexKey, []byte{}); err != nil {
		return err
	}
	ks.log.Info("vault created", logger.String("vault_id", vaultID), logger.String("user_id", string(userID)))
	return nil
}

// UnlockPassphrase derives the KEK from the passphrase, unwraps the vault
// key, materializes the ledger, and issues a normal session.
func (ks *KeyService) UnlockPassphrase(passphrase []byte) (*UnlockResponse, error) {
	header, err := ks.loadHeader()
	if err != nil {
		return nil, err
	}
	kek, err := crypto.DeriveKEK(passphrase, header.Kdf)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(kek)
	wrapAAD, err := aad.KeyVaultKeyWrapV1(header.VaultID, header.UserID, header.Kdf, header.Aead)
	if err != nil {
		return nil, err
	}
	vaultKey, err := crypto.AEADOpen(kek, wrapAAD, header.VaultKeyWrap.Nonce, header.VaultKeyWrap.Ct)
	if err != nil {
		ks.metrics.RecordUnlock(false)
		return nil, fmt.Errorf("%w: vault key unwrap failed", ErrCrypto)
	}
	return ks.finishUnlock(header, vaultKey, types.AssurancePassphrase)
}

// UnlockUserPresence derives the wrap key from the user-presence secret via
// HKDF, unwraps the vault key from the side-channel record, and issues a
// normal session.
func (ks *KeyService) UnlockUserPresence(userPresenceSecret []byte) (*UnlockResponse, error) {
	header, err := ks.loadHeader()
	if err != nil {
		return nil, err
	}
	prfKey, err := crypto.HKDFSHA256(userPresenceSecret, []byte(userPresenceUnwrapInfo), 32)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(prfKey)
	wrapAAD, err := aad.UserPresenceWrapV1(header.VaultID, header.UserID, header.Kdf, header.Aead)
	if err != nil {
		return nil, err
	}
	prfInfo, err := ks.loadUserPresenceUnlock()
	if err != nil {
		return nil, err
	}
	vaultKey, err := crypto.AEADOpen(prfKey, wrapAAD, prfInfo.Nonce, prfInfo.Ct)
	if err != nil {
		ks.metrics.RecordUnlock(false)
		return nil, fmt.Errorf("%w: vault key unwrap failed", ErrCrypto)
	}
	return ks.finishUnlock(header, vaultKey, types.AssuranceUserPresence)
}

// StepUp re-derives the vault key from the passphrase and, on byte equality
// with the session's key, transitions the session to step-up with the
// shortened TTL.
func (ks *KeyService) StepUp(sessionID types.SessionID, passphrase []byte) (*StepUpResponse, error) {
	header, err := ks.loadHeader()
	if err != nil {
		return nil, err
	}
	kek, err := crypto.DeriveKEK(passphrase, header.Kdf)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(kek)
	wrapAAD, err := aad.KeyVaultKeyWrapV1(header.VaultID, header.UserID, header.Kdf, header.Aead)
	if err != nil {
		return nil, err
	}
	vaultKey, err := crypto.AEADOpen(kek, wrapAAD, header.VaultKeyWrap.Nonce, header.VaultKeyWrap.Ct)
	if err != nil {
		return nil, fmt.Errorf("%w: vault key unwrap failed", ErrCrypto)
	}
	defer memguard.WipeBytes(vaultKey)

	now := ks.clock.NowMs()
	if err := ks.ensureSessionValid(now, sessionID); err != nil {
		return nil, err
	}
	sess, ok := ks.sessions.Get(sessionID)
	if !ok {
		return nil, ErrSessionInvalid
	}
	if !bytes.Equal(vaultKey, sess.VaultKey) {
		return nil, fmt.Errorf("%w: vault key mismatch", ErrCrypto)
	}

	sess.Kind = types.SessionStepUp
	sess.Assurance = types.AssurancePassphrase
	sess.IssuedAtMs = now
	sess.ExpiresAtMs = now + ks.config.Policy.StepUpSessionTTLMs
	ks.metrics.RecordStepUp()
	ks.log.Info("session stepped up", logger.String("session_id", string(sessionID)))
	return &StepUpResponse{IssuedAtMs: sess.IssuedAtMs, ExpiresAtMs: sess.ExpiresAtMs}, nil
}

// RenewSession advances a normal session's expiry by the normal TTL.
// Step-up sessions cannot be renewed; they must be re-earned.
func (ks *KeyService) RenewSession(sessionID types.SessionID) (*RenewSessionResponse, error) {
	now := ks.clock.NowMs()
	if err := ks.ensureSessionValid(now, sessionID); err != nil {
		return nil, err
	}
	sess, ok := ks.sessions.Get(sessionID)
	if !ok {
		return nil, ErrSessionInvalid
	}
	if sess.Kind == types.SessionStepUp {
		return nil, ErrStepUpRequired
	}
	sess.IssuedAtMs = now
	sess.ExpiresAtMs = now + ks.config.Policy.NormalSessionTTLMs
	return &RenewSessionResponse{IssuedAtMs: sess.IssuedAtMs, ExpiresAtMs: sess.ExpiresAtMs}, nil
}

// Lock destroys the session and unloads the materialized vault.
func (ks *KeyService) Lock(sessionID types.SessionID) error {
	sess, ok := ks.sessions.Get(sessionID)
	if !ok {
		return ErrSessionInvalid
	}
	sess.Clear()
	ks.sessions.Remove(sessionID)
	ks.unloadState()
	ks.log.Info("vault locked", logger.String("session_id", string(sessionID)))
	return nil
}

// ExportKeyVault emits a canonical snapshot of header plus all containers.
// Requires a step-up session.
func (ks *KeyService) ExportKeyVault(sessionID types.SessionID) ([]byte, error) {
	now := ks.clock.NowMs()
	if err := ks.ensureSessionValid(now, sessionID); err != nil {
		return nil, err
	}
	sess, ok := ks.sessions.Get(sessionID)
	if !ok {
		return nil, ErrSessionInvalid
	}
	if sess.Kind != types.SessionStepUp {
		return nil, ErrStepUpRequired
	}
	header, err := ks.loadHeader()
	if err != nil {
		return nil, err
	}
	records, err := ks.loadAllRecordContainers()
	if err != nil {
		return nil, err
	}
	snapshot := &formats.KeyVaultSnapshotV1{Header: *header, Records: records}
	return formats.EncodeKeyVaultSnapshotV1(snapshot)
}

// ImportKeyVault parses a snapshot and rewrites header, per-record entries,
// and the record index. Requires a step-up session.
func (ks *KeyService) ImportKeyVault(sessionID types.SessionID, blob []byte) error {
	now := ks.clock.NowMs()
	if err := ks.ensureSessionValid(now, sessionID); err != nil {
		return err
	}
	sess, ok := ks.sessions.Get(sessionID)
	if !ok {
		return ErrSessionInvalid
	}
	if sess.Kind != types.SessionStepUp {
		return ErrStepUpRequired
	}
	value, err := cbor.DecodeCanonical(blob, ks.config.Policy.cborLimits())
	if err != nil {
		return err
	}
	snapshot, err := formats.KeyVaultSnapshotV1FromValue(value)
	if err != nil {
		return err
	}

	headerBytes, err := formats.EncodeKeyVaultHeaderV1(&snapshot.Header)
	if err != nil {
		return err
	}
	if err := ks.put(headerKey, headerBytes); err != nil {
		return err
	}
	index := make([]string, 0, len(snapshot.Records))
	for i := range snapshot.Records {
		record := snapshot.Records[i]
		recordBytes, err := formats.EncodeKeyVaultRecordContainerV1(&record)
		if err != nil {
			return err
		}
		if err := ks.put(recordKeyPrefix+record.RecordID, recordBytes); err != nil {
			return err
		}
		index = append(index, record.RecordID)
	}
	if err := ks.putRecordIndex(index); err != nil {
		return err
	}
	ks.log.Info("keyvault imported", logger.Int("records", len(snapshot.Records)))
	return nil
}

// ChangePassphrase rewraps the vault key under a fresh KDF and salt.
// Requires a step-up session.
func (ks *KeyService) ChangePassphrase(sessionID types.SessionID, newPassphrase []byte) error {
	header, err := ks.loadHeader()
	if err != nil {
		return err
	}
	now := ks.clock.NowMs()
	if err := ks.ensureSessionValid(now, sessionID); err != nil {
		return err
	}
	sess, ok := ks.sessions.Get(sessionID)
	if !ok {
		return ErrSessionInvalid
	}
	if sess.Kind != types.SessionStepUp {
		return ErrStepUpRequired
	}
	newKdf, err := crypto.NewRandomKdfParams()
	if err != nil {
		return err
	}
	kek, err := crypto.DeriveKEK(newPassphrase, newKdf)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(kek)
	wrapAAD, err := aad.KeyVaultKeyWrapV1(header.VaultID, header.UserID, newKdf, header.Aead)
	if err != nil {
		return err
	}
	nonce, err := ks.randomBytes(12)
	if err != nil {
		return err
	}
	ct, err := crypto.AEADSeal(kek, wrapAAD, sess.VaultKey, nonce)
	if err != nil {
		return err
	}
	header.Kdf = newKdf
	header.VaultKeyWrap = formats.VaultKeyWrapV1{Aead: types.Aead1, Nonce: nonce, Ct: ct}
	headerBytes, err := formats.EncodeKeyVaultHeaderV1(header)
	if err != nil {
		return err
	}
	if err := ks.put(headerKey, headerBytes); err != nil {
		return err
	}
	ks.log.Info("passphrase changed", logger.String("vault_id", header.VaultID))
	return nil
}

// GetUserPresenceUnlockInfo reports whether the user-presence unlock path is
// enabled and the salt the host must feed into the authenticator.
func (ks *KeyService) GetUserPresenceUnlockInfo() (*UserPresenceUnlockInfo, error) {
	header, err := ks.loadHeader()
	if err != nil {
		return nil, err
	}
	saltInput := make([]byte, 0, 64)
	saltInput = append(saltInput, []byte("mo-webauthn-prf|salt-v1")...)
	saltInput = append(saltInput, []byte(header.VaultID)...)
	saltInput = append(saltInput, []byte(header.UserID)...)
	info := &UserPresenceUnlockInfo{
		PrfSalt: crypto.SHA256Bytes(saltInput),
		Aead:    header.Aead,
	}
	if prf, err := ks.loadUserPresenceUnlock(); err == nil {
		info.Enabled = true
		info.CredentialID = prf.CredentialID
	}
	return info, nil
}

// EnableUserPresenceUnlock wraps the vault key under a key derived from the
// user-presence secret and stores the side-channel record. Requires a
// step-up session.
func (ks *KeyService) EnableUserPresenceUnlock(sessionID types.SessionID, credentialID, userPresenceSecret []byte) error {
	header, err := ks.loadHeader()
	if err != nil {
		return err
	}
	now := ks.clock.NowMs()
	if err := ks.ensureSessionValid(now, sessionID); err != nil {
		return err
	}
	sess, ok := ks.sessions.Get(sessionID)
	if !ok {
		return ErrSessionInvalid
	}
	if sess.Kind != types.SessionStepUp {
		return ErrStepUpRequired
	}
	prfKey, err := crypto.HKDFSHA256(userPresenceSecret, []byte(userPresenceUnwrapInfo), 32)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(prfKey)
	wrapAAD, err := aad.UserPresenceWrapV1(header.VaultID, header.UserID, header.Kdf, header.Aead)
	if err != nil {
		return err
	}
	nonce, err := ks.randomBytes(12)
	if err != nil {
		return err
	}
	ct, err := crypto.AEADSeal(prfKey, wrapAAD, sess.VaultKey, nonce)
	if err != nil {
		return err
	}
	record := &formats.UserPresenceUnlockV1{CredentialID: credentialID, Nonce: nonce, Ct: ct}
	recordBytes, err := record.Encode()
	if err != nil {
		return err
	}
	return ks.put(userPresenceKey, recordBytes)
}

// DisableUserPresenceUnlock clears the side-channel record. Requires a
// step-up session.
func (ks *KeyService) DisableUserPresenceUnlock(sessionID types.SessionID) error {
	now := ks.clock.NowMs()
	if err := ks.ensureSessionValid(now, sessionID); err != nil {
		return err
	}
	sess, ok := ks.sessions.Get(sessionID)
	if !ok {
		return ErrSessionInvalid
	}
	if sess.Kind != types.SessionStepUp {
		return ErrStepUpRequired
	}
	return ks.put(userPresenceKey, []byte{})
}

// IngestScopeState validates a signed scope state and admits its signer into
// the roster. The first accepted state of a scope is the trust-on-first-use
// moment. expectedSignerFingerprint, when non-empty, must match the hex
// signer fingerprint.
func (ks *KeyService) IngestScopeState(sessionID types.SessionID, scopeStateCbor []byte, expectedSignerFingerprint string) (*IngestScopeStateResponse, error) {
	now := ks.clock.NowMs()
	if err := ks.ensureSessionValid(now, sessionID); err != nil {
		return nil, err
	}
	value, err := cbor.DecodeCanonical(scopeStateCbor, ks.config.Policy.cborLimits())
	if err != nil {
		return nil, err
	}
	scopeState, err := formats.ScopeStateV1FromValue(value)
	if err != nil {
		return nil, err
	}
	toVerify, err := scopeState.ToBeSignedBytes()
	if err != nil {
		return nil, err
	}
	signerKeys, err := extractSignerKeys(scopeState)
	if err != nil {
		return nil, err
	}
	if expectedSignerFingerprint != "" {
		if keys.SignerFingerprint(signerKeys) != expectedSignerFingerprint {
			return nil, ErrFingerprintMismatch
		}
	}
	if !keys.HybridVerify(toVerify, scopeState.Signature, signerKeys) {
		return nil, fmt.Errorf("%w: scope state signature invalid", ErrCrypto)
	}
	ref, err := scopeState.Ref()
	if err != nil {
		return nil, err
	}
	state, err := ks.stateOrInit()
	if err != nil {
		return nil, err
	}
	state.roster.UpsertSigner(scopeState.ScopeID, scopeState.SignerDeviceID, signerKeys)
	state.roster.InsertScopeStateRef(scopeState.ScopeID, ref)

	ks.metrics.RecordScopeStateIngested()
	ks.log.Info("scope state ingested",
		logger.String("scope_id", string(scopeState.ScopeID)),
		logger.String("device_id", string(scopeState.SignerDeviceID)))
	return &IngestScopeStateResponse{ScopeID: scopeState.ScopeID, ScopeStateRef: ref}, nil
}

// IngestKeyEnvelope validates a signed envelope against the roster,
// decapsulates the hybrid KEM, unwraps the scope key, and appends it to the
// ledger.
func (ks *KeyService) IngestKeyEnvelope(sessionID types.SessionID, envelopeCbor []byte) (*IngestKeyEnvelopeResponse, error) {
	now := ks.clock.NowMs()
	if err := ks.ensureSessionValid(now, sessionID); err != nil {
		return nil, err
	}
	value, err := cbor.DecodeCanonical(envelopeCbor, ks.config.Policy.cborLimits())
	if err != nil {
		return nil, err
	}
	envelope, err := formats.KeyEnvelopeV1FromValue(value)
	if err != nil {
		return nil, err
	}
	if ks.state == nil {
		return nil, ErrUnknownScope
	}
	signer, ok := ks.state.roster.Signer(envelope.ScopeID, envelope.SignerDeviceID)
	if !ok {
		return nil, ErrUntrustedSigner
	}
	refHex := hex.EncodeToString(envelope.ScopeStateRef)
	if !ks.state.roster.HasScopeStateRef(envelope.ScopeID, refHex) {
		return nil, fmt.Errorf("%w: unknown scopeStateRef", ErrInvalidFormat)
	}
	toVerify, err := envelope.ToBeSignedBytes()
	if err != nil {
		return nil, err
	}
	if !keys.HybridVerify(toVerify, envelope.Signature, signer) {
		return nil, fmt.Errorf("%w: key envelope signature invalid", ErrCrypto)
	}
	recipient, err := ks.loadUserKeypair()
	if err != nil {
		return nil, err
	}
	if envelope.RecipientUkPubFingerprint != nil {
		localFp := keys.RecipientFingerprint(recipient.PublicBytes)
		if !bytes.Equal(localFp, envelope.RecipientUkPubFingerprint) {
			return nil, ErrFingerprintMismatch
		}
	}
	wrapKey, err := keys.DeriveKemWrapKey(envelope.Enc, recipient, envelope.Kem)
	if err != nil {
		return nil, fmt.Errorf("%w: kem decapsulation failed", ErrCrypto)
	}
	defer memguard.WipeBytes(wrapKey)
	unwrapAAD, err := aad.KeyEnvelopeWrapV1(
		string(envelope.ScopeID),
		uint64(envelope.ScopeEpoch),
		string(envelope.RecipientUserID),
		envelope.ScopeStateRef,
		envelope.Kem,
		envelope.Aead,
		envelope.RecipientUkPubFingerprint,
	)
	if err != nil {
		return nil, err
	}
	scopeKey, err := crypto.AEADOpen(wrapKey, unwrapAAD, envelope.Nonce, envelope.WrappedScopeKey)
	if err != nil {
		return nil, fmt.Errorf("%w: scope key unwrap failed", ErrCrypto)
	}
	if err := ks.PersistScopeKey(sessionID, envelope.ScopeID, envelope.ScopeEpoch, scopeKey); err != nil {
		return nil, err
	}
	ks.metrics.RecordEnvelopeIngested()
	ks.log.Info("key envelope ingested",
		logger.String("scope_id", string(envelope.ScopeID)),
		logger.Uint64("scope_epoch", uint64(envelope.ScopeEpoch)))
	return &IngestKeyEnvelopeResponse{ScopeID: envelope.ScopeID, ScopeEpoch: envelope.ScopeEpoch}, nil
}

// OpenScope returns a handle onto the materialized scope key.
func (ks *KeyService) OpenScope(sessionID types.SessionID, scopeID types.ScopeID, scopeEpoch types.ScopeEpoch) (types.KeyHandle, error) {
	now := ks.clock.NowMs()
	if ks.state == nil {
		return "", ErrScopeKeyMissing
	}
	key, ok := ks.state.materialized.ScopeKeys[keyvault.ScopeKeyRef{ScopeID: scopeID, ScopeEpoch: scopeEpoch}]
	if !ok {
		return "", ErrScopeKeyMissing
	}
	if err := ks.ensureSessionValid(now, sessionID); err != nil {
		return "", err
	}
	sess, ok := ks.sessions.Get(sessionID)
	if !ok {
		return "", ErrSessionInvalid
	}
	return sess.InsertHandle(&session.HandleEntry{
		Kind:       session.HandleScopeKey,
		ScopeID:    scopeID,
		ScopeEpoch: scopeEpoch,
		Key:        append([]byte{}, key...),
	})
}

// OpenResource validates a signed grant, unwraps the resource key under the
// scope-key handle, appends a resource-key record, and returns a handle.
func (ks *KeyService) OpenResource(sessionID types.SessionID, scopeKeyHandle types.KeyHandle, grantCbor []byte) (types.KeyHandle, error) {
	now := ks.clock.NowMs()
	if err := ks.ensureSessionValid(now, sessionID); err != nil {
		return "", err
	}
	sess, ok := ks.sessions.Get(sessionID)
	if !ok {
		return "", ErrSessionInvalid
	}
	entry, ok := sess.GetHandle(scopeKeyHandle)
	if !ok || entry.Kind != session.HandleScopeKey {
		return "", ErrUnknownHandle
	}
	scopeKey := append([]byte{}, entry.Key...)
	defer memguard.WipeBytes(scopeKey)

	value, err := cbor.DecodeCanonical(grantCbor, ks.config.Policy.cborLimits())
	if err != nil {
		return "", err
	}
	grant, err := formats.ResourceGrantV1FromValue(value)
	if err != nil {
		return "", err
	}
	if ks.state == nil {
		return "", ErrUnknownScope
	}
	signer, ok := ks.state.roster.Signer(grant.ScopeID, grant.SignerDeviceID)
	if !ok {
		return "", ErrUntrustedSigner
	}
	refHex := hex.EncodeToString(grant.ScopeStateRef)
	if !ks.state.roster.HasScopeStateRef(grant.ScopeID, refHex) {
		return "", fmt.Errorf("%w: unknown scopeStateRef", ErrInvalidFormat)
	}
	toVerify, err := grant.ToBeSignedBytes()
	if err != nil {
		return "", err
	}
	if !keys.HybridVerify(toVerify, grant.Signature, signer) {
		return "", fmt.Errorf("%w: resource grant signature invalid", ErrCrypto)
	}
	unwrapAAD, err := aad.ResourceGrantWrapV1(
		string(grant.ScopeID),
		string(grant.ResourceID),
		grant.ScopeEpoch,
		string(grant.ResourceKeyID),
		grant.Aead,
	)
	if err != nil {
		return "", err
	}
	resourceKey, err := crypto.AEADOpen(scopeKey, unwrapAAD, grant.Nonce, grant.WrappedKey)
	if err != nil {
		return "", fmt.Errorf("%w: resource key unwrap failed", ErrCrypto)
	}
	if err := ks.PersistResourceKey(sessionID, grant.ResourceID, grant.ResourceKeyID, resourceKey); err != nil {
		return "", err
	}
	if err := ks.ensureSessionValid(now, sessionID); err != nil {
		return "", err
	}
	sess, ok = ks.sessions.Get(sessionID)
	if !ok {
		return "", ErrSessionInvalid
	}
	return sess.InsertHandle(&session.HandleEntry{
		Kind:          session.HandleResourceKey,
		ResourceID:    grant.ResourceID,
		ResourceKeyID: grant.ResourceKeyID,
		Key:           resourceKey,
	})
}

// CloseHandle drops a handle, zeroizing its key.
func (ks *KeyService) CloseHandle(sessionID types.SessionID, handle types.KeyHandle) error {
	now := ks.clock.NowMs()
	if err := ks.ensureSessionValid(now, sessionID); err != nil {
		return err
	}
	sess, ok := ks.sessions.Get(sessionID)
	if !ok {
		return ErrSessionInvalid
	}
	sess.RemoveHandle(handle)
	return nil
}

// Encrypt seals plaintext under the resource-key handle with a fresh nonce;
// the result is nonce || ciphertext.
func (ks *KeyService) Encrypt(sessionID types.SessionID, resourceKeyHandle types.KeyHandle, aadBytes, plaintext []byte) ([]byte, error) {
	now := ks.clock.NowMs()
	if err := ks.ensureSessionValid(now, sessionID); err != nil {
		return nil, err
	}
	sess, ok := ks.sessions.Get(sessionID)
	if !ok {
		return nil, ErrSessionInvalid
	}
	entry, ok := sess.GetHandle(resourceKeyHandle)
	if !ok || entry.Kind != session.HandleResourceKey {
		return nil, ErrUnknownHandle
	}
	nonce, err := ks.randomBytes(12)
	if err != nil {
		return nil, err
	}
	ct, err := crypto.AEADSeal(entry.Key, aadBytes, plaintext, nonce)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(ct))
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

// Decrypt opens nonce || ciphertext under the resource-key handle.
func (ks *KeyService) Decrypt(sessionID types.SessionID, resourceKeyHandle types.KeyHandle, aadBytes, ciphertext []byte) ([]byte, error) {
	now := ks.clock.NowMs()
	if err := ks.ensureSessionValid(now, sessionID); err != nil {
		return nil, err
	}
	sess, ok := ks.sessions.Get(sessionID)
	if !ok {
		return nil, ErrSessionInvalid
	}
	entry, ok := sess.GetHandle(resourceKeyHandle)
	if !ok || entry.Kind != session.HandleResourceKey {
		return nil, ErrUnknownHandle
	}
	if len(ciphertext) < 12 {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrCrypto)
	}
	nonce, ct := ciphertext[:12], ciphertext[12:]
	pt, err := crypto.AEADOpen(entry.Key, aadBytes, nonce, ct)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt failed", ErrCrypto)
	}
	return pt, nil
}

// Sign signs data with the device signing keypair via hybrid-sig-1.
func (ks *KeyService) Sign(sessionID types.SessionID, data []byte) (*SignResponse, error) {
	now := ks.clock.NowMs()
	if err := ks.ensureSessionValid(now, sessionID); err != nil {
		return nil, err
	}
	if ks.state == nil {
		return nil, fmt.Errorf("%w: keyvault not loaded", ErrCrypto)
	}
	var signing *keys.SigningKeypair
	for _, kp := range ks.state.materialized.DeviceSigningKeys {
		signing = kp
		break
	}
	if signing == nil {
		return nil, fmt.Errorf("%w: no device signing key", ErrCrypto)
	}
	sig, err := keys.HybridSign(data, signing)
	if err != nil {
		return nil, err
	}
	ks.metrics.RecordSignature()
	return &SignResponse{Signature: sig, Ciphersuite: types.HybridSig1}, nil
}

// Verify checks a hybrid signature against a rostered signer.
func (ks *KeyService) Verify(scopeID types.ScopeID, signerDeviceID types.DeviceID, data, signature []byte, ciphersuite types.SigSuiteID) (bool, error) {
	if ciphersuite != types.HybridSig1 {
		return false, fmt.Errorf("%w: unsupported signature suite", ErrInvalidFormat)
	}
	if ks.state == nil {
		return false, ErrUnknownScope
	}
	signer, ok := ks.state.roster.Signer(scopeID, signerDeviceID)
	if !ok {
		return false, ErrUntrustedSigner
	}
	valid := keys.HybridVerify(data, signature, signer)
	ks.metrics.RecordVerification(valid)
	return valid, nil
}

// UserPublicKeyBytes returns the canonical encoding of the user's hybrid
// KEM public key, for hosts to publish to envelope senders.
func (ks *KeyService) UserPublicKeyBytes(sessionID types.SessionID) ([]byte, error) {
	now := ks.clock.NowMs()
	if err := ks.ensureSessionValid(now, sessionID); err != nil {
		return nil, err
	}
	recipient, err := ks.loadUserKeypair()
	if err != nil {
		return nil, err
	}
	return append([]byte{}, recipient.PublicBytes...), nil
}

// InitIdentity generates the user KEM keypair and the device signing keypair
// and appends both to the ledger. Required once per vault before Sign or
// envelope ingestion can succeed.
func (ks *KeyService) InitIdentity(sessionID types.SessionID, deviceID types.DeviceID) error {
	header, err := ks.loadHeader()
	if err != nil {
		return err
	}
	now := ks.clock.NowMs()
	if err := ks.ensureSessionValid(now, sessionID); err != nil {
		return err
	}
	sess, ok := ks.sessions.Get(sessionID)
	if !ok {
		return ErrSessionInvalid
	}

	recipient, ukPrivBytes, err := keys.GenerateUserKeypair()
	if err != nil {
		return err
	}
	deviceSigner, err := keys.GenerateSigningKeypair()
	if err != nil {
		return err
	}

	userRecordID, err := ks.newID()
	if err != nil {
		return err
	}
	userRecord := keyvault.NewUserKeyRecord(userRecordID, ukPrivBytes, recipient.PublicBytes)
	deviceRecordID, err := ks.newID()
	if err != nil {
		return err
	}
	deviceRecord := keyvault.NewDeviceSigningKeyRecord(deviceRecordID, deviceID, deviceSigner, types.HybridSig1)

	state, err := ks.stateOrInit()
	if err != nil {
		return err
	}
	container1, err := state.vault.AppendRecord(header, sess.VaultKey, userRecord, state.vault.HeadSeq+1)
	if err != nil {
		return err
	}
	if err := ks.persistRecordContainer(container1); err != nil {
		return err
	}
	memguard.WipeBytes(ukPrivBytes)
	state.materialized.UserKey = recipient

	container2, err := state.vault.AppendRecord(header, sess.VaultKey, deviceRecord, state.vault.HeadSeq+1)
	if err != nil {
		return err
	}
	if err := ks.persistRecordContainer(container2); err != nil {
		return err
	}
	state.materialized.DeviceSigningKeys[deviceID] = deviceSigner

	ks.log.Info("identity initialized", logger.String("device_id", string(deviceID)))
	return nil
}

// PersistScopeKey appends a scope-key record and materializes it. The
// session TTL is re-checked here, immediately before the durable write.
func (ks *KeyService) PersistScopeKey(sessionID types.SessionID, scopeID types.ScopeID, scopeEpoch types.ScopeEpoch, scopeKey []byte) error {
	header, err := ks.loadHeader()
	if err != nil {
		return err
	}
	now := ks.clock.NowMs()
	if err := ks.ensureSessionValid(now, sessionID); err != nil {
		return err
	}
	sess, ok := ks.sessions.Get(sessionID)
	if !ok {
		return ErrSessionInvalid
	}
	recordID, err := ks.newID()
	if err != nil {
		return err
	}
	record := keyvault.NewScopeKeyRecord(recordID, scopeID, scopeEpoch, scopeKey)
	state, err := ks.stateOrInit()
	if err != nil {
		return err
	}
	container, err := state.vault.AppendRecord(header, sess.VaultKey, record, state.vault.HeadSeq+1)
	if err != nil {
		return err
	}
	if err := ks.persistRecordContainer(container); err != nil {
		return err
	}
	state.materialized.ScopeKeys[keyvault.ScopeKeyRef{ScopeID: scopeID, ScopeEpoch: scopeEpoch}] = append([]byte{}, scopeKey...)
	return nil
}

// PersistResourceKey appends a resource-key record and materializes it.
func (ks *KeyService) PersistResourceKey(sessionID types.SessionID, resourceID types.ResourceID, resourceKeyID types.ResourceKeyID, resourceKey []byte) error {
	header, err := ks.loadHeader()
	if err != nil {
		return err
	}
	now := ks.clock.NowMs()
	if err := ks.ensureSessionValid(now, sessionID); err != nil {
		return err
	}
	sess, ok := ks.sessions.Get(sessionID)
	if !ok {
		return ErrSessionInvalid
	}
	recordID, err := ks.newID()
	if err != nil {
		return err
	}
	record := keyvault.NewResourceKeyRecord(recordID, resourceID, resourceKeyID, resourceKey)
	state, err := ks.stateOrInit()
	if err != nil {
		return err
	}
	container, err := state.vault.AppendRecord(header, sess.VaultKey, record, state.vault.HeadSeq+1)
	if err != nil {
		return err
	}
	if err := ks.persistRecordContainer(container); err != nil {
		return err
	}
	state.materialized.ResourceKeys[keyvault.ResourceKeyRef{ResourceID: resourceID, ResourceKeyID: resourceKeyID}] = append([]byte{}, resourceKey...)
	return nil
}

func (ks *KeyService) finishUnlock(header *formats.KeyVaultHeaderV1, vaultKey []byte, assurance types.SessionAssurance) (*UnlockResponse, error) {
	now := ks.clock.NowMs()
	ttl := ks.config.Policy.NormalSessionTTLMs
	idBytes, err := ks.randomBytes(16)
	if err != nil {
		return nil, err
	}
	sessionID := types.SessionID(hex.EncodeToString(idBytes))
	sess := session.New(sessionID, now, now+ttl, types.SessionNormal, assurance, vaultKey)
	sess.MaxHandles = ks.config.Policy.MaxHandlesPerSession
	ks.sessions.Insert(sess)

	records, err := ks.loadAllRecordContainers()
	if err != nil {
		return nil, err
	}
	vaultState, materialized, err := keyvault.ApplyContainers(header, vaultKey, records)
	if err != nil {
		ks.metrics.RecordUnlock(false)
		ks.sessions.Remove(sessionID)
		return nil, err
	}
	ks.unloadState()
	ks.state = &serviceState{
		header:       header,
		vault:        vaultState,
		materialized: materialized,
		roster:       NewSignerRoster(),
	}
	ks.metrics.RecordUnlock(true)
	ks.log.Info("vault unlocked",
		logger.String("vault_id", header.VaultID),
		logger.String("assurance", assurance.String()),
		logger.Int("records", len(records)))
	return &UnlockResponse{
		SessionID:   sessionID,
		IssuedAtMs:  now,
		ExpiresAtMs: now + ttl,
		Kind:        types.SessionNormal,
		Assurance:   assurance,
	}, nil
}

// ensureSessionValid lazily expires sessions: a touch past expires_at_ms
// zeroizes and removes the session and unloads the vault.
func (ks *KeyService) ensureSessionValid(now uint64, sessionID types.SessionID) error {
	sess, ok := ks.sessions.Get(sessionID)
	if !ok {
		return ErrSessionInvalid
	}
	if now > sess.ExpiresAtMs {
		sess.Clear()
		ks.sessions.Remove(sessionID)
		ks.unloadState()
		return ErrSessionInvalid
	}
	return nil
}

func (ks *KeyService) unloadState() {
	if ks.state != nil {
		ks.state.materialized.Wipe()
		ks.state = nil
	}
}

func (ks *KeyService) stateOrInit() (*serviceState, error) {
	if ks.state != nil {
		return ks.state, nil
	}
	header, err := ks.loadHeader()
	if err != nil {
		return nil, err
	}
	ks.state = &serviceState{
		header:       header,
		vault:        keyvault.NewState(),
		materialized: keyvault.NewMaterialized(),
		roster:       NewSignerRoster(),
	}
	return ks.state, nil
}

func (ks *KeyService) loadHeader() (*formats.KeyVaultHeaderV1, error) {
	value, found, err := ks.storage.Get(keyvaultNamespace, headerKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: missing keyvault header", ErrInvalidFormat)
	}
	return formats.DecodeKeyVaultHeaderV1(value)
}

func (ks *KeyService) loadAllRecordContainers() ([]formats.KeyVaultRecordContainerV1, error) {
	index, err := ks.loadRecordIndex()
	if err != nil {
		return nil, err
	}
	records := make([]formats.KeyVaultRecordContainerV1, 0, len(index))
	for _, recordID := range index {
		value, found, err := ks.storage.Get(keyvaultNamespace, recordKeyPrefix+recordID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if !found {
			continue
		}
		record, err := formats.DecodeKeyVaultRecordContainerV1(value)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
	return records, nil
}

func (ks *KeyService) loadUserKeypair() (*keys.KemRecipient, error) {
	if ks.state == nil {
		return nil, fmt.Errorf("%w: keyvault not loaded", ErrCrypto)
	}
	if ks.state.materialized.UserKey == nil {
		return nil, fmt.Errorf("%w: missing user key", ErrCrypto)
	}
	return ks.state.materialized.UserKey, nil
}

func (ks *KeyService) loadUserPresenceUnlock() (*formats.UserPresenceUnlockV1, error) {
	value, found, err := ks.storage.Get(keyvaultNamespace, userPresenceKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: missing user presence unlock record", ErrInvalidFormat)
	}
	if len(value) == 0 {
		return nil, fmt.Errorf("%w: user presence unlock not enabled", ErrInvalidFormat)
	}
	return formats.DecodeUserPresenceUnlockV1(value)
}

// persistRecordContainer writes the container to its record key and keeps
// the header's records array and the record_index in step with it.
func (ks *KeyService) persistRecordContainer(container *formats.KeyVaultRecordContainerV1) error {
	recordBytes, err := formats.EncodeKeyVaultRecordContainerV1(container)
	if err != nil {
		return err
	}
	if err := ks.put(recordKeyPrefix+container.RecordID, recordBytes); err != nil {
		return err
	}

	header, err := ks.loadHeader()
	if err != nil {
		return err
	}
	known := false
	for i := range header.Records {
		if header.Records[i].RecordID == container.RecordID {
			known = true
			break
		}
	}
	if !known {
		header.Records = append(header.Records, *container)
		headerBytes, err := formats.EncodeKeyVaultHeaderV1(header)
		if err != nil {
			return err
		}
		if err := ks.put(headerKey, headerBytes); err != nil {
			return err
		}
		if ks.state != nil {
			ks.state.header = header
		}
	}

	index, err := ks.loadRecordIndex()
	if err != nil {
		return err
	}
	present := false
	for _, id := range index {
		if id == container.RecordID {
			present = true
			break
		}
	}
	if !present {
		index = append(index, container.RecordID)
	}
	if err := ks.putRecordIndex(index); err != nil {
		return err
	}
	ks.metrics.RecordRecordAppended()
	return nil
}

func (ks *KeyService) loadRecordIndex() ([]string, error) {
	value, found, err := ks.storage.Get(keyvaultNamespace, recordIndexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !found || len(value) == 0 {
		return nil, nil
	}
	decoded, err := cbor.DecodeCanonical(value, ks.config.Policy.cborLimits())
	if err != nil {
		return nil, err
	}
	arr, err := cbor.AsArray(decoded)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(arr))
	for _, item := range arr {
		id, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%w: record index invalid", ErrInvalidCbor)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (ks *KeyService) putRecordIndex(index []string) error {
	items := make([]any, len(index))
	for i, id := range index {
		items[i] = id
	}
	indexBytes, err := cbor.EncodeCanonical(items)
	if err != nil {
		return err
	}
	return ks.put(recordIndexKey, indexBytes)
}

func (ks *KeyService) put(key string, value []byte) error {
	if err := ks.storage.Put(keyvaultNamespace, key, value); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (ks *KeyService) randomBytes(n int) ([]byte, error) {
	b, err := ks.entropy.RandomBytes(n)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	if len(b) != n {
		return nil, fmt.Errorf("%w: short entropy read", ErrCrypto)
	}
	return b, nil
}

// newID formats 16 entropy bytes in UUID text form.
func (ks *KeyService) newID() (string, error) {
	b, err := ks.randomBytes(16)
	if err != nil {
		return "", err
	}
	id, err := uuid.FromBytes(b)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return id.String(), nil
}

// extractSignerKeys reads the signer's public keys out of a scope-state
// payload: ed25519 at key 1, ml-dsa at key 2.
func extractSignerKeys(scopeState *formats.ScopeStateV1) (keys.SignerKeys, error) {
	if scopeState.SigSuite != types.HybridSig1 {
		return keys.SignerKeys{}, fmt.Errorf("%w: unsupported sig suite", ErrInvalidFormat)
	}
	payload, err := cbor.AsMap(scopeState.Payload)
	if err != nil {
		return keys.SignerKeys{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	edPub, err := cbor.ReqBytes(payload, 1)
	if err != nil {
		return keys.SignerKeys{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	mlPub, err := cbor.ReqBytes(payload, 2)
	if err != nil {
		return keys.SignerKeys{}, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return keys.SignerKeys{
		SigSuite:   types.HybridSig1,
		Ed25519Pub: edPub,
		MLDSAPub:   mlPub,
	}, nil
}
