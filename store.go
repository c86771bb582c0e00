package tokenvault

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jonboulle/clockwork"

	"southwinds.dev/tokenvault/audit"
	"southwinds.dev/tokenvault/internal/crypto"
	"southwinds.dev/tokenvault/persist"
)

// TokenStore serializes a token record, encrypts it under the registry's
// current key and reads/writes the versioned envelope through a persist
// backend, recording provenance in the audit log.
//
// Construct exactly one TokenStore per process and pass it by reference to
// all callers; it holds no hidden global state. Envelope writes go through
// the backend's atomic write path, so no reader ever observes a partially
// written envelope.
type TokenStore struct {
	registry *Registry
	store    persist.Store
	auditor  audit.Logger
	clock    clockwork.Clock
}

// NewTokenStore wires the store to a key registry, a persistence backend
// and an audit logger. A nil auditor disables auditing; a nil clock uses
// wall time.
func NewTokenStore(registry *Registry, store persist.Store, auditor audit.Logger, clock clockwork.Clock) (*TokenStore, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if auditor == nil {
		auditor = audit.NewNoOpLogger()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &TokenStore{
		registry: registry,
		store:    store,
		auditor:  auditor,
		clock:    clock,
	}, nil
}

// Save validates the record, encrypts it under the registry's current key
// with a fresh nonce, assembles a VersionedEnvelope and writes it to the
// configured path with owner-only permissions, replacing any prior envelope
// in full.
//
// The audit entry records a SHA-256 digest of the access credential and the
// key version used, never the credential itself.
func (ts *TokenStore) Save(record TokenRecord) error {
	if err := record.Validate(); err != nil {
		ts.logAudit(audit.ActionTokenEncrypted, false, map[string]interface{}{
			"error": "record validation failed",
		})
		return err
	}

	envelope, err := ts.encryptRecord(record)
	if err != nil {
		ts.logAudit(audit.ActionTokenEncrypted, false, map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}

	data, err := envelope.Marshal()
	if err != nil {
		return err
	}

	if err = ts.store.SaveEnvelope(data); err != nil {
		ts.logAudit(audit.ActionTokenEncrypted, false, map[string]interface{}{
			"key_id": envelope.KeyID, "error": err.Error(),
		})
		return fmt.Errorf("failed to write envelope: %w", err)
	}

	ts.logAudit(audit.ActionTokenEncrypted, true, map[string]interface{}{
		"key_id":            envelope.KeyID,
		"access_token_hash": crypto.CredentialDigest([]byte(record.AccessToken)),
	})
	return nil
}

// Load reads the envelope and decrypts it with the key version it names.
//
// If no envelope exists, Load returns (nil, nil): an absent token set is a
// legitimate result, not an error. A legacy colon-delimited file yields
// ErrLegacyEnvelope so the caller can direct the operator to the migration
// workflow. An envelope naming an unregistered version yields
// ErrUnknownKeyVersion, and a failed AEAD tag check yields
// ErrAuthenticationFailed; neither ever returns plaintext.
func (ts *TokenStore) Load() (*TokenRecord, error) {
	data, err := ts.store.LoadEnvelope()
	if err != nil {
		if errors.Is(err, persist.ErrEnvelopeNotFound) {
			return nil, nil
		}
		return nil, err
	}

	envelope, err := ParseEnvelope(data)
	if err != nil {
		ts.logAudit(audit.ActionTokenDecrypted, false, map[string]interface{}{
			"error": err.Error(),
		})
		return nil, err
	}

	record, err := ts.decryptEnvelope(envelope)
	if err != nil {
		ts.logAudit(audit.ActionTokenDecrypted, false, map[string]interface{}{
			"key_id": envelope.KeyID, "error": err.Error(),
		})
		return nil, err
	}

	ts.logAudit(audit.ActionTokenDecrypted, true, map[string]interface{}{
		"key_id": envelope.KeyID,
	})
	return record, nil
}

// DeleteOnInvalidGrant removes the envelope. It is the designated response
// when the upstream OAuth provider reports the refresh credential as
// permanently invalid. An already-absent envelope is not an error, and the
// audit entry is written regardless.
func (ts *TokenStore) DeleteOnInvalidGrant() error {
	err := ts.store.DeleteEnvelope()
	ts.logAudit(audit.ActionTokenDeleted, err == nil, map[string]interface{}{
		"reason": "invalid_grant",
	})
	if err != nil {
		return fmt.Errorf("failed to delete envelope: %w", err)
	}
	return nil
}

// IsExpired reports whether the record's expiry has passed.
func (ts *TokenStore) IsExpired(record TokenRecord) bool {
	return IsExpired(record, ts.clock)
}

// IsExpiringSoon reports whether the record expires within the buffer.
func (ts *TokenStore) IsExpiringSoon(record TokenRecord, buffer time.Duration) bool {
	return IsExpiringSoon(record, buffer, ts.clock)
}

// HasEnvelope reports whether an envelope is present in storage.
func (ts *TokenStore) HasEnvelope() (bool, error) {
	return ts.store.EnvelopeExists()
}

// EnvelopeVersion reports the key version recorded in the stored envelope,
// or "legacy" for the unversioned format. It never decrypts.
func (ts *TokenStore) EnvelopeVersion() (string, error) {
	raw, err := ts.store.LoadEnvelope()
	if err != nil {
		return "", err
	}
	if IsLegacyEnvelope(raw) {
		return "legacy", nil
	}
	envelope, err := ParseEnvelope(raw)
	if err != nil {
		return "", err
	}
	return envelope.Version, nil
}

func (ts *TokenStore) encryptRecord(record TokenRecord) (*VersionedEnvelope, error) {
	current, err := ts.registry.Current()
	if err != nil {
		return nil, err
	}
	return ts.encryptRecordWith(current, record)
}

// encryptRecordWith seals the record under an explicit key version. The
// rotation workflow uses it to encrypt under a newly registered key before
// that key becomes current.
func (ts *TokenStore) encryptRecordWith(key *RegisteredKey, record TokenRecord) (*VersionedEnvelope, error) {
	plaintext, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize record: %w", err)
	}
	defer Wipe(plaintext)

	keyBuf, err := key.Open()
	if err != nil {
		return nil, err
	}
	defer keyBuf.Destroy()

	bundle, err := crypto.SealBundle(keyBuf.Bytes(), plaintext)
	if err != nil {
		return nil, err
	}

	return &VersionedEnvelope{
		Version:   key.Version,
		Algorithm: AlgorithmChaCha20Poly1305,
		KeyDerivation: KeyDerivationInfo{
			Method:     DerivationMethod,
			Iterations: key.Metadata.Iterations,
			Salt:       key.Metadata.Salt,
		},
		Ciphertext: bundle,
		CreatedAt:  ts.clock.Now().UTC(),
		KeyID:      key.Version,
	}, nil
}

func (ts *TokenStore) decryptEnvelope(envelope *VersionedEnvelope) (*TokenRecord, error) {
	keyBuf, err := ts.registry.decryptionKey(
		envelope.Version, envelope.KeyDerivation.Salt, envelope.KeyDerivation.Iterations)
	if err != nil {
		return nil, err
	}
	defer keyBuf.Destroy()

	plaintext, err := crypto.OpenBundle(keyBuf.Bytes(), envelope.Ciphertext)
	if err != nil {
		if errors.Is(err, crypto.ErrAuthentication) {
			return nil, fmt.Errorf("%w: envelope %s", ErrAuthenticationFailed, envelope.Version)
		}
		return nil, err
	}
	defer Wipe(plaintext)

	var record TokenRecord
	if err = json.Unmarshal(plaintext, &record); err != nil {
		return nil, fmt.Errorf("failed to parse decrypted record: %w", err)
	}
	return &record, nil
}

func (ts *TokenStore) logAudit(action audit.Action, success bool, metadata map[string]interface{}) {
	if err := ts.auditor.Log(action, success, metadata); err != nil {
		log.Printf("tokenvault: audit log append failed: %v", err)
	}
}
