package tokenvault

import (
	"errors"
	"fmt"

	"southwinds.dev/tokenvault/audit"
	"southwinds.dev/tokenvault/internal/misc"
	"southwinds.dev/tokenvault/persist"
)

// Rotate re-encrypts the existing versioned envelope under a newly
// registered key version.
//
// The sequence is: register the new key derived from newSecret, decrypt the
// envelope under its currently recorded version, re-encrypt under the new
// version, stage, verify, promote, and only after the promote succeeds move
// the registry's current pointer to the new version. The superseded version
// stays registered so envelopes written before the rotation remain
// decryptable; operators evict it later with Registry.Retire.
//
// A failure at any step before the promote leaves both the live envelope
// and the current pointer exactly as they were. newSecret is the base64
// encoding of a 32-byte secret, matching the startup configuration format;
// the decoded bytes are wiped before Rotate returns.
func (w *Workflow) Rotate(newVersion, newSecret string) error {
	w.state = StateInProgress
	w.logAudit(audit.ActionRotationStarted, true, map[string]interface{}{
		"key_id": newVersion,
	})

	if err := w.runRotation(newVersion, newSecret); err != nil {
		w.state = StateRolledBack
		w.logAudit(audit.ActionRotationFailed, false, map[string]interface{}{
			"key_id": newVersion, "error": err.Error(),
		})
		return fmt.Errorf("%w: %v", ErrRotationFailed, err)
	}

	w.state = StateCommitted
	w.logAudit(audit.ActionRotationComplete, true, map[string]interface{}{
		"key_id": newVersion,
	})
	return nil
}

func (w *Workflow) runRotation(newVersion, newSecret string) error {
	registry := w.tokens.registry
	store := w.tokens.store

	w.step("registering key version %s", newVersion)
	secret, err := decodeSecret(newSecret)
	if err != nil {
		return fmt.Errorf("%w: new secret: %v", ErrConfiguration, err)
	}
	if err = registerDerived(registry, newVersion, secret, registry.iterationsPolicy(), w.tokens.clock); err != nil {
		return err
	}

	w.step("reading current envelope")
	raw, err := store.LoadEnvelope()
	if err != nil {
		if errors.Is(err, persist.ErrEnvelopeNotFound) {
			// Nothing to re-encrypt; rotation is just a pointer move.
			w.step("no envelope present, updating current version only")
			return registry.SetCurrent(newVersion)
		}
		return err
	}

	envelope, err := ParseEnvelope(raw)
	if err != nil {
		return fmt.Errorf("cannot rotate: %w", err)
	}

	w.step("decrypting envelope under key version %s", envelope.Version)
	record, err := w.tokens.decryptEnvelope(envelope)
	if err != nil {
		return err
	}

	w.step("backing up envelope")
	backupName, err := store.BackupEnvelope("pre-rotation")
	if err != nil {
		return fmt.Errorf("failed to back up envelope: %w", err)
	}
	w.logAudit(audit.ActionBackupCreated, true, map[string]interface{}{
		"backup": backupName,
	})

	newKey, ok := registry.Get(newVersion)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKeyVersion, newVersion)
	}

	w.step("re-encrypting under key version %s", newVersion)
	replacement, err := w.tokens.encryptRecordWith(newKey, *record)
	if err != nil {
		return err
	}

	if err = w.stageVerifyPromote(replacement, *record); err != nil {
		return err
	}

	// The promote succeeded; only now does the current pointer move.
	w.step("updating current key version to %s", newVersion)
	return registry.SetCurrent(newVersion)
}

// iterationsPolicy returns the iteration count in force for newly derived
// keys: the current key's count, so rotation never silently weakens the
// derivation parameters.
func (r *Registry) iterationsPolicy() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if key, ok := r.keys[r.current]; ok {
		return key.Metadata.Iterations
	}
	return misc.DefaultIterations
}
