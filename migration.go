package tokenvault

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"southwinds.dev/tokenvault/audit"
	"southwinds.dev/tokenvault/internal/crypto"
	"southwinds.dev/tokenvault/internal/misc"
	"southwinds.dev/tokenvault/persist"
)

// WorkflowState tracks a migration or rotation through its lifecycle.
type WorkflowState string

const (
	StateIdle       WorkflowState = "idle"
	StateInProgress WorkflowState = "in_progress"
	StateCommitted  WorkflowState = "committed"
	StateRolledBack WorkflowState = "rolled_back"
)

// Workflow is the operator-invoked migration and rotation procedure. It is
// not a long-running service: each call runs one conversion to completion
// and leaves the TokenStore's invariants intact whether it commits or rolls
// back.
//
// Both operations are all or nothing. The replacement envelope is written
// to a staging location, verified by loading and decrypting it, and only
// then promoted over the live path in a single rename. A failure at any
// step before the promote leaves the live envelope byte-for-byte unchanged;
// a failure after the promote is not possible by construction because the
// promote is the last step.
type Workflow struct {
	tokens *TokenStore
	state  WorkflowState

	// progress receives human-readable step descriptions for CLI output.
	progress func(step string)

	// failpoint, when set, is invoked between staging and promoting;
	// tests use it to inject failures at the critical boundary.
	failpoint func(stage string) error
}

// NewWorkflow prepares a migration/rotation workflow over the given store.
func NewWorkflow(tokens *TokenStore) *Workflow {
	return &Workflow{
		tokens: tokens,
		state:  StateIdle,
	}
}

// State returns the workflow's current lifecycle state.
func (w *Workflow) State() WorkflowState {
	return w.state
}

// OnProgress registers a callback for per-step progress reporting.
func (w *Workflow) OnProgress(fn func(step string)) {
	w.progress = fn
}

func (w *Workflow) step(format string, args ...interface{}) {
	if w.progress != nil {
		w.progress(fmt.Sprintf(format, args...))
	}
	w.logAudit(audit.ActionWorkflowStep, true, map[string]interface{}{
		"step": fmt.Sprintf(format, args...),
	})
}

// Migrate converts a legacy unversioned envelope to the versioned format.
//
// The legacy file is copied unmodified to a timestamped backup first, then
// decrypted with the single static legacy key, re-encrypted under the
// registry's current versioned key, staged, verified by decrypting the
// staged copy, and finally promoted over the live path. The legacy key is
// wiped before Migrate returns. The backup is retained regardless of
// outcome until CleanupBackups runs after independent verification.
func (w *Workflow) Migrate(legacyKey []byte) error {
	defer Wipe(legacyKey)

	if len(legacyKey) != misc.KeyLength {
		return fmt.Errorf("%w: legacy key must be %d bytes, got %d",
			ErrConfiguration, misc.KeyLength, len(legacyKey))
	}

	w.state = StateInProgress
	w.logAudit(audit.ActionMigrationStarted, true, nil)

	if err := w.runMigration(legacyKey); err != nil {
		w.state = StateRolledBack
		w.logAudit(audit.ActionMigrationFailed, false, map[string]interface{}{
			"error": err.Error(),
		})
		return fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}

	w.state = StateCommitted
	w.logAudit(audit.ActionMigrationComplete, true, map[string]interface{}{
		"key_id": w.tokens.registry.CurrentVersion(),
	})
	return nil
}

func (w *Workflow) runMigration(legacyKey []byte) error {
	store := w.tokens.store

	w.step("reading envelope file")
	raw, err := store.LoadEnvelope()
	if err != nil {
		if errors.Is(err, persist.ErrEnvelopeNotFound) {
			return fmt.Errorf("no envelope file to migrate")
		}
		return err
	}

	if !IsLegacyEnvelope(raw) {
		if _, perr := ParseEnvelope(raw); perr == nil {
			return fmt.Errorf("envelope is already in the versioned format")
		}
		return fmt.Errorf("envelope is neither legacy nor versioned, refusing to touch it")
	}

	w.step("backing up legacy envelope")
	backupName, err := store.BackupEnvelope("pre-migration")
	if err != nil {
		return fmt.Errorf("failed to back up legacy envelope: %w", err)
	}
	w.logAudit(audit.ActionBackupCreated, true, map[string]interface{}{
		"backup": backupName,
	})

	w.step("decrypting legacy envelope")
	legacy, err := ParseLegacyEnvelope(raw)
	if err != nil {
		return err
	}
	plaintext, err := crypto.DecryptLegacy(legacyKey, legacy.IVHex, legacy.AuthTagHex, legacy.CipherHex)
	if err != nil {
		return fmt.Errorf("failed to decrypt legacy envelope: %w", err)
	}
	defer Wipe(plaintext)

	var record TokenRecord
	if err = json.Unmarshal(plaintext, &record); err != nil {
		return fmt.Errorf("legacy envelope payload is not a token record: %w", err)
	}
	if err = record.Validate(); err != nil {
		return err
	}

	w.step("re-encrypting under key version %s", w.tokens.registry.CurrentVersion())
	envelope, err := w.tokens.encryptRecord(record)
	if err != nil {
		return err
	}

	return w.stageVerifyPromote(envelope, record)
}

// stageVerifyPromote writes the replacement envelope to a staging location,
// proves it decrypts back to the expected record, then promotes it over the
// live path as the single final step.
func (w *Workflow) stageVerifyPromote(envelope *VersionedEnvelope, want TokenRecord) error {
	store := w.tokens.store

	data, err := envelope.Marshal()
	if err != nil {
		return err
	}

	w.step("staging replacement envelope")
	staged, err := store.StageEnvelope(data)
	if err != nil {
		return fmt.Errorf("failed to stage envelope: %w", err)
	}
	// The staged file is scratch until promoted; discard it on any failure.
	committed := false
	defer func() {
		if !committed {
			if derr := store.DiscardStaged(staged); derr != nil {
				log.Printf("tokenvault: failed to discard staged envelope: %v", derr)
			}
		}
	}()

	w.step("verifying staged envelope")
	stagedData, err := store.LoadStaged(staged)
	if err != nil {
		return fmt.Errorf("failed to read staged envelope back: %w", err)
	}
	stagedEnvelope, err := ParseEnvelope(stagedData)
	if err != nil {
		return fmt.Errorf("staged envelope failed verification: %w", err)
	}
	got, err := w.tokens.decryptEnvelope(stagedEnvelope)
	if err != nil {
		return fmt.Errorf("staged envelope failed verification: %w", err)
	}
	if *got != want {
		return fmt.Errorf("staged envelope decrypts to a different record")
	}

	if w.failpoint != nil {
		if err = w.failpoint("before-promote"); err != nil {
			return err
		}
	}

	w.step("replacing live envelope")
	if err = store.PromoteStaged(staged); err != nil {
		return fmt.Errorf("failed to replace live envelope: %w", err)
	}
	committed = true
	return nil
}

// Verify attempts a full load and decrypt of the live envelope without
// mutating anything.
func (w *Workflow) Verify() (*TokenRecord, error) {
	return w.tokens.Load()
}

// ListBackups returns the retained envelope backups, newest first.
func (w *Workflow) ListBackups() ([]persist.BackupInfo, error) {
	return w.tokens.store.ListBackups()
}

// CleanupBackups deletes all retained backups. Operators run this only
// after independently verifying the migrated or rotated envelope.
func (w *Workflow) CleanupBackups() (int, error) {
	backups, err := w.tokens.store.ListBackups()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, b := range backups {
		if err = w.tokens.store.DeleteBackup(b.Name); err != nil {
			return removed, fmt.Errorf("failed to delete backup %s: %w", b.Name, err)
		}
		removed++
		w.logAudit(audit.ActionBackupCleaned, true, map[string]interface{}{
			"backup": b.Name,
		})
	}
	return removed, nil
}

func (w *Workflow) logAudit(action audit.Action, success bool, metadata map[string]interface{}) {
	if err := w.tokens.auditor.Log(action, success, metadata); err != nil {
		log.Printf("tokenvault: audit log append failed: %v", err)
	}
}
