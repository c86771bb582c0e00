package tokenvault

import (
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/jonboulle/clockwork"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	tokens, path := newTestStore(t)
	record := testRecord()

	if err := tokens.Save(record); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Envelope file not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("Envelope file permissions = %o, want 0600", perm)
	}

	loaded, err := tokens.Load()
	if err != nil {
		t.Fatalf("Failed to load record: %v", err)
	}
	if loaded == nil {
		t.Fatal("Load returned nil record for an existing envelope")
	}
	if *loaded != record {
		t.Errorf("Round trip changed record.\nSaved:  %+v\nLoaded: %+v", record, *loaded)
	}
}

func TestSaveWritesVersionedEnvelope(t *testing.T) {
	tokens, path := newTestStore(t)

	if err := tokens.Save(testRecord()); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read envelope file: %v", err)
	}

	var env VersionedEnvelope
	if err = json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Envelope file is not JSON: %v", err)
	}
	if env.Version != "v1" || env.KeyID != "v1" {
		t.Errorf("Envelope identity = %s/%s, want v1/v1", env.Version, env.KeyID)
	}
	if env.Algorithm != AlgorithmChaCha20Poly1305 {
		t.Errorf("Envelope algorithm = %s", env.Algorithm)
	}
	if env.KeyDerivation.Method != DerivationMethod {
		t.Errorf("Envelope derivation method = %s", env.KeyDerivation.Method)
	}
	if env.KeyDerivation.Iterations < 100000 {
		t.Errorf("Envelope iteration count %d below floor", env.KeyDerivation.Iterations)
	}
	if len(env.KeyDerivation.Salt) != 32 {
		t.Errorf("Envelope salt length = %d, want 32", len(env.KeyDerivation.Salt))
	}
}

func TestSaveRejectsInvalidRecord(t *testing.T) {
	tokens, path := newTestStore(t)

	record := testRecord()
	record.RefreshToken = ""
	if err := tokens.Save(record); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("Expected ErrInvalidRecord, got %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Invalid record still produced an envelope file")
	}
}

func TestLoadAbsentEnvelope(t *testing.T) {
	tokens, _ := newTestStore(t)

	record, err := tokens.Load()
	if err != nil {
		t.Fatalf("Load of absent envelope must not error: %v", err)
	}
	if record != nil {
		t.Errorf("Load of absent envelope returned a record: %+v", record)
	}
}

func TestLoadLegacyEnvelope(t *testing.T) {
	tokens, path := newTestStore(t)

	if err := os.WriteFile(path, []byte("a1b2:c3d4:e5f6"), 0600); err != nil {
		t.Fatalf("Failed to write legacy file: %v", err)
	}

	_, err := tokens.Load()
	if !errors.Is(err, ErrLegacyEnvelope) {
		t.Fatalf("Expected ErrLegacyEnvelope, got %v", err)
	}
}

func TestLoadTamperedCiphertext(t *testing.T) {
	tokens, path := newTestStore(t)

	if err := tokens.Save(testRecord()); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read envelope file: %v", err)
	}
	var env VersionedEnvelope
	if err = json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Failed to parse envelope file: %v", err)
	}

	env.Ciphertext[len(env.Ciphertext)-1] ^= 0x01

	tampered, err := json.Marshal(&env)
	if err != nil {
		t.Fatalf("Failed to re-marshal envelope: %v", err)
	}
	if err = os.WriteFile(path, tampered, 0600); err != nil {
		t.Fatalf("Failed to write tampered envelope: %v", err)
	}

	_, err = tokens.Load()
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("Expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestLoadUnknownKeyVersion(t *testing.T) {
	tokens, path := newTestStore(t)

	if err := tokens.Save(testRecord()); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read envelope file: %v", err)
	}
	var env VersionedEnvelope
	if err = json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Failed to parse envelope file: %v", err)
	}

	env.Version = "v9"
	env.KeyID = "v9"
	modified, err := json.Marshal(&env)
	if err != nil {
		t.Fatalf("Failed to re-marshal envelope: %v", err)
	}
	if err = os.WriteFile(path, modified, 0600); err != nil {
		t.Fatalf("Failed to write modified envelope: %v", err)
	}

	_, err = tokens.Load()
	if !errors.Is(err, ErrUnknownKeyVersion) {
		t.Fatalf("Expected ErrUnknownKeyVersion, got %v", err)
	}
}

// A registry rebuilt on a later process start derives its keys with fresh
// salts; the envelope written by the earlier instance must still decrypt.
func TestLoadAfterRestart(t *testing.T) {
	tokens, path := newTestStore(t)
	record := testRecord()

	if err := tokens.Save(record); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}
	if err := tokens.Close(); err != nil {
		t.Fatalf("Failed to close first instance: %v", err)
	}

	reopened, err := OpenWithClock(testOptions(path), clockwork.NewFakeClockAt(testEpoch))
	if err != nil {
		t.Fatalf("Failed to reopen token store: %v", err)
	}
	defer reopened.Close()

	loaded, err := reopened.Load()
	if err != nil {
		t.Fatalf("Failed to load record after restart: %v", err)
	}
	if loaded == nil || *loaded != record {
		t.Errorf("Record changed across restart: %+v", loaded)
	}
}

func TestDeleteOnInvalidGrant(t *testing.T) {
	tokens, path := newTestStore(t)

	if err := tokens.Save(testRecord()); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}
	if err := tokens.DeleteOnInvalidGrant(); err != nil {
		t.Fatalf("Failed to delete envelope: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Envelope file still present after deletion")
	}

	// Deleting an already-absent envelope is not an error.
	if err := tokens.DeleteOnInvalidGrant(); err != nil {
		t.Errorf("Delete of absent envelope must not error: %v", err)
	}

	record, err := tokens.Load()
	if err != nil || record != nil {
		t.Errorf("Load after deletion = (%+v, %v), want (nil, nil)", record, err)
	}
}

func TestEnvelopeVersionInspection(t *testing.T) {
	tokens, path := newTestStore(t)

	exists, err := tokens.HasEnvelope()
	if err != nil || exists {
		t.Errorf("HasEnvelope on fresh store = (%v, %v)", exists, err)
	}

	if err = tokens.Save(testRecord()); err != nil {
		t.Fatalf("Failed to save record: %v", err)
	}
	version, err := tokens.EnvelopeVersion()
	if err != nil {
		t.Fatalf("Failed to inspect envelope version: %v", err)
	}
	if version != "v1" {
		t.Errorf("Envelope version = %s, want v1", version)
	}

	if err = os.WriteFile(path, []byte("a1b2:c3d4:e5f6"), 0600); err != nil {
		t.Fatalf("Failed to write legacy file: %v", err)
	}
	version, err = tokens.EnvelopeVersion()
	if err != nil {
		t.Fatalf("Failed to inspect legacy envelope: %v", err)
	}
	if version != "legacy" {
		t.Errorf("Legacy envelope version = %s, want legacy", version)
	}
}
