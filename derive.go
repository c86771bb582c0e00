// Package tokenvault persists a single set of OAuth-style tokens to disk in
// encrypted form, protected by a rotatable set of symmetric keys derived
// from operator-supplied secrets. It keeps an append-only audit trail and
// provides an atomic migration path from the pre-versioning on-disk format.
//
// The package exposes three surfaces: the Registry of derived key versions,
// the Store that encrypts and decrypts the token envelope, and the Workflow
// that migrates legacy envelopes and rotates key versions. External
// collaborators (the OAuth client) only ever call Store.Save, Store.Load and
// Store.DeleteOnInvalidGrant.
package tokenvault

import (
	"crypto/subtle"
	"fmt"

	"github.com/awnumar/memguard"

	"southwinds.dev/tokenvault/internal/crypto"
	"southwinds.dev/tokenvault/internal/misc"
)

// DerivedKey is the result of running a raw secret through the key
// derivation function. Key is exactly 32 bytes; Salt and Iterations are the
// provenance needed to reproduce it.
type DerivedKey struct {
	Key        []byte
	Salt       []byte
	Iterations int
}

// DeriveKey turns an operator-supplied raw secret plus a salt into a fixed
// length symmetric key via PBKDF2-SHA256.
//
// If salt is nil a fresh 32-byte salt is generated from a cryptographically
// secure source. The iteration count must meet the published floor of
// 100,000; lower values fail with a configuration error before any
// derivation work begins. Derivation is deterministic for identical
// (secret, salt, iterations) inputs, which is what makes previously written
// envelopes decryptable.
//
// Derivation is deliberately slow. Callers must not race it against a
// deadline; there is no cancellation contract.
func DeriveKey(secret, salt []byte, iterations int) (*DerivedKey, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: secret cannot be empty", ErrConfiguration)
	}
	if iterations < misc.MinIterations {
		return nil, fmt.Errorf("%w: iteration count %d below minimum %d",
			ErrConfiguration, iterations, misc.MinIterations)
	}

	if salt == nil {
		var err error
		salt, err = crypto.GenerateSalt()
		if err != nil {
			return nil, err
		}
	} else if len(salt) != misc.SaltSize {
		return nil, fmt.Errorf("%w: salt must be %d bytes, got %d",
			ErrConfiguration, misc.SaltSize, len(salt))
	}

	return &DerivedKey{
		Key:        crypto.DeriveKey(secret, salt, iterations),
		Salt:       salt,
		Iterations: iterations,
	}, nil
}

// Wipe overwrites the DerivedKey's key bytes in place. Callers invoke this
// on every exit path once the material has been handed off.
func (k *DerivedKey) Wipe() {
	if k == nil {
		return
	}
	Wipe(k.Key)
}

// Wipe overwrites a byte buffer with zeros in place. It is the scrub
// primitive for all raw and derived key material in this package.
func Wipe(b []byte) {
	memguard.WipeBytes(b)
}

// ConstantTimeEqual compares two version-tag strings without leaking timing
// information. Used wherever version identifiers participate in security
// decisions.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
