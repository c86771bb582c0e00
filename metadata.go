package tokenvault

import (
	"fmt"
	"time"

	"github.com/awnumar/memguard"

	"southwinds.dev/tokenvault/internal/misc"
)

// AlgorithmChaCha20Poly1305 is the single AEAD cipher used for versioned
// envelopes.
const AlgorithmChaCha20Poly1305 = "chacha20-poly1305"

// DerivationMethod is the fixed key derivation method recorded in envelopes
// and key metadata.
const DerivationMethod = "pbkdf2-sha256"

// KeyMetadata describes how a key was produced, never the key itself.
type KeyMetadata struct {
	Version    string    `json:"version"`
	Algorithm  string    `json:"algorithm"`
	CreatedAt  time.Time `json:"created_at"`
	Iterations int       `json:"iterations"`
	Salt       []byte    `json:"salt"`
}

// Validate checks the metadata against policy: version grammar, the fixed
// algorithm, the iteration floor and the salt length.
func (m KeyMetadata) Validate() error {
	if !misc.IsVersionTag(m.Version) {
		return fmt.Errorf("%w: key version %q does not match v<integer>", ErrConfiguration, m.Version)
	}
	if m.Algorithm != AlgorithmChaCha20Poly1305 {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrConfiguration, m.Algorithm)
	}
	if m.Iterations < misc.MinIterations {
		return fmt.Errorf("%w: iteration count %d below minimum %d",
			ErrConfiguration, m.Iterations, misc.MinIterations)
	}
	if len(m.Salt) != misc.SaltSize {
		return fmt.Errorf("%w: salt must be %d bytes, got %d",
			ErrConfiguration, misc.SaltSize, len(m.Salt))
	}
	return nil
}

// RegisteredKey is one key version held by the Registry for the process
// lifetime. The derived key bytes live in a memguard enclave and are never
// persisted in derived form; they are scrubbed when the key is superseded or
// the registry is torn down.
//
// When the key was derived inside this process the raw operator secret is
// retained in a second enclave. Envelopes record the salt they were derived
// with, and a registry rebuilt on a later process start carries different
// startup salts, so decryption re-derives the key from the retained secret
// using the envelope's recorded parameters.
type RegisteredKey struct {
	Version  string
	Metadata KeyMetadata

	enclave *memguard.Enclave
	secret  *memguard.Enclave
}

// Open returns a locked buffer holding the key bytes. The caller must
// Destroy the buffer as soon as the bytes are no longer needed.
func (k *RegisteredKey) Open() (*memguard.LockedBuffer, error) {
	if k.enclave == nil {
		return nil, fmt.Errorf("key %s has been retired", k.Version)
	}
	buf, err := k.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access key %s: %w", k.Version, err)
	}
	return buf, nil
}

// openSecret exposes the raw operator secret the key was derived from, if it
// was retained at registration. The caller must Destroy the returned buffer.
func (k *RegisteredKey) openSecret() (*memguard.LockedBuffer, error) {
	if k.secret == nil {
		return nil, fmt.Errorf("key %s carries no derivable secret", k.Version)
	}
	buf, err := k.secret.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access secret for key %s: %w", k.Version, err)
	}
	return buf, nil
}
