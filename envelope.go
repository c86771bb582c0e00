package tokenvault

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"southwinds.dev/tokenvault/internal/misc"
)

// KeyDerivationInfo records how the envelope's key was produced.
type KeyDerivationInfo struct {
	Method     string `json:"method"`
	Iterations int    `json:"iterations"`
	Salt       []byte `json:"salt"`
}

// VersionedEnvelope is the at-rest representation of one encrypted
// TokenRecord: UTF-8 JSON holding the ciphertext bundle plus everything
// needed to select the right key at decrypt time. Envelopes are replaced
// wholesale on every save, never patched.
type VersionedEnvelope struct {
	Version       string            `json:"version"`
	Algorithm     string            `json:"algorithm"`
	KeyDerivation KeyDerivationInfo `json:"keyDerivation"`
	// Ciphertext is the bundle nonce || authTag || ciphertext, base64 in JSON.
	Ciphertext []byte    `json:"ciphertext"`
	CreatedAt  time.Time `json:"createdAt"`
	KeyID      string    `json:"keyId"`
}

// legacyShape matches the pre-versioning format: ivHex:authTagHex:ctHex with
// no surrounding JSON.
var legacyShape = regexp.MustCompile(`^[0-9a-fA-F]+:[0-9a-fA-F]+:[0-9a-fA-F]+$`)

// IsLegacyEnvelope reports whether raw file content has the legacy
// colon-delimited shape.
func IsLegacyEnvelope(data []byte) bool {
	return legacyShape.Match(bytes.TrimSpace(data))
}

// LegacyEnvelope is the parsed pre-versioning shape.
type LegacyEnvelope struct {
	IVHex      string
	AuthTagHex string
	CipherHex  string
}

// ParseLegacyEnvelope splits the colon-delimited legacy content.
func ParseLegacyEnvelope(data []byte) (*LegacyEnvelope, error) {
	trimmed := bytes.TrimSpace(data)
	if !legacyShape.Match(trimmed) {
		return nil, fmt.Errorf("%w: content is not the legacy colon-delimited shape", ErrLegacyEnvelope)
	}
	parts := bytes.SplitN(trimmed, []byte(":"), 3)
	return &LegacyEnvelope{
		IVHex:      string(parts[0]),
		AuthTagHex: string(parts[1]),
		CipherHex:  string(parts[2]),
	}, nil
}

// ParseEnvelope decodes and validates raw file content as a
// VersionedEnvelope. Legacy content is reported as ErrLegacyEnvelope so
// callers can direct the operator to the migration workflow instead of
// treating it as corruption.
func ParseEnvelope(data []byte) (*VersionedEnvelope, error) {
	if IsLegacyEnvelope(data) {
		return nil, ErrLegacyEnvelope
	}

	var env VersionedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}

	if err := env.validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (e *VersionedEnvelope) validate() error {
	if !misc.IsVersionTag(e.Version) {
		return fmt.Errorf("envelope version %q does not match v<integer>", e.Version)
	}
	// Version and KeyID identify the same registered key; disagreement
	// means the envelope was assembled or tampered with incorrectly.
	if !ConstantTimeEqual(e.Version, e.KeyID) {
		return fmt.Errorf("envelope version %q does not match key id %q", e.Version, e.KeyID)
	}
	if e.Algorithm != AlgorithmChaCha20Poly1305 {
		return fmt.Errorf("unsupported envelope algorithm %q", e.Algorithm)
	}
	if len(e.Ciphertext) < misc.NonceSize+misc.TagSize {
		return fmt.Errorf("envelope ciphertext bundle too short")
	}
	return nil
}

// Marshal serializes the envelope as indented UTF-8 JSON.
func (e *VersionedEnvelope) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize envelope: %w", err)
	}
	return data, nil
}
