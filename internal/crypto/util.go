package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"southwinds.dev/tokenvault/internal/misc"
)

// ErrAuthentication is returned when an AEAD tag check fails. Callers must
// treat it as tampering or a wrong key, never as recoverable corruption.
var ErrAuthentication = errors.New("authentication failed")

// GenerateSalt returns a fresh random salt of the standard length.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, misc.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey runs PBKDF2-SHA256 over the secret and salt. Deterministic for
// identical inputs; the iteration floor is enforced by the caller before any
// derivation work starts.
func DeriveKey(secret, salt []byte, iterations int) []byte {
	return pbkdf2.Key(secret, salt, iterations, misc.KeyLength, sha256.New)
}

// SealBundle encrypts plaintext with ChaCha20-Poly1305 under key and returns
// the at-rest bundle layout: nonce || tag || ciphertext.
func SealBundle(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends the tag after the ciphertext; the bundle keeps the tag
	// up front so truncated files fail fast on length checks.
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ct := sealed[:len(sealed)-misc.TagSize]
	tag := sealed[len(sealed)-misc.TagSize:]

	bundle := make([]byte, 0, len(nonce)+misc.TagSize+len(ct))
	bundle = append(bundle, nonce...)
	bundle = append(bundle, tag...)
	bundle = append(bundle, ct...)
	return bundle, nil
}

// OpenBundle reverses SealBundle, verifying the authentication tag.
func OpenBundle(key, bundle []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(bundle) < aead.NonceSize()+misc.TagSize {
		return nil, errors.New("encrypted bundle too short")
	}

	nonce := bundle[:aead.NonceSize()]
	tag := bundle[aead.NonceSize() : aead.NonceSize()+misc.TagSize]
	ct := bundle[aead.NonceSize()+misc.TagSize:]

	sealed := make([]byte, 0, len(ct)+misc.TagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return plaintext, nil
}

// DecryptLegacy decrypts the pre-versioning on-disk shape: AES-256-GCM with
// hex-encoded iv, tag and ciphertext stored as separate fields.
func DecryptLegacy(key []byte, ivHex, tagHex, ctHex string) ([]byte, error) {
	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return nil, fmt.Errorf("invalid legacy iv: %w", err)
	}
	tag, err := hex.DecodeString(tagHex)
	if err != nil {
		return nil, fmt.Errorf("invalid legacy auth tag: %w", err)
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil {
		return nil, fmt.Errorf("invalid legacy ciphertext: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create legacy cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return nil, fmt.Errorf("failed to create legacy cipher: %w", err)
	}

	plaintext, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return plaintext, nil
}

// CredentialDigest returns the SHA-256 hex digest of a credential for audit
// metadata. The credential itself is never logged.
func CredentialDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
