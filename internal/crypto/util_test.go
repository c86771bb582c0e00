package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"testing"

	"southwinds.dev/tokenvault/internal/misc"
)

func testKey() []byte {
	key := make([]byte, misc.KeyLength)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestSealOpenBundle(t *testing.T) {
	plaintexts := [][]byte{
		[]byte("short"),
		[]byte(`{"accessToken":"at","refreshToken":"rt"}`),
		make([]byte, 4096),
		{},
	}

	for i, plaintext := range plaintexts {
		bundle, err := SealBundle(testKey(), plaintext)
		if err != nil {
			t.Fatalf("Case %d: failed to seal: %v", i, err)
		}
		if len(bundle) != misc.NonceSize+misc.TagSize+len(plaintext) {
			t.Errorf("Case %d: bundle length = %d, want %d",
				i, len(bundle), misc.NonceSize+misc.TagSize+len(plaintext))
		}

		opened, err := OpenBundle(testKey(), bundle)
		if err != nil {
			t.Fatalf("Case %d: failed to open: %v", i, err)
		}
		if !bytes.Equal(opened, plaintext) {
			t.Errorf("Case %d: round trip changed plaintext", i)
		}
	}
}

func TestSealBundleFreshNonce(t *testing.T) {
	plaintext := []byte("same plaintext")

	first, err := SealBundle(testKey(), plaintext)
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}
	second, err := SealBundle(testKey(), plaintext)
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}

	if bytes.Equal(first[:misc.NonceSize], second[:misc.NonceSize]) {
		t.Error("Two seals reused a nonce")
	}
	if bytes.Equal(first, second) {
		t.Error("Two seals produced identical bundles")
	}
}

func TestOpenBundleRejectsTampering(t *testing.T) {
	bundle, err := SealBundle(testKey(), []byte("payload"))
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}

	// Flip one byte in each region of the bundle.
	for _, offset := range []int{0, misc.NonceSize, len(bundle) - 1} {
		tampered := make([]byte, len(bundle))
		copy(tampered, bundle)
		tampered[offset] ^= 0x01

		if _, err = OpenBundle(testKey(), tampered); !errors.Is(err, ErrAuthentication) {
			t.Errorf("Tampering at offset %d: expected ErrAuthentication, got %v", offset, err)
		}
	}

	wrongKey := make([]byte, misc.KeyLength)
	if _, err = OpenBundle(wrongKey, bundle); !errors.Is(err, ErrAuthentication) {
		t.Errorf("Wrong key: expected ErrAuthentication, got %v", err)
	}

	if _, err = OpenBundle(testKey(), bundle[:10]); err == nil {
		t.Error("Truncated bundle accepted")
	}
}

func TestDeriveKeyVector(t *testing.T) {
	salt := make([]byte, misc.SaltSize)
	key := DeriveKey([]byte("secret"), salt, 100000)

	if len(key) != misc.KeyLength {
		t.Fatalf("Derived key length = %d, want %d", len(key), misc.KeyLength)
	}
	if bytes.Equal(key, DeriveKey([]byte("other"), salt, 100000)) {
		t.Error("Different secrets derived the same key")
	}
	if !bytes.Equal(key, DeriveKey([]byte("secret"), salt, 100000)) {
		t.Error("Identical inputs derived different keys")
	}
}

func TestDecryptLegacy(t *testing.T) {
	key := testKey()
	plaintext := []byte(`{"accessToken":"at"}`)

	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("Failed to create cipher: %v", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, 16)
	if err != nil {
		t.Fatalf("Failed to create GCM: %v", err)
	}
	iv := make([]byte, 16)
	if _, err = rand.Read(iv); err != nil {
		t.Fatalf("Failed to generate IV: %v", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ct := sealed[:len(sealed)-16]
	tag := sealed[len(sealed)-16:]

	got, err := DecryptLegacy(key, hex.EncodeToString(iv), hex.EncodeToString(tag), hex.EncodeToString(ct))
	if err != nil {
		t.Fatalf("Failed to decrypt legacy content: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Legacy round trip changed plaintext: %s", got)
	}

	wrongKey := make([]byte, misc.KeyLength)
	if _, err = DecryptLegacy(wrongKey, hex.EncodeToString(iv), hex.EncodeToString(tag), hex.EncodeToString(ct)); !errors.Is(err, ErrAuthentication) {
		t.Errorf("Wrong legacy key: expected ErrAuthentication, got %v", err)
	}

	if _, err = DecryptLegacy(key, "zz", hex.EncodeToString(tag), hex.EncodeToString(ct)); err == nil {
		t.Error("Invalid hex IV accepted")
	}
}

func TestGenerateSalt(t *testing.T) {
	first, err := GenerateSalt()
	if err != nil {
		t.Fatalf("Failed to generate salt: %v", err)
	}
	second, err := GenerateSalt()
	if err != nil {
		t.Fatalf("Failed to generate salt: %v", err)
	}

	if len(first) != misc.SaltSize {
		t.Errorf("Salt length = %d, want %d", len(first), misc.SaltSize)
	}
	if bytes.Equal(first, second) {
		t.Error("Two salts are identical")
	}
}

func TestCredentialDigest(t *testing.T) {
	digest := CredentialDigest([]byte("access-token"))
	if len(digest) != 64 {
		t.Errorf("Digest length = %d, want 64 hex chars", len(digest))
	}
	if digest == CredentialDigest([]byte("other-token")) {
		t.Error("Different credentials share a digest")
	}
	if digest != CredentialDigest([]byte("access-token")) {
		t.Error("Digest is not deterministic")
	}
}
