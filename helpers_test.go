package tokenvault

import (
	"encoding/base64"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"southwinds.dev/tokenvault/persist"
)

var testEpoch = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

// testSecret builds a deterministic base64 secret that decodes to 32 bytes.
func testSecret(seed byte) string {
	b := make([]byte, 32)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return base64.StdEncoding.EncodeToString(b)
}

func testRecord() TokenRecord {
	return TokenRecord{
		AccessToken:  "at-3b48f2",
		RefreshToken: "rt-9c01aa",
		ExpiresAt:    testEpoch.Add(time.Hour).UnixMilli(),
		TokenType:    "Bearer",
		Scope:        "read write",
	}
}

func testOptions(envelopePath string) Options {
	return Options{
		Secrets: Config{PrimarySecret: testSecret(1)},
		Store: persist.StoreConfig{
			Type: persist.StoreTypeFileSystem,
			Config: map[string]interface{}{
				"envelope_path": envelopePath,
			},
		},
	}
}

// newTestStore opens a full subsystem over a temp directory with auditing
// disabled and a fake clock pinned at testEpoch.
func newTestStore(t *testing.T) (*TokenStore, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "envelope.json")
	tokens, err := OpenWithClock(testOptions(path), clockwork.NewFakeClockAt(testEpoch))
	if err != nil {
		t.Fatalf("Failed to open token store: %v", err)
	}
	t.Cleanup(func() {
		if cerr := tokens.Close(); cerr != nil {
			t.Logf("Warning: failed to close token store: %v", cerr)
		}
	})
	return tokens, path
}
