package tokenvault

import (
	"bytes"
	"errors"
	"sort"
	"testing"

	"github.com/jonboulle/clockwork"

	"southwinds.dev/tokenvault/internal/misc"
)

func testKeyMetadata(version string) KeyMetadata {
	return KeyMetadata{
		Version:    version,
		Algorithm:  AlgorithmChaCha20Poly1305,
		CreatedAt:  testEpoch,
		Iterations: misc.DefaultIterations,
		Salt:       make([]byte, misc.SaltSize),
	}
}

func testKeyBytes() []byte {
	b := make([]byte, misc.KeyLength)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry(nil, clockwork.NewFakeClockAt(testEpoch))
	defer r.Clear()

	if err := r.Register("v1", testKeyBytes(), testKeyMetadata("v1")); err != nil {
		t.Fatalf("Failed to register key: %v", err)
	}

	key, ok := r.Get("v1")
	if !ok {
		t.Fatal("Registered key not found")
	}
	if key.Version != "v1" {
		t.Errorf("Key version = %s, want v1", key.Version)
	}

	buf, err := key.Open()
	if err != nil {
		t.Fatalf("Failed to open key enclave: %v", err)
	}
	defer buf.Destroy()
	if !bytes.Equal(buf.Bytes(), testKeyBytes()) {
		t.Error("Enclave returned different key bytes")
	}

	if _, ok = r.Get("v2"); ok {
		t.Error("Lookup of unregistered version succeeded")
	}
}

func TestRegistryRegisterWipesInput(t *testing.T) {
	r := NewRegistry(nil, nil)
	defer r.Clear()

	keyBytes := testKeyBytes()
	if err := r.Register("v1", keyBytes, testKeyMetadata("v1")); err != nil {
		t.Fatalf("Failed to register key: %v", err)
	}
	for i, b := range keyBytes {
		if b != 0 {
			t.Fatalf("Input key byte %d not wiped after registration: %d", i, b)
		}
	}
}

func TestRegistryRegisterRejections(t *testing.T) {
	r := NewRegistry(nil, nil)
	defer r.Clear()

	if err := r.Register("v1", testKeyBytes(), testKeyMetadata("v1")); err != nil {
		t.Fatalf("Failed to register key: %v", err)
	}

	tests := []struct {
		name    string
		version string
		key     []byte
		meta    KeyMetadata
	}{
		{"BadGrammar", "version1", testKeyBytes(), testKeyMetadata("version1")},
		{"UppercaseTag", "V2", testKeyBytes(), testKeyMetadata("V2")},
		{"ShortKey", "v2", make([]byte, 16), testKeyMetadata("v2")},
		{"Duplicate", "v1", testKeyBytes(), testKeyMetadata("v1")},
		{"MetadataMismatch", "v2", testKeyBytes(), testKeyMetadata("v3")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Register(tt.version, tt.key, tt.meta); err == nil {
				t.Error("Expected registration to fail")
			}
		})
	}
}

func TestRegistryCurrentPointer(t *testing.T) {
	r := NewRegistry(nil, nil)
	defer r.Clear()

	if _, err := r.Current(); !errors.Is(err, ErrNoCurrentKey) {
		t.Errorf("Expected ErrNoCurrentKey on empty registry, got %v", err)
	}

	if err := r.Register("v1", testKeyBytes(), testKeyMetadata("v1")); err != nil {
		t.Fatalf("Failed to register v1: %v", err)
	}
	if err := r.Register("v2", testKeyBytes(), testKeyMetadata("v2")); err != nil {
		t.Fatalf("Failed to register v2: %v", err)
	}

	if err := r.SetCurrent("v9"); !errors.Is(err, ErrUnknownKeyVersion) {
		t.Errorf("Expected ErrUnknownKeyVersion, got %v", err)
	}

	if err := r.SetCurrent("v2"); err != nil {
		t.Fatalf("Failed to set current version: %v", err)
	}
	current, err := r.Current()
	if err != nil {
		t.Fatalf("Failed to get current key: %v", err)
	}
	if current.Version != "v2" {
		t.Errorf("Current version = %s, want v2", current.Version)
	}
	if r.CurrentVersion() != "v2" {
		t.Errorf("CurrentVersion() = %s, want v2", r.CurrentVersion())
	}
}

func TestRegistryRetire(t *testing.T) {
	r := NewRegistry(nil, nil)
	defer r.Clear()

	if err := r.Register("v1", testKeyBytes(), testKeyMetadata("v1")); err != nil {
		t.Fatalf("Failed to register v1: %v", err)
	}
	if err := r.Register("v2", testKeyBytes(), testKeyMetadata("v2")); err != nil {
		t.Fatalf("Failed to register v2: %v", err)
	}
	if err := r.SetCurrent("v2"); err != nil {
		t.Fatalf("Failed to set current version: %v", err)
	}

	if err := r.Retire("v2"); err == nil {
		t.Error("Retiring the current version must fail")
	}
	if err := r.Retire("v3"); !errors.Is(err, ErrUnknownKeyVersion) {
		t.Errorf("Expected ErrUnknownKeyVersion, got %v", err)
	}

	if err := r.Retire("v1"); err != nil {
		t.Fatalf("Failed to retire v1: %v", err)
	}
	if _, ok := r.Get("v1"); ok {
		t.Error("Retired version still registered")
	}
}

func TestRegistryClear(t *testing.T) {
	r := NewRegistry(nil, nil)

	for _, v := range []string{"v1", "v2", "v3"} {
		if err := r.Register(v, testKeyBytes(), testKeyMetadata(v)); err != nil {
			t.Fatalf("Failed to register %s: %v", v, err)
		}
	}
	if err := r.SetCurrent("v1"); err != nil {
		t.Fatalf("Failed to set current version: %v", err)
	}

	r.Clear()

	if len(r.Versions()) != 0 {
		t.Errorf("Registry still holds %d versions after Clear", len(r.Versions()))
	}
	if r.CurrentVersion() != "" {
		t.Error("Current pointer survived Clear")
	}
}

func TestNewRegistryFromConfig(t *testing.T) {
	cfg := Config{
		PrimarySecret: testSecret(1),
		FallbackSecrets: map[int]string{
			2: testSecret(2),
			5: testSecret(5),
		},
	}

	r, err := NewRegistryFromConfig(cfg, nil, clockwork.NewFakeClockAt(testEpoch))
	if err != nil {
		t.Fatalf("Failed to build registry from config: %v", err)
	}
	defer r.Clear()

	versions := r.Versions()
	sort.Strings(versions)
	want := []string{"v1", "v2", "v5"}
	if len(versions) != len(want) {
		t.Fatalf("Registered versions = %v, want %v", versions, want)
	}
	for i := range want {
		if versions[i] != want[i] {
			t.Errorf("Registered versions = %v, want %v", versions, want)
			break
		}
	}

	if r.CurrentVersion() != "v1" {
		t.Errorf("Default current version = %s, want v1", r.CurrentVersion())
	}

	// Independent salts per version.
	v1, _ := r.Get("v1")
	v2, _ := r.Get("v2")
	if bytes.Equal(v1.Metadata.Salt, v2.Metadata.Salt) {
		t.Error("Fallback key reused the primary key's salt")
	}
}

func TestNewRegistryFromConfigMalformedFallback(t *testing.T) {
	cfg := Config{
		PrimarySecret: testSecret(1),
		FallbackSecrets: map[int]string{
			2: "not base64 !!!",
			3: testSecret(3),
		},
	}

	r, err := NewRegistryFromConfig(cfg, nil, nil)
	if err != nil {
		t.Fatalf("Malformed fallback must not be fatal: %v", err)
	}
	defer r.Clear()

	if _, ok := r.Get("v2"); ok {
		t.Error("Malformed fallback secret was registered")
	}
	if _, ok := r.Get("v3"); !ok {
		t.Error("Well-formed fallback after a malformed one was skipped")
	}
}

func TestNewRegistryFromConfigFailures(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"MissingPrimary", Config{}},
		{"PrimaryNotBase64", Config{PrimarySecret: "%%%"}},
		{"PrimaryWrongLength", Config{PrimarySecret: "c2hvcnQ="}},
		{"IterationsBelowFloor", Config{PrimarySecret: testSecret(1), Iterations: 50000}},
		{"CurrentVersionUnregistered", Config{PrimarySecret: testSecret(1), CurrentVersion: "v7"}},
		{"CurrentVersionBadGrammar", Config{PrimarySecret: testSecret(1), CurrentVersion: "one"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRegistryFromConfig(tt.cfg, nil, nil)
			if err == nil {
				r.Clear()
				t.Fatal("Expected startup to fail")
			}
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("Expected ErrConfiguration, got %v", err)
			}
		})
	}
}
