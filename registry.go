package tokenvault

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"log"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/jonboulle/clockwork"

	"southwinds.dev/tokenvault/audit"
	"southwinds.dev/tokenvault/internal/mem"
	"southwinds.dev/tokenvault/internal/misc"
)

// Registry holds all currently known key versions in memory and designates
// one of them current. It is the sole authority other components query for
// key material. There is no persistence: the registry is rebuilt from
// configuration at every process start.
//
// All mutating and reading operations are serialized by a single mutex, so
// a rotation can never race a concurrent encrypt into using a half-updated
// current pointer.
type Registry struct {
	mu      sync.RWMutex
	keys    map[string]*RegisteredKey
	current string
	clock   clockwork.Clock
	auditor audit.Logger

	protection mem.ProtectionLevel
}

var lockOnce sync.Once

// NewRegistry creates an empty registry. Key versions are added with
// Register; the current pointer is unset until SetCurrent succeeds.
func NewRegistry(auditor audit.Logger, clock clockwork.Clock) *Registry {
	if auditor == nil {
		auditor = audit.NewNoOpLogger()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	r := &Registry{
		keys:    make(map[string]*RegisteredKey),
		clock:   clock,
		auditor: auditor,
	}

	// Best effort: pin the address space once per process so derived keys
	// are not swapped out. Partial protection is survivable.
	lockOnce.Do(func() {
		level, err := mem.Lock()
		if err != nil {
			log.Printf("tokenvault: memory lock unavailable: %v", err)
		}
		r.protection = level
	})

	return r
}

// MemoryProtection reports the level of swap protection achieved at startup.
func (r *Registry) MemoryProtection() mem.ProtectionLevel {
	return r.protection
}

// Register adds a key version to the registry. It fails if the version does
// not match the v<integer> grammar, is already registered, if keyBytes is
// not exactly 32 bytes, or if the metadata disagrees with policy or with the
// version being registered. keyBytes is wiped on every path; on success the
// key material lives only inside a memguard enclave.
func (r *Registry) Register(version string, keyBytes []byte, meta KeyMetadata) error {
	return r.register(version, keyBytes, nil, meta)
}

// register is Register plus optional retention of the raw secret the key was
// derived from. Both slices are wiped on every path.
func (r *Registry) register(version string, keyBytes, secret []byte, meta KeyMetadata) error {
	defer Wipe(keyBytes)
	defer Wipe(secret)

	if !misc.IsVersionTag(version) {
		r.logAudit(audit.ActionKeyRegistered, false, map[string]interface{}{
			"key_id": version, "error": "invalid version tag",
		})
		return fmt.Errorf("%w: key version %q does not match v<integer>", ErrConfiguration, version)
	}
	if len(keyBytes) != misc.KeyLength {
		r.logAudit(audit.ActionKeyRegistered, false, map[string]interface{}{
			"key_id": version, "error": "invalid key length",
		})
		return fmt.Errorf("%w: key must be %d bytes, got %d", ErrConfiguration, misc.KeyLength, len(keyBytes))
	}
	if err := meta.Validate(); err != nil {
		r.logAudit(audit.ActionKeyRegistered, false, map[string]interface{}{
			"key_id": version, "error": err.Error(),
		})
		return err
	}
	if !ConstantTimeEqual(meta.Version, version) {
		r.logAudit(audit.ActionKeyRegistered, false, map[string]interface{}{
			"key_id": version, "error": "metadata version mismatch",
		})
		return fmt.Errorf("%w: metadata version %q does not match %q", ErrConfiguration, meta.Version, version)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.keys[version]; exists {
		r.logAudit(audit.ActionKeyRegistered, false, map[string]interface{}{
			"key_id": version, "error": "version already registered",
		})
		return fmt.Errorf("%w: key version %q already registered", ErrConfiguration, version)
	}

	// NewBufferFromBytes takes ownership and wipes the source slice.
	key := &RegisteredKey{
		Version:  version,
		Metadata: meta,
		enclave:  memguard.NewBufferFromBytes(keyBytes).Seal(),
	}
	if secret != nil {
		key.secret = memguard.NewBufferFromBytes(secret).Seal()
	}
	r.keys[version] = key

	r.logAudit(audit.ActionKeyRegistered, true, map[string]interface{}{
		"key_id":     version,
		"algorithm":  meta.Algorithm,
		"iterations": meta.Iterations,
	})
	return nil
}

// Get looks up a key version. Pure lookup, never mutates.
func (r *Registry) Get(version string) (*RegisteredKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.keys[version]
	return key, ok
}

// Versions returns all registered version tags.
func (r *Registry) Versions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := make([]string, 0, len(r.keys))
	for v := range r.keys {
		versions = append(versions, v)
	}
	return versions
}

// Current returns the designated current key. It fails loudly if the
// current version was never registered; that is a configuration-order bug
// that must be fatal at startup, not papered over at runtime.
func (r *Registry) Current() (*RegisteredKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.current == "" {
		return nil, fmt.Errorf("%w: no current version designated", ErrNoCurrentKey)
	}
	key, ok := r.keys[r.current]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCurrentKey, r.current)
	}
	return key, nil
}

// CurrentVersion returns the current version tag, or "" when unset.
func (r *Registry) CurrentVersion() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// SetCurrent updates the current-version pointer. This is the single
// operation rotation relies on; it fails if the version is unregistered.
func (r *Registry) SetCurrent(version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.keys[version]; !ok {
		r.logAudit(audit.ActionKeyVersionChanged, false, map[string]interface{}{
			"key_id": version, "error": "version not registered",
		})
		return fmt.Errorf("%w: cannot set current to unregistered version %q", ErrUnknownKeyVersion, version)
	}

	previous := r.current
	r.current = version

	r.logAudit(audit.ActionKeyVersionChanged, true, map[string]interface{}{
		"key_id":   version,
		"previous": previous,
	})
	return nil
}

// Retire evicts a superseded key version, scrubbing its bytes. The current
// version cannot be retired. Superseded versions stay registered until an
// operator retires them explicitly, so any in-flight Load issued before a
// rotation completed can still find its key.
func (r *Registry) Retire(version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.keys[version]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKeyVersion, version)
	}
	if ConstantTimeEqual(version, r.current) {
		r.logAudit(audit.ActionKeyRetired, false, map[string]interface{}{
			"key_id": version, "error": "cannot retire current version",
		})
		return fmt.Errorf("cannot retire current key version %s", version)
	}

	scrubKey(key)
	delete(r.keys, version)

	r.logAudit(audit.ActionKeyRetired, true, map[string]interface{}{"key_id": version})
	return nil
}

// Clear scrubs every held key's bytes and empties the map. Used at shutdown
// and in tests.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for version, key := range r.keys {
		scrubKey(key)
		delete(r.keys, version)
	}
	r.current = ""

	r.logAudit(audit.ActionRegistryCleared, true, nil)
}

// scrubKey wipes the plaintext copies of the key and its retained secret
// and drops both enclaves.
func scrubKey(key *RegisteredKey) {
	if key.enclave != nil {
		if buf, err := key.enclave.Open(); err == nil {
			buf.Destroy()
		}
		key.enclave = nil
	}
	if key.secret != nil {
		if buf, err := key.secret.Open(); err == nil {
			buf.Destroy()
		}
		key.secret = nil
	}
}

// decryptionKey returns key material able to open an envelope written with
// the given derivation parameters. When the parameters match the startup
// derivation for the version, the registered key is returned directly. When
// they differ, which is the normal case for an envelope written under an
// earlier process start and its independently generated salt, the key is
// re-derived from the retained secret. The caller must Destroy the returned
// buffer.
func (r *Registry) decryptionKey(version string, salt []byte, iterations int) (*memguard.LockedBuffer, error) {
	key, ok := r.Get(version)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKeyVersion, version)
	}

	if iterations == key.Metadata.Iterations && bytes.Equal(salt, key.Metadata.Salt) {
		return key.Open()
	}

	secBuf, err := key.openSecret()
	if err != nil {
		return nil, fmt.Errorf("%w: key %s cannot serve the envelope's derivation parameters: %v",
			ErrUnknownKeyVersion, version, err)
	}
	defer secBuf.Destroy()

	derived, err := DeriveKey(secBuf.Bytes(), salt, iterations)
	if err != nil {
		return nil, fmt.Errorf("re-deriving key %s: %w", version, err)
	}
	return memguard.NewBufferFromBytes(derived.Key), nil
}

// logAudit appends fire-and-forget: a failed append is reported on the
// diagnostic channel but never fails the operation it describes.
func (r *Registry) logAudit(action audit.Action, success bool, metadata map[string]interface{}) {
	if err := r.auditor.Log(action, success, metadata); err != nil {
		log.Printf("tokenvault: audit log append failed: %v", err)
	}
}

// NewRegistryFromConfig runs the startup procedure: derive and register the
// required primary secret as v1, then up to nine optional numbered fallback
// secrets as v2..v10, each with an independently generated salt, and finally
// designate the configured current version (defaulting to v1).
//
// A malformed fallback secret is logged and skipped; a malformed or missing
// primary secret is fatal.
func NewRegistryFromConfig(cfg Config, auditor audit.Logger, clock clockwork.Clock) (*Registry, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	registry := NewRegistry(auditor, clock)

	primary, err := decodeSecret(cfg.PrimarySecret)
	if err != nil {
		return nil, fmt.Errorf("%w: primary secret: %v", ErrConfiguration, err)
	}

	if err = registerDerived(registry, "v1", primary, cfg.Iterations, registry.clock); err != nil {
		return nil, err
	}

	for i := 2; i <= maxFallbackVersion; i++ {
		raw, ok := cfg.FallbackSecrets[i]
		if !ok || raw == "" {
			continue
		}
		version := fmt.Sprintf("v%d", i)

		secret, err := decodeSecret(raw)
		if err != nil {
			log.Printf("tokenvault: skipping malformed fallback secret %s: %v", version, err)
			continue
		}
		if err = registerDerived(registry, version, secret, cfg.Iterations, registry.clock); err != nil {
			log.Printf("tokenvault: skipping fallback secret %s: %v", version, err)
		}
	}

	current := cfg.CurrentVersion
	if current == "" {
		current = "v1"
	}
	if err = registry.SetCurrent(current); err != nil {
		registry.Clear()
		return nil, fmt.Errorf("%w: current version %s: %v", ErrConfiguration, current, err)
	}

	return registry, nil
}

func registerDerived(registry *Registry, version string, secret []byte, iterations int, clock clockwork.Clock) error {
	defer Wipe(secret)

	derived, err := DeriveKey(secret, nil, iterations)
	if err != nil {
		return err
	}

	meta := KeyMetadata{
		Version:    version,
		Algorithm:  AlgorithmChaCha20Poly1305,
		CreatedAt:  clock.Now().UTC(),
		Iterations: derived.Iterations,
		Salt:       derived.Salt,
	}

	// register takes ownership of both slices and wipes them. The secret is
	// retained so envelopes recorded under earlier startup salts can still
	// be re-derived and decrypted.
	return registry.register(version, derived.Key, secret, meta)
}

func decodeSecret(raw string) ([]byte, error) {
	secret, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("not valid base64: %w", err)
	}
	if len(secret) != misc.KeyLength {
		Wipe(secret)
		return nil, fmt.Errorf("decodes to %d bytes, want %d", len(secret), misc.KeyLength)
	}
	return secret, nil
}
