package tokenvault

import (
	"fmt"

	"github.com/jonboulle/clockwork"

	"southwinds.dev/tokenvault/audit"
	"southwinds.dev/tokenvault/internal/misc"
	"southwinds.dev/tokenvault/persist"
)

// maxFallbackVersion bounds the numbered fallback secrets: v2..v10.
const maxFallbackVersion = 10

// Config holds the secret material configuration read at process start.
// None of it is ever persisted; the registry is rebuilt from it on every
// startup.
type Config struct {
	// PrimarySecret is required: base64, decoding to exactly 32 bytes.
	// Registered as v1.
	PrimarySecret string `json:"-"` // never serialized

	// FallbackSecrets maps version numbers 2..10 to optional base64
	// secrets registered as v2..v10. Malformed entries are logged and
	// skipped.
	FallbackSecrets map[int]string `json:"-"`

	// CurrentVersion selects the key used for new envelopes. Defaults to
	// v1.
	CurrentVersion string `json:"current_version"`

	// Iterations is the PBKDF2 iteration count. Defaults to 100,000 and
	// must satisfy the same floor when overridden.
	Iterations int `json:"iterations"`
}

func (c *Config) normalize() error {
	if c.PrimarySecret == "" {
		return fmt.Errorf("%w: primary secret is required", ErrConfiguration)
	}
	if c.Iterations == 0 {
		c.Iterations = misc.DefaultIterations
	}
	if c.Iterations < misc.MinIterations {
		return fmt.Errorf("%w: iteration count %d below minimum %d",
			ErrConfiguration, c.Iterations, misc.MinIterations)
	}
	if c.CurrentVersion != "" && !misc.IsVersionTag(c.CurrentVersion) {
		return fmt.Errorf("%w: current version %q does not match v<integer>",
			ErrConfiguration, c.CurrentVersion)
	}
	return nil
}

// Options wires a complete subsystem instance: secrets, the envelope
// storage backend and the audit sink.
type Options struct {
	Secrets Config
	Store   persist.StoreConfig
	Audit   *audit.Config
}

// Open assembles the subsystem from options: audit logger, storage backend,
// key registry (running the startup procedure) and token store. Construct
// one per process at startup and pass it to all callers.
func Open(opts Options) (*TokenStore, error) {
	return OpenWithClock(opts, clockwork.NewRealClock())
}

// OpenWithClock is Open with an injectable clock for tests.
func OpenWithClock(opts Options, clock clockwork.Clock) (*TokenStore, error) {
	auditor, err := audit.NewLogger(opts.Audit)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}

	store, err := persist.NewStore(opts.Store)
	if err != nil {
		_ = auditor.Close()
		return nil, err
	}

	registry, err := NewRegistryFromConfig(opts.Secrets, auditor, clock)
	if err != nil {
		_ = store.Close()
		_ = auditor.Close()
		return nil, err
	}

	tokens, err := NewTokenStore(registry, store, auditor, clock)
	if err != nil {
		registry.Clear()
		_ = store.Close()
		_ = auditor.Close()
		return nil, err
	}
	return tokens, nil
}

// Registry exposes the key registry, for rotation tooling and tests.
func (ts *TokenStore) Registry() *Registry {
	return ts.registry
}

// Auditor exposes the audit sink, primarily for operator query tooling.
func (ts *TokenStore) Auditor() audit.Logger {
	return ts.auditor
}

// Close scrubs all registered key material and releases the storage and
// audit handles.
func (ts *TokenStore) Close() error {
	ts.registry.Clear()

	var firstErr error
	if err := ts.store.Close(); err != nil {
		firstErr = err
	}
	if err := ts.auditor.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
