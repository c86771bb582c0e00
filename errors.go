package tokenvault

import "errors"

// Error taxonomy of the credential encryption subsystem. Callers
// discriminate with errors.Is; every failure is returned as a typed error,
// never as a silent zero value. The one legitimate absent-value result is
// Load returning (nil, nil) when no envelope has ever been written.
var (
	// ErrConfiguration marks missing or malformed secrets and iteration
	// counts below the published floor. Fatal at startup, not recoverable
	// at runtime.
	ErrConfiguration = errors.New("configuration error")

	// ErrInvalidRecord marks a token record that failed shape validation.
	// Rejected before any cryptographic work; fully recoverable by the
	// caller supplying correct input.
	ErrInvalidRecord = errors.New("invalid token record")

	// ErrLegacyEnvelope distinguishes the pre-versioning colon-delimited
	// on-disk shape from corruption. The caller should direct the operator
	// to the migration workflow instead of attempting recovery.
	ErrLegacyEnvelope = errors.New("legacy envelope format, migration required")

	// ErrUnknownKeyVersion means the envelope references a key version not
	// currently registered. Unrecoverable without restoring that key's
	// configuration.
	ErrUnknownKeyVersion = errors.New("unknown key version")

	// ErrAuthenticationFailed means the AEAD tag check failed: tampering or
	// the wrong key. Never conflated with a successful decrypt.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrMigrationFailed / ErrRotationFailed always indicate the live
	// envelope was left exactly as it was.
	ErrMigrationFailed = errors.New("migration failed")
	ErrRotationFailed  = errors.New("rotation failed")

	// ErrNoCurrentKey is returned when the designated current version was
	// never registered. A configuration-order bug, fatal at startup.
	ErrNoCurrentKey = errors.New("current key version not registered")
)
