package misc

const (
	// KeyLength is the required length in bytes of every derived or
	// operator-supplied symmetric key.
	KeyLength = 32

	// SaltSize is the length in bytes of PBKDF2 salts.
	SaltSize = 32

	// MinIterations is the published floor for PBKDF2 iteration counts.
	// Configuration below this value is rejected before any derivation work.
	MinIterations = 100000

	// DefaultIterations is used when no iteration count is configured.
	DefaultIterations = 100000

	// NonceSize is the ChaCha20-Poly1305 nonce length.
	NonceSize = 12

	// TagSize is the Poly1305 authentication tag length.
	TagSize = 16
)
