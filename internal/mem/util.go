package mem

// ProtectionLevel reports how strongly key material can be protected from
// being swapped to disk on the current platform.
type ProtectionLevel int

const (
	ProtectionNone    ProtectionLevel = iota // no memory protection available
	ProtectionPartial                        // best effort, zeroing only
	ProtectionFull                           // locked memory (mlockall)
)

func (l ProtectionLevel) String() string {
	switch l {
	case ProtectionFull:
		return "full"
	case ProtectionPartial:
		return "partial"
	default:
		return "none"
	}
}

// Lock attempts to pin the process address space so derived keys are never
// written to swap. The returned level records what was actually achieved.
func Lock() (ProtectionLevel, error) {
	return lockMemoryPlatform()
}

// Unlock releases memory locks if any were applied.
func Unlock() error {
	return unlockMemoryPlatform()
}
