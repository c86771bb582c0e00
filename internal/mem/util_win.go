//go:build windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// VirtualLock is per-region and does not cover future allocations, so
	// the process-wide guarantee is only partial on Windows.
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
