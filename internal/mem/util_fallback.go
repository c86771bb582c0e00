//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly && !windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// No mlock equivalent here; zeroing after use is the only measure.
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
