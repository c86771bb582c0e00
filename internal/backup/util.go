// Package backup holds the naming scheme shared by the storage backends'
// envelope backups.
package backup

import (
	"fmt"
	"strings"
	"time"
)

const (
	// Suffix marks envelope backup files and object keys.
	Suffix = ".bak"

	timeFormat = "20060102-150405"
)

// Name builds a timestamped backup name from the envelope's base name and a
// label describing why the backup was taken (pre-migration, pre-rotation).
func Name(base, label string, t time.Time) string {
	if label == "" {
		label = "backup"
	}
	return fmt.Sprintf("%s-%s-%s%s", base, label, t.UTC().Format(timeFormat), Suffix)
}

// IsBackup reports whether a file or object name was produced by Name.
func IsBackup(name string) bool {
	return strings.HasSuffix(name, Suffix)
}

// ValidateName rejects names that could escape the backups location when
// joined into a path or object key.
func ValidateName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return fmt.Errorf("invalid backup name: %q", name)
	}
	return nil
}
