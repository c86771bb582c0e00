// Package persist provides storage backends for the encrypted token envelope.
// All data passed through this interface is already encrypted by the vault
// layer; the store's job is durability, restrictive permissions and the
// stage/promote protocol that keeps envelope replacement atomic.
package persist

import (
	"errors"
	"fmt"
	"time"
)

// ErrEnvelopeNotFound is returned when no envelope has been written yet.
// Callers translate this into the documented "absent" result.
var ErrEnvelopeNotFound = errors.New("envelope not found")

// ErrBackupNotFound is returned when a named backup does not exist.
var ErrBackupNotFound = errors.New("backup not found")

// BackupInfo describes one retained envelope backup.
type BackupInfo struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// Store is the interface for persisting the token envelope.
//
// Writes follow one of two protocols:
//
//   - SaveEnvelope writes the full envelope atomically (temp file + rename
//     in the same directory, or the backend's equivalent). No reader may ever
//     observe a partially written envelope.
//   - The staged protocol (StageEnvelope / LoadStaged / PromoteStaged /
//     DiscardStaged) is used by migration and rotation: the replacement
//     envelope is written to a staging location, independently verified by
//     loading and decrypting it, and only then promoted over the live
//     envelope as the final step. A failure before PromoteStaged leaves the
//     live envelope untouched.
type Store interface {
	// Envelope operations

	LoadEnvelope() ([]byte, error) // ErrEnvelopeNotFound when absent
	SaveEnvelope(data []byte) error
	EnvelopeExists() (bool, error)
	DeleteEnvelope() error // no error when already absent

	// Staged replacement protocol

	StageEnvelope(data []byte) (name string, err error)
	LoadStaged(name string) ([]byte, error)
	PromoteStaged(name string) error
	DiscardStaged(name string) error

	// Backup operations

	BackupEnvelope(label string) (name string, err error)
	ListBackups() ([]BackupInfo, error)
	DeleteBackup(name string) error

	Close() error
}

// StoreType identifies a storage backend.
type StoreType string

const (
	StoreTypeFileSystem StoreType = "file"
	StoreTypeS3         StoreType = "s3"
)

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	Type   StoreType              `json:"type"`
	Config map[string]interface{} `json:"config"`
}

func (c StoreConfig) stringOption(key string) (string, error) {
	v, ok := c.Config[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%s is required for %s store", key, c.Type)
	}
	return v, nil
}
