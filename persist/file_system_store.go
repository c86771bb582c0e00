package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"southwinds.dev/tokenvault/internal/backup"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700

	stagedPrefix = ".staged-"
)

// FileSystemStore keeps the envelope in a single file on the local
// filesystem. Staged files live in the same directory as the envelope so
// that promotion is a same-filesystem rename.
type FileSystemStore struct {
	envelopePath string
	dir          string
	backupsDir   string
}

// NewFileSystemStore initializes a store for the given envelope path,
// creating the containing and backup directories with owner-only access.
func NewFileSystemStore(envelopePath string) (*FileSystemStore, error) {
	if envelopePath == "" {
		return nil, fmt.Errorf("envelope path is required")
	}

	dir := filepath.Dir(envelopePath)
	fs := &FileSystemStore{
		envelopePath: envelopePath,
		dir:          dir,
		backupsDir:   filepath.Join(dir, "backups"),
	}

	for _, d := range []string{dir, fs.backupsDir} {
		if err := os.MkdirAll(d, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", d, err)
		}
	}

	return fs, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig.
func NewFileSystemStoreFromConfig(config StoreConfig) (*FileSystemStore, error) {
	path, err := config.stringOption("envelope_path")
	if err != nil {
		return nil, err
	}
	return NewFileSystemStore(path)
}

// EnvelopePath returns the live envelope location.
func (fs *FileSystemStore) EnvelopePath() string {
	return fs.envelopePath
}

func (fs *FileSystemStore) LoadEnvelope() ([]byte, error) {
	data, err := os.ReadFile(fs.envelopePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrEnvelopeNotFound
		}
		return nil, fmt.Errorf("failed to read envelope: %w", err)
	}
	return data, nil
}

func (fs *FileSystemStore) SaveEnvelope(data []byte) error {
	if data == nil {
		return fmt.Errorf("envelope data cannot be nil")
	}
	return writeSecureFile(fs.envelopePath, data, FilePermissions)
}

func (fs *FileSystemStore) EnvelopeExists() (bool, error) {
	_, err := os.Stat(fs.envelopePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat envelope: %w", err)
	}
	return true, nil
}

func (fs *FileSystemStore) DeleteEnvelope() error {
	if err := os.Remove(fs.envelopePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete envelope: %w", err)
	}
	return nil
}

// StageEnvelope writes data to a hidden staging file beside the live
// envelope and returns its name for later verification and promotion.
func (fs *FileSystemStore) StageEnvelope(data []byte) (string, error) {
	if data == nil {
		return "", fmt.Errorf("envelope data cannot be nil")
	}

	name := stagedPrefix + uuid.NewString()
	if err := writeSecureFile(filepath.Join(fs.dir, name), data, FilePermissions); err != nil {
		return "", fmt.Errorf("failed to stage envelope: %w", err)
	}
	return name, nil
}

func (fs *FileSystemStore) LoadStaged(name string) ([]byte, error) {
	if err := validateStagedName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(fs.dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read staged envelope: %w", err)
	}
	return data, nil
}

// PromoteStaged renames the staged file over the live envelope. The rename
// is the single commit point: before it the live envelope is untouched,
// after it the replacement is complete.
func (fs *FileSystemStore) PromoteStaged(name string) error {
	if err := validateStagedName(name); err != nil {
		return err
	}
	if err := os.Rename(filepath.Join(fs.dir, name), fs.envelopePath); err != nil {
		return fmt.Errorf("failed to promote staged envelope: %w", err)
	}
	return nil
}

func (fs *FileSystemStore) DiscardStaged(name string) error {
	if err := validateStagedName(name); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(fs.dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to discard staged envelope: %w", err)
	}
	return nil
}

// BackupEnvelope copies the live envelope byte-for-byte into the backups
// directory under a timestamped name.
func (fs *FileSystemStore) BackupEnvelope(label string) (string, error) {
	data, err := os.ReadFile(fs.envelopePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrEnvelopeNotFound
		}
		return "", fmt.Errorf("failed to read envelope for backup: %w", err)
	}

	name := backup.Name(filepath.Base(fs.envelopePath), label, time.Now())

	if err = writeSecureFile(filepath.Join(fs.backupsDir, name), data, FilePermissions); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}
	return name, nil
}

func (fs *FileSystemStore) ListBackups() ([]BackupInfo, error) {
	entries, err := os.ReadDir(fs.backupsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []BackupInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read backups directory: %w", err)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() || !backup.IsBackup(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, BackupInfo{
			Name:      entry.Name(),
			CreatedAt: info.ModTime().UTC(),
			Size:      info.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

func (fs *FileSystemStore) DeleteBackup(name string) error {
	if err := backup.ValidateName(name); err != nil {
		return err
	}

	path := filepath.Join(fs.backupsDir, name)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrBackupNotFound
		}
		return fmt.Errorf("failed to delete backup: %w", err)
	}
	return nil
}

func (fs *FileSystemStore) Close() error {
	return nil
}

func validateStagedName(name string) error {
	if !strings.HasPrefix(name, stagedPrefix) || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("invalid staged envelope name: %q", name)
	}
	return nil
}

// writeSecureFile writes data to a temp file in the target's directory,
// syncs it, fixes permissions, then renames over the target. Readers never
// observe a partial write.
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}

	return nil
}
