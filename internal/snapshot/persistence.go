// Package snapshot persists the annotation state as a single JSON document
// on local disk. Writers take an exclusive OS file lock and replace the file
// atomically; readers take a shared lock, so offline tooling and the service
// never observe a half-written snapshot.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/partonomy/annotator/internal/annotation"
)

//go:generate mockgen -destination=mocks/mock_persistence.go -package=mocks -source=persistence.go Persistence

const (
	// BackupTimeFormat is the timestamp prefix of backup file names
	BackupTimeFormat = "2006-01-02_15-04-05"

	// BackupSuffix is appended to the timestamp of backup file names
	BackupSuffix = "_annotations.json"

	lockRetryDelay = 50 * time.Millisecond
)

var (
	// ErrSnapshotMissing is returned when no snapshot file exists
	ErrSnapshotMissing = errors.New("snapshot does not exist")
	// ErrSnapshotCorrupt is returned when the snapshot cannot be parsed
	ErrSnapshotCorrupt = errors.New("snapshot is corrupt")
)

// Persistence defines the durable snapshot contract
type Persistence interface {
	// Load reads the snapshot. It returns ErrSnapshotMissing if none exists
	// and ErrSnapshotCorrupt if it does not parse.
	Load(ctx context.Context) (*annotation.State, error)

	// Save replaces the snapshot with state.
	Save(ctx context.Context, state *annotation.State) error

	// Backup copies the current snapshot into dir with a timestamped name and
	// returns the backup path.
	Backup(ctx context.Context, dir string) (string, error)

	// Quarantine moves a corrupt snapshot aside so the next Save does not
	// overwrite it, returning the new path.
	Quarantine(ctx context.Context) (string, error)

	// Path returns the snapshot file location.
	Path() string
}

// fileSnapshot implements Persistence on the local filesystem
type fileSnapshot struct {
	path string
	now  func() time.Time
}

// NewFileSnapshot creates a file-backed snapshot at path
func NewFileSnapshot(path string) Persistence {
	return &fileSnapshot{path: path, now: time.Now}
}

func (f *fileSnapshot) Path() string {
	return f.path
}

func (f *fileSnapshot) fileLock() *flock.Flock {
	return flock.New(f.path + ".lock")
}

// Load reads and parses the snapshot under a shared lock
func (f *fileSnapshot) Load(ctx context.Context) (*annotation.State, error) {
	if err := os.MkdirAll(filepath.Dir(f.path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	fl := f.fileLock()
	locked, err := fl.TryRLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		return nil, fmt.Errorf("failed to lock snapshot for reading: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	// #nosec G304 -- path comes from trusted configuration
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotMissing
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	state, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return state, nil
}

// Save writes the snapshot atomically under an exclusive lock
func (f *fileSnapshot) Save(ctx context.Context, state *annotation.State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0750); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	fl := f.fileLock()
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		return fmt.Errorf("failed to lock snapshot for writing: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	tempPath := f.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary snapshot: %w", err)
	}

	if err := os.Rename(tempPath, f.path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	return nil
}

// Backup copies the snapshot under a shared lock
func (f *fileSnapshot) Backup(ctx context.Context, dir string) (string, error) {
	if dir == "" {
		dir = filepath.Join(filepath.Dir(f.path), "backups")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	fl := f.fileLock()
	locked, err := fl.TryRLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		return "", fmt.Errorf("failed to lock snapshot for backup: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	// #nosec G304 -- path comes from trusted configuration
	src, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrSnapshotMissing
		}
		return "", fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer func() { _ = src.Close() }()

	backupPath := filepath.Join(dir, f.now().Format(BackupTimeFormat)+BackupSuffix)
	// #nosec G304 -- backup path is derived from trusted configuration
	dst, err := os.OpenFile(backupPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to create backup: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return "", fmt.Errorf("failed to write backup: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("failed to close backup: %w", err)
	}

	slog.Info("Snapshot backed up", "source", f.path, "backup", backupPath)
	return backupPath, nil
}

// Quarantine renames the snapshot under an exclusive lock
func (f *fileSnapshot) Quarantine(ctx context.Context) (string, error) {
	fl := f.fileLock()
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		return "", fmt.Errorf("failed to lock snapshot for quarantine: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	target := fmt.Sprintf("%s.corrupt-%s", f.path, f.now().Format(BackupTimeFormat))
	if err := os.Rename(f.path, target); err != nil {
		return "", fmt.Errorf("failed to move corrupt snapshot aside: %w", err)
	}
	return target, nil
}

// Decode parses a snapshot document, tolerating missing collections.
func Decode(data []byte) (*annotation.State, error) {
	if err := ValidateDocument(data); err != nil {
		return nil, err
	}
	var state annotation.State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSnapshotCorrupt, err)
	}
	state.Normalize()
	if err := state.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSnapshotCorrupt, err)
	}
	return &state, nil
}
