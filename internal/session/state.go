package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

const (
	stateDir  = ".clack"
	stateFile = "current_conversation"
)

// ErrStateLocked indicates another process holds the state file lock.
var ErrStateLocked = errors.New("state file locked by another process")

// StateFile persists the id of the currently open conversation across
// restarts. The file holds one UUID in text form; a sibling .lock file
// serializes access between processes.
type StateFile struct {
	path string
	lock *flock.Flock
}

// DefaultStatePath returns ~/.clack/current_conversation, creating the
// state directory if needed.
func DefaultStatePath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	dir := filepath.Join(homeDir, stateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create state directory: %w", err)
	}
	return filepath.Join(dir, stateFile), nil
}

// OpenState acquires the lock on the state file at path. It fails with
// ErrStateLocked when another process already holds it.
func OpenState(path string) (*StateFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire state lock: %w", err)
	}
	if !locked {
		return nil, ErrStateLocked
	}

	return &StateFile{path: path, lock: lock}, nil
}

// Load returns the persisted conversation id, or uuid.Nil when no
// conversation was open. A missing or empty file is not an error.
func (s *StateFile) Load() (uuid.UUID, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return uuid.Nil, nil
		}
		return uuid.Nil, fmt.Errorf("read state file: %w", err)
	}

	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return uuid.Nil, nil
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid conversation id in state file: %w", err)
	}
	return id, nil
}

// Save persists id as the current conversation.
func (s *StateFile) Save(id uuid.UUID) error {
	if err := os.WriteFile(s.path, []byte(id.String()), 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}

// Clear removes the persisted pointer. Idempotent.
func (s *StateFile) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state file: %w", err)
	}
	return nil
}

// Close releases the lock.
func (s *StateFile) Close() error {
	if err := s.lock.Unlock(); err != nil {
		return fmt.Errorf("release state lock: %w", err)
	}
	return nil
}
