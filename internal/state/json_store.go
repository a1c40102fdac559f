package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/TheMichaelB/kbsync/internal/events"
	"github.com/TheMichaelB/kbsync/internal/models"
)

// JSONStore keeps the snapshot in a single JSON file.
//
// The file is a flat object keyed by document path. Writes go to a temp file
// that is renamed over the target; the previous file is kept as .backup and
// used when the main file turns out to be corrupt.
type JSONStore struct {
	path   string
	logger *events.Logger
	mu     sync.RWMutex
}

// NewJSONStore creates a JSON-based state store.
func NewJSONStore(path string, logger *events.Logger) (*JSONStore, error) {
	if path == "" {
		return nil, errors.New("state path is required")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}

	return &JSONStore{
		path:   path,
		logger: logger.WithField("component", "json_state_store"),
	}, nil
}

// Load reads the snapshot from disk.
func (s *JSONStore) Load(ctx context.Context) (*models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.logger.WithField("path", s.path).Debug("Loading state")

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	return decode(data)
}

// Save writes the snapshot atomically.
func (s *JSONStore) Save(ctx context.Context, snap *models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := snap.Validate(); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"path":    s.path,
		"entries": snap.Len(),
	}).Debug("Saving state")

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	// Create backup of existing file
	if _, err := os.Stat(s.path); err == nil {
		if err := copyFile(s.path, s.backupPath()); err != nil {
			s.logger.WithError(err).Warn("Failed to create backup")
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}

	// Sync to disk
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Chmod(tmpPath, 0644); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}

	// Rename atomically
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename state file: %w", err)
	}

	return nil
}

// RestoreBackup replaces the state file with the backup written by the
// previous Save and returns the restored snapshot.
func (s *JSONStore) RestoreBackup(ctx context.Context) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.loadBackup()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("read backup: %w", err)
	}

	if err := copyFile(s.backupPath(), s.path); err != nil {
		return nil, fmt.Errorf("restore backup: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"path":    s.path,
		"entries": snap.Len(),
	}).Info("Restored state from backup")

	return snap, nil
}

// Reset removes the state file and its backup.
func (s *JSONStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.WithField("path", s.path).Info("Resetting state")

	for _, p := range []string{s.path, s.backupPath()} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}

	return nil
}

// Location returns the state file path.
func (s *JSONStore) Location() string {
	return s.path
}

// Close releases resources.
func (s *JSONStore) Close() error {
	return nil
}

// Helper methods

func (s *JSONStore) backupPath() string {
	return s.path + ".backup"
}

func (s *JSONStore) loadBackup() (*models.Snapshot, error) {
	data, err := os.ReadFile(s.backupPath())
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
