// Package state persists the sync snapshot between runs.
package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/TheMichaelB/kbsync/internal/config"
	"github.com/TheMichaelB/kbsync/internal/events"
	"github.com/TheMichaelB/kbsync/internal/models"
)

// Store manages snapshot persistence.
type Store interface {
	// Load retrieves the last saved snapshot.
	Load(ctx context.Context) (*models.Snapshot, error)

	// Save replaces the persisted snapshot as a whole.
	Save(ctx context.Context, snap *models.Snapshot) error

	// Reset removes the persisted snapshot.
	Reset(ctx context.Context) error

	// Location describes where the snapshot lives, for logs and git.
	Location() string

	// Close releases resources.
	Close() error
}

// Errors
var (
	ErrStateNotFound = errors.New("state not found")
	ErrStateCorrupt  = errors.New("state file is corrupt")
	ErrStateConflict = errors.New("state was modified concurrently")
)

// Open creates the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StateConfig, logger *events.Logger) (Store, error) {
	switch cfg.Backend {
	case config.BackendJSON, "":
		return NewJSONStore(cfg.Path, logger)
	case config.BackendSQLite:
		return NewSQLiteStore(cfg.SQLitePath, logger)
	case config.BackendS3:
		return NewS3Store(ctx, cfg.S3Bucket, cfg.S3Key, cfg.S3Region, logger)
	default:
		return nil, fmt.Errorf("unknown state backend: %s", cfg.Backend)
	}
}

// LoadOrEmpty loads the snapshot and degrades to an empty one on any load
// failure: nothing saved yet, undecodable data, an unreadable file or an
// unreachable backend. Only a cancelled context is returned as an error.
func LoadOrEmpty(ctx context.Context, store Store, logger *events.Logger) (*models.Snapshot, error) {
	snap, err := store.Load(ctx)
	switch {
	case err == nil:
		return snap, nil
	case errors.Is(err, ErrStateNotFound):
		logger.WithField("location", store.Location()).Info("No previous state, starting fresh")
		return models.NewSnapshot(), nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, ErrStateCorrupt):
		logger.WithError(err).WithField("location", store.Location()).Warn("Previous state is corrupt, starting fresh")
		return models.NewSnapshot(), nil
	default:
		logger.WithError(err).WithField("location", store.Location()).Warn("Previous state is unreadable, starting fresh")
		return models.NewSnapshot(), nil
	}
}

// Migrate copies the snapshot from src to dst.
func Migrate(ctx context.Context, src, dst Store, logger *events.Logger) (int, error) {
	snap, err := src.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load from %s: %w", src.Location(), err)
	}

	if err := dst.Save(ctx, snap); err != nil {
		return 0, fmt.Errorf("save to %s: %w", dst.Location(), err)
	}

	logger.WithFields(map[string]interface{}{
		"from":    src.Location(),
		"to":      dst.Location(),
		"entries": snap.Len(),
	}).Info("Migrated state")

	return snap.Len(), nil
}

// decode parses and validates a persisted snapshot. Empty input means no
// prior state.
func decode(data []byte) (*models.Snapshot, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return models.NewSnapshot(), nil
	}

	snap := models.NewSnapshot()
	if err := snap.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	if err := snap.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	return snap, nil
}
