package vcs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/TheMichaelB/kbsync/internal/config"
	"github.com/TheMichaelB/kbsync/internal/events"
)

// StateCommitter commits the state file after a run.
type StateCommitter struct {
	mode    string
	message string
	push    bool
	getenv  func(string) string
	logger  *events.Logger
}

// NewStateCommitter creates a committer from the sync settings.
func NewStateCommitter(cfg config.SyncConfig, logger *events.Logger) *StateCommitter {
	return &StateCommitter{
		mode:    cfg.CommitState,
		message: cfg.CommitMessage,
		push:    cfg.CommitPush,
		getenv:  os.Getenv,
		logger:  logger.WithField("component", "vcs"),
	}
}

// SetGetenv replaces the environment lookup used by auto mode.
func (c *StateCommitter) SetGetenv(fn func(string) string) {
	c.getenv = fn
}

// Enabled reports whether AfterSave commits. Auto mode commits only in CI.
func (c *StateCommitter) Enabled() bool {
	switch c.mode {
	case config.CommitAlways:
		return true
	case config.CommitNever:
		return false
	default:
		return c.getenv("CI") != "" || c.getenv("GITHUB_ACTIONS") != ""
	}
}

// AfterSave stages and commits the state file at location when it changed.
func (c *StateCommitter) AfterSave(ctx context.Context, location string) error {
	if !c.Enabled() {
		c.logger.WithField("mode", c.mode).Debug("State commit disabled")
		return nil
	}

	if strings.Contains(location, "://") {
		c.logger.WithField("location", location).Debug("State is not a local file, nothing to commit")
		return nil
	}

	abs, err := filepath.Abs(location)
	if err != nil {
		return fmt.Errorf("resolve state path: %w", err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return fmt.Errorf("state file: %w", err)
	}

	repo, err := Open(ctx, filepath.Dir(abs))
	if err != nil {
		return err
	}

	rel, err := filepath.Rel(repo.RepoRoot(), abs)
	if err != nil {
		return fmt.Errorf("state path outside repository: %w", err)
	}
	rel = filepath.ToSlash(rel)

	changed, err := repo.HasChanges(ctx, rel)
	if err != nil {
		return err
	}
	if !changed {
		c.logger.WithField("path", rel).Debug("State file unchanged, nothing to commit")
		return nil
	}

	if err := repo.Add(ctx, rel); err != nil {
		return err
	}
	if err := repo.Commit(ctx, c.message, rel); err != nil {
		return err
	}

	c.logger.WithFields(map[string]interface{}{
		"path":    rel,
		"message": c.message,
	}).Info("Committed state file")

	if c.push {
		if err := repo.Push(ctx); err != nil {
			return err
		}
		c.logger.Info("Pushed state commit")
	}

	return nil
}
