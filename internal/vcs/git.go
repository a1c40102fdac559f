// Package vcs commits the sync state file to the surrounding git repository.
//
// It wraps the git command line; nothing here is needed for a sync run
// itself.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrNotInRepo is returned when a path is not inside a git work tree.
var ErrNotInRepo = errors.New("not inside a git repository")

// Fallback identity for commits made where none is configured, as on fresh
// CI runners.
const (
	fallbackName  = "kbsync"
	fallbackEmail = "kbsync@users.noreply.github.com"
)

// Git runs git commands in one repository.
type Git struct {
	// repoRoot is the work tree root
	repoRoot string
}

// Open finds the repository containing dir.
func Open(ctx context.Context, dir string) (*Git, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return nil, fmt.Errorf("git not found: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--show-toplevel")
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotInRepo, dir)
	}

	return &Git{repoRoot: strings.TrimSpace(string(output))}, nil
}

// RepoRoot returns the work tree root.
func (g *Git) RepoRoot() string {
	return g.repoRoot
}

// Exec executes a raw git command in the repository root.
func (g *Git) Exec(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoRoot

	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("git %s failed: %w\n%s",
			strings.Join(args, " "), err, string(output))
	}

	return output, nil
}

// HasChanges reports uncommitted changes, limited to paths when given.
func (g *Git) HasChanges(ctx context.Context, paths ...string) (bool, error) {
	args := append([]string{"status", "--porcelain", "--"}, paths...)
	output, err := g.Exec(ctx, args...)
	if err != nil {
		return false, err
	}
	return len(strings.TrimSpace(string(output))) > 0, nil
}

// Add stages paths.
func (g *Git) Add(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	_, err := g.Exec(ctx, append([]string{"add", "--"}, paths...)...)
	return err
}

// Commit commits the staged paths with message.
func (g *Git) Commit(ctx context.Context, message string, paths ...string) error {
	if message == "" {
		return fmt.Errorf("commit message is required")
	}

	var args []string
	if !g.hasIdentity(ctx) {
		args = append(args, "-c", "user.name="+fallbackName, "-c", "user.email="+fallbackEmail)
	}
	args = append(args, "commit", "-m", message, "--")
	args = append(args, paths...)

	_, err := g.Exec(ctx, args...)
	return err
}

// Push pushes the current branch to its upstream.
func (g *Git) Push(ctx context.Context) error {
	_, err := g.Exec(ctx, "push")
	return err
}

func (g *Git) hasIdentity(ctx context.Context) bool {
	output, err := g.Exec(ctx, "config", "user.email")
	return err == nil && strings.TrimSpace(string(output)) != ""
}
