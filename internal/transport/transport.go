// Package transport talks to the remote file search store.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/TheMichaelB/kbsync/internal/events"
	"github.com/TheMichaelB/kbsync/internal/models"
)

// Transport is the remote store boundary.
type Transport interface {
	// Stores
	CreateStore(ctx context.Context, displayName string) (*models.Store, error)
	GetStore(ctx context.Context, name string) (*models.Store, error)
	ListStores(ctx context.Context) ([]models.Store, error)

	// Documents
	UploadDocument(ctx context.Context, storeName string, req models.UploadRequest) (*models.Operation, error)
	ListDocuments(ctx context.Context, storeName string) ([]models.RemoteDocument, error)
	DeleteDocument(ctx context.Context, name string, force bool) error

	// Long-running operations
	GetOperation(ctx context.Context, name string) (*models.Operation, error)

	// Lifecycle
	Close() error
}

// FindStore looks a store up without creating one: by resource name when
// storeName is set, otherwise by display name.
func FindStore(ctx context.Context, t Transport, storeName, displayName string) (*models.Store, error) {
	if storeName != "" {
		return t.GetStore(ctx, storeName)
	}

	if displayName == "" {
		return nil, errors.New("store name or display name is required")
	}

	stores, err := t.ListStores(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	for i := range stores {
		if stores[i].DisplayName == displayName {
			return &stores[i], nil
		}
	}

	return nil, fmt.Errorf("%w: no store named %q", models.ErrStoreNotFound, displayName)
}

// EnsureStore returns the store to sync into.
//
// A non-empty storeName must exist. Otherwise the first store whose display
// name matches is reused, and a new one is created when none does. created
// reports whether a store was created.
func EnsureStore(ctx context.Context, t Transport, storeName, displayName string, logger *events.Logger) (store *models.Store, created bool, err error) {
	store, err = FindStore(ctx, t, storeName, displayName)
	switch {
	case err == nil:
		logger.WithFields(map[string]interface{}{
			"store":        store.Name,
			"display_name": store.DisplayName,
		}).Info("Using existing store")
		return store, false, nil
	case storeName != "" || !errors.Is(err, models.ErrStoreNotFound):
		return nil, false, err
	}

	store, err = t.CreateStore(ctx, displayName)
	if err != nil {
		return nil, false, fmt.Errorf("create store: %w", err)
	}

	logger.WithFields(map[string]interface{}{
		"store":        store.Name,
		"display_name": displayName,
	}).Info("Created store")

	return store, true, nil
}

// PollOptions bound AwaitOperation.
type PollOptions struct {
	Interval time.Duration
	MaxWait  time.Duration
}

// AwaitOperation polls op at a fixed interval until it is done.
//
// It returns the terminal operation, which may carry an error status, or
// models.ErrOperationTimeout with the last seen operation once MaxWait has
// elapsed. Context cancellation is returned as is.
func AwaitOperation(ctx context.Context, t Transport, op *models.Operation, opts PollOptions) (*models.Operation, error) {
	if op == nil {
		return nil, errors.New("nil operation")
	}
	if op.Done {
		return op, nil
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	maxWait := opts.MaxWait
	if maxWait <= 0 {
		maxWait = 10 * time.Minute
	}

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	current := op
	for {
		select {
		case <-ctx.Done():
			return current, ctx.Err()
		case <-deadline.C:
			return current, fmt.Errorf("%w: %s after %s", models.ErrOperationTimeout, op.Name, maxWait)
		case <-ticker.C:
		}

		next, err := t.GetOperation(ctx, op.Name)
		if err != nil {
			if ctx.Err() != nil {
				return current, ctx.Err()
			}
			// A failed poll is not terminal; keep trying until the deadline.
			events.FromContext(ctx).WithError(err).WithField("operation", op.Name).Warn("Operation poll failed")
			continue
		}

		current = next
		if current.Done {
			return current, nil
		}
	}
}

// joinURL appends a resource name to a base URL.
func joinURL(base, name string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(name, "/")
}
