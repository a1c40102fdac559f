package sync

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/TheMichaelB/kbsync/internal/config"
	"github.com/TheMichaelB/kbsync/internal/events"
	"github.com/TheMichaelB/kbsync/internal/models"
	"github.com/TheMichaelB/kbsync/internal/scanner"
	"github.com/TheMichaelB/kbsync/internal/state"
	"github.com/TheMichaelB/kbsync/internal/transport"
)

// PostSaveHook runs after a snapshot was saved, for example to commit it.
type PostSaveHook interface {
	AfterSave(ctx context.Context, location string) error
}

// Service provides high-level sync operations.
type Service struct {
	transport transport.Transport
	state     state.Store
	scanner   *scanner.Scanner
	engine    *Engine
	hook      PostSaveHook
	store     config.StoreConfig
	logger    *events.Logger
}

// NewService creates a sync service.
func NewService(
	cfg *config.Config,
	t transport.Transport,
	store state.Store,
	logger *events.Logger,
) (*Service, error) {
	scan, err := scanner.New(scanner.Options{
		Root:       cfg.Source.Root,
		Extensions: cfg.Source.Extensions,
		Exclude:    cfg.Source.Exclude,
		PathPrefix: cfg.Source.PathPrefix,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create scanner: %w", err)
	}

	resolver := NewListingResolver(t, cfg.Sync.ResolveAttempts, cfg.Sync.ResolveDelay, logger)
	engine := NewEngine(t, store, resolver, &EngineConfig{
		PollInterval: cfg.Sync.PollInterval,
		MaxWait:      cfg.Sync.MaxWait,
	}, logger)

	return &Service{
		transport: t,
		state:     store,
		scanner:   scan,
		engine:    engine,
		store:     cfg.Store,
		logger:    logger.WithField("service", "sync"),
	}, nil
}

// SetHook installs the post-save hook.
func (s *Service) SetHook(hook PostSaveHook) {
	s.hook = hook
}

// SyncOptions configures one run. Nil pointers fall back to the configured
// values.
type SyncOptions struct {
	StoreID     *string
	DisplayName *string
	Reset       *bool
	DryRun      bool
}

// Sync scans the local tree and reconciles the remote store with it.
//
// Scan errors abort before any remote call. A dry run never creates a store
// and never writes state.
func (s *Service) Sync(ctx context.Context, opts SyncOptions) (*Result, error) {
	runID := uuid.NewString()
	ctx = events.WithLogger(ctx, s.logger)
	ctx = events.WithRunID(ctx, runID)
	logger := events.FromContext(ctx)

	storeID := s.store.ID
	if opts.StoreID != nil {
		storeID = *opts.StoreID
	}
	displayName := s.store.DisplayName
	if opts.DisplayName != nil {
		displayName = *opts.DisplayName
	}
	reset := s.store.Reset
	if opts.Reset != nil {
		reset = *opts.Reset
	}

	docs, err := s.scanner.Scan(ctx)
	if err != nil {
		return nil, &models.SyncError{
			Code:    models.ErrCodeScan,
			Phase:   "scan",
			StoreID: storeID,
			Err:     err,
		}
	}

	logger.WithFields(map[string]interface{}{
		"documents": len(docs),
		"prefix":    s.scanner.Prefix(),
	}).Info("Scanned local tree")

	created := false
	if !opts.DryRun {
		store, isNew, err := transport.EnsureStore(ctx, s.transport, storeID, displayName, logger)
		if err != nil {
			return nil, &models.SyncError{
				Code:    models.ErrCodeConfig,
				Phase:   "store",
				StoreID: storeID,
				Err:     err,
			}
		}
		storeID = store.Name
		created = isNew
	}

	ctx = events.WithStoreID(ctx, storeID)

	result, err := s.engine.Sync(ctx, Request{
		StoreID:   storeID,
		Documents: docs,
		Reset:     reset,
		DryRun:    opts.DryRun,
	})
	if err != nil {
		return nil, err
	}

	result.RunID = runID
	result.StoreCreated = created

	if created {
		logger.WithField("store", storeID).Warn("Created a new store, set store.id to reuse it")
	}

	if !opts.DryRun && s.hook != nil {
		if err := s.hook.AfterSave(ctx, s.state.Location()); err != nil {
			logger.WithError(err).Warn("Post-save hook failed")
		}
	}

	return result, nil
}

// GetProgress returns sync progress.
func (s *Service) GetProgress() *Progress {
	return s.engine.GetProgress()
}

// Events returns the event channel.
func (s *Service) Events() <-chan Event {
	return s.engine.Events()
}

// Cancel stops an ongoing sync.
func (s *Service) Cancel() {
	s.engine.Cancel()
}

// Root returns the scanned directory.
func (s *Service) Root() string {
	return s.scanner.Root()
}

// Close closes the event channel.
func (s *Service) Close() {
	s.engine.Close()
}
