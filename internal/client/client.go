package client

import (
	"context"
	"fmt"

	"github.com/TheMichaelB/kbsync/internal/config"
	"github.com/TheMichaelB/kbsync/internal/events"
	"github.com/TheMichaelB/kbsync/internal/models"
	"github.com/TheMichaelB/kbsync/internal/services/audit"
	"github.com/TheMichaelB/kbsync/internal/services/sync"
	"github.com/TheMichaelB/kbsync/internal/state"
	"github.com/TheMichaelB/kbsync/internal/transport"
	"github.com/TheMichaelB/kbsync/internal/vcs"
)

// Client provides the high-level API for kbsync operations.
type Client struct {
	Sync  *sync.Service
	Audit *audit.Service
	State state.Store

	config    *config.Config
	logger    *events.Logger
	transport transport.Transport
}

// New creates a client talking to the File Search API.
//
// Missing credentials or a missing source directory fail here, before any
// remote call.
func New(ctx context.Context, cfg *config.Config, logger *events.Logger) (*Client, error) {
	if err := cfg.RequireCredentials(); err != nil {
		return nil, err
	}
	if err := cfg.RequireSource(); err != nil {
		return nil, err
	}

	stateStore, err := state.Open(ctx, cfg.State, logger)
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}

	transportClient := transport.NewTransport(&cfg.API, cfg.Auth.APIKey, logger)

	c, err := NewWithTransport(cfg, transportClient, stateStore, logger)
	if err != nil {
		_ = stateStore.Close()
		return nil, err
	}

	c.Sync.SetHook(vcs.NewStateCommitter(cfg.Sync, logger))
	return c, nil
}

// NewWithTransport wires the services around an existing transport and
// state store.
func NewWithTransport(cfg *config.Config, t transport.Transport, store state.Store, logger *events.Logger) (*Client, error) {
	syncService, err := sync.NewService(cfg, t, store, logger)
	if err != nil {
		return nil, err
	}

	return &Client{
		Sync:      syncService,
		Audit:     audit.NewService(t, store, logger),
		State:     store,
		config:    cfg,
		logger:    logger,
		transport: t,
	}, nil
}

// Config returns the configuration the client was built with.
func (c *Client) Config() *config.Config {
	return c.config
}

// ResolveStore finds the configured store without creating it.
func (c *Client) ResolveStore(ctx context.Context, storeID string) (*models.Store, error) {
	if storeID == "" {
		storeID = c.config.Store.ID
	}
	return transport.FindStore(ctx, c.transport, storeID, c.config.Store.DisplayName)
}

// Close releases the transport and the state store.
func (c *Client) Close() error {
	c.Sync.Close()

	var firstErr error
	if err := c.transport.Close(); err != nil {
		firstErr = err
	}
	if err := c.State.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
