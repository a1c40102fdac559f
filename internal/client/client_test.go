package client_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/kbsync/internal/client"
	"github.com/TheMichaelB/kbsync/internal/config"
	"github.com/TheMichaelB/kbsync/internal/events"
	"github.com/TheMichaelB/kbsync/internal/models"
	"github.com/TheMichaelB/kbsync/internal/services/sync"
	"github.com/TheMichaelB/kbsync/internal/state"
	"github.com/TheMichaelB/kbsync/internal/transport"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "kb")
	require.NoError(t, os.MkdirAll(root, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "guide.md"), []byte("# Guide\n"), 0644))

	cfg := config.DefaultConfig()
	cfg.Auth.APIKey = "test-key"
	cfg.Source.Root = root
	cfg.State.Path = filepath.Join(dir, "sync_state.json")
	cfg.Sync.CommitState = config.CommitNever
	cfg.Sync.PollInterval = time.Millisecond
	cfg.Sync.ResolveDelay = time.Millisecond
	return cfg
}

func TestNewRequiresCredentials(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.APIKey = ""

	_, err := client.New(context.Background(), cfg, events.Discard())
	assert.ErrorIs(t, err, models.ErrMissingAPIKey)
}

func TestNewRequiresSource(t *testing.T) {
	cfg := testConfig(t)
	cfg.Source.Root = filepath.Join(t.TempDir(), "missing")

	_, err := client.New(context.Background(), cfg, events.Discard())
	assert.ErrorIs(t, err, models.ErrSourceNotFound)
}

func TestNew(t *testing.T) {
	cfg := testConfig(t)

	c, err := client.New(context.Background(), cfg, events.Discard())
	require.NoError(t, err)

	assert.Equal(t, cfg.State.Path, c.State.Location())
	assert.Same(t, cfg, c.Config())
	assert.NoError(t, c.Close())
}

func TestClientSyncAndAudit(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	mock := transport.NewMockTransport()

	c, err := client.NewWithTransport(cfg, mock, state.NewMockStore(), events.Discard())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.ResolveStore(ctx, "")
	assert.ErrorIs(t, err, models.ErrStoreNotFound)

	result, err := c.Sync.Sync(ctx, sync.SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)

	store, err := c.ResolveStore(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, result.StoreID, store.Name)

	report, err := c.Audit.Audit(ctx, store.Name)
	require.NoError(t, err)
	assert.True(t, report.Healthy())
	assert.Equal(t, 1, report.Total)
}

func TestCloseClosesTransport(t *testing.T) {
	mock := transport.NewMockTransport()
	c, err := client.NewWithTransport(testConfig(t), mock, state.NewMockStore(), events.Discard())
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.True(t, mock.IsClosed())
}
