package state_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/kbsync/internal/config"
	"github.com/TheMichaelB/kbsync/internal/events"
	"github.com/TheMichaelB/kbsync/internal/models"
	"github.com/TheMichaelB/kbsync/internal/state"
)

const (
	hash1 = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	hash2 = "60303ae22b998861bce3b28f33eec1be758a213c86c93c076dbe9f558c11c752"
	hash3 = "fd61a03af4f77d870fc21e05e7e80678095c92d808cfb3b5c279ee04c74aca13"
)

func testLogger() *events.Logger {
	return events.NewTestLogger(events.DebugLevel, "json", &bytes.Buffer{})
}

func sampleSnapshot() *models.Snapshot {
	snap := models.NewSnapshot()
	snap.Put("kb/a.md", models.SyncEntry{Fingerprint: hash1, RemoteID: "fileSearchStores/s/documents/doc-1"})
	snap.Put("kb/eng/b.md", models.SyncEntry{Fingerprint: hash2})
	return snap
}

func TestJSONStore(t *testing.T) {
	store, err := state.NewJSONStore(filepath.Join(t.TempDir(), "sync_state.json"), testLogger())
	require.NoError(t, err)
	defer store.Close()

	testStoreOperations(t, store)
}

func TestSQLiteStore(t *testing.T) {
	store, err := state.NewSQLiteStore(filepath.Join(t.TempDir(), "db", "state.db"), testLogger())
	require.NoError(t, err)
	defer store.Close()

	testStoreOperations(t, store)
}

func TestMockStore(t *testing.T) {
	testStoreOperations(t, state.NewMockStore())
}

func testStoreOperations(t *testing.T, store state.Store) {
	ctx := context.Background()

	t.Run("load non-existent", func(t *testing.T) {
		_, err := store.Load(ctx)
		assert.ErrorIs(t, err, state.ErrStateNotFound)
	})

	t.Run("save and load", func(t *testing.T) {
		snap := sampleSnapshot()
		require.NoError(t, store.Save(ctx, snap))

		loaded, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, snap.Entries, loaded.Entries)
	})

	t.Run("save replaces everything", func(t *testing.T) {
		next := models.NewSnapshot()
		next.Put("kb/a.md", models.SyncEntry{Fingerprint: hash3, RemoteID: "fileSearchStores/s/documents/doc-2"})
		require.NoError(t, store.Save(ctx, next))

		loaded, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"kb/a.md"}, loaded.Paths())

		entry, _ := loaded.Get("kb/a.md")
		assert.Equal(t, hash3, entry.Fingerprint)
	})

	t.Run("save empty snapshot", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, models.NewSnapshot()))

		loaded, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, loaded.Len())
	})

	t.Run("save rejects invalid snapshot", func(t *testing.T) {
		if _, ok := store.(*state.MockStore); ok {
			t.Skip("mock does not validate")
		}
		bad := &models.Snapshot{Entries: map[string]models.SyncEntry{"kb/a.md": {}}}
		assert.Error(t, store.Save(ctx, bad))
	})

	t.Run("reset", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, sampleSnapshot()))
		require.NoError(t, store.Reset(ctx))

		_, err := store.Load(ctx)
		assert.ErrorIs(t, err, state.ErrStateNotFound)

		// Reset twice is fine
		assert.NoError(t, store.Reset(ctx))
	})

	assert.NotEmpty(t, store.Location())
}

func TestJSONStoreFileFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync_state.json")
	store, err := state.NewJSONStore(path, testLogger())
	require.NoError(t, err)

	require.NoError(t, store.Save(context.Background(), sampleSnapshot()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"kb/a.md": {"fingerprint": "`+hash1+`", "remote_id": "fileSearchStores/s/documents/doc-1"},
		"kb/eng/b.md": {"fingerprint": "`+hash2+`"}
	}`, string(data))

	// No temp files left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestJSONStoreLegacyFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync_state.json")
	legacy := `{"kb/a.md": "` + hash1 + `", "kb/b.md": "` + hash2 + `"}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0644))

	store, err := state.NewJSONStore(path, testLogger())
	require.NoError(t, err)

	snap, err := store.Load(context.Background())
	require.NoError(t, err)

	entry, ok := snap.Get("kb/a.md")
	require.True(t, ok)
	assert.Equal(t, hash1, entry.Fingerprint)
	assert.False(t, entry.HasRemoteID())
}

func TestJSONStoreEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync_state.json")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0644))

	store, err := state.NewJSONStore(path, testLogger())
	require.NoError(t, err)

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Len())
}

func TestJSONStoreCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync_state.json")
	store, err := state.NewJSONStore(path, testLogger())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("invalid json"), 0600))

	_, err = store.Load(context.Background())
	assert.ErrorIs(t, err, state.ErrStateCorrupt)
}

func TestJSONStoreCorruptionIgnoresBackup(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sync_state.json")
	store, err := state.NewJSONStore(path, testLogger())
	require.NoError(t, err)

	older := models.NewSnapshot()
	older.Put("kb/a.md", models.SyncEntry{Fingerprint: hash1, RemoteID: "fileSearchStores/s/documents/doc-1"})
	newer := models.NewSnapshot()
	newer.Put("kb/a.md", models.SyncEntry{Fingerprint: hash2, RemoteID: "fileSearchStores/s/documents/doc-2"})

	require.NoError(t, store.Save(ctx, older))
	require.NoError(t, store.Save(ctx, newer))
	assert.FileExists(t, path+".backup")

	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0600))

	_, err = store.Load(ctx)
	assert.ErrorIs(t, err, state.ErrStateCorrupt)

	snap, err := state.LoadOrEmpty(ctx, store, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Len())
}

func TestJSONStoreRestoreBackup(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sync_state.json")
	store, err := state.NewJSONStore(path, testLogger())
	require.NoError(t, err)

	_, err = store.RestoreBackup(ctx)
	assert.ErrorIs(t, err, state.ErrStateNotFound)

	first := sampleSnapshot()
	require.NoError(t, store.Save(ctx, first))
	require.NoError(t, store.Save(ctx, models.NewSnapshot()))
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0600))

	restored, err := store.RestoreBackup(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Entries, restored.Entries)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Entries, loaded.Entries)
}

func TestLoadOrEmptyUnreadableFile(t *testing.T) {
	// A directory where the state file should be cannot be read.
	path := filepath.Join(t.TempDir(), "sync_state.json")
	require.NoError(t, os.MkdirAll(path, 0700))

	store, err := state.NewJSONStore(path, testLogger())
	require.NoError(t, err)

	_, err = store.Load(context.Background())
	require.Error(t, err)

	snap, err := state.LoadOrEmpty(context.Background(), store, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Len())
}

func TestLoadOrEmpty(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		setup func(*state.MockStore)
		want  int
	}{
		{
			name:  "missing",
			setup: func(m *state.MockStore) {},
			want:  0,
		},
		{
			name: "corrupt",
			setup: func(m *state.MockStore) {
				m.SetLoadError(state.ErrStateCorrupt)
			},
			want: 0,
		},
		{
			name: "present",
			setup: func(m *state.MockStore) {
				m.SetSnapshot(sampleSnapshot())
			},
			want: 2,
		},
		{
			name: "io failure",
			setup: func(m *state.MockStore) {
				m.SetLoadError(errors.New("permission denied"))
			},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := state.NewMockStore()
			tt.setup(store)

			snap, err := state.LoadOrEmpty(ctx, store, testLogger())
			require.NoError(t, err)
			assert.Equal(t, tt.want, snap.Len())
		})
	}
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()

	src, err := state.NewJSONStore(filepath.Join(tmpDir, "sync_state.json"), testLogger())
	require.NoError(t, err)
	dst, err := state.NewSQLiteStore(filepath.Join(tmpDir, "state.db"), testLogger())
	require.NoError(t, err)
	defer dst.Close()

	require.NoError(t, src.Save(ctx, sampleSnapshot()))

	n, err := state.Migrate(ctx, src, dst, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	loaded, err := dst.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleSnapshot().Entries, loaded.Entries)
}

func TestMigrateMissingSource(t *testing.T) {
	_, err := state.Migrate(context.Background(), state.NewMockStore(), state.NewMockStore(), testLogger())
	assert.ErrorIs(t, err, state.ErrStateNotFound)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()

	jsonStore, err := state.Open(ctx, config.StateConfig{
		Backend: config.BackendJSON,
		Path:    filepath.Join(tmpDir, "s.json"),
	}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &state.JSONStore{}, jsonStore)

	sqliteStore, err := state.Open(ctx, config.StateConfig{
		Backend:    config.BackendSQLite,
		SQLitePath: filepath.Join(tmpDir, "s.db"),
	}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &state.SQLiteStore{}, sqliteStore)
	require.NoError(t, sqliteStore.Close())

	_, err = state.Open(ctx, config.StateConfig{Backend: "etcd"}, testLogger())
	assert.Error(t, err)
}
