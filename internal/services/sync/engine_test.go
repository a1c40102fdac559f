package sync_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/kbsync/internal/events"
	"github.com/TheMichaelB/kbsync/internal/models"
	"github.com/TheMichaelB/kbsync/internal/services/sync"
	"github.com/TheMichaelB/kbsync/internal/state"
	"github.com/TheMichaelB/kbsync/internal/transport"
)

type fixture struct {
	mock   *transport.MockTransport
	state  *state.MockStore
	store  string
	engine *sync.Engine
}

func newFixture(t *testing.T, resolver sync.Resolver) *fixture {
	t.Helper()

	mock := transport.NewMockTransport()
	if resolver == nil {
		resolver = sync.NewListingResolver(mock, 3, time.Millisecond, events.Discard())
	}

	f := &fixture{
		mock:  mock,
		state: state.NewMockStore(),
		store: mock.AddStore("kb"),
	}
	f.engine = sync.NewEngine(mock, f.state, resolver, &sync.EngineConfig{
		PollInterval: time.Millisecond,
		MaxWait:      time.Second,
	}, events.Discard())
	t.Cleanup(f.engine.Close)
	return f
}

func (f *fixture) run(t *testing.T, docs ...*models.Document) *sync.Result {
	t.Helper()
	result, err := f.engine.Sync(context.Background(), sync.Request{
		StoreID:   f.store,
		Documents: docs,
	})
	require.NoError(t, err)
	return result
}

func mutations(mock *transport.MockTransport) []transport.Call {
	var out []transport.Call
	for _, c := range mock.Calls {
		switch c.Method {
		case "UploadDocument", "DeleteDocument", "CreateStore":
			out = append(out, c)
		}
	}
	return out
}

func TestWorkedExample(t *testing.T) {
	f := newFixture(t, nil)

	doc1 := f.mock.AddDocument(f.store, "kb/a.md")
	require.Equal(t, "fileSearchStores/store-1/documents/doc-1", doc1)

	a1 := newDoc("kb/a.md", "version one")
	f.state.SetSnapshot(snapshotOf(map[string]models.SyncEntry{
		"kb/a.md": {Fingerprint: a1.Fingerprint, RemoteID: doc1},
	}))

	a2 := newDoc("kb/a.md", "version two")
	b := newDoc("kb/b.md", "brand new")

	result := f.run(t, b, a2)

	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 0, result.Deleted)
	assert.Equal(t, 0, result.Unchanged)
	assert.Equal(t, 0, result.Failed)

	assert.Equal(t, []transport.Call{
		{Method: "DeleteDocument", Target: doc1},
		{Method: "UploadDocument", Target: "kb/a.md"},
		{Method: "UploadDocument", Target: "kb/b.md"},
	}, mutations(f.mock))

	saved := f.state.Snapshot()
	require.NotNil(t, saved)
	assert.Equal(t, map[string]models.SyncEntry{
		"kb/a.md": {Fingerprint: a2.Fingerprint, RemoteID: "fileSearchStores/store-1/documents/doc-2"},
		"kb/b.md": {Fingerprint: b.Fingerprint, RemoteID: "fileSearchStores/store-1/documents/doc-3"},
	}, saved.Entries)

	remote := f.mock.Documents(f.store)
	require.Len(t, remote, 2)
	assert.Equal(t, "kb/a.md", remote[0].MetadataValue(models.MetaPath))
	assert.Equal(t, a2.Fingerprint, remote[0].MetadataValue(models.MetaFingerprint))
}

func TestIdempotentRun(t *testing.T) {
	f := newFixture(t, nil)
	docs := []*models.Document{newDoc("kb/a.md", "a"), newDoc("kb/eng/b.md", "b")}

	first := f.run(t, docs...)
	assert.Equal(t, 2, first.Created)

	f.mock.ResetCalls()
	second := f.run(t, docs...)

	assert.Equal(t, 2, second.Unchanged)
	assert.Equal(t, 0, second.Created+second.Updated+second.Deleted)
	assert.Empty(t, f.mock.Calls, "no remote calls when nothing changed")
	assert.Equal(t, 2, f.state.SaveCount())
	assert.Len(t, f.mock.Documents(f.store), 2)
}

func TestDeleteRemovedPath(t *testing.T) {
	tests := []struct {
		name         string
		remoteID     func(f *fixture) string
		deleteErr    error
		wantDeletes  int
		wantOrphaned int
	}{
		{
			name:        "known id",
			remoteID:    func(f *fixture) string { return f.mock.AddDocument(f.store, "kb/old.md") },
			wantDeletes: 1,
		},
		{
			name:        "already gone remotely",
			remoteID:    func(f *fixture) string { return f.store + "/documents/vanished" },
			wantDeletes: 1,
		},
		{
			name:         "delete fails",
			remoteID:     func(f *fixture) string { return f.mock.AddDocument(f.store, "kb/old.md") },
			deleteErr:    &models.APIError{Code: "INTERNAL", StatusCode: 500, Message: "boom"},
			wantDeletes:  1,
			wantOrphaned: 1,
		},
		{
			name:         "no id",
			remoteID:     func(f *fixture) string { return "" },
			wantDeletes:  0,
			wantOrphaned: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			id := tt.remoteID(f)
			if tt.deleteErr != nil {
				f.mock.DeleteErrors[id] = tt.deleteErr
			}

			f.state.SetSnapshot(snapshotOf(map[string]models.SyncEntry{
				"kb/old.md": {Fingerprint: scannerFingerprint("old"), RemoteID: id},
			}))

			result := f.run(t)

			assert.Equal(t, 1, result.Deleted)
			assert.Equal(t, tt.wantOrphaned, result.Orphaned)
			assert.Equal(t, tt.wantDeletes, f.mock.CallCount("DeleteDocument"))
			assert.Equal(t, 0, f.state.Snapshot().Len(), "entry removed regardless of remote outcome")
		})
	}
}

func TestUpdateWithoutRemoteID(t *testing.T) {
	f := newFixture(t, nil)
	f.state.SetSnapshot(snapshotOf(map[string]models.SyncEntry{
		"kb/a.md": {Fingerprint: scannerFingerprint("legacy")},
	}))

	a := newDoc("kb/a.md", "current")
	result := f.run(t, a)

	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 1, result.Orphaned)
	assert.Equal(t, 0, f.mock.CallCount("DeleteDocument"))

	entry, ok := f.state.Snapshot().Get("kb/a.md")
	require.True(t, ok)
	assert.Equal(t, a.Fingerprint, entry.Fingerprint)
	assert.True(t, entry.HasRemoteID())
}

func TestUnresolvableIdentifier(t *testing.T) {
	notFound := sync.ResolverFunc(func(ctx context.Context, storeID string, doc *models.Document, op *models.Operation) (string, error) {
		return "", models.ErrIDNotResolved
	})
	f := newFixture(t, notFound)

	result := f.run(t, newDoc("kb/a.md", "a"))
	assert.Equal(t, 1, result.Created)

	entry, ok := f.state.Snapshot().Get("kb/a.md")
	require.True(t, ok)
	assert.Equal(t, "fileSearchStores/store-1/upload/operations/op-1", entry.RemoteID)
}

func TestOperationTimeoutRecordsOperation(t *testing.T) {
	f := newFixture(t, nil)
	f.mock.OperationPolls = 1000000
	f.engine = sync.NewEngine(f.mock, f.state, sync.NewListingResolver(f.mock, 1, 0, events.Discard()), &sync.EngineConfig{
		PollInterval: time.Millisecond,
		MaxWait:      20 * time.Millisecond,
	}, events.Discard())

	result := f.run(t, newDoc("kb/a.md", "a"))
	assert.Equal(t, 1, result.Created)

	entry, _ := f.state.Snapshot().Get("kb/a.md")
	assert.Equal(t, "fileSearchStores/store-1/upload/operations/op-1", entry.RemoteID)
}

func TestMalformedSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	f.state.SetLoadError(state.ErrStateCorrupt)

	result := f.run(t, newDoc("kb/a.md", "a"), newDoc("kb/b.md", "b"))

	assert.Equal(t, 2, result.Created)
	assert.Equal(t, 1, f.state.SaveCount())
}

func TestUnreadableSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	f.state.SetLoadError(errors.New("permission denied"))

	result := f.run(t, newDoc("kb/a.md", "a"), newDoc("kb/b.md", "b"))

	assert.Equal(t, 2, result.Created)
	assert.Equal(t, 2, f.mock.CallCount("UploadDocument"))
	assert.Equal(t, 1, f.state.SaveCount())
}

func TestCorruptStateFileStartsFresh(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sync_state.json")
	store, err := state.NewJSONStore(path, events.Discard())
	require.NoError(t, err)

	mock := transport.NewMockTransport()
	storeID := mock.AddStore("kb")
	engine := sync.NewEngine(mock, store, sync.NewListingResolver(mock, 3, time.Millisecond, events.Discard()), &sync.EngineConfig{
		PollInterval: time.Millisecond,
		MaxWait:      time.Second,
	}, events.Discard())
	defer engine.Close()

	a1 := newDoc("kb/a.md", "version one")
	_, err = engine.Sync(ctx, sync.Request{StoreID: storeID, Documents: []*models.Document{a1}})
	require.NoError(t, err)

	// The second run leaves the first snapshot in the backup file.
	a2 := newDoc("kb/a.md", "version two")
	_, err = engine.Sync(ctx, sync.Request{StoreID: storeID, Documents: []*models.Document{a2}})
	require.NoError(t, err)
	require.FileExists(t, path+".backup")

	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0600))
	mock.ResetCalls()

	result, err := engine.Sync(ctx, sync.Request{StoreID: storeID, Documents: []*models.Document{a2}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 0, result.Updated)
	assert.Equal(t, 0, mock.CallCount("DeleteDocument"))

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Len())
}

func TestUploadFailures(t *testing.T) {
	a := newDoc("kb/a.md", "new content")
	oldFP := scannerFingerprint("old content")
	uploadErr := &models.APIError{Code: "INVALID_ARGUMENT", StatusCode: 400, Message: "bad"}

	tests := []struct {
		name      string
		prev      func(f *fixture) map[string]models.SyncEntry
		inject    func(f *fixture)
		wantEntry *models.SyncEntry
	}{
		{
			name:   "create failure records nothing",
			prev:   func(f *fixture) map[string]models.SyncEntry { return nil },
			inject: func(f *fixture) { f.mock.UploadErrors["kb/a.md"] = uploadErr },
		},
		{
			name:   "failed operation records nothing",
			prev:   func(f *fixture) map[string]models.SyncEntry { return nil },
			inject: func(f *fixture) { f.mock.FailOperations["kb/a.md"] = true },
		},
		{
			name: "update failure after old delete drops the id",
			prev: func(f *fixture) map[string]models.SyncEntry {
				id := f.mock.AddDocument(f.store, "kb/a.md")
				return map[string]models.SyncEntry{"kb/a.md": {Fingerprint: oldFP, RemoteID: id}}
			},
			inject:    func(f *fixture) { f.mock.UploadErrors["kb/a.md"] = uploadErr },
			wantEntry: &models.SyncEntry{Fingerprint: oldFP},
		},
		{
			name: "update failure without cleanup keeps the entry",
			prev: func(f *fixture) map[string]models.SyncEntry {
				return map[string]models.SyncEntry{"kb/a.md": {Fingerprint: oldFP}}
			},
			inject:    func(f *fixture) { f.mock.UploadErrors["kb/a.md"] = uploadErr },
			wantEntry: &models.SyncEntry{Fingerprint: oldFP},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			if prev := tt.prev(f); prev != nil {
				f.state.SetSnapshot(snapshotOf(prev))
			}
			tt.inject(f)

			b := newDoc("kb/b.md", "unaffected")
			result := f.run(t, a, b)

			assert.Equal(t, 1, result.Failed)
			assert.Equal(t, 1, result.Created, "other documents continue")

			saved := f.state.Snapshot()
			entry, ok := saved.Get("kb/a.md")
			if tt.wantEntry == nil {
				assert.False(t, ok)
			} else {
				require.True(t, ok)
				assert.Equal(t, *tt.wantEntry, entry)
			}
			assert.True(t, saved.Has("kb/b.md"))
		})
	}
}

func TestResetPass(t *testing.T) {
	f := newFixture(t, nil)
	old1 := f.mock.AddDocument(f.store, "kb/a.md")
	f.mock.AddDocument(f.store, "kb/stray.md")

	a := newDoc("kb/a.md", "a")
	f.state.SetSnapshot(snapshotOf(map[string]models.SyncEntry{
		"kb/a.md": {Fingerprint: a.Fingerprint, RemoteID: old1},
	}))

	result, err := f.engine.Sync(context.Background(), sync.Request{
		StoreID:   f.store,
		Documents: []*models.Document{a},
		Reset:     true,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Purged)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 0, result.Unchanged)

	remote := f.mock.Documents(f.store)
	require.Len(t, remote, 1)
	assert.Equal(t, "kb/a.md", remote[0].DisplayName)
	assert.NotEqual(t, old1, remote[0].Name)
}

func TestDryRun(t *testing.T) {
	f := newFixture(t, nil)
	a := newDoc("kb/a.md", "a")
	f.state.SetSnapshot(snapshotOf(map[string]models.SyncEntry{
		"kb/a.md":    {Fingerprint: scannerFingerprint("old"), RemoteID: "doc-1"},
		"kb/gone.md": {Fingerprint: scannerFingerprint("gone"), RemoteID: "doc-2"},
	}))

	result, err := f.engine.Sync(context.Background(), sync.Request{
		StoreID:   f.store,
		Documents: []*models.Document{a, newDoc("kb/b.md", "b")},
		DryRun:    true,
		Reset:     false,
	})
	require.NoError(t, err)

	assert.True(t, result.DryRun)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 1, result.Deleted)
	require.NotNil(t, result.Plan)
	assert.Len(t, result.Plan.Items, 3)

	assert.Empty(t, f.mock.Calls)
	assert.Equal(t, 0, f.state.SaveCount())
}

func TestCancelledRunDoesNotSave(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Sync(ctx, sync.Request{
		StoreID:   f.store,
		Documents: []*models.Document{newDoc("kb/a.md", "a")},
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.state.SaveCount())
	assert.Equal(t, 0, f.mock.MutatingCalls())
}

func TestSaveFailureIsFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.state.SetSaveError(errors.New("disk full"))

	_, err := f.engine.Sync(context.Background(), sync.Request{
		StoreID:   f.store,
		Documents: []*models.Document{newDoc("kb/a.md", "a")},
	})

	var syncErr *models.SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, "save", syncErr.Phase)
	assert.Equal(t, models.ErrCodeState, syncErr.Code)
}

func TestSyncInProgress(t *testing.T) {
	var engine *sync.Engine
	var nestedErr error

	resolver := sync.ResolverFunc(func(ctx context.Context, storeID string, doc *models.Document, op *models.Operation) (string, error) {
		_, nestedErr = engine.Sync(ctx, sync.Request{StoreID: storeID})
		return op.Name, nil
	})

	f := newFixture(t, resolver)
	engine = f.engine

	f.run(t, newDoc("kb/a.md", "a"))
	assert.ErrorIs(t, nestedErr, models.ErrSyncInProgress)
}

func TestEngineEvents(t *testing.T) {
	f := newFixture(t, nil)
	f.mock.UploadErrors["kb/bad.md"] = errors.New("rejected")

	f.run(t, newDoc("kb/a.md", "a"), newDoc("kb/bad.md", "bad"))

	var types []sync.EventType
	var failedPath string
	var started []sync.Progress
	for len(f.engine.Events()) > 0 {
		ev := <-f.engine.Events()
		types = append(types, ev.Type)
		switch ev.Type {
		case sync.EventFileError:
			failedPath = ev.Path
			assert.NotNil(t, ev.Progress)
		case sync.EventFileStarted:
			require.NotNil(t, ev.Progress, ev.Path)
			assert.Equal(t, ev.Path, ev.Progress.CurrentFile)
			started = append(started, *ev.Progress)
		}
	}

	require.Len(t, started, 2)
	for i, p := range started {
		assert.Equal(t, 2, p.TotalFiles)
		assert.Equal(t, i, p.Processed)
	}

	require.NotEmpty(t, types)
	assert.Equal(t, sync.EventStarted, types[0])
	assert.Equal(t, sync.EventCompleted, types[len(types)-1])
	assert.Contains(t, types, sync.EventFileComplete)
	assert.Equal(t, "kb/bad.md", failedPath)

	progress := f.engine.GetProgress()
	require.NotNil(t, progress)
	assert.Equal(t, "completed", progress.Phase)
	assert.Equal(t, 2, progress.Processed)
	assert.Len(t, progress.Errors, 1)
}

func TestResultString(t *testing.T) {
	r := &sync.Result{Created: 1, Updated: 2, Unchanged: 3, Deleted: 4}
	assert.Equal(t, "created 1, updated 2, unchanged 3, deleted 4, failed 0", r.String())
}
