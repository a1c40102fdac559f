package benchmark

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/TheMichaelB/kbsync/internal/models"
	"github.com/TheMichaelB/kbsync/internal/scanner"
	"github.com/TheMichaelB/kbsync/internal/state"
	"github.com/TheMichaelB/kbsync/test/testutil"
)

func benchSnapshot(count int) *models.Snapshot {
	snap := models.NewSnapshot()
	for i := 0; i < count; i++ {
		path := fmt.Sprintf("kb/section-%d/doc-%05d.md", i%10, i)
		snap.Put(path, models.SyncEntry{
			Fingerprint: scanner.Fingerprint([]byte(path)),
			RemoteID:    fmt.Sprintf("fileSearchStores/bench/documents/doc-%d", i),
		})
	}
	return snap
}

func openStores(b *testing.B) map[string]state.Store {
	dir := b.TempDir()
	logger := testutil.NewTestLogger()

	jsonStore, err := state.NewJSONStore(filepath.Join(dir, "sync_state.json"), logger)
	if err != nil {
		b.Fatal(err)
	}
	sqliteStore, err := state.NewSQLiteStore(filepath.Join(dir, "state.db"), logger)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() {
		_ = jsonStore.Close()
		_ = sqliteStore.Close()
	})

	return map[string]state.Store{
		"json":   jsonStore,
		"sqlite": sqliteStore,
	}
}

func BenchmarkStateSave(b *testing.B) {
	for _, count := range []int{100, 1000} {
		snap := benchSnapshot(count)

		for name, store := range openStores(b) {
			b.Run(fmt.Sprintf("%s/%dEntries", name, count), func(b *testing.B) {
				ctx := context.Background()
				b.ReportAllocs()

				for i := 0; i < b.N; i++ {
					if err := store.Save(ctx, snap); err != nil {
						b.Fatal(err)
					}
				}
			})
		}
	}
}

func BenchmarkStateLoad(b *testing.B) {
	for _, count := range []int{100, 1000} {
		snap := benchSnapshot(count)

		for name, store := range openStores(b) {
			b.Run(fmt.Sprintf("%s/%dEntries", name, count), func(b *testing.B) {
				ctx := context.Background()
				if err := store.Save(ctx, snap); err != nil {
					b.Fatal(err)
				}

				b.ResetTimer()
				b.ReportAllocs()

				for i := 0; i < b.N; i++ {
					loaded, err := store.Load(ctx)
					if err != nil {
						b.Fatal(err)
					}
					if loaded.Len() != count {
						b.Fatalf("loaded %d of %d", loaded.Len(), count)
					}
				}
			})
		}
	}
}
