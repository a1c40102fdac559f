package sync_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/kbsync/internal/models"
	"github.com/TheMichaelB/kbsync/internal/scanner"
	"github.com/TheMichaelB/kbsync/internal/services/sync"
)

func newDoc(path, content string) *models.Document {
	return &models.Document{
		Path:        path,
		Section:     scanner.SectionOf(path[len("kb/"):]),
		Fingerprint: scanner.Fingerprint([]byte(content)),
		Size:        int64(len(content)),
		Content:     []byte(content),
	}
}

func snapshotOf(entries map[string]models.SyncEntry) *models.Snapshot {
	snap := models.NewSnapshot()
	for path, entry := range entries {
		snap.Put(path, entry)
	}
	return snap
}

func TestBuildPlan(t *testing.T) {
	a := newDoc("kb/a.md", "alpha")
	b := newDoc("kb/b.md", "bravo")

	tests := []struct {
		name string
		prev map[string]models.SyncEntry
		docs []*models.Document
		want map[string]sync.Action
	}{
		{
			name: "absent is created",
			prev: nil,
			docs: []*models.Document{a},
			want: map[string]sync.Action{"kb/a.md": sync.ActionCreate},
		},
		{
			name: "same fingerprint with id is unchanged",
			prev: map[string]models.SyncEntry{"kb/a.md": {Fingerprint: a.Fingerprint, RemoteID: "doc-1"}},
			docs: []*models.Document{a},
			want: map[string]sync.Action{"kb/a.md": sync.ActionUnchanged},
		},
		{
			name: "same fingerprint without id is unchanged",
			prev: map[string]models.SyncEntry{"kb/a.md": {Fingerprint: a.Fingerprint}},
			docs: []*models.Document{a},
			want: map[string]sync.Action{"kb/a.md": sync.ActionUnchanged},
		},
		{
			name: "changed with id is updated",
			prev: map[string]models.SyncEntry{"kb/a.md": {Fingerprint: b.Fingerprint, RemoteID: "doc-1"}},
			docs: []*models.Document{a},
			want: map[string]sync.Action{"kb/a.md": sync.ActionUpdate},
		},
		{
			name: "changed without id skips cleanup",
			prev: map[string]models.SyncEntry{"kb/a.md": {Fingerprint: b.Fingerprint, RemoteID: "  "}},
			docs: []*models.Document{a},
			want: map[string]sync.Action{"kb/a.md": sync.ActionUpdateNoCleanup},
		},
		{
			name: "missing locally is deleted",
			prev: map[string]models.SyncEntry{"kb/gone.md": {Fingerprint: a.Fingerprint, RemoteID: "doc-9"}},
			docs: nil,
			want: map[string]sync.Action{"kb/gone.md": sync.ActionDelete},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := sync.BuildPlan(snapshotOf(tt.prev), tt.docs)

			got := make(map[string]sync.Action)
			for _, item := range plan.Items {
				got[item.Path] = item.Action
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildPlanOrder(t *testing.T) {
	prev := snapshotOf(map[string]models.SyncEntry{
		"kb/z-old.md": {Fingerprint: "0123456789abcdef", RemoteID: "doc-1"},
		"kb/a-old.md": {Fingerprint: "0123456789abcdef", RemoteID: "doc-2"},
	})
	docs := []*models.Document{newDoc("kb/c.md", "c"), newDoc("kb/b.md", "b")}

	plan := sync.BuildPlan(prev, docs)

	var paths []string
	for _, item := range plan.Items {
		paths = append(paths, item.Path)
	}
	assert.Equal(t, []string{"kb/b.md", "kb/c.md", "kb/a-old.md", "kb/z-old.md"}, paths)
	assert.Equal(t, 2, plan.Count(sync.ActionCreate))
	assert.Equal(t, 2, plan.Count(sync.ActionDelete))
	assert.Equal(t, "kb/c.md", docs[0].Path, "input slice is not reordered")
}

func TestPlanHasChanges(t *testing.T) {
	a := newDoc("kb/a.md", "alpha")
	prev := snapshotOf(map[string]models.SyncEntry{"kb/a.md": {Fingerprint: a.Fingerprint, RemoteID: "doc-1"}})

	assert.False(t, sync.BuildPlan(prev, []*models.Document{a}).HasChanges())
	assert.False(t, sync.BuildPlan(models.NewSnapshot(), nil).HasChanges())
	assert.True(t, sync.BuildPlan(prev, nil).HasChanges())
}

func scannerFingerprint(content string) string {
	return scanner.Fingerprint([]byte(content))
}
