package watch_test

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/kbsync/internal/events"
	"github.com/TheMichaelB/kbsync/internal/watch"
)

type runner struct {
	runs  int32
	calls chan struct{}
}

func newRunner() *runner {
	return &runner{calls: make(chan struct{}, 16)}
}

func (r *runner) fn(ctx context.Context) error {
	atomic.AddInt32(&r.runs, 1)
	r.calls <- struct{}{}
	return nil
}

func (r *runner) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.calls:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a run")
	}
}

func start(t *testing.T, opts watch.Options, r *runner) {
	t.Helper()

	w, err := watch.New(opts, events.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, r.fn) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		_ = w.Close()
	})
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestWatcherDebouncesChanges(t *testing.T) {
	root := t.TempDir()
	r := newRunner()
	start(t, watch.Options{Root: root, Extensions: []string{".md"}, Debounce: 100 * time.Millisecond}, r)

	for i := 0; i < 5; i++ {
		write(t, filepath.Join(root, "a.md"), string(rune('a'+i)))
	}
	r.wait(t)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&r.runs), "burst coalesced into one run")
}

func TestWatcherRunOnStart(t *testing.T) {
	r := newRunner()
	start(t, watch.Options{Root: t.TempDir(), Debounce: time.Hour, RunOnStart: true}, r)
	r.wait(t)
}

func TestWatcherIgnoresOtherExtensions(t *testing.T) {
	root := t.TempDir()
	r := newRunner()
	start(t, watch.Options{Root: root, Extensions: []string{".md"}, Debounce: 50 * time.Millisecond}, r)

	write(t, filepath.Join(root, "notes.txt"), "x")
	write(t, filepath.Join(root, ".hidden.md"), "x")

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&r.runs))
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	root := t.TempDir()
	r := newRunner()
	start(t, watch.Options{Root: root, Extensions: []string{".md"}, Debounce: 50 * time.Millisecond}, r)

	require.NoError(t, os.Mkdir(filepath.Join(root, "eng"), 0755))
	r.wait(t)

	write(t, filepath.Join(root, "eng", "deploy.md"), "x")
	r.wait(t)
}

func TestNewMissingRoot(t *testing.T) {
	_, err := watch.New(watch.Options{Root: filepath.Join(t.TempDir(), "missing")}, events.Discard())
	assert.Error(t, err)
}
