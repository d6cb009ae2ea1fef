package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/openmined/file-replicator/internal/ignore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempRoot(t *testing.T) string {
	t.Helper()
	// macos is funny =)
	// tmpdir lives in /var/folders but it's actually symlink to /private/var/folders
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err, "failed to evaluate symlinks")
	return dir
}

func makeTestFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func mustMatcher(t *testing.T, lines ...string) *ignore.Matcher {
	t.Helper()
	m, err := ignore.CompileLines(lines...)
	require.NoError(t, err)
	return m
}

// startWatcher starts w and runs it until the test ends.
func startWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	require.NoError(t, w.Start())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-done
		_ = w.Close()
	})
}

// waitForEvent collects events until match returns true or the timeout expires.
func waitForEvent(t *testing.T, w *Watcher, match func(Event) bool) []Event {
	t.Helper()
	var seen []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-w.Events():
			require.True(t, ok, "events channel closed early")
			seen = append(seen, ev)
			if match(ev) {
				return seen
			}
		case <-timeout:
			require.FailNow(t, "timeout waiting for event", "seen: %v", seen)
		}
	}
}

func drainFor(w *Watcher, d time.Duration) []Event {
	var seen []Event
	timeout := time.After(d)
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				return seen
			}
			seen = append(seen, ev)
		case <-timeout:
			return seen
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	w := New("/src", mustMatcher(t), Options{Debounce: -1, DesyncRecoveries: -2})

	assert.Equal(t, Idle, w.State())
	assert.Zero(t, w.opts.Debounce)
	assert.Zero(t, w.opts.DesyncRecoveries)
	assert.Equal(t, eventBufferSize, cap(w.events))
	assert.Empty(t, w.WatchSet())
}

func TestWatcher_StartInstallsWatchesOnIncludedDirs(t *testing.T) {
	root := tempRoot(t)
	makeTestFile(t, root, "a/b/c.txt", "x")
	makeTestFile(t, root, "node_modules/pkg/index.js", "x")
	makeTestFile(t, root, ".git/HEAD", "x")

	w := New(root, mustMatcher(t, "node_modules"), Options{})
	require.NoError(t, w.Start())
	defer w.Close()

	assert.Equal(t, Watching, w.State())
	assert.Equal(t, []string{root, filepath.Join(root, "a"), filepath.Join(root, "a", "b")}, w.WatchSet())
	assert.ErrorIs(t, w.Start(), ErrAlreadyStarted)
}

func TestWatcher_RunBeforeStart(t *testing.T) {
	w := New(tempRoot(t), mustMatcher(t), Options{})
	assert.ErrorIs(t, w.Run(t.Context()), ErrNotStarted)

	_, ok := <-w.Events()
	assert.False(t, ok)
}

func TestWatcher_DetectsNewFile(t *testing.T) {
	root := tempRoot(t)
	w := New(root, mustMatcher(t), Options{Debounce: 20 * time.Millisecond})
	startWatcher(t, w)

	makeTestFile(t, root, "b.txt", "goodbye")

	seen := waitForEvent(t, w, func(ev Event) bool { return ev.Path == "b.txt" })
	last := seen[len(seen)-1]
	assert.Equal(t, Created, last.Kind)
	assert.False(t, last.Time.IsZero())
}

func TestWatcher_DetectsModifiedFile(t *testing.T) {
	root := tempRoot(t)
	makeTestFile(t, root, "a.txt", "hello")

	w := New(root, mustMatcher(t), Options{Debounce: 20 * time.Millisecond})
	startWatcher(t, w)

	f, err := os.OpenFile(filepath.Join(root, "a.txt"), os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.WriteString(" again")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	seen := waitForEvent(t, w, func(ev Event) bool { return ev.Path == "a.txt" })
	assert.Equal(t, Modified, seen[len(seen)-1].Kind)
}

func TestWatcher_ExcludedPathsNeverEmitted(t *testing.T) {
	root := tempRoot(t)
	w := New(root, mustMatcher(t, "*.log"), Options{Debounce: 10 * time.Millisecond})
	startWatcher(t, w)

	makeTestFile(t, root, "x.log", "noise")
	makeTestFile(t, root, "y.txt", "signal")

	seen := waitForEvent(t, w, func(ev Event) bool { return ev.Path == "y.txt" })
	seen = append(seen, drainFor(w, 200*time.Millisecond)...)
	for _, ev := range seen {
		assert.NotEqual(t, "x.log", ev.Path)
	}
}

func TestWatcher_NewNestedDirectories(t *testing.T) {
	root := tempRoot(t)
	w := New(root, mustMatcher(t), Options{Debounce: 10 * time.Millisecond})
	startWatcher(t, w)

	makeTestFile(t, root, "sub/deep/file.txt", "x")

	seen := waitForEvent(t, w, func(ev Event) bool { return ev.Path == "sub/deep/file.txt" })

	dirs := map[string]bool{}
	for _, ev := range seen {
		if ev.Kind == DirectoryCreated {
			dirs[ev.Path] = true
		}
	}
	assert.True(t, dirs["sub"], "sub directory event missing: %v", seen)
	assert.True(t, dirs["sub/deep"], "sub/deep directory event missing: %v", seen)
	assert.Contains(t, w.WatchSet(), filepath.Join(root, "sub", "deep"))
}

func TestWatcher_EmptyDirectory(t *testing.T) {
	root := tempRoot(t)
	w := New(root, mustMatcher(t), Options{})
	startWatcher(t, w)

	require.NoError(t, os.Mkdir(filepath.Join(root, "empty"), 0o755))

	seen := waitForEvent(t, w, func(ev Event) bool { return ev.Path == "empty" })
	assert.Equal(t, DirectoryCreated, seen[len(seen)-1].Kind)
}

func TestWatcher_DirectoryPopulatedImmediately(t *testing.T) {
	root := tempRoot(t)
	w := New(root, mustMatcher(t), Options{Debounce: 10 * time.Millisecond})
	startWatcher(t, w)

	const n = 50
	dir := filepath.Join(root, "burst")
	require.NoError(t, os.Mkdir(dir, 0o755))
	for i := 0; i < n; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("f%02d.txt", i)), []byte("x"), 0o644))
	}

	want := map[string]bool{}
	for i := 0; i < n; i++ {
		want[fmt.Sprintf("burst/f%02d.txt", i)] = true
	}
	waitForEvent(t, w, func(ev Event) bool {
		delete(want, ev.Path)
		return len(want) == 0
	})
	assert.Empty(t, want)
}

func TestWatcher_ExcludedDirectoryIsNotWatched(t *testing.T) {
	root := tempRoot(t)
	w := New(root, mustMatcher(t, "build/"), Options{Debounce: 10 * time.Millisecond})
	startWatcher(t, w)

	makeTestFile(t, root, "build/out.bin", "x")
	makeTestFile(t, root, "marker.txt", "x")

	seen := waitForEvent(t, w, func(ev Event) bool { return ev.Path == "marker.txt" })
	for _, ev := range seen {
		assert.NotContains(t, ev.Path, "build")
	}
	assert.NotContains(t, w.WatchSet(), filepath.Join(root, "build"))
}

func TestWatcher_DeletedEvents(t *testing.T) {
	root := tempRoot(t)
	makeTestFile(t, root, "gone.txt", "x")
	makeTestFile(t, root, "dir/inner.txt", "x")

	w := New(root, mustMatcher(t), Options{})
	startWatcher(t, w)

	require.NoError(t, os.Remove(filepath.Join(root, "gone.txt")))
	seen := waitForEvent(t, w, func(ev Event) bool { return ev.Path == "gone.txt" })
	assert.Equal(t, Deleted, seen[len(seen)-1].Kind)

	require.NoError(t, os.RemoveAll(filepath.Join(root, "dir")))
	waitForEvent(t, w, func(ev Event) bool { return ev.Path == "dir" && ev.Kind == Deleted })
	assert.Eventually(t, func() bool {
		return !contains(w.WatchSet(), filepath.Join(root, "dir"))
	}, time.Second, 10*time.Millisecond)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestWatcher_DebounceCoalescesWrites(t *testing.T) {
	root := tempRoot(t)
	w := New(root, mustMatcher(t), Options{Debounce: 200 * time.Millisecond})
	startWatcher(t, w)

	p := filepath.Join(root, "burst.txt")
	f, err := os.Create(p)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := f.WriteString("chunk\n")
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())

	seen := drainFor(w, time.Second)
	count := 0
	for _, ev := range seen {
		if ev.Path == "burst.txt" {
			count++
			assert.Equal(t, Created, ev.Kind)
		}
	}
	assert.Equal(t, 1, count)
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	root := tempRoot(t)
	w := New(root, mustMatcher(t), Options{})
	require.NoError(t, w.Start())
	defer w.Close()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}

	assert.Equal(t, Stopped, w.State())
	_, ok := <-w.Events()
	assert.False(t, ok, "events channel should be closed after Run returns")
}

func TestWatcher_OverflowIsDesync(t *testing.T) {
	w := New(tempRoot(t), mustMatcher(t), Options{})

	err := w.handleError(fsnotify.ErrEventOverflow)
	assert.ErrorIs(t, err, ErrDesync)
	assert.ErrorIs(t, err, fsnotify.ErrEventOverflow)

	var derr *DesyncError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, ".", derr.Path)
	assert.Contains(t, err.Error(), "overflow")
}

func TestWatcher_RecoveryRescansOnceThenEscalates(t *testing.T) {
	root := tempRoot(t)
	makeTestFile(t, root, "a.txt", "x")
	makeTestFile(t, root, "sub/b.txt", "x")

	w := New(root, mustMatcher(t), Options{DesyncRecoveries: 1})
	require.NoError(t, w.Start())
	defer w.Close()

	derr := &DesyncError{Path: ".", Reason: "event queue overflow", Err: fsnotify.ErrEventOverflow}
	require.NoError(t, w.recover(t.Context(), derr))
	require.NoError(t, w.flush(t.Context(), time.Now().Add(time.Hour)))

	got := map[string]EventKind{}
	for len(w.events) > 0 {
		ev := <-w.events
		got[ev.Path] = ev.Kind
	}
	assert.Equal(t, map[string]EventKind{
		".":         DirectoryCreated,
		"a.txt":     Created,
		"sub":       DirectoryCreated,
		"sub/b.txt": Created,
	}, got)

	err := w.recover(t.Context(), derr)
	assert.ErrorIs(t, err, ErrDesync)
}

func TestWatcher_RunRecoversThenDesyncs(t *testing.T) {
	root := tempRoot(t)
	makeTestFile(t, root, "a.txt", "x")

	var fsw *fsnotify.Watcher
	w := New(root, mustMatcher(t), Options{
		Debounce:         10 * time.Millisecond,
		DesyncRecoveries: 1,
		NewNotifier: func() (*fsnotify.Watcher, error) {
			var err error
			fsw, err = fsnotify.NewWatcher()
			return fsw, err
		},
	})
	require.NoError(t, w.Start())
	defer w.Close()
	require.NotNil(t, fsw)

	done := make(chan error, 1)
	go func() { done <- w.Run(t.Context()) }()

	// the first overflow is absorbed by a re-scan that reports what is on disk
	fsw.Errors <- fsnotify.ErrEventOverflow
	waitForEvent(t, w, func(ev Event) bool { return ev.Path == "a.txt" })
	assert.Equal(t, Watching, w.State())

	makeTestFile(t, root, "b.txt", "x")
	waitForEvent(t, w, func(ev Event) bool { return ev.Path == "b.txt" })

	fsw.Errors <- fsnotify.ErrEventOverflow
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrDesync)
		assert.ErrorIs(t, err, fsnotify.ErrEventOverflow)
	case <-time.After(5 * time.Second):
		t.Fatal("Run kept going after the recovery budget was spent")
	}
	assert.Equal(t, Desynced, w.State())

	drainFor(w, 100*time.Millisecond)
	_, ok := <-w.Events()
	assert.False(t, ok, "events channel should be closed after a desync")
}

func TestWatcher_ZeroRecoveryBudgetIsImmediatelyFatal(t *testing.T) {
	w := New(tempRoot(t), mustMatcher(t), Options{DesyncRecoveries: 0})
	derr := &DesyncError{Path: ".", Reason: "test"}

	assert.ErrorIs(t, w.recover(t.Context(), derr), ErrDesync)
	assert.Empty(t, w.events)
}

func TestEventKindAndStateStrings(t *testing.T) {
	assert.Equal(t, "created", Created.String())
	assert.Equal(t, "modified", Modified.String())
	assert.Equal(t, "deleted", Deleted.String())
	assert.Equal(t, "directory-created", DirectoryCreated.String())
	assert.Equal(t, "desynced", Desynced.String())
	assert.Equal(t, "watching", Watching.String())
}
