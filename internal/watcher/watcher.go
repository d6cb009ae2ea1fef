// Package watcher turns OS change notifications for a source tree into replication events.
//
// Watches are installed per directory. A directory created while watching is watched first and
// listed afterwards, so files that appeared before its watch existed are still reported. When
// the watch state can no longer be trusted the watcher re-scans once and then gives up with a
// DesyncError.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"iter"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/openmined/file-replicator/internal/scanner"
	"github.com/openmined/file-replicator/internal/utils"
)

const (
	DefaultDebounce         = 50 * time.Millisecond
	DefaultDesyncRecoveries = 1
	eventBufferSize         = 64
	minFlushInterval        = 5 * time.Millisecond
)

type Options struct {
	FollowSymlinks bool
	// Debounce coalesces bursts of writes to one file. Zero sends every change right away.
	Debounce time.Duration
	// DesyncRecoveries is the number of re-scans allowed per session before a desync is fatal.
	DesyncRecoveries int
	// BufferSize is the capacity of the events channel.
	BufferSize int
	// NewNotifier creates the OS notification source, fsnotify.NewWatcher when nil.
	NewNotifier func() (*fsnotify.Watcher, error)
}

type watchHandle struct {
	added time.Time
}

type pendingEvent struct {
	kind EventKind
	last time.Time
	seq  uint64
}

type Watcher struct {
	root   string
	filter scanner.Filter
	opts   Options

	fsw     *fsnotify.Watcher
	watches map[string]watchHandle // absolute directory path -> handle
	mu      sync.RWMutex

	events  chan Event
	pending map[string]*pendingEvent
	seq     uint64

	state      atomic.Int32
	recoveries int
}

func New(root string, filter scanner.Filter, opts Options) *Watcher {
	if opts.Debounce < 0 {
		opts.Debounce = 0
	}
	if opts.DesyncRecoveries < 0 {
		opts.DesyncRecoveries = 0
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = eventBufferSize
	}
	return &Watcher{
		root:    root,
		filter:  filter,
		opts:    opts,
		watches: make(map[string]watchHandle),
		events:  make(chan Event, opts.BufferSize),
		pending: make(map[string]*pendingEvent),
	}
}

// Start installs watches on the root and every included directory below it.
func (w *Watcher) Start() error {
	if !w.state.CompareAndSwap(int32(Idle), int32(Watching)) {
		return ErrAlreadyStarted
	}

	newNotifier := w.opts.NewNotifier
	if newNotifier == nil {
		newNotifier = fsnotify.NewWatcher
	}
	fsw, err := newNotifier()
	if err != nil {
		w.setState(Stopped)
		return err
	}
	w.fsw = fsw

	count := 0
	for e := range w.scan(".") {
		if e.Kind != scanner.Directory {
			continue
		}
		if err := w.addWatch(e.Path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			w.setState(Desynced)
			return w.desync(e.Path, err)
		}
		count++
	}

	slog.Info("watcher start", "dir", w.root, "watches", count)
	return nil
}

// Run consumes notifications until ctx is done or the watcher desyncs. It closes the events
// channel on return.
func (w *Watcher) Run(ctx context.Context) error {
	if w.State() != Watching {
		close(w.events)
		return ErrNotStarted
	}
	defer close(w.events)

	interval := max(w.opts.Debounce/2, minFlushInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			w.state.CompareAndSwap(int32(Watching), int32(Stopped))
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				w.state.CompareAndSwap(int32(Watching), int32(Stopped))
				return nil
			}
			err = w.handle(ctx, ev)
			if err == nil && w.opts.Debounce == 0 {
				err = w.flush(ctx, time.Now())
			}

		case werr, ok := <-w.fsw.Errors:
			if !ok {
				w.state.CompareAndSwap(int32(Watching), int32(Stopped))
				return nil
			}
			err = w.handleError(werr)

		case now := <-ticker.C:
			err = w.flush(ctx, now)
		}

		if err == nil {
			continue
		}
		var derr *DesyncError
		if errors.As(err, &derr) {
			err = w.recover(ctx, derr)
			if err == nil {
				continue
			}
		}
		if errors.Is(err, ErrDesync) {
			w.setState(Desynced)
		}
		return err
	}
}

// Events delivers changes. The channel is closed when Run returns.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

func (w *Watcher) State() State {
	return State(w.state.Load())
}

// WatchSet returns the absolute paths of the watched directories, sorted.
func (w *Watcher) WatchSet() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return slices.Sorted(maps.Keys(w.watches))
}

// Close releases the OS watches.
func (w *Watcher) Close() error {
	w.state.CompareAndSwap(int32(Watching), int32(Stopped))
	if w.fsw == nil {
		return nil
	}
	return w.fsw.Close()
}

func (w *Watcher) setState(s State) {
	w.state.Store(int32(s))
}

func (w *Watcher) abs(rel string) string {
	return filepath.Join(w.root, filepath.FromSlash(rel))
}

func (w *Watcher) scan(rel string) iter.Seq[scanner.Entry] {
	return scanner.Scan(w.root, w.filter, scanner.Options{
		FollowSymlinks: w.opts.FollowSymlinks,
		Subdir:         rel,
		OnError: func(err *scanner.EntryError) {
			if !errors.Is(err, fs.ErrNotExist) {
				slog.Warn("watcher list failed", "path", err.Path, "error", err.Err)
			}
		},
	})
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) error {
	rel, err := utils.RelativeTo(w.root, ev.Name)
	if err != nil {
		return nil
	}
	if rel == "." {
		if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
			slog.Warn("watcher root removed", "dir", w.root)
		}
		return nil
	}

	switch {
	case ev.Has(fsnotify.Create):
		return w.created(ctx, rel)

	case ev.Has(fsnotify.Write):
		if w.filter.Included(rel, false) {
			w.queue(rel, Modified)
		}

	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		wasDir := w.unwatch(rel)
		delete(w.pending, rel)
		if w.filter.Included(rel, wasDir) {
			return w.emit(ctx, Event{Path: rel, Kind: Deleted})
		}
	}

	return nil
}

func (w *Watcher) created(ctx context.Context, rel string) error {
	info, err := w.stat(rel)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		slog.Warn("watcher stat failed", "path", rel, "error", err)
		return nil
	}
	if info == nil {
		return nil
	}

	if info.IsDir() {
		if !w.filter.Included(rel, true) {
			return nil
		}
		return w.watchTree(ctx, rel)
	}

	if info.Mode().IsRegular() && w.filter.Included(rel, false) {
		w.queue(rel, Created)
	}
	return nil
}

// watchTree watches rel and everything below it, then reports what is already there.
// Each directory is watched before it is listed, so nothing created in between goes unseen.
func (w *Watcher) watchTree(ctx context.Context, rel string) error {
	for e := range w.scan(rel) {
		if e.Kind == scanner.File {
			w.queue(e.Path, Created)
			continue
		}

		if err := w.addWatch(e.Path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return w.desync(e.Path, err)
		}
		if err := w.emit(ctx, Event{Path: e.Path, Kind: DirectoryCreated}); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) stat(rel string) (fs.FileInfo, error) {
	info, err := os.Lstat(w.abs(rel))
	if err != nil {
		return nil, err
	}
	if info.Mode()&fs.ModeSymlink == 0 {
		return info, nil
	}
	if !w.opts.FollowSymlinks {
		return nil, nil
	}
	return os.Stat(w.abs(rel))
}

func (w *Watcher) addWatch(rel string) error {
	dir := w.abs(rel)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.watches[dir]; ok {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		return err
	}
	w.watches[dir] = watchHandle{added: time.Now()}
	slog.Debug("watcher add", "dir", rel)
	return nil
}

// unwatch drops rel and its descendants from the watch set and reports whether rel was watched.
func (w *Watcher) unwatch(rel string) bool {
	removed := w.abs(rel)

	w.mu.Lock()
	defer w.mu.Unlock()

	_, wasDir := w.watches[removed]
	prefix := removed + string(filepath.Separator)
	for dir := range w.watches {
		if dir != removed && !strings.HasPrefix(dir, prefix) {
			continue
		}
		if err := w.fsw.Remove(dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
			slog.Debug("watcher remove", "dir", dir, "error", err)
		}
		delete(w.watches, dir)
	}
	return wasDir
}

func (w *Watcher) handleError(err error) error {
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		return &DesyncError{Path: ".", Reason: "event queue overflow", Err: err}
	}
	return &DesyncError{Path: ".", Reason: "notification failure", Err: err}
}

func (w *Watcher) desync(rel string, err error) error {
	reason := "add watch"
	if isWatchLimit(err) {
		reason = "watch limit reached"
	}
	return &DesyncError{Path: rel, Reason: reason, Err: err}
}

// recover re-scans the subtree of derr once. A second desync while doing so is returned.
func (w *Watcher) recover(ctx context.Context, derr *DesyncError) error {
	if w.recoveries >= w.opts.DesyncRecoveries {
		slog.Error("watcher desync", "path", derr.Path, "reason", derr.Reason, "error", derr.Err, "recoveries", w.recoveries)
		return derr
	}
	w.recoveries++
	slog.Warn("watcher desync, re-scanning", "path", derr.Path, "reason", derr.Reason, "attempt", w.recoveries, "budget", w.opts.DesyncRecoveries)

	if err := w.watchTree(ctx, derr.Path); err != nil {
		slog.Error("watcher recovery failed", "path", derr.Path, "error", err)
		return err
	}
	return nil
}

func (w *Watcher) queue(rel string, kind EventKind) {
	now := time.Now()
	if p, ok := w.pending[rel]; ok {
		p.last = now
		if p.kind != Created {
			p.kind = kind
		}
		return
	}
	w.seq++
	w.pending[rel] = &pendingEvent{kind: kind, last: now, seq: w.seq}
}

// flush emits the pending events that have been quiet for the debounce period, oldest first.
func (w *Watcher) flush(ctx context.Context, now time.Time) error {
	if len(w.pending) == 0 {
		return nil
	}

	type due struct {
		path string
		ev   *pendingEvent
	}
	var ready []due
	for path, ev := range w.pending {
		if now.Sub(ev.last) >= w.opts.Debounce {
			ready = append(ready, due{path, ev})
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ev.seq < ready[j].ev.seq })

	for _, d := range ready {
		delete(w.pending, d.path)
		if err := w.emit(ctx, Event{Path: d.path, Kind: d.ev.kind}); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) emit(ctx context.Context, ev Event) error {
	ev.Time = time.Now()
	select {
	case w.events <- ev:
		slog.Debug("watcher event", "kind", ev.Kind, "path", ev.Path)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
