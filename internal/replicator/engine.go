package replicator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/openmined/file-replicator/internal/archive"
	"github.com/openmined/file-replicator/internal/scanner"
	"github.com/openmined/file-replicator/internal/transport"
	"github.com/openmined/file-replicator/internal/watcher"
	"golang.org/x/sync/errgroup"
)

// newNotifier overrides the watcher's notification source when set.
var newNotifier func() (*fsnotify.Watcher, error)

// Engine drives a session: an optional full replication followed by optional change replication.
// All archives go through the session transport one after another.
type Engine struct {
	session *Session
}

func NewEngine(s *Session) *Engine {
	return &Engine{session: s}
}

// Run performs the phases enabled in the session config. When both are enabled the watches are
// installed before the full scan, so changes made while it runs are not missed.
func (e *Engine) Run(ctx context.Context) (err error) {
	cfg := e.session.Config
	defer e.interruptOnCancel(ctx)()
	defer func() { err = cancelled(ctx, err) }()

	var w *watcher.Watcher
	if cfg.ReplicateOnChange {
		if w, err = e.startWatcher(); err != nil {
			return err
		}
		defer w.Close()
	}

	if cfg.InitialReplication {
		if err := e.ReplicateAll(ctx); err != nil {
			return err
		}
	}

	if w == nil {
		return nil
	}
	return e.watch(ctx, w)
}

// ReplicateAll sends every included file and directory of the source tree in one archive.
func (e *Engine) ReplicateAll(ctx context.Context) (err error) {
	s := e.session
	defer e.interruptOnCancel(ctx)()
	defer func() { err = cancelled(ctx, err) }()
	start := time.Now()
	slog.Info("replicate all", "src", s.Config.SourceDir, "dest", s.DestDir())

	aw, err := s.Transport.OpenArchive()
	if err != nil {
		return err
	}
	defer aw.Close()

	var files, dirs, skipped int
	var size uint64

	entries := scanner.Scan(s.Config.SourceDir, s.Filter, scanner.Options{
		FollowSymlinks: s.Config.FollowSymlinks,
		OnError: func(err *scanner.EntryError) {
			skipped++
			slog.Warn("replicate all skip", "path", err.Path, "error", err.Err)
		},
	})
	for entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		name := s.MemberName(entry.Path)
		var n uint64
		switch entry.Kind {
		case scanner.Directory:
			err = aw.WriteDir(name, entry.Mode, time.Unix(0, entry.MtimeNanos))
		case scanner.File:
			n, err = aw.WriteFile(name, e.abs(entry.Path))
		}

		if err != nil {
			if fatal(err) {
				return err
			}
			skipped++
			slog.Warn("replicate all skip", "path", entry.Path, "error", err)
			continue
		}

		size += n
		if entry.Kind == scanner.Directory {
			dirs++
		} else {
			files++
		}
	}

	if err := aw.Close(); err != nil {
		return err
	}

	slog.Info("replicate all done",
		"files", files,
		"dirs", dirs,
		"skipped", skipped,
		"size", humanize.Bytes(size),
		"took", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// ReplicateOnChange watches the source tree and sends every change until ctx is done, the
// transport fails or the watcher desyncs.
func (e *Engine) ReplicateOnChange(ctx context.Context) (err error) {
	defer e.interruptOnCancel(ctx)()
	defer func() { err = cancelled(ctx, err) }()

	w, err := e.startWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	return e.watch(ctx, w)
}

func (e *Engine) startWatcher() (*watcher.Watcher, error) {
	s := e.session
	w := watcher.New(s.Config.SourceDir, s.Filter, watcher.Options{
		FollowSymlinks:   s.Config.FollowSymlinks,
		Debounce:         s.Config.Debounce,
		DesyncRecoveries: s.Config.DesyncRecoveries,
		BufferSize:       s.Config.BatchSize,
		NewNotifier:      newNotifier,
	})
	if err := w.Start(); err != nil {
		if errors.Is(err, watcher.ErrDesync) {
			s.markDesynced()
		}
		w.Close()
		return nil, err
	}
	return w, nil
}

func (e *Engine) watch(ctx context.Context, w *watcher.Watcher) error {
	s := e.session
	slog.Info("replicate on change", "src", s.Config.SourceDir, "watches", len(w.WatchSet()))

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		err := w.Run(egCtx)
		if errors.Is(err, watcher.ErrDesync) {
			s.markDesynced()
		}
		return err
	})

	eg.Go(func() error {
		return e.consume(egCtx, w.Events())
	})

	// the remote side going away is fatal even when nothing is being written
	eg.Go(func() error {
		select {
		case <-s.Transport.Exited():
			return s.Transport.Err()
		case <-egCtx.Done():
			return nil
		}
	})

	err := cancelled(ctx, eg.Wait())
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("replicate on change stopped", "error", err)
	}
	return err
}

// consume sends events in batches. A batch is whatever is ready when the first event arrives,
// up to BatchSize events, and goes out as one archive.
func (e *Engine) consume(ctx context.Context, events <-chan watcher.Event) error {
	batchSize := max(e.session.Config.BatchSize, 1)
	batch := make([]watcher.Event, 0, batchSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			batch = append(batch[:0], ev)
		}

	drain:
		for len(batch) < batchSize {
			select {
			case ev, ok := <-events:
				if !ok {
					break drain
				}
				batch = append(batch, ev)
			default:
				break drain
			}
		}

		if _, err := e.send(batch); err != nil {
			return err
		}
	}
}

// sendStats counts what one archive of changes carried. Entries that failed are only skipped.
type sendStats struct {
	files, dirs, skipped int
	size                 uint64
}

// send writes one archive for the batch. Deleted events are never propagated.
func (e *Engine) send(batch []watcher.Event) (stats sendStats, err error) {
	s := e.session

	seen := make(map[string]struct{}, len(batch))
	var aw *archive.Writer

	for _, ev := range batch {
		if ev.Kind == watcher.Deleted {
			slog.Debug("replicate skip deleted", "path", ev.Path)
			continue
		}
		if _, dup := seen[ev.Path]; dup {
			continue
		}
		seen[ev.Path] = struct{}{}

		info, err := e.stat(ev.Path)
		if err != nil {
			slog.Debug("replicate skip", "path", ev.Path, "error", err)
			continue
		}
		if info == nil || !(info.IsDir() || info.Mode().IsRegular()) {
			continue
		}

		if aw == nil {
			if aw, err = s.Transport.OpenArchive(); err != nil {
				return stats, err
			}
			defer aw.Close()
		}

		name := s.MemberName(ev.Path)
		var n uint64
		if info.IsDir() {
			err = aw.WriteDir(name, info.Mode().Perm(), info.ModTime())
		} else {
			n, err = aw.WriteFile(name, e.abs(ev.Path))
		}
		if err != nil {
			if fatal(err) {
				return stats, err
			}
			stats.skipped++
			slog.Warn("replicate skip", "path", ev.Path, "error", err)
			continue
		}

		stats.size += n
		if info.IsDir() {
			stats.dirs++
		} else {
			stats.files++
		}
		slog.Debug("replicate", "kind", ev.Kind, "path", ev.Path)
	}

	if aw == nil {
		return stats, nil
	}
	if err := aw.Close(); err != nil {
		return stats, err
	}
	slog.Info("replicate changes",
		"files", stats.files,
		"dirs", stats.dirs,
		"skipped", stats.skipped,
		"entries", aw.Entries(),
		"size", humanize.Bytes(stats.size),
	)
	return stats, nil
}

func (e *Engine) abs(rel string) string {
	return filepath.Join(e.session.Config.SourceDir, filepath.FromSlash(rel))
}

// stat applies the symlink policy. A nil info with nil error means skip.
func (e *Engine) stat(rel string) (fs.FileInfo, error) {
	info, err := os.Lstat(e.abs(rel))
	if err != nil {
		return nil, err
	}
	if info.Mode()&fs.ModeSymlink == 0 {
		return info, nil
	}
	if !e.session.Config.FollowSymlinks {
		return nil, nil
	}
	return os.Stat(e.abs(rel))
}

// interruptOnCancel abandons the transport once ctx is done, so a write stuck on a remote side
// that stopped reading fails instead of outliving the cancellation.
func (e *Engine) interruptOnCancel(ctx context.Context) (stop func()) {
	t := e.session.Transport
	unregister := context.AfterFunc(ctx, t.Interrupt)
	return func() { unregister() }
}

// cancelled reports a transport failure that follows the cancellation as ctx.Err(), since
// the interrupt is what broke the stream.
func cancelled(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil && errors.Is(err, transport.ErrTransport) {
		return ctx.Err()
	}
	return err
}

// fatal reports whether err ends the session. Anything else concerns a single entry.
func fatal(err error) bool {
	return errors.Is(err, transport.ErrTransport) ||
		errors.Is(err, archive.ErrClosed) ||
		errors.Is(err, context.Canceled)
}

// Describe is a one-line operator summary of a failed run.
func Describe(err error) string {
	switch ExitCode(err) {
	case ExitDesync:
		return "watcher lost track of changes, restart required"
	case ExitTransport:
		return "connection to the remote side failed"
	case ExitConfig:
		return "invalid configuration"
	default:
		return fmt.Sprintf("unexpected failure: %v", err)
	}
}
