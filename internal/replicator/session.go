package replicator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/openmined/file-replicator/internal/config"
	"github.com/openmined/file-replicator/internal/ignore"
	"github.com/openmined/file-replicator/internal/transport"
)

// Session is the state of one replication run: the filter, the roots and the live transport.
// A session is never reused; a restart is a new process with a new session.
type Session struct {
	ID        uuid.UUID
	Config    *config.Config
	Filter    *ignore.Matcher
	Transport *transport.Transport

	started  time.Time
	desynced atomic.Bool
	closed   atomic.Bool
}

// SessionOptions receive the connection command's output.
type SessionOptions struct {
	Stdout io.Writer
	Stderr io.Writer
}

// Open compiles the filter and starts the connection command. Nothing is scanned here, so a
// configuration or transport failure leaves no partial work behind. cfg must be validated.
func Open(ctx context.Context, cfg *config.Config, opts SessionOptions) (*Session, error) {
	filter, err := ignore.Compile(cfg.IgnoreOptions())
	if err != nil {
		return nil, fmt.Errorf("%w: ignore rules: %w", config.ErrConfig, err)
	}

	s := &Session{
		ID:      uuid.New(),
		Config:  cfg,
		Filter:  filter,
		started: time.Now(),
	}

	slog.Info("session open", "id", s.ID, "src", cfg.SourceDir, "dest", s.DestDir(), "rules", len(filter.Rules()))

	t, err := transport.Start(ctx, transport.Options{
		Command:         cfg.Command,
		DestParentDir:   cfg.DestParentDir,
		SourceName:      cfg.SourceName(),
		CleanOutFirst:   cfg.CleanOutFirst,
		Stdout:          opts.Stdout,
		Stderr:          opts.Stderr,
		StartupProbe:    cfg.StartupProbe,
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
	if err != nil {
		return nil, err
	}
	s.Transport = t

	return s, nil
}

// DestDir is where the source appears on the remote side.
func (s *Session) DestDir() string {
	return path.Join(s.Config.DestParentDir, s.Config.SourceName())
}

// MemberName maps a source-relative path to its archive member name.
func (s *Session) MemberName(rel string) string {
	if rel == "." || rel == "" {
		return s.Config.SourceName()
	}
	return path.Join(s.Config.SourceName(), rel)
}

func (s *Session) Desynced() bool {
	return s.desynced.Load()
}

func (s *Session) markDesynced() {
	s.desynced.Store(true)
}

// Close shuts the transport down. It is safe to call more than once.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.Transport.Close()
	slog.Info("session close",
		"id", s.ID,
		"uptime", time.Since(s.started).Round(time.Millisecond),
		"sent", humanize.Bytes(uint64(s.Transport.BytesWritten())),
		"desynced", s.Desynced(),
	)
	return err
}
