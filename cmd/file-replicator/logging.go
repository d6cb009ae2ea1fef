package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/file-replicator/internal/config"
	"github.com/openmined/file-replicator/internal/utils"
)

const logTimeFormat = "2006-01-02T15:04:05.000Z07:00"

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

func newConsoleHandler(out io.Writer, level slog.Level) slog.Handler {
	return tint.NewHandler(out, &tint.Options{
		Level:      level,
		TimeFormat: logTimeFormat,
		NoColor:    !isTerminal(out),
	})
}

// setupLogger installs the default logger: tint on out, plus a text log file when configured.
// The returned function closes the log file.
func setupLogger(cfg *config.Config, out io.Writer) (func() error, error) {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	handlers := []slog.Handler{newConsoleHandler(out, level)}

	closer := func() error { return nil }
	if cfg.LogFile != "" {
		if err := utils.EnsureParent(cfg.LogFile); err != nil {
			return nil, fmt.Errorf("%w: log file: %w", config.ErrConfig, err)
		}
		file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("%w: log file: %w", config.ErrConfig, err)
		}
		handlers = append(handlers, slog.NewTextHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug}))
		closer = file.Close
	}

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(handlers...)))
	return closer, nil
}

// remoteOutput returns writers that log the connection command's output line by line.
func remoteOutput() (stdout, stderr *utils.LineLogger) {
	stdout = utils.NewLineLogger(slog.Default().With("stream", "stdout"), slog.LevelDebug, "remote")
	stderr = utils.NewLineLogger(slog.Default().With("stream", "stderr"), slog.LevelDebug, "remote")
	return stdout, stderr
}
