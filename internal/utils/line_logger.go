package utils

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
)

const (
	// maxLineSize is the size after which a line without a terminator is logged anyway
	maxLineSize = 64 * 1024
)

// LineLogger implements io.Writer and turns every complete line written to it into a log record.
// It is used to surface the output of child processes through the structured logger.
type LineLogger struct {
	logger *slog.Logger
	level  slog.Level
	msg    string

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewLineLogger creates a LineLogger emitting records with the given level and message.
// Each line is attached under the "line" key.
func NewLineLogger(logger *slog.Logger, level slog.Level, msg string) *LineLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &LineLogger{
		logger: logger,
		level:  level,
		msg:    msg,
	}
}

// Write buffers p and logs every complete line. It never fails.
func (l *LineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf.Write(p)
	for {
		idx := bytes.IndexByte(l.buf.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := l.buf.Next(idx + 1)
		l.emit(line)
	}

	if l.buf.Len() > maxLineSize {
		l.emit(l.buf.Next(l.buf.Len()))
	}

	return len(p), nil
}

// Close logs whatever is left in the buffer.
func (l *LineLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.buf.Len() > 0 {
		l.emit(l.buf.Next(l.buf.Len()))
	}
	return nil
}

func (l *LineLogger) emit(line []byte) {
	text := strings.TrimRight(string(line), "\r\n")
	if text == "" {
		return
	}
	l.logger.Log(context.Background(), l.level, l.msg, "line", text)
}
