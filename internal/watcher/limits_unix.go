//go:build !windows

package watcher

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isWatchLimit reports whether err means the kernel refused more watches.
func isWatchLimit(err error) bool {
	return errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EMFILE)
}
