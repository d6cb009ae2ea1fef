package replicator

import (
	"context"
	"errors"

	"github.com/openmined/file-replicator/internal/config"
	"github.com/openmined/file-replicator/internal/ignore"
	"github.com/openmined/file-replicator/internal/transport"
	"github.com/openmined/file-replicator/internal/watcher"
)

// Exit statuses follow sysexits(3) so a supervisor can tell them apart.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitTransport = 74 // EX_IOERR
	ExitDesync    = 75 // EX_TEMPFAIL, restart with fresh state
	ExitConfig    = 78 // EX_CONFIG
)

// ExitCode maps the error returned by a replication run to a process exit status.
// Cancellation is a clean shutdown.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, watcher.ErrDesync):
		return ExitDesync
	case errors.Is(err, transport.ErrTransport):
		return ExitTransport
	case errors.Is(err, config.ErrConfig),
		errors.Is(err, ignore.ErrInvalidPattern),
		errors.Is(err, ErrSessionLocked):
		return ExitConfig
	case errors.Is(err, context.Canceled):
		return ExitOK
	default:
		return ExitFailure
	}
}
