package replicator

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/openmined/file-replicator/internal/config"
	"github.com/openmined/file-replicator/internal/utils"
)

var ErrSessionLocked = errors.New("another replicator is already running for this source and destination")

// LockDir holds the per-session lock files.
var LockDir = filepath.Join(os.TempDir(), "file-replicator")

// LockPath is the lock file guarding the (source, destination, command) triple of cfg.
func LockPath(cfg *config.Config) string {
	h := sha256.New()
	h.Write([]byte(cfg.SourceDir))
	h.Write([]byte{0})
	h.Write([]byte(cfg.DestParentDir))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(cfg.Command, "\x00")))
	return filepath.Join(LockDir, hex.EncodeToString(h.Sum(nil))[:16]+".lock")
}

// AcquireLock makes sure only one replicator feeds a given destination. The returned function
// releases the lock and removes the lock file.
func AcquireLock(cfg *config.Config) (func() error, error) {
	path := LockPath(cfg)
	if err := utils.EnsureParent(path); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock session: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w (lock %s)", ErrSessionLocked, path)
	}

	return func() error {
		if !fl.Locked() {
			return nil
		}
		if err := fl.Unlock(); err != nil {
			return fmt.Errorf("failed to unlock session: %w", err)
		}
		return os.Remove(fl.Path())
	}, nil
}
