package replicator

import (
	"os"
	"testing"

	"github.com/openmined/file-replicator/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useLockDir(t *testing.T) {
	t.Helper()
	orig := LockDir
	LockDir = t.TempDir()
	t.Cleanup(func() { LockDir = orig })
}

func TestLockPath(t *testing.T) {
	useLockDir(t)

	a := &config.Config{SourceDir: "/src/a", DestParentDir: "/dest", Command: []string{"ssh", "host"}}
	b := &config.Config{SourceDir: "/src/a", DestParentDir: "/dest", Command: []string{"ssh", "other"}}
	c := &config.Config{SourceDir: "/src/a", DestParentDir: "/dest", Command: []string{"ssh", "host"}}

	assert.NotEqual(t, LockPath(a), LockPath(b))
	assert.Equal(t, LockPath(a), LockPath(c))
}

func TestAcquireLock(t *testing.T) {
	useLockDir(t)
	cfg := &config.Config{SourceDir: "/src/a", DestParentDir: "/dest", Command: []string{"bash"}}

	unlock, err := AcquireLock(cfg)
	require.NoError(t, err)
	assert.FileExists(t, LockPath(cfg))

	_, err = AcquireLock(cfg)
	assert.ErrorIs(t, err, ErrSessionLocked)
	assert.Equal(t, ExitConfig, ExitCode(err))

	require.NoError(t, unlock())
	_, statErr := os.Stat(LockPath(cfg))
	assert.True(t, os.IsNotExist(statErr))

	unlock, err = AcquireLock(cfg)
	require.NoError(t, err)
	require.NoError(t, unlock())
	// a second release is harmless
	require.NoError(t, unlock())
}
