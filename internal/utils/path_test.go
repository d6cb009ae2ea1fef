package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantError bool
	}{
		{
			name:      "empty path",
			input:     "",
			wantError: true,
		},
		{
			name:      "relative path",
			input:     "./test",
			wantError: false,
		},
		{
			name:      "absolute path",
			input:     "/tmp/test",
			wantError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ResolvePath(tt.input)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, filepath.IsAbs(result))
		})
	}
}

func TestResolvePath_ExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	got, err := ResolvePath("~/code")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "code"), got)
}

func TestRelativeTo(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "src", "project")

	rel, err := RelativeTo(root, filepath.Join(root, "a", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a/b.txt", rel)

	rel, err = RelativeTo(root, root)
	require.NoError(t, err)
	assert.Equal(t, ".", rel)

	_, err = RelativeTo(root, filepath.Join(root, "..", "other"))
	assert.ErrorIs(t, err, ErrOutsideRoot)
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	assert.True(t, FileExists(file))
	assert.False(t, FileExists(dir))
	assert.False(t, FileExists(filepath.Join(dir, "missing")))
}

func TestEnsureParent(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "a", "b", "log.txt")

	require.NoError(t, EnsureParent(target))
	assert.DirExists(t, filepath.Join(dir, "a", "b"))
}
