package ignore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileLines_VCSAlwaysExcluded(t *testing.T) {
	m, err := CompileLines()
	require.NoError(t, err)

	assert.False(t, m.Included(".git", true))
	assert.False(t, m.Included(".git/config", false))
	assert.False(t, m.Included("vendor/lib/.git/HEAD", false))
	assert.True(t, m.Included(".gitignore", false))
	assert.True(t, m.Included("src/main.go", false))
}

func TestCompile_IncludeVCS(t *testing.T) {
	m, err := Compile(Options{IncludeVCS: true})
	require.NoError(t, err)

	assert.True(t, m.Included(".git", true))
	assert.True(t, m.Included(".git/config", false))
	assert.Empty(t, m.Rules())
}

func TestCompileLines_NegationOverridesVCS(t *testing.T) {
	m, err := CompileLines("!.git")
	require.NoError(t, err)

	assert.True(t, m.Included(".git", true))
	assert.True(t, m.Included(".git/HEAD", false))
}

func TestMatcher_Included(t *testing.T) {
	m, err := CompileLines("*.log", "build/", "!keep.log", "# comment", "")
	require.NoError(t, err)

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{".", true, true},
		{"y.txt", false, true},
		{"x.log", false, false},
		{"deep/nested/x.log", false, false},
		{"keep.log", false, true},
		{"build", true, false},
		{"build/out.bin", false, false},
		{"build/sub", true, false},
		{"builder/out.bin", false, true},
		{"../escape.txt", false, false},
		{"/abs/path", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Included(tt.path, tt.isDir))
		})
	}
}

func TestMatcher_DescendantsOfExcludedDirectory(t *testing.T) {
	m, err := CompileLines("node_modules")
	require.NoError(t, err)

	assert.False(t, m.Included("node_modules", true))
	assert.False(t, m.Included("node_modules/pkg/index.js", false))
	assert.False(t, m.Included("web/node_modules/pkg", true))
	assert.True(t, m.Included("web/src/app.js", false))
}

func TestMatcher_IsPure(t *testing.T) {
	m, err := CompileLines("*.tmp", "cache/")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.False(t, m.Included("a/b.tmp", false))
		assert.False(t, m.Included("cache/x", false))
		assert.True(t, m.Included("a/b.txt", false))
	}
}

func TestCompile_RuleFile(t *testing.T) {
	dir := t.TempDir()
	ruleFile := filepath.Join(dir, GitignoreFile)
	require.NoError(t, os.WriteFile(ruleFile, []byte("# logs\n*.log\n\ndist/\n"), 0o644))

	m, err := Compile(Options{RuleFile: ruleFile, Patterns: []string{"*.bak"}})
	require.NoError(t, err)

	assert.Equal(t, []string{".git", "*.log", "dist/", "*.bak"}, m.Rules())
	assert.False(t, m.Included("x.log", false))
	assert.False(t, m.Included("dist/app.js", false))
	assert.False(t, m.Included("notes.bak", false))
	assert.True(t, m.Included("y.txt", false))
}

func TestCompile_MissingRuleFileAddsNothing(t *testing.T) {
	m, err := Compile(Options{RuleFile: filepath.Join(t.TempDir(), "absent")})
	require.NoError(t, err)

	assert.Equal(t, []string{".git"}, m.Rules())
	assert.True(t, m.Included("x.log", false))
}

func TestCompile_MalformedPatterns(t *testing.T) {
	t.Run("inline", func(t *testing.T) {
		_, err := CompileLines("ok.txt", "[unclosed")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidPattern)
		assert.Contains(t, err.Error(), "[unclosed")
	})

	t.Run("rule file reports line", func(t *testing.T) {
		ruleFile := filepath.Join(t.TempDir(), GitignoreFile)
		require.NoError(t, os.WriteFile(ruleFile, []byte("*.log\n{a,b\n"), 0o644))

		_, err := Compile(Options{RuleFile: ruleFile})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidPattern)
		assert.Contains(t, err.Error(), ":2")
	})

	t.Run("bare negation", func(t *testing.T) {
		_, err := CompileLines("!")
		assert.ErrorIs(t, err, ErrInvalidPattern)
	})
}
