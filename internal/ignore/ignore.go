// Package ignore decides which paths of a source tree take part in replication.
package ignore

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	gitignore "github.com/sabhiram/go-gitignore"
)

// GitignoreFile is the rule file consulted inside the source directory by default.
const GitignoreFile = ".gitignore"

const dirCacheSize = 4096

// vcsLines are always excluded unless IncludeVCS is set. A later "!" rule still re-includes them.
var vcsLines = []string{
	".git",
}

var ErrInvalidPattern = errors.New("invalid ignore pattern")

type Options struct {
	// RuleFile is a gitignore-syntax file. A missing file adds no rules.
	RuleFile string
	// Patterns are evaluated after the rules of RuleFile.
	Patterns []string
	// IncludeVCS drops the built-in version control exclusion.
	IncludeVCS bool
}

// Matcher is a compiled, immutable rule set. It is safe for concurrent use.
type Matcher struct {
	rules  []string
	ignore *gitignore.GitIgnore
	dirs   *lru.Cache[string, bool]
}

// Compile reads the rule file (if any) and compiles it together with the extra patterns.
// Malformed patterns are reported here, never at match time.
func Compile(opts Options) (*Matcher, error) {
	var lines []string
	if !opts.IncludeVCS {
		lines = append(lines, vcsLines...)
	}

	if opts.RuleFile != "" {
		fileLines, err := readRuleFile(opts.RuleFile)
		if err != nil {
			return nil, err
		}
		lines = append(lines, fileLines...)
	}

	for i, p := range opts.Patterns {
		if err := validate(p); err != nil {
			return nil, fmt.Errorf("pattern %d %q: %w", i+1, p, err)
		}
		lines = append(lines, p)
	}

	return newMatcher(lines), nil
}

// CompileLines compiles rules given inline, after the built-in VCS exclusion.
func CompileLines(lines ...string) (*Matcher, error) {
	return Compile(Options{Patterns: lines})
}

func newMatcher(lines []string) *Matcher {
	rules := make([]string, 0, len(lines))
	for _, line := range lines {
		if isRule(line) {
			rules = append(rules, line)
		}
	}
	cache, _ := lru.New[string, bool](dirCacheSize)
	return &Matcher{
		rules:  rules,
		ignore: gitignore.CompileIgnoreLines(rules...),
		dirs:   cache,
	}
}

func readRuleFile(ruleFile string) ([]string, error) {
	file, err := os.Open(ruleFile)
	if errors.Is(err, os.ErrNotExist) {
		slog.Debug("ignore file not found", "path", ruleFile)
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("open ignore file: %w", err)
	}
	defer file.Close()

	var lines []string
	lineNo := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if !isRule(line) {
			continue
		}
		if err := validate(line); err != nil {
			return nil, fmt.Errorf("%s:%d %q: %w", ruleFile, lineNo, line, err)
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ignore file: %w", err)
	}

	slog.Info("loaded ignore file", "path", ruleFile, "rules", len(lines))
	return lines, nil
}

func isRule(line string) bool {
	line = strings.TrimSpace(line)
	return line != "" && !strings.HasPrefix(line, "#")
}

func validate(line string) error {
	p := strings.TrimSpace(line)
	p = strings.TrimPrefix(p, "!")
	p = strings.Trim(p, "/")
	if p == "" {
		return ErrInvalidPattern
	}
	if !doublestar.ValidatePattern(p) {
		return ErrInvalidPattern
	}
	return nil
}

// Included reports whether rel (slash separated, relative to the source root) takes part in
// replication. A path below an excluded directory is never included.
func (m *Matcher) Included(rel string, isDir bool) bool {
	rel = path.Clean(filepath.ToSlash(rel))
	if rel == "." || rel == "" {
		return true
	}
	if rel == ".." || strings.HasPrefix(rel, "../") || path.IsAbs(rel) {
		return false
	}

	for i := 0; i < len(rel); i++ {
		if rel[i] == '/' && m.dirExcluded(rel[:i]) {
			return false
		}
	}

	if isDir {
		return !m.dirExcluded(rel)
	}
	return !m.ignore.MatchesPath(rel)
}

func (m *Matcher) dirExcluded(dir string) bool {
	if v, ok := m.dirs.Get(dir); ok {
		return v
	}
	excluded := m.ignore.MatchesPath(dir) || m.ignore.MatchesPath(dir+"/")
	m.dirs.Add(dir, excluded)
	return excluded
}

// Rules returns the effective rules in evaluation order.
func (m *Matcher) Rules() []string {
	out := make([]string, len(m.rules))
	copy(out, m.rules)
	return out
}
