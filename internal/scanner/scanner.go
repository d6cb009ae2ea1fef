// Package scanner enumerates the replicable content of a source tree.
package scanner

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	mapset "github.com/deckarep/golang-set/v2"
)

type Kind uint8

const (
	File Kind = iota
	Directory
)

func (k Kind) String() string {
	switch k {
	case File:
		return "file"
	case Directory:
		return "directory"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Filter decides whether a root-relative, slash separated path is part of the tree.
type Filter interface {
	Included(rel string, isDir bool) bool
}

// Entry is a snapshot of one path taken at scan time.
type Entry struct {
	Path       string // relative to the scan root, "." for the root itself
	Kind       Kind
	Size       uint64
	Mode       fs.FileMode
	MtimeNanos int64
}

var ErrNotDirectory = errors.New("not a directory")

// EntryError reports a path that could not be scanned. The scan carries on without it.
type EntryError struct {
	Path string
	Err  error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("scan %s: %v", e.Path, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

type Options struct {
	// FollowSymlinks replicates the targets of symbolic links. Links are skipped otherwise.
	FollowSymlinks bool
	// Subdir restricts the scan to a root-relative subtree. Paths stay relative to the root.
	Subdir string
	// OnError receives per-entry failures. They are logged when nil.
	OnError func(*EntryError)
}

// Scan walks root depth-first in lexicographic order and yields every included entry.
// Directories are yielded before their content, starting with the scan root itself.
func Scan(root string, filter Filter, opts Options) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		s := &scan{
			root:    root,
			filter:  filter,
			opts:    opts,
			ancestors: mapset.NewThreadUnsafeSet[string](),
		}

		start := path.Clean(filepath.ToSlash(opts.Subdir))
		if start == "" {
			start = "."
		}

		info, err := s.stat(start)
		if err != nil {
			s.fail(start, err)
			return
		}
		if !info.IsDir() {
			s.fail(start, ErrNotDirectory)
			return
		}
		if start != "." && !filter.Included(start, true) {
			return
		}
		s.walk(start, info, yield)
	}
}

type scan struct {
	root   string
	filter Filter
	opts   Options
	// real paths of the directories being walked, from the root down to the current one
	ancestors mapset.Set[string]
}

func (s *scan) abs(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// stat resolves rel according to the symlink policy. A nil info with nil error means skip.
func (s *scan) stat(rel string) (fs.FileInfo, error) {
	info, err := os.Lstat(s.abs(rel))
	if err != nil {
		return nil, err
	}
	if info.Mode()&fs.ModeSymlink == 0 {
		return info, nil
	}
	if !s.opts.FollowSymlinks && rel != "." {
		return nil, nil
	}
	return os.Stat(s.abs(rel))
}

// walk yields dir and its content. It returns false once the consumer stopped.
// A directory that resolves to one of its own ancestors closes a symlink cycle and is skipped;
// the same directory reached through unrelated paths is walked under each of them.
func (s *scan) walk(dir string, info fs.FileInfo, yield func(Entry) bool) bool {
	realPath, err := filepath.EvalSymlinks(s.abs(dir))
	if err != nil {
		s.fail(dir, err)
		return true
	}
	if !s.ancestors.Add(realPath) {
		slog.Debug("scan skip symlink cycle", "path", dir, "real", realPath)
		return true
	}
	defer s.ancestors.Remove(realPath)

	if !yield(newEntry(dir, info)) {
		return false
	}

	children, err := os.ReadDir(s.abs(dir))
	if err != nil {
		s.fail(dir, err)
		return true
	}

	for _, child := range children {
		rel := path.Join(dir, child.Name())

		childInfo, err := s.stat(rel)
		if err != nil {
			s.fail(rel, err)
			continue
		}
		if childInfo == nil {
			slog.Debug("scan skip symlink", "path", rel)
			continue
		}

		switch {
		case childInfo.IsDir():
			if !s.filter.Included(rel, true) {
				continue
			}
			if !s.walk(rel, childInfo, yield) {
				return false
			}
		case childInfo.Mode().IsRegular():
			if !s.filter.Included(rel, false) {
				continue
			}
			if !yield(newEntry(rel, childInfo)) {
				return false
			}
		default:
			slog.Debug("scan skip special file", "path", rel, "mode", childInfo.Mode().String())
		}
	}

	return true
}

func (s *scan) fail(rel string, err error) {
	entryErr := &EntryError{Path: rel, Err: err}
	if s.opts.OnError != nil {
		s.opts.OnError(entryErr)
		return
	}
	slog.Warn("scan skip entry", "path", rel, "error", err)
}

func newEntry(rel string, info fs.FileInfo) Entry {
	e := Entry{
		Path:       rel,
		Mode:       info.Mode().Perm(),
		MtimeNanos: info.ModTime().UnixNano(),
	}
	if info.IsDir() {
		e.Kind = Directory
	} else {
		e.Kind = File
		e.Size = uint64(info.Size())
	}
	return e
}
