package watcher

import (
	"errors"
	"fmt"
	"time"
)

type EventKind uint8

const (
	Created EventKind = iota
	Modified
	Deleted
	DirectoryCreated
)

func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case DirectoryCreated:
		return "directory-created"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event is a change below the watched root. Events for one path keep their order.
type Event struct {
	Path string // relative to the root, slash separated
	Kind EventKind
	Time time.Time
}

type State int32

const (
	Idle State = iota
	Watching
	Desynced
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Watching:
		return "watching"
	case Desynced:
		return "desynced"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	// ErrDesync means the watcher can no longer guarantee it has seen every change.
	ErrDesync         = errors.New("watcher desynchronized")
	ErrAlreadyStarted = errors.New("watcher already started")
	ErrNotStarted     = errors.New("watcher not started")
)

// DesyncError carries the subtree whose watch state is in doubt.
type DesyncError struct {
	Path   string
	Reason string
	Err    error
}

func (e *DesyncError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s: %s", ErrDesync, e.Reason, e.Path)
	}
	return fmt.Sprintf("%s: %s: %s: %v", ErrDesync, e.Reason, e.Path, e.Err)
}

func (e *DesyncError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDesync}
	}
	return []error{ErrDesync, e.Err}
}
