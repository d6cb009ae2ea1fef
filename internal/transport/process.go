package transport

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const killGracePeriod = 3 * time.Second

// killProcessTree terminates pid and all of its descendants, children first.
// Survivors of SIGTERM are killed once done stays open for killGracePeriod.
func killProcessTree(pid int, done <-chan struct{}) error {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return fmt.Errorf("process info %d: %w", pid, err)
	}

	tree := processTreeBottomUp(root)

	slog.Debug("kill process tree: SIGTERM", "pid", pid, "procs", len(tree))
	for _, p := range tree {
		if err := p.Terminate(); err != nil {
			slog.Debug("kill process tree: SIGTERM", "pid", p.Pid, "error", err)
		}
	}

	grace := time.NewTimer(killGracePeriod)
	defer grace.Stop()

	select {
	case <-done:
		return nil
	case <-grace.C:
	}

	slog.Debug("kill process tree: SIGKILL", "pid", pid, "procs", len(tree))
	for _, p := range tree {
		exists, err := process.PidExists(p.Pid)
		if err != nil || !exists {
			continue
		}
		if err := p.Kill(); err != nil {
			slog.Warn("kill process tree: SIGKILL", "pid", p.Pid, "error", err)
		}
	}
	return nil
}

// processTreeBottomUp lists proc and its descendants with every child before its parent.
// Children that cannot be listed are skipped so as much of the tree as possible is reached.
func processTreeBottomUp(proc *process.Process) []*process.Process {
	var tree []*process.Process
	children, _ := proc.Children()
	for _, child := range children {
		tree = append(tree, processTreeBottomUp(child)...)
	}
	return append(tree, proc)
}
