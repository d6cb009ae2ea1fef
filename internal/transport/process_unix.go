//go:build !windows

package transport

import "syscall"

// getSysProcAttr puts the connection process in its own process group, so a terminal
// interrupt reaches only the replicator and the stream can be shut down in order.
func getSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
