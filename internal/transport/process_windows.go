//go:build windows

package transport

import "syscall"

func getSysProcAttr() *syscall.SysProcAttr {
	return nil
}
