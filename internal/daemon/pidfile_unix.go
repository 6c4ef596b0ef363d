//go:build !windows

package daemon

import (
	"errors"
	"syscall"
)

// alive probes pid with signal 0. EPERM means the process exists but belongs
// to another user.
func alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func sendSignal(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}
