//go:build windows

package daemon

import (
	"fmt"
	"os"
	"syscall"
)

// alive reports whether pid can still be signalled. FindProcess always
// succeeds on Windows, so the zero signal does the real check.
func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// sendSignal delivers sig; only a kill is reliably supported on Windows.
func sendSignal(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	return proc.Signal(sig)
}
