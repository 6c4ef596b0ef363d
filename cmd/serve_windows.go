//go:build windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// detach is a no-op on Windows; there is no session to leave.
func detach(_ *exec.Cmd) {}

func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// stopSignals returns the kill signal twice: Windows processes cannot be
// asked to terminate.
func stopSignals() (term, kill syscall.Signal) {
	return syscall.SIGKILL, syscall.SIGKILL
}
