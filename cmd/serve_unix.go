//go:build !windows

package cmd

import (
	"os"
	"os/exec"
	"syscall"
)

// detach puts the background server in its own session so it outlives the
// terminal that started it.
func detach(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

func shutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// stopSignals returns the polite and the forced termination signal.
func stopSignals() (term, kill syscall.Signal) {
	return syscall.SIGTERM, syscall.SIGKILL
}
