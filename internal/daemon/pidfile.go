// Package daemon tracks a background `obox serve` process through a PID file.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrRunning is returned by Acquire when a live process owns the PID file.
var ErrRunning = errors.New("already running")

// ErrNotRunning is returned by Stop when no live process owns the PID file.
var ErrNotRunning = errors.New("not running")

// PIDFile manages a PID file for daemon process tracking.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Write writes the current process's PID to the file.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

// WritePID writes pid to the file, creating its directory if needed.
func (p *PIDFile) WritePID(pid int) error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return fmt.Errorf("create PID directory: %w", err)
	}
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read reads the PID from the file.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}

// Remove deletes the PID file.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}

// IsRunning returns the recorded PID and whether that process is alive.
func (p *PIDFile) IsRunning() (int, bool) {
	pid, err := p.Read()
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, alive(pid)
}

// Signal sends sig to the recorded process.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	pid, err := p.Read()
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	return sendSignal(pid, sig)
}

// Acquire records pid as the owner. A stale file left by a dead process is
// replaced; a file already naming pid is accepted.
func (p *PIDFile) Acquire(pid int) error {
	if running, ok := p.IsRunning(); ok && running != pid {
		return fmt.Errorf("pid %d: %w", running, ErrRunning)
	}
	return p.WritePID(pid)
}

// Release removes the file if it still names pid.
func (p *PIDFile) Release(pid int) error {
	owner, err := p.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if owner != pid {
		return nil
	}
	return p.Remove()
}

// Stop sends term to the owner and waits up to grace for it to exit, then
// sends kill. The PID file is removed once the process is gone.
func (p *PIDFile) Stop(term, kill syscall.Signal, grace time.Duration) (int, error) {
	pid, ok := p.IsRunning()
	if !ok {
		if pid != 0 {
			_ = p.Remove()
		}
		return 0, ErrNotRunning
	}

	if err := p.Signal(term); err != nil {
		return pid, fmt.Errorf("signal %d: %w", pid, err)
	}
	if !p.waitExit(grace) {
		if err := p.Signal(kill); err != nil {
			return pid, fmt.Errorf("kill %d: %w", pid, err)
		}
		p.waitExit(grace)
	}
	_ = p.Remove()
	return pid, nil
}

func (p *PIDFile) waitExit(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, ok := p.IsRunning(); !ok {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	_, ok := p.IsRunning()
	return !ok
}
