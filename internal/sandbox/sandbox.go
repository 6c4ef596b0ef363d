// Package sandbox abstracts the isolated execution environments an agent
// works in. Provider is the boundary; LocalProvider backs sandboxes with
// directories on the host.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// DefaultTimeout is the lifetime of a sandbox when none is requested.
const DefaultTimeout = 300 * time.Second

var (
	ErrNotFound = errors.New("sandbox not found")
	ErrPaused   = errors.New("sandbox is paused")
	ErrEscape   = errors.New("path escapes sandbox root")
)

// State is the lifecycle state of a sandbox.
type State string

const (
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// CreateOptions configures a new sandbox.
type CreateOptions struct {
	Template  string
	Timeout   time.Duration
	Env       map[string]string
	Metadata  map[string]string
	AutoPause bool
}

// Info describes a sandbox.
type Info struct {
	ID        string            `json:"sandbox_id"`
	Template  string            `json:"template"`
	State     State             `json:"state"`
	StartedAt time.Time         `json:"started_at"`
	EndAt     time.Time         `json:"end_at"`
	Env       map[string]string `json:"env,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	AutoPause bool              `json:"auto_pause"`
}

// FileInfo describes a file or directory inside a sandbox.
type FileInfo struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Type    string    `json:"type"`
	Size    int64     `json:"size"`
	Mode    string    `json:"permissions"`
	ModTime time.Time `json:"modified_time"`
}

// ExecOptions configures a command run inside a sandbox.
type ExecOptions struct {
	Cwd        string
	User       string
	Env        map[string]string
	Background bool
	Timeout    time.Duration
}

// ExecResult is the outcome of a command. Background commands only set PID.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	PID      int    `json:"pid,omitempty"`
}

// Provider provisions sandboxes and operates on their files and processes.
type Provider interface {
	Create(ctx context.Context, opts CreateOptions) (*Info, error)
	Connect(ctx context.Context, id string) (*Info, error)
	Kill(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Info, error)

	ListFiles(ctx context.Context, id, path string, depth int) ([]FileInfo, error)
	ReadFile(ctx context.Context, id, path string) ([]byte, error)
	WriteFile(ctx context.Context, id, path string, data []byte) (*FileInfo, error)
	Remove(ctx context.Context, id, path string) error
	Rename(ctx context.Context, id, oldPath, newPath string) (*FileInfo, error)
	Stat(ctx context.Context, id, path string) (*FileInfo, error)
	Exists(ctx context.Context, id, path string) (bool, error)
	MakeDir(ctx context.Context, id, path string) (bool, error)

	Exec(ctx context.Context, id, command string, opts ExecOptions) (*ExecResult, error)
	Host(ctx context.Context, id string, port int) (string, error)
}
