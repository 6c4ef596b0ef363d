package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/obox/internal/pathpolicy"
)

const (
	metaFile    = "sandbox.json"
	fsDir       = "fs"
	homeDir     = "/home/user"
	defaultUser = "user"
)

// LocalProvider keeps each sandbox in {root}/{id}: metadata in sandbox.json
// and the sandbox filesystem under fs/. State lives on disk so separate
// processes (for example one MCP server per agent) share sandboxes.
type LocalProvider struct {
	root string
	now  func() time.Time

	mu    sync.Mutex
	procs map[string][]*exec.Cmd
}

// NewLocalProvider returns a provider rooted at root, creating it if needed.
func NewLocalProvider(root string) (*LocalProvider, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	return &LocalProvider{
		root:  root,
		now:   time.Now,
		procs: make(map[string][]*exec.Cmd),
	}, nil
}

func (p *LocalProvider) Create(_ context.Context, opts CreateOptions) (*Info, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	template := opts.Template
	if template == "" {
		template = "base"
	}
	now := p.now().UTC()
	info := &Info{
		ID:        strings.ToLower(ulid.Make().String()),
		Template:  template,
		State:     StateRunning,
		StartedAt: now,
		EndAt:     now.Add(timeout),
		Env:       opts.Env,
		Metadata:  opts.Metadata,
		AutoPause: opts.AutoPause,
	}

	if err := os.MkdirAll(filepath.Join(p.fsRoot(info.ID), filepath.FromSlash(homeDir)), 0755); err != nil {
		return nil, fmt.Errorf("create sandbox filesystem: %w", err)
	}
	if err := p.save(info); err != nil {
		return nil, err
	}
	return info, nil
}

func (p *LocalProvider) Connect(_ context.Context, id string) (*Info, error) {
	return p.load(id)
}

func (p *LocalProvider) Kill(_ context.Context, id string) error {
	if _, err := p.load(id); err != nil {
		return err
	}
	p.killProcs(id)
	if err := os.RemoveAll(filepath.Join(p.root, id)); err != nil {
		return fmt.Errorf("remove sandbox %s: %w", id, err)
	}
	return nil
}

func (p *LocalProvider) Pause(_ context.Context, id string) error {
	info, err := p.load(id)
	if err != nil {
		return err
	}
	p.killProcs(id)
	info.State = StatePaused
	return p.save(info)
}

func (p *LocalProvider) Resume(_ context.Context, id string) error {
	info, err := p.load(id)
	if err != nil {
		return err
	}
	if info.State == StatePaused {
		lifetime := info.EndAt.Sub(info.StartedAt)
		info.State = StateRunning
		info.EndAt = p.now().UTC().Add(lifetime)
	}
	return p.save(info)
}

func (p *LocalProvider) List(_ context.Context) ([]*Info, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return nil, fmt.Errorf("list sandboxes: %w", err)
	}
	var out []*Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := p.load(e.Name())
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (p *LocalProvider) ListFiles(_ context.Context, id, dir string, depth int) ([]FileInfo, error) {
	if _, err := p.load(id); err != nil {
		return nil, err
	}
	if depth < 1 {
		depth = 1
	}
	host, err := p.resolve(id, dir)
	if err != nil {
		return nil, err
	}

	var out []FileInfo
	err = filepath.WalkDir(host, func(hp string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if hp == host {
			return nil
		}
		rel, _ := filepath.Rel(host, hp)
		level := len(strings.Split(filepath.ToSlash(rel), "/"))
		if level > depth {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, p.fileInfo(id, hp, fi))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	return out, nil
}

func (p *LocalProvider) ReadFile(_ context.Context, id, file string) ([]byte, error) {
	host, err := p.running(id, file)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(host)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}
	return data, nil
}

func (p *LocalProvider) WriteFile(_ context.Context, id, file string, data []byte) (*FileInfo, error) {
	host, err := p.running(id, file)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(host), 0755); err != nil {
		return nil, fmt.Errorf("write %s: %w", file, err)
	}
	if err := os.WriteFile(host, data, 0644); err != nil {
		return nil, fmt.Errorf("write %s: %w", file, err)
	}
	return p.stat(id, host)
}

func (p *LocalProvider) Remove(_ context.Context, id, file string) error {
	host, err := p.running(id, file)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(host); err != nil {
		return fmt.Errorf("remove %s: %w", file, err)
	}
	if err := os.RemoveAll(host); err != nil {
		return fmt.Errorf("remove %s: %w", file, err)
	}
	return nil
}

func (p *LocalProvider) Rename(_ context.Context, id, oldPath, newPath string) (*FileInfo, error) {
	from, err := p.running(id, oldPath)
	if err != nil {
		return nil, err
	}
	to, err := p.resolve(id, newPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(to), 0755); err != nil {
		return nil, fmt.Errorf("rename %s: %w", oldPath, err)
	}
	if err := os.Rename(from, to); err != nil {
		return nil, fmt.Errorf("rename %s: %w", oldPath, err)
	}
	return p.stat(id, to)
}

func (p *LocalProvider) Stat(_ context.Context, id, file string) (*FileInfo, error) {
	if _, err := p.load(id); err != nil {
		return nil, err
	}
	host, err := p.resolve(id, file)
	if err != nil {
		return nil, err
	}
	return p.stat(id, host)
}

func (p *LocalProvider) Exists(_ context.Context, id, file string) (bool, error) {
	if _, err := p.load(id); err != nil {
		return false, err
	}
	host, err := p.resolve(id, file)
	if err != nil {
		return false, err
	}
	_, err = os.Lstat(host)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (p *LocalProvider) MakeDir(_ context.Context, id, dir string) (bool, error) {
	host, err := p.running(id, dir)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(host); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(host, 0755); err != nil {
		return false, fmt.Errorf("make directory %s: %w", dir, err)
	}
	return true, nil
}

// Exec runs command with bash inside the sandbox filesystem. The user
// option is accepted for compatibility; local commands run as the host user.
func (p *LocalProvider) Exec(ctx context.Context, id, command string, opts ExecOptions) (*ExecResult, error) {
	info, err := p.load(id)
	if err != nil {
		return nil, err
	}
	if info.State == StatePaused {
		return nil, ErrPaused
	}

	cwd := opts.Cwd
	if cwd == "" {
		cwd = homeDir
	}
	dir, err := p.resolve(id, cwd)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("prepare cwd %s: %w", cwd, err)
	}

	home, _ := p.resolve(id, homeDir)
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + home,
		"USER=" + defaultUser,
		"SANDBOX_ID=" + id,
	}
	for k, v := range info.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	if opts.Background {
		cmd := exec.Command("bash", "-c", command)
		cmd.Dir = dir
		cmd.Env = env
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start background command: %w", err)
		}
		p.trackProc(id, cmd)
		go func() { _ = cmd.Wait() }()
		return &ExecResult{PID: cmd.Process.Pid}, nil
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = dir
	cmd.Env = env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	res := &ExecResult{}
	err = cmd.Run()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("run command: %w", err)
	}
	return res, nil
}

// Host maps an exposed port to a reachable address. Local sandboxes share
// the host network.
func (p *LocalProvider) Host(_ context.Context, id string, port int) (string, error) {
	if _, err := p.load(id); err != nil {
		return "", err
	}
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid port %d", port)
	}
	return fmt.Sprintf("localhost:%d", port), nil
}

// --- helpers ---

func (p *LocalProvider) fsRoot(id string) string {
	return filepath.Join(p.root, id, fsDir)
}

// resolve maps a sandbox path to a host path under the sandbox filesystem.
// Relative paths are taken from the sandbox home directory.
func (p *LocalProvider) resolve(id, sbxPath string) (string, error) {
	if sbxPath == "" {
		sbxPath = "/"
	}
	sbxPath = filepath.ToSlash(sbxPath)
	if !strings.HasPrefix(sbxPath, "/") {
		sbxPath = homeDir + "/" + sbxPath
	}
	clean := path.Clean(sbxPath)
	root := p.fsRoot(id)
	host := filepath.Join(root, filepath.FromSlash(clean))
	if !pathpolicy.IsAllowed(host, []string{root}) {
		return "", fmt.Errorf("%s: %w", sbxPath, ErrEscape)
	}
	return host, nil
}

// running loads a sandbox, rejects paused ones and resolves a path in it.
func (p *LocalProvider) running(id, sbxPath string) (string, error) {
	info, err := p.load(id)
	if err != nil {
		return "", err
	}
	if info.State == StatePaused {
		return "", ErrPaused
	}
	return p.resolve(id, sbxPath)
}

func (p *LocalProvider) stat(id, host string) (*FileInfo, error) {
	fi, err := os.Lstat(host)
	if err != nil {
		return nil, err
	}
	info := p.fileInfo(id, host, fi)
	return &info, nil
}

func (p *LocalProvider) fileInfo(id, host string, fi fs.FileInfo) FileInfo {
	rel, _ := filepath.Rel(p.fsRoot(id), host)
	typ := "file"
	if fi.IsDir() {
		typ = "dir"
	}
	return FileInfo{
		Name:    fi.Name(),
		Path:    "/" + strings.TrimPrefix(filepath.ToSlash(rel), "./"),
		Type:    typ,
		Size:    fi.Size(),
		Mode:    fi.Mode().String(),
		ModTime: fi.ModTime(),
	}
}

func (p *LocalProvider) load(id string) (*Info, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return nil, fmt.Errorf("%q: %w", id, ErrNotFound)
	}
	data, err := os.ReadFile(filepath.Join(p.root, id, metaFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("read sandbox %s: %w", id, err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decode sandbox %s: %w", id, err)
	}
	if info.State == StateRunning && p.now().After(info.EndAt) {
		p.killProcs(id)
		_ = os.RemoveAll(filepath.Join(p.root, id))
		return nil, fmt.Errorf("%s expired: %w", id, ErrNotFound)
	}
	return &info, nil
}

func (p *LocalProvider) save(info *Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sandbox %s: %w", info.ID, err)
	}
	if err := os.WriteFile(filepath.Join(p.root, info.ID, metaFile), data, 0644); err != nil {
		return fmt.Errorf("write sandbox %s: %w", info.ID, err)
	}
	return nil
}

func (p *LocalProvider) trackProc(id string, cmd *exec.Cmd) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.procs[id] = append(p.procs[id], cmd)
}

func (p *LocalProvider) killProcs(id string) {
	p.mu.Lock()
	procs := p.procs[id]
	delete(p.procs, id)
	p.mu.Unlock()
	for _, cmd := range procs {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
}
