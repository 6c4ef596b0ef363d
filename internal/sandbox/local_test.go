package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T) *LocalProvider {
	t.Helper()
	p, err := NewLocalProvider(t.TempDir())
	require.NoError(t, err)
	return p
}

func newTestSandbox(t *testing.T, p *LocalProvider) *Info {
	t.Helper()
	info, err := p.Create(context.Background(), CreateOptions{Env: map[string]string{"GREETING": "hello"}})
	require.NoError(t, err)
	return info
}

func TestLocalProvider_CreateAndConnect(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	info := newTestSandbox(t, p)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, "base", info.Template)
	assert.Equal(t, StateRunning, info.State)
	assert.WithinDuration(t, info.StartedAt.Add(DefaultTimeout), info.EndAt, time.Second)

	got, err := p.Connect(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, info.ID, got.ID)
	assert.Equal(t, "hello", got.Env["GREETING"])

	// A second provider over the same root sees the sandbox.
	other, err := NewLocalProvider(p.root)
	require.NoError(t, err)
	_, err = other.Connect(ctx, info.ID)
	assert.NoError(t, err)
}

func TestLocalProvider_ConnectUnknown(t *testing.T) {
	p := newTestProvider(t)
	for _, id := range []string{"nope", "", "..", "a/b"} {
		_, err := p.Connect(context.Background(), id)
		assert.ErrorIs(t, err, ErrNotFound, id)
	}
}

func TestLocalProvider_Expired(t *testing.T) {
	p := newTestProvider(t)
	info, err := p.Create(context.Background(), CreateOptions{Timeout: time.Minute})
	require.NoError(t, err)

	p.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = p.Connect(context.Background(), info.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoDirExists(t, filepath.Join(p.root, info.ID))
}

func TestLocalProvider_FileLifecycle(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	id := newTestSandbox(t, p).ID

	fi, err := p.WriteFile(ctx, id, "/home/user/app/main.go", []byte("package main\n"))
	require.NoError(t, err)
	assert.Equal(t, "/home/user/app/main.go", fi.Path)
	assert.Equal(t, "file", fi.Type)
	assert.Equal(t, int64(13), fi.Size)

	data, err := p.ReadFile(ctx, id, "app/main.go")
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))

	ok, err := p.Exists(ctx, id, "/home/user/app/main.go")
	require.NoError(t, err)
	assert.True(t, ok)

	moved, err := p.Rename(ctx, id, "/home/user/app/main.go", "/srv/main.go")
	require.NoError(t, err)
	assert.Equal(t, "/srv/main.go", moved.Path)

	ok, err = p.Exists(ctx, id, "/home/user/app/main.go")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, p.Remove(ctx, id, "/srv/main.go"))
	assert.Error(t, p.Remove(ctx, id, "/srv/main.go"))
}

func TestLocalProvider_MakeDirAndList(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	id := newTestSandbox(t, p).ID

	created, err := p.MakeDir(ctx, id, "/work/a/b")
	require.NoError(t, err)
	assert.True(t, created)
	created, err = p.MakeDir(ctx, id, "/work/a/b")
	require.NoError(t, err)
	assert.False(t, created)

	_, err = p.WriteFile(ctx, id, "/work/top.txt", []byte("x"))
	require.NoError(t, err)

	shallow, err := p.ListFiles(ctx, id, "/work", 1)
	require.NoError(t, err)
	var names []string
	for _, f := range shallow {
		names = append(names, f.Path)
	}
	assert.ElementsMatch(t, []string{"/work/a", "/work/top.txt"}, names)

	deep, err := p.ListFiles(ctx, id, "/work", 3)
	require.NoError(t, err)
	assert.Len(t, deep, 3)
}

func TestLocalProvider_PathEscape(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	id := newTestSandbox(t, p).ID

	// Lexical traversal is clamped at the sandbox root.
	fi, err := p.WriteFile(ctx, id, "/../../etc/passwd", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "/etc/passwd", fi.Path)

	outside := t.TempDir()
	link := filepath.Join(p.fsRoot(id), "escape")
	require.NoError(t, os.Symlink(outside, link))

	_, err = p.WriteFile(ctx, id, "/escape/owned.txt", []byte("x"))
	assert.ErrorIs(t, err, ErrEscape)
	assert.NoFileExists(t, filepath.Join(outside, "owned.txt"))
}

func TestLocalProvider_PauseResume(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	id := newTestSandbox(t, p).ID

	require.NoError(t, p.Pause(ctx, id))
	info, err := p.Connect(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, info.State)

	_, err = p.WriteFile(ctx, id, "/x", []byte("x"))
	assert.ErrorIs(t, err, ErrPaused)
	_, err = p.Exec(ctx, id, "true", ExecOptions{})
	assert.ErrorIs(t, err, ErrPaused)

	require.NoError(t, p.Resume(ctx, id))
	info, err = p.Connect(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, info.State)
}

func TestLocalProvider_KillAndList(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	a := newTestSandbox(t, p)
	b := newTestSandbox(t, p)

	all, err := p.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, p.Kill(ctx, a.ID))
	_, err = p.Connect(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, p.Kill(ctx, a.ID), ErrNotFound)

	all, err = p.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, b.ID, all[0].ID)
}

func TestLocalProvider_Exec(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	p := newTestProvider(t)
	ctx := context.Background()
	id := newTestSandbox(t, p).ID

	res, err := p.Exec(ctx, id, `echo "$GREETING $EXTRA"; pwd; echo oops >&2; exit 3`, ExecOptions{
		Env: map[string]string{"EXTRA": "world"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Stdout, "hello world")
	assert.Contains(t, res.Stdout, filepath.Join(p.fsRoot(id), "home", "user"))
	assert.Equal(t, "oops\n", res.Stderr)

	_, err = p.Exec(ctx, id, "echo hi > out.txt", ExecOptions{Cwd: "/tmp"})
	require.NoError(t, err)
	data, err := p.ReadFile(ctx, id, "/tmp/out.txt")
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))

	_, err = p.Exec(ctx, id, "sleep 5", ExecOptions{Timeout: 50 * time.Millisecond})
	assert.Error(t, err)

	bg, err := p.Exec(ctx, id, "sleep 5", ExecOptions{Background: true})
	require.NoError(t, err)
	assert.NotZero(t, bg.PID)
	require.NoError(t, p.Kill(ctx, id))
}

func TestLocalProvider_Host(t *testing.T) {
	p := newTestProvider(t)
	id := newTestSandbox(t, p).ID

	host, err := p.Host(context.Background(), id, 8080)
	require.NoError(t, err)
	assert.Equal(t, "localhost:8080", host)

	_, err = p.Host(context.Background(), id, 0)
	assert.Error(t, err)
}
