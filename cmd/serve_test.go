package cmd

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/obox/internal/daemon"
	"github.com/joescharf/obox/internal/output"
)

func TestPidFile_Path(t *testing.T) {
	dir := testEnv(t)

	pf := pidFile()
	assert.Equal(t, filepath.Join(dir, "obox-serve.pid"), pf.Path)
}

func TestServeLogPath(t *testing.T) {
	dir := testEnv(t)

	assert.Equal(t, filepath.Join(dir, "obox-serve.log"), serveLogPath())
}

func TestServeAddr(t *testing.T) {
	testEnv(t)
	viper.Set("serve.bind", "0.0.0.0")
	viper.Set("serve.port", 9090)
	assert.Equal(t, "0.0.0.0:9090", serveAddr())
}

func TestServeStatusRun(t *testing.T) {
	dir := testEnv(t)
	var out bytes.Buffer
	ui = &output.UI{Out: &out, ErrOut: &out}

	require.NoError(t, serveStatusRun())
	assert.Contains(t, out.String(), "not running")

	pf := daemon.NewPIDFile(filepath.Join(dir, "obox-serve.pid"))
	require.NoError(t, pf.Write())
	t.Cleanup(func() { _ = os.Remove(pf.Path) })

	out.Reset()
	require.NoError(t, serveStatusRun())
	assert.Contains(t, out.String(), "is running")
}

func TestServeStopRun_NotRunning(t *testing.T) {
	testEnv(t)

	err := serveStopRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestServeStartRun_AlreadyRunning(t *testing.T) {
	dir := testEnv(t)

	pf := daemon.NewPIDFile(filepath.Join(dir, "obox-serve.pid"))
	require.NoError(t, pf.Write())
	t.Cleanup(func() { _ = os.Remove(pf.Path) })

	err := serveStartRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestServeRun_AlreadyRunning(t *testing.T) {
	env := testForkEnv(t, nil)

	sleeper := exec.Command("sleep", "30")
	if err := sleeper.Start(); err != nil {
		t.Skipf("cannot start helper process: %v", err)
	}
	t.Cleanup(func() {
		_ = sleeper.Process.Kill()
		_ = sleeper.Wait()
	})

	pf := daemon.NewPIDFile(filepath.Join(env.dir, "obox-serve.pid"))
	require.NoError(t, pf.WritePID(sleeper.Process.Pid))
	t.Cleanup(func() { _ = os.Remove(pf.Path) })

	err := serveRun(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}
