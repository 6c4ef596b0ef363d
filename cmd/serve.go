package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/obox/internal/api"
	"github.com/joescharf/obox/internal/daemon"
)

const (
	serveShutdownTimeout = 5 * time.Second
	serveStopGrace       = 5 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve run history and log files over HTTP",
	Long: `Start a read-only REST API over the run history database and the log
directory. By default it listens on 127.0.0.1:7780.

  GET    /api/v1/runs                  recent runs (?limit=N)
  GET    /api/v1/runs/{id}             one run with its fork results
  GET    /api/v1/runs/{id}/summary     totals for one run
  GET    /api/v1/runs/{id}/logs/{fork} fork log (fork "primary" for the primary log)
  DELETE /api/v1/runs/{id}             forget a run (log files are kept)
  GET    /api/v1/logs                  log files in log_dir
  GET    /api/v1/logs/{name}           one log file

Use 'obox serve start' to run it in the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.PersistentFlags().IntP("port", "p", 7780, "Port to listen on")
	serveCmd.PersistentFlags().String("bind", "127.0.0.1", "Address to bind")
	_ = viper.BindPFlag("serve.port", serveCmd.PersistentFlags().Lookup("port"))
	_ = viper.BindPFlag("serve.bind", serveCmd.PersistentFlags().Lookup("bind"))

	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

func pidFile() *daemon.PIDFile {
	dir, err := configDirFunc()
	if err != nil {
		dir = os.TempDir()
	}
	return daemon.NewPIDFile(filepath.Join(dir, "obox-serve.pid"))
}

func serveLogPath() string {
	dir, err := configDirFunc()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "obox-serve.log")
}

func serveAddr() string {
	return net.JoinHostPort(viper.GetString("serve.bind"), strconv.Itoa(viper.GetInt("serve.port")))
}

func serveRun(ctx context.Context) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	pf := pidFile()
	pid := os.Getpid()
	if err := pf.Acquire(pid); err != nil {
		return fmt.Errorf("obox serve: %w (stop it with 'obox serve stop')", err)
	}
	defer func() { _ = pf.Release(pid) }()

	addr := serveAddr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(s, viper.GetString("log_dir"), buildVersion).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	ui.Success("Serving run history at http://%s", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	ui.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serveShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func serveStartRun() error {
	pf := pidFile()
	if pid, ok := pf.IsRunning(); ok {
		return fmt.Errorf("obox serve is already running (pid %d)", pid)
	}

	if dryRun {
		ui.DryRunMsg("Would start obox serve on %s", serveAddr())
		return nil
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate obox executable: %w", err)
	}

	logPath := serveLogPath()
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open server log: %w", err)
	}
	defer logFile.Close()

	args := []string{"serve",
		"--port", strconv.Itoa(viper.GetInt("serve.port")),
		"--bind", viper.GetString("serve.bind"),
	}
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}

	child := exec.Command(self, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	detach(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	if err := pf.WritePID(child.Process.Pid); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	_ = child.Process.Release()

	ui.Success("Started obox serve (pid %d) on http://%s", child.Process.Pid, serveAddr())
	ui.Info("Server log: %s", logPath)
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	if dryRun {
		if pid, ok := pf.IsRunning(); ok {
			ui.DryRunMsg("Would stop obox serve (pid %d)", pid)
			return nil
		}
	}

	term, kill := stopSignals()
	pid, err := pf.Stop(term, kill, serveStopGrace)
	if errors.Is(err, daemon.ErrNotRunning) {
		return fmt.Errorf("obox serve is not running")
	}
	if err != nil {
		return err
	}
	ui.Success("Stopped obox serve (pid %d)", pid)
	return nil
}

func serveStatusRun() error {
	pid, ok := pidFile().IsRunning()
	if !ok {
		ui.Info("obox serve is not running")
		return nil
	}
	ui.Success("obox serve is running (pid %d) on http://%s", pid, serveAddr())
	ui.Info("Server log: %s", serveLogPath())
	return nil
}
