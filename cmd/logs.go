package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/obox/internal/logs"
)

var (
	logsFollow bool
	logsLimit  int
)

var logsCmd = &cobra.Command{
	Use:   "logs [file]",
	Short: "List, print or follow fork log files",
	Long: `With no argument, list the log files in the log directory (newest first).
With a file name, print that log. --follow keeps printing lines as they are
appended; without a file it follows every log in the directory.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var name string
		if len(args) == 1 {
			name = args[0]
		}
		return logsRun(ctx, viper.GetString("log_dir"), name, ui.Out)
	},
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow appended lines until interrupted")
	logsCmd.Flags().IntVar(&logsLimit, "limit", 20, "Maximum number of files to list (0 for all)")
	rootCmd.AddCommand(logsCmd)
}

type logFile struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// listLogFiles returns the *.log files in dir, newest first.
func listLogFiles(dir string) ([]logFile, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.log"))
	if err != nil {
		return nil, err
	}
	files := make([]logFile, 0, len(matches))
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil {
			continue
		}
		files = append(files, logFile{Path: m, Size: fi.Size(), ModTime: fi.ModTime()})
	}
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].Path > files[j].Path
		}
		return files[i].ModTime.After(files[j].ModTime)
	})
	return files, nil
}

// resolveLogPath accepts an absolute path, a path relative to the working
// directory, or a bare name inside the log directory.
func resolveLogPath(dir, name string) (string, error) {
	if _, err := os.Stat(name); err == nil {
		return name, nil
	}
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	if !strings.HasSuffix(name, ".log") {
		if _, err := os.Stat(candidate + ".log"); err == nil {
			return candidate + ".log", nil
		}
	}
	return "", fmt.Errorf("log file not found: %s", name)
}

func logsRun(ctx context.Context, dir, name string, w io.Writer) error {
	if name == "" && !logsFollow {
		return logsListRun(dir)
	}

	target := dir
	if name != "" {
		p, err := resolveLogPath(dir, name)
		if err != nil {
			return err
		}
		target = p
	}

	if !logsFollow {
		f, err := os.Open(target)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	}

	follower, err := logs.NewFollower(target, w)
	if err != nil {
		return err
	}
	ui.VerboseLog("Following %s (Ctrl+C to stop)", target)
	return follower.Run(ctx)
}

func logsListRun(dir string) error {
	files, err := listLogFiles(dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		ui.Info("No log files in %s", dir)
		return nil
	}
	if logsLimit > 0 && len(files) > logsLimit {
		files = files[:logsLimit]
	}

	table := ui.Table([]string{"File", "Size", "Modified"})
	for _, f := range files {
		_ = table.Append([]string{
			filepath.Base(f.Path),
			humanize.Bytes(uint64(f.Size)),
			timeAgo(f.ModTime),
		})
	}
	return table.Render()
}
