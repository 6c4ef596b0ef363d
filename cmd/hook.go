package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/joescharf/obox/internal/hooks"
	"github.com/joescharf/obox/internal/logs"
	"github.com/joescharf/obox/internal/pathpolicy"
)

var (
	hookLogPath     string
	hookAllowedDirs []string
	hookRestricted  []string
)

var hookCmd = &cobra.Command{
	Use:       "hook <event>",
	Short:     "Mediate one agent hook event (called by the claude CLI)",
	Hidden:    true,
	Args:      cobra.ExactArgs(1),
	ValidArgs: hooks.Events,
	Long: `Read one hook payload from stdin, log it to the fork's log file and
write the hook response to stdout.

For PreToolUse, Read/Write/Edit calls whose file_path lies outside every
--allowed-dir are denied.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return hookRun(cmd, args[0], cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	hookCmd.Flags().StringVar(&hookLogPath, "log", "", "Fork log file to append to")
	hookCmd.Flags().StringArrayVar(&hookAllowedDirs, "allowed-dir", nil, "Directory path-restricted tools may access (repeatable)")
	hookCmd.Flags().StringSliceVar(&hookRestricted, "restricted", []string{"Read", "Write", "Edit"}, "Tools subject to the directory policy")
	rootCmd.AddCommand(hookCmd)
}

func hookRun(cmd *cobra.Command, event string, in io.Reader, out io.Writer) error {
	payload, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read hook payload: %w", err)
	}

	sink, err := attachHookSink(hookLogPath)
	if err != nil {
		return err
	}
	defer sink.Close()

	m := hooks.NewForkMediator(sink, pathpolicy.New(hookAllowedDirs), hookRestricted)
	resp, err := hooks.Dispatch(cmd.Context(), m, event, payload)
	if err != nil {
		sink.LogError(err)
		return err
	}
	_, err = out.Write(resp)
	return err
}

// attachHookSink appends to the fork log. A missing --log only happens when
// the hook is run by hand; then events are mediated but not recorded. A log
// that cannot be opened fails the hook.
func attachHookSink(path string) (*logs.Sink, error) {
	if path == "" {
		return logs.AttachSink(os.DevNull)
	}
	s, err := logs.AttachSink(path)
	if err != nil {
		return nil, fmt.Errorf("obox hook: %w", err)
	}
	return s, nil
}
