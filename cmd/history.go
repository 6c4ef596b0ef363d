package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/obox/internal/git"
	"github.com/joescharf/obox/internal/models"
	"github.com/joescharf/obox/internal/output"
	"github.com/joescharf/obox/internal/report"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past fork runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return historyListRun()
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the fork results of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return historyShowRun(args[0])
	},
}

var historyRmCmd = &cobra.Command{
	Use:     "rm <run-id>",
	Aliases: []string{"delete"},
	Short:   "Delete a run from history (log files are kept)",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return historyRmRun(args[0])
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of runs to show (0 for all)")
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyRmCmd)
	rootCmd.AddCommand(historyCmd)
}

func historyListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}

	runs, err := s.ListRuns(context.Background(), historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		ui.Info("No runs recorded yet.")
		return nil
	}

	table := ui.Table([]string{"ID", "Repository", "Branch", "Model", "Forks", "Cost", "Started", "Duration"})
	for _, r := range runs {
		_ = table.Append([]string{
			shortID(r.ID),
			repoLabel(r.RepoURL),
			r.Branch,
			r.Model,
			runForks(r),
			output.Cost(r.TotalCost()),
			timeAgo(r.StartedAt),
			runDuration(r),
		})
	}
	return table.Render()
}

func historyShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	r, err := s.GetRun(context.Background(), id)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "  Run:        %s\n", r.ID)
	fmt.Fprintf(ui.Out, "  Repository: %s\n", r.RepoURL)
	fmt.Fprintf(ui.Out, "  Branch:     %s\n", r.Branch)
	fmt.Fprintf(ui.Out, "  Model:      %s\n", r.Model)
	fmt.Fprintf(ui.Out, "  Max Turns:  %d\n", r.MaxTurns)
	fmt.Fprintf(ui.Out, "  Prompt:     %s\n", r.PromptPreview)
	fmt.Fprintf(ui.Out, "  Started:    %s\n", r.StartedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(ui.Out, "  Duration:   %s\n", runDuration(r))
	fmt.Fprintf(ui.Out, "  Primary log: %s\n", r.PrimaryLog)
	fmt.Fprintln(ui.Out)

	if len(r.Results) == 0 {
		ui.Info("No fork results recorded (run did not finish).")
		return nil
	}
	return report.Build(r.Results, r.LogDir).Render(ui)
}

func historyRmRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	r, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would delete run %s", r.ID)
		return nil
	}

	if err := s.DeleteRun(ctx, r.ID); err != nil {
		return err
	}
	ui.Success("Deleted run %s", shortID(r.ID))
	return nil
}

// repoLabel shortens a remote URL to owner/repo when possible.
func repoLabel(url string) string {
	if owner, repo, ok := git.ExtractOwnerRepo(url); ok {
		return owner + "/" + repo
	}
	return url
}

func runForks(r *models.Run) string {
	if r.EndedAt == nil {
		return fmt.Sprintf("%d", r.ForkCount)
	}
	return output.CountColor(r.Successful(), r.ForkCount)
}

func runDuration(r *models.Run) string {
	if r.EndedAt == nil {
		return "running"
	}
	return formatDuration(r.EndedAt.Sub(r.StartedAt))
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return "<1m"
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
