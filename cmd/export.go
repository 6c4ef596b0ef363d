package cmd

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/joescharf/obox/internal/models"
	"github.com/joescharf/obox/internal/output"
	"github.com/joescharf/obox/internal/report"
)

var (
	exportFormat string
	exportLimit  int
)

var exportCmd = &cobra.Command{
	Use:   "export [run-id]",
	Short: "Export run history as JSON, CSV, or Markdown",
	Long: `Export recorded runs and their fork results.

With a run ID (or unique prefix) only that run is exported; otherwise the
most recent runs are.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return exportRun(args)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "Output format: json, csv, markdown")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 0, "Maximum number of runs to export (0 for all)")
	rootCmd.AddCommand(exportCmd)
}

func exportRun(args []string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	var runs []*models.Run
	if len(args) == 1 {
		r, err := s.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		runs = []*models.Run{r}
	} else {
		runs, err = s.ListRuns(ctx, exportLimit)
		if err != nil {
			return err
		}
	}

	return writeRuns(ui.Out, exportFormat, runs)
}

func writeRuns(w io.Writer, format string, runs []*models.Run) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report.NewRunRecords(runs))
	case "csv":
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"RunID", "Repository", "Fork", "Branch", "Status", "Error", "CostUSD", "InputTokens", "OutputTokens", "Turns", "DurationMS", "LogPath"})
		for _, r := range runs {
			for _, res := range r.Results {
				_ = cw.Write([]string{
					r.ID, r.RepoURL,
					fmt.Sprintf("%d", res.ForkIndex), res.Branch, string(res.Status), res.Error,
					fmt.Sprintf("%.6f", res.CostUSD),
					fmt.Sprintf("%d", res.InputTokens), fmt.Sprintf("%d", res.OutputTokens),
					fmt.Sprintf("%d", res.NumTurns), fmt.Sprintf("%d", res.Duration.Milliseconds()),
					res.LogPath,
				})
			}
		}
		cw.Flush()
		return cw.Error()
	case "markdown":
		fmt.Fprintln(w, "# Fork Runs")
		for _, r := range runs {
			fmt.Fprintln(w)
			fmt.Fprintf(w, "## %s\n\n", r.ID)
			fmt.Fprintf(w, "- Repository: %s\n", r.RepoURL)
			fmt.Fprintf(w, "- Branch: %s\n", r.Branch)
			fmt.Fprintf(w, "- Model: %s\n", r.Model)
			fmt.Fprintf(w, "- Successful: %d/%d\n", r.Successful(), r.ForkCount)
			fmt.Fprintf(w, "- Total Cost: %s\n", output.Cost(r.TotalCost()))
			fmt.Fprintln(w)
			fmt.Fprintln(w, "| Fork | Branch | Status | Cost | Tokens (In/Out) |")
			fmt.Fprintln(w, "|------|--------|--------|------|-----------------|")
			for _, res := range r.Results {
				fmt.Fprintf(w, "| %d | %s | %s | %s | %s |\n",
					res.ForkIndex, res.Branch, res.Status, output.Cost(res.CostUSD),
					report.Tokens(res.InputTokens, res.OutputTokens))
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown format: %s (use: json, csv, markdown)", format)
	}
}
