// Package report summarizes the results of a fork session.
package report

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/joescharf/obox/internal/models"
	"github.com/joescharf/obox/internal/output"
)

// Headers are the columns of the results table.
var Headers = []string{"Fork", "Status", "Cost", "Tokens (In/Out)", "Log File"}

// Summary aggregates the results of every fork in a session.
type Summary struct {
	Total        int
	Successful   int
	Failed       int
	TotalCost    float64
	InputTokens  int64
	OutputTokens int64
	LogDir       string
	Results      []models.RunResult
}

// Build aggregates results. Anything other than success counts as failed.
func Build(results []models.RunResult, logDir string) *Summary {
	s := &Summary{
		Total:   len(results),
		LogDir:  logDir,
		Results: results,
	}
	for _, r := range results {
		if r.Succeeded() {
			s.Successful++
		} else {
			s.Failed++
		}
		s.TotalCost += r.CostUSD
		s.InputTokens += r.InputTokens
		s.OutputTokens += r.OutputTokens
	}
	return s
}

// AllSucceeded reports whether there was at least one fork and none failed.
func (s *Summary) AllSucceeded() bool {
	return s.Total > 0 && s.Failed == 0
}

// StatusLabel renders a fork status for the results table.
func StatusLabel(r models.RunResult) string {
	if r.Succeeded() {
		return "✓ Success"
	}
	return "✗ " + string(r.Status)
}

// Tokens renders input and output token counts with thousands separators.
func Tokens(in, out int64) string {
	return humanize.Comma(in) + " / " + humanize.Comma(out)
}

// Rows returns one table row per fork in fork order.
func (s *Summary) Rows(colored bool) [][]string {
	rows := make([][]string, 0, len(s.Results))
	for _, r := range s.Results {
		status := StatusLabel(r)
		logPath := r.LogPath
		if logPath == "" {
			logPath = "N/A"
		}
		if colored {
			if r.Succeeded() {
				status = output.Green(status)
			} else {
				status = output.Red(status)
			}
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", r.ForkIndex),
			status,
			output.Cost(r.CostUSD),
			Tokens(r.InputTokens, r.OutputTokens),
			logPath,
		})
	}
	return rows
}

// Lines returns the body of the summary panel.
func (s *Summary) Lines() []string {
	return []string{
		fmt.Sprintf("Total Forks: %d", s.Total),
		fmt.Sprintf("Successful: %d", s.Successful),
		fmt.Sprintf("Failed: %d", s.Failed),
		"Total Cost: " + output.Cost(s.TotalCost),
		"Total Tokens: " + Tokens(s.InputTokens, s.OutputTokens),
		"",
		"Log Directory: " + s.LogDir,
	}
}

// Closing returns the final status line.
func (s *Summary) Closing() string {
	if s.AllSucceeded() {
		return "All forks completed successfully!"
	}
	return fmt.Sprintf("%d fork(s) failed. Check log files for details.", s.Failed)
}

// Render prints the results table and the summary panel.
func (s *Summary) Render(ui *output.UI) error {
	table := ui.Table(Headers)
	for _, row := range s.Rows(true) {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("render results: %w", err)
	}
	fmt.Fprintln(ui.Out)
	ui.Panel("Execution Summary", s.Lines())
	return nil
}

// Text renders the table and summary without color for the session log.
func (s *Summary) Text() string {
	var b strings.Builder
	plain := &output.UI{Out: &b, ErrOut: &b}
	table := plain.Table(Headers)
	for _, row := range s.Rows(false) {
		_ = table.Append(row)
	}
	_ = table.Render()
	b.WriteString("\nExecution Summary\n")
	for _, l := range s.Lines() {
		b.WriteString(l + "\n")
	}
	return b.String()
}
