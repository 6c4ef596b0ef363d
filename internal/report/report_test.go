package report

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/obox/internal/models"
	"github.com/joescharf/obox/internal/output"
)

func sampleResults() []models.RunResult {
	return []models.RunResult{
		{ForkIndex: 1, Status: models.ForkStatusSuccess, CostUSD: 0.0421, InputTokens: 15000, OutputTokens: 3200, LogPath: "/logs/exp-1-fork-1.log"},
		{ForkIndex: 2, Status: models.ForkStatusError, Error: "boom", CostUSD: 0.01, InputTokens: 10, OutputTokens: 2, LogPath: "/logs/exp-2-fork-2.log"},
		{ForkIndex: 3, Status: models.ForkStatusUnknown},
	}
}

func TestBuild(t *testing.T) {
	s := Build(sampleResults(), "/logs")
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.Successful)
	assert.Equal(t, 2, s.Failed)
	assert.InDelta(t, 0.0521, s.TotalCost, 1e-9)
	assert.Equal(t, int64(15010), s.InputTokens)
	assert.Equal(t, int64(3202), s.OutputTokens)
	assert.False(t, s.AllSucceeded())
	assert.Equal(t, "2 fork(s) failed. Check log files for details.", s.Closing())
}

func TestBuild_AllSucceeded(t *testing.T) {
	s := Build([]models.RunResult{{ForkIndex: 1, Status: models.ForkStatusSuccess}}, "/logs")
	assert.True(t, s.AllSucceeded())
	assert.Equal(t, "All forks completed successfully!", s.Closing())

	assert.False(t, Build(nil, "/logs").AllSucceeded())
}

func TestRows(t *testing.T) {
	rows := Build(sampleResults(), "/logs").Rows(false)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"1", "✓ Success", "$0.0421", "15,000 / 3,200", "/logs/exp-1-fork-1.log"}, rows[0])
	assert.Equal(t, "✗ error", rows[1][1])
	assert.Equal(t, []string{"3", "✗ unknown", "$0.0000", "0 / 0", "N/A"}, rows[2])
}

func TestLines(t *testing.T) {
	lines := Build(sampleResults(), "/logs").Lines()
	assert.Contains(t, lines, "Total Forks: 3")
	assert.Contains(t, lines, "Successful: 1")
	assert.Contains(t, lines, "Failed: 2")
	assert.Contains(t, lines, "Total Cost: $0.0521")
	assert.Contains(t, lines, "Log Directory: /logs")
}

func TestRender(t *testing.T) {
	out := &bytes.Buffer{}
	ui := &output.UI{Out: out, ErrOut: out}
	require.NoError(t, Build(sampleResults(), "/logs").Render(ui))

	got := out.String()
	assert.Contains(t, got, "exp-1-fork-1.log")
	assert.Contains(t, got, "15,000 / 3,200")
	assert.Contains(t, got, "Execution Summary")
	assert.Contains(t, got, "Failed: 2")
}

func TestText(t *testing.T) {
	got := Build(sampleResults(), "/logs").Text()
	assert.Contains(t, got, "✗ unknown")
	assert.Contains(t, got, "Total Cost: $0.0521")
	assert.NotContains(t, got, "\x1b[")
}

func TestNewRunRecord(t *testing.T) {
	run := &models.Run{
		ID:        "01ABC",
		RepoURL:   "https://github.com/acme/widgets",
		ForkCount: 3,
		Results:   sampleResults(),
	}
	rec := NewRunRecord(run)
	assert.Equal(t, "01ABC", rec.ID)
	assert.Equal(t, 1, rec.Successful)
	assert.InDelta(t, 0.0521, rec.TotalCost, 1e-9)
	require.Len(t, rec.Results, 3)
	assert.Equal(t, "error", rec.Results[1].Status)
	assert.Equal(t, "boom", rec.Results[1].Error)
	assert.Equal(t, "", rec.Results[2].LogPath)

	assert.Len(t, NewRunRecords([]*models.Run{run, run}), 2)
}
