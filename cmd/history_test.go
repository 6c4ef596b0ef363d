package cmd

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/obox/internal/agentrt/agentrttest"
	"github.com/joescharf/obox/internal/models"
	"github.com/joescharf/obox/internal/report"
	"github.com/joescharf/obox/internal/store"
)

func seedRun(t *testing.T, s *store.SQLiteStore) *models.Run {
	t.Helper()
	ctx := context.Background()
	run := &models.Run{
		RepoURL:       "https://github.com/acme/widgets",
		Branch:        "exp",
		Model:         "sonnet",
		ForkCount:     2,
		MaxTurns:      100,
		PromptPreview: "add tests",
		LogDir:        "/tmp/logs",
		PrimaryLog:    "/tmp/logs/primary-widgets.log",
	}
	require.NoError(t, s.CreateRun(ctx, run))
	run.Results = []models.RunResult{
		{ForkIndex: 1, Branch: "exp-1", Status: models.ForkStatusSuccess, CostUSD: 0.25, InputTokens: 15000, OutputTokens: 3200, NumTurns: 4, Duration: 90 * time.Second, LogPath: "/tmp/logs/exp-1-fork-1.log"},
		{ForkIndex: 2, Branch: "exp-2", Status: models.ForkStatusError, Error: "max turns", CostUSD: 0.5, InputTokens: 100, OutputTokens: 10, LogPath: "/tmp/logs/exp-2-fork-2.log"},
	}
	require.NoError(t, s.FinishRun(ctx, run))
	return run
}

func TestHistoryList(t *testing.T) {
	env := testForkEnv(t, &agentrttest.Runtime{})

	require.NoError(t, historyListRun())
	assert.Contains(t, env.out.String(), "No runs recorded yet.")

	run := seedRun(t, env.store)
	env.out.Reset()
	require.NoError(t, historyListRun())
	out := env.out.String()
	assert.Contains(t, out, shortID(run.ID))
	assert.Contains(t, out, "acme/widgets")
	assert.Contains(t, out, "$0.7500")
}

func TestHistoryShow(t *testing.T) {
	env := testForkEnv(t, &agentrttest.Runtime{})
	run := seedRun(t, env.store)

	require.NoError(t, historyShowRun(run.ID[:10]))
	out := env.out.String()
	assert.Contains(t, out, run.ID)
	assert.Contains(t, out, "add tests")
	assert.Contains(t, out, "15,000 / 3,200")
	assert.Contains(t, out, "Execution Summary")

	assert.Error(t, historyShowRun("ZZZZZZZZ"))
}

func TestHistoryRm(t *testing.T) {
	env := testForkEnv(t, &agentrttest.Runtime{})
	run := seedRun(t, env.store)

	dryRun = true
	require.NoError(t, historyRmRun(run.ID))
	dryRun = false
	_, err := env.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err, "dry run keeps the run")

	require.NoError(t, historyRmRun(run.ID))
	_, err = env.store.GetRun(context.Background(), run.ID)
	assert.True(t, store.IsNotFound(err))
}

func TestRepoLabel(t *testing.T) {
	assert.Equal(t, "acme/widgets", repoLabel("https://github.com/acme/widgets.git"))
	assert.Equal(t, "acme/widgets", repoLabel("git@github.com:acme/widgets.git"))
	assert.Equal(t, "file:///srv/repo", repoLabel("file:///srv/repo"))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "<1m", formatDuration(30*time.Second))
	assert.Equal(t, "5m", formatDuration(5*time.Minute))
	assert.Equal(t, "2h5m", formatDuration(125*time.Minute))
}

func TestWriteRuns(t *testing.T) {
	env := testForkEnv(t, &agentrttest.Runtime{})
	run := seedRun(t, env.store)
	runs := []*models.Run{run}

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeRuns(&buf, "json", runs))
		var got []report.RunRecord
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		require.Len(t, got, 1)
		assert.Equal(t, run.ID, got[0].ID)
		assert.Equal(t, 1, got[0].Successful)
		assert.InDelta(t, 0.75, got[0].TotalCost, 1e-9)
		require.Len(t, got[0].Results, 2)
		assert.Equal(t, int64(90000), got[0].Results[0].DurationMS)
		assert.Equal(t, "max turns", got[0].Results[1].Error)
	})

	t.Run("csv", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeRuns(&buf, "csv", runs))
		records, err := csv.NewReader(&buf).ReadAll()
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, "RunID", records[0][0])
		assert.Equal(t, "exp-2", records[2][3])
		assert.Equal(t, "error", records[2][4])
	})

	t.Run("markdown", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeRuns(&buf, "markdown", runs))
		assert.Contains(t, buf.String(), "# Fork Runs")
		assert.Contains(t, buf.String(), "- Successful: 1/2")
		assert.Contains(t, buf.String(), "| 1 | exp-1 | success | $0.2500 | 15,000 / 3,200 |")
	})

	t.Run("unknown", func(t *testing.T) {
		assert.Error(t, writeRuns(&bytes.Buffer{}, "xml", runs))
	})
}

func TestExportRun_ByID(t *testing.T) {
	env := testForkEnv(t, &agentrttest.Runtime{})
	run := seedRun(t, env.store)
	exportFormat = "json"
	t.Cleanup(func() { exportFormat = "json" })

	require.NoError(t, exportRun([]string{run.ID}))
	assert.Contains(t, env.out.String(), `"repo_url": "https://github.com/acme/widgets"`)
}
