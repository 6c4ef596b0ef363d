package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/obox/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun() *models.Run {
	return &models.Run{
		RepoURL:       "https://github.com/acme/widgets",
		Branch:        "fork-experiment-20260101-120000",
		Model:         "sonnet",
		ForkCount:     2,
		MaxTurns:      50,
		PromptPreview: "Add a README",
		LogDir:        "/tmp/logs",
		PrimaryLog:    "/tmp/logs/primary-widgets.log",
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Running migrate again should be a no-op
	err := s.Migrate(ctx)
	assert.NoError(t, err)
}

// --- Runs ---

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := sampleRun()
	require.NoError(t, s.CreateRun(ctx, run))
	assert.NotEmpty(t, run.ID)
	assert.False(t, run.StartedAt.IsZero())

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.RepoURL, got.RepoURL)
	assert.Nil(t, got.EndedAt)
	assert.Empty(t, got.Results)

	// Results are inserted out of order and read back by fork index.
	run.Results = []models.RunResult{
		{ForkIndex: 2, Branch: run.Branch + "-2", Status: models.ForkStatusError, Error: "boom", LogPath: "/tmp/logs/b.log"},
		{ForkIndex: 1, Branch: run.Branch + "-1", Status: models.ForkStatusSuccess, CostUSD: 0.25, InputTokens: 1200, OutputTokens: 300, NumTurns: 4, Duration: 1500 * time.Millisecond},
	}
	require.NoError(t, s.FinishRun(ctx, run))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)
	require.Len(t, got.Results, 2)
	assert.Equal(t, 1, got.Results[0].ForkIndex)
	assert.Equal(t, models.ForkStatusSuccess, got.Results[0].Status)
	assert.Equal(t, int64(1200), got.Results[0].InputTokens)
	assert.Equal(t, 1500*time.Millisecond, got.Results[0].Duration)
	assert.Equal(t, "boom", got.Results[1].Error)
	assert.Equal(t, 1, got.Successful())
	assert.InDelta(t, 0.25, got.TotalCost(), 1e-9)
}

func TestGetRun_Prefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := sampleRun()
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID[:20])
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)

	_, err = s.GetRun(ctx, "ZZZZZZ")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsNotFound(err))
}

func TestGetRun_AmbiguousPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := sampleRun()
	a.ID = "01AAAAAAAAAAAAAAAAAAAAAAA1"
	b := sampleRun()
	b.ID = "01AAAAAAAAAAAAAAAAAAAAAAA2"
	require.NoError(t, s.CreateRun(ctx, a))
	require.NoError(t, s.CreateRun(ctx, b))

	_, err := s.GetRun(ctx, "01AAAA")
	assert.ErrorIs(t, err, ErrAmbiguous)
}

func TestFinishRun_Unknown(t *testing.T) {
	s := newTestStore(t)
	err := s.FinishRun(context.Background(), &models.Run{ID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinishRun_DuplicateForkIndexRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := sampleRun()
	require.NoError(t, s.CreateRun(ctx, run))
	run.Results = []models.RunResult{
		{ForkIndex: 1, Branch: "a", Status: models.ForkStatusSuccess},
		{ForkIndex: 1, Branch: "b", Status: models.ForkStatusSuccess},
	}
	require.Error(t, s.FinishRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Nil(t, got.EndedAt)
	assert.Empty(t, got.Results)
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := range 3 {
		run := sampleRun()
		run.StartedAt = base.Add(time.Duration(i) * time.Hour)
		run.PromptPreview = []string{"first", "second", "third"}[i]
		require.NoError(t, s.CreateRun(ctx, run))
	}

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "third", runs[0].PromptPreview)
	assert.Equal(t, "first", runs[2].PromptPreview)

	runs, err = s.ListRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestDeleteRun_CascadesResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := sampleRun()
	require.NoError(t, s.CreateRun(ctx, run))
	run.Results = []models.RunResult{{ForkIndex: 1, Branch: "a", Status: models.ForkStatusSuccess}}
	require.NoError(t, s.FinishRun(ctx, run))

	require.NoError(t, s.DeleteRun(ctx, run.ID))
	_, err := s.GetRun(ctx, run.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	var n int
	require.NoError(t, s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM fork_results").Scan(&n))
	assert.Zero(t, n)

	assert.ErrorIs(t, s.DeleteRun(ctx, run.ID), ErrNotFound)
}
