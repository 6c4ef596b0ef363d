package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/obox/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		// Check if already applied
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		run.ID = newULID()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, repo_url, branch, model, fork_count, max_turns, prompt_preview, log_dir, primary_log, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.RepoURL, run.Branch, run.Model, run.ForkCount, run.MaxTurns,
		run.PromptPreview, run.LogDir, run.PrimaryLog, run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// FinishRun records the end time and every fork result of run in one
// transaction.
func (s *SQLiteStore) FinishRun(ctx context.Context, run *models.Run) error {
	if run.EndedAt == nil {
		now := time.Now().UTC()
		run.EndedAt = &now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "UPDATE runs SET ended_at = ? WHERE id = ?", run.EndedAt, run.ID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", run.ID, ErrNotFound)
	}

	for i := range run.Results {
		r := &run.Results[i]
		if r.ID == "" {
			r.ID = newULID()
		}
		r.RunID = run.ID
		_, err := tx.ExecContext(ctx,
			`INSERT INTO fork_results (id, run_id, fork_index, branch, status, error, cost_usd, input_tokens, output_tokens, num_turns, duration_ms, log_path)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.RunID, r.ForkIndex, r.Branch, string(r.Status), r.Error,
			r.CostUSD, r.InputTokens, r.OutputTokens, r.NumTurns,
			r.Duration.Milliseconds(), r.LogPath,
		)
		if err != nil {
			return fmt.Errorf("insert fork result %d: %w", r.ForkIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

// GetRun returns the run with the given ID or unique ID prefix, including
// its fork results.
func (s *SQLiteStore) GetRun(ctx context.Context, idOrPrefix string) (*models.Run, error) {
	runs, err := s.scanRuns(ctx, runSelect+" WHERE id = ? OR id LIKE ? ORDER BY id LIMIT 2",
		strings.ToUpper(idOrPrefix), strings.ToUpper(idOrPrefix)+"%")
	if err != nil {
		return nil, err
	}
	switch {
	case len(runs) == 0:
		return nil, fmt.Errorf("run %s: %w", idOrPrefix, ErrNotFound)
	case len(runs) > 1 && !strings.EqualFold(runs[0].ID, idOrPrefix):
		return nil, fmt.Errorf("run %s: %w", idOrPrefix, ErrAmbiguous)
	}

	run := runs[0]
	if err := s.loadResults(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns the most recent runs first, with their fork results.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	query := runSelect + " ORDER BY started_at DESC, id DESC"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	runs, err := s.scanRuns(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for _, run := range runs {
		if err := s.loadResults(ctx, run); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

const runSelect = `SELECT id, repo_url, branch, model, fork_count, max_turns, prompt_preview, log_dir, primary_log, started_at, ended_at FROM runs`

func (s *SQLiteStore) scanRuns(ctx context.Context, query string, args ...any) ([]*models.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run := &models.Run{}
		var endedAt sql.NullTime
		if err := rows.Scan(
			&run.ID, &run.RepoURL, &run.Branch, &run.Model, &run.ForkCount, &run.MaxTurns,
			&run.PromptPreview, &run.LogDir, &run.PrimaryLog, &run.StartedAt, &endedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if endedAt.Valid {
			run.EndedAt = &endedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) loadResults(ctx context.Context, run *models.Run) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, fork_index, branch, status, error, cost_usd, input_tokens, output_tokens, num_turns, duration_ms, log_path
		FROM fork_results WHERE run_id = ? ORDER BY fork_index`, run.ID)
	if err != nil {
		return fmt.Errorf("list fork results: %w", err)
	}
	defer rows.Close()

	run.Results = nil
	for rows.Next() {
		var r models.RunResult
		var status string
		var durationMS int64
		if err := rows.Scan(
			&r.ID, &r.RunID, &r.ForkIndex, &r.Branch, &status, &r.Error,
			&r.CostUSD, &r.InputTokens, &r.OutputTokens, &r.NumTurns, &durationMS, &r.LogPath,
		); err != nil {
			return fmt.Errorf("scan fork result: %w", err)
		}
		r.Status = models.ForkStatus(status)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		run.Results = append(run.Results, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return nil
}

// IsNotFound reports whether err means the requested record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
