package report

import (
	"time"

	"github.com/joescharf/obox/internal/models"
)

// ForkRecord is the exported form of one fork result.
type ForkRecord struct {
	Fork         int     `json:"fork"`
	Branch       string  `json:"branch"`
	Status       string  `json:"status"`
	Error        string  `json:"error,omitempty"`
	CostUSD      float64 `json:"cost_usd"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	NumTurns     int     `json:"num_turns"`
	DurationMS   int64   `json:"duration_ms"`
	LogPath      string  `json:"log_path"`
}

// RunRecord is the exported form of a run, shared by `obox export` and the
// HTTP API.
type RunRecord struct {
	ID         string       `json:"id"`
	RepoURL    string       `json:"repo_url"`
	Branch     string       `json:"branch"`
	Model      string       `json:"model"`
	ForkCount  int          `json:"fork_count"`
	MaxTurns   int          `json:"max_turns"`
	Prompt     string       `json:"prompt_preview"`
	StartedAt  time.Time    `json:"started_at"`
	EndedAt    *time.Time   `json:"ended_at,omitempty"`
	Successful int          `json:"successful"`
	TotalCost  float64      `json:"total_cost_usd"`
	LogDir     string       `json:"log_dir"`
	PrimaryLog string       `json:"primary_log"`
	Results    []ForkRecord `json:"results"`
}

// NewRunRecord converts a stored run.
func NewRunRecord(r *models.Run) RunRecord {
	out := RunRecord{
		ID:         r.ID,
		RepoURL:    r.RepoURL,
		Branch:     r.Branch,
		Model:      r.Model,
		ForkCount:  r.ForkCount,
		MaxTurns:   r.MaxTurns,
		Prompt:     r.PromptPreview,
		StartedAt:  r.StartedAt,
		EndedAt:    r.EndedAt,
		Successful: r.Successful(),
		TotalCost:  r.TotalCost(),
		LogDir:     r.LogDir,
		PrimaryLog: r.PrimaryLog,
		Results:    make([]ForkRecord, 0, len(r.Results)),
	}
	for _, res := range r.Results {
		out.Results = append(out.Results, ForkRecord{
			Fork:         res.ForkIndex,
			Branch:       res.Branch,
			Status:       string(res.Status),
			Error:        res.Error,
			CostUSD:      res.CostUSD,
			InputTokens:  res.InputTokens,
			OutputTokens: res.OutputTokens,
			NumTurns:     res.NumTurns,
			DurationMS:   res.Duration.Milliseconds(),
			LogPath:      res.LogPath,
		})
	}
	return out
}

// NewRunRecords converts every run in order.
func NewRunRecords(runs []*models.Run) []RunRecord {
	out := make([]RunRecord, len(runs))
	for i, r := range runs {
		out[i] = NewRunRecord(r)
	}
	return out
}
