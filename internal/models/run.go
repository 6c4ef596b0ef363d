package models

import "time"

// ForkStatus is the terminal status of one fork.
type ForkStatus string

const (
	ForkStatusSuccess ForkStatus = "success"
	ForkStatusError   ForkStatus = "error"
	ForkStatusUnknown ForkStatus = "unknown"
)

// RunResult is the outcome of a single fork. Exactly one is produced per
// fork, whether the fork succeeds, fails or panics.
type RunResult struct {
	ID           string
	RunID        string
	ForkIndex    int
	Branch       string
	Status       ForkStatus
	Error        string
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64
	NumTurns     int
	Duration     time.Duration
	LogPath      string
}

// Succeeded reports whether the fork finished with status success.
func (r RunResult) Succeeded() bool {
	return r.Status == ForkStatusSuccess
}

// Run is one invocation of the fork command: N forks of the same prompt
// against one repository.
type Run struct {
	ID            string
	RepoURL       string
	Branch        string
	Model         string
	ForkCount     int
	MaxTurns      int
	PromptPreview string
	LogDir        string
	PrimaryLog    string
	StartedAt     time.Time
	EndedAt       *time.Time
	Results       []RunResult
}

// Successful counts the forks that succeeded.
func (r *Run) Successful() int {
	n := 0
	for _, res := range r.Results {
		if res.Succeeded() {
			n++
		}
	}
	return n
}

// TotalCost sums the cost of every fork.
func (r *Run) TotalCost() float64 {
	var total float64
	for _, res := range r.Results {
		total += res.CostUSD
	}
	return total
}

// ForkContext is the per-fork view of a run handed to one agent.
type ForkContext struct {
	// Index is 1-based.
	Index    int
	Branch   string
	RepoURL  string
	Prompt   string
	Model    string
	MaxTurns int
}
