// Package config holds the immutable configuration of one fork session.
package config

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/joescharf/obox/internal/git"
)

const (
	MaxForks        = 100
	DefaultForks    = 1
	DefaultMaxTurns = 100
	DefaultModel    = "sonnet"
	FallbackPrompt  = "You are a helpful AI assistant."
)

// ValidModels are the model aliases accepted on the command line.
var ValidModels = []string{"opus", "sonnet", "haiku"}

// SandboxTools are the sandbox MCP server's tools as the agent sees them.
var SandboxTools = []string{
	"mcp__e2b-sandbox__init_sandbox",
	"mcp__e2b-sandbox__create_sandbox",
	"mcp__e2b-sandbox__connect_sandbox",
	"mcp__e2b-sandbox__kill_sandbox",
	"mcp__e2b-sandbox__pause_sandbox",
	"mcp__e2b-sandbox__resume_sandbox",
	"mcp__e2b-sandbox__execute_command",
	"mcp__e2b-sandbox__write_file",
	"mcp__e2b-sandbox__read_file",
	"mcp__e2b-sandbox__list_files",
	"mcp__e2b-sandbox__upload_file",
	"mcp__e2b-sandbox__download_file",
	"mcp__e2b-sandbox__make_directory",
	"mcp__e2b-sandbox__remove_file",
	"mcp__e2b-sandbox__rename_file",
	"mcp__e2b-sandbox__check_file_exists",
	"mcp__e2b-sandbox__get_file_info",
	"mcp__e2b-sandbox__get_host",
}

// LocalTools are the built-in agent tools allowed alongside the sandbox tools.
var LocalTools = []string{
	"Read", "Write", "Edit", "Bash",
	"WebFetch", "WebSearch", "Task", "Skill", "SlashCommand", "TodoWrite",
	"Glob", "Grep",
}

var (
	DefaultDisallowedTools     = []string{"NotebookEdit"}
	DefaultPathRestrictedTools = []string{"Read", "Write", "Edit"}
)

// DefaultAllowedTools returns the sandbox tools followed by the local tools.
func DefaultAllowedTools() []string {
	return slices.Concat(SandboxTools, LocalTools)
}

// DefaultAllowedDirectories returns temp/ under workingDir followed by specs/,
// ai_docs/ and app_docs/ under repoRoot.
func DefaultAllowedDirectories(workingDir, repoRoot string) []string {
	return []string{
		filepath.Join(workingDir, "temp"),
		filepath.Join(repoRoot, "specs"),
		filepath.Join(repoRoot, "ai_docs"),
		filepath.Join(repoRoot, "app_docs"),
	}
}

// RunConfig is built once per process and shared read-only by every fork.
type RunConfig struct {
	RepoURL    string
	RepoName   string
	Branch     string
	PromptText string
	ForkCount  int
	// MaxTurns of 0 selects DefaultMaxTurns.
	MaxTurns int
	Model    string
	// ModelID is the runtime-specific identifier Model resolves to.
	ModelID string

	AllowedTools        []string
	DisallowedTools     []string
	PathRestrictedTools []string
	AllowedDirectories  []string

	WorkingDirectory string
	LogDir           string
	SystemPromptPath string
	MCPConfigPath    string
	Env              map[string]string
}

// ValidationError is a configuration error detected before any fork starts.
type ValidationError struct {
	Msg  string
	Hint string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// Validate checks the fields an operator supplies, in the order they are
// reported: repository URL, fork count, branch, model, turn budget.
func (c *RunConfig) Validate() error {
	if !git.ValidateURL(c.RepoURL) {
		return &ValidationError{
			Msg:  "Invalid git repository URL: " + c.RepoURL,
			Hint: "Expected format: https://github.com/user/repo or git@github.com:user/repo",
		}
	}
	if c.ForkCount < 1 || c.ForkCount > MaxForks {
		return &ValidationError{Msg: fmt.Sprintf("Fork count must be between 1 and %d", MaxForks)}
	}
	if !git.ValidateBranch(c.Branch) {
		return &ValidationError{
			Msg:  "Invalid branch name: " + c.Branch,
			Hint: "Branch names must contain only alphanumeric, dash, underscore, slash, and dot",
		}
	}
	if !slices.Contains(ValidModels, strings.ToLower(c.Model)) {
		return &ValidationError{
			Msg:  "Invalid model: " + c.Model,
			Hint: "Valid models: " + strings.Join(ValidModels, ", "),
		}
	}
	if c.MaxTurns < 0 {
		return &ValidationError{Msg: "max_turns must be at least 1"}
	}
	return nil
}

// EffectiveMaxTurns returns MaxTurns or the default when unset.
func (c *RunConfig) EffectiveMaxTurns() int {
	if c.MaxTurns > 0 {
		return c.MaxTurns
	}
	return DefaultMaxTurns
}

// PropagatedEnv returns the subset of the process environment handed to
// every agent session.
func PropagatedEnv(lookup func(string) (string, bool)) map[string]string {
	env := make(map[string]string)
	if tok, ok := lookup("GITHUB_TOKEN"); ok && tok != "" {
		env["GITHUB_TOKEN"] = tok
	}
	return env
}
