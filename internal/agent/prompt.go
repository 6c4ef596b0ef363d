package agent

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"
)

//go:embed prompts/fork_system_prompt.md
var defaultSystemPrompt string

// PromptData holds the values substituted into a system prompt template.
type PromptData struct {
	RepoURL     string
	Branch      string
	ForkNumber  int
	GitHubToken string
	// AllowedDirectories is pre-rendered as one "- `name/`" line per directory.
	AllowedDirectories string
}

// DefaultSystemPrompt returns the built-in system prompt template.
func DefaultSystemPrompt() string {
	return defaultSystemPrompt
}

// RenderSystemPrompt executes tmpl against data. Unknown fields are an error.
func RenderSystemPrompt(tmpl string, data PromptData) (string, error) {
	t, err := template.New("system").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse system prompt: %w", err)
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return b.String(), nil
}

// LoadSystemPrompt renders the template at path, or the built-in template
// when path is empty.
func LoadSystemPrompt(path string, data PromptData) (string, error) {
	tmpl := defaultSystemPrompt
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read system prompt: %w", err)
		}
		tmpl = string(raw)
	}
	return RenderSystemPrompt(tmpl, data)
}

// FormatDirectories renders directory names as a markdown bullet list.
func FormatDirectories(names []string) string {
	lines := make([]string, len(names))
	for i, n := range names {
		lines[i] = fmt.Sprintf("- `%s/`", n)
	}
	return strings.Join(lines, "\n")
}
