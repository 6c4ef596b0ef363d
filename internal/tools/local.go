package tools

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/tidwall/match"
)

const (
	defaultReadLimit   = 2000
	defaultBashTimeout = 2 * time.Minute
	maxBashTimeout     = 10 * time.Minute
	maxOutput          = 30000
	maxMatches         = 250
)

// local implements the built-in file and shell tools against the host
// filesystem. Relative paths resolve against dir.
type local struct {
	dir string
}

func localTools(dir string) []server.ServerTool {
	l := &local{dir: dir}
	defs := []func() (mcp.Tool, server.ToolHandlerFunc){
		l.readTool,
		l.writeTool,
		l.editTool,
		l.bashTool,
		l.globTool,
		l.grepTool,
		l.todoWriteTool,
	}
	out := make([]server.ServerTool, len(defs))
	for i, def := range defs {
		tool, handler := def()
		out[i] = server.ServerTool{Tool: tool, Handler: handler}
	}
	return out
}

func (l *local) abs(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(l.dir, p)
}

// Read
func (l *local) readTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("Read",
		mcp.WithDescription("Read a file from the local filesystem. Returns lines prefixed with line numbers."),
		mcp.WithString("file_path", mcp.Required(), mcp.Description("Absolute path of the file to read")),
		mcp.WithNumber("offset", mcp.Description("Line number to start reading from (1-based)")),
		mcp.WithNumber("limit", mcp.Description("Number of lines to read (default: 2000)")),
	)
	return tool, l.handleRead
}

func (l *local) handleRead(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	fp, err := request.RequireString("file_path")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: file_path"), nil
	}
	offset := max(request.GetInt("offset", 1), 1)
	limit := request.GetInt("limit", defaultReadLimit)
	if limit <= 0 {
		limit = defaultReadLimit
	}

	f, err := os.Open(l.abs(fp))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read %s: %v", fp, err)), nil
	}
	defer f.Close()

	var b strings.Builder
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for n := 1; sc.Scan(); n++ {
		if n < offset {
			continue
		}
		if n >= offset+limit {
			break
		}
		fmt.Fprintf(&b, "%6d\t%s\n", n, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read %s: %v", fp, err)), nil
	}
	if b.Len() == 0 {
		return mcp.NewToolResultText("(empty)"), nil
	}
	return mcp.NewToolResultText(b.String()), nil
}

// Write
func (l *local) writeTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("Write",
		mcp.WithDescription("Write a file to the local filesystem, replacing any existing content."),
		mcp.WithString("file_path", mcp.Required(), mcp.Description("Absolute path of the file to write")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Content to write")),
	)
	return tool, l.handleWrite
}

func (l *local) handleWrite(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	fp, err := request.RequireString("file_path")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: file_path"), nil
	}
	content, err := request.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: content"), nil
	}
	target := l.abs(fp)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to write %s: %v", fp, err)), nil
	}
	if err := os.WriteFile(target, []byte(content), 0644); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to write %s: %v", fp, err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("File written: %s (%d bytes)", target, len(content))), nil
}

// Edit
func (l *local) editTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("Edit",
		mcp.WithDescription("Replace text in a file. old_string must match exactly and be unique unless replace_all is set."),
		mcp.WithString("file_path", mcp.Required(), mcp.Description("Absolute path of the file to modify")),
		mcp.WithString("old_string", mcp.Required(), mcp.Description("Text to replace")),
		mcp.WithString("new_string", mcp.Required(), mcp.Description("Replacement text")),
		mcp.WithBoolean("replace_all", mcp.Description("Replace every occurrence (default: false)")),
	)
	return tool, l.handleEdit
}

func (l *local) handleEdit(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	fp, err := request.RequireString("file_path")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: file_path"), nil
	}
	oldStr, err := request.RequireString("old_string")
	if err != nil || oldStr == "" {
		return mcp.NewToolResultError("missing required parameter: old_string"), nil
	}
	newStr := request.GetString("new_string", "")
	if oldStr == newStr {
		return mcp.NewToolResultError("old_string and new_string are identical"), nil
	}

	target := l.abs(fp)
	data, err := os.ReadFile(target)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to edit %s: %v", fp, err)), nil
	}
	content := string(data)
	count := strings.Count(content, oldStr)
	switch {
	case count == 0:
		return mcp.NewToolResultError(fmt.Sprintf("old_string not found in %s", fp)), nil
	case count > 1 && !request.GetBool("replace_all", false):
		return mcp.NewToolResultError(fmt.Sprintf("old_string appears %d times in %s; provide more context or set replace_all", count, fp)), nil
	}

	content = strings.ReplaceAll(content, oldStr, newStr)
	if err := os.WriteFile(target, []byte(content), 0644); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to edit %s: %v", fp, err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Edited %s (%d replacement(s))", target, count)), nil
}

// Bash
func (l *local) bashTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("Bash",
		mcp.WithDescription("Run a bash command on the local machine in the working directory."),
		mcp.WithString("command", mcp.Required(), mcp.Description("Command to run")),
		mcp.WithNumber("timeout", mcp.Description("Timeout in milliseconds (default: 120000, max: 600000)")),
	)
	return tool, l.handleBash
}

func (l *local) handleBash(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := request.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: command"), nil
	}
	timeout := defaultBashTimeout
	if ms := request.GetInt("timeout", 0); ms > 0 {
		timeout = min(time.Duration(ms)*time.Millisecond, maxBashTimeout)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = l.dir
	out, err := cmd.CombinedOutput()
	text := truncate(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s\nexit code %d", text, exitErr.ExitCode())), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("%s\ncommand failed: %v", text, err)), nil
	}
	if text == "" {
		text = "(no output)"
	}
	return mcp.NewToolResultText(text), nil
}

// Glob
func (l *local) globTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("Glob",
		mcp.WithDescription("Find files by glob pattern such as **/*.go. Returns matching paths sorted by name."),
		mcp.WithString("pattern", mcp.Required(), mcp.Description("Glob pattern")),
		mcp.WithString("path", mcp.Description("Directory to search (default: working directory)")),
	)
	return tool, l.handleGlob
}

func (l *local) handleGlob(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pattern, err := request.RequireString("pattern")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: pattern"), nil
	}
	root := l.abs(request.GetString("path", "."))

	var found []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		if matchGlob(filepath.ToSlash(rel), pattern) {
			found = append(found, p)
		}
		return nil
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to glob %s: %v", pattern, err)), nil
	}
	if len(found) == 0 {
		return mcp.NewToolResultText("No files found"), nil
	}
	sort.Strings(found)
	if len(found) > maxMatches {
		found = found[:maxMatches]
	}
	return mcp.NewToolResultText(strings.Join(found, "\n")), nil
}

// Grep
func (l *local) grepTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("Grep",
		mcp.WithDescription("Search file contents with a regular expression. Returns file:line:text matches."),
		mcp.WithString("pattern", mcp.Required(), mcp.Description("Regular expression")),
		mcp.WithString("path", mcp.Description("File or directory to search (default: working directory)")),
		mcp.WithString("glob", mcp.Description("Only search files matching this glob, e.g. *.go")),
		mcp.WithBoolean("-i", mcp.Description("Case insensitive")),
	)
	return tool, l.handleGrep
}

func (l *local) handleGrep(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pattern, err := request.RequireString("pattern")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: pattern"), nil
	}
	if request.GetBool("-i", false) {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid pattern: %v", err)), nil
	}
	root := l.abs(request.GetString("path", "."))
	glob := request.GetString("glob", "")

	var matches []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || len(matches) >= maxMatches {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if glob != "" {
			rel, _ := filepath.Rel(root, p)
			if !matchGlob(filepath.ToSlash(rel), glob) {
				return nil
			}
		}
		matches = append(matches, grepFile(p, re, maxMatches-len(matches))...)
		return nil
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to search: %v", err)), nil
	}
	if len(matches) == 0 {
		return mcp.NewToolResultText("No matches found"), nil
	}
	return mcp.NewToolResultText(strings.Join(matches, "\n")), nil
}

func grepFile(p string, re *regexp.Regexp, limit int) []string {
	f, err := os.Open(p)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan() && len(out) < limit; n++ {
		line := sc.Text()
		if strings.IndexByte(line, 0) >= 0 {
			return out
		}
		if re.MatchString(line) {
			out = append(out, fmt.Sprintf("%s:%d:%s", p, n, line))
		}
	}
	return out
}

// TodoWrite
func (l *local) todoWriteTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("TodoWrite",
		mcp.WithDescription("Record the current task list. Each todo has content and status (pending, in_progress, completed)."),
		mcp.WithArray("todos", mcp.Required(), mcp.Description("The updated todo list"),
			mcp.Items(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"content": map[string]any{"type": "string"},
					"status":  map[string]any{"type": "string", "enum": []string{"pending", "in_progress", "completed"}},
				},
				"required": []string{"content", "status"},
			}),
		),
	)
	return tool, l.handleTodoWrite
}

func (l *local) handleTodoWrite(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	todos, ok := request.GetArguments()["todos"].([]any)
	if !ok {
		return mcp.NewToolResultError("missing required parameter: todos"), nil
	}
	done := 0
	for _, t := range todos {
		if m, ok := t.(map[string]any); ok && m["status"] == "completed" {
			done++
		}
	}
	return mcp.NewToolResultText(fmt.Sprintf("Todos have been modified successfully (%d/%d completed)", done, len(todos))), nil
}

// matchGlob matches a slash-separated relative path. Patterns without a
// slash apply to the base name; ** spans directories.
func matchGlob(rel, pattern string) bool {
	if !strings.Contains(pattern, "/") {
		ok, _ := filepath.Match(pattern, filepath.Base(rel))
		return ok
	}
	if !strings.Contains(pattern, "**") {
		ok, _ := filepath.Match(pattern, rel)
		return ok
	}
	return match.Match(rel, pattern) || match.Match(rel, strings.ReplaceAll(pattern, "**/", ""))
}

func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[:maxOutput] + "\n... (output truncated)"
}
