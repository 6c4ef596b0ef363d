package tools

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool() server.ServerTool {
	return server.ServerTool{
		Tool: mcp.NewTool("echo", mcp.WithString("msg", mcp.Required())),
		Handler: func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText(req.Params.Name + ":" + req.GetString("msg", "")), nil
		},
	}
}

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	return NewRegistry(dir, []server.ServerTool{echoTool()}), dir
}

func call(t *testing.T, r *Registry, name string, input any) Result {
	t.Helper()
	data, err := json.Marshal(input)
	require.NoError(t, err)
	return r.Call(context.Background(), name, data)
}

func TestRegistry_Names(t *testing.T) {
	r, _ := newTestRegistry(t)
	assert.Equal(t, []string{
		"Read", "Write", "Edit", "Bash", "Glob", "Grep", "TodoWrite",
		"mcp__e2b-sandbox__echo",
	}, r.Names())
}

func TestRegistry_ToolsFiltering(t *testing.T) {
	r, _ := newTestRegistry(t)

	names := func(tools []mcp.Tool) []string {
		var out []string
		for _, tl := range tools {
			out = append(out, tl.Name)
		}
		return out
	}

	assert.Len(t, r.Tools(nil, nil), 8)
	assert.Equal(t, []string{"Read", "mcp__e2b-sandbox__echo"},
		names(r.Tools([]string{"Read", "mcp__e2b-sandbox__echo", "WebSearch"}, nil)))
	assert.Equal(t, []string{"Read"},
		names(r.Tools([]string{"Read", "Bash"}, []string{"Bash"})))
}

func TestRegistry_SandboxDispatchUsesBareName(t *testing.T) {
	r, _ := newTestRegistry(t)
	res := call(t, r, "mcp__e2b-sandbox__echo", map[string]any{"msg": "hi"})
	assert.False(t, res.IsError)
	assert.Equal(t, "echo:hi", res.Content)
}

func TestRegistry_UnknownAndInvalid(t *testing.T) {
	r, _ := newTestRegistry(t)

	res := r.Call(context.Background(), "NotebookEdit", nil)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "unknown tool")

	res = r.Call(context.Background(), "Read", json.RawMessage(`{not json`))
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "invalid input")
}

func TestRegistry_Normalize(t *testing.T) {
	r, dir := newTestRegistry(t)

	out := r.Normalize("Write", json.RawMessage(`{"file_path":"temp/a.txt","content":"x"}`))
	var got map[string]string
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, filepath.Join(dir, "temp", "a.txt"), got["file_path"])
	assert.Equal(t, "x", got["content"])

	abs := json.RawMessage(`{"file_path":"/etc/hosts"}`)
	assert.Equal(t, abs, r.Normalize("Read", abs))

	sbx := json.RawMessage(`{"file_path":"rel"}`)
	assert.Equal(t, sbx, r.Normalize("mcp__e2b-sandbox__echo", sbx))
}

func TestLocal_WriteReadEdit(t *testing.T) {
	r, dir := newTestRegistry(t)
	target := filepath.Join(dir, "temp", "notes.txt")

	res := call(t, r, "Write", map[string]any{"file_path": target, "content": "alpha\nbeta\nbeta\n"})
	require.False(t, res.IsError, res.Content)

	res = call(t, r, "Read", map[string]any{"file_path": target, "offset": 2, "limit": 1})
	require.False(t, res.IsError, res.Content)
	assert.Equal(t, "     2\tbeta\n", res.Content)

	res = call(t, r, "Edit", map[string]any{"file_path": target, "old_string": "beta", "new_string": "gamma"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "appears 2 times")

	res = call(t, r, "Edit", map[string]any{"file_path": target, "old_string": "beta", "new_string": "gamma", "replace_all": true})
	require.False(t, res.IsError, res.Content)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "alpha\ngamma\ngamma\n", string(data))

	res = call(t, r, "Edit", map[string]any{"file_path": target, "old_string": "zeta", "new_string": "eta"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "not found")
}

func TestLocal_ReadMissing(t *testing.T) {
	r, dir := newTestRegistry(t)
	res := call(t, r, "Read", map[string]any{"file_path": filepath.Join(dir, "nope")})
	assert.True(t, res.IsError)
}

func TestLocal_Bash(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	r, dir := newTestRegistry(t)

	res := call(t, r, "Bash", map[string]any{"command": "pwd"})
	require.False(t, res.IsError, res.Content)
	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(strings.TrimSpace(res.Content))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	res = call(t, r, "Bash", map[string]any{"command": "echo bad; exit 2"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "bad")
	assert.Contains(t, res.Content, "exit code 2")
}

func TestLocal_GlobAndGrep(t *testing.T) {
	r, dir := newTestRegistry(t)
	for p, content := range map[string]string{
		"main.go":          "package main\nfunc main() {}\n",
		"pkg/util/util.go": "package util\n// TODO remove\n",
		"docs/readme.md":   "TODO docs\n",
	} {
		full := filepath.Join(dir, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0644))
	}

	res := call(t, r, "Glob", map[string]any{"pattern": "**/*.go"})
	require.False(t, res.IsError, res.Content)
	assert.Equal(t, filepath.Join(dir, "main.go")+"\n"+filepath.Join(dir, "pkg", "util", "util.go"), res.Content)

	res = call(t, r, "Glob", map[string]any{"pattern": "*.md"})
	assert.Equal(t, filepath.Join(dir, "docs", "readme.md"), res.Content)

	res = call(t, r, "Glob", map[string]any{"pattern": "*.rs"})
	assert.Equal(t, "No files found", res.Content)

	res = call(t, r, "Grep", map[string]any{"pattern": "TODO", "glob": "*.go"})
	require.False(t, res.IsError, res.Content)
	assert.Equal(t, filepath.Join(dir, "pkg", "util", "util.go")+":2:// TODO remove", res.Content)

	res = call(t, r, "Grep", map[string]any{"pattern": "todo", "-i": true})
	assert.Len(t, strings.Split(res.Content, "\n"), 2)

	res = call(t, r, "Grep", map[string]any{"pattern": "("})
	assert.True(t, res.IsError)
}

func TestLocal_TodoWrite(t *testing.T) {
	r, _ := newTestRegistry(t)
	res := call(t, r, "TodoWrite", map[string]any{"todos": []map[string]any{
		{"content": "a", "status": "completed"},
		{"content": "b", "status": "pending"},
	}})
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "1/2 completed")
}

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		rel, pattern string
		want         bool
	}{
		{"main.go", "*.go", true},
		{"a/b/c.go", "*.go", true},
		{"a/b/c.go", "a/*/c.go", true},
		{"a/b/c.go", "a/*.go", false},
		{"src/x/y.ts", "src/**/*.ts", true},
		{"src/y.ts", "src/**/*.ts", true},
		{"lib/y.ts", "src/**/*.ts", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchGlob(tt.rel, tt.pattern), "%s vs %s", tt.rel, tt.pattern)
	}
}
