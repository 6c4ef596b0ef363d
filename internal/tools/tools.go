// Package tools executes agent tool calls for runtimes that drive the model
// directly. Local tools (Read, Write, Edit, Bash, Glob, Grep, TodoWrite) and
// the sandbox server's tools share one registry of mcp-go definitions.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/joescharf/obox/internal/hooks"
)

// Result is the outcome of one tool call as returned to the model.
type Result struct {
	Content string
	IsError bool
}

// Registry maps tool names to handlers.
type Registry struct {
	workingDir string
	tools      map[string]server.ServerTool
	order      []string
}

// NewRegistry registers the local tools rooted at workingDir plus the given
// sandbox tools under the sandbox prefix.
func NewRegistry(workingDir string, sandboxTools []server.ServerTool) *Registry {
	r := &Registry{
		workingDir: workingDir,
		tools:      make(map[string]server.ServerTool),
	}
	for _, st := range localTools(workingDir) {
		r.add(st)
	}
	for _, st := range sandboxTools {
		st.Tool.Name = hooks.SandboxToolPrefix + st.Tool.Name
		r.add(st)
	}
	return r
}

func (r *Registry) add(st server.ServerTool) {
	if _, ok := r.tools[st.Tool.Name]; !ok {
		r.order = append(r.order, st.Tool.Name)
	}
	r.tools[st.Tool.Name] = st
}

// Names returns every registered tool name in registration order.
func (r *Registry) Names() []string {
	return slices.Clone(r.order)
}

// Tools returns the definitions the model may call. An empty allowed list
// admits every registered tool; disallowed always wins.
func (r *Registry) Tools(allowed, disallowed []string) []mcp.Tool {
	var out []mcp.Tool
	for _, name := range r.order {
		if len(allowed) > 0 && !slices.Contains(allowed, name) {
			continue
		}
		if slices.Contains(disallowed, name) {
			continue
		}
		out = append(out, r.tools[name].Tool)
	}
	return out
}

// Normalize rewrites a relative file_path in a local tool's input to an
// absolute path under the working directory, so that hooks and execution
// see the same location.
func (r *Registry) Normalize(name string, input json.RawMessage) json.RawMessage {
	if strings.HasPrefix(name, hooks.SandboxToolPrefix) {
		return input
	}
	fp := gjson.GetBytes(input, "file_path")
	if fp.Type != gjson.String || fp.Str == "" || filepath.IsAbs(fp.Str) {
		return input
	}
	out, err := sjson.SetBytes(input, "file_path", filepath.Join(r.workingDir, fp.Str))
	if err != nil {
		return input
	}
	return out
}

// Call runs the named tool. Unknown tools and handler failures are reported
// as error results rather than Go errors; the model sees them either way.
func (r *Registry) Call(ctx context.Context, name string, input json.RawMessage) Result {
	st, ok := r.tools[name]
	if !ok {
		return Result{Content: fmt.Sprintf("unknown tool: %s", name), IsError: true}
	}

	args := map[string]any{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return Result{Content: fmt.Sprintf("invalid input for %s: %v", name, err), IsError: true}
		}
	}

	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      strings.TrimPrefix(name, hooks.SandboxToolPrefix),
			Arguments: args,
		},
	}
	res, err := st.Handler(ctx, req)
	if err != nil {
		return Result{Content: err.Error(), IsError: true}
	}
	if res == nil {
		return Result{}
	}
	return Result{Content: text(res), IsError: res.IsError}
}

func text(res *mcp.CallToolResult) string {
	var b strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}
