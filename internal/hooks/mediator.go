// Package hooks mediates every tool call an agent attempts: it records the
// call in the fork's log and enforces path confinement on tools that touch
// the local filesystem.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/joescharf/obox/internal/logs"
	"github.com/joescharf/obox/internal/pathpolicy"
)

const (
	// SandboxToolPrefix marks tools that operate inside the remote sandbox.
	SandboxToolPrefix = "mcp__e2b-sandbox__"
	// ShellTool runs a local shell command.
	ShellTool = "Bash"

	noResult = "No result"
)

// Permission is the outcome of pre-phase mediation.
type Permission string

const (
	Allow Permission = "allow"
	Deny  Permission = "deny"
)

// Decision is returned from PreToolUse. A Deny must stop the tool's effect.
type Decision struct {
	Permission Permission
	Reason     string
}

// Denied reports whether the tool call must not run.
func (d Decision) Denied() bool {
	return d.Permission == Deny
}

// PreToolInput describes a tool call about to run.
type PreToolInput struct {
	ToolName  string
	ToolUseID string
	ToolInput json.RawMessage
}

// PostToolInput describes a finished tool call.
type PostToolInput struct {
	ToolName  string
	ToolUseID string
	ToolInput json.RawMessage
	Result    string
	IsError   bool
}

// StopInput describes the end of an agent session.
type StopInput struct {
	Reason   string
	NumTurns int
	Duration time.Duration
}

// PreCompactInput describes an imminent context compaction.
type PreCompactInput struct {
	Trigger      string
	TokensBefore int64
}

// Mediator observes and gates an agent's tool calls and lifecycle.
type Mediator interface {
	PreToolUse(ctx context.Context, in PreToolInput) Decision
	PostToolUse(ctx context.Context, in PostToolInput)
	UserPromptSubmit(ctx context.Context, prompt string)
	Stop(ctx context.Context, in StopInput)
	SubagentStop(ctx context.Context, subagentID string)
	PreCompact(ctx context.Context, in PreCompactInput)
}

// ForkMediator is the Mediator for a single fork. It writes only to its own
// sink and never mutates its policy.
type ForkMediator struct {
	sink       *logs.Sink
	policy     *pathpolicy.Policy
	restricted map[string]bool
}

// NewForkMediator returns a mediator logging to sink and confining
// restrictedTools to policy.
func NewForkMediator(sink *logs.Sink, policy *pathpolicy.Policy, restrictedTools []string) *ForkMediator {
	restricted := make(map[string]bool, len(restrictedTools))
	for _, t := range restrictedTools {
		restricted[t] = true
	}
	return &ForkMediator{
		sink:       sink,
		policy:     policy,
		restricted: restricted,
	}
}

// PreToolUse logs the call and returns Deny when a path-restricted tool
// targets a path outside the allowed directories.
func (m *ForkMediator) PreToolUse(_ context.Context, in PreToolInput) Decision {
	m.sink.Info("[PreToolUse] "+in.ToolName,
		logs.F("tool_use_id", in.ToolUseID),
		logs.F("tool_input", compactInput(in.ToolInput)),
	)

	switch {
	case m.restricted[in.ToolName]:
		return m.checkPath(in)
	case in.ToolName == ShellTool:
		m.sink.Info("[Bash] Executing local command",
			logs.F("command", gjson.GetBytes(in.ToolInput, "command").String()))
	case strings.HasPrefix(in.ToolName, SandboxToolPrefix):
		m.sink.Info("[SandboxOp] "+in.ToolName,
			logs.F("sandbox_operation", strings.TrimPrefix(in.ToolName, SandboxToolPrefix)))
	}
	return Decision{Permission: Allow}
}

func (m *ForkMediator) checkPath(in PreToolInput) Decision {
	path := gjson.GetBytes(in.ToolInput, "file_path").String()
	if path == "" {
		m.sink.Warn(in.ToolName + " called without file_path")
		return Decision{Permission: Allow}
	}

	if dir, ok := m.policy.Check(path); ok {
		m.sink.Debug(fmt.Sprintf("[PathValidation] %s path OK (%s/): %s", in.ToolName, baseName(dir), path))
		return Decision{Permission: Allow}
	}

	names := strings.Join(m.policy.Names(), ", ")
	m.sink.Error(
		fmt.Sprintf("[PathValidation] BLOCKED %s - path outside allowed directories: %s", in.ToolName, path),
		logs.F("reason", "Path must be within "+names),
	)
	return Decision{
		Permission: Deny,
		Reason: fmt.Sprintf(
			"Path '%s' is outside the allowed directories (%s). All local file operations must be within these directories. Use MCP sandbox tools (%s*) for sandbox operations.",
			path, names, SandboxToolPrefix),
	}
}

// PostToolUse logs the tool outcome and, for file tools, the touched path.
func (m *ForkMediator) PostToolUse(_ context.Context, in PostToolInput) {
	if in.IsError {
		m.sink.Error("[PostToolUse] "+in.ToolName+" FAILED",
			logs.F("tool_use_id", in.ToolUseID),
			logs.F("error", in.Result),
		)
	} else {
		result := in.Result
		if result == "" {
			result = noResult
		}
		m.sink.Info("[PostToolUse] "+in.ToolName+" completed",
			logs.F("tool_use_id", in.ToolUseID),
			logs.F("result", result),
		)
	}

	path := gjson.GetBytes(in.ToolInput, "file_path").String()
	if path == "" {
		return
	}
	switch in.ToolName {
	case "Write", "Edit":
		m.sink.Debug("[FileTracking] Modified: " + path)
	case "Read":
		m.sink.Debug("[FileTracking] Read: " + path)
	}
}

func (m *ForkMediator) UserPromptSubmit(_ context.Context, prompt string) {
	m.sink.Info("[UserPromptSubmit] Agent received prompt",
		logs.F("prompt_length", len(prompt)),
		logs.F("prompt", prompt),
	)
}

func (m *ForkMediator) Stop(_ context.Context, in StopInput) {
	reason := in.Reason
	if reason == "" {
		reason = "unknown"
	}
	m.sink.Info("[Stop] Agent session ended",
		logs.F("reason", reason),
		logs.F("num_turns", in.NumTurns),
		logs.F("duration_seconds", in.Duration.Seconds()),
	)
}

func (m *ForkMediator) SubagentStop(_ context.Context, subagentID string) {
	if subagentID == "" {
		subagentID = "unknown"
	}
	m.sink.Info("[SubagentStop] Subagent completed", logs.F("subagent_id", subagentID))
}

func (m *ForkMediator) PreCompact(_ context.Context, in PreCompactInput) {
	fields := []logs.Field{logs.F("tokens_before", in.TokensBefore)}
	if in.Trigger != "" {
		fields = append(fields, logs.F("trigger", in.Trigger))
	}
	fields = append(fields, logs.F("message", "Agent is compacting conversation history to fit context window"))
	m.sink.Warn("[PreCompact] Context compaction triggered", fields...)
}

func compactInput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return gjson.ParseBytes(raw).Raw
}

func baseName(dir string) string {
	return filepath.Base(filepath.Clean(dir))
}
