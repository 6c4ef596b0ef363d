package agent

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/obox/internal/agentrt"
	"github.com/joescharf/obox/internal/agentrt/agentrttest"
	"github.com/joescharf/obox/internal/config"
	"github.com/joescharf/obox/internal/hooks"
	"github.com/joescharf/obox/internal/logs"
	"github.com/joescharf/obox/internal/models"
)

func newSink(t *testing.T) *logs.Sink {
	t.Helper()
	s, err := logs.OpenSink(filepath.Join(t.TempDir(), "fork-1.log"), logs.Banner{Title: "FORK #1", FooterTitle: "FORK #1 COMPLETED"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func readLog(t *testing.T, s *logs.Sink) string {
	t.Helper()
	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	return string(data)
}

func testConfig(t *testing.T) *config.RunConfig {
	t.Helper()
	wd := t.TempDir()
	return &config.RunConfig{
		RepoURL:             "https://github.com/acme/widgets",
		Branch:              "feature",
		PromptText:          "Add a README",
		ForkCount:           1,
		Model:               "sonnet",
		ModelID:             "claude-sonnet-4-5",
		AllowedTools:        config.DefaultAllowedTools(),
		DisallowedTools:     config.DefaultDisallowedTools,
		PathRestrictedTools: config.DefaultPathRestrictedTools,
		AllowedDirectories:  []string{filepath.Join(wd, "temp"), filepath.Join(wd, "specs")},
		WorkingDirectory:    wd,
		Env:                 map[string]string{"GITHUB_TOKEN": "ghp_test"},
	}
}

func testFork() models.ForkContext {
	return models.ForkContext{
		Index:    1,
		Branch:   "feature",
		RepoURL:  "https://github.com/acme/widgets",
		Prompt:   "Add a README",
		Model:    "sonnet",
		MaxTurns: 10,
	}
}

func script(msgs ...agentrt.Message) agentrttest.ScriptFunc {
	return func(context.Context, agentrt.Options, string) ([]agentrt.Message, error) {
		return msgs, nil
	}
}

func TestRun_Success(t *testing.T) {
	sink := newSink(t)
	rt := &agentrttest.Runtime{Script: agentrttest.Success("hello there", 0.05, 1200, 300)}
	a := New(testFork(), testConfig(t), rt, sink)
	assert.Equal(t, StateCreated, a.State())

	res := a.Run(context.Background())

	assert.Equal(t, StateCompleted, a.State())
	assert.Equal(t, models.ForkStatusSuccess, res.Status)
	assert.Empty(t, res.Error)
	assert.Equal(t, 1, res.ForkIndex)
	assert.Equal(t, "feature", res.Branch)
	assert.InDelta(t, 0.05, res.CostUSD, 1e-9)
	assert.Equal(t, int64(1200), res.InputTokens)
	assert.Equal(t, int64(300), res.OutputTokens)
	assert.Equal(t, 1, res.NumTurns)
	assert.Equal(t, sink.Path(), res.LogPath)

	sessions := rt.Sessions()
	require.Len(t, sessions, 1)
	sess := sessions[0]
	assert.Equal(t, "Add a README", sess.Prompt())
	assert.Equal(t, 1, sess.Closes())
	assert.Equal(t, "claude-sonnet-4-5", sess.Opts.Model)
	assert.Equal(t, 10, sess.Opts.MaxTurns)
	assert.Equal(t, PermissionMode, sess.Opts.PermissionMode)
	assert.Equal(t, sink.Path(), sess.Opts.LogPath)
	assert.Equal(t, "ghp_test", sess.Opts.Env["GITHUB_TOKEN"])
	assert.NotNil(t, sess.Opts.Mediator)
	assert.Equal(t, a.SystemPrompt(), sess.Opts.SystemPrompt)

	log := readLog(t, sink)
	for _, want := range []string{
		"=== Starting agent execution ===",
		"Repository: https://github.com/acme/widgets",
		"Branch: feature",
		"Model: sonnet",
		"Max Turns: 10",
		"=== User Prompt ===",
		"=== System Prompt ===",
		"Connected to agent runtime",
		"Query submitted to agent",
		"[System] Message received | subtype=init",
		"[Agent] TextBlock | content=hello there",
		"[Result] Agent completed turn | is_error=false | num_turns=1",
		"Agent execution completed | is_error=false | status=success | input_tokens=1200 | output_tokens=300 | cost=$0.0500",
		"Disconnected from agent runtime",
	} {
		assert.Contains(t, log, want)
	}
}

func TestRun_ModelFallsBackToAlias(t *testing.T) {
	cfg := testConfig(t)
	cfg.ModelID = ""
	rt := &agentrttest.Runtime{Script: agentrttest.Success("ok", 0, 0, 0)}
	New(testFork(), cfg, rt, newSink(t)).Run(context.Background())
	assert.Equal(t, "sonnet", rt.Sessions()[0].Opts.Model)
}

func TestRun_ErrorResult(t *testing.T) {
	sink := newSink(t)
	rt := &agentrttest.Runtime{Script: script(
		&agentrt.ResultMessage{Subtype: "error_max_turns", IsError: true, NumTurns: 10},
	)}
	a := New(testFork(), testConfig(t), rt, sink)
	res := a.Run(context.Background())

	assert.Equal(t, models.ForkStatusError, res.Status)
	assert.Equal(t, "agent reported an error: error_max_turns", res.Error)
	assert.Equal(t, StateCompleted, a.State())
	assert.Contains(t, readLog(t, sink), "status=error")
}

func TestRun_NoResultLeavesStatusUnknown(t *testing.T) {
	sink := newSink(t)
	rt := &agentrttest.Runtime{Script: script(
		&agentrt.AssistantMessage{Blocks: []agentrt.Block{&agentrt.TextBlock{Text: "partial"}}},
	)}
	res := New(testFork(), testConfig(t), rt, sink).Run(context.Background())

	assert.Equal(t, models.ForkStatusUnknown, res.Status)
	assert.False(t, res.Succeeded())
	assert.Contains(t, readLog(t, sink), "Session ended without a result message")
}

func TestRun_ConnectFailure(t *testing.T) {
	sink := newSink(t)
	rt := &agentrttest.Runtime{ConnectErr: errors.New("no credentials")}
	a := New(testFork(), testConfig(t), rt, sink)
	res := a.Run(context.Background())

	assert.Equal(t, StateFailed, a.State())
	assert.Equal(t, models.ForkStatusError, res.Status)
	assert.Equal(t, "connect: no credentials", res.Error)
	assert.Empty(t, rt.Sessions())
	assert.Contains(t, readLog(t, sink), "[ERROR  ]")
}

func TestRun_StreamErrorClosesSession(t *testing.T) {
	sink := newSink(t)
	rt := &agentrttest.Runtime{Script: func(context.Context, agentrt.Options, string) ([]agentrt.Message, error) {
		return []agentrt.Message{&agentrt.SystemMessage{Subtype: "init"}}, errors.New("stream reset")
	}}
	a := New(testFork(), testConfig(t), rt, sink)
	res := a.Run(context.Background())

	assert.Equal(t, StateFailed, a.State())
	assert.Equal(t, "receive message: stream reset", res.Error)
	assert.Equal(t, 1, rt.Sessions()[0].Closes())
}

func TestRun_QueryFailure(t *testing.T) {
	rt := &agentrttest.Runtime{QueryErr: errors.New("broken pipe")}
	a := New(testFork(), testConfig(t), rt, newSink(t))
	res := a.Run(context.Background())

	assert.Equal(t, "submit query: broken pipe", res.Error)
	assert.Equal(t, 1, rt.Sessions()[0].Closes())
}

func TestRun_PanicIsRecovered(t *testing.T) {
	sink := newSink(t)
	rt := &agentrttest.Runtime{Script: func(context.Context, agentrt.Options, string) ([]agentrt.Message, error) {
		panic("kaboom")
	}}
	a := New(testFork(), testConfig(t), rt, sink)

	var res models.RunResult
	require.NotPanics(t, func() { res = a.Run(context.Background()) })
	assert.Equal(t, StateFailed, a.State())
	assert.Equal(t, models.ForkStatusError, res.Status)
	assert.Equal(t, "agent panic: kaboom", res.Error)
	assert.Equal(t, 1, rt.Sessions()[0].Closes())
	assert.Contains(t, readLog(t, sink), "Recovered from panic")
}

func TestRun_CloseErrorIsSwallowed(t *testing.T) {
	sink := newSink(t)
	rt := &agentrttest.Runtime{
		Script:   agentrttest.Success("done", 0.01, 1, 1),
		CloseErr: errors.New("already gone"),
	}
	res := New(testFork(), testConfig(t), rt, sink).Run(context.Background())

	assert.Equal(t, models.ForkStatusSuccess, res.Status)
	assert.Contains(t, readLog(t, sink), "Error during disconnect | error=already gone")
}

func TestRun_UsageCostFallback(t *testing.T) {
	zero := 0.0
	rt := &agentrttest.Runtime{Script: script(&agentrt.ResultMessage{
		Subtype:      "success",
		TotalCostUSD: &zero,
		Usage:        agentrt.StatsUsage(agentrt.UsageStats{InputTokens: 7, OutputTokens: 3, TotalCostUSD: 0.12}),
	})}
	res := New(testFork(), testConfig(t), rt, newSink(t)).Run(context.Background())

	assert.InDelta(t, 0.12, res.CostUSD, 1e-9)
	assert.Equal(t, int64(7), res.InputTokens)
	assert.Equal(t, int64(3), res.OutputTokens)
}

func TestRun_LogsConversationBlocks(t *testing.T) {
	sink := newSink(t)
	rt := &agentrttest.Runtime{Script: script(
		&agentrt.UserMessage{Text: "kick off"},
		&agentrt.AssistantMessage{Blocks: []agentrt.Block{
			&agentrt.ThinkingBlock{Thinking: "planning"},
			&agentrt.ToolUseBlock{ID: "t1", Name: "Bash", Input: json.RawMessage(`{"command":"ls"}`)},
		}},
		&agentrt.UserMessage{Blocks: []agentrt.Block{
			&agentrt.ToolResultBlock{ToolUseID: "t1", Content: "README.md"},
			&agentrt.ToolResultBlock{ToolUseID: "t2", Content: "denied", IsError: true},
			&agentrt.ToolResultBlock{ToolUseID: "t3"},
		}},
	)}
	New(testFork(), testConfig(t), rt, sink).Run(context.Background())

	log := readLog(t, sink)
	assert.Contains(t, log, "[Agent] User | content=kick off")
	assert.Contains(t, log, "[Agent] ThinkingBlock | content=planning")
	assert.Contains(t, log, `[Agent] ToolUseBlock | content=Bash({"command":"ls"})`)
	assert.Contains(t, log, "[Agent] User.ToolResultBlock | content=tool_use_id=t1 | README.md")
	assert.Contains(t, log, "[Agent] User.ToolResultBlock | content=tool_use_id=t2 | ERROR: denied")
	assert.Contains(t, log, "[Agent] User.ToolResultBlock | content=tool_use_id=t3 | No output")
}

func TestRun_MediatorEnforcesAllowedDirectories(t *testing.T) {
	sink := newSink(t)
	cfg := testConfig(t)
	var decisions []hooks.Decision
	rt := &agentrttest.Runtime{Script: func(ctx context.Context, opts agentrt.Options, _ string) ([]agentrt.Message, error) {
		for _, p := range []string{
			filepath.Join(cfg.WorkingDirectory, "temp", "notes.md"),
			filepath.Join(cfg.WorkingDirectory, "..", "escape.md"),
		} {
			input, _ := json.Marshal(map[string]string{"file_path": p})
			decisions = append(decisions, opts.Mediator.PreToolUse(ctx, hooks.PreToolInput{ToolName: "Write", ToolInput: input}))
		}
		return nil, nil
	}}
	New(testFork(), cfg, rt, sink).Run(context.Background())

	require.Len(t, decisions, 2)
	assert.False(t, decisions[0].Denied())
	assert.True(t, decisions[1].Denied())
	assert.Contains(t, readLog(t, sink), "BLOCKED")
}

func TestNew_SystemPrompt(t *testing.T) {
	t.Run("default template", func(t *testing.T) {
		a := New(testFork(), testConfig(t), &agentrttest.Runtime{}, newSink(t))
		p := a.SystemPrompt()
		assert.Contains(t, p, "fork #1")
		assert.Contains(t, p, "https://github.com/acme/widgets")
		assert.Contains(t, p, "`feature`")
		assert.Contains(t, p, "- `temp/`\n- `specs/`")
		assert.Contains(t, p, "GITHUB_TOKEN")
	})

	t.Run("custom template", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.SystemPromptPath = filepath.Join(t.TempDir(), "prompt.md")
		require.NoError(t, os.WriteFile(cfg.SystemPromptPath, []byte("Fork {{.ForkNumber}} on {{.Branch}}\n{{.AllowedDirectories}}"), 0644))
		a := New(testFork(), cfg, &agentrttest.Runtime{}, newSink(t))
		assert.Equal(t, "Fork 1 on feature\n- `temp/`\n- `specs/`", a.SystemPrompt())
	})

	t.Run("missing file falls back", func(t *testing.T) {
		sink := newSink(t)
		cfg := testConfig(t)
		cfg.SystemPromptPath = filepath.Join(t.TempDir(), "missing.md")
		a := New(testFork(), cfg, &agentrttest.Runtime{}, sink)
		assert.Equal(t, config.FallbackPrompt, a.SystemPrompt())
		assert.Contains(t, readLog(t, sink), "read system prompt")
	})

	t.Run("bad field falls back", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.SystemPromptPath = filepath.Join(t.TempDir(), "prompt.md")
		require.NoError(t, os.WriteFile(cfg.SystemPromptPath, []byte("{{.Nope}}"), 0644))
		a := New(testFork(), cfg, &agentrttest.Runtime{}, newSink(t))
		assert.Equal(t, config.FallbackPrompt, a.SystemPrompt())
	})
}

func TestFormatDirectories(t *testing.T) {
	assert.Equal(t, "- `temp/`\n- `ai_docs/`", FormatDirectories([]string{"temp", "ai_docs"}))
	assert.Empty(t, FormatDirectories(nil))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestRun_LostLogFailsTheFork(t *testing.T) {
	if _, err := os.Stat("/dev/full"); err != nil {
		t.Skip("/dev/full not available")
	}
	sink, err := logs.AttachSink("/dev/full")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	rt := &agentrttest.Runtime{Script: agentrttest.Success("done", 0.01, 10, 5)}
	a := New(testFork(), testConfig(t), rt, sink)
	res := a.Run(context.Background())

	assert.Equal(t, models.ForkStatusError, res.Status)
	assert.Contains(t, res.Error, "fork log lost: write log line")
	assert.InDelta(t, 0.01, res.CostUSD, 1e-9)
	assert.Equal(t, StateFailed, a.State())
}
