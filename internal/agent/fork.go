package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/joescharf/obox/internal/agentrt"
	"github.com/joescharf/obox/internal/config"
	"github.com/joescharf/obox/internal/hooks"
	"github.com/joescharf/obox/internal/logs"
	"github.com/joescharf/obox/internal/models"
	"github.com/joescharf/obox/internal/pathpolicy"
)

// State is the lifecycle position of a ForkAgent.
type State int

const (
	StateCreated State = iota
	StateConnected
	StateRunning
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnected:
		return "connected"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// PermissionMode is passed to every runtime session.
const PermissionMode = "acceptEdits"

// ForkAgent drives one agent session for one fork and turns it into exactly
// one RunResult. It logs only to its own sink.
type ForkAgent struct {
	fc       models.ForkContext
	cfg      *config.RunConfig
	rt       agentrt.Runtime
	sink     *logs.Sink
	mediator hooks.Mediator
	system   string

	mu    sync.Mutex
	state State
}

// New prepares an agent for fc. The system prompt is rendered here; if that
// fails the error is logged and a generic prompt is used instead.
func New(fc models.ForkContext, cfg *config.RunConfig, rt agentrt.Runtime, sink *logs.Sink) *ForkAgent {
	policy := pathpolicy.New(cfg.AllowedDirectories)
	a := &ForkAgent{
		fc:       fc,
		cfg:      cfg,
		rt:       rt,
		sink:     sink,
		mediator: hooks.NewForkMediator(sink, policy, cfg.PathRestrictedTools),
		state:    StateCreated,
	}

	system, err := LoadSystemPrompt(cfg.SystemPromptPath, PromptData{
		RepoURL:            fc.RepoURL,
		Branch:             fc.Branch,
		ForkNumber:         fc.Index,
		GitHubToken:        cfg.Env["GITHUB_TOKEN"],
		AllowedDirectories: FormatDirectories(policy.Names()),
	})
	if err != nil {
		sink.LogError(err)
		system = config.FallbackPrompt
	}
	a.system = system
	return a
}

// State returns the current lifecycle state.
func (a *ForkAgent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SystemPrompt returns the rendered system prompt.
func (a *ForkAgent) SystemPrompt() string {
	return a.system
}

func (a *ForkAgent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Run executes the session to completion. It never panics and never returns
// an error: every failure is recorded in the result and in the fork log.
func (a *ForkAgent) Run(ctx context.Context) models.RunResult {
	start := time.Now()
	res := models.RunResult{
		ForkIndex: a.fc.Index,
		Branch:    a.fc.Branch,
		Status:    models.ForkStatusUnknown,
		LogPath:   a.sink.Path(),
	}

	if err := a.execute(ctx, &res); err != nil {
		a.sink.LogError(err)
		res.Status = models.ForkStatusError
		res.Error = err.Error()
		a.setState(StateFailed)
	} else {
		a.setState(StateCompleted)
	}

	if err := a.sink.Err(); err != nil && res.Status != models.ForkStatusError {
		res.Status = models.ForkStatusError
		res.Error = "fork log lost: " + err.Error()
		a.setState(StateFailed)
	}

	res.Duration = time.Since(start)
	return res
}

func (a *ForkAgent) execute(ctx context.Context, res *models.RunResult) (err error) {
	var sess agentrt.Session
	defer func() {
		if r := recover(); r != nil {
			a.sink.Error("Recovered from panic", logs.F("stack", string(debug.Stack())))
			err = fmt.Errorf("agent panic: %v", r)
		}
		if sess == nil {
			return
		}
		if cerr := sess.Close(); cerr != nil {
			a.sink.Warn("Error during disconnect", logs.F("error", cerr))
			return
		}
		a.sink.Info("Disconnected from agent runtime")
	}()

	a.logPreamble()

	model := a.cfg.ModelID
	if model == "" {
		model = a.fc.Model
	}
	sess, err = a.rt.Connect(ctx, agentrt.Options{
		SystemPrompt:    a.system,
		Model:           model,
		MaxTurns:        a.fc.MaxTurns,
		AllowedTools:    a.cfg.AllowedTools,
		DisallowedTools: a.cfg.DisallowedTools,
		Mediator:        a.mediator,
		LogPath:         a.sink.Path(),
		WorkingDir:      a.cfg.WorkingDirectory,
		Env:             a.cfg.Env,
		MCPConfigPath:   a.cfg.MCPConfigPath,
		PermissionMode:  PermissionMode,
	})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	a.setState(StateConnected)
	a.sink.Info("Connected to agent runtime")

	if err := sess.Query(ctx, a.fc.Prompt); err != nil {
		return fmt.Errorf("submit query: %w", err)
	}
	a.setState(StateRunning)
	a.sink.Info("Query submitted to agent")

	for {
		msg, err := sess.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("receive message: %w", err)
		}
		a.logMessage(msg)
		if rm, ok := msg.(*agentrt.ResultMessage); ok {
			a.applyResult(res, rm)
			break
		}
	}

	if res.Status == models.ForkStatusUnknown {
		a.sink.Warn("Session ended without a result message")
	}
	return nil
}

func (a *ForkAgent) logPreamble() {
	model := a.fc.Model
	if model == "" {
		model = "default (" + config.DefaultModel + ")"
	}
	a.sink.Info("=== Starting agent execution ===")
	a.sink.Info("Repository: " + a.fc.RepoURL)
	a.sink.Info("Branch: " + a.fc.Branch)
	a.sink.Info("Model: " + model)
	a.sink.Info(fmt.Sprintf("Max Turns: %d", a.fc.MaxTurns))
	a.sink.Info("=== User Prompt ===")
	a.sink.Info(a.fc.Prompt)
	a.sink.Info("=== System Prompt ===")
	a.sink.Info(a.system)
}

func (a *ForkAgent) applyResult(res *models.RunResult, rm *agentrt.ResultMessage) {
	acct := agentrt.Account(rm)
	res.CostUSD = acct.CostUSD
	res.InputTokens = acct.InputTokens
	res.OutputTokens = acct.OutputTokens
	res.NumTurns = rm.NumTurns

	if rm.IsError {
		res.Status = models.ForkStatusError
		res.Error = rm.Result
		if res.Error == "" {
			res.Error = "agent reported an error: " + rm.Subtype
		}
	} else {
		res.Status = models.ForkStatusSuccess
	}

	a.sink.Info("Agent execution completed",
		logs.F("is_error", rm.IsError),
		logs.F("status", res.Status),
		logs.F("input_tokens", res.InputTokens),
		logs.F("output_tokens", res.OutputTokens),
		logs.F("cost", fmt.Sprintf("$%.4f", res.CostUSD)),
	)
}

// logMessage writes one runtime event to the fork log.
func (a *ForkAgent) logMessage(msg agentrt.Message) {
	switch m := msg.(type) {
	case *agentrt.UserMessage:
		if len(m.Blocks) == 0 {
			a.sink.AgentMessage("User", m.Text)
			return
		}
		for _, b := range m.Blocks {
			a.logBlock("User.", b)
		}
	case *agentrt.AssistantMessage:
		for _, b := range m.Blocks {
			a.logBlock("", b)
		}
	case *agentrt.SystemMessage:
		a.sink.Info("[System] Message received", logs.F("subtype", m.Subtype))
	case *agentrt.ResultMessage:
		a.sink.Info("[Result] Agent completed turn",
			logs.F("is_error", m.IsError),
			logs.F("num_turns", m.NumTurns),
		)
	default:
		a.sink.Debug(fmt.Sprintf("Unhandled message type %T", msg))
	}
}

func (a *ForkAgent) logBlock(prefix string, b agentrt.Block) {
	switch blk := b.(type) {
	case *agentrt.TextBlock:
		a.sink.AgentMessage(prefix+"TextBlock", blk.Text)
	case *agentrt.ThinkingBlock:
		a.sink.AgentMessage(prefix+"ThinkingBlock", blk.Thinking)
	case *agentrt.ToolUseBlock:
		a.sink.AgentMessage(prefix+"ToolUseBlock", fmt.Sprintf("%s(%s)", blk.Name, compact(blk.Input)))
	case *agentrt.ToolResultBlock:
		a.sink.AgentMessage(prefix+"ToolResultBlock", toolResultText(blk))
	default:
		a.sink.Debug(fmt.Sprintf("Unhandled block type %T", b))
	}
}

func toolResultText(b *agentrt.ToolResultBlock) string {
	content := b.Content
	if strings.TrimSpace(content) == "" {
		content = "No output"
	}
	if b.IsError {
		return "tool_use_id=" + b.ToolUseID + " | ERROR: " + content
	}
	return "tool_use_id=" + b.ToolUseID + " | " + content
}

func compact(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return strings.TrimSpace(string(raw))
}
