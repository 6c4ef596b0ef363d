// Package claudecli is an agent runtime backed by the claude command line
// tool in print mode. Events are read from its stream-json output; tool
// mediation runs out of process through command hooks that call back into
// this binary.
package claudecli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/joescharf/obox/internal/agentrt"
	"github.com/joescharf/obox/internal/hooks"
)

const maxLine = 16 * 1024 * 1024

// HookConfig tells the hook command how to mediate on the fork's behalf.
type HookConfig struct {
	// Self is the executable invoked as "<Self> hook <event>".
	Self               string
	AllowedDirectories []string
	RestrictedTools    []string
}

// Runtime implements agentrt.Runtime by spawning the claude binary.
type Runtime struct {
	bin   string
	hooks HookConfig
}

// NewRuntime returns a runtime running bin (looked up on PATH when not a
// path) with hooks calling back into hc.Self.
func NewRuntime(bin string, hc HookConfig) *Runtime {
	if bin == "" {
		bin = "claude"
	}
	return &Runtime{bin: bin, hooks: hc}
}

// Connect resolves the binary and prepares a session. The process starts
// on Query.
func (r *Runtime) Connect(_ context.Context, opts agentrt.Options) (agentrt.Session, error) {
	path, err := exec.LookPath(r.bin)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", r.bin, err)
	}
	settings, err := Settings(r.hooks, opts.LogPath)
	if err != nil {
		return nil, err
	}
	return &session{
		path:   path,
		args:   Args(opts, settings),
		opts:   opts,
		events: make(chan agentrt.Message),
		done:   make(chan struct{}),
	}, nil
}

// Args builds the claude command line for opts.
func Args(opts agentrt.Options, settings string) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprint(opts.MaxTurns))
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(opts.DisallowedTools, ","))
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if opts.MCPConfigPath != "" {
		args = append(args, "--mcp-config", opts.MCPConfigPath)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if settings != "" {
		args = append(args, "--settings", settings)
	}
	return args
}

// Settings returns the --settings JSON registering a command hook for every
// mediated event. Each hook appends to the fork log at logPath.
func Settings(hc HookConfig, logPath string) (string, error) {
	if hc.Self == "" || logPath == "" {
		return "", nil
	}
	type command struct {
		Type    string `json:"type"`
		Command string `json:"command"`
	}
	type matcher struct {
		Matcher string    `json:"matcher,omitempty"`
		Hooks   []command `json:"hooks"`
	}

	all := make(map[string][]matcher, len(hooks.Events))
	for _, event := range hooks.Events {
		parts := []string{hc.Self, "hook", event, "--log", logPath}
		for _, d := range hc.AllowedDirectories {
			parts = append(parts, "--allowed-dir", d)
		}
		if len(hc.RestrictedTools) > 0 {
			parts = append(parts, "--restricted", strings.Join(hc.RestrictedTools, ","))
		}
		m := matcher{Hooks: []command{{Type: "command", Command: shellJoin(parts)}}}
		if event == hooks.EventPreToolUse || event == hooks.EventPostToolUse {
			m.Matcher = "*"
		}
		all[event] = []matcher{m}
	}

	data, err := json.Marshal(map[string]any{"hooks": all})
	if err != nil {
		return "", fmt.Errorf("encode hook settings: %w", err)
	}
	return string(data), nil
}

func shellJoin(parts []string) string {
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

type session struct {
	path string
	args []string
	opts agentrt.Options

	once   sync.Once
	cancel context.CancelFunc
	events chan agentrt.Message
	done   chan struct{}
	err    error
}

func (s *session) Query(ctx context.Context, prompt string) error {
	var startErr error
	started := false
	s.once.Do(func() {
		started = true
		ctx, s.cancel = context.WithCancel(ctx)

		cmd := exec.CommandContext(ctx, s.path, s.args...)
		cmd.Dir = s.opts.WorkingDir
		cmd.Env = os.Environ()
		for k, v := range s.opts.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		cmd.Stdin = strings.NewReader(prompt)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			startErr = fmt.Errorf("stdout pipe: %w", err)
			return
		}
		if err := cmd.Start(); err != nil {
			startErr = fmt.Errorf("start %s: %w", s.path, err)
			return
		}
		go s.read(ctx, cmd, stdout, &stderr)
	})
	if !started {
		return errors.New("query: session already started")
	}
	if startErr != nil {
		close(s.events)
		close(s.done)
	}
	return startErr
}

func (s *session) Next(ctx context.Context) (agentrt.Message, error) {
	if s.cancel == nil {
		return nil, errors.New("next: no query submitted")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-s.events:
		if !ok {
			if s.err != nil {
				return nil, s.err
			}
			return nil, io.EOF
		}
		return msg, nil
	}
}

func (s *session) Close() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	return nil
}

func (s *session) read(ctx context.Context, cmd *exec.Cmd, stdout io.Reader, stderr *bytes.Buffer) {
	defer close(s.done)
	defer close(s.events)

	sawResult := false
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		msg := ParseLine(sc.Bytes())
		if msg == nil {
			continue
		}
		if _, ok := msg.(*agentrt.ResultMessage); ok {
			sawResult = true
		}
		select {
		case s.events <- msg:
		case <-ctx.Done():
			_ = cmd.Wait()
			s.err = ctx.Err()
			return
		}
	}
	scanErr := sc.Err()
	waitErr := cmd.Wait()

	switch {
	case scanErr != nil:
		s.err = fmt.Errorf("read stream: %w", scanErr)
	case waitErr != nil && !sawResult:
		s.err = fmt.Errorf("claude exited: %w: %s", waitErr, strings.TrimSpace(stderr.String()))
	case !sawResult:
		s.err = errors.New("claude exited without a result")
	}
}

// ParseLine converts one stream-json line into an event. Lines that are not
// JSON objects or have an unknown type yield nil.
func ParseLine(line []byte) agentrt.Message {
	if !gjson.ValidBytes(line) {
		return nil
	}
	root := gjson.ParseBytes(line)
	switch root.Get("type").Str {
	case "system":
		return &agentrt.SystemMessage{Subtype: root.Get("subtype").Str, Data: json.RawMessage(root.Raw)}
	case "assistant":
		msg := root.Get("message")
		return &agentrt.AssistantMessage{Model: msg.Get("model").Str, Blocks: parseBlocks(msg.Get("content"))}
	case "user":
		content := root.Get("message.content")
		if content.Type == gjson.String {
			return &agentrt.UserMessage{Text: content.Str}
		}
		return &agentrt.UserMessage{Blocks: parseBlocks(content)}
	case "result":
		res := &agentrt.ResultMessage{
			Subtype:    root.Get("subtype").Str,
			IsError:    root.Get("is_error").Bool(),
			NumTurns:   int(root.Get("num_turns").Int()),
			DurationMS: root.Get("duration_ms").Int(),
			SessionID:  root.Get("session_id").Str,
			Result:     root.Get("result").Str,
		}
		if c := root.Get("total_cost_usd"); c.Exists() && c.Type == gjson.Number {
			cost := c.Float()
			res.TotalCostUSD = &cost
		}
		if u, ok := root.Get("usage").Value().(map[string]any); ok {
			res.Usage = agentrt.MapUsage(u)
		}
		return res
	}
	return nil
}

func parseBlocks(content gjson.Result) []agentrt.Block {
	var blocks []agentrt.Block
	content.ForEach(func(_, b gjson.Result) bool {
		switch b.Get("type").Str {
		case "text":
			blocks = append(blocks, &agentrt.TextBlock{Text: b.Get("text").Str})
		case "thinking":
			blocks = append(blocks, &agentrt.ThinkingBlock{Thinking: b.Get("thinking").Str})
		case "tool_use":
			blocks = append(blocks, &agentrt.ToolUseBlock{
				ID:    b.Get("id").Str,
				Name:  b.Get("name").Str,
				Input: json.RawMessage(b.Get("input").Raw),
			})
		case "tool_result":
			blocks = append(blocks, &agentrt.ToolResultBlock{
				ToolUseID: b.Get("tool_use_id").Str,
				Content:   resultContent(b.Get("content")),
				IsError:   b.Get("is_error").Bool(),
			})
		}
		return true
	})
	return blocks
}

// resultContent flattens a tool_result content that is either a string or
// a list of text parts.
func resultContent(c gjson.Result) string {
	if c.Type == gjson.String {
		return c.Str
	}
	if !c.IsArray() {
		return c.Raw
	}
	var parts []string
	c.ForEach(func(_, p gjson.Result) bool {
		if t := p.Get("text"); t.Exists() {
			parts = append(parts, t.Str)
		}
		return true
	})
	return strings.Join(parts, "\n")
}
