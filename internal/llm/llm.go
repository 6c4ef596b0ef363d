// Package llm is an agent runtime that drives the Anthropic Messages API
// directly: it runs the tool-use loop itself, executing tools through a
// tools.Registry and routing every call through the session's mediator.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/oklog/ulid/v2"

	"github.com/joescharf/obox/internal/agentrt"
	"github.com/joescharf/obox/internal/hooks"
	"github.com/joescharf/obox/internal/tools"
)

const (
	DefaultMaxTokens = 8192

	subtypeSuccess  = "success"
	subtypeMaxTurns = "error_max_turns"
)

// Price is the per-million-token price of a model in USD.
type Price struct {
	Input  float64
	Output float64
}

// Cost returns the USD cost of the given usage.
func (p Price) Cost(u agentrt.UsageStats) float64 {
	in := float64(u.InputTokens) +
		1.25*float64(u.CacheCreationInputTokens) +
		0.1*float64(u.CacheReadInputTokens)
	return (in*p.Input + float64(u.OutputTokens)*p.Output) / 1e6
}

// messagesAPI is the subset of the Messages service the runtime uses.
type messagesAPI interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Runtime implements agentrt.Runtime over the Messages API.
type Runtime struct {
	api       messagesAPI
	registry  *tools.Registry
	maxTokens int64
	pricing   map[string]Price
}

// NewRuntime creates a runtime with the given API key. pricing is keyed by
// model ID; unpriced models report zero cost.
func NewRuntime(apiKey string, registry *tools.Registry, maxTokens int64, pricing map[string]Price) *Runtime {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return newRuntime(&client.Messages, registry, maxTokens, pricing)
}

func newRuntime(api messagesAPI, registry *tools.Registry, maxTokens int64, pricing map[string]Price) *Runtime {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Runtime{
		api:       api,
		registry:  registry,
		maxTokens: maxTokens,
		pricing:   pricing,
	}
}

// Connect validates the options and returns an idle session.
func (r *Runtime) Connect(_ context.Context, opts agentrt.Options) (agentrt.Session, error) {
	if opts.Model == "" {
		return nil, errors.New("connect: model is required")
	}
	if opts.MaxTurns <= 0 {
		return nil, fmt.Errorf("connect: max turns must be positive, got %d", opts.MaxTurns)
	}
	return &session{
		rt:     r,
		opts:   opts,
		id:     strings.ToLower(ulid.Make().String()),
		events: make(chan agentrt.Message),
		done:   make(chan struct{}),
	}, nil
}

type session struct {
	rt   *Runtime
	opts agentrt.Options
	id   string

	once   sync.Once
	cancel context.CancelFunc
	events chan agentrt.Message
	done   chan struct{}
	err    error
}

// Query starts the conversation loop in the background. Events are pulled
// with Next.
func (s *session) Query(ctx context.Context, prompt string) error {
	started := false
	s.once.Do(func() {
		started = true
		ctx, s.cancel = context.WithCancel(ctx)
		go s.run(ctx, prompt)
	})
	if !started {
		return errors.New("query: session already started")
	}
	return nil
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

func (s *session) emit(ctx context.Context, msg agentrt.Message) error {
	select {
	case s.events <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) run(ctx context.Context, prompt string) {
	defer close(s.done)
	defer close(s.events)
	defer func() {
		if r := recover(); r != nil {
			s.err = fmt.Errorf("agent loop panic: %v", r)
		}
	}()
	s.err = s.loop(ctx, prompt)
}

func (s *session) loop(ctx context.Context, prompt string) error {
	start := time.Now()
	med := s.opts.Mediator
	if med != nil {
		med.UserPromptSubmit(ctx, prompt)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.opts.Model),
		MaxTokens: s.rt.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		Tools: toolParams(s.rt.registry.Tools(s.opts.AllowedTools, s.opts.DisallowedTools)),
	}
	if s.opts.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: s.opts.SystemPrompt}}
	}

	if err := s.emit(ctx, &agentrt.SystemMessage{Subtype: "init"}); err != nil {
		return err
	}

	var usage agentrt.UsageStats
	var final string
	turns := 0
	subtype := subtypeSuccess
	for {
		if turns >= s.opts.MaxTurns {
			subtype = subtypeMaxTurns
			break
		}
		turns++

		msg, err := s.rt.api.New(ctx, params)
		if err != nil {
			return fmt.Errorf("anthropic API call: %w", err)
		}
		usage.InputTokens += msg.Usage.InputTokens
		usage.OutputTokens += msg.Usage.OutputTokens
		usage.CacheCreationInputTokens += msg.Usage.CacheCreationInputTokens
		usage.CacheReadInputTokens += msg.Usage.CacheReadInputTokens

		blocks, uses := convertContent(msg.Content)
		if err := s.emit(ctx, &agentrt.AssistantMessage{Model: string(msg.Model), Blocks: blocks}); err != nil {
			return err
		}
		params.Messages = append(params.Messages, msg.ToParam())
		if text := lastText(blocks); text != "" {
			final = text
		}

		if msg.StopReason != anthropic.StopReasonToolUse || len(uses) == 0 {
			break
		}

		results := make([]anthropic.ContentBlockParamUnion, 0, len(uses))
		echoed := make([]agentrt.Block, 0, len(uses))
		for _, use := range uses {
			res := s.callTool(ctx, use)
			results = append(results, anthropic.NewToolResultBlock(use.ID, res.Content, res.IsError))
			echoed = append(echoed, &agentrt.ToolResultBlock{ToolUseID: use.ID, Content: res.Content, IsError: res.IsError})
		}
		params.Messages = append(params.Messages, anthropic.NewUserMessage(results...))
		if err := s.emit(ctx, &agentrt.UserMessage{Blocks: echoed}); err != nil {
			return err
		}
	}

	duration := time.Since(start)
	if med != nil {
		med.Stop(ctx, hooks.StopInput{Reason: subtype, NumTurns: turns, Duration: duration})
	}

	usage.TotalCostUSD = s.rt.pricing[s.opts.Model].Cost(usage)
	cost := usage.TotalCostUSD
	return s.emit(ctx, &agentrt.ResultMessage{
		Subtype:      subtype,
		IsError:      subtype != subtypeSuccess,
		NumTurns:     turns,
		DurationMS:   duration.Milliseconds(),
		SessionID:    s.id,
		Result:       final,
		TotalCostUSD: &cost,
		Usage:        agentrt.StatsUsage(usage),
	})
}

// callTool mediates and executes one tool call. A denied call is answered
// with an error result and never reaches the registry.
func (s *session) callTool(ctx context.Context, use *agentrt.ToolUseBlock) tools.Result {
	input := s.rt.registry.Normalize(use.Name, use.Input)
	med := s.opts.Mediator
	if med != nil {
		d := med.PreToolUse(ctx, hooks.PreToolInput{ToolName: use.Name, ToolUseID: use.ID, ToolInput: input})
		if d.Denied() {
			res := tools.Result{Content: d.Reason, IsError: true}
			med.PostToolUse(ctx, hooks.PostToolInput{
				ToolName: use.Name, ToolUseID: use.ID, ToolInput: input,
				Result: res.Content, IsError: true,
			})
			return res
		}
	}

	res := s.rt.registry.Call(ctx, use.Name, input)
	if med != nil {
		med.PostToolUse(ctx, hooks.PostToolInput{
			ToolName: use.Name, ToolUseID: use.ID, ToolInput: input,
			Result: res.Content, IsError: res.IsError,
		})
	}
	return res
}

func convertContent(content []anthropic.ContentBlockUnion) ([]agentrt.Block, []*agentrt.ToolUseBlock) {
	var blocks []agentrt.Block
	var uses []*agentrt.ToolUseBlock
	for _, c := range content {
		switch c.Type {
		case "text":
			blocks = append(blocks, &agentrt.TextBlock{Text: c.Text})
		case "thinking":
			blocks = append(blocks, &agentrt.ThinkingBlock{Thinking: c.Thinking})
		case "tool_use":
			use := &agentrt.ToolUseBlock{ID: c.ID, Name: c.Name, Input: c.Input}
			blocks = append(blocks, use)
			uses = append(uses, use)
		}
	}
	return blocks, uses
}

func lastText(blocks []agentrt.Block) string {
	for i := len(blocks) - 1; i >= 0; i-- {
		if tb, ok := blocks[i].(*agentrt.TextBlock); ok {
			return tb.Text
		}
	}
	return ""
}

// toolParams converts mcp-go tool definitions into Messages API tools.
func toolParams(defs []mcp.Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		props := d.InputSchema.Properties
		if props == nil {
			props = map[string]any{}
		}
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        d.Name,
				Description: anthropic.String(d.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: props,
					Required:   d.InputSchema.Required,
				},
			},
		})
	}
	return out
}
