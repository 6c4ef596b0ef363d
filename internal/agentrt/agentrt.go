// Package agentrt defines the boundary to an external agent runtime: session
// configuration, the typed event stream a session produces, and usage
// accounting on the terminal result event.
package agentrt

import (
	"context"
	"encoding/json"

	"github.com/joescharf/obox/internal/hooks"
)

// Options configures one agent session.
type Options struct {
	SystemPrompt    string
	Model           string
	MaxTurns        int
	AllowedTools    []string
	DisallowedTools []string
	Mediator        hooks.Mediator
	// LogPath is the fork log the mediator writes to. Runtimes that run hooks
	// out of process attach to it.
	LogPath        string
	WorkingDir     string
	Env            map[string]string
	MCPConfigPath  string
	PermissionMode string
}

// Runtime opens agent sessions.
type Runtime interface {
	Connect(ctx context.Context, opts Options) (Session, error)
}

// Session is one conversation with the agent runtime. A session is used by a
// single goroutine.
type Session interface {
	// Query submits the prompt that starts the conversation.
	Query(ctx context.Context, prompt string) error
	// Next returns the next event, or io.EOF once the runtime signals the end
	// of the session.
	Next(ctx context.Context) (Message, error)
	Close() error
}

// Message is a closed set of event kinds: *UserMessage, *AssistantMessage,
// *SystemMessage and *ResultMessage.
type Message interface {
	isMessage()
}

// UserMessage echoes user-side turns. Plain prompts set Text; tool results
// fed back to the model arrive as Blocks.
type UserMessage struct {
	Text   string
	Blocks []Block
}

// AssistantMessage is a model turn.
type AssistantMessage struct {
	Model  string
	Blocks []Block
}

// SystemMessage carries runtime metadata such as session init.
type SystemMessage struct {
	Subtype string
	Data    json.RawMessage
}

// ResultMessage terminates a session.
type ResultMessage struct {
	Subtype    string
	IsError    bool
	NumTurns   int
	DurationMS int64
	SessionID  string
	Result     string
	// TotalCostUSD is nil when the runtime did not report a top-level cost.
	TotalCostUSD *float64
	Usage        Usage
}

func (*UserMessage) isMessage()      {}
func (*AssistantMessage) isMessage() {}
func (*SystemMessage) isMessage()    {}
func (*ResultMessage) isMessage()    {}

// Block is a closed set of content kinds: *TextBlock, *ThinkingBlock,
// *ToolUseBlock and *ToolResultBlock.
type Block interface {
	isBlock()
}

type TextBlock struct {
	Text string
}

type ThinkingBlock struct {
	Thinking string
}

type ToolUseBlock struct {
	ID    string
	Name  string
	Input json.RawMessage
}

type ToolResultBlock struct {
	ToolUseID string
	Content   string
	IsError   bool
}

func (*TextBlock) isBlock()       {}
func (*ThinkingBlock) isBlock()   {}
func (*ToolUseBlock) isBlock()    {}
func (*ToolResultBlock) isBlock() {}
