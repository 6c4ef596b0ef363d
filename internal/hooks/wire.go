package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Hook event names as they appear in the agent CLI's hook payloads and
// settings file.
const (
	EventPreToolUse       = "PreToolUse"
	EventPostToolUse      = "PostToolUse"
	EventUserPromptSubmit = "UserPromptSubmit"
	EventStop             = "Stop"
	EventSubagentStop     = "SubagentStop"
	EventPreCompact       = "PreCompact"
)

// Events lists every hook event the mediator handles.
var Events = []string{
	EventPreToolUse,
	EventPostToolUse,
	EventUserPromptSubmit,
	EventStop,
	EventSubagentStop,
	EventPreCompact,
}

type hookOutput struct {
	HookSpecificOutput *hookSpecificOutput `json:"hookSpecificOutput,omitempty"`
}

type hookSpecificOutput struct {
	HookEventName            string `json:"hookEventName"`
	PermissionDecision       string `json:"permissionDecision"`
	PermissionDecisionReason string `json:"permissionDecisionReason,omitempty"`
}

// Dispatch decodes one hook payload read from the agent CLI, routes it to m
// and returns the JSON document to write back on stdout. When event is empty
// the payload's hook_event_name is used.
func Dispatch(ctx context.Context, m Mediator, event string, payload []byte) ([]byte, error) {
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("decode hook payload: invalid JSON")
	}
	in := gjson.ParseBytes(payload)
	if event == "" {
		event = in.Get("hook_event_name").String()
	}

	switch event {
	case EventPreToolUse:
		d := m.PreToolUse(ctx, PreToolInput{
			ToolName:  in.Get("tool_name").String(),
			ToolUseID: in.Get("tool_use_id").String(),
			ToolInput: rawOf(in.Get("tool_input")),
		})
		return EncodeDecision(d)
	case EventPostToolUse:
		resp := in.Get("tool_response")
		m.PostToolUse(ctx, PostToolInput{
			ToolName:  in.Get("tool_name").String(),
			ToolUseID: in.Get("tool_use_id").String(),
			ToolInput: rawOf(in.Get("tool_input")),
			Result:    responseText(resp),
			IsError:   in.Get("is_error").Bool() || resp.Get("is_error").Bool() || (resp.IsObject() && resp.Get("error").Exists()),
		})
	case EventUserPromptSubmit:
		m.UserPromptSubmit(ctx, in.Get("prompt").String())
	case EventStop:
		m.Stop(ctx, StopInput{
			Reason:   in.Get("reason").String(),
			NumTurns: int(in.Get("num_turns").Int()),
			Duration: time.Duration(in.Get("duration_ms").Int()) * time.Millisecond,
		})
	case EventSubagentStop:
		id := in.Get("subagent_id").String()
		if id == "" {
			id = in.Get("agent_id").String()
		}
		m.SubagentStop(ctx, id)
	case EventPreCompact:
		m.PreCompact(ctx, PreCompactInput{
			Trigger:      in.Get("trigger").String(),
			TokensBefore: in.Get("tokens_before").Int(),
		})
	default:
		return nil, fmt.Errorf("unknown hook event %q", event)
	}
	return []byte("{}"), nil
}

// EncodeDecision renders a PreToolUse decision in the agent CLI's hook
// output format. Allow decisions render as an empty object.
func EncodeDecision(d Decision) ([]byte, error) {
	if !d.Denied() {
		return []byte("{}"), nil
	}
	out := hookOutput{HookSpecificOutput: &hookSpecificOutput{
		HookEventName:            EventPreToolUse,
		PermissionDecision:       string(Deny),
		PermissionDecisionReason: d.Reason,
	}}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode hook decision: %w", err)
	}
	return data, nil
}

func rawOf(r gjson.Result) json.RawMessage {
	if !r.Exists() {
		return nil
	}
	return json.RawMessage(r.Raw)
}

func responseText(r gjson.Result) string {
	switch {
	case !r.Exists():
		return ""
	case r.Type == gjson.String:
		return r.Str
	default:
		return r.Raw
	}
}
