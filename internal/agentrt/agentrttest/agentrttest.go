// Package agentrttest provides a scripted agentrt.Runtime for tests.
package agentrttest

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/joescharf/obox/internal/agentrt"
)

// ScriptFunc produces the events of one session. It runs when the prompt is
// submitted. A non-nil error is returned from Next after the messages are
// drained, in place of io.EOF.
type ScriptFunc func(ctx context.Context, opts agentrt.Options, prompt string) ([]agentrt.Message, error)

// Runtime replays Script for every session it opens.
type Runtime struct {
	Script     ScriptFunc
	ConnectErr error
	QueryErr   error
	CloseErr   error

	mu       sync.Mutex
	sessions []*Session
}

// Connect records opts and returns a new Session.
func (r *Runtime) Connect(_ context.Context, opts agentrt.Options) (agentrt.Session, error) {
	if r.ConnectErr != nil {
		return nil, r.ConnectErr
	}
	s := &Session{rt: r, Opts: opts}
	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()
	return s, nil
}

// Sessions returns every session opened so far.
func (r *Runtime) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, len(r.sessions))
	copy(out, r.sessions)
	return out
}

// Session is one scripted conversation.
type Session struct {
	rt   *Runtime
	Opts agentrt.Options

	mu      sync.Mutex
	prompt  string
	queued  []agentrt.Message
	tailErr error
	queried bool
	closes  int
}

func (s *Session) Query(ctx context.Context, prompt string) error {
	if s.rt.QueryErr != nil {
		return s.rt.QueryErr
	}
	var msgs []agentrt.Message
	var err error
	if s.rt.Script != nil {
		msgs, err = s.rt.Script(ctx, s.Opts, prompt)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompt = prompt
	s.queued = msgs
	s.tailErr = err
	s.queried = true
	return nil
}

func (s *Session) Next(ctx context.Context) (agentrt.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.queried {
		return nil, errors.New("query not submitted")
	}
	if len(s.queued) == 0 {
		if s.tailErr != nil {
			return nil, s.tailErr
		}
		return nil, io.EOF
	}
	msg := s.queued[0]
	s.queued = s.queued[1:]
	return msg, nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	return s.rt.CloseErr
}

// Prompt returns the submitted prompt.
func (s *Session) Prompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompt
}

// Closes returns how many times Close was called.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Success returns a script emitting one assistant text block and a
// successful result with the given cost and token counts.
func Success(text string, cost float64, in, out int64) ScriptFunc {
	return func(context.Context, agentrt.Options, string) ([]agentrt.Message, error) {
		return []agentrt.Message{
			&agentrt.SystemMessage{Subtype: "init"},
			&agentrt.AssistantMessage{Blocks: []agentrt.Block{&agentrt.TextBlock{Text: text}}},
			&agentrt.ResultMessage{
				Subtype:      "success",
				NumTurns:     1,
				TotalCostUSD: &cost,
				Usage:        agentrt.MapUsage(map[string]any{"input_tokens": float64(in), "output_tokens": float64(out)}),
			},
		}, nil
	}
}
