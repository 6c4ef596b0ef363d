// Package forks fans one prompt out to N concurrent fork agents.
package forks

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/joescharf/obox/internal/agent"
	"github.com/joescharf/obox/internal/agentrt"
	"github.com/joescharf/obox/internal/config"
	"github.com/joescharf/obox/internal/logs"
	"github.com/joescharf/obox/internal/models"
)

// Runner executes one fork to completion.
type Runner interface {
	Run(ctx context.Context) models.RunResult
}

// AgentFactory builds the Runner for one fork.
type AgentFactory func(fc models.ForkContext, cfg *config.RunConfig, sink *logs.Sink) Runner

// NewAgentFactory returns a factory building agent.ForkAgents on rt.
func NewAgentFactory(rt agentrt.Runtime) AgentFactory {
	return func(fc models.ForkContext, cfg *config.RunConfig, sink *logs.Sink) Runner {
		return agent.New(fc, cfg, rt, sink)
	}
}

// Scheduler runs every fork of a session concurrently.
type Scheduler struct {
	cfg      *config.RunConfig
	registry *logs.Registry
	factory  AgentFactory
}

// NewScheduler returns a Scheduler creating fork logs in registry.
func NewScheduler(cfg *config.RunConfig, registry *logs.Registry, factory AgentFactory) *Scheduler {
	return &Scheduler{cfg: cfg, registry: registry, factory: factory}
}

// BranchFor returns the branch fork index works on. A single fork uses base
// unchanged; otherwise the 1-based index is appended.
func BranchFor(base string, index, count int) string {
	if count <= 1 {
		return base
	}
	return fmt.Sprintf("%s-%d", base, index)
}

// Contexts derives the per-fork contexts in index order.
func (s *Scheduler) Contexts() []models.ForkContext {
	n := s.cfg.ForkCount
	out := make([]models.ForkContext, n)
	for i := range n {
		out[i] = models.ForkContext{
			Index:    i + 1,
			Branch:   BranchFor(s.cfg.Branch, i+1, n),
			RepoURL:  s.cfg.RepoURL,
			Prompt:   s.cfg.PromptText,
			Model:    s.cfg.Model,
			MaxTurns: s.cfg.EffectiveMaxTurns(),
		}
	}
	return out
}

// Run creates every fork's log, starts all forks, waits for all of them and
// returns one result per fork with results[i] belonging to fork i+1.
func (s *Scheduler) Run(ctx context.Context) []models.RunResult {
	contexts := s.Contexts()
	results := make([]models.RunResult, len(contexts))

	var wg conc.WaitGroup
	for i, fc := range contexts {
		sink, err := s.registry.CreateSink(fc.Index, fc.Branch)
		if err != nil {
			s.registry.LogPrimary(fmt.Sprintf("Fork %d failed to start: %v", fc.Index, err))
			results[i] = models.RunResult{
				ForkIndex: fc.Index,
				Branch:    fc.Branch,
				Status:    models.ForkStatusError,
				Error:     err.Error(),
			}
			continue
		}
		wg.Go(func() {
			results[i] = s.runFork(ctx, fc, sink)
		})
	}
	wg.Wait()
	return results
}

func (s *Scheduler) runFork(ctx context.Context, fc models.ForkContext, sink *logs.Sink) models.RunResult {
	start := time.Now()
	var res models.RunResult
	var pc panics.Catcher
	pc.Try(func() {
		res = s.factory(fc, s.cfg, sink).Run(ctx)
	})
	if r := pc.Recovered(); r != nil {
		sink.Error("Fork crashed", logs.F("panic", r.Value), logs.F("stack", string(r.Stack)))
		res = models.RunResult{
			Status:   models.ForkStatusError,
			Error:    fmt.Sprintf("fork panic: %v", r.Value),
			Duration: time.Since(start),
		}
	}

	res.ForkIndex = fc.Index
	res.Branch = fc.Branch
	if res.LogPath == "" {
		res.LogPath = sink.Path()
	}
	if res.Status == "" {
		res.Status = models.ForkStatusUnknown
	}
	return res
}

// RunParallel is shorthand for NewScheduler(cfg, registry, factory).Run(ctx).
func RunParallel(ctx context.Context, cfg *config.RunConfig, registry *logs.Registry, factory AgentFactory) []models.RunResult {
	return NewScheduler(cfg, registry, factory).Run(ctx)
}
