// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/patchflow-dev/patchflow/lib/pipeline"
	"github.com/patchflow-dev/patchflow/lib/plan"
	"github.com/patchflow-dev/patchflow/lib/policy"
)

// defaultMaxRounds bounds the tool round-trip loop when no limit is
// configured.
const defaultMaxRounds = 8

// Starter launches a pipeline run off the serving goroutine. The
// service wires this to the executor; the loop never blocks a chat
// turn on a multi-minute pipeline.
type Starter interface {
	Start(request pipeline.Request) error
}

// StarterFunc adapts a function to the Starter interface.
type StarterFunc func(request pipeline.Request) error

func (f StarterFunc) Start(request pipeline.Request) error { return f(request) }

// Loop drives one operator message through the model's tool-calling
// rounds.
type Loop struct {
	model     Model
	policy    *policy.Engine
	planner   *plan.Tracker
	starter   Starter
	maxRounds int
	logger    *slog.Logger
}

// Config assembles a Loop.
type Config struct {
	Model   Model
	Policy  *policy.Engine
	Planner *plan.Tracker
	Starter Starter

	// MaxRounds bounds tool round-trips per operator message. Zero
	// selects the default of 8.
	MaxRounds int

	Logger *slog.Logger
}

// NewLoop creates a Loop. Panics if any dependency is missing.
func NewLoop(config Config) *Loop {
	switch {
	case config.Model == nil:
		panic("agent.Loop: model is required")
	case config.Policy == nil:
		panic("agent.Loop: policy engine is required")
	case config.Planner == nil:
		panic("agent.Loop: plan tracker is required")
	case config.Starter == nil:
		panic("agent.Loop: pipeline starter is required")
	case config.Logger == nil:
		panic("agent.Loop: logger is required")
	}
	maxRounds := config.MaxRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}
	return &Loop{
		model:     config.Model,
		policy:    config.Policy,
		planner:   config.Planner,
		starter:   config.Starter,
		maxRounds: maxRounds,
		logger:    config.Logger,
	}
}

// Run processes one operator message: it hands the conversation to
// the model, executes any tool calls it makes, feeds the results
// back, and repeats until the model answers in plain text or the
// round budget runs out. Returns the model's final text.
func (l *Loop) Run(ctx context.Context, sessionID, operator, message string) (string, error) {
	conversation := []Message{{Role: RoleUser, Text: message}}

	for round := 0; round < l.maxRounds; round++ {
		turn, err := l.model.Complete(ctx, conversation, toolDefs)
		if err != nil {
			return "", fmt.Errorf("agent: model: %w", err)
		}

		if len(turn.ToolCalls) == 0 {
			return turn.Text, nil
		}

		results := make([]ToolResult, 0, len(turn.ToolCalls))
		for _, call := range turn.ToolCalls {
			l.logger.Info("tool call", "session_id", sessionID, "tool", call.Name, "call_id", call.ID, "round", round)
			results = append(results, l.dispatch(ctx, sessionID, operator, call))
		}

		conversation = append(conversation,
			Message{Role: RoleAssistant, Text: turn.Text, ToolCalls: turn.ToolCalls},
			Message{Role: RoleTool, ToolResults: results},
		)
	}

	return "", fmt.Errorf("agent: model did not finish within %d tool rounds", l.maxRounds)
}

// pipelineRequest maps validated trigger arguments onto a pipeline
// request.
func pipelineRequest(sessionID, operator string, args triggerArgs) pipeline.Request {
	return pipeline.Request{
		SessionID:     sessionID,
		Prompt:        args.Prompt,
		Skill:         args.Skill,
		Operator:      operator,
		ScreenContext: args.ScreenContext,
		PlanID:        args.PlanID,
	}
}
