// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/patchflow-dev/patchflow/lib/schema"
)

// Tool names offered to the model.
const (
	toolCreatePlan        = "create_plan"
	toolUpdatePlan        = "update_plan"
	toolTriggerCodeChange = "trigger_code_change"
)

// toolDefs is the static tool surface. Schemas are plain JSON Schema
// documents; the model sees them verbatim.
var toolDefs = []ToolDef{
	{
		Name:        toolCreatePlan,
		Description: "Record a work plan for the operator's request as an ordered checklist.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"title": {"type": "string"},
				"overview": {"type": "string"},
				"items": {"type": "array", "items": {"type": "string"}, "minItems": 1}
			},
			"required": ["title", "items"],
			"additionalProperties": false
		}`),
	},
	{
		Name:        toolUpdatePlan,
		Description: "Advance one plan item, or every item at once, to a new status.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"plan_id": {"type": "string"},
				"item": {"type": "integer"},
				"all": {"type": "boolean"},
				"status": {"type": "string", "enum": ["pending", "in_progress", "done", "skipped", "failed"]}
			},
			"required": ["plan_id", "status"],
			"additionalProperties": false
		}`),
	},
	{
		Name:        toolTriggerCodeChange,
		Description: "Start an automated code change for the operator. The prompt and skill are validated against policy before anything runs. Pass plan_id to link the run to a plan created with create_plan.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"prompt": {"type": "string"},
				"skill": {"type": "string"},
				"screen_context": {"type": "string"},
				"plan_id": {"type": "string"}
			},
			"required": ["prompt", "skill"],
			"additionalProperties": false
		}`),
	},
}

// createPlanArgs is the argument shape for create_plan.
type createPlanArgs struct {
	Title    string   `json:"title"`
	Overview string   `json:"overview"`
	Items    []string `json:"items"`
}

// updatePlanArgs is the argument shape for update_plan. Exactly one
// of Item or All selects the target; the ambiguity of both (or
// neither) is rejected, not guessed at.
type updatePlanArgs struct {
	PlanID string `json:"plan_id"`
	Item   *int   `json:"item"`
	All    bool   `json:"all"`
	Status string `json:"status"`
}

// triggerArgs is the argument shape for trigger_code_change.
type triggerArgs struct {
	Prompt        string `json:"prompt"`
	Skill         string `json:"skill"`
	ScreenContext string `json:"screen_context"`
	PlanID        string `json:"plan_id"`
}

// decodeArgs strictly unmarshals tool arguments: unknown fields are
// an error. The model is untrusted; a shape this code does not
// recognize is rejected rather than partially applied.
func decodeArgs(raw json.RawMessage, into any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	// Trailing garbage after the JSON document is also a malformed
	// call.
	if decoder.More() {
		return fmt.Errorf("invalid arguments: trailing data")
	}
	return nil
}

// dispatch executes one tool call and returns its result. Tool
// failures are reported to the model as error results, never as loop
// errors — the model gets a chance to correct itself.
func (l *Loop) dispatch(ctx context.Context, sessionID, operator string, call ToolCall) ToolResult {
	var content string
	var err error

	switch call.Name {
	case toolCreatePlan:
		content, err = l.runCreatePlan(ctx, sessionID, call)
	case toolUpdatePlan:
		content, err = l.runUpdatePlan(ctx, call)
	case toolTriggerCodeChange:
		content, err = l.runTrigger(ctx, sessionID, operator, call)
	default:
		err = fmt.Errorf("unknown tool %q", call.Name)
	}

	if err != nil {
		l.logger.Warn("tool call failed", "tool", call.Name, "call_id", call.ID, "error", err)
		return ToolResult{CallID: call.ID, Content: err.Error(), IsError: true}
	}
	return ToolResult{CallID: call.ID, Content: content}
}

func (l *Loop) runCreatePlan(ctx context.Context, sessionID string, call ToolCall) (string, error) {
	var args createPlanArgs
	if err := decodeArgs(call.Arguments, &args); err != nil {
		return "", err
	}
	if strings.TrimSpace(args.Title) == "" {
		return "", fmt.Errorf("plan title is required")
	}
	if len(args.Items) == 0 {
		return "", fmt.Errorf("plan needs at least one item")
	}

	created, err := l.planner.Create(ctx, call.ID, sessionID, args.Title, args.Overview, args.Items)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("plan %s created with %d items", created.ID, len(created.Items)), nil
}

func (l *Loop) runUpdatePlan(ctx context.Context, call ToolCall) (string, error) {
	var args updatePlanArgs
	if err := decodeArgs(call.Arguments, &args); err != nil {
		return "", err
	}
	if args.PlanID == "" {
		return "", fmt.Errorf("plan_id is required")
	}
	status := schema.ItemStatus(args.Status)
	if !status.Valid() {
		return "", fmt.Errorf("unknown item status %q", args.Status)
	}

	switch {
	case args.Item != nil && args.All:
		return "", fmt.Errorf("item and all are mutually exclusive")
	case args.Item != nil:
		if err := l.planner.UpdateItem(ctx, args.PlanID, *args.Item, status); err != nil {
			return "", err
		}
		return fmt.Sprintf("item %d is now %s", *args.Item, status), nil
	case args.All:
		if err := l.planner.UpdateAll(ctx, args.PlanID, status); err != nil {
			return "", err
		}
		return fmt.Sprintf("all items are now %s", status), nil
	default:
		return "", fmt.Errorf("one of item or all is required")
	}
}

func (l *Loop) runTrigger(ctx context.Context, sessionID, operator string, call ToolCall) (string, error) {
	var args triggerArgs
	if err := decodeArgs(call.Arguments, &args); err != nil {
		return "", err
	}

	// The model's prompt is as untrusted as a raw operator message:
	// the same validation gate applies.
	decision := l.policy.Validate(args.Prompt, args.Skill)
	if !decision.Allowed {
		return "", fmt.Errorf("policy rejected the change: %s", decision.Reason)
	}

	if err := l.starter.Start(pipelineRequest(sessionID, operator, args)); err != nil {
		return "", err
	}
	return fmt.Sprintf("change pipeline started with skill %q", args.Skill), nil
}
