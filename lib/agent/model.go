// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"encoding/json"
)

// Role identifies a conversation message's author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn in the conversation passed to the model.
type Message struct {
	Role Role

	// Text is the message body. For assistant messages it may be
	// empty when the turn is pure tool calls.
	Text string

	// ToolCalls are present on assistant messages.
	ToolCalls []ToolCall

	// ToolResults are present on tool messages, answering the
	// preceding assistant turn's calls.
	ToolResults []ToolResult
}

// ToolCall is one tool invocation requested by the model. The ID is
// the model's own invocation identifier; results echo it back, and
// plans created by create_plan adopt it as their plan ID.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResult is the outcome of executing one tool call.
type ToolResult struct {
	CallID  string
	Content string
	IsError bool
}

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Turn is one model response: optional text plus zero or more tool
// calls.
type Turn struct {
	Text      string
	ToolCalls []ToolCall
}

// Model is the conversational collaborator. Implementations translate
// between these types and a vendor's wire format; the loop treats the
// model as opaque and never inspects anything beyond the Turn.
type Model interface {
	Complete(ctx context.Context, conversation []Message, tools []ToolDef) (*Turn, error)
}
