// Copyright 2026 The Patchflow Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxModelResponseBytes caps the provider response body. A single
// non-streaming turn is bounded by max_tokens; 16 MB is far beyond
// any legitimate response.
const maxModelResponseBytes = 16 * 1024 * 1024

// AnthropicModel implements [Model] against the Anthropic Messages
// API. Requests are non-streaming: the loop only acts on complete
// turns, so there is nothing to do with partial output.
type AnthropicModel struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	system     string
	httpClient *http.Client
}

// AnthropicConfig configures an [AnthropicModel].
type AnthropicConfig struct {
	// BaseURL is the API endpoint, without the /v1/messages path.
	// Defaults to https://api.anthropic.com.
	BaseURL string

	// APIKey authenticates requests. Required.
	APIKey string

	// Model is the model identifier. Required.
	Model string

	// MaxTokens caps response length per turn. Defaults to 4096.
	MaxTokens int

	// System is the system prompt prepended to every conversation.
	System string

	// HTTPClient overrides the transport. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client
}

// NewAnthropicModel creates a Messages API model client.
func NewAnthropicModel(config AnthropicConfig) (*AnthropicModel, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("agent: anthropic API key is required")
	}
	if config.Model == "" {
		return nil, fmt.Errorf("agent: anthropic model name is required")
	}
	model := &AnthropicModel{
		baseURL:    strings.TrimSuffix(config.BaseURL, "/"),
		apiKey:     config.APIKey,
		model:      config.Model,
		maxTokens:  config.MaxTokens,
		system:     config.System,
		httpClient: config.HTTPClient,
	}
	if model.baseURL == "" {
		model.baseURL = "https://api.anthropic.com"
	}
	if model.maxTokens == 0 {
		model.maxTokens = 4096
	}
	if model.httpClient == nil {
		model.httpClient = http.DefaultClient
	}
	return model, nil
}

// Complete sends the conversation and returns the model's turn.
func (m *AnthropicModel) Complete(ctx context.Context, conversation []Message, tools []ToolDef) (*Turn, error) {
	wireRequest := anthropicRequest{
		Model:     m.model,
		MaxTokens: m.maxTokens,
		System:    m.system,
	}
	for _, message := range conversation {
		wireRequest.Messages = append(wireRequest.Messages, toAnthropicMessage(message))
	}
	for _, tool := range tools {
		wireRequest.Tools = append(wireRequest.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Schema,
		})
	}

	body, err := json.Marshal(wireRequest)
	if err != nil {
		return nil, fmt.Errorf("agent: encoding request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("agent: building request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("X-API-Key", m.apiKey)
	httpRequest.Header.Set("Anthropic-Version", "2023-06-01")

	httpResponse, err := m.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("agent: model request: %w", err)
	}
	defer httpResponse.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(httpResponse.Body, maxModelResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("agent: reading model response: %w", err)
	}

	if httpResponse.StatusCode != http.StatusOK {
		return nil, anthropicError(httpResponse.StatusCode, responseBody)
	}

	var wireResponse anthropicResponse
	if err := json.Unmarshal(responseBody, &wireResponse); err != nil {
		return nil, fmt.Errorf("agent: decoding model response: %w", err)
	}
	return fromAnthropicResponse(wireResponse), nil
}

func anthropicError(statusCode int, body []byte) error {
	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		return fmt.Errorf("agent: model API %d (%s): %s",
			statusCode, envelope.Error.Type, envelope.Error.Message)
	}
	return fmt.Errorf("agent: model API %d", statusCode)
}

// --- Messages API wire types ---
//
// These map directly to the Anthropic wire format. They are separate
// from the package's public types because the wire format uses
// snake_case and a single-level discriminated union for content
// blocks.

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
}

// toAnthropicMessage converts a conversation message to wire format.
// Tool messages become user messages carrying tool_result blocks,
// which is how the Messages API represents results.
func toAnthropicMessage(message Message) anthropicMessage {
	wire := anthropicMessage{Role: string(message.Role)}

	if message.Role == RoleTool {
		wire.Role = "user"
		for _, result := range message.ToolResults {
			wire.Content = append(wire.Content, anthropicContentBlock{
				Type:      "tool_result",
				ToolUseID: result.CallID,
				Content:   result.Content,
				IsError:   result.IsError,
			})
		}
		return wire
	}

	if message.Text != "" {
		wire.Content = append(wire.Content, anthropicContentBlock{
			Type: "text",
			Text: message.Text,
		})
	}
	for _, call := range message.ToolCalls {
		wire.Content = append(wire.Content, anthropicContentBlock{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Name,
			Input: call.Arguments,
		})
	}
	return wire
}

func fromAnthropicResponse(response anthropicResponse) *Turn {
	turn := &Turn{}
	var text strings.Builder
	for _, block := range response.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			turn.ToolCalls = append(turn.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}
	turn.Text = text.String()
	return turn
}
