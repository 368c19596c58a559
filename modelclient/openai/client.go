// Package openai adapts modelclient.Client to the OpenAI Chat Completions
// API via github.com/openai/openai-go, following the request/response
// translation shape of the teacher's features/model/openai adapter.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/openai/openai-go"

	"github.com/cascaderun/cascade/modelclient"
)

// ChatClient captures the subset of the openai-go client used here.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

// Options configures the adapter.
type Options struct {
	DefaultModel string
}

// Client implements modelclient.Client via OpenAI Chat Completions.
type Client struct {
	chat ChatClient
	opts Options
}

// New builds an OpenAI-backed Client.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	return &Client{chat: chat, opts: opts}, nil
}

// Complete implements modelclient.Client.
func (c *Client) Complete(ctx context.Context, req modelclient.Request) (modelclient.Response, error) {
	if len(req.Messages) == 0 {
		return modelclient.Response{}, errors.New("openai: messages are required")
	}
	model := req.Model
	if model == "" {
		model = c.opts.DefaultModel
	}

	var msgs []openai.ChatCompletionMessageParamUnion
	for _, m := range req.Messages {
		text := m.Text()
		switch m.Role {
		case modelclient.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(text))
		case modelclient.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(text))
		case modelclient.RoleTool:
			for _, p := range m.Parts {
				if tr, ok := p.(modelclient.ToolResultPart); ok {
					content, _ := json.Marshal(tr.Content)
					msgs = append(msgs, openai.ToolMessage(string(content), tr.ToolUseID))
				}
			}
		default:
			msgs = append(msgs, openai.UserMessage(text))
		}
	}

	body := openai.ChatCompletionNewParams{Model: model, Messages: msgs}
	for _, ts := range req.ToolSchemas {
		body.Tools = append(body.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        ts.Name,
				Description: openai.String(ts.Description),
				Parameters:  ts.InputSchema,
			},
		})
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := c.chat.New(ctx, body)
	if err != nil {
		return modelclient.Response{}, fmt.Errorf("openai: complete: %w", err)
	}
	return decodeResponse(resp), nil
}

func decodeResponse(resp *openai.ChatCompletion) modelclient.Response {
	if len(resp.Choices) == 0 {
		return modelclient.Response{ProviderRequestID: resp.ID}
	}
	choice := resp.Choices[0]
	var parts []modelclient.Part
	if choice.Message.Content != "" {
		parts = append(parts, modelclient.TextPart{Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		var input map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
		parts = append(parts, modelclient.ToolUsePart{ID: tc.ID, Name: tc.Function.Name, Input: input})
	}
	return modelclient.Response{
		Message:           modelclient.Message{Role: modelclient.RoleAssistant, Parts: parts},
		TokensIn:          int(resp.Usage.PromptTokens),
		TokensOut:         int(resp.Usage.CompletionTokens),
		ProviderRequestID: resp.ID,
		StopReason:        string(choice.FinishReason),
	}
}
