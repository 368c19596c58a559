// Package anthropic adapts modelclient.Client to the Anthropic Claude
// Messages API via github.com/anthropics/anthropic-sdk-go, following the
// shape of the teacher's features/model/anthropic adapter: translate
// requests/responses, leave streaming and provider retry policy to the SDK.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/cascaderun/cascade/modelclient"
)

// MessagesClient captures the subset of the Anthropic SDK used by this
// adapter so tests can substitute a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the adapter's default model and token cap.
type Options struct {
	DefaultModel string
	MaxTokens    int64
}

// Client implements modelclient.Client against the Anthropic Messages API.
type Client struct {
	messages MessagesClient
	opts     Options
}

// New constructs a Client from an already-configured Anthropic SDK client
// (via sdk.NewClient(option.WithAPIKey(...)) at the call site).
func New(messages MessagesClient, opts Options) *Client {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	return &Client{messages: messages, opts: opts}
}

// Complete implements modelclient.Client.
func (c *Client) Complete(ctx context.Context, req modelclient.Request) (modelclient.Response, error) {
	model := req.Model
	if model == "" {
		model = c.opts.DefaultModel
	}
	if model == "" {
		return modelclient.Response{}, errors.New("anthropic: model is required")
	}

	var system string
	var msgs []sdk.MessageParam
	for _, m := range req.Messages {
		if m.Role == modelclient.RoleSystem {
			system += m.Text()
			continue
		}
		blocks, err := encodeParts(m.Parts)
		if err != nil {
			return modelclient.Response{}, err
		}
		switch m.Role {
		case modelclient.RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(blocks...))
		default:
			msgs = append(msgs, sdk.NewUserMessage(blocks...))
		}
	}

	maxTokens := c.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	body := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if system != "" {
		body.System = []sdk.TextBlockParam{{Text: system}}
	}
	for _, ts := range req.ToolSchemas {
		body.Tools = append(body.Tools, sdk.ToolUnionParamOfTool(encodeSchema(ts.InputSchema), ts.Name))
	}

	msg, err := c.messages.New(ctx, body)
	if err != nil {
		return modelclient.Response{}, fmt.Errorf("anthropic: complete: %w", err)
	}
	return decodeResponse(msg), nil
}

func encodeParts(parts []modelclient.Part) ([]sdk.ContentBlockParamUnion, error) {
	var out []sdk.ContentBlockParamUnion
	for _, p := range parts {
		switch v := p.(type) {
		case modelclient.TextPart:
			out = append(out, sdk.NewTextBlock(v.Text))
		case modelclient.ToolResultPart:
			content, err := json.Marshal(v.Content)
			if err != nil {
				return nil, fmt.Errorf("anthropic: encode tool result: %w", err)
			}
			out = append(out, sdk.NewToolResultBlock(v.ToolUseID, string(content), v.IsError))
		default:
			// images and thinking parts on outbound user turns are not
			// round-tripped by this adapter; providers supporting them
			// would extend encodeParts accordingly.
		}
	}
	return out, nil
}

func encodeSchema(schema map[string]any) sdk.ToolInputSchemaParam {
	props, _ := schema["properties"].(map[string]any)
	return sdk.ToolInputSchemaParam{Properties: props}
}

func decodeResponse(msg *sdk.Message) modelclient.Response {
	var parts []modelclient.Part
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			parts = append(parts, modelclient.TextPart{Text: block.Text})
		case "tool_use":
			var input map[string]any
			_ = json.Unmarshal(block.Input, &input)
			parts = append(parts, modelclient.ToolUsePart{ID: block.ID, Name: block.Name, Input: input})
		case "thinking":
			parts = append(parts, modelclient.ThinkingPart{Text: block.Thinking, Signature: block.Signature})
		}
	}
	return modelclient.Response{
		Message:           modelclient.Message{Role: modelclient.RoleAssistant, Parts: parts},
		TokensIn:          int(msg.Usage.InputTokens),
		TokensOut:         int(msg.Usage.OutputTokens),
		ProviderRequestID: msg.ID,
		StopReason:        string(msg.StopReason),
	}
}
