// Package bedrock adapts modelclient.Client to the AWS Bedrock Converse API
// via github.com/aws/aws-sdk-go-v2/service/bedrockruntime, following the
// non-streaming request/response translation shape of the teacher's
// features/model/bedrock adapter (system vs. conversational messages, tool
// schemas into ToolConfiguration, text/tool_use content blocks back out).
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/cascaderun/cascade/modelclient"
)

// RuntimeClient is the subset of the Bedrock runtime client used here.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the adapter.
type Options struct {
	DefaultModel string
	MaxTokens    int32
}

// Client implements modelclient.Client via the Bedrock Converse API.
type Client struct {
	rt   RuntimeClient
	opts Options
}

// New constructs a Client.
func New(rt RuntimeClient, opts Options) (*Client, error) {
	if rt == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	return &Client{rt: rt, opts: opts}, nil
}

// Complete implements modelclient.Client.
func (c *Client) Complete(ctx context.Context, req modelclient.Request) (modelclient.Response, error) {
	model := req.Model
	if model == "" {
		model = c.opts.DefaultModel
	}
	if model == "" {
		return modelclient.Response{}, errors.New("bedrock: model is required")
	}

	var system []brtypes.SystemContentBlock
	var msgs []brtypes.Message
	for _, m := range req.Messages {
		if m.Role == modelclient.RoleSystem {
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Text()})
			continue
		}
		blocks, err := encodeParts(m.Parts)
		if err != nil {
			return modelclient.Response{}, err
		}
		role := brtypes.ConversationRoleUser
		if m.Role == modelclient.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		msgs = append(msgs, brtypes.Message{Role: role, Content: blocks})
	}

	var toolConfig *brtypes.ToolConfiguration
	if len(req.ToolSchemas) > 0 {
		var tools []brtypes.Tool
		for _, ts := range req.ToolSchemas {
			tools = append(tools, &brtypes.ToolMemberToolSpec{
				Value: brtypes.ToolSpecification{
					Name:        aws.String(ts.Name),
					Description: aws.String(ts.Description),
					InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(ts.InputSchema)},
				},
			})
		}
		toolConfig = &brtypes.ToolConfiguration{Tools: tools}
	}

	maxTokens := c.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = int32(req.MaxTokens)
	}
	out, err := c.rt.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:    aws.String(model),
		Messages:   msgs,
		System:     system,
		ToolConfig: toolConfig,
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens: aws.Int32(maxTokens),
		},
	})
	if err != nil {
		return modelclient.Response{}, fmt.Errorf("bedrock: converse: %w", err)
	}
	return decodeOutput(out), nil
}

func encodeParts(parts []modelclient.Part) ([]brtypes.ContentBlock, error) {
	var out []brtypes.ContentBlock
	for _, p := range parts {
		switch v := p.(type) {
		case modelclient.TextPart:
			out = append(out, &brtypes.ContentBlockMemberText{Value: v.Text})
		case modelclient.ToolResultPart:
			status := brtypes.ToolResultStatusSuccess
			if v.IsError {
				status = brtypes.ToolResultStatusError
			}
			out = append(out, &brtypes.ContentBlockMemberToolResult{
				Value: brtypes.ToolResultBlock{
					ToolUseId: aws.String(v.ToolUseID),
					Status:    status,
					Content: []brtypes.ToolResultContentBlock{
						&brtypes.ToolResultContentBlockMemberJson{Value: document.NewLazyDocument(v.Content)},
					},
				},
			})
		}
	}
	return out, nil
}

func decodeOutput(out *bedrockruntime.ConverseOutput) modelclient.Response {
	msgOut, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	resp := modelclient.Response{}
	if out.Usage != nil {
		resp.TokensIn = int(aws.ToInt32(out.Usage.InputTokens))
		resp.TokensOut = int(aws.ToInt32(out.Usage.OutputTokens))
	}
	resp.StopReason = string(out.StopReason)
	if !ok {
		return resp
	}
	var parts []modelclient.Part
	for _, block := range msgOut.Value.Content {
		switch b := block.(type) {
		case *brtypes.ContentBlockMemberText:
			parts = append(parts, modelclient.TextPart{Text: b.Value})
		case *brtypes.ContentBlockMemberToolUse:
			var input map[string]any
			if raw, err := b.Value.Input.MarshalSmithyDocument(); err == nil {
				_ = json.Unmarshal(raw, &input)
			}
			parts = append(parts, modelclient.ToolUsePart{
				ID: aws.ToString(b.Value.ToolUseId), Name: aws.ToString(b.Value.Name), Input: input,
			})
		}
	}
	resp.Message = modelclient.Message{Role: modelclient.RoleAssistant, Parts: parts}
	return resp
}
