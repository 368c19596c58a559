// Package modelclient defines the provider-agnostic Model Client
// abstraction (spec.md §2/§6): a request/response boundary to a chat
// completion provider that returns assistant content, an optional
// structured tool-call list, token counts, and a provider request id. This
// package is the only contract the Phase Executor's turn loop depends on;
// concrete providers live in sibling packages (anthropic, openai, bedrock)
// and are composed behind the gateway package for routing/retry.
package modelclient

import "context"

// Role identifies the speaker of a Message.
type Role string

// Conversation roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Part is implemented by every message content block.
type Part interface{ isPart() }

// TextPart is plain text content.
type TextPart struct{ Text string }

// ImagePart references image content persisted under the session's image
// tree (spec.md §6 "Images on disk").
type ImagePart struct {
	Path   string
	Format string
}

// ThinkingPart carries provider-issued reasoning content, treated as opaque
// metadata by the runtime.
type ThinkingPart struct {
	Text      string
	Signature string
}

// ToolUsePart declares a tool invocation requested by the assistant.
type ToolUsePart struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResultPart carries a tool result attached to a user message so the
// model can read it on the next turn.
type ToolResultPart struct {
	ToolUseID string
	Content   any
	IsError   bool
}

func (TextPart) isPart()       {}
func (ImagePart) isPart()      {}
func (ThinkingPart) isPart()   {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}

// Message is a single entry in the ordered list submitted to a Model
// Client call. PhaseName and Turn are carried so provider adapters
// and the Context Builder can tag spans/events without a side channel.
type Message struct {
	Role      Role
	Parts     []Part
	PhaseName string
	Turn      int
}

// Text returns the concatenation of the message's text parts.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			out += t.Text
		}
	}
	return out
}

// ToolCalls returns the tool-use parts in the message, if any.
func (m Message) ToolCalls() []ToolUsePart {
	var out []ToolUsePart
	for _, p := range m.Parts {
		if t, ok := p.(ToolUsePart); ok {
			out = append(out, t)
		}
	}
	return out
}

// Request is submitted to a Model Client for a single turn.
type Request struct {
	Model    string
	Messages []Message
	// ToolSchemas describes callable tools for native tool-calling
	// providers; ignored when the phase uses prompt-based tool calling.
	ToolSchemas []ToolSchema
	// MaxTokens bounds the assistant response length; zero uses the
	// provider default.
	MaxTokens int
	Temperature *float64
}

// ToolSchema exposes one callable tool to the model.
type ToolSchema struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Response is returned by a Model Client call.
type Response struct {
	Message           Message
	TokensIn          int
	TokensOut         int
	ProviderRequestID string
	// StopReason captures why the turn ended, e.g. "end_turn", "tool_use",
	// "max_tokens".
	StopReason string
}

// Usage captures cost accounting for a Response, computed by the caller
// from a provider-specific price table; the Model Client itself is
// price-agnostic.
type Usage struct {
	TokensIn  int
	TokensOut int
	Cost      float64
}

// Client is the provider-agnostic Model Client boundary.
type Client interface {
	// Complete submits req and returns the assistant's response. Context
	// cancellation must abandon the in-flight provider request (spec.md
	// §5 "in-flight Model requests are abandoned").
	Complete(ctx context.Context, req Request) (Response, error)
}

// ClientFunc adapts a function to the Client interface, useful for tests
// and for stubbing providers in end-to-end scenarios (spec.md §8).
type ClientFunc func(ctx context.Context, req Request) (Response, error)

// Complete implements Client.
func (f ClientFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
