package runtime

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/cascaderun/cascade/modelclient"
)

// toolCallFence is the canonical fence format the system prompt instructs a
// non-native model to use when emitting a tool call, per spec.md §9 "Ad-hoc
// JSON parsing in prompt-based tool calling": a strict, specified fence
// rather than best-effort free-form extraction.
var toolCallFence = regexp.MustCompile("(?s)```tool_call\\s*\\n(.*?)\\n```")

type textualToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// parseTextualToolCalls extracts tool calls from assistant text using the
// fenced-JSON convention. A parse failure is treated as "no tool call", per
// the same redesign note, letting the turn-loop termination rules apply
// rather than surfacing a spurious error.
func parseTextualToolCalls(text string) []modelclient.ToolUsePart {
	matches := toolCallFence.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	var out []modelclient.ToolUsePart
	for i, m := range matches {
		var call textualToolCall
		if err := json.Unmarshal([]byte(strings.TrimSpace(m[1])), &call); err != nil {
			continue
		}
		if call.Name == "" {
			continue
		}
		out = append(out, modelclient.ToolUsePart{ID: syntheticToolCallID(i), Name: call.Name, Input: call.Arguments})
	}
	return out
}

func syntheticToolCallID(i int) string {
	return "textual-" + itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// renderToolSchemasText renders a textual description of tool schemas for
// injection into phase instructions when native tool calling is disabled,
// per spec.md §4.3 "tool schemas are injected textually".
func renderToolSchemasText(schemas []modelclient.ToolSchema) string {
	if len(schemas) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nAvailable tools (respond with a fenced ```tool_call block containing {\"name\":...,\"arguments\":{...}} to invoke one):\n")
	for _, s := range schemas {
		b.WriteString("- " + s.Name)
		if s.Description != "" {
			b.WriteString(": " + s.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}
