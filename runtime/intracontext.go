package runtime

import (
	"fmt"
	"strings"

	"github.com/cascaderun/cascade/cascade"
	"github.com/cascaderun/cascade/modelclient"
	"github.com/cascaderun/cascade/trace"
)

// defaultIntraContext supplies the tiering knobs a phase omits (spec.md
// §4.7 "Intra-phase" does not pin concrete defaults, so these follow the
// teacher's convention of a modest, fixed default window rather than
// unbounded history).
var defaultIntraContext = cascade.IntraContextConfig{
	WindowTurns:    6,
	TruncateAt:     2000,
	LoopRetryDepth: 2,
}

func resolveIntraContext(cfg *cascade.IntraContextConfig) cascade.IntraContextConfig {
	if cfg == nil {
		return defaultIntraContext
	}
	out := *cfg
	if out.WindowTurns <= 0 {
		out.WindowTurns = defaultIntraContext.WindowTurns
	}
	if out.TruncateAt <= 0 {
		out.TruncateAt = defaultIntraContext.TruncateAt
	}
	if out.LoopRetryDepth <= 0 {
		out.LoopRetryDepth = defaultIntraContext.LoopRetryDepth
	}
	return out
}

// errorMarkers are tokens that force a history message to survive Tier 1
// compression regardless of age (spec.md §4.7: "any message containing
// error-marker tokens is always preserved").
var errorMarkers = []string{"error", "exception", "traceback", "failed"}

func containsErrorMarker(s string) bool {
	lower := strings.ToLower(s)
	for _, m := range errorMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// compressTurns applies Tier 0 (sliding window) and Tier 1 (masking/
// truncation) compression to a phase's turn history before it is submitted
// to the model, per spec.md §4.7 "Intra-phase". Originals are never
// mutated; compression only changes what this turn's request carries.
func compressTurns(turns []modelclient.Message, cfg cascade.IntraContextConfig) []modelclient.Message {
	if len(turns) <= cfg.WindowTurns {
		return turns
	}
	cut := len(turns) - cfg.WindowTurns
	out := make([]modelclient.Message, 0, len(turns))
	for i, m := range turns {
		if i >= cut {
			out = append(out, m) // Tier 0: full fidelity.
			continue
		}
		out = append(out, compressTier1(m, cfg.TruncateAt))
	}
	return out
}

func compressTier1(m modelclient.Message, truncateAt int) modelclient.Message {
	text := m.Text()
	if containsErrorMarker(text) {
		return m
	}

	toolCalls := m.ToolCalls()
	hasToolResult := false
	for _, p := range m.Parts {
		if _, ok := p.(modelclient.ToolResultPart); ok {
			hasToolResult = true
			break
		}
	}

	switch {
	case hasToolResult:
		return maskToolResults(m)
	case len(toolCalls) > 0:
		names := make([]string, 0, len(toolCalls))
		for _, tc := range toolCalls {
			names = append(names, tc.Name)
		}
		return modelclient.Message{
			Role: m.Role, PhaseName: m.PhaseName, Turn: m.Turn,
			Parts: []modelclient.Part{modelclient.TextPart{Text: "[called tools: " + strings.Join(names, ", ") + "]"}},
		}
	default:
		return modelclient.Message{
			Role: m.Role, PhaseName: m.PhaseName, Turn: m.Turn,
			Parts: []modelclient.Part{modelclient.TextPart{Text: truncate(text, truncateAt)}},
		}
	}
}

// maskToolResults replaces each ToolResultPart with a placeholder
// preserving role, tool_use_id, original size, and content hash, per
// spec.md §4.7.
func maskToolResults(m modelclient.Message) modelclient.Message {
	parts := make([]modelclient.Part, 0, len(m.Parts))
	for _, p := range m.Parts {
		tr, ok := p.(modelclient.ToolResultPart)
		if !ok {
			parts = append(parts, p)
			continue
		}
		content := fmt.Sprintf("%v", tr.Content)
		hash := trace.ContentHash(string(modelclient.RoleTool), content)
		placeholder := fmt.Sprintf("[tool result masked: tool_use_id=%s size=%d hash=%s]", tr.ToolUseID, len(content), hash)
		parts = append(parts, modelclient.ToolResultPart{ToolUseID: tr.ToolUseID, Content: placeholder, IsError: tr.IsError})
	}
	return modelclient.Message{Role: m.Role, PhaseName: m.PhaseName, Turn: m.Turn, Parts: parts}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// retryAttempt is one prior loop_until/ward retry attempt kept for Tier 2
// reconstruction.
type retryAttempt struct {
	Output string
	Reason string
}

// buildRetryContext reconstructs a phase's context from scratch for a
// loop_until/ward retry (spec.md §4.7 Tier 2): system prompt + original
// task + the last L prior attempts (each with its validator failure
// reason) + the current retry instruction.
func buildRetryContext(systemPrompt, task string, attempts []retryAttempt, depth int, retryInstruction string) []modelclient.Message {
	if len(attempts) > depth {
		attempts = attempts[len(attempts)-depth:]
	}
	out := []modelclient.Message{
		{Role: modelclient.RoleSystem, Parts: []modelclient.Part{modelclient.TextPart{Text: systemPrompt}}},
		{Role: modelclient.RoleUser, Parts: []modelclient.Part{modelclient.TextPart{Text: task}}},
	}
	for _, a := range attempts {
		out = append(out,
			modelclient.Message{Role: modelclient.RoleAssistant, Parts: []modelclient.Part{modelclient.TextPart{Text: a.Output}}},
			modelclient.Message{Role: modelclient.RoleUser, Parts: []modelclient.Part{modelclient.TextPart{Text: "Validator rejected this attempt: " + a.Reason}}},
		)
	}
	out = append(out, modelclient.Message{Role: modelclient.RoleUser, Parts: []modelclient.Part{modelclient.TextPart{Text: retryInstruction}}})
	return out
}
