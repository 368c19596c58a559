// Package cascade defines the loader-agnostic data model shared by every
// other package in this module: the immutable Cascade/Phase configuration
// produced by parsing a cascade file (out of scope here — see spec §6) and
// the mutable Session ("Echo") that a Cascade Runner invocation owns.
package cascade

import (
	"encoding/json"
	"time"
)

// Cascade is an immutable configuration for one workflow: an identifier, an
// ordered list of phases, and optional cascade-wide defaults.
type Cascade struct {
	ID          string
	Description string
	Phases      []Phase
	InputSchema map[string]any

	// Soundings, when set, wraps the entire cascade: N parallel executions
	// evaluated the same way a single phase's soundings are (spec §4.5
	// "Cascade-level soundings").
	Soundings *SoundingsConfig

	// Signals declares named signal definitions available to SignalPhases
	// in this cascade by name.
	Signals map[string]SignalDef

	// AutoContext supplies cascade-wide Context Builder defaults that a
	// phase's own Context config may override.
	AutoContext *ContextConfig
}

// PhaseKind discriminates the Phase variant.
type PhaseKind string

const (
	KindLLM          PhaseKind = "llm"
	KindDeterministic PhaseKind = "deterministic"
	KindSignal        PhaseKind = "signal"
)

// Phase is a typed variant: exactly one of LLM, Deterministic, or Signal is
// populated, selected by Kind. Fields above the variant-specific block are
// common to all three (spec §3 "Phase").
type Phase struct {
	Name    string
	Kind    PhaseKind
	Handoffs []string

	Context      *ContextConfig
	IntraContext *IntraContextConfig
	Wards        *WardSet
	OutputSchema map[string]any
	Soundings    *SoundingsConfig

	HumanInput     *HumanInputConfig
	DecisionPoints []DecisionPoint

	LLM           *LLMPhase
	Deterministic *DeterministicPhase
	Signal        *SignalPhase
}

// LLMPhase carries the fields specific to PhaseKind LLM.
type LLMPhase struct {
	Instructions string // template source, rendered per turn 0
	Model        string
	// Tools names a subset of the Tool Registry, or the literal string
	// "manifest" to expose every registered tool.
	Tools []string
	Rules TurnRules
}

// TurnRules bounds an LLM phase's turn loop (spec §4.3).
type TurnRules struct {
	MaxTurns   int
	MaxAttempts int
	LoopUntil   *Ward
	// TurnPrompt is rendered and appended as a user message on turns >= 1.
	TurnPrompt string
	// Native selects native provider tool-calling over textual injection
	// and JSON-object parsing.
	Native bool
	// Silent suppresses the "acceptance criterion" footer normally
	// appended to instructions when LoopUntil is configured.
	Silent bool
}

// DeterministicPhase carries the fields specific to PhaseKind Deterministic.
type DeterministicPhase struct {
	// Run names the target: a registered tool name, "python:module.func",
	// "sql:path/to/query.sql", or "shell:path/to/script.sh" (spec §4.4).
	Run string
	// Inputs is a template map rendered before invocation.
	Inputs map[string]string
	// Routing maps a result "status" value to a successor phase name.
	Routing map[string]string
	// OnError names a phase to route to on exception, instead of failing.
	OnError string

	MaxAttempts int
	// Backoff selects "exponential" or "linear" retry backoff.
	Backoff  string
	MaxDelay time.Duration
	Timeout  time.Duration
}

// SignalPhase carries the fields specific to PhaseKind Signal.
type SignalPhase struct {
	// Await names a signal defined on the owning Cascade.
	Await string
	// OnSignal maps a resolved signal response value to a successor name.
	OnSignal map[string]string
	// OnTimeout names the branch taken on timeout: "abort", "escalate",
	// "skip", or a phase name.
	OnTimeout string
	Timeout   time.Duration
}

// SignalDef declares one named signal at cascade scope (spec §4.8).
type SignalDef struct {
	Name string
	// Kind is one of "human", "sensor", "webhook", "time", "composite".
	Kind string
	// Composite signal definitions, populated when Kind == "composite".
	All []string
	Any []string
	Timeout time.Duration
}

// HumanInputConfig describes a checkpoint surfaced to an external UI.
type HumanInputConfig struct {
	Prompt  string
	Timeout time.Duration
}

// DecisionPoint describes one dynamic decision block (a question and its
// selectable options) embedded in an LLM turn's output (spec §4.8
// "Dynamic decisions").
type DecisionPoint struct {
	Question string
	Options  []DecisionOption
}

// DecisionOption is one selectable branch of a DecisionPoint.
type DecisionOption struct {
	Label      string
	RouteTo    string
}

// ContextConfig configures inter-phase context selection (spec §4.7).
type ContextConfig struct {
	// From lists source phase names, or the keywords "previous", "first",
	// "all".
	From    []string
	Exclude []string
	// Strategy is "heuristic", "semantic", "llm", or "hybrid". Empty
	// means the auto_context default applies.
	Strategy string
	// AnchorTurns bounds how many trailing turns of the previous phase
	// are always included regardless of Strategy.
	AnchorTurns int
	TokenBudget int

	// Explicit, when non-nil, fully specifies the phase's inbound
	// context and disables auto-selection entirely.
	Explicit *ExplicitContext
}

// ExplicitContext fully specifies a phase's inbound context by reference,
// bypassing Context Builder selection.
type ExplicitContext struct {
	Messages []string // content hashes
	Outputs  []string // phase names
	Images   bool
	State    bool
}

// IntraContextConfig overrides intra-phase compression tiering (spec §4.7
// "Intra-phase").
type IntraContextConfig struct {
	// WindowTurns is Tier 0's sliding window width.
	WindowTurns int
	// TruncateAt bounds Tier 1 assistant-reasoning-without-tools length.
	TruncateAt int
	// LoopRetryDepth is Tier 2's L, the number of prior retry attempts
	// kept in full.
	LoopRetryDepth int
}

// WardSet groups a phase's validators by placement (spec §4.6).
type WardSet struct {
	Pre  []Ward
	Post []Ward
	Turn []Ward
}

// WardMode selects a Ward's failure handling.
type WardMode string

const (
	WardBlocking WardMode = "blocking"
	WardRetry    WardMode = "retry"
	WardAdvisory WardMode = "advisory"
)

// Ward is a named validator plus failure-handling mode.
type Ward struct {
	Name string
	Mode WardMode
	// Validator names a registered function or sub-cascade; exactly one
	// of Validator or InlineExpr is set.
	Validator  string
	InlineExpr string
	MaxAttempts int
}

// SoundingsConfig configures a phase's (or a cascade's) breadth/depth
// exploration (spec §4.5).
type SoundingsConfig struct {
	Factor      int
	MaxParallel int

	Mutation MutationConfig
	Models   ModelAssignment

	// PreFilter names a validator used to exclude invalid candidates
	// before evaluation.
	PreFilter string

	Evaluator EvaluatorConfig
	Reforge   *ReforgeConfig
}

// MutationConfig selects how sounding candidate prompts are varied.
type MutationConfig struct {
	// Mode is "rewrite", "augment", "approach", or empty (no mutation).
	Mode string
	// Template overrides the built-in mutation catalog for Mode.
	Template string
}

// ModelAssignment selects which model a sounding candidate uses.
type ModelAssignment struct {
	Models []string
	// Strategy is "round_robin" or "random".
	Strategy string
	// PerModelFactor overrides Factor with an explicit per-model count.
	PerModelFactor map[string]int
	Seed           int64
}

// EvaluatorConfig selects winner-selection semantics.
type EvaluatorConfig struct {
	// Kind is "default", "cost_aware", "pareto", "aggregate", "human", or
	// "hybrid".
	Kind         string
	Instructions string

	QualityWeight float64
	CostWeight    float64
	// CostNormalization is "min_max", "z_score", or "log_scale".
	CostNormalization string

	// ParetoPolicy is "prefer_cheap", "prefer_quality", or "balanced".
	ParetoPolicy string
}

// ReforgeConfig configures iterative refinement of a soundings winner
// (spec §4.5 "Reforge (depth)").
type ReforgeConfig struct {
	Steps          int
	FactorPerStep  int
	HoningPrompt   string
	EvaluatorOverride *EvaluatorConfig
	// EarlyStop names a validator; when it passes, remaining steps are
	// skipped.
	EarlyStop string
}

// Message is one entry in Session.History.
type Message struct {
	Role       string
	Content    any
	PhaseName  string
	TurnNumber int
	TraceID    string
	Timestamp  time.Time
}

// ImageRef locates a persisted image under a session's image tree (spec §3
// "image_store", spec §6 "Images on disk").
type ImageRef struct {
	PhaseName string
	Index     int
	Path      string
}

// Session ("Echo") is the mutable runtime state owned by one Cascade Runner
// invocation (spec §3 "Session / Echo").
type Session struct {
	SessionID       string
	ParentSessionID string
	Depth           int

	// Input is the cascade invocation's original input, immutable for the
	// lifetime of the Session and available to every phase's template
	// rendering as the `input` variable (spec §4.3 "Prompt construction
	// rules").
	Input any

	State   map[string]any
	Outputs map[string]any
	History []Message
	Lineage []string

	ImageStore map[string]ImageRef // key: "phaseName#index"
}

// NewSession constructs an empty Session rooted at sessionID.
func NewSession(sessionID, parentSessionID string, depth int, input any) *Session {
	return &Session{
		SessionID:       sessionID,
		ParentSessionID: parentSessionID,
		Depth:           depth,
		Input:           input,
		State:           map[string]any{},
		Outputs:         map[string]any{},
		ImageStore:      map[string]ImageRef{},
	}
}

// Clone returns an independent deep-ish copy of s for branching into a
// sounding candidate's isolated Echo (spec §5 "Shared-resource policy":
// parallel sounding workers each have an isolated branched Echo). Maps and
// slices are copied; their leaf values are not deep-copied, matching the
// teacher's runtime Echo branching, which treats tool/state values as
// immutable once written.
func (s *Session) Clone(sessionID string) *Session {
	clone := &Session{
		SessionID:       sessionID,
		ParentSessionID: s.SessionID,
		Depth:           s.Depth + 1,
		Input:           s.Input,
		State:           make(map[string]any, len(s.State)),
		Outputs:         make(map[string]any, len(s.Outputs)),
		History:         append([]Message(nil), s.History...),
		Lineage:         append([]string(nil), s.Lineage...),
		ImageStore:      make(map[string]ImageRef, len(s.ImageStore)),
	}
	for k, v := range s.State {
		clone.State[k] = v
	}
	for k, v := range s.Outputs {
		clone.Outputs[k] = v
	}
	for k, v := range s.ImageStore {
		clone.ImageStore[k] = v
	}
	return clone
}

// Merge folds a winning branch's mutations back into s after soundings
// selection (spec §5: "after winner selection, only the winner's
// state/outputs/history are merged back"). s must be the parent Echo that
// winner was cloned from.
func (s *Session) Merge(winner *Session) {
	for k, v := range winner.State {
		s.State[k] = v
	}
	for k, v := range winner.Outputs {
		s.Outputs[k] = v
	}
	s.History = winner.History
	s.Lineage = winner.Lineage
	for k, v := range winner.ImageStore {
		s.ImageStore[k] = v
	}
}

// MarshalOutput renders v as the canonical JSON form stored in
// Session.Outputs and in Event Record content payloads.
func MarshalOutput(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}
