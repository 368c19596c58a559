// Package eventsink defines the append-only structured event log described
// in spec.md §3/§6: the single source of truth for cascade execution. Every
// meaningful act — phase dispatch, model call, tool invocation, ward
// verdict, routing decision, signal wait — is written as one Record keyed
// by a trace.ID, with an optional parent pointer establishing hierarchy.
//
// Sink is the only interface the rest of the runtime depends on; concrete
// backends (in-memory, Postgres, MongoDB) live in subpackages and sibling
// packages so the core engine never imports a storage driver directly.
package eventsink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cascaderun/cascade/trace"
)

// Record is a single row in the Event Sink. Field groups mirror spec.md §3.
type Record struct {
	// Required.
	Timestamp time.Time
	SessionID string
	TraceID   trace.ID
	NodeType  trace.NodeType

	// Classification.
	ParentID        trace.ID
	ParentSessionID string
	Role            string
	Depth           int
	CascadeID       string
	PhaseName       string

	// Execution context.
	SoundingIndex *int
	IsWinner      bool
	ReforgeStep   *int
	AttemptNumber int
	TurnNumber    int

	// LLM accounting.
	Model             string
	ProviderRequestID string
	TokensIn          int
	TokensOut         int
	Cost              float64
	DurationMS        int64

	// Content. Payload is the canonical JSON-encoded body (assistant
	// message, tool call list, tool result, validator verdict, ...).
	Payload     json.RawMessage
	ContentHash string

	// Metadata is a free-form structured map. SemanticActor is promoted to
	// a first-class field because context selection filters on it
	// directly (spec.md §3 "semantic_actor tag for filtering").
	Metadata      map[string]any
	SemanticActor string
}

// Query expresses the relational predicates spec.md §6 requires consumers
// be able to filter on: by identifier, by node type, by content hash, and
// by arbitrary session/phase scoping. Zero-valued fields are unconstrained.
type Query struct {
	SessionID   string
	TraceID     trace.ID
	WithAncestors bool // when TraceID is set, also return its ancestor chain
	NodeTypes   []trace.NodeType
	PhaseName   string
	ContentHash string
	Since       time.Time
	Limit       int
}

// Sink is the append-only Event Sink. Implementations must uphold the
// ordering invariants in spec.md §3/§5:
//   - a trace_id is written exactly once as its defining node event;
//   - parent-before-child: a parent event is durable before any child
//     event is released to readers (buffered sinks must flush the parent
//     group before the child group);
//   - cost/ other async updates are appended as new records referencing
//     the original trace_id with NodeType = cost_update, never mutating
//     prior records.
type Sink interface {
	// Append durably writes rec. Implementations assign nothing; callers
	// supply a fully-formed Record including TraceID.
	Append(ctx context.Context, rec Record) error

	// Query returns records matching q, ordered by (Timestamp, insertion
	// sequence) ascending. An ancestor query (TraceID with WithAncestors)
	// instead returns the chain starting at TraceID's own record and
	// following parent pointers toward the root.
	Query(ctx context.Context, q Query) ([]Record, error)

	// Subscribe returns a channel of records appended after the call to
	// Subscribe, for downstream consumers (dashboard, notebook UI) per
	// spec.md §2. The channel is closed when ctx is cancelled.
	Subscribe(ctx context.Context) (<-chan Record, error)
}

// Flusher is implemented by sinks that buffer writes (spec.md §5: "bounded
// buffering, flush policy: N events or T seconds"). Flush blocks until all
// buffered records are durable.
type Flusher interface {
	Flush(ctx context.Context) error
}
