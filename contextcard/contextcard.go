// Package contextcard implements the per-message summary records the
// Context Builder's inter-phase selector consumes without fetching full
// Event Sink originals (spec.md §3/§4.7). Cards are produced asynchronously
// and best-effort off the execution path; the first context-selection query
// after a session starts may legitimately see a sparse card set (spec.md §9
// Open Questions).
package contextcard

import "context"

// Card summarizes one Event Sink message for selection purposes.
type Card struct {
	SessionID string
	// ContentHash joins back to the defining Event Record via
	// eventsink.Query{ContentHash: ...}.
	ContentHash string
	PhaseName   string
	Summary     string
	Keywords    []string
	// Embedding is supplied externally (the embedding model is an
	// out-of-scope collaborator per spec.md §1); nil when unavailable.
	Embedding        []float32
	EstimatedTokens  int
	IsAnchor         bool
	IsCallout        bool
}

// Store is the read/write interface for Context Cards. The write path
// (Put) is exercised only by the asynchronous card generator that
// subscribes to the Event Sink; the read path (ForSession/ForPhases) is exercised only by
// the Context Builder's selector, per spec.md §5 "Context Cards table is
// write-only from the execution path and read-only from the context
// selector."
type Store interface {
	// Put upserts a card, keyed by (SessionID, ContentHash).
	Put(ctx context.Context, card Card) error

	// ForSession returns all cards recorded for a session, in the order
	// they were written.
	ForSession(ctx context.Context, sessionID string) ([]Card, error)

	// ForPhases returns all cards recorded for the given phases within a
	// session, preserving write order. An empty phases list matches all
	// phases.
	ForPhases(ctx context.Context, sessionID string, phases []string) ([]Card, error)
}
