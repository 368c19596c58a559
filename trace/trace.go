// Package trace defines the hierarchical identity every event in the
// cascade runtime carries: trace node kinds, parent/child linkage, and the
// stable content hash used to join compressed context back to full
// originals in the Event Sink.
package trace

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// NodeType classifies a trace node's position in the execution graph.
type NodeType string

// Node types recorded by the runtime. Every Event Record carries exactly one.
const (
	NodeCascadeStart     NodeType = "cascade_start"
	NodeCascadeComplete  NodeType = "cascade_complete"
	NodeCascadeError     NodeType = "cascade_error"
	NodeCascadeCancelled NodeType = "cascade_cancelled"
	NodePhaseStart       NodeType = "phase_start"
	NodePhaseComplete    NodeType = "phase_complete"
	NodeTurn             NodeType = "turn"
	NodeAgent            NodeType = "agent"
	NodeToolCall         NodeType = "tool_call"
	NodeToolResult       NodeType = "tool_result"
	NodeSoundingAttempt  NodeType = "sounding_attempt"
	NodeWinner           NodeType = "winner"
	NodeReforgeStep      NodeType = "reforge_step"
	NodeWard             NodeType = "ward"
	NodeLoopUntilCheck   NodeType = "loop_until_check"
	NodeContextSelection NodeType = "context_selection"
	NodeCheckpoint       NodeType = "checkpoint"
	NodeSignalWait       NodeType = "signal_wait"
	NodeSignalFired      NodeType = "signal_fired"
	NodeCostUpdate       NodeType = "cost_update"
	NodeCostUpdateError  NodeType = "cost_update_error"
	NodeCancelled        NodeType = "cancelled"
)

// ID is a unique trace node identifier. IDs are opaque and generated by
// NewID; callers must not parse their structure.
type ID string

// NewID returns a fresh, globally unique trace identifier.
func NewID() ID {
	return ID(uuid.NewString())
}

// NewSessionID returns a fresh, globally unique session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// SoundingSessionID derives the per-attempt session id for sounding i of a
// phase running under parent session parent, per the namespacing invariant
// in spec.md §3: "attempt i of phase P in session S uses session
// S_sounding{i}".
func SoundingSessionID(parent string, i int) string {
	return joinSuffix(parent, "_sounding", i)
}

// ReforgeSessionID derives the per-attempt session id for reforge step k,
// attempt i: "S_reforge{k}_{i}".
func ReforgeSessionID(parent string, step, i int) string {
	return joinSuffix(joinSuffix(parent, "_reforge", step), "_", i)
}

func joinSuffix(parent, sep string, n int) string {
	var b strings.Builder
	b.WriteString(parent)
	b.WriteString(sep)
	writeInt(&b, n)
	return b.String()
}

func writeInt(b *strings.Builder, n int) {
	if n == 0 {
		b.WriteByte('0')
		return
	}
	if n < 0 {
		b.WriteByte('-')
		n = -n
	}
	var digits [20]byte
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	b.Write(digits[i:])
}

// ContentHash computes the stable 16-hex-character hash of (role, content)
// used to join compressed and hydrated context back to the Event Sink
// original, per spec.md §3. Content is normalized (trimmed, internal
// whitespace runs collapsed) before hashing so that two messages differing
// only in incidental formatting share a hash.
func ContentHash(role, content string) string {
	norm := normalize(content)
	sum := sha256.Sum256([]byte(role + "\x00" + norm))
	return hex.EncodeToString(sum[:])[:16]
}

func normalize(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}
