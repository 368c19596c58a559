package runtime

import (
	"context"
	"time"

	"github.com/cascaderun/cascade/eventsink"
	"github.com/cascaderun/cascade/trace"
)

// emit appends rec after stamping Timestamp and TraceID (if unset), keeping
// every call site from repeating that boilerplate. Errors are returned, not
// swallowed: a failed Append is itself a ToolIO-class failure for the
// caller to classify (spec.md §5 "Event Sink is the single shared mutable
// resource").
func (r *Runner) emit(ctx context.Context, rec eventsink.Record) (trace.ID, error) {
	if rec.TraceID == "" {
		rec.TraceID = trace.NewID()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if err := r.deps.Sink.Append(ctx, rec); err != nil {
		return rec.TraceID, err
	}
	return rec.TraceID, nil
}

// RecordCostUpdate appends a cost_update event carrying cost that a
// provider reported asynchronously, after the agent event for traceID was
// already written (spec.md §4.1 "Cost updates ... are appended as new
// events with the original trace_id and a node_type = cost_update; they
// never mutate prior records"). A failed append never propagates: it is
// logged and recorded as a best-effort cost_update_error event instead, so
// a billing callback arriving late or out of order can never fail an
// otherwise-complete cascade (spec.md §4.8 "Async cost-update failures
// never affect cascade correctness").
func (r *Runner) RecordCostUpdate(ctx context.Context, sessionID string, traceID trace.ID, cost float64) {
	_, err := r.emit(ctx, eventsink.Record{
		SessionID: sessionID, TraceID: traceID, NodeType: trace.NodeCostUpdate, Cost: cost,
	})
	if err != nil {
		r.deps.logger().Error(ctx, "cost update append failed", "session_id", sessionID, "trace_id", string(traceID), "error", err)
		_, _ = r.emit(ctx, eventsink.Record{
			SessionID: sessionID, ParentID: traceID, NodeType: trace.NodeCostUpdateError,
			Payload: mustMarshal(map[string]string{"error": err.Error()}),
		})
	}
}
