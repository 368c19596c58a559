// Package engine declares a pluggable workflow-engine abstraction for
// durable, resumable execution, with an inmem implementation for tests and a
// temporal implementation for production. The Cascade Runner (runtime
// package) does not use it: cascades run in-process, and signal waits go
// through signal.Manager rather than an engine SignalChannel.
//
// Grounded on the teacher's runtime/agent/engine package (engine.go,
// context.go): same Engine/WorkflowContext/Future/ActivityDefinition shape,
// generalized away from goa-ai's planner/tool-specific activity helpers
// since cascades have no equivalent fixed activity set.
package engine

import (
	"context"
	"time"

	"github.com/cascaderun/cascade/telemetry"
)

// Engine registers and starts durable workflows and activities.
type Engine interface {
	RegisterWorkflow(def WorkflowDefinition) error
	RegisterActivity(def ActivityDefinition) error
	StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
}

// WorkflowDefinition names a workflow function and the queue it runs on.
type WorkflowDefinition struct {
	Name      string
	TaskQueue string
	Handler   WorkflowFunc
}

// WorkflowFunc is the body of a durable workflow. The inmem engine passes
// input through unchanged and hands the returned value to Wait directly
// (falling back to a JSON round trip when its type differs from out's); the
// temporal adapter serializes both with the Temporal data converter.
type WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

// WorkflowContext is the handle a WorkflowFunc uses to interact with the
// engine: invoke activities, wait on signals, and access telemetry bound to
// the running workflow.
type WorkflowContext interface {
	Context() context.Context
	WorkflowID() string
	RunID() string

	ExecuteActivity(name string, input any) (any, error)
	ExecuteActivityAsync(name string, input any) Future

	SignalChannel(name string) SignalChannel

	Logger() telemetry.Logger
	Metrics() telemetry.Metrics
	Tracer() telemetry.Tracer

	// Now returns the workflow's logical clock. Workflow code must use this
	// instead of time.Now so deterministic replay (temporal) stays correct.
	Now() time.Time
}

// Future represents the result of an asynchronously started activity.
type Future interface {
	// Get blocks until the activity completes and decodes its result into
	// out (a pointer), or returns the activity's error.
	Get(out any) error
	IsReady() bool
}

// ActivityDefinition names an activity function and its options. Of the
// options, only Queue is read (by the temporal engine, to pick the worker the
// activity is registered on); neither engine applies RetryPolicy or Timeout.
type ActivityDefinition struct {
	Name    string
	Handler ActivityFunc
	Options ActivityOptions
}

// ActivityFunc is the body of an activity: a single, retryable unit of work
// invoked from a workflow (a model call, a deterministic tool execution).
type ActivityFunc func(ctx context.Context, input any) (any, error)

// ActivityOptions configures an activity's queue, retry policy, and timeout.
type ActivityOptions struct {
	Queue       string
	RetryPolicy RetryPolicy
	Timeout     time.Duration
}

// WorkflowStartRequest starts a new workflow run.
type WorkflowStartRequest struct {
	ID          string
	Workflow    string
	TaskQueue   string
	Input       any
	RetryPolicy RetryPolicy
}

// ActivityRequest describes a single activity invocation with per-call
// options. No WorkflowContext method accepts it, so neither engine applies
// it.
type ActivityRequest struct {
	Name        string
	Input       any
	Queue       string
	RetryPolicy RetryPolicy
	Timeout     time.Duration
}

// WorkflowHandle references a started workflow run.
type WorkflowHandle interface {
	// Wait blocks until the workflow completes and decodes its result into
	// out (a pointer), or returns the workflow's error.
	Wait(ctx context.Context, out any) error
	// Signal delivers a named signal to the running workflow.
	Signal(ctx context.Context, name string, value any) error
	Cancel(ctx context.Context) error
}

// RetryPolicy bounds activity/workflow retry attempts. A zero value disables
// retries (MaxAttempts of 0 or 1 both mean "try once").
type RetryPolicy struct {
	MaxAttempts        int
	InitialInterval    time.Duration
	BackoffCoefficient float64
}

// SignalChannel is the receive side of a named signal delivered into a
// running workflow (an external approval, a webhook callback).
type SignalChannel interface {
	// Receive blocks until a value arrives and decodes it into out.
	Receive(ctx context.Context, out any) error
	// ReceiveAsync returns immediately; ok is false if nothing has arrived.
	ReceiveAsync(out any) (ok bool, err error)
}

// wfCtxKey stashes a WorkflowContext on a context.Context so activity code
// invoked from within a workflow can recover it if needed.
type wfCtxKey struct{}

// WithWorkflowContext returns a child context carrying wf.
func WithWorkflowContext(ctx context.Context, wf WorkflowContext) context.Context {
	return context.WithValue(ctx, wfCtxKey{}, wf)
}

// WorkflowContextFromContext recovers a WorkflowContext attached by
// WithWorkflowContext, or nil if ctx does not carry one.
func WorkflowContextFromContext(ctx context.Context) WorkflowContext {
	if v := ctx.Value(wfCtxKey{}); v != nil {
		if wf, ok := v.(WorkflowContext); ok {
			return wf
		}
	}
	return nil
}
