// Package temporal implements engine.Engine backed by Temporal
// (https://temporal.io), giving cascade runs durable execution across
// process restarts and crashes: Temporal replays workflow history instead
// of re-running side effects. Workflows must stay deterministic; model
// calls, tool executions, and anything else with a side effect run inside
// activities.
//
// Grounded on the teacher's runtime/agent/engine/temporal adapter (Options/
// WorkerOptions/InstrumentationOptions shape, OTEL interceptor wiring,
// per-queue worker pooling); trimmed to the subset the cascade runtime
// actually needs (no child-workflow or query-handler surface, since the
// Cascade Runner doesn't nest workflows or expose live queries) and
// retargeted at the package-local engine.Engine interface instead of
// goa-ai's.
package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/cascaderun/cascade/runtime/engine"
	"github.com/cascaderun/cascade/telemetry"
)

// Options configures the Temporal engine adapter.
type Options struct {
	// Client is a pre-configured Temporal client. If nil, ClientOptions is
	// used to dial one.
	Client client.Client
	// ClientOptions dials a client when Client is nil.
	ClientOptions client.Options

	// DefaultTaskQueue is used when a workflow/activity definition omits a
	// queue.
	DefaultTaskQueue string
	// WorkerOptions is forwarded to worker.New for every queue the engine
	// creates a worker for.
	WorkerOptions worker.Options

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// Eng is an engine.Engine backed by a Temporal client and a pool of
// per-queue workers, created lazily on the first RegisterWorkflow/
// RegisterActivity call targeting that queue and started by Start.
type Eng struct {
	client    client.Client
	ownClient bool
	defaultTQ string
	workerOpt worker.Options

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	mu      sync.Mutex
	workers map[string]worker.Worker
	started map[string]bool
}

// New dials (if needed) a Temporal client and returns an engine.Engine.
func New(opts Options) (*Eng, error) {
	c := opts.Client
	ownClient := false
	if c == nil {
		var err error
		c, err = client.Dial(opts.ClientOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal: dial client: %w", err)
		}
		ownClient = true
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	defaultTQ := opts.DefaultTaskQueue
	if defaultTQ == "" {
		defaultTQ = "cascade-default"
	}
	return &Eng{
		client:    c,
		ownClient: ownClient,
		defaultTQ: defaultTQ,
		workerOpt: opts.WorkerOptions,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		workers:   make(map[string]worker.Worker),
		started:   make(map[string]bool),
	}, nil
}

// Close releases the underlying Temporal client if this Eng created it.
func (e *Eng) Close() {
	if e.ownClient {
		e.client.Close()
	}
}

func (e *Eng) queue(q string) string {
	if q == "" {
		return e.defaultTQ
	}
	return q
}

func (e *Eng) workerFor(queue string) worker.Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.workers[queue]
	if !ok {
		w = worker.New(e.client, queue, e.workerOpt)
		e.workers[queue] = w
	}
	return w
}

// RegisterWorkflow implements engine.Engine. The workflow is wrapped in a
// Temporal workflow.Func that bridges to our WorkflowContext abstraction.
func (e *Eng) RegisterWorkflow(def engine.WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal: workflow name is required")
	}
	queue := e.queue(def.TaskQueue)
	w := e.workerFor(queue)
	w.RegisterWorkflowWithOptions(wrapWorkflow(def, e), workflow.RegisterOptions{Name: def.Name})
	return nil
}

// RegisterActivity implements engine.Engine.
func (e *Eng) RegisterActivity(def engine.ActivityDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("temporal: activity name is required")
	}
	queue := e.queue(def.Options.Queue)
	w := e.workerFor(queue)
	w.RegisterActivityWithOptions(func(ctx context.Context, input any) (any, error) {
		return def.Handler(ctx, input)
	}, activity.RegisterOptions{Name: def.Name})
	return nil
}

// Start begins polling every registered task queue. Call once after all
// RegisterWorkflow/RegisterActivity calls; StartWorkflow does not require a
// local worker to be running (a separate worker process may own execution).
func (e *Eng) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for queue, w := range e.workers {
		if e.started[queue] {
			continue
		}
		if err := w.Start(); err != nil {
			return fmt.Errorf("temporal: start worker on queue %q: %w", queue, err)
		}
		e.started[queue] = true
	}
	return nil
}

// Stop gracefully stops every worker this engine started.
func (e *Eng) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, w := range e.workers {
		w.Stop()
	}
}

func toRetryPolicy(rp engine.RetryPolicy) *sdktemporal.RetryPolicy {
	if rp.MaxAttempts == 0 {
		return nil
	}
	out := &sdktemporal.RetryPolicy{MaximumAttempts: int32(rp.MaxAttempts)}
	if rp.InitialInterval > 0 {
		out.InitialInterval = rp.InitialInterval
	}
	if rp.BackoffCoefficient > 0 {
		out.BackoffCoefficient = rp.BackoffCoefficient
	}
	return out
}

// StartWorkflow implements engine.Engine.
func (e *Eng) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	opts := client.StartWorkflowOptions{
		ID:        req.ID,
		TaskQueue: e.queue(req.TaskQueue),
	}
	if rp := toRetryPolicy(req.RetryPolicy); rp != nil {
		opts.RetryPolicy = rp
	}
	run, err := e.client.ExecuteWorkflow(ctx, opts, req.Workflow, req.Input)
	if err != nil {
		return nil, fmt.Errorf("temporal: start workflow %q: %w", req.Workflow, err)
	}
	return &runHandle{client: e.client, run: run}, nil
}

type runHandle struct {
	client client.Client
	run    client.WorkflowRun
}

func (h *runHandle) Wait(ctx context.Context, out any) error {
	return h.run.Get(ctx, out)
}

func (h *runHandle) Signal(ctx context.Context, name string, value any) error {
	return h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, value)
}

func (h *runHandle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}

// wrapWorkflow adapts a generic engine.WorkflowFunc into a Temporal workflow
// entry point, bridging workflow.Context to our WorkflowContext interface.
func wrapWorkflow(def engine.WorkflowDefinition, e *Eng) func(ctx workflow.Context, input any) (any, error) {
	return func(ctx workflow.Context, input any) (any, error) {
		wctx := &workflowCtx{ctx: ctx, eng: e}
		return def.Handler(wctx, input)
	}
}

type workflowCtx struct {
	ctx workflow.Context
	eng *Eng
}

func (w *workflowCtx) Context() context.Context { return nil }
func (w *workflowCtx) WorkflowID() string {
	return workflow.GetInfo(w.ctx).WorkflowExecution.ID
}
func (w *workflowCtx) RunID() string {
	return workflow.GetInfo(w.ctx).WorkflowExecution.RunID
}
func (w *workflowCtx) Logger() telemetry.Logger   { return w.eng.logger }
func (w *workflowCtx) Metrics() telemetry.Metrics { return w.eng.metrics }
func (w *workflowCtx) Tracer() telemetry.Tracer   { return w.eng.tracer }
func (w *workflowCtx) Now() time.Time             { return workflow.Now(w.ctx) }

func (w *workflowCtx) ExecuteActivity(name string, input any) (any, error) {
	var result any
	fut := workflow.ExecuteActivity(w.ctx, name, input)
	err := fut.Get(w.ctx, &result)
	return result, err
}

func (w *workflowCtx) ExecuteActivityAsync(name string, input any) engine.Future {
	return &future{ctx: w.ctx, fut: workflow.ExecuteActivity(w.ctx, name, input)}
}

func (w *workflowCtx) SignalChannel(name string) engine.SignalChannel {
	return &signalChan{ctx: w.ctx, ch: workflow.GetSignalChannel(w.ctx, name)}
}

type future struct {
	ctx workflow.Context
	fut workflow.Future
}

func (f *future) Get(out any) error  { return f.fut.Get(f.ctx, out) }
func (f *future) IsReady() bool      { return f.fut.IsReady() }

type signalChan struct {
	ctx workflow.Context
	ch  workflow.ReceiveChannel
}

func (s *signalChan) Receive(ctx context.Context, out any) error {
	s.ch.Receive(s.ctx, out)
	return nil
}

func (s *signalChan) ReceiveAsync(out any) (bool, error) {
	ok := s.ch.ReceiveAsync(out)
	return ok, nil
}
