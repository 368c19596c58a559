// Package inmem is an in-process Engine implementation: workflows run as
// goroutines, activities run inline, and signals are delivered over
// buffered channels. It is the default engine for tests and for single-process
// deployments that don't need cross-process durability.
//
// Grounded on the teacher's runtime/agent/engine/inmem adapter (goroutine per
// workflow, future-over-channel pattern, reflection-assisted result
// decoding); the activity-registration surface here is generalized to a
// single RegisterActivity rather than the teacher's goa-ai-specific
// RegisterPlannerActivity/RegisterExecuteToolActivity helpers, since cascades
// have no fixed activity set.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/cascaderun/cascade/runtime/engine"
	"github.com/cascaderun/cascade/telemetry"
)

// Eng is an in-memory engine.Engine.
type Eng struct {
	mu         sync.Mutex
	workflows  map[string]engine.WorkflowDefinition
	activities map[string]engine.ActivityDefinition

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// Options configures telemetry injected into every WorkflowContext. Nil
// fields fall back to noop implementations.
type Options struct {
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

// New builds an in-memory engine.Engine.
func New(opts Options) *Eng {
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	return &Eng{
		workflows:  make(map[string]engine.WorkflowDefinition),
		activities: make(map[string]engine.ActivityDefinition),
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
	}
}

// RegisterWorkflow implements engine.Engine.
func (e *Eng) RegisterWorkflow(def engine.WorkflowDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("inmem: workflow name is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[def.Name] = def
	return nil
}

// RegisterActivity implements engine.Engine.
func (e *Eng) RegisterActivity(def engine.ActivityDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("inmem: activity name is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activities[def.Name] = def
	return nil
}

func (e *Eng) activity(name string) (engine.ActivityDefinition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	def, ok := e.activities[name]
	return def, ok
}

// StartWorkflow implements engine.Engine. The workflow runs on its own
// goroutine; the returned handle synchronizes on its completion.
func (e *Eng) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	e.mu.Lock()
	def, ok := e.workflows[req.Workflow]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("inmem: workflow %q is not registered", req.Workflow)
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &handle{
		id:     req.ID,
		runID:  req.ID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	wctx := &workflowCtx{
		ctx:     runCtx,
		id:      req.ID,
		runID:   req.ID,
		eng:     e,
		signals: make(map[string]*signalChan),
		logger:  e.logger,
		metrics: e.metrics,
		tracer:  e.tracer,
	}
	h.wctx = wctx

	go func() {
		defer close(h.done)
		result, err := def.Handler(wctx, req.Input)
		h.mu.Lock()
		h.result, h.err = result, err
		h.mu.Unlock()
	}()

	return h, nil
}

type handle struct {
	id, runID string
	cancel    context.CancelFunc
	wctx      *workflowCtx

	done chan struct{}
	mu   sync.Mutex
	result any
	err    error
}

func (h *handle) Wait(ctx context.Context, out any) error {
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	return assignResult(h.result, out)
}

func (h *handle) Signal(ctx context.Context, name string, value any) error {
	return h.wctx.signal(name, value)
}

func (h *handle) Cancel(ctx context.Context) error {
	h.cancel()
	return nil
}

type workflowCtx struct {
	ctx   context.Context
	id    string
	runID string
	eng   *Eng

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	mu      sync.Mutex
	signals map[string]*signalChan
}

func (w *workflowCtx) Context() context.Context { return engine.WithWorkflowContext(w.ctx, w) }
func (w *workflowCtx) WorkflowID() string       { return w.id }
func (w *workflowCtx) RunID() string            { return w.runID }
func (w *workflowCtx) Logger() telemetry.Logger { return w.logger }
func (w *workflowCtx) Metrics() telemetry.Metrics { return w.metrics }
func (w *workflowCtx) Tracer() telemetry.Tracer   { return w.tracer }
func (w *workflowCtx) Now() time.Time             { return time.Now().UTC() }

func (w *workflowCtx) ExecuteActivity(name string, input any) (any, error) {
	def, ok := w.eng.activity(name)
	if !ok {
		return nil, fmt.Errorf("inmem: activity %q is not registered", name)
	}
	return def.Handler(w.Context(), input)
}

func (w *workflowCtx) ExecuteActivityAsync(name string, input any) engine.Future {
	f := &future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		result, err := w.ExecuteActivity(name, input)
		f.mu.Lock()
		f.result, f.err, f.ready = result, err, true
		f.mu.Unlock()
	}()
	return f
}

func (w *workflowCtx) SignalChannel(name string) engine.SignalChannel {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.signals[name]
	if !ok {
		ch = &signalChan{ch: make(chan any, 16)}
		w.signals[name] = ch
	}
	return ch
}

func (w *workflowCtx) signal(name string, value any) error {
	ch := w.SignalChannel(name).(*signalChan)
	select {
	case ch.ch <- value:
		return nil
	default:
		return fmt.Errorf("inmem: signal channel %q is full", name)
	}
}

type future struct {
	mu     sync.Mutex
	ready  bool
	result any
	err    error
	done   chan struct{}
}

func (f *future) Get(out any) error {
	<-f.done
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	return assignResult(f.result, out)
}

func (f *future) IsReady() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

type signalChan struct {
	ch chan any
}

func (s *signalChan) Receive(ctx context.Context, out any) error {
	select {
	case v := <-s.ch:
		return assignResult(v, out)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *signalChan) ReceiveAsync(out any) (bool, error) {
	select {
	case v := <-s.ch:
		return true, assignResult(v, out)
	default:
		return false, nil
	}
}

// assignResult decodes result into out (a non-nil pointer). Direct-assignable
// values are copied by reflection; anything else is round-tripped through
// JSON, matching how a durable engine would decode a serialized payload.
func assignResult(result any, out any) error {
	if out == nil {
		return nil
	}
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("inmem: out must be a non-nil pointer")
	}
	if result == nil {
		return nil
	}
	resultVal := reflect.ValueOf(result)
	elem := rv.Elem()
	if resultVal.Type().AssignableTo(elem.Type()) {
		elem.Set(resultVal)
		return nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("inmem: marshal result: %w", err)
	}
	return json.Unmarshal(data, out)
}
