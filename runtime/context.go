package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/cascaderun/cascade/cascade"
	"github.com/cascaderun/cascade/cascade/template"
	"github.com/cascaderun/cascade/contextbuilder"
	"github.com/cascaderun/cascade/eventsink"
	"github.com/cascaderun/cascade/modelclient"
	"github.com/cascaderun/cascade/scheduler"
	"github.com/cascaderun/cascade/signal"
	"github.com/cascaderun/cascade/telemetry"
	"github.com/cascaderun/cascade/toolregistry"
	"github.com/cascaderun/cascade/ward"
)

// ImageStore persists tool-result images under the session-scoped tree
// spec.md §6 describes: "images/{session_id}.../{phase_name}/image_{N}.{ext}".
type ImageStore interface {
	Persist(ctx context.Context, sessionID, phaseName string, index int, srcPath string) (cascade.ImageRef, error)
}

// PythonInvoker resolves the "python:module.path.func" deterministic-run
// shape (spec.md §4.4). It is an external collaborator per spec.md §1; a
// nil PythonInvoker makes that run shape fail closed with a ConfigError.
type PythonInvoker func(ctx context.Context, funcRef string, args map[string]any) (toolregistry.Result, error)

// SQLRunner resolves the "sql:path/to/query.sql" deterministic-run shape
// against "the configured analytic engine" (spec.md §4.4), itself an
// out-of-scope external collaborator per spec.md §1.
type SQLRunner func(ctx context.Context, queryPath, renderedSQL string, args map[string]any) (toolregistry.Result, error)

// Deps bundles every collaborator the Cascade Runner and Phase Executor
// depend on, passed by value through the execution path rather than as
// hidden globals (spec.md §9 "Global registries and singletons" redesign
// note: a RunContext value carries registry/sink/model/cancellation
// references explicitly).
type Deps struct {
	Sink    eventsink.Sink
	Tools   *toolregistry.Registry
	Wards   *ward.Registry
	Context *contextbuilder.Builder
	Model   modelclient.Client
	// Evaluator is the model used for soundings winner selection; nil falls
	// back to Model.
	Evaluator modelclient.Client
	Template  *template.Engine
	Signals   *signal.Manager
	Scheduler *scheduler.Pool
	Images    ImageStore

	Python PythonInvoker
	SQL    SQLRunner

	// Cascades resolves a sub-cascade reference by id, used by tools that
	// spawn nested cascade runs (spec.md §9 "Cyclic graphs").
	Cascades map[string]*cascade.Cascade

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer

	// SignalPollInterval bounds signal.Manager.Await's polling cadence.
	SignalPollInterval time.Duration
	// MaxSpawnDepth bounds sub-cascade recursion (spec.md §9).
	MaxSpawnDepth int
}

func (d Deps) logger() telemetry.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return telemetry.NewNoopLogger()
}

func (d Deps) metrics() telemetry.Metrics {
	if d.Metrics != nil {
		return d.Metrics
	}
	return telemetry.NewNoopMetrics()
}

func (d Deps) evaluator() modelclient.Client {
	if d.Evaluator != nil {
		return d.Evaluator
	}
	return d.Model
}

// Runner is the Cascade Runner (spec.md §4.1): it owns one cascade
// execution's Session/Echo and dispatches phases through the Phase
// Executor.
type Runner struct {
	deps Deps
}

// NewRunner builds a Runner from deps.
func NewRunner(deps Deps) (*Runner, error) {
	if deps.Sink == nil {
		return nil, fmt.Errorf("runtime: Sink is required")
	}
	if deps.Tools == nil {
		return nil, fmt.Errorf("runtime: Tools registry is required")
	}
	if deps.Wards == nil {
		return nil, fmt.Errorf("runtime: Wards registry is required")
	}
	if deps.Scheduler == nil {
		deps.Scheduler = scheduler.NewPool(0)
	}
	if deps.Template == nil {
		deps.Template = template.New()
	}
	if deps.SignalPollInterval <= 0 {
		deps.SignalPollInterval = 2 * time.Second
	}
	if deps.MaxSpawnDepth <= 0 {
		deps.MaxSpawnDepth = 8
	}
	return &Runner{deps: deps}, nil
}
