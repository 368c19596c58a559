package runtime

import (
	"context"
	"fmt"

	"github.com/cascaderun/cascade/cascade"
	"github.com/cascaderun/cascade/toolregistry"
	"github.com/cascaderun/cascade/trace"
)

// invokeTool dispatches a looked-up Descriptor, following whichever of the
// two shapes spec.md §4.6 allows a tool registration to be: "a registered
// function, a sub-cascade". Handler takes priority when both are somehow
// set; a SubCascade-only Descriptor spawns a nested Cascade Runner instead
// of calling a nil Handler.
func (r *Runner) invokeTool(ctx context.Context, d toolregistry.Descriptor, args map[string]any, echo *cascade.Session) (toolregistry.Result, error) {
	if d.Handler != nil {
		return d.Handler(ctx, args)
	}
	if d.SubCascade == "" {
		return toolregistry.Result{}, fmt.Errorf("toolregistry: tool %q has neither a Handler nor a SubCascade", d.Name)
	}
	return r.invokeSubCascade(ctx, d.SubCascade, args, echo)
}

// invokeSubCascade runs the cascade registered under cascadeID as a tool
// call, one level deeper than echo (spec.md §9 "Cyclic graphs": sub-cascade
// recursion is bounded by a max spawn depth rather than forbidden outright).
// The child's final output becomes the tool result's Value.
func (r *Runner) invokeSubCascade(ctx context.Context, cascadeID string, args map[string]any, echo *cascade.Session) (toolregistry.Result, error) {
	childDepth := echo.Depth + 1
	if r.deps.MaxSpawnDepth > 0 && childDepth > r.deps.MaxSpawnDepth {
		return toolregistry.Result{}, fmt.Errorf("toolregistry: sub-cascade %q would exceed max spawn depth %d", cascadeID, r.deps.MaxSpawnDepth)
	}
	sub, ok := r.deps.Cascades[cascadeID]
	if !ok {
		return toolregistry.Result{}, fmt.Errorf("toolregistry: unknown sub-cascade %q", cascadeID)
	}

	res, err := r.Run(ctx, sub, args, Options{
		SessionID:       trace.NewSessionID(),
		ParentSessionID: echo.SessionID,
		Depth:           childDepth,
	})
	if err != nil {
		return toolregistry.Result{}, fmt.Errorf("toolregistry: sub-cascade %q: %w", cascadeID, err)
	}
	return toolregistry.Result{Value: res.Output}, nil
}
