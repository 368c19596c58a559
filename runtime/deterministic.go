package runtime

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cascaderun/cascade/cascade"
	"github.com/cascaderun/cascade/cascade/template"
	"github.com/cascaderun/cascade/toolregistry"
)

// runDeterministic executes spec.md §4.4's deterministic phase: render
// inputs, resolve the `run` reference against one of four shapes in order
// (registered tool, python:, sql:, shell:), retry per Backoff/MaxAttempts
// bounded by Timeout, and interpret the result into a routingHint.
func (r *Runner) runDeterministic(ctx context.Context, phase cascade.Phase, echo *cascade.Session) (turnLoopResult, error) {
	det := phase.Deterministic
	vars := template.Vars{Input: echo.Input, State: echo.State, Outputs: echo.Outputs, Lineage: echo.Lineage}
	inputs, err := r.deps.Template.RenderMap(det.Inputs, vars)
	if err != nil {
		return turnLoopResult{}, newError(KindTemplate, phase.Name, "render deterministic inputs", err)
	}
	args := make(map[string]any, len(inputs))
	for k, v := range inputs {
		args[k] = v
	}

	maxAttempts := det.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	timeout := det.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var res toolregistry.Result
	var lastErr error
	policy := backoff.WithMaxRetries(deterministicBackOff(det.Backoff, det.MaxDelay), uint64(maxAttempts-1))
	retryErr := backoff.Retry(func() error {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		var err error
		res, err = r.invokeRun(runCtx, phase, det.Run, args, echo)
		lastErr = err
		return err
	}, backoff.WithContext(policy, ctx))

	if retryErr == nil {
		return r.interpretDeterministicResult(phase, det, res), nil
	}
	if ctx.Err() != nil {
		return turnLoopResult{}, newError(KindCancelled, phase.Name, "deterministic phase cancelled", ctx.Err())
	}
	if det.OnError != "" {
		return turnLoopResult{Hint: routingHint{Route: det.OnError, HasRoute: true}}, nil
	}
	return turnLoopResult{}, newError(KindTool, phase.Name, "deterministic run failed", lastErr)
}

// invokeRun resolves det.Run's shape per spec.md §4.4: a registered tool
// name takes priority, then the "python:"/"sql:"/"shell:" prefixed forms.
func (r *Runner) invokeRun(ctx context.Context, phase cascade.Phase, run string, args map[string]any, echo *cascade.Session) (toolregistry.Result, error) {
	if d, ok := r.deps.Tools.Lookup(run); ok {
		if err := d.Validate(args); err != nil {
			return toolregistry.Result{}, newError(KindToolUsage, phase.Name, "invalid arguments for "+run, err)
		}
		ctxParams := map[string]any{
			"_session_id": echo.SessionID, "_phase_name": phase.Name,
			"_outputs": echo.Outputs, "_state": echo.State,
		}
		return r.invokeTool(ctx, d, d.InjectContextParams(args, ctxParams), echo)
	}

	switch {
	case strings.HasPrefix(run, "python:"):
		if r.deps.Python == nil {
			return toolregistry.Result{}, newError(KindConfig, phase.Name, "python: run shape requires a configured Python invoker", nil)
		}
		return r.deps.Python(ctx, strings.TrimPrefix(run, "python:"), args)

	case strings.HasPrefix(run, "sql:"):
		if r.deps.SQL == nil {
			return toolregistry.Result{}, newError(KindConfig, phase.Name, "sql: run shape requires a configured SQL runner", nil)
		}
		path := strings.TrimPrefix(run, "sql:")
		raw, err := os.ReadFile(path)
		if err != nil {
			return toolregistry.Result{}, newError(KindConfig, phase.Name, "read sql file "+path, err)
		}
		rendered, err := r.deps.Template.Render(string(raw), template.Vars{Input: echo.Input, State: echo.State, Outputs: echo.Outputs})
		if err != nil {
			return toolregistry.Result{}, newError(KindTemplate, phase.Name, "render sql file "+path, err)
		}
		return r.deps.SQL(ctx, path, rendered, args)

	case strings.HasPrefix(run, "shell:"):
		return r.invokeShell(ctx, phase, strings.TrimPrefix(run, "shell:"), args, echo)

	default:
		return toolregistry.Result{}, newError(KindConfig, phase.Name, "unresolvable run reference "+run, nil)
	}
}

// invokeShell reads the script at path, renders it through the template
// engine, and executes it with os/exec, following decl.Executor's
// executeShell idiom.
func (r *Runner) invokeShell(ctx context.Context, phase cascade.Phase, path string, args map[string]any, echo *cascade.Session) (toolregistry.Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return toolregistry.Result{}, newError(KindConfig, phase.Name, "read shell script "+path, err)
	}
	rendered, err := r.deps.Template.Render(string(raw), template.Vars{Input: echo.Input, State: echo.State, Outputs: echo.Outputs})
	if err != nil {
		return toolregistry.Result{}, newError(KindTemplate, phase.Name, "render shell script "+path, err)
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", rendered)
	for k, v := range args {
		if s, ok := v.(string); ok {
			cmd.Env = append(cmd.Env, envName(k)+"="+s)
		}
	}
	cmd.Env = append(cmd.Env, os.Environ()...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return toolregistry.Result{}, newError(KindToolTimeout, phase.Name, "shell script "+path+" timed out", err)
		}
		return toolregistry.Result{}, newError(KindToolIO, phase.Name, "shell script "+path+" failed: "+stderr.String(), err)
	}
	return toolregistry.Result{Value: strings.TrimRight(stdout.String(), "\n")}, nil
}

func envName(k string) string {
	return "CASCADE_" + strings.ToUpper(k)
}

// interpretDeterministicResult maps a successful run's Result onto a
// routingHint per spec.md §4.4 step 3: `_route` wins outright; otherwise a
// `status` value matching a configured routing entry is taken; absent
// either, the phase falls through to its single/zero static handoff.
func (r *Runner) interpretDeterministicResult(phase cascade.Phase, det *cascade.DeterministicPhase, res toolregistry.Result) turnLoopResult {
	out := turnLoopResult{Output: stringifyResult(res)}
	if res.Route != "" {
		out.Hint = routingHint{Route: res.Route, HasRoute: true}
		return out
	}
	if res.Status != "" {
		if target, ok := det.Routing[res.Status]; ok {
			out.Hint = routingHint{Route: target, HasRoute: true}
		}
	}
	return out
}

func stringifyResult(res toolregistry.Result) string {
	if res.Content != nil {
		return toText(res.Content)
	}
	return toText(res.Value)
}

func toText(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return string(mustMarshal(v))
}

// deterministicBackOff builds the backoff.BackOff policy for a deterministic
// phase retry per spec.md §4.4 "retry: exponential | linear backoff, capped
// by max_delay", using github.com/cenkalti/backoff/v4 the way
// modelclient/gateway.WithRetry does for model calls.
func deterministicBackOff(mode string, maxDelay time.Duration) backoff.BackOff {
	if mode == "linear" {
		return &linearBackOff{interval: time.Second, max: maxDelay}
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	if maxDelay > 0 {
		eb.MaxInterval = maxDelay
	}
	return eb
}

// linearBackOff is a backoff.BackOff that grows its delay by a fixed
// increment each attempt instead of exponentially, satisfying the
// "linear" mode spec.md §4.4 names alongside "exponential" (the
// cenkalti/backoff/v4 package ships only exponential and constant
// policies).
type linearBackOff struct {
	interval time.Duration
	max      time.Duration
	attempt  int
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.attempt++
	delay := l.interval * time.Duration(l.attempt)
	if l.max > 0 && delay > l.max {
		delay = l.max
	}
	return delay
}

func (l *linearBackOff) Reset() { l.attempt = 0 }

// parseTimeout parses spec.md §4.4's timeout format: either a bare integer
// (seconds) or a Go-duration-like "(Nh)?(Nm)?(Ns)?" composite.
func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}
