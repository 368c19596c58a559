// Package scheduler implements the bounded worker pool and cooperative
// cancellation token used to run sounding candidates, cascade-level
// soundings, and async-spawned sub-cascades in parallel (spec.md §4.9,
// §5). Concurrency here mirrors the teacher's child-tracking pattern in
// runtime/agent/runtime/child_tracker.go generalized from "discovered child
// tool calls" to "dispatched parallel units of work", executed with an
// errgroup the way the teacher bounds concurrent activity dispatch.
package scheduler

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Token is a cooperative cancellation token propagated from the Cascade
// Runner to every worker (spec.md §4.9 "Cancellation"). Workers check
// Done() between suspension points; once cancelled, in-flight Model
// requests are abandoned and unstarted tasks are discarded.
type Token struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewToken derives a Token from parent.
func NewToken(parent context.Context) Token {
	ctx, cancel := context.WithCancel(parent)
	return Token{ctx: ctx, cancel: cancel}
}

// Context returns the token's context, to be threaded through suspension
// points (Model Client calls, tool invocations, signal awaits).
func (t Token) Context() context.Context { return t.ctx }

// Cancel triggers cooperative cancellation. Idempotent (spec.md §4.9:
// "Cancellation ... is idempotent").
func (t Token) Cancel() { t.cancel() }

// Done reports whether the token has been cancelled.
func (t Token) Done() bool {
	select {
	case <-t.ctx.Done():
		return true
	default:
		return false
	}
}

// Pool bounds concurrent execution of parallel work units (sounding
// candidates, cascade-level soundings, async sub-cascade spawns) by
// maxParallel, per spec.md §4.9 "Model: Parallel workers ... bounded by a
// per-cascade max_parallel".
type Pool struct {
	maxParallel int
}

// NewPool builds a Pool. maxParallel <= 0 means unbounded.
func NewPool(maxParallel int) *Pool {
	return &Pool{maxParallel: maxParallel}
}

// Run executes fns concurrently, each receiving its index, bounded by the
// pool's max_parallel, and returns the results in index order. A single
// fn error cancels the group's context (derived from token; the token
// itself is not cancelled) and causes Run to return that error once all
// in-flight fns have unwound; fns not yet started by then are never called
// (spec.md §4.9 "scheduled but unstarted tasks are discarded").
func Run[T any](ctx context.Context, token Token, p *Pool, n int, fn func(ctx context.Context, i int) (T, error)) ([]T, error) {
	results := make([]T, n)
	g, gctx := errgroup.WithContext(token.Context())
	if p.maxParallel > 0 {
		g.SetLimit(p.maxParallel)
	}
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := fn(gctx, i)
			if err != nil {
				return err
			}
			mu.Lock()
			results[i] = out
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// RunBestEffort behaves like Run but never aborts early: every fn runs to
// completion (subject to token cancellation) and per-index errors are
// returned alongside results, since soundings evaluation must be able to
// exclude individually-failed candidates rather than aborting the whole
// round (spec.md §4.5 "pre-filtered ... invalid candidates are excluded").
func RunBestEffort[T any](ctx context.Context, token Token, p *Pool, n int, fn func(ctx context.Context, i int) (T, error)) ([]T, []error) {
	results := make([]T, n)
	errs := make([]error, n)
	sem := make(chan struct{}, capacity(p.maxParallel, n))
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			out, err := fn(token.Context(), i)
			results[i] = out
			errs[i] = err
		}()
	}
	wg.Wait()
	return results, errs
}

func capacity(maxParallel, n int) int {
	if maxParallel <= 0 || maxParallel > n {
		if n <= 0 {
			return 1
		}
		return n
	}
	return maxParallel
}
