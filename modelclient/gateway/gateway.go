// Package gateway composes modelclient.Client instances behind routing,
// retry, and rate-limiting middleware, mirroring the teacher's
// features/model/gateway + features/model/middleware split: a gateway picks
// a concrete provider client per request, and middleware wraps any client
// with cross-cutting behavior.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/cascaderun/cascade/modelclient"
)

// Gateway routes a Request to one of several named Model Clients. It backs
// the soundings "models" assignment (round_robin/random) in spec.md §4.5:
// round-robin assignment is deterministic and index-based, so the gateway
// exposes RoundRobin(i) in addition to the Client interface used for the
// phase's default model.
type Gateway struct {
	clients map[string]modelclient.Client
	order   []string
}

// New builds a Gateway from a name->client map. order fixes the
// deterministic round-robin sequence.
func New(clients map[string]modelclient.Client, order []string) (*Gateway, error) {
	if len(clients) == 0 {
		return nil, errors.New("gateway: at least one client is required")
	}
	for _, name := range order {
		if _, ok := clients[name]; !ok {
			return nil, fmt.Errorf("gateway: order references unknown client %q", name)
		}
	}
	return &Gateway{clients: clients, order: order}, nil
}

// Complete routes by req.Model, which must name a registered client.
func (g *Gateway) Complete(ctx context.Context, req modelclient.Request) (modelclient.Response, error) {
	c, ok := g.clients[req.Model]
	if !ok {
		return modelclient.Response{}, fmt.Errorf("gateway: no client registered for model %q", req.Model)
	}
	return c.Complete(ctx, req)
}

// RoundRobin returns the client assigned to sounding attempt i by taking
// index i modulo the configured order, per spec.md §4.5's deterministic
// round_robin model assignment.
func (g *Gateway) RoundRobin(i int) (name string, client modelclient.Client, err error) {
	if len(g.order) == 0 {
		return "", nil, errors.New("gateway: round-robin requires a non-empty model order")
	}
	name = g.order[i%len(g.order)]
	return name, g.clients[name], nil
}

// WithRetry wraps a Client with exponential backoff retry, making at most
// maxAttempts calls in total and retrying on any error the wrapped client
// returns, using github.com/cenkalti/backoff/v4 as the teacher pack does for
// its own retryable operations.
func WithRetry(c modelclient.Client, maxAttempts int) modelclient.Client {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return modelclient.ClientFunc(func(ctx context.Context, req modelclient.Request) (modelclient.Response, error) {
		var resp modelclient.Response
		policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(maxAttempts-1))
		err := backoff.Retry(func() error {
			var err error
			resp, err = c.Complete(ctx, req)
			return err
		}, backoff.WithContext(policy, ctx))
		return resp, err
	})
}

// WithRateLimit wraps a Client with a token-bucket rate limiter bounding
// requests per second, used to keep sounding/evaluator fan-out within a
// provider's request budget.
func WithRateLimit(c modelclient.Client, requestsPerSecond float64, burst int) modelclient.Client {
	limiter := rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	return modelclient.ClientFunc(func(ctx context.Context, req modelclient.Request) (modelclient.Response, error) {
		if err := limiter.Wait(ctx); err != nil {
			return modelclient.Response{}, err
		}
		return c.Complete(ctx, req)
	})
}

// WithRequestCounter wraps a Client and increments counter once after every
// completed request, whether it succeeded or failed, giving a request count
// independent of provider-reported usage.
func WithRequestCounter(c modelclient.Client, counter *atomic.Int64) modelclient.Client {
	return modelclient.ClientFunc(func(ctx context.Context, req modelclient.Request) (modelclient.Response, error) {
		resp, err := c.Complete(ctx, req)
		counter.Add(1)
		return resp, err
	})
}
