package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cascaderun/cascade/cascade/template"
	"github.com/cascaderun/cascade/eventsink/inmem"
	"github.com/cascaderun/cascade/modelclient"
	"github.com/cascaderun/cascade/signal"
	"github.com/cascaderun/cascade/toolregistry"
	"github.com/cascaderun/cascade/ward"
)

// newTestDeps builds a minimal Deps usable across runtime package tests: an
// unbuffered in-memory Sink (flushN 1 so Query sees records immediately), an
// empty Tools/Wards registry, and the default Template engine. Individual
// tests override Model/Signals/Tools/Wards as needed.
func newTestDeps(t *testing.T) Deps {
	t.Helper()
	return Deps{
		Sink:     inmem.New(inmem.WithFlushPolicy(1, time.Hour)),
		Tools:    toolregistry.New(),
		Wards:    ward.NewRegistry(),
		Template: template.New(),
	}
}

func newTestRunner(t *testing.T, deps Deps) *Runner {
	t.Helper()
	r, err := NewRunner(deps)
	require.NoError(t, err)
	return r
}

// echoModel returns a ClientFunc that always replies with a fixed text
// response and no tool calls.
func echoModel(text string) modelclient.ClientFunc {
	return func(ctx context.Context, req modelclient.Request) (modelclient.Response, error) {
		return modelclient.Response{
			Message: modelclient.Message{
				Role:  modelclient.RoleAssistant,
				Parts: []modelclient.Part{modelclient.TextPart{Text: text}},
			},
			TokensIn: 10, TokensOut: 5,
		}, nil
	}
}

// scriptedModel replies with turns[0] on the first call, turns[1] on the
// second, and so on, repeating the last entry once exhausted.
func scriptedModel(turns ...string) modelclient.ClientFunc {
	call := 0
	return func(ctx context.Context, req modelclient.Request) (modelclient.Response, error) {
		idx := call
		if idx >= len(turns) {
			idx = len(turns) - 1
		}
		call++
		return modelclient.Response{
			Message: modelclient.Message{
				Role:  modelclient.RoleAssistant,
				Parts: []modelclient.Part{modelclient.TextPart{Text: turns[idx]}},
			},
			TokensIn: 10, TokensOut: 5,
		}, nil
	}
}

func newTestSignals(t *testing.T, deps Deps) (*signal.Manager, *signal.InmemStore) {
	t.Helper()
	store := signal.NewInmemStore()
	return signal.New(store, deps.Sink), store
}
