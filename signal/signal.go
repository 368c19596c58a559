// Package signal implements the cascade runtime's Signal Manager (spec.md
// §4.8): named conditions — human, sensor, webhook, time, and composite
// (all/any) — awaited by polling a Store, with checkpoint and signal_fired
// records appended to the Event Sink. The blocking-wait shape (a named
// channel a workflow can Receive from, with an async, non-blocking variant)
// follows the teacher's engine.SignalChannel /
// runtime/agent/interrupt.Controller pattern, adapted from Temporal signal
// channels to Store polling. The only Store in this package is InmemStore,
// which keeps pending and fired waits in process memory, so a wait does not
// survive a process restart.
package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/cascaderun/cascade/cascade"
	"github.com/cascaderun/cascade/eventsink"
	"github.com/cascaderun/cascade/trace"
)

// Store records and resolves pending signal waits; Await polls it for the
// fired value. InmemStore is the implementation this package provides.
type Store interface {
	// CreatePending records a new pending wait.
	CreatePending(ctx context.Context, p Pending) error
	// Poll returns the resolved value for (sessionID, signalName) if it has
	// fired, or (nil, false, nil) if still pending.
	Poll(ctx context.Context, sessionID, signalName string) (value any, fired bool, err error)
	// Resolve marks a pending wait fired with value, used by the webhook
	// handler / human UI / sensor poller / timer to deliver a signal.
	Resolve(ctx context.Context, sessionID, signalName string, value any) error
}

// Pending is a durable record of an awaited signal.
type Pending struct {
	SessionID  string
	SignalName string
	TraceID    trace.ID
	UIPayload  any
	Timeout    time.Duration
	CreatedAt  time.Time
}

// Manager resolves SignalDefs (human/sensor/webhook/time/composite) into
// Await calls against a Store, and emits Event Sink records for checkpoint
// and signal_fired per spec.md §4.8; it writes no signal_wait record.
type Manager struct {
	store Store
	sink  eventsink.Sink
}

// New builds a Manager.
func New(store Store, sink eventsink.Sink) *Manager {
	return &Manager{store: store, sink: sink}
}

// Outcome is what Await returns: the resolved value, or a timeout/cancel
// indication for the caller to act on per on_timeout.
type Outcome struct {
	Value     any
	TimedOut  bool
	Cancelled bool
}

// Await blocks (polling Store) until def fires, times out, or ctx is
// cancelled. pollEvery bounds the polling interval; production deployments
// would replace this with push-based delivery (webhook write directly
// resolving Store), but Await's polling fallback ensures correctness
// regardless of delivery path.
func (m *Manager) Await(ctx context.Context, sessionID string, def cascade.SignalDef, pollEvery time.Duration) (Outcome, error) {
	if err := m.emitCheckpoint(ctx, sessionID, def); err != nil {
		return Outcome{}, err
	}
	pending := Pending{SessionID: sessionID, SignalName: def.Name, TraceID: trace.NewID(), Timeout: def.Timeout, CreatedAt: time.Now()}
	if err := m.store.CreatePending(ctx, pending); err != nil {
		return Outcome{}, fmt.Errorf("signal: create pending %q: %w", def.Name, err)
	}

	switch def.Kind {
	case "composite":
		return m.awaitComposite(ctx, sessionID, def, pollEvery)
	default:
		return m.awaitSingle(ctx, sessionID, def.Name, def.Timeout, pollEvery)
	}
}

func (m *Manager) awaitSingle(ctx context.Context, sessionID, name string, timeout, pollEvery time.Duration) (Outcome, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Outcome{Cancelled: true}, nil
		case <-timeoutCh:
			return Outcome{TimedOut: true}, nil
		case <-ticker.C:
			value, fired, err := m.store.Poll(ctx, sessionID, name)
			if err != nil {
				return Outcome{}, fmt.Errorf("signal: poll %q: %w", name, err)
			}
			if fired {
				if err := m.emitSignalFired(ctx, sessionID, name, value); err != nil {
					return Outcome{}, err
				}
				return Outcome{Value: value}, nil
			}
		}
	}
}

// awaitComposite waits on def.All (every child must fire) or def.Any (the
// first to fire wins, the rest are cancelled), per spec.md §4.8
// "Composite". Each child gets its own pending record so it can be
// resolved by name.
func (m *Manager) awaitComposite(ctx context.Context, sessionID string, def cascade.SignalDef, pollEvery time.Duration) (Outcome, error) {
	for _, name := range append(append([]string{}, def.All...), def.Any...) {
		child := Pending{SessionID: sessionID, SignalName: name, TraceID: trace.NewID(), Timeout: def.Timeout, CreatedAt: time.Now()}
		if err := m.store.CreatePending(ctx, child); err != nil {
			return Outcome{}, fmt.Errorf("signal: create pending %q: %w", name, err)
		}
	}

	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if len(def.Any) > 0 {
		results := make(chan Outcome, len(def.Any))
		for _, name := range def.Any {
			name := name
			go func() {
				out, err := m.awaitSingle(childCtx, sessionID, name, def.Timeout, pollEvery)
				if err == nil {
					results <- out
				}
			}()
		}
		select {
		case out := <-results:
			cancel()
			return out, nil
		case <-ctx.Done():
			return Outcome{Cancelled: true}, nil
		}
	}

	// all-of: wait for every child sequentially; a cancel/timeout on any
	// short-circuits the rest (spec.md §4.8: "all waits for every child
	// signal (short-circuits on cancel)").
	values := make(map[string]any, len(def.All))
	for _, name := range def.All {
		out, err := m.awaitSingle(childCtx, sessionID, name, def.Timeout, pollEvery)
		if err != nil {
			return Outcome{}, err
		}
		if out.Cancelled || out.TimedOut {
			cancel()
			return out, nil
		}
		values[name] = out.Value
	}
	return Outcome{Value: values}, nil
}

func (m *Manager) emitCheckpoint(ctx context.Context, sessionID string, def cascade.SignalDef) error {
	return m.sink.Append(ctx, eventsink.Record{
		Timestamp: time.Now(), SessionID: sessionID, TraceID: trace.NewID(),
		NodeType: trace.NodeCheckpoint, Metadata: map[string]any{"signal": def.Name, "kind": def.Kind, "timeout_seconds": def.Timeout.Seconds()},
	})
}

func (m *Manager) emitSignalFired(ctx context.Context, sessionID, name string, value any) error {
	return m.sink.Append(ctx, eventsink.Record{
		Timestamp: time.Now(), SessionID: sessionID, TraceID: trace.NewID(),
		NodeType: trace.NodeSignalFired, Metadata: map[string]any{"signal": name, "value": value},
	})
}

// ResolveOnSignal maps an Outcome's resolved value to a successor phase
// name per phase.Signal.OnSignal, or returns the OnTimeout branch when
// Outcome.TimedOut.
func ResolveOnSignal(phase cascade.SignalPhase, outcome Outcome) (string, error) {
	if outcome.TimedOut {
		if phase.OnTimeout == "" {
			return "", fmt.Errorf("signal: timeout with no on_timeout configured")
		}
		return phase.OnTimeout, nil
	}
	key := fmt.Sprintf("%v", outcome.Value)
	if successor, ok := phase.OnSignal[key]; ok {
		return successor, nil
	}
	return "", fmt.Errorf("signal: no on_signal entry for value %q", key)
}
