package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascaderun/cascade/cascade"
	"github.com/cascaderun/cascade/signal"
	"github.com/cascaderun/cascade/trace"
	"github.com/cascaderun/cascade/ward"
)

func TestRunPhaseEmitsStartAndCompleteAndRecordsOutput(t *testing.T) {
	deps := newTestDeps(t)
	deps.Model = echoModel("hello")
	r := newTestRunner(t, deps)

	echo := cascade.NewSession("S", "", 0, nil)
	phase := llmPhase("greet", "say hi", 1)

	result, err := r.runPhase(context.Background(), &cascade.Cascade{ID: "c", Phases: []cascade.Phase{phase}}, phase, echo, trace.ID("root"))
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Output)
	assert.Equal(t, "hello", echo.Outputs["greet"])
	assert.Equal(t, []string{"greet"}, echo.Lineage)
}

func TestRunPhasePreWardBlockingRejectsWithoutDispatch(t *testing.T) {
	deps := newTestDeps(t)
	deps.Wards.Register("always_false", func(ctx context.Context, subject any) (ward.Verdict, error) {
		return ward.Verdict{Valid: false, Reason: "nope"}, nil
	})
	r := newTestRunner(t, deps)

	echo := cascade.NewSession("S", "", 0, nil)
	phase := llmPhase("p", "do it", 1)
	phase.Wards = &cascade.WardSet{Pre: []cascade.Ward{{Name: "always_false", Mode: cascade.WardBlocking, Validator: "always_false"}}}

	_, err := r.runPhase(context.Background(), &cascade.Cascade{ID: "c", Phases: []cascade.Phase{phase}}, phase, echo, trace.ID("root"))
	require.Error(t, err)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindValidation, rerr.Kind)
}

func TestRunPhasePostWardRetryReinvokesBody(t *testing.T) {
	deps := newTestDeps(t)
	deps.Model = scriptedModel("bad", "good")
	calls := 0
	deps.Wards.Register("must_be_good", func(ctx context.Context, subject any) (ward.Verdict, error) {
		calls++
		if subject == "bad" {
			return ward.Verdict{Valid: false, Reason: "must say good"}, nil
		}
		return ward.Verdict{Valid: true}, nil
	})
	r := newTestRunner(t, deps)

	echo := cascade.NewSession("S", "", 0, nil)
	phase := llmPhase("p", "say something", 1)
	phase.Wards = &cascade.WardSet{Post: []cascade.Ward{{Name: "must_be_good", Mode: cascade.WardRetry, Validator: "must_be_good", MaxAttempts: 2}}}

	result, err := r.runPhase(context.Background(), &cascade.Cascade{ID: "c", Phases: []cascade.Phase{phase}}, phase, echo, trace.ID("root"))
	require.NoError(t, err)
	assert.Equal(t, "good", result.Output)
	// the post-ward evaluates the body once; a retry re-runs the body a
	// single time without re-validating its output.
	assert.Equal(t, 1, calls)
}

func TestRunPhaseOutputSchemaValidationRejectsMismatch(t *testing.T) {
	deps := newTestDeps(t)
	deps.Model = echoModel("not json")
	r := newTestRunner(t, deps)

	echo := cascade.NewSession("S", "", 0, nil)
	phase := llmPhase("p", "reply", 1)
	phase.OutputSchema = map[string]any{"type": "object"}

	_, err := r.runPhase(context.Background(), &cascade.Cascade{ID: "c", Phases: []cascade.Phase{phase}}, phase, echo, trace.ID("root"))
	require.Error(t, err)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindValidation, rerr.Kind)
}

func TestRunPhaseHumanInputGateAwaitsCheckpoint(t *testing.T) {
	deps := newTestDeps(t)
	deps.Model = echoModel("hello")
	deps.SignalPollInterval = 2 * time.Millisecond
	mgr, store := newTestSignals(t, deps)
	deps.Signals = mgr
	r := newTestRunner(t, deps)

	echo := cascade.NewSession("S", "", 0, nil)
	phase := llmPhase("gate", "go", 1)
	phase.HumanInput = &cascade.HumanInputConfig{Prompt: "continue?"}

	require.NoError(t, store.CreatePending(context.Background(), signal.Pending{SessionID: "S", SignalName: "checkpoint:gate"}))
	require.NoError(t, store.Resolve(context.Background(), "S", "checkpoint:gate", "go"))

	result, err := r.runPhase(context.Background(), &cascade.Cascade{ID: "c", Phases: []cascade.Phase{phase}}, phase, echo, trace.ID("root"))
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Output)
}

func TestRunPhaseHumanInputGateTimesOutAborts(t *testing.T) {
	deps := newTestDeps(t)
	deps.Model = echoModel("hello")
	deps.SignalPollInterval = 2 * time.Millisecond
	mgr, _ := newTestSignals(t, deps)
	deps.Signals = mgr
	r := newTestRunner(t, deps)

	echo := cascade.NewSession("S", "", 0, nil)
	phase := llmPhase("gate", "go", 1)
	phase.HumanInput = &cascade.HumanInputConfig{Prompt: "continue?", Timeout: 5 * time.Millisecond}

	_, err := r.runPhase(context.Background(), &cascade.Cascade{ID: "c", Phases: []cascade.Phase{phase}}, phase, echo, trace.ID("root"))
	require.Error(t, err)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindSignal, rerr.Kind)
}

func TestAggregateSoundingsCombinesAllOutputsWithoutMerge(t *testing.T) {
	deps := newTestDeps(t)
	r := newTestRunner(t, deps)

	echo := cascade.NewSession("S", "", 0, nil)
	phase := cascade.Phase{Name: "p"}

	result, err := r.aggregateSoundings(context.Background(), phase, echo, trace.ID("root"), nil)
	require.NoError(t, err)
	assert.Equal(t, "null", result.Output)
	assert.Empty(t, echo.State)
}
