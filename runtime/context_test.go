package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascaderun/cascade/eventsink/inmem"
	"github.com/cascaderun/cascade/toolregistry"
	"github.com/cascaderun/cascade/ward"
)

func TestNewRunnerRequiresSink(t *testing.T) {
	_, err := NewRunner(Deps{Tools: toolregistry.New(), Wards: ward.NewRegistry()})
	assert.Error(t, err)
}

func TestNewRunnerRequiresTools(t *testing.T) {
	_, err := NewRunner(Deps{Sink: inmem.New(inmem.WithFlushPolicy(1, time.Hour)), Wards: ward.NewRegistry()})
	assert.Error(t, err)
}

func TestNewRunnerRequiresWards(t *testing.T) {
	_, err := NewRunner(Deps{Sink: inmem.New(inmem.WithFlushPolicy(1, time.Hour)), Tools: toolregistry.New()})
	assert.Error(t, err)
}

func TestNewRunnerFillsDefaults(t *testing.T) {
	r, err := NewRunner(Deps{
		Sink:  inmem.New(inmem.WithFlushPolicy(1, time.Hour)),
		Tools: toolregistry.New(),
		Wards: ward.NewRegistry(),
	})
	require.NoError(t, err)
	assert.NotNil(t, r.deps.Scheduler)
	assert.NotNil(t, r.deps.Template)
	assert.Equal(t, 2*time.Second, r.deps.SignalPollInterval)
	assert.Equal(t, 8, r.deps.MaxSpawnDepth)
}

func TestDepsEvaluatorFallsBackToModel(t *testing.T) {
	d := Deps{Model: echoModel("m")}
	assert.Nil(t, d.Evaluator)
	// evaluator() picks Model when Evaluator is unset.
	got := d.evaluator()
	require.NotNil(t, got)
}
