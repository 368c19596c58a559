package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoopLoggerDiscardsWithoutPanic(t *testing.T) {
	l := NewNoopLogger()
	assert.NotPanics(t, func() {
		l.Debug(context.Background(), "msg", "k", "v")
		l.Info(context.Background(), "msg")
		l.Warn(context.Background(), "msg")
		l.Error(context.Background(), "msg", "err", "boom")
	})
}

func TestNoopMetricsDiscardsWithoutPanic(t *testing.T) {
	m := NewNoopMetrics()
	assert.NotPanics(t, func() {
		m.IncCounter("c", 1, "tag", "v")
		m.RecordTimer("t", time.Millisecond)
		m.RecordGauge("g", 1.5)
	})
}

func TestNoopTracerReturnsUsableSpan(t *testing.T) {
	tracer := NewNoopTracer()
	ctx, span := tracer.Start(context.Background(), "op")
	assert.NotNil(t, ctx)
	assert.NotPanics(t, func() {
		span.AddEvent("e")
		span.End()
	})
	assert.NotNil(t, tracer.Span(context.Background()))
}
