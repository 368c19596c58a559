// Package telemetry defines the Logger/Metrics/Tracer surface the cascade
// runtime instruments itself against, plus clue-backed and noop
// implementations. The interfaces are intentionally small so callers can
// stub them in tests without pulling in Clue or OpenTelemetry.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	otrace "go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the runtime.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter/timer/gauge helpers for runtime instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...otrace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...otrace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...otrace.EventOption)
}

// ToolTelemetry captures observability metadata collected during tool
// execution; Extra holds tool-specific data not covered by the common
// fields (response headers, cache keys, provider details).
type ToolTelemetry struct {
	DurationMs int64
	TokensUsed int
	Model      string
	Extra      map[string]any
}
