// Package telemetry defines the logging, metrics, and tracing contracts used
// throughout the runtime, plus a goa.design/clue-backed implementation and a
// no-op implementation for tests. The interfaces are intentionally small so
// every subsystem (orchestrator, pipeline, saga, memory) can depend on
// telemetry without depending on a specific backend.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the runtime.
// Implementations typically delegate to goa.design/clue/log but the
// interface is intentionally small so tests can provide lightweight stubs.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer, and gauge helpers for runtime
// instrumentation (step durations, retry counts, resource pressure).
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code can remain agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// StepTelemetry captures observability metadata collected during a single
// ActionStep execution in the Execution Pipeline. Common fields provide type
// safety for standard metrics; Extra holds strategy-specific data (attempt
// counts, backoff delays, breaker state transitions).
type StepTelemetry struct {
	// DurationMs is the wall-clock execution time in milliseconds.
	DurationMs int64
	// MemoryPeakMB is the peak resident memory observed during execution, as
	// reported by the Resource Manager guard.
	MemoryPeakMB int
	// Strategy names the Execution Pipeline strategy used (direct, retry, ...).
	Strategy string
	// Extra holds strategy-specific metadata not captured by common fields.
	Extra map[string]any
}

// ToolTelemetry captures observability metadata collected during a single
// tool invocation: wall-clock duration plus, for model-backed tools, token
// usage and the model identifier. Orchestrator hooks and streaming payloads
// carry this alongside each tool result.
type ToolTelemetry struct {
	// DurationMs is the wall-clock execution time in milliseconds.
	DurationMs int64
	// TokensUsed tracks the total tokens consumed by LLM calls made while
	// executing the tool. Zero for tools that do not call a model.
	TokensUsed int
	// Model identifies which LLM model was used, if any.
	Model string
	// Extra holds tool-specific metadata not captured by common fields.
	Extra map[string]any
}
