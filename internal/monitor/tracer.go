package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "code-executor"

// Tracer wraps OpenTelemetry tracing for executions.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, fmt.Sprintf("executor.%s", name),
		trace.WithAttributes(attrs...),
	)
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Common attribute keys for execution tracing.
var (
	AttrExecID   = attribute.Key("executor.execution.id")
	AttrTool     = attribute.Key("executor.tool")
	AttrLanguage = attribute.Key("executor.language")
	AttrCodeHash = attribute.Key("executor.code_hash")
	AttrBackend  = attribute.Key("executor.backend")
	AttrExitCode = attribute.Key("executor.exit_code")
	AttrOutcome  = attribute.Key("executor.outcome")
)
