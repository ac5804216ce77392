// Package telemetry wraps turn and tool execution in OpenTelemetry spans
// (spec §9.4's supplemented tracing surface). Grounded on nevindra-oasis's
// observer package: a package-scoped tracer obtained from the global
// TracerProvider, with span helpers that record errors via span status
// rather than a bespoke error type.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/cevr/harness"

// Init installs a TracerProvider on the OTEL global registry and returns a
// shutdown func to flush on process exit. Callers that don't need real
// export (tests, the CLI's default) may skip calling Init — otel.Tracer
// then returns a no-op tracer and span calls are inert.
func Init() (shutdown func(context.Context) error) {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// Tracer is the harness's package-scoped tracer.
func Tracer() trace.Tracer { return otel.Tracer(scopeName) }

// StartTurn opens a span covering one Agent Loop turn.
func StartTurn(ctx context.Context, sessionID, branchID, agentName string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("harness.session_id", sessionID),
		attribute.String("harness.branch_id", branchID),
		attribute.String("harness.agent", agentName),
	))
}

// StartTool opens a span covering one tool execution.
func StartTool(ctx context.Context, toolName, toolCallID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "agent.tool", trace.WithAttributes(
		attribute.String("harness.tool", toolName),
		attribute.String("harness.tool_call_id", toolCallID),
	))
}

// RecordError marks span as failed and attaches err, matching the
// observer.Span.Error convention: status + recorded exception, not a log.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
