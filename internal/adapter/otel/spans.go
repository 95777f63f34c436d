package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agentengine"

// StartExecutionSpan starts the span covering one run of the step loop.
func StartExecutionSpan(ctx context.Context, executionID, agentType string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "execution",
		trace.WithAttributes(
			attribute.String("execution.id", executionID),
			attribute.String("agent.type", agentType),
		),
	)
}

// StartStepSpan starts a span for one step.
func StartStepSpan(ctx context.Context, executionID string, seq int, action string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "step",
		trace.WithAttributes(
			attribute.String("execution.id", executionID),
			attribute.Int("step.sequence", seq),
			attribute.String("step.action", action),
		),
	)
}

// StartHookChainSpan starts a span for one lifecycle hook chain.
func StartHookChainSpan(ctx context.Context, lifecycle, executionID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "hooks."+lifecycle,
		trace.WithAttributes(
			attribute.String("hook.lifecycle", lifecycle),
			attribute.String("execution.id", executionID),
		),
	)
}

// EndSpan records err, if any, and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
