package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "sitegen"

// StartWorkflowSpan starts a span covering one workflow instance.
func StartWorkflowSpan(ctx context.Context, instanceID, siteID, orgID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "workflow",
		trace.WithAttributes(
			attribute.String("workflow.instance_id", instanceID),
			attribute.String("site.id", siteID),
			attribute.String("org.id", orgID),
		),
	)
}

// StartStepSpan starts a span for a single step.
func StartStepSpan(ctx context.Context, instanceID, step string, maxAttempts int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "step."+step,
		trace.WithAttributes(
			attribute.String("workflow.instance_id", instanceID),
			attribute.String("step.name", step),
			attribute.Int("step.max_attempts", maxAttempts),
		),
	)
}

// StartPromptSpan starts a span for a model call.
func StartPromptSpan(ctx context.Context, promptID, version, model string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "prompt",
		trace.WithAttributes(
			attribute.String("prompt.id", promptID),
			attribute.String("prompt.version", version),
			attribute.String("prompt.model", model),
		),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
