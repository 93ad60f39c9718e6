package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const sandboxTracerName = "sandboxd-sandbox"

func sandboxTracer() trace.Tracer {
	return Tracer(sandboxTracerName)
}

// TraceEnsureWarm creates a span for one warm-up attempt.
func TraceEnsureWarm(ctx context.Context, userID, projectID string) (context.Context, trace.Span) {
	ctx, span := sandboxTracer().Start(ctx, "sandbox.ensure_warm",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("user_id", userID),
		attribute.String("project_id", projectID),
	)
	return ctx, span
}

// TraceReconcileStage creates a child span for a single reconciliation stage.
func TraceReconcileStage(ctx context.Context, stage string) (context.Context, trace.Span) {
	ctx, span := sandboxTracer().Start(ctx, "sandbox.reconcile."+stage,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.String("stage", stage))
	return ctx, span
}

// TraceProbe creates a span around readiness polling.
func TraceProbe(ctx context.Context, maxAttempts int) (context.Context, trace.Span) {
	ctx, span := sandboxTracer().Start(ctx, "sandbox.probe",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.Int("max_attempts", maxAttempts))
	return ctx, span
}

// TraceSession creates a span covering one agent session relay.
func TraceSession(ctx context.Context, sessionID, userID, projectID string) (context.Context, trace.Span) {
	ctx, span := sandboxTracer().Start(ctx, "sandbox.session",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("user_id", userID),
		attribute.String("project_id", projectID),
	)
	return ctx, span
}

// TraceResult records an outcome on a span and marks it failed on error.
func TraceResult(span trace.Span, status string, err error) {
	span.SetAttributes(attribute.String("status", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
