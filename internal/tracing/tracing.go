// Package tracing wires OpenTelemetry spans around orchestrator and scheduler
// operations.
//
// Grounded on the teacher's internal/agent/loop_tracing.go, which carries trace and
// parent-span ids through context.Context and emits one span per LLM call / tool
// call; generalized here from the teacher's own store-backed SpanData model to real
// go.opentelemetry.io/otel spans, since nothing downstream of this daemon consumes
// the teacher's bespoke span schema.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/agentd-project/agentd"

// Tracer returns the package-wide tracer, matching the teacher's one-collector-per-
// process idiom (loop_tracing.go threads a single *tracing.Collector through
// context rather than constructing one per call).
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartToolCallSpan starts a span named "tool_call.<toolName>" carrying the session
// and skill as attributes, matching spec 4.11's tracing requirement.
func StartToolCallSpan(ctx context.Context, toolName, sessionID, skill string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "tool_call."+toolName, trace.WithAttributes(
		attribute.String("agentd.session_id", sessionID),
		attribute.String("agentd.skill", skill),
		attribute.String("agentd.tool", toolName),
	))
}

// EndSpan records err on span (if any) and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// StartScheduleFireSpan starts a span for one scheduled intent firing.
func StartScheduleFireSpan(ctx context.Context, intentID, reason string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "schedule.fire", trace.WithAttributes(
		attribute.String("agentd.intent_id", intentID),
		attribute.String("agentd.reason", reason),
	))
}
