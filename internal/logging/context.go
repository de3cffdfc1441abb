package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from the context: the active
// trace span, the plan id, the correlation id, and the agent name.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if planID := PlanIDFromContext(ctx); planID != "" {
		fields = append(fields, zap.String("plan_id", planID))
	}
	if corrID := CorrelationIDFromContext(ctx); corrID != "" {
		fields = append(fields, zap.String("correlation_id", corrID))
	}
	if agent := AgentFromContext(ctx); agent != "" {
		fields = append(fields, zap.String("agent", agent))
	}

	return fields
}

type planCtxKey struct{}
type correlationCtxKey struct{}
type agentCtxKey struct{}
type loggerCtxKey struct{}

// WithPlanID adds the plan id to the context.
func WithPlanID(ctx context.Context, planID string) context.Context {
	return context.WithValue(ctx, planCtxKey{}, planID)
}

// PlanIDFromContext extracts the plan id, or "".
func PlanIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(planCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// WithCorrelationID adds the correlation id to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationCtxKey{}, id)
}

// CorrelationIDFromContext extracts the correlation id, or "".
func CorrelationIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(correlationCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// WithAgent adds the active agent name to the context.
func WithAgent(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, agentCtxKey{}, agent)
}

// AgentFromContext extracts the agent name, or "".
func AgentFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(agentCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// WithLogger stores the logger in the context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger from the context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
