package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ContextFields(ctx))

	ctx = WithPlanID(ctx, "plan-123")
	ctx = WithCorrelationID(ctx, "corr-456")
	ctx = WithAgent(ctx, "planner")

	fields := ContextFields(ctx)
	require.Len(t, fields, 3)

	keys := make([]string, len(fields))
	for i, f := range fields {
		keys[i] = f.Key
	}
	assert.Equal(t, []string{"plan_id", "correlation_id", "agent"}, keys)
}

func TestPlanIDRoundTrip(t *testing.T) {
	ctx := WithPlanID(context.Background(), "p-1")
	assert.Equal(t, "p-1", PlanIDFromContext(ctx))
	assert.Empty(t, PlanIDFromContext(context.Background()))
}

func TestFromContext(t *testing.T) {
	logger := NewNop()
	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))

	// Missing logger yields a usable nop.
	nop := FromContext(context.Background())
	require.NotNil(t, nop)
	nop.Info(context.Background(), "discarded")
}
