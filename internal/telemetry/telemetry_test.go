package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/deployd/internal/config"
)

func TestDisabledTelemetryIsNoop(t *testing.T) {
	tel, err := New(context.Background(), config.TelemetryConfig{Enabled: false})
	require.NoError(t, err)

	assert.Nil(t, tel.LoggerProvider())
	degraded, reason := tel.Degraded()
	assert.False(t, degraded)
	assert.Empty(t, reason)
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))
}

func TestNilReceiverIsSafe(t *testing.T) {
	var tel *Telemetry
	assert.Nil(t, tel.LoggerProvider())
	degraded, _ := tel.Degraded()
	assert.False(t, degraded)
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))
}

func TestNewBuildsProvidersForLocalCollector(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.Enabled = true
	cfg.LogExport = true

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)

	assert.NotNil(t, tel.LoggerProvider())
	degraded, reason := tel.Degraded()
	assert.False(t, degraded, "unexpected degradation: %s", reason)

	// No collector is listening in tests; shut down with a short
	// deadline and only require that it returns.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = tel.Shutdown(ctx)
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
