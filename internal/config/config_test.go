package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3, cfg.Orchestrator.MaxReplans)
	assert.Equal(t, 3, cfg.Orchestrator.MaxRetriesPerStep)
	assert.Equal(t, 500*time.Millisecond, cfg.Orchestrator.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.BackoffMax)
	assert.False(t, cfg.Orchestrator.ExecuteReal)

	assert.Equal(t, 3, cfg.Retriever.TopKInitial)
	assert.Equal(t, 2, cfg.Retriever.TopKIterative)
	assert.Equal(t, 10*time.Second, cfg.Retriever.RetrieveTimeout)
	assert.Equal(t, 30*time.Second, cfg.Synthesizer.SynthesizeTimeout)
	assert.Equal(t, 60*time.Second, cfg.Backend.BackendTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Backend.VerifyTimeout)
	assert.Equal(t, 15*time.Second, cfg.Backend.VerifyPoll)

	assert.Equal(t, 5, cfg.Memory.RecallLimit)
	assert.Equal(t, 90, cfg.Memory.TTLDays)
	assert.Equal(t, 2, cfg.Memory.RetryThreshold)
	assert.Equal(t, 2, cfg.Memory.ReplanThreshold)

	assert.Equal(t, 5, cfg.Audit.Retry)

	assert.Equal(t, 20.0, cfg.Guardrail.ApprovalCostThreshold)
	assert.Equal(t, 2.0, cfg.Guardrail.DevMaxBudget)
	assert.Equal(t, 15.0, cfg.Guardrail.StagingMaxBudget)
	assert.Equal(t, 50.0, cfg.Guardrail.ProdMaxBudget)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *Config) {},
		},
		{
			name:    "bad logging format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name:    "negative max replans",
			mutate:  func(c *Config) { c.Orchestrator.MaxReplans = -1 },
			wantErr: "max_replans",
		},
		{
			name:    "zero worker pool",
			mutate:  func(c *Config) { c.Orchestrator.WorkerPoolSize = 0 },
			wantErr: "worker_pool_size",
		},
		{
			name: "backoff max below base",
			mutate: func(c *Config) {
				c.Orchestrator.BackoffBase = time.Second
				c.Orchestrator.BackoffMax = 100 * time.Millisecond
			},
			wantErr: "backoff_max",
		},
		{
			name:    "zero top k",
			mutate:  func(c *Config) { c.Retriever.TopKInitial = 0 },
			wantErr: "top_k_initial",
		},
		{
			name: "verify poll above verify timeout",
			mutate: func(c *Config) {
				c.Backend.VerifyTimeout = time.Second
				c.Backend.VerifyPoll = time.Minute
			},
			wantErr: "verify_poll",
		},
		{
			name:    "zero recall limit",
			mutate:  func(c *Config) { c.Memory.RecallLimit = 0 },
			wantErr: "recall_limit",
		},
		{
			name:    "zero audit buffer",
			mutate:  func(c *Config) { c.Audit.BufferSize = 0 },
			wantErr: "buffer_size",
		},
		{
			name:    "zero prod budget",
			mutate:  func(c *Config) { c.Guardrail.ProdMaxBudget = 0 },
			wantErr: "prod_max_budget",
		},
		{
			name: "telemetry disabled skips validation",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = false
				c.Telemetry.Endpoint = ""
			},
		},
		{
			name: "telemetry bad protocol",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Protocol = "thrift"
			},
			wantErr: "telemetry.protocol",
		},
		{
			name: "telemetry sample rate out of range",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.SampleRate = 1.5
			},
			wantErr: "telemetry.sample_rate",
		},
		{
			name: "telemetry insecure remote endpoint",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Endpoint = "collector.internal:4317"
			},
			wantErr: "telemetry.insecure",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLocalEndpoint(t *testing.T) {
	assert.True(t, localEndpoint("localhost:4317"))
	assert.True(t, localEndpoint("127.0.0.1:4317"))
	assert.True(t, localEndpoint("[::1]:4317"))
	assert.False(t, localEndpoint("collector.internal:4317"))
	assert.False(t, localEndpoint("10.0.0.5:4317"))
}

func TestEnvBudget(t *testing.T) {
	g := Default().Guardrail
	assert.Equal(t, 2.0, g.EnvBudget("dev"))
	assert.Equal(t, 15.0, g.EnvBudget("staging"))
	assert.Equal(t, 50.0, g.EnvBudget("prod"))
	assert.Equal(t, 0.0, g.EnvBudget("qa"))
}

func TestTransformEnvKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ORCHESTRATOR_MAX_REPLANS", "orchestrator.max_replans"},
		{"RETRIEVER_TOP_K_INITIAL", "retriever.top_k_initial"},
		{"AUDIT_NATS_URL", "audit.nats_url"},
		{"GUARDRAIL_PROD_MAX_BUDGET", "guardrail.prod_max_budget"},
		{"PATH", "path"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, transformEnvKey(tt.in), tt.in)
	}
}
