// Package config provides configuration loading for deployd.
//
// Configuration is loaded from an optional YAML file and environment
// variables, with hardcoded defaults underneath.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Config is the immutable configuration value passed at orchestrator
// construction. Loaded once at startup; never mutated afterwards.
type Config struct {
	Logging      LoggingConfig      `koanf:"logging"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Retriever    RetrieverConfig    `koanf:"retriever"`
	Synthesizer  SynthesizerConfig  `koanf:"synthesizer"`
	Backend      BackendConfig      `koanf:"backend"`
	Memory       MemoryConfig       `koanf:"memory"`
	Audit        AuditConfig        `koanf:"audit"`
	Guardrail    GuardrailConfig    `koanf:"guardrail"`
	PlanStore    PlanStoreConfig    `koanf:"planstore"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// OrchestratorConfig bounds the step loop and worker pool.
type OrchestratorConfig struct {
	MaxReplans        int           `koanf:"max_replans"`
	MaxRetriesPerStep int           `koanf:"max_retries_per_step"`
	WorkerPoolSize    int           `koanf:"worker_pool_size"`
	BackoffBase       time.Duration `koanf:"backoff_base"`
	BackoffMax        time.Duration `koanf:"backoff_max"`
	ExecuteReal       bool          `koanf:"execute_real"`
}

// RetrieverConfig bounds the two-stage retrieval pipeline.
type RetrieverConfig struct {
	TopKInitial     int           `koanf:"top_k_initial"`
	TopKIterative   int           `koanf:"top_k_iterative"`
	RetrieveTimeout time.Duration `koanf:"retrieve_timeout"`
	IndexPath       string        `koanf:"index_path"`
	Collection      string        `koanf:"collection"`
}

// SynthesizerConfig bounds artifact synthesis.
type SynthesizerConfig struct {
	SynthesizeTimeout time.Duration `koanf:"synthesize_timeout"`
	Model             string        `koanf:"model"`
}

// BackendConfig bounds deployment backend calls.
type BackendConfig struct {
	BackendTimeout time.Duration `koanf:"backend_timeout"`
	VerifyTimeout  time.Duration `koanf:"verify_timeout"`
	VerifyPoll     time.Duration `koanf:"verify_poll"`
}

// MemoryConfig controls agent memory recall and retention.
type MemoryConfig struct {
	RecallLimit     int `koanf:"recall_limit"`
	TTLDays         int `koanf:"ttl_days"`
	RetryThreshold  int `koanf:"retry_threshold"`
	ReplanThreshold int `koanf:"replan_threshold"`
}

// AuditConfig controls the buffered audit write path. NATSURL is
// optional; when empty, records stay in the in-process sink.
type AuditConfig struct {
	BufferSize  int           `koanf:"buffer_size"`
	Retry       int           `koanf:"retry"`
	RetryDelay  time.Duration `koanf:"retry_delay"`
	NATSURL     string        `koanf:"nats_url"`
	SubjectBase string        `koanf:"subject_base"`
}

// GuardrailConfig carries the approval threshold and per-environment
// budget caps in USD per hour.
type GuardrailConfig struct {
	ApprovalCostThreshold float64 `koanf:"approval_cost_threshold"`
	DevMaxBudget          float64 `koanf:"dev_max_budget"`
	StagingMaxBudget      float64 `koanf:"staging_max_budget"`
	ProdMaxBudget         float64 `koanf:"prod_max_budget"`
}

// PlanStoreConfig controls plan persistence. An empty path keeps plans
// in memory only.
type PlanStoreConfig struct {
	Path string `koanf:"path"`
}

// TelemetryConfig controls OTLP export of traces, metrics, and logs.
// Disabled by default; enabling it requires a reachable collector.
type TelemetryConfig struct {
	Enabled         bool          `koanf:"enabled"`
	Endpoint        string        `koanf:"endpoint"`
	Protocol        string        `koanf:"protocol"`
	ServiceName     string        `koanf:"service_name"`
	Insecure        bool          `koanf:"insecure"`
	SampleRate      float64       `koanf:"sample_rate"`
	MetricInterval  time.Duration `koanf:"metric_interval"`
	LogExport       bool          `koanf:"log_export"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Orchestrator: OrchestratorConfig{
			MaxReplans:        3,
			MaxRetriesPerStep: 3,
			WorkerPoolSize:    runtime.NumCPU(),
			BackoffBase:       500 * time.Millisecond,
			BackoffMax:        30 * time.Second,
			ExecuteReal:       false,
		},
		Retriever: RetrieverConfig{
			TopKInitial:     3,
			TopKIterative:   2,
			RetrieveTimeout: 10 * time.Second,
			Collection:      "deployd_policies",
		},
		Synthesizer: SynthesizerConfig{
			SynthesizeTimeout: 30 * time.Second,
			Model:             "gpt-4o-mini",
		},
		Backend: BackendConfig{
			BackendTimeout: 60 * time.Second,
			VerifyTimeout:  15 * time.Minute,
			VerifyPoll:     15 * time.Second,
		},
		Memory: MemoryConfig{
			RecallLimit:     5,
			TTLDays:         90,
			RetryThreshold:  2,
			ReplanThreshold: 2,
		},
		Audit: AuditConfig{
			BufferSize:  1024,
			Retry:       5,
			RetryDelay:  100 * time.Millisecond,
			SubjectBase: "deployd.audit",
		},
		Guardrail: GuardrailConfig{
			ApprovalCostThreshold: 20.0,
			DevMaxBudget:          2.0,
			StagingMaxBudget:      15.0,
			ProdMaxBudget:         50.0,
		},
		Telemetry: TelemetryConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			Protocol:        "grpc",
			ServiceName:     "deployd",
			Insecure:        true,
			SampleRate:      1.0,
			MetricInterval:  15 * time.Second,
			LogExport:       true,
			ShutdownTimeout: 5 * time.Second,
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	if c.Orchestrator.MaxReplans < 0 {
		return fmt.Errorf("orchestrator.max_replans must be >= 0, got %d", c.Orchestrator.MaxReplans)
	}
	if c.Orchestrator.MaxRetriesPerStep < 0 {
		return fmt.Errorf("orchestrator.max_retries_per_step must be >= 0, got %d", c.Orchestrator.MaxRetriesPerStep)
	}
	if c.Orchestrator.WorkerPoolSize < 1 {
		return fmt.Errorf("orchestrator.worker_pool_size must be >= 1, got %d", c.Orchestrator.WorkerPoolSize)
	}
	if c.Orchestrator.BackoffBase <= 0 {
		return fmt.Errorf("orchestrator.backoff_base must be positive, got %s", c.Orchestrator.BackoffBase)
	}
	if c.Orchestrator.BackoffMax < c.Orchestrator.BackoffBase {
		return fmt.Errorf("orchestrator.backoff_max %s must be >= backoff_base %s",
			c.Orchestrator.BackoffMax, c.Orchestrator.BackoffBase)
	}
	if c.Retriever.TopKInitial < 1 {
		return fmt.Errorf("retriever.top_k_initial must be >= 1, got %d", c.Retriever.TopKInitial)
	}
	if c.Retriever.TopKIterative < 1 {
		return fmt.Errorf("retriever.top_k_iterative must be >= 1, got %d", c.Retriever.TopKIterative)
	}
	if c.Retriever.RetrieveTimeout <= 0 {
		return fmt.Errorf("retriever.retrieve_timeout must be positive, got %s", c.Retriever.RetrieveTimeout)
	}
	if c.Synthesizer.SynthesizeTimeout <= 0 {
		return fmt.Errorf("synthesizer.synthesize_timeout must be positive, got %s", c.Synthesizer.SynthesizeTimeout)
	}
	if c.Backend.BackendTimeout <= 0 {
		return fmt.Errorf("backend.backend_timeout must be positive, got %s", c.Backend.BackendTimeout)
	}
	if c.Backend.VerifyTimeout <= 0 {
		return fmt.Errorf("backend.verify_timeout must be positive, got %s", c.Backend.VerifyTimeout)
	}
	if c.Backend.VerifyPoll <= 0 || c.Backend.VerifyPoll > c.Backend.VerifyTimeout {
		return fmt.Errorf("backend.verify_poll must be positive and <= verify_timeout, got %s", c.Backend.VerifyPoll)
	}
	if c.Memory.RecallLimit < 1 {
		return fmt.Errorf("memory.recall_limit must be >= 1, got %d", c.Memory.RecallLimit)
	}
	if c.Memory.TTLDays < 1 {
		return fmt.Errorf("memory.ttl_days must be >= 1, got %d", c.Memory.TTLDays)
	}
	if c.Memory.RetryThreshold < 1 {
		return fmt.Errorf("memory.retry_threshold must be >= 1, got %d", c.Memory.RetryThreshold)
	}
	if c.Memory.ReplanThreshold < 1 {
		return fmt.Errorf("memory.replan_threshold must be >= 1, got %d", c.Memory.ReplanThreshold)
	}
	if c.Audit.BufferSize < 1 {
		return fmt.Errorf("audit.buffer_size must be >= 1, got %d", c.Audit.BufferSize)
	}
	if c.Audit.Retry < 0 {
		return fmt.Errorf("audit.retry must be >= 0, got %d", c.Audit.Retry)
	}
	if c.Guardrail.ApprovalCostThreshold < 0 {
		return fmt.Errorf("guardrail.approval_cost_threshold must be >= 0, got %.2f", c.Guardrail.ApprovalCostThreshold)
	}
	for _, b := range []struct {
		name string
		val  float64
	}{
		{"guardrail.dev_max_budget", c.Guardrail.DevMaxBudget},
		{"guardrail.staging_max_budget", c.Guardrail.StagingMaxBudget},
		{"guardrail.prod_max_budget", c.Guardrail.ProdMaxBudget},
	} {
		if b.val <= 0 {
			return fmt.Errorf("%s must be positive, got %.2f", b.name, b.val)
		}
	}
	if err := c.Telemetry.validate(); err != nil {
		return err
	}
	return nil
}

func (c *TelemetryConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	switch c.Protocol {
	case "grpc", "http/protobuf":
	default:
		return fmt.Errorf("telemetry.protocol must be grpc or http/protobuf, got %q", c.Protocol)
	}
	if c.ServiceName == "" {
		return fmt.Errorf("telemetry.service_name is required when telemetry is enabled")
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %g", c.SampleRate)
	}
	if c.MetricInterval <= 0 {
		return fmt.Errorf("telemetry.metric_interval must be positive, got %s", c.MetricInterval)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("telemetry.shutdown_timeout must be positive, got %s", c.ShutdownTimeout)
	}
	if c.Insecure && !localEndpoint(c.Endpoint) {
		return fmt.Errorf("telemetry.insecure is only allowed for local endpoints, got %q", c.Endpoint)
	}
	return nil
}

// localEndpoint reports whether endpoint points at the local host.
func localEndpoint(endpoint string) bool {
	host := endpoint
	if strings.HasPrefix(host, "[") {
		if idx := strings.Index(host, "]"); idx != -1 {
			host = host[1:idx]
		}
	} else if idx := strings.LastIndex(host, ":"); idx != -1 && strings.Count(host, ":") == 1 {
		host = host[:idx]
	}
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}

// EnvBudget returns the budget cap for env, or 0 for unknown values.
func (c *GuardrailConfig) EnvBudget(env string) float64 {
	switch env {
	case "dev":
		return c.DevMaxBudget
	case "staging":
		return c.StagingMaxBudget
	case "prod":
		return c.ProdMaxBudget
	}
	return 0
}
