package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/deployd/internal/agent"
	"github.com/fyrsmithlabs/deployd/internal/audit"
	"github.com/fyrsmithlabs/deployd/internal/backend"
	"github.com/fyrsmithlabs/deployd/internal/config"
	"github.com/fyrsmithlabs/deployd/internal/guardrail"
	"github.com/fyrsmithlabs/deployd/internal/logging"
	"github.com/fyrsmithlabs/deployd/internal/memory"
	"github.com/fyrsmithlabs/deployd/internal/orchestrator"
	"github.com/fyrsmithlabs/deployd/internal/planstore"
	"github.com/fyrsmithlabs/deployd/internal/retriever"
	"github.com/fyrsmithlabs/deployd/internal/synthesizer"
	"github.com/fyrsmithlabs/deployd/internal/telemetry"
)

// app bundles everything one CLI invocation needs.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	orch   *orchestrator.Orchestrator
	index  *retriever.PolicyIndex
	sink   audit.Sink
	tel    *telemetry.Telemetry
}

// buildApp loads configuration and wires the orchestrator stack. Flags
// override file and environment configuration.
func buildApp() (*app, error) {
	cfg, err := config.LoadWithFile(flagConfig)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if flagStore != "" {
		cfg.PlanStore.Path = flagStore
	}
	if flagIndex != "" {
		cfg.Retriever.IndexPath = flagIndex
	}
	if flagNATS != "" {
		cfg.Audit.NATSURL = flagNATS
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	telemetry.SetVersion(version)
	tel, err := telemetry.New(context.Background(), cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	logger, err := logging.NewWithExport(cfg.Logging.Level, cfg.Logging.Format, tel.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	if degraded, reason := tel.Degraded(); degraded {
		logger.Warn(context.Background(), "telemetry export degraded", zap.String("reason", reason))
	}

	var store planstore.Store
	if cfg.PlanStore.Path != "" {
		fs, err := planstore.OpenFileStore(cfg.PlanStore.Path)
		if err != nil {
			return nil, fmt.Errorf("opening plan store: %w", err)
		}
		store = fs
	} else {
		store = planstore.NewMemoryStore()
	}

	embedder := retriever.NewLocalEmbedder(retriever.DefaultDimension)
	index, err := retriever.NewPolicyIndex(cfg.Retriever.IndexPath, cfg.Retriever.Collection, embedder, logger)
	if err != nil {
		return nil, fmt.Errorf("opening policy index: %w", err)
	}
	pipeline := retriever.NewPipeline(index, cfg.Retriever.RetrieveTimeout, logger)

	synth := pickSynthesizer(cfg, logger)

	var dest audit.Sink
	if cfg.Audit.NATSURL != "" {
		ns, err := audit.NewNATSSink(cfg.Audit.NATSURL, cfg.Audit.SubjectBase, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting audit sink: %w", err)
		}
		dest = ns
	} else {
		dest = audit.NewMemorySink()
	}
	sink := audit.NewBufferedSink(dest, cfg.Audit.BufferSize, cfg.Audit.Retry, cfg.Audit.RetryDelay, logger)

	mem := memory.NewInMemoryStore(time.Duration(cfg.Memory.TTLDays) * 24 * time.Hour)
	kernel := agent.NewKernel(mem, cfg.Memory, logger)
	validator := guardrail.New(cfg.Guardrail)

	var be backend.DeploymentBackend
	if cfg.Orchestrator.ExecuteReal {
		// No cloud backend ships in this build.
		be = backend.NewUnconfiguredBackend()
		logger.Warn(context.Background(), "execute_real is set but no cloud backend is configured; backend calls will fail")
	} else {
		be = backend.NewDryRunBackend(logger)
	}

	orch := orchestrator.New(orchestrator.Deps{
		Store:     store,
		Planner:   agent.NewPlannerAgent(synth, kernel, logger),
		Executor:  agent.NewExecutorAgent(be, validator, cfg.Backend, kernel, logger),
		Monitor:   agent.NewMonitorAgent(be, cfg.Backend, kernel, logger),
		Kernel:    kernel,
		Retriever: pipeline,
		Validator: validator,
		Memory:    mem,
		Backend:   be,
		Audit:     sink,
	}, cfg, logger)

	return &app{cfg: cfg, logger: logger, orch: orch, index: index, sink: sink, tel: tel}, nil
}

// pickSynthesizer uses an LLM when an API key is available, otherwise
// the deterministic heuristic rules.
func pickSynthesizer(cfg *config.Config, logger *logging.Logger) synthesizer.Synthesizer {
	if os.Getenv("OPENAI_API_KEY") == "" {
		return synthesizer.NewHeuristicSynthesizer()
	}
	model, err := openai.New(openai.WithModel(cfg.Synthesizer.Model))
	if err != nil {
		logger.Warn(context.Background(), "llm client unavailable, using heuristic synthesis")
		return synthesizer.NewHeuristicSynthesizer()
	}
	return synthesizer.NewLLMSynthesizer(model, cfg.Synthesizer.SynthesizeTimeout, logger)
}

// close shuts the orchestrator, flushes the audit sink, and drains
// telemetry exporters.
func (a *app) close(ctx context.Context) {
	if err := a.orch.Shutdown(ctx); err != nil {
		a.logger.Warn(ctx, "shutdown did not drain cleanly")
	}
	if err := a.sink.Close(ctx); err != nil {
		a.logger.Warn(ctx, "audit sink close failed")
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn(ctx, "telemetry shutdown incomplete")
	}
}

// seedPolicies loads the built-in policy documents into the index so
// retrieval has something to ground synthesis on.
func (a *app) seedPolicies(ctx context.Context) error {
	return a.index.Add(ctx, defaultPolicies())
}

func defaultPolicies() []retriever.Document {
	return []retriever.Document{
		{
			ID:    "policy-instance-tiers",
			Title: "Instance type policy by environment",
			Content: "dev deployments use ml.m5.large only. staging allows ml.m5.large and " +
				"ml.m5.xlarge. prod may use any priced type including gpu instances such as " +
				"ml.g5.xlarge, but requires at least two instances for high availability.",
		},
		{
			ID:    "policy-rollback-alarms",
			Title: "Rollback alarm requirements",
			Content: "every prod endpoint must carry rollback alarms covering 5xx error rate " +
				"and p99 latency. deployments without alarms are rejected by validation.",
		},
		{
			ID:    "policy-budgets",
			Title: "Cost budgets per environment",
			Content: "hourly cost caps: dev 2 usd, staging 15 usd, prod 50 usd. estimated cost " +
				"above 20 usd per hour requires human approval before deployment.",
		},
		{
			ID:    "policy-gpu-models",
			Title: "GPU sizing for large models",
			Content: "large language models above 7b parameters need gpu instances. prefer " +
				"ml.g5.xlarge in prod. smaller encoder models run on cpu ml.m5 tiers.",
		},
		{
			ID:    "policy-autoscaling",
			Title: "Autoscaling limits",
			Content: "autoscaling maximum is capped at 8 instances in every environment. set " +
				"the minimum to the provisioned instance count.",
		},
	}
}
