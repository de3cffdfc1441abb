package synthesizer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/deployd/internal/deploy"
	"github.com/fyrsmithlabs/deployd/internal/logging"
)

var llmTracer = otel.Tracer("deployd.synthesizer.llm")

// artifactPayload is the JSON shape the model is asked to produce.
type artifactPayload struct {
	ModelName      string   `json:"model_name"`
	EndpointName   string   `json:"endpoint_name"`
	InstanceType   string   `json:"instance_type"`
	InstanceCount  int      `json:"instance_count"`
	MaxPayloadMB   int      `json:"max_payload_mb"`
	AutoscalingMin int      `json:"autoscaling_min"`
	AutoscalingMax int      `json:"autoscaling_max"`
	RollbackAlarms []string `json:"rollback_alarms"`
	Reasoning      string   `json:"reasoning"`
}

// LLMSynthesizer prompts a language model for an artifact and parses
// the JSON reply. A reply that cannot be parsed is a synthesis
// failure, not a transport failure.
type LLMSynthesizer struct {
	model   llms.Model
	timeout time.Duration
	logger  *logging.Logger
}

// NewLLMSynthesizer wraps a langchaingo model. A non-positive timeout
// disables the call budget. A nil logger is replaced with a nop.
func NewLLMSynthesizer(model llms.Model, timeout time.Duration, logger *logging.Logger) *LLMSynthesizer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LLMSynthesizer{
		model:   model,
		timeout: timeout,
		logger:  logger.Named("synthesizer.llm"),
	}
}

func (s *LLMSynthesizer) Synthesize(ctx context.Context, req Request) (*Response, error) {
	ctx, span := llmTracer.Start(ctx, "LLMSynthesizer.Synthesize")
	defer span.End()
	span.SetAttributes(
		attribute.String("env", string(req.Env)),
		attribute.Int("evidence_count", len(req.Evidence)),
	)

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	prompt := buildPrompt(req)
	start := time.Now()
	reply, err := llms.GenerateFromSinglePrompt(ctx, s.model, prompt, llms.WithTemperature(0))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("model call: %w", err)
	}

	var payload artifactPayload
	if err := DecodeJSON(reply, &payload); err != nil {
		s.logger.Warn(ctx, "model reply was not a usable artifact", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", deploy.ErrSynthesisInvalid, err)
	}

	s.logger.Debug(ctx, "artifact synthesized",
		zap.String("endpoint", payload.EndpointName),
		zap.String("instance_type", payload.InstanceType),
		zap.Duration("elapsed", time.Since(start)),
	)

	return &Response{
		Artifact: &deploy.DeploymentArtifact{
			ModelName:        payload.ModelName,
			EndpointName:     payload.EndpointName,
			InstanceType:     payload.InstanceType,
			InstanceCount:    payload.InstanceCount,
			MaxPayloadMB:     payload.MaxPayloadMB,
			AutoscalingMin:   payload.AutoscalingMin,
			AutoscalingMax:   payload.AutoscalingMax,
			RollbackAlarms:   payload.RollbackAlarms,
			BudgetUSDPerHour: req.Constraints.BudgetUSDPerHour,
		},
		Reasoning: payload.Reasoning,
	}, nil
}

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("You are a deployment configuration generator for ML model endpoints.\n")
	b.WriteString("Produce a single JSON object with these fields: model_name, endpoint_name, ")
	b.WriteString("instance_type, instance_count, max_payload_mb, autoscaling_min, autoscaling_max, ")
	b.WriteString("rollback_alarms (array of strings), reasoning (string).\n")
	b.WriteString("Names must be lowercase alphanumeric with hyphens, at most 63 characters.\n\n")

	fmt.Fprintf(&b, "Intent: %s\nEnvironment: %s\n", req.Intent, req.Env)
	if req.Constraints.BudgetUSDPerHour > 0 {
		fmt.Fprintf(&b, "Budget: %.2f USD per hour\n", req.Constraints.BudgetUSDPerHour)
	}

	if len(req.Evidence) > 0 {
		b.WriteString("\nRelevant policies:\n")
		for _, ev := range req.Evidence {
			fmt.Fprintf(&b, "- %s: %s\n", ev.Title, ev.Snippet)
		}
	}

	if len(req.Gaps) > 0 {
		b.WriteString("\nA previous attempt failed validation. Fix these problems:\n")
		for _, gap := range req.Gaps {
			fmt.Fprintf(&b, "- %s\n", gap)
		}
	}

	b.WriteString("\nReply with only the JSON object.")
	return b.String()
}
