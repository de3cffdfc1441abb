package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/deployd/internal/deploy"
	"github.com/fyrsmithlabs/deployd/internal/logging"
	"github.com/fyrsmithlabs/deployd/internal/memory"
	"github.com/fyrsmithlabs/deployd/internal/synthesizer"
)

var plannerTracer = otel.Tracer("deployd.agent.planner")

// PlannerAgent turns a validated intent into a deployment artifact
// and an ordered execution plan. Planning follows a think, act,
// observe, reflect loop: recall related history, synthesize, check
// the result structurally, and record the outcome.
type PlannerAgent struct {
	synth  synthesizer.Synthesizer
	kernel *Kernel
	logger *logging.Logger
}

// NewPlannerAgent wires the planner. A nil logger is replaced with a
// nop.
func NewPlannerAgent(synth synthesizer.Synthesizer, kernel *Kernel, logger *logging.Logger) *PlannerAgent {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &PlannerAgent{synth: synth, kernel: kernel, logger: logger.Named("agent.planner")}
}

// Plan synthesizes the artifact and builds the execution plan.
func (a *PlannerAgent) Plan(ctx context.Context, plan *deploy.DeploymentPlan) (*deploy.DeploymentArtifact, *deploy.ExecutionPlan, error) {
	ctx, span := plannerTracer.Start(ctx, "PlannerAgent.Plan")
	defer span.End()
	span.SetAttributes(attribute.String("plan_id", plan.PlanID))
	ctx = logging.WithAgent(ctx, string(deploy.AgentPlanner))

	chain := deploy.NewReasoningChain(deploy.AgentPlanner, nil)

	artifact, err := a.generate(ctx, plan, chain)
	if err != nil {
		return nil, nil, err
	}

	exec := a.buildExecutionPlan(plan.PlanID)
	chain.Append(deploy.ReasoningStep{
		Thought:    "lay out the execution sequence",
		Reasoning:  fmt.Sprintf("%d steps from policy retrieval through verification", len(exec.Steps)),
		Confidence: 0.9,
	})
	exec.ReasoningChain = chain

	a.logger.Info(ctx, "plan synthesized",
		zap.String("endpoint", artifact.EndpointName),
		zap.String("instance_type", artifact.InstanceType),
		zap.Int("steps", len(exec.Steps)),
	)
	return artifact, exec, nil
}

// GenerateConfig re-synthesizes the artifact from the plan's current
// evidence. The step loop calls this after iterative retrieval has
// enriched the evidence set.
func (a *PlannerAgent) GenerateConfig(ctx context.Context, plan *deploy.DeploymentPlan) (*deploy.DeploymentArtifact, error) {
	ctx, span := plannerTracer.Start(ctx, "PlannerAgent.GenerateConfig")
	defer span.End()
	span.SetAttributes(attribute.String("plan_id", plan.PlanID))
	ctx = logging.WithAgent(ctx, string(deploy.AgentPlanner))

	chain := deploy.NewReasoningChain(deploy.AgentPlanner, nil)
	return a.generate(ctx, plan, chain)
}

// generate runs the recall, synthesize, check cycle. A structurally
// broken first synthesis gets exactly one retry with the gaps spelled
// out; a second failure is final.
func (a *PlannerAgent) generate(ctx context.Context, plan *deploy.DeploymentPlan, chain *deploy.ReasoningChain) (*deploy.DeploymentArtifact, error) {
	recalled := a.kernel.Recall(ctx, deploy.AgentPlanner, plan.Intent)
	chain.Append(deploy.ReasoningStep{
		Thought:    "recall prior deployments similar to this intent",
		Reasoning:  fmt.Sprintf("found %d related memories", len(recalled)),
		Confidence: 0.9,
	})

	req := synthesizer.Request{
		Intent:      plan.Intent,
		Env:         plan.Env,
		Evidence:    plan.Evidence,
		Constraints: plan.Constraints,
	}
	if lessons := semanticLessons(recalled); len(lessons) > 0 {
		for _, lesson := range lessons {
			req.Evidence = append(req.Evidence, deploy.Evidence{
				Title:   "learned rule",
				Snippet: lesson,
				Source:  "memory",
			})
		}
		chain.Append(deploy.ReasoningStep{
			Thought:    "apply learned rules",
			Reasoning:  strings.Join(lessons, "; "),
			Confidence: 0.8,
		})
	}

	resp, err := a.synth.Synthesize(ctx, req)
	if err != nil {
		a.reflect(ctx, plan, outcomeFailed, err.Error())
		return nil, fmt.Errorf("synthesizing artifact: %w", err)
	}
	chain.Append(deploy.ReasoningStep{
		Thought:    "synthesize deployment configuration",
		Reasoning:  resp.Reasoning,
		Confidence: 0.8,
	})

	if gaps := resp.Artifact.CheckStructure(); len(gaps) > 0 {
		chain.Append(deploy.ReasoningStep{
			Thought:    "first synthesis failed structural checks, retry once",
			Reasoning:  strings.Join(gaps, "; "),
			Confidence: 0.5,
		})
		req.Gaps = gaps
		resp, err = a.synth.Synthesize(ctx, req)
		if err != nil {
			a.reflect(ctx, plan, outcomeFailed, err.Error())
			return nil, fmt.Errorf("synthesizing artifact after gap feedback: %w", err)
		}
		if gaps := resp.Artifact.CheckStructure(); len(gaps) > 0 {
			reason := strings.Join(gaps, "; ")
			a.reflect(ctx, plan, outcomeFailed, reason)
			return nil, fmt.Errorf("%w: %s", deploy.ErrSynthesisInvalid, reason)
		}
	}

	a.reflect(ctx, plan, outcomeSucceeded, "")
	return resp.Artifact, nil
}

// Replan rebuilds the remainder of a failed execution plan. Completed
// steps are preserved as they ran; everything from the failed step on
// is regenerated with fresh step ids and clean retry state.
func (a *PlannerAgent) Replan(ctx context.Context, plan *deploy.DeploymentPlan, failed *deploy.TaskStep) (*deploy.ExecutionPlan, error) {
	ctx, span := plannerTracer.Start(ctx, "PlannerAgent.Replan")
	defer span.End()
	span.SetAttributes(
		attribute.String("plan_id", plan.PlanID),
		attribute.String("failed_action", failed.Action),
	)
	ctx = logging.WithAgent(ctx, string(deploy.AgentPlanner))

	if plan.ExecutionPlan == nil {
		return nil, fmt.Errorf("plan %s has no execution plan to revise", plan.PlanID)
	}

	next := &deploy.ExecutionPlan{PlanID: plan.PlanID}
	keepDone := true
	for _, s := range plan.ExecutionPlan.Steps {
		if keepDone && s.Status == deploy.StepCompleted {
			next.Steps = append(next.Steps, s.Clone())
			continue
		}
		keepDone = false
		next.Steps = append(next.Steps, newStep(s.Agent, s.Action, cloneInput(s.Input)))
	}

	chain := plan.ExecutionPlan.ReasoningChain.Clone()
	if chain == nil {
		chain = deploy.NewReasoningChain(deploy.AgentPlanner, nil)
	}
	chain.Append(deploy.ReasoningStep{
		Thought:    "revise plan after step failure",
		Reasoning:  fmt.Sprintf("step %s failed: %s", failed.Action, failed.Error),
		Confidence: 0.6,
	})
	next.ReasoningChain = chain

	a.kernel.LearnPattern(ctx, deploy.AgentPlanner,
		fmt.Sprintf("%s failing with: %s", failed.Action, failed.Error),
		fmt.Sprintf("replanned %s deployment in %s after %s failure", plan.Intent, plan.Env, failed.Action),
	)

	a.logger.Info(ctx, "execution plan revised",
		zap.String("failed_step", failed.StepID),
		zap.String("failed_action", failed.Action),
		zap.Int("preserved", len(plan.ExecutionPlan.CompletedSteps())),
	)
	return next, nil
}

// buildExecutionPlan lays out the standard deployment sequence.
func (a *PlannerAgent) buildExecutionPlan(planID string) *deploy.ExecutionPlan {
	return &deploy.ExecutionPlan{
		PlanID: planID,
		Steps: []*deploy.TaskStep{
			newStep(deploy.AgentRetriever, deploy.ActionRetrievePolicies, nil),
			newStep(deploy.AgentPlanner, deploy.ActionGenerateConfig, map[string]any{"requires_context": true}),
			newStep(deploy.AgentExecutor, deploy.ActionValidatePlan, nil),
			newStep(deploy.AgentExecutor, deploy.ActionCreateModel, nil),
			newStep(deploy.AgentExecutor, deploy.ActionCreateEndpointConfig, nil),
			newStep(deploy.AgentExecutor, deploy.ActionCreateEndpoint, nil),
			newStep(deploy.AgentMonitor, deploy.ActionConfigureMonitoring, nil),
			newStep(deploy.AgentMonitor, deploy.ActionVerifyDeployment, nil),
		},
	}
}

func newStep(agent deploy.AgentType, action string, input map[string]any) *deploy.TaskStep {
	now := time.Now().UTC()
	return &deploy.TaskStep{
		StepID:    uuid.NewString(),
		Agent:     agent,
		Action:    action,
		Status:    deploy.StepPending,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func cloneInput(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	cp := make(map[string]any, len(in))
	for k, v := range in {
		cp[k] = v
	}
	return cp
}

func (a *PlannerAgent) reflect(ctx context.Context, plan *deploy.DeploymentPlan, status, errMsg string) {
	a.kernel.Remember(ctx, deploy.AgentPlanner, map[string]string{
		"plan_id": plan.PlanID,
		"intent":  plan.Intent,
		"env":     string(plan.Env),
		"action":  deploy.ActionGenerateConfig,
	}, memory.Outcome{Status: status, Error: errMsg})
}

func semanticLessons(entries []*memory.Entry) []string {
	var lessons []string
	for _, e := range entries {
		if e.Kind == memory.KindSemantic && e.Lesson != "" {
			lessons = append(lessons, e.Lesson)
		}
	}
	return lessons
}
