package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/deployd/internal/backend"
	"github.com/fyrsmithlabs/deployd/internal/config"
	"github.com/fyrsmithlabs/deployd/internal/deploy"
	"github.com/fyrsmithlabs/deployd/internal/guardrail"
	"github.com/fyrsmithlabs/deployd/internal/logging"
	"github.com/fyrsmithlabs/deployd/internal/memory"
)

var executorTracer = otel.Tracer("deployd.agent.executor")

// ExecutorAgent carries out the backend-facing steps of an execution
// plan. It never mutates the plan itself; each call returns an
// outcome for the orchestrator to apply.
type ExecutorAgent struct {
	backend   backend.DeploymentBackend
	validator *guardrail.Validator
	timeout   time.Duration
	kernel    *Kernel
	logger    *logging.Logger
}

// NewExecutorAgent wires the executor. A nil logger is replaced with
// a nop.
func NewExecutorAgent(be backend.DeploymentBackend, validator *guardrail.Validator, cfg config.BackendConfig, kernel *Kernel, logger *logging.Logger) *ExecutorAgent {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ExecutorAgent{
		backend:   be,
		validator: validator,
		timeout:   cfg.BackendTimeout,
		kernel:    kernel,
		logger:    logger.Named("agent.executor"),
	}
}

// Execute runs one executor-owned step and reports the outcome.
func (a *ExecutorAgent) Execute(ctx context.Context, plan *deploy.DeploymentPlan, step *deploy.TaskStep) deploy.StepOutcome {
	ctx, span := executorTracer.Start(ctx, "ExecutorAgent.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("plan_id", plan.PlanID),
		attribute.String("action", step.Action),
	)
	ctx = logging.WithAgent(ctx, string(deploy.AgentExecutor))

	outcome := a.run(ctx, plan, step)

	status := outcomeSucceeded
	if outcome.Status != deploy.StepCompleted {
		status = outcomeFailed
	}
	a.kernel.Remember(ctx, deploy.AgentExecutor, map[string]string{
		"plan_id": plan.PlanID,
		"intent":  plan.Intent,
		"env":     string(plan.Env),
		"action":  step.Action,
	}, memory.Outcome{Status: status, Error: outcome.Error})

	return outcome
}

func (a *ExecutorAgent) run(ctx context.Context, plan *deploy.DeploymentPlan, step *deploy.TaskStep) deploy.StepOutcome {
	switch step.Action {
	case deploy.ActionValidatePlan:
		return a.validatePlan(plan)
	case deploy.ActionCreateModel:
		return a.backendCall(ctx, step.Action, plan, a.backend.CreateModel)
	case deploy.ActionCreateEndpointConfig:
		return a.backendCall(ctx, step.Action, plan, a.backend.CreateEndpointConfig)
	case deploy.ActionCreateEndpoint:
		return a.backendCall(ctx, step.Action, plan, a.backend.CreateEndpoint)
	default:
		return deploy.StepOutcome{
			Status:    deploy.StepFailed,
			Error:     fmt.Sprintf("executor cannot run action %q", step.Action),
			ErrorKind: deploy.ErrKindUnrecoverable,
		}
	}
}

// validatePlan re-checks the artifact against guardrails right before
// resources are created. Anything that slipped past initial
// validation, or drifted through a replan, stops here.
func (a *ExecutorAgent) validatePlan(plan *deploy.DeploymentPlan) deploy.StepOutcome {
	if plan.Artifact == nil {
		return deploy.StepOutcome{
			Status:    deploy.StepFailed,
			Error:     "no artifact to validate",
			ErrorKind: deploy.ErrKindSemantic,
		}
	}

	res := a.validator.Validate(plan.Artifact, plan.Env, plan.Constraints)
	if !res.OK {
		return deploy.StepOutcome{
			Status:      deploy.StepFailed,
			Error:       strings.Join(res.Errors, "; "),
			ErrorKind:   deploy.ErrKindSemantic,
			NeedsReplan: true,
		}
	}

	out := map[string]any{"validated": true}
	if len(res.Warnings) > 0 {
		out["warnings"] = strings.Join(res.Warnings, "; ")
	}
	return deploy.StepOutcome{Status: deploy.StepCompleted, Output: out}
}

func (a *ExecutorAgent) backendCall(ctx context.Context, action string, plan *deploy.DeploymentPlan, call func(context.Context, *deploy.DeploymentArtifact) (backend.Result, error)) deploy.StepOutcome {
	if plan.Artifact == nil {
		return deploy.StepOutcome{
			Status:    deploy.StepFailed,
			Error:     "no artifact to deploy",
			ErrorKind: deploy.ErrKindSemantic,
		}
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	res, err := call(ctx, plan.Artifact)
	if err != nil {
		if backend.IsAlreadyExists(err) {
			a.logger.Info(ctx, "resource already exists, treating as done",
				zap.String("action", action),
			)
			return deploy.StepOutcome{
				Status: deploy.StepCompleted,
				Output: map[string]any{"already_existed": true},
			}
		}
		return deploy.StepOutcome{
			Status:    deploy.StepFailed,
			Error:     err.Error(),
			ErrorKind: backend.KindOf(err),
		}
	}

	a.logger.Info(ctx, "backend step complete",
		zap.String("action", action),
		zap.String("resource_id", res.ResourceID),
		zap.Bool("dry_run", res.DryRun),
	)
	return deploy.StepOutcome{
		Status: deploy.StepCompleted,
		Output: map[string]any{
			"resource_id": res.ResourceID,
			"dry_run":     res.DryRun,
		},
	}
}
