package agent

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/deployd/internal/backend"
	"github.com/fyrsmithlabs/deployd/internal/config"
	"github.com/fyrsmithlabs/deployd/internal/deploy"
	"github.com/fyrsmithlabs/deployd/internal/logging"
	"github.com/fyrsmithlabs/deployd/internal/memory"
)

var monitorTracer = otel.Tracer("deployd.agent.monitor")

// Decision is the monitor's verdict on a step outcome.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionRetry  Decision = "retry"
	DecisionReplan Decision = "replan"
	DecisionFail   Decision = "fail"
)

// MonitorAgent owns the observation steps of a deployment and judges
// every step outcome. Its Classify policy decides whether the
// orchestrator retries, replans, or gives up.
type MonitorAgent struct {
	backend       backend.DeploymentBackend
	verifyTimeout time.Duration
	verifyPoll    time.Duration
	kernel        *Kernel
	logger        *logging.Logger
}

// NewMonitorAgent wires the monitor. A nil logger is replaced with a
// nop.
func NewMonitorAgent(be backend.DeploymentBackend, cfg config.BackendConfig, kernel *Kernel, logger *logging.Logger) *MonitorAgent {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &MonitorAgent{
		backend:       be,
		verifyTimeout: cfg.VerifyTimeout,
		verifyPoll:    cfg.VerifyPoll,
		kernel:        kernel,
		logger:        logger.Named("agent.monitor"),
	}
}

// Execute runs one monitor-owned step.
func (a *MonitorAgent) Execute(ctx context.Context, plan *deploy.DeploymentPlan, step *deploy.TaskStep) deploy.StepOutcome {
	ctx, span := monitorTracer.Start(ctx, "MonitorAgent.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("plan_id", plan.PlanID),
		attribute.String("action", step.Action),
	)
	ctx = logging.WithAgent(ctx, string(deploy.AgentMonitor))

	switch step.Action {
	case deploy.ActionConfigureMonitoring:
		return a.configureMonitoring(ctx, plan)
	case deploy.ActionVerifyDeployment:
		return a.verifyDeployment(ctx, plan)
	default:
		return deploy.StepOutcome{
			Status:    deploy.StepFailed,
			Error:     fmt.Sprintf("monitor cannot run action %q", step.Action),
			ErrorKind: deploy.ErrKindUnrecoverable,
		}
	}
}

func (a *MonitorAgent) configureMonitoring(ctx context.Context, plan *deploy.DeploymentPlan) deploy.StepOutcome {
	if plan.Artifact == nil {
		return deploy.StepOutcome{
			Status:    deploy.StepFailed,
			Error:     "no artifact to monitor",
			ErrorKind: deploy.ErrKindSemantic,
		}
	}

	res, err := a.backend.ConfigureMonitor(ctx, plan.Artifact)
	if err != nil {
		return deploy.StepOutcome{
			Status:    deploy.StepFailed,
			Error:     err.Error(),
			ErrorKind: backend.KindOf(err),
		}
	}
	return deploy.StepOutcome{
		Status: deploy.StepCompleted,
		Output: map[string]any{
			"alarms":  len(plan.Artifact.RollbackAlarms),
			"dry_run": res.DryRun,
		},
	}
}

// verifyDeployment polls the endpoint until it serves traffic, the
// backend reports failure, or the verification window closes.
func (a *MonitorAgent) verifyDeployment(ctx context.Context, plan *deploy.DeploymentPlan) deploy.StepOutcome {
	if plan.Artifact == nil {
		return deploy.StepOutcome{
			Status:    deploy.StepFailed,
			Error:     "no artifact to verify",
			ErrorKind: deploy.ErrKindSemantic,
		}
	}
	endpoint := plan.Artifact.EndpointName

	deadline := time.Now().Add(a.verifyTimeout)
	for {
		status, err := a.backend.DescribeEndpoint(ctx, endpoint)
		if err != nil && status == backend.EndpointNotFound && backend.KindOf(err) == deploy.ErrKindSemantic {
			// A semantic not-found error means the same as a not_found
			// status: handle it in the status switch below.
			err = nil
		}
		if err != nil {
			kind := backend.KindOf(err)
			if kind != deploy.ErrKindTransient {
				return deploy.StepOutcome{Status: deploy.StepFailed, Error: err.Error(), ErrorKind: kind}
			}
			a.logger.Warn(ctx, "describe failed during verification, will poll again",
				zap.String("endpoint", endpoint),
				zap.Error(err),
			)
		} else {
			switch status {
			case backend.EndpointInService:
				a.recordVerify(ctx, plan, outcomeSucceeded, "")
				return deploy.StepOutcome{
					Status: deploy.StepCompleted,
					Output: map[string]any{"endpoint_status": string(status)},
				}
			case backend.EndpointFailed:
				msg := fmt.Sprintf("endpoint %s entered failed state", endpoint)
				a.recordVerify(ctx, plan, outcomeFailed, msg)
				return deploy.StepOutcome{Status: deploy.StepFailed, Error: msg, ErrorKind: deploy.ErrKindSemantic, NeedsReplan: true}
			case backend.EndpointNotFound:
				msg := fmt.Sprintf("endpoint %s does not exist", endpoint)
				a.recordVerify(ctx, plan, outcomeFailed, msg)
				return deploy.StepOutcome{Status: deploy.StepFailed, Error: msg, ErrorKind: deploy.ErrKindSemantic, NeedsReplan: true}
			}
		}

		if time.Now().After(deadline) {
			msg := fmt.Sprintf("endpoint %s not in service after %s", endpoint, a.verifyTimeout)
			a.recordVerify(ctx, plan, outcomeFailed, msg)
			return deploy.StepOutcome{Status: deploy.StepFailed, Error: msg, ErrorKind: deploy.ErrKindTransient}
		}
		select {
		case <-ctx.Done():
			return deploy.StepOutcome{Status: deploy.StepFailed, Error: ctx.Err().Error(), ErrorKind: deploy.ErrKindTransient}
		case <-time.After(a.verifyPoll):
		}
	}
}

func (a *MonitorAgent) recordVerify(ctx context.Context, plan *deploy.DeploymentPlan, status, errMsg string) {
	a.kernel.Remember(ctx, deploy.AgentMonitor, map[string]string{
		"plan_id": plan.PlanID,
		"intent":  plan.Intent,
		"env":     string(plan.Env),
		"action":  deploy.ActionVerifyDeployment,
	}, memory.Outcome{Status: status, Error: errMsg})
}

// Classify maps a step outcome to a decision given the retry budget.
//
// Completed outcomes are accepted. Unrecoverable errors fail
// immediately. Transient errors retry until the budget runs out, then
// fail. Semantic errors retry too, but escalate to replanning when
// retries are exhausted, when the step asked for one, or when memory
// shows this failure keeps recurring. When retries are exactly
// exhausted and memory shows retries resolved this failure before,
// the step gets one more retry instead.
func (a *MonitorAgent) Classify(ctx context.Context, plan *deploy.DeploymentPlan, step *deploy.TaskStep, outcome deploy.StepOutcome, maxRetries int) Decision {
	if outcome.Status == deploy.StepCompleted {
		return DecisionAccept
	}

	switch outcome.ErrorKind {
	case deploy.ErrKindUnrecoverable:
		return DecisionFail

	case deploy.ErrKindTransient:
		if step.RetryCount < maxRetries {
			return DecisionRetry
		}
		return DecisionFail

	default:
		if outcome.NeedsReplan {
			return DecisionReplan
		}
		failures := a.kernel.SimilarFailureCount(ctx, step.Agent, step.Action+" "+outcome.Error)
		if failures >= a.kernel.ReplanThreshold() {
			a.logger.Info(ctx, "recurring failure, escalating to replan",
				zap.String("action", step.Action),
				zap.Int("similar_failures", failures),
			)
			return DecisionReplan
		}
		if step.RetryCount < maxRetries {
			return DecisionRetry
		}
		if step.RetryCount == maxRetries && a.kernel.RetryResolvedBefore(ctx, step.Agent, step.Action, outcome.Error) {
			a.logger.Info(ctx, "memory favors one more retry",
				zap.String("action", step.Action),
			)
			return DecisionRetry
		}
		return DecisionReplan
	}
}

// Summarize produces a one-line human summary of where the plan
// stands.
func (a *MonitorAgent) Summarize(plan *deploy.DeploymentPlan) string {
	done, total := 0, 0
	if plan.ExecutionPlan != nil {
		total = len(plan.ExecutionPlan.Steps)
		done = len(plan.ExecutionPlan.CompletedSteps())
	}
	s := fmt.Sprintf("plan %s is %s (%d/%d steps complete)", plan.PlanID, plan.Status, done, total)
	if plan.LastError != "" {
		s += fmt.Sprintf(", last error: %s", plan.LastError)
	}
	if plan.ReplanCount > 0 {
		s += fmt.Sprintf(", replans: %d", plan.ReplanCount)
	}
	return s
}
