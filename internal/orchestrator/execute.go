package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/deployd/internal/agent"
	"github.com/fyrsmithlabs/deployd/internal/audit"
	"github.com/fyrsmithlabs/deployd/internal/deploy"
	"github.com/fyrsmithlabs/deployd/internal/logging"
	"github.com/fyrsmithlabs/deployd/internal/memory"
	"github.com/fyrsmithlabs/deployd/internal/retriever"
)

// enqueue starts execution of the plan on the worker pool. One run per
// plan id; a second enqueue while the first is live is a no-op.
func (o *Orchestrator) enqueue(planID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.enqueueLocked(planID)
}

func (o *Orchestrator) enqueueLocked(planID string) {
	if o.closed {
		return
	}
	if _, ok := o.runs[planID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		cancel: cancel,
		pause:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	o.runs[planID] = r
	o.wg.Add(1)
	go o.runPlan(ctx, planID, r)
}

// runPlan drives one plan's execution plan to a resting state. It is
// the only goroutine mutating the plan while the run is live.
func (o *Orchestrator) runPlan(ctx context.Context, planID string, r *run) {
	defer o.wg.Done()
	defer close(r.done)
	defer r.cancel()
	defer func() {
		o.mu.Lock()
		delete(o.runs, planID)
		o.mu.Unlock()
	}()

	ctx, span := tracer.Start(ctx, "Orchestrator.runPlan")
	defer span.End()
	span.SetAttributes(attribute.String("plan_id", planID))
	ctx = logging.WithPlanID(ctx, planID)

	plan, err := o.store.Get(ctx, planID)
	if err != nil {
		o.logger.Error(ctx, "cannot load plan for execution", zap.Error(err))
		return
	}
	if plan.Status != deploy.StatusDeploying || plan.ExecutionPlan == nil {
		o.logger.Warn(ctx, "plan not runnable", zap.String("status", string(plan.Status)))
		return
	}

	select {
	case o.workers <- struct{}{}:
	case <-ctx.Done():
		return
	case <-o.quit:
		o.pausePlan(ctx, plan)
		return
	}
	defer func() { <-o.workers }()
	activeRuns.Inc()
	defer activeRuns.Dec()

	o.logger.Info(ctx, "execution started",
		zap.String("intent", plan.Intent),
		zap.String("env", string(plan.Env)),
	)

	for {
		if o.stopRequested(r) {
			o.pausePlan(ctx, plan)
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		step := plan.ExecutionPlan.NextPending()
		if step == nil {
			o.finishDeployed(ctx, plan)
			return
		}

		if !o.runStep(ctx, plan, step, r) {
			return
		}
	}
}

// runStep executes one step attempt and applies the monitor's
// decision. It reports whether the loop should continue.
func (o *Orchestrator) runStep(ctx context.Context, plan *deploy.DeploymentPlan, step *deploy.TaskStep, r *run) bool {
	now := time.Now().UTC()
	step.Status = deploy.StepExecuting
	step.UpdatedAt = now
	o.save(ctx, plan)
	o.audit(ctx, plan.PlanID, audit.EventStepStarted, "", plan.Status, plan.Status, map[string]string{
		"step_id": step.StepID,
		"agent":   string(step.Agent),
		"action":  step.Action,
		"attempt": fmt.Sprintf("%d", step.RetryCount+1),
	})

	start := time.Now()
	outcome := o.dispatch(ctx, plan, step)
	stepDuration.WithLabelValues(string(step.Agent)).Observe(time.Since(start).Seconds())

	step.Output = outcome.Output
	step.Error = outcome.Error
	step.NeedsReplan = outcome.NeedsReplan
	step.UpdatedAt = time.Now().UTC()

	decision := o.monitor.Classify(ctx, plan, step, outcome, o.cfg.MaxRetriesPerStep)
	switch decision {
	case agent.DecisionAccept:
		step.Status = deploy.StepCompleted
		stepOutcomes.WithLabelValues(step.Action, "completed").Inc()
		if step.RetryCount > 0 {
			o.kernel.Remember(ctx, step.Agent, map[string]string{
				"plan_id": plan.PlanID,
				"intent":  plan.Intent,
				"env":     string(plan.Env),
				"action":  step.Action,
			}, memory.Outcome{Status: agent.OutcomeResolvedByRetry})
		}
		o.save(ctx, plan)
		o.audit(ctx, plan.PlanID, audit.EventStepCompleted, "", plan.Status, plan.Status, map[string]string{
			"step_id": step.StepID,
			"action":  step.Action,
		})
		return true

	case agent.DecisionRetry:
		prior := step.RetryCount
		step.RetryCount++
		step.Status = deploy.StepRetrying
		stepOutcomes.WithLabelValues(step.Action, "retried").Inc()
		stepRetries.Inc()
		o.save(ctx, plan)
		o.audit(ctx, plan.PlanID, audit.EventStepRetried, "", plan.Status, plan.Status, map[string]string{
			"step_id": step.StepID,
			"action":  step.Action,
			"retry":   fmt.Sprintf("%d", step.RetryCount),
			"error":   outcome.Error,
		})
		if err := o.backoff(ctx, prior, r); err != nil {
			o.pausePlan(ctx, plan)
			return false
		}
		return true

	case agent.DecisionReplan:
		step.Status = deploy.StepFailed
		stepOutcomes.WithLabelValues(step.Action, "failed").Inc()
		plan.LastError = outcome.Error
		o.audit(ctx, plan.PlanID, audit.EventStepFailed, "", plan.Status, plan.Status, map[string]string{
			"step_id":    step.StepID,
			"action":     step.Action,
			"error":      outcome.Error,
			"error_kind": string(outcome.ErrorKind),
		})
		if plan.ReplanCount >= o.cfg.MaxReplans {
			step.Status = deploy.StepFailedPermanently
			o.failPlan(ctx, plan,
				fmt.Sprintf("replan budget of %d exhausted after %s failed: %s", o.cfg.MaxReplans, step.Action, outcome.Error),
				deploy.ErrKindReplanBudgetExhausted)
			return false
		}
		next, err := o.planner.Replan(ctx, plan, step)
		if err != nil {
			step.Status = deploy.StepFailedPermanently
			o.failPlan(ctx, plan, fmt.Sprintf("replanning after %s: %s", step.Action, err), outcome.ErrorKind)
			return false
		}
		plan.ExecutionPlan = next
		plan.ReplanCount++
		replansTotal.Inc()
		o.save(ctx, plan)
		o.audit(ctx, plan.PlanID, audit.EventReplan, "", plan.Status, plan.Status, map[string]string{
			"failed_action": step.Action,
			"replan_count":  fmt.Sprintf("%d", plan.ReplanCount),
		})
		o.logger.Info(ctx, "execution plan replanned",
			zap.String("failed_action", step.Action),
			zap.Int("replan_count", plan.ReplanCount),
		)
		return true

	default:
		step.Status = deploy.StepFailedPermanently
		stepOutcomes.WithLabelValues(step.Action, "failed").Inc()
		o.audit(ctx, plan.PlanID, audit.EventStepFailed, "", plan.Status, plan.Status, map[string]string{
			"step_id":    step.StepID,
			"action":     step.Action,
			"error":      outcome.Error,
			"error_kind": string(outcome.ErrorKind),
		})
		o.failPlan(ctx, plan, outcome.Error, outcome.ErrorKind)
		return false
	}
}

// dispatch routes the step to its owning agent. Policy retrieval and
// config generation run inside the orchestrator because they mutate
// plan evidence and the artifact, which agents never do.
func (o *Orchestrator) dispatch(ctx context.Context, plan *deploy.DeploymentPlan, step *deploy.TaskStep) deploy.StepOutcome {
	switch step.Agent {
	case deploy.AgentRetriever:
		return o.retrieveStep(ctx, plan)
	case deploy.AgentPlanner:
		return o.generateStep(ctx, plan, step)
	case deploy.AgentExecutor:
		return o.executor.Execute(ctx, plan, step)
	case deploy.AgentMonitor:
		return o.monitor.Execute(ctx, plan, step)
	default:
		return deploy.StepOutcome{
			Status:    deploy.StepFailed,
			Error:     fmt.Sprintf("no agent registered for %q", step.Agent),
			ErrorKind: deploy.ErrKindUnrecoverable,
		}
	}
}

// retrieveStep refreshes the plan's policy evidence. Degraded
// retrieval completes the step with a warning so the deployment can
// proceed on synthesis defaults.
func (o *Orchestrator) retrieveStep(ctx context.Context, plan *deploy.DeploymentPlan) deploy.StepOutcome {
	results, err := o.policies.Retrieve(ctx, plan.Intent, o.topKInitial)
	if err != nil {
		if errors.Is(err, retriever.ErrDegraded) {
			plan.Warnings = append(plan.Warnings, "policy retrieval degraded, continuing without fresh evidence")
			return deploy.StepOutcome{
				Status: deploy.StepCompleted,
				Output: map[string]any{"degraded": true, "results": 0},
			}
		}
		return deploy.StepOutcome{Status: deploy.StepFailed, Error: err.Error(), ErrorKind: deploy.ErrKindTransient}
	}
	plan.Evidence = evidenceFrom(results)
	return deploy.StepOutcome{
		Status: deploy.StepCompleted,
		Output: map[string]any{"results": len(results)},
	}
}

// generateStep re-synthesizes the artifact. When the step asks for
// context, a narrower iterative retrieval pass runs first, seeded with
// the last error so replans pull evidence about what went wrong.
func (o *Orchestrator) generateStep(ctx context.Context, plan *deploy.DeploymentPlan, step *deploy.TaskStep) deploy.StepOutcome {
	if wantsContext(step) {
		query := plan.Intent
		if plan.LastError != "" {
			query += " " + plan.LastError
		}
		results, err := o.policies.Retrieve(ctx, query, o.topKIterative)
		if err != nil && errors.Is(err, retriever.ErrDegraded) {
			plan.Warnings = append(plan.Warnings, "iterative retrieval degraded, generating from existing evidence")
		}
		plan.Evidence = append(plan.Evidence, evidenceFrom(results)...)
	}

	artifact, err := o.planner.GenerateConfig(ctx, plan)
	if err != nil {
		kind := deploy.ErrKindTransient
		if errors.Is(err, deploy.ErrSynthesisInvalid) {
			kind = deploy.ErrKindSemantic
		}
		return deploy.StepOutcome{Status: deploy.StepFailed, Error: err.Error(), ErrorKind: kind}
	}
	plan.Artifact = artifact
	return deploy.StepOutcome{
		Status: deploy.StepCompleted,
		Output: map[string]any{
			"endpoint_name":  artifact.EndpointName,
			"instance_type":  artifact.InstanceType,
			"instance_count": artifact.InstanceCount,
		},
	}
}

func wantsContext(step *deploy.TaskStep) bool {
	v, ok := step.Input["requires_context"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// backoff sleeps for an exponentially growing, jittered delay before
// the next attempt. retry is the zero-based count of attempts already
// made.
func (o *Orchestrator) backoff(ctx context.Context, retry int, r *run) error {
	d := o.cfg.BackoffBase << uint(retry)
	if d <= 0 || d > o.cfg.BackoffMax {
		d = o.cfg.BackoffMax
	}
	d = time.Duration(float64(d) * (0.5 + rand.Float64()*0.5))
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.pause:
		return errors.New("pause requested")
	case <-o.quit:
		return ErrShuttingDown
	}
}

func (o *Orchestrator) stopRequested(r *run) bool {
	select {
	case <-r.pause:
		return true
	case <-o.quit:
		return true
	default:
		return false
	}
}

// pausePlan settles an interrupted run into the paused state.
func (o *Orchestrator) pausePlan(ctx context.Context, plan *deploy.DeploymentPlan) {
	if !plan.Status.CanTransition(deploy.StatusPaused) {
		return
	}
	before := plan.Status
	if err := o.transition(ctx, plan, deploy.StatusPaused); err != nil {
		return
	}
	o.save(ctx, plan)
	o.audit(ctx, plan.PlanID, audit.EventPaused, "", before, deploy.StatusPaused, nil)
	o.logger.Info(ctx, "execution paused at step boundary")
}

func (o *Orchestrator) finishDeployed(ctx context.Context, plan *deploy.DeploymentPlan) {
	before := plan.Status
	if err := o.transition(ctx, plan, deploy.StatusDeployed); err != nil {
		o.logger.Error(ctx, "cannot mark plan deployed", zap.Error(err))
		return
	}
	plan.LastError = ""
	o.save(ctx, plan)
	o.audit(ctx, plan.PlanID, audit.EventDeployed, "", before, deploy.StatusDeployed, map[string]string{
		"endpoint": plan.Artifact.EndpointName,
	})
	o.logger.Info(ctx, "deployment complete",
		zap.String("endpoint", plan.Artifact.EndpointName),
	)
}

func (o *Orchestrator) failPlan(ctx context.Context, plan *deploy.DeploymentPlan, msg string, kind deploy.ErrorKind) {
	before := plan.Status
	plan.LastError = msg
	if err := o.transition(ctx, plan, deploy.StatusFailed); err != nil {
		o.logger.Error(ctx, "cannot mark plan failed", zap.Error(err))
		return
	}
	o.save(ctx, plan)
	o.audit(ctx, plan.PlanID, audit.EventFailed, "", before, deploy.StatusFailed, map[string]string{
		"error":      msg,
		"error_kind": string(kind),
	})
	o.logger.Error(ctx, "deployment failed",
		zap.String("error", msg),
		zap.String("error_kind", string(kind)),
	)
}

// save persists the plan, logging rather than failing on storage
// errors so a flaky store cannot wedge the step loop mid-flight.
func (o *Orchestrator) save(ctx context.Context, plan *deploy.DeploymentPlan) {
	plan.UpdatedAt = time.Now().UTC()
	if err := o.store.Put(ctx, plan); err != nil {
		o.logger.Error(ctx, "plan persist failed", zap.Error(err))
	}
}
