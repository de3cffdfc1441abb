// Package orchestrator drives deployment plans through their
// lifecycle. It owns every plan mutation: agents propose artifacts and
// report step outcomes, the orchestrator applies them, persists the
// plan, and writes the audit trail.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/deployd/internal/agent"
	"github.com/fyrsmithlabs/deployd/internal/audit"
	"github.com/fyrsmithlabs/deployd/internal/backend"
	"github.com/fyrsmithlabs/deployd/internal/config"
	"github.com/fyrsmithlabs/deployd/internal/deploy"
	"github.com/fyrsmithlabs/deployd/internal/guardrail"
	"github.com/fyrsmithlabs/deployd/internal/logging"
	"github.com/fyrsmithlabs/deployd/internal/memory"
	"github.com/fyrsmithlabs/deployd/internal/planstore"
	"github.com/fyrsmithlabs/deployd/internal/retriever"
)

var tracer = otel.Tracer("deployd.orchestrator")

// ErrShuttingDown is returned for operations arriving after Shutdown
// has begun.
var ErrShuttingDown = errors.New("orchestrator shutting down")

// Deps collects the collaborators the orchestrator coordinates.
type Deps struct {
	Store     planstore.Store
	Planner   *agent.PlannerAgent
	Executor  *agent.ExecutorAgent
	Monitor   *agent.MonitorAgent
	Kernel    *agent.Kernel
	Retriever *retriever.Pipeline
	Validator *guardrail.Validator
	Memory    memory.Store
	Backend   backend.DeploymentBackend
	Audit     audit.Sink
}

// run tracks one in-flight plan execution. pause is closed to request
// a stop at the next step boundary; done is closed when the goroutine
// exits.
type run struct {
	cancel    context.CancelFunc
	pause     chan struct{}
	pauseOnce sync.Once
	done      chan struct{}
}

func (r *run) requestPause() {
	r.pauseOnce.Do(func() { close(r.pause) })
}

// Orchestrator is the single writer of deployment plans. Safe for
// concurrent use.
type Orchestrator struct {
	store     planstore.Store
	planner   *agent.PlannerAgent
	executor  *agent.ExecutorAgent
	monitor   *agent.MonitorAgent
	kernel    *agent.Kernel
	policies  *retriever.Pipeline
	validator *guardrail.Validator
	memories  memory.Store
	backend   backend.DeploymentBackend
	sink      audit.Sink

	cfg           config.OrchestratorConfig
	topKInitial   int
	topKIterative int
	logger        *logging.Logger

	mu     sync.Mutex
	runs   map[string]*run
	closed bool

	workers chan struct{}
	quit    chan struct{}
	wg      sync.WaitGroup
}

// New wires the orchestrator. A nil logger is replaced with a nop.
func New(deps Deps, cfg *config.Config, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Orchestrator{
		store:         deps.Store,
		planner:       deps.Planner,
		executor:      deps.Executor,
		monitor:       deps.Monitor,
		kernel:        deps.Kernel,
		policies:      deps.Retriever,
		validator:     deps.Validator,
		memories:      deps.Memory,
		backend:       deps.Backend,
		sink:          deps.Audit,
		cfg:           cfg.Orchestrator,
		topKInitial:   cfg.Retriever.TopKInitial,
		topKIterative: cfg.Retriever.TopKIterative,
		logger:        logger.Named("orchestrator"),
		runs:          make(map[string]*run),
		workers:       make(chan struct{}, cfg.Orchestrator.WorkerPoolSize),
		quit:          make(chan struct{}),
	}
}

// SubmitRequest is a deployment intent from a user.
type SubmitRequest struct {
	UserID      string
	Intent      string
	Env         deploy.Environment
	Constraints deploy.Constraints
}

// Submit validates an intent end to end: retrieve policy evidence,
// synthesize the artifact and execution plan, run guardrails, and
// either start executing, park the plan for approval, or leave it in
// validation_failed. The returned plan reflects the resting state;
// callers inspect plan.Status rather than the error for validation
// outcomes.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*deploy.DeploymentPlan, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Submit")
	defer span.End()

	if req.Intent == "" {
		return nil, errors.New("intent is required")
	}
	if !req.Env.Valid() {
		return nil, fmt.Errorf("unknown environment %q", req.Env)
	}

	now := time.Now().UTC()
	plan := &deploy.DeploymentPlan{
		PlanID:      uuid.NewString(),
		UserID:      req.UserID,
		Intent:      req.Intent,
		Env:         req.Env,
		Constraints: req.Constraints,
		Status:      deploy.StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	span.SetAttributes(attribute.String("plan_id", plan.PlanID), attribute.String("env", string(req.Env)))
	ctx = logging.WithPlanID(ctx, plan.PlanID)

	if err := o.store.Put(ctx, plan); err != nil {
		return nil, fmt.Errorf("storing plan: %w", err)
	}
	plansSubmitted.Inc()
	o.audit(ctx, plan.PlanID, audit.EventIntentSubmitted, req.UserID, "", deploy.StatusCreated, map[string]string{
		"intent": req.Intent,
		"env":    string(req.Env),
	})

	if err := o.transition(ctx, plan, deploy.StatusValidating); err != nil {
		return nil, err
	}

	results, err := o.policies.Retrieve(ctx, plan.Intent, o.topKInitial)
	if err != nil {
		if !errors.Is(err, retriever.ErrDegraded) {
			return nil, fmt.Errorf("retrieving policies: %w", err)
		}
		plan.Warnings = append(plan.Warnings, "policy retrieval degraded, validating without fresh evidence")
	}
	plan.Evidence = evidenceFrom(results)

	artifact, exec, err := o.planner.Plan(ctx, plan)
	if err != nil {
		plan.ValidationErrors = append(plan.ValidationErrors, err.Error())
		return o.finishValidation(ctx, plan, req.UserID, false)
	}
	plan.Artifact = artifact
	plan.ExecutionPlan = exec

	res := o.validator.Validate(artifact, plan.Env, plan.Constraints)
	plan.Warnings = append(plan.Warnings, res.Warnings...)
	if !res.OK {
		plan.ValidationErrors = append(plan.ValidationErrors, res.Errors...)
		return o.finishValidation(ctx, plan, req.UserID, false)
	}
	return o.finishValidation(ctx, plan, req.UserID, true)
}

// finishValidation moves the plan out of validating based on the
// guardrail result and persists it.
func (o *Orchestrator) finishValidation(ctx context.Context, plan *deploy.DeploymentPlan, actor string, passed bool) (*deploy.DeploymentPlan, error) {
	if !passed {
		if err := o.transition(ctx, plan, deploy.StatusValidationFailed); err != nil {
			return nil, err
		}
		if err := o.store.Put(ctx, plan); err != nil {
			return nil, fmt.Errorf("storing plan: %w", err)
		}
		o.audit(ctx, plan.PlanID, audit.EventValidationFailed, actor, deploy.StatusValidating, plan.Status, map[string]string{
			"errors": joinTruncated(plan.ValidationErrors),
		})
		return plan, nil
	}

	o.audit(ctx, plan.PlanID, audit.EventValidationPassed, actor, deploy.StatusValidating, deploy.StatusValidating, nil)

	if o.validator.RequiresApproval(plan.Artifact, plan.Env) {
		if err := o.transition(ctx, plan, deploy.StatusAwaitingApproval); err != nil {
			return nil, err
		}
		if err := o.store.Put(ctx, plan); err != nil {
			return nil, fmt.Errorf("storing plan: %w", err)
		}
		meta := map[string]string{"endpoint": plan.Artifact.EndpointName}
		if cost, ok := o.validator.EstimateCost(plan.Artifact); ok {
			meta["estimated_cost_usd_per_hour"] = fmt.Sprintf("%.3f", cost)
		}
		o.audit(ctx, plan.PlanID, audit.EventApprovalRequested, actor, deploy.StatusValidating, plan.Status, meta)
		o.logger.Info(ctx, "plan awaiting approval",
			zap.String("endpoint", plan.Artifact.EndpointName),
			zap.String("env", string(plan.Env)),
		)
		return plan, nil
	}

	if err := o.transition(ctx, plan, deploy.StatusDeploying); err != nil {
		return nil, err
	}
	if err := o.store.Put(ctx, plan); err != nil {
		return nil, fmt.Errorf("storing plan: %w", err)
	}
	o.enqueue(plan.PlanID)
	return plan, nil
}

// Approve records a human approval and starts execution. The plan
// must be awaiting approval.
func (o *Orchestrator) Approve(ctx context.Context, planID, approver, reason string) (*deploy.DeploymentPlan, error) {
	return o.decide(ctx, planID, approver, reason, true)
}

// Reject records a human rejection. The plan must be awaiting
// approval; rejected plans keep their execution plan for inspection
// but never run.
func (o *Orchestrator) Reject(ctx context.Context, planID, approver, reason string) (*deploy.DeploymentPlan, error) {
	return o.decide(ctx, planID, approver, reason, false)
}

func (o *Orchestrator) decide(ctx context.Context, planID, approver, reason string, approve bool) (*deploy.DeploymentPlan, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Decide")
	defer span.End()
	span.SetAttributes(attribute.String("plan_id", planID), attribute.Bool("approve", approve))
	ctx = logging.WithPlanID(ctx, planID)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrShuttingDown
	}

	plan, err := o.store.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != deploy.StatusAwaitingApproval {
		return nil, fmt.Errorf("%w: plan %s is %s, not awaiting_approval", deploy.ErrStateConflict, planID, plan.Status)
	}

	decision := deploy.DecisionRejected
	target := deploy.StatusRejected
	event := audit.EventRejected
	if approve {
		decision = deploy.DecisionApproved
		target = deploy.StatusApproved
		event = audit.EventApproved
	}
	plan.Approval = &deploy.Approval{
		Approver:  approver,
		Decision:  decision,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}

	before := plan.Status
	if err := o.transition(ctx, plan, target); err != nil {
		return nil, err
	}
	o.audit(ctx, planID, event, approver, before, plan.Status, map[string]string{"reason": reason})

	if approve {
		if err := o.transition(ctx, plan, deploy.StatusDeploying); err != nil {
			return nil, err
		}
	}
	if err := o.store.Put(ctx, plan); err != nil {
		return nil, fmt.Errorf("storing plan: %w", err)
	}
	if approve {
		o.enqueueLocked(planID)
	}
	return plan, nil
}

// Pause stops a deploying plan at the next step boundary. The
// transition to paused happens asynchronously when the running step
// finishes.
func (o *Orchestrator) Pause(ctx context.Context, planID string) error {
	ctx = logging.WithPlanID(ctx, planID)

	o.mu.Lock()
	defer o.mu.Unlock()

	plan, err := o.store.Get(ctx, planID)
	if err != nil {
		return err
	}
	if plan.Status != deploy.StatusDeploying {
		return fmt.Errorf("%w: plan %s is %s, not deploying", deploy.ErrStateConflict, planID, plan.Status)
	}

	if r, ok := o.runs[planID]; ok {
		r.requestPause()
		o.logger.Info(ctx, "pause requested, stopping at step boundary")
		return nil
	}

	// No live run for a deploying plan means a previous process died
	// mid-flight; settle the state directly.
	if err := o.transition(ctx, plan, deploy.StatusPaused); err != nil {
		return err
	}
	if err := o.store.Put(ctx, plan); err != nil {
		return fmt.Errorf("storing plan: %w", err)
	}
	o.audit(ctx, planID, audit.EventPaused, "", deploy.StatusDeploying, deploy.StatusPaused, nil)
	return nil
}

// Restart resumes a paused, failed, or deployed plan. Paused and
// failed plans pick up from their first unfinished step with retry
// state cleared; a deployed plan re-runs only endpoint verification.
func (o *Orchestrator) Restart(ctx context.Context, planID, actor string) (*deploy.DeploymentPlan, error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Restart")
	defer span.End()
	span.SetAttributes(attribute.String("plan_id", planID))
	ctx = logging.WithPlanID(ctx, planID)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrShuttingDown
	}

	plan, err := o.store.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	before := plan.Status
	switch before {
	case deploy.StatusPaused, deploy.StatusFailed, deploy.StatusDeployed:
	default:
		return nil, fmt.Errorf("%w: plan %s is %s, restart needs paused, failed, or deployed", deploy.ErrStateConflict, planID, before)
	}
	if plan.ExecutionPlan == nil {
		return nil, fmt.Errorf("plan %s has no execution plan to restart", planID)
	}

	for _, s := range plan.ExecutionPlan.Steps {
		if before == deploy.StatusDeployed {
			if s.Action != deploy.ActionVerifyDeployment {
				continue
			}
		} else if s.Status == deploy.StepCompleted {
			continue
		}
		s.Status = deploy.StepPending
		s.Error = ""
		s.RetryCount = 0
		s.NeedsReplan = false
		s.UpdatedAt = time.Now().UTC()
	}
	plan.LastError = ""

	if err := o.transition(ctx, plan, deploy.StatusDeploying); err != nil {
		return nil, err
	}
	if err := o.store.Put(ctx, plan); err != nil {
		return nil, fmt.Errorf("storing plan: %w", err)
	}
	o.audit(ctx, planID, audit.EventRestarted, actor, before, deploy.StatusDeploying, nil)
	o.enqueueLocked(planID)
	return plan, nil
}

// Delete removes a plan. Soft delete marks the plan deleted and keeps
// the record; hard delete additionally tears down backend resources,
// forgets plan-scoped memories, and drops the stored row. Partial
// hard-delete failures are reported without undoing what succeeded.
func (o *Orchestrator) Delete(ctx context.Context, planID, actor string, hard bool) error {
	ctx, span := tracer.Start(ctx, "Orchestrator.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("plan_id", planID), attribute.Bool("hard", hard))
	ctx = logging.WithPlanID(ctx, planID)

	o.mu.Lock()
	plan, err := o.store.Get(ctx, planID)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	r := o.runs[planID]
	o.mu.Unlock()

	if r != nil {
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		plan, err = o.store.Get(ctx, planID)
		if err != nil {
			return err
		}
	}

	before := plan.Status
	if before != deploy.StatusDeleted {
		if err := o.transition(ctx, plan, deploy.StatusDeleted); err != nil {
			return err
		}
		if err := o.store.Put(ctx, plan); err != nil {
			return fmt.Errorf("storing plan: %w", err)
		}
	} else if !hard {
		return fmt.Errorf("%w: plan %s is already deleted", deploy.ErrStateConflict, planID)
	}

	mode := "soft"
	if hard {
		mode = "hard"
	}
	o.audit(ctx, planID, audit.EventDeleted, actor, before, deploy.StatusDeleted, map[string]string{"mode": mode})

	if !hard {
		return nil
	}

	var errs []error
	if plan.Artifact != nil && plan.Artifact.EndpointName != "" {
		res, derr := o.backend.DeleteEndpoint(ctx, plan.Artifact.EndpointName)
		if derr != nil {
			errs = append(errs, fmt.Errorf("deleting endpoint %s: %w", plan.Artifact.EndpointName, derr))
		}
		for _, msg := range res.Errors {
			errs = append(errs, fmt.Errorf("backend cleanup: %s", msg))
		}
	}
	if removed, merr := o.memories.DeleteForPlan(ctx, planID); merr != nil {
		errs = append(errs, fmt.Errorf("deleting memories: %w", merr))
	} else if removed > 0 {
		o.logger.Info(ctx, "plan memories removed", zap.Int("count", removed))
	}
	if serr := o.store.Delete(ctx, planID); serr != nil {
		errs = append(errs, fmt.Errorf("deleting plan record: %w", serr))
	}
	return errors.Join(errs...)
}

// Get returns the plan by id.
func (o *Orchestrator) Get(ctx context.Context, planID string) (*deploy.DeploymentPlan, error) {
	return o.store.Get(ctx, planID)
}

// List returns plan summaries passing the filter, oldest first.
func (o *Orchestrator) List(ctx context.Context, filter planstore.Filter) ([]deploy.PlanSummary, error) {
	plans, err := o.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]deploy.PlanSummary, 0, len(plans))
	for _, p := range plans {
		out = append(out, p.Summary())
	}
	return out, nil
}

// ActiveDeployments lists plans currently deploying or serving.
func (o *Orchestrator) ActiveDeployments(ctx context.Context) ([]deploy.PlanSummary, error) {
	return o.List(ctx, planstore.Filter{
		Status: []deploy.PlanStatus{deploy.StatusDeploying, deploy.StatusDeployed},
	})
}

// Summarize returns the monitor's one-line status for the plan.
func (o *Orchestrator) Summarize(ctx context.Context, planID string) (string, error) {
	plan, err := o.store.Get(ctx, planID)
	if err != nil {
		return "", err
	}
	return o.monitor.Summarize(plan), nil
}

// Shutdown stops accepting work and waits for in-flight executions to
// stop at their next step boundary. Plans interrupted this way are
// paused and can be restarted later.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	close(o.quit)
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transition applies a status change, enforcing the transition table.
func (o *Orchestrator) transition(ctx context.Context, plan *deploy.DeploymentPlan, to deploy.PlanStatus) error {
	if !plan.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", deploy.ErrInvalidTransition, plan.Status, to)
	}
	o.logger.Debug(ctx, "plan transition",
		zap.String("from", string(plan.Status)),
		zap.String("to", string(to)),
	)
	plan.Status = to
	plan.UpdatedAt = time.Now().UTC()
	planTransitions.WithLabelValues(string(to)).Inc()
	return nil
}

// audit writes one trail record. Delivery failures are logged, never
// propagated; the buffered sink has already exhausted its retries by
// the time Write returns an error.
func (o *Orchestrator) audit(ctx context.Context, planID string, event audit.EventType, actor string, before, after deploy.PlanStatus, meta map[string]string) {
	err := o.sink.Write(ctx, audit.Record{
		PlanID:    planID,
		EventType: event,
		Actor:     actor,
		Before:    string(before),
		After:     string(after),
		Metadata:  meta,
	})
	if err != nil {
		o.logger.Error(ctx, "audit record lost",
			zap.String("event", string(event)),
			zap.Error(err),
		)
	}
}

func evidenceFrom(results []retriever.Result) []deploy.Evidence {
	if len(results) == 0 {
		return nil
	}
	out := make([]deploy.Evidence, 0, len(results))
	for _, r := range results {
		out = append(out, deploy.Evidence{
			Title:   r.Title,
			Snippet: r.Content,
			Source:  r.ID,
			Score:   float64(r.Score),
		})
	}
	return out
}

func joinTruncated(msgs []string) string {
	const limit = 512
	joined := ""
	for i, m := range msgs {
		if i > 0 {
			joined += "; "
		}
		joined += m
	}
	if len(joined) > limit {
		joined = joined[:limit]
	}
	return joined
}
