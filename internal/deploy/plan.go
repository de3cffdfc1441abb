package deploy

import (
	"time"
)

// Evidence is a retrieved policy snippet with a relevance score in [0,1].
type Evidence struct {
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}

// Constraints are caller-supplied limits applied on top of environment
// policy during validation.
type Constraints struct {
	BudgetUSDPerHour float64 `json:"budget_usd_per_hour,omitempty"`
}

// TaskStep is a single unit of work inside an ExecutionPlan.
type TaskStep struct {
	StepID         string          `json:"step_id"`
	Agent          AgentType       `json:"agent"`
	Action         string          `json:"action"`
	Status         StepStatus      `json:"status"`
	Input          map[string]any  `json:"input,omitempty"`
	Output         map[string]any  `json:"output,omitempty"`
	Error          string          `json:"error,omitempty"`
	RetryCount     int             `json:"retry_count"`
	NeedsReplan    bool            `json:"needs_replan"`
	ReasoningChain *ReasoningChain `json:"reasoning_chain,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Clone returns a deep copy of the step.
func (s *TaskStep) Clone() *TaskStep {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Input = cloneMap(s.Input)
	cp.Output = cloneMap(s.Output)
	cp.ReasoningChain = s.ReasoningChain.Clone()
	return &cp
}

// ExecutionPlan is the ordered step sequence that realizes an artifact.
type ExecutionPlan struct {
	PlanID         string          `json:"plan_id"`
	Steps          []*TaskStep     `json:"steps"`
	ReasoningChain *ReasoningChain `json:"reasoning_chain,omitempty"`
}

// NextPending returns the first step that is not in a terminal state,
// or nil when every step has finished.
func (p *ExecutionPlan) NextPending() *TaskStep {
	for _, s := range p.Steps {
		if !s.Status.IsTerminal() {
			return s
		}
	}
	return nil
}

// Step returns the step with the given id, or nil.
func (p *ExecutionPlan) Step(stepID string) *TaskStep {
	for _, s := range p.Steps {
		if s.StepID == stepID {
			return s
		}
	}
	return nil
}

// CompletedSteps returns the steps currently marked completed, in plan
// order.
func (p *ExecutionPlan) CompletedSteps() []*TaskStep {
	var out []*TaskStep
	for _, s := range p.Steps {
		if s.Status == StepCompleted {
			out = append(out, s)
		}
	}
	return out
}

// Clone returns a deep copy of the plan.
func (p *ExecutionPlan) Clone() *ExecutionPlan {
	if p == nil {
		return nil
	}
	cp := &ExecutionPlan{
		PlanID:         p.PlanID,
		Steps:          make([]*TaskStep, len(p.Steps)),
		ReasoningChain: p.ReasoningChain.Clone(),
	}
	for i, s := range p.Steps {
		cp.Steps[i] = s.Clone()
	}
	return cp
}

// Approval records a human decision on a plan awaiting approval.
type Approval struct {
	Approver  string    `json:"approver"`
	Decision  string    `json:"decision"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Approval decisions.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// DeploymentPlan is the durable aggregate for one deployment request.
// It is mutated only by the orchestrator; agents return proposals and
// outcomes but never write the plan directly.
type DeploymentPlan struct {
	PlanID           string              `json:"plan_id"`
	UserID           string              `json:"user_id"`
	Intent           string              `json:"intent"`
	Env              Environment         `json:"env"`
	Artifact         *DeploymentArtifact `json:"artifact,omitempty"`
	Evidence         []Evidence          `json:"evidence,omitempty"`
	ValidationErrors []string            `json:"validation_errors,omitempty"`
	Warnings         []string            `json:"warnings,omitempty"`
	Constraints      Constraints         `json:"constraints"`
	Status           PlanStatus          `json:"status"`
	ExecutionPlan    *ExecutionPlan      `json:"execution_plan,omitempty"`
	Approval         *Approval           `json:"approval,omitempty"`
	ReplanCount      int                 `json:"replan_count"`
	LastError        string              `json:"last_error,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// Clone returns a deep copy of the plan.
func (p *DeploymentPlan) Clone() *DeploymentPlan {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Artifact = p.Artifact.Clone()
	cp.Evidence = append([]Evidence(nil), p.Evidence...)
	cp.ValidationErrors = append([]string(nil), p.ValidationErrors...)
	cp.Warnings = append([]string(nil), p.Warnings...)
	cp.ExecutionPlan = p.ExecutionPlan.Clone()
	if p.Approval != nil {
		a := *p.Approval
		cp.Approval = &a
	}
	return &cp
}

// PlanSummary is the listing projection of a plan.
type PlanSummary struct {
	PlanID       string      `json:"plan_id"`
	Intent       string      `json:"intent"`
	Env          Environment `json:"env"`
	Status       PlanStatus  `json:"status"`
	EndpointName string      `json:"endpoint_name,omitempty"`
	InstanceType string      `json:"instance_type,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Summary projects the plan into its listing form.
func (p *DeploymentPlan) Summary() PlanSummary {
	s := PlanSummary{
		PlanID:    p.PlanID,
		Intent:    p.Intent,
		Env:       p.Env,
		Status:    p.Status,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
	if p.Artifact != nil {
		s.EndpointName = p.Artifact.EndpointName
		s.InstanceType = p.Artifact.InstanceType
	}
	return s
}

// StepOutcome is the executor's report for one step attempt.
type StepOutcome struct {
	Status      StepStatus     `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorKind   ErrorKind      `json:"error_kind,omitempty"`
	NeedsReplan bool           `json:"needs_replan"`
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
