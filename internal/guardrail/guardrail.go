// Package guardrail validates deployment artifacts against declarative
// environment policy and decides whether human approval is required.
// Validation is a pure function of its inputs.
package guardrail

import (
	"fmt"

	"github.com/fyrsmithlabs/deployd/internal/config"
	"github.com/fyrsmithlabs/deployd/internal/deploy"
)

// maxAutoscaling is the upper bound on autoscaling_max for any
// environment.
const maxAutoscaling = 8

// budgetWarnRatio triggers a warning when the estimated cost crosses
// this share of the user budget.
const budgetWarnRatio = 0.8

// Result is the outcome of a validation pass.
type Result struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Validator applies the guardrail rule set. It holds only immutable
// configuration and is safe for concurrent use.
type Validator struct {
	cfg    config.GuardrailConfig
	prices PriceTable
}

// New creates a validator from guardrail configuration and the default
// price table.
func New(cfg config.GuardrailConfig) *Validator {
	return &Validator{cfg: cfg, prices: DefaultPriceTable()}
}

// NewWithPrices creates a validator with a custom price table.
func NewWithPrices(cfg config.GuardrailConfig, prices PriceTable) *Validator {
	return &Validator{cfg: cfg, prices: prices}
}

// instancePolicy lists the instance types each environment admits. An
// empty list admits every priced type.
var instancePolicy = map[deploy.Environment][]string{
	deploy.EnvDev:     {"ml.m5.large"},
	deploy.EnvStaging: {"ml.m5.large", "ml.m5.xlarge"},
	deploy.EnvProd:    {},
}

// Validate applies the full rule set to the artifact. Deterministic:
// identical inputs produce identical output.
func (v *Validator) Validate(artifact *deploy.DeploymentArtifact, env deploy.Environment, constraints deploy.Constraints) Result {
	var res Result
	if artifact == nil {
		res.Errors = append(res.Errors, "artifact is required")
		return res
	}

	res.Errors = append(res.Errors, artifact.CheckStructure()...)

	if !env.Valid() {
		res.Errors = append(res.Errors, fmt.Sprintf("unknown environment %q", env))
		res.OK = len(res.Errors) == 0
		return res
	}

	if allowed := instancePolicy[env]; len(allowed) > 0 && artifact.InstanceType != "" {
		ok := false
		for _, t := range allowed {
			if artifact.InstanceType == t {
				ok = true
				break
			}
		}
		if !ok {
			res.Errors = append(res.Errors, fmt.Sprintf(
				"instance_type %s is not allowed in %s (allowed: %v)",
				artifact.InstanceType, env, allowed))
		}
	}

	if env == deploy.EnvProd {
		if artifact.InstanceCount < 2 {
			res.Errors = append(res.Errors, fmt.Sprintf(
				"prod requires at least 2 instances for high availability, got %d", artifact.InstanceCount))
		}
		if len(artifact.RollbackAlarms) == 0 {
			res.Errors = append(res.Errors, "prod requires at least one rollback alarm")
		}
	}

	if artifact.AutoscalingMax > maxAutoscaling {
		res.Errors = append(res.Errors, fmt.Sprintf(
			"autoscaling_max %d exceeds limit %d", artifact.AutoscalingMax, maxAutoscaling))
	}

	cost, known := v.prices.EstimateCost(artifact.InstanceType, artifact.InstanceCount)
	if artifact.InstanceType != "" && !known {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"no price point for instance_type %s; cost checks skipped", artifact.InstanceType))
	}

	if known {
		cap := v.cfg.EnvBudget(string(env))
		userBudget := constraints.BudgetUSDPerHour
		if userBudget > 0 && userBudget < cap {
			cap = userBudget
		}
		if cap > 0 && cost > cap {
			res.Errors = append(res.Errors, fmt.Sprintf(
				"estimated cost $%.3f/hr exceeds budget $%.2f/hr for %s", cost, cap, env))
		}
		if userBudget > 0 && cost > userBudget*budgetWarnRatio && cost <= userBudget {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"estimated cost $%.3f/hr is above %.0f%% of the $%.2f/hr budget",
				cost, budgetWarnRatio*100, userBudget))
		}
	}

	res.OK = len(res.Errors) == 0
	return res
}

// EstimateCost exposes the hourly cost estimate for the artifact.
// Unknown instance types yield (0, false).
func (v *Validator) EstimateCost(artifact *deploy.DeploymentArtifact) (float64, bool) {
	return v.prices.EstimateCost(artifact.InstanceType, artifact.InstanceCount)
}

// RequiresApproval decides whether the plan must pause for a human:
// any prod deployment, any estimated cost above the approval
// threshold, or staging at three or more instances.
func (v *Validator) RequiresApproval(artifact *deploy.DeploymentArtifact, env deploy.Environment) bool {
	if env == deploy.EnvProd {
		return true
	}
	if cost, ok := v.prices.EstimateCost(artifact.InstanceType, artifact.InstanceCount); ok && cost > v.cfg.ApprovalCostThreshold {
		return true
	}
	if env == deploy.EnvStaging && artifact.InstanceCount >= 3 {
		return true
	}
	return false
}
