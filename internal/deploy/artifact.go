package deploy

import (
	"fmt"
	"regexp"
)

// namePattern constrains model and endpoint names to lowercase DNS-style
// labels of at most 63 characters.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// DeploymentArtifact is the synthesized deployment configuration. It is
// produced by the synthesizer, checked structurally by the planner, and
// validated against guardrail rules before execution.
type DeploymentArtifact struct {
	ModelName        string   `json:"model_name"`
	EndpointName     string   `json:"endpoint_name"`
	InstanceType     string   `json:"instance_type"`
	InstanceCount    int      `json:"instance_count"`
	MaxPayloadMB     int      `json:"max_payload_mb"`
	AutoscalingMin   int      `json:"autoscaling_min"`
	AutoscalingMax   int      `json:"autoscaling_max"`
	RollbackAlarms   []string `json:"rollback_alarms"`
	BudgetUSDPerHour float64  `json:"budget_usd_per_hour"`
}

// CheckStructure verifies field presence and basic ranges. It is the
// planner's self-validation pass; guardrail rules layer environment
// policy on top of it.
func (a *DeploymentArtifact) CheckStructure() []string {
	var gaps []string
	if a.ModelName == "" {
		gaps = append(gaps, "model_name is required")
	} else if !namePattern.MatchString(a.ModelName) {
		gaps = append(gaps, fmt.Sprintf("model_name %q must match %s", a.ModelName, namePattern.String()))
	}
	if a.EndpointName == "" {
		gaps = append(gaps, "endpoint_name is required")
	} else if !namePattern.MatchString(a.EndpointName) {
		gaps = append(gaps, fmt.Sprintf("endpoint_name %q must match %s", a.EndpointName, namePattern.String()))
	}
	if a.InstanceType == "" {
		gaps = append(gaps, "instance_type is required")
	}
	if a.InstanceCount < 1 || a.InstanceCount > 4 {
		gaps = append(gaps, fmt.Sprintf("instance_count %d must be between 1 and 4", a.InstanceCount))
	}
	if a.MaxPayloadMB < 1 || a.MaxPayloadMB > 100 {
		gaps = append(gaps, fmt.Sprintf("max_payload_mb %d must be between 1 and 100", a.MaxPayloadMB))
	}
	if a.AutoscalingMin > a.AutoscalingMax {
		gaps = append(gaps, fmt.Sprintf("autoscaling_min %d exceeds autoscaling_max %d", a.AutoscalingMin, a.AutoscalingMax))
	}
	if a.BudgetUSDPerHour < 0 {
		gaps = append(gaps, "budget_usd_per_hour must be non-negative")
	}
	return gaps
}

// Clone returns a deep copy of the artifact.
func (a *DeploymentArtifact) Clone() *DeploymentArtifact {
	if a == nil {
		return nil
	}
	cp := *a
	cp.RollbackAlarms = append([]string(nil), a.RollbackAlarms...)
	return &cp
}
