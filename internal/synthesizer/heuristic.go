package synthesizer

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/deployd/internal/deploy"
)

// HeuristicSynthesizer derives an artifact from the intent text with
// fixed rules. It needs no network and always produces the same
// artifact for the same request, which makes it the default for
// dry-run and for tests.
type HeuristicSynthesizer struct{}

// NewHeuristicSynthesizer creates the rule-based synthesizer.
func NewHeuristicSynthesizer() *HeuristicSynthesizer {
	return &HeuristicSynthesizer{}
}

var (
	countPattern = regexp.MustCompile(`(\d+)\s+instances?`)
	forPattern   = regexp.MustCompile(`\bfor\s+([a-zA-Z0-9][a-zA-Z0-9._-]*)`)
	slugStrip    = regexp.MustCompile(`[^a-z0-9-]+`)
)

func (h *HeuristicSynthesizer) Synthesize(_ context.Context, req Request) (*Response, error) {
	intent := strings.ToLower(req.Intent)
	if strings.TrimSpace(intent) == "" {
		return nil, fmt.Errorf("%w: empty intent", deploy.ErrSynthesisInvalid)
	}

	modelName := extractModelName(intent)
	endpointName := extractEndpointName(intent, modelName)

	instanceType := pickInstanceType(intent, req.Env)
	count := pickInstanceCount(intent, req.Env)

	var alarms []string
	if req.Env == deploy.EnvProd {
		alarms = []string{"endpoint-5xx-rate", "endpoint-latency-p99"}
	}

	// Validation gaps from a prior attempt force the conservative
	// choice for whatever was rejected.
	for _, gap := range req.Gaps {
		g := strings.ReplaceAll(strings.ToLower(gap), "_", " ")
		if strings.Contains(g, "instance type") {
			instanceType = safeInstanceType(req.Env)
		}
		if strings.Contains(g, "instance count") || strings.Contains(g, "at least") {
			count = minCount(req.Env)
		}
		if strings.Contains(g, "alarm") {
			alarms = []string{"endpoint-5xx-rate", "endpoint-latency-p99"}
		}
		if strings.Contains(g, "cost") || strings.Contains(g, "budget") {
			instanceType = safeInstanceType(req.Env)
			count = minCount(req.Env)
		}
	}

	artifact := &deploy.DeploymentArtifact{
		ModelName:        modelName,
		EndpointName:     endpointName,
		InstanceType:     instanceType,
		InstanceCount:    count,
		MaxPayloadMB:     10,
		AutoscalingMin:   count,
		AutoscalingMax:   count * 2,
		RollbackAlarms:   alarms,
		BudgetUSDPerHour: req.Constraints.BudgetUSDPerHour,
	}
	if artifact.AutoscalingMax > 8 {
		artifact.AutoscalingMax = 8
	}

	reasoning := fmt.Sprintf("rule-based synthesis: %s on %d x %s in %s",
		modelName, count, instanceType, req.Env)
	return &Response{Artifact: artifact, Reasoning: reasoning}, nil
}

// extractModelName slugs the first model-ish token out of the intent.
func extractModelName(intent string) string {
	for _, tok := range strings.Fields(intent) {
		t := strings.ToLower(tok)
		for _, known := range []string{"llama", "bert", "mistral", "falcon", "whisper", "gpt"} {
			if strings.HasPrefix(t, known) {
				return slugify(t)
			}
		}
	}
	return "model"
}

// extractEndpointName takes the target after "for", falling back to
// the model name with a suffix.
func extractEndpointName(intent, modelName string) string {
	if m := forPattern.FindStringSubmatch(intent); m != nil {
		if name := slugify(m[1]); name != "" {
			return name
		}
	}
	return modelName + "-endpoint"
}

func slugify(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, ".", "-")
	s = strings.ReplaceAll(s, "_", "-")
	s = slugStrip.ReplaceAllString(s, "")
	s = strings.Trim(s, "-")
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}

func pickInstanceType(intent string, env deploy.Environment) string {
	wantsGPU := strings.Contains(intent, "gpu") ||
		strings.Contains(intent, "70b") ||
		strings.Contains(intent, "a100")

	switch env {
	case deploy.EnvDev:
		return "ml.m5.large"
	case deploy.EnvStaging:
		if wantsGPU {
			return "ml.m5.xlarge"
		}
		return "ml.m5.large"
	default:
		if wantsGPU {
			return "ml.g5.xlarge"
		}
		return "ml.m5.xlarge"
	}
}

func pickInstanceCount(intent string, env deploy.Environment) int {
	if m := countPattern.FindStringSubmatch(intent); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 1 && n <= 4 {
			if env == deploy.EnvProd && n < 2 {
				return 2
			}
			return n
		}
	}
	return minCount(env)
}

func minCount(env deploy.Environment) int {
	if env == deploy.EnvProd {
		return 2
	}
	return 1
}

func safeInstanceType(env deploy.Environment) string {
	if env == deploy.EnvProd {
		return "ml.m5.xlarge"
	}
	return "ml.m5.large"
}
