package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/deployd/internal/backend"
	"github.com/fyrsmithlabs/deployd/internal/config"
	"github.com/fyrsmithlabs/deployd/internal/deploy"
	"github.com/fyrsmithlabs/deployd/internal/guardrail"
	"github.com/fyrsmithlabs/deployd/internal/logging"
	"github.com/fyrsmithlabs/deployd/internal/memory"
	"github.com/fyrsmithlabs/deployd/internal/synthesizer"
)

func testKernel(t *testing.T) (*Kernel, *memory.InMemoryStore) {
	t.Helper()
	store := memory.NewInMemoryStore(24 * time.Hour)
	k := NewKernel(store, config.Default().Memory, logging.NewNop())
	return k, store
}

func stagingPlan(intent string) *deploy.DeploymentPlan {
	now := time.Now().UTC()
	return &deploy.DeploymentPlan{
		PlanID:    "p1",
		UserID:    "user-1",
		Intent:    intent,
		Env:       deploy.EnvStaging,
		Status:    deploy.StatusValidating,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestKernelRememberAndRecall(t *testing.T) {
	ctx := context.Background()
	k, _ := testKernel(t)

	k.Remember(ctx, deploy.AgentExecutor, map[string]string{
		"plan_id": "p1",
		"action":  deploy.ActionCreateEndpoint,
		"intent":  "deploy llama",
	}, memory.Outcome{Status: outcomeFailed, Error: "instance type unavailable"})

	got := k.Recall(ctx, deploy.AgentExecutor, "instance type unavailable")
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].Context["plan_id"])
}

func TestKernelRetryResolvedBefore(t *testing.T) {
	ctx := context.Background()
	k, _ := testKernel(t)

	assert.False(t, k.RetryResolvedBefore(ctx, deploy.AgentExecutor, deploy.ActionCreateModel, "throttled"))

	for i := 0; i < 2; i++ {
		k.Remember(ctx, deploy.AgentExecutor, map[string]string{
			"plan_id": "old",
			"action":  deploy.ActionCreateModel,
			"error":   "throttled",
		}, memory.Outcome{Status: OutcomeResolvedByRetry, Error: "throttled"})
	}
	assert.True(t, k.RetryResolvedBefore(ctx, deploy.AgentExecutor, deploy.ActionCreateModel, "throttled"))
}

func TestKernelSimilarFailureCount(t *testing.T) {
	ctx := context.Background()
	k, _ := testKernel(t)

	for i := 0; i < 3; i++ {
		k.Remember(ctx, deploy.AgentExecutor, map[string]string{
			"plan_id": "old",
			"action":  deploy.ActionCreateEndpoint,
			"error":   "capacity exhausted in zone",
		}, memory.Outcome{Status: outcomeFailed, Error: "capacity exhausted in zone"})
	}
	k.Remember(ctx, deploy.AgentExecutor, map[string]string{
		"plan_id": "old",
		"action":  deploy.ActionCreateEndpoint,
	}, memory.Outcome{Status: outcomeSucceeded})

	count := k.SimilarFailureCount(ctx, deploy.AgentExecutor, deploy.ActionCreateEndpoint+" capacity exhausted")
	assert.Equal(t, 3, count)
}

func TestPlannerPlanBuildsStepSequence(t *testing.T) {
	ctx := context.Background()
	k, _ := testKernel(t)
	planner := NewPlannerAgent(synthesizer.NewHeuristicSynthesizer(), k, logging.NewNop())

	plan := stagingPlan("deploy llama-3.1 8B for chatbot-x")
	artifact, exec, err := planner.Plan(ctx, plan)
	require.NoError(t, err)
	require.NotNil(t, artifact)
	assert.Empty(t, artifact.CheckStructure())

	require.Len(t, exec.Steps, 8)
	wantActions := []string{
		deploy.ActionRetrievePolicies,
		deploy.ActionGenerateConfig,
		deploy.ActionValidatePlan,
		deploy.ActionCreateModel,
		deploy.ActionCreateEndpointConfig,
		deploy.ActionCreateEndpoint,
		deploy.ActionConfigureMonitoring,
		deploy.ActionVerifyDeployment,
	}
	seen := map[string]bool{}
	for i, s := range exec.Steps {
		assert.Equal(t, wantActions[i], s.Action)
		assert.Equal(t, deploy.StepPending, s.Status)
		assert.NotEmpty(t, s.StepID)
		assert.False(t, seen[s.StepID], "step ids are unique")
		seen[s.StepID] = true
	}

	gen := exec.Steps[1]
	assert.Equal(t, deploy.AgentPlanner, gen.Agent)
	assert.Equal(t, true, gen.Input["requires_context"])

	require.NotNil(t, exec.ReasoningChain)
	assert.Equal(t, deploy.AgentPlanner, exec.ReasoningChain.Agent)
	assert.NotEmpty(t, exec.ReasoningChain.Steps)
}

// brokenSynthesizer always produces an artifact that fails structure
// checks.
type brokenSynthesizer struct{ calls int }

func (s *brokenSynthesizer) Synthesize(context.Context, synthesizer.Request) (*synthesizer.Response, error) {
	s.calls++
	return &synthesizer.Response{Artifact: &deploy.DeploymentArtifact{
		ModelName:     "UPPER_CASE_BAD",
		EndpointName:  "also bad name",
		InstanceType:  "ml.m5.large",
		InstanceCount: 1,
		MaxPayloadMB:  10,
	}}, nil
}

func TestPlannerRetriesSynthesisOnce(t *testing.T) {
	ctx := context.Background()
	k, _ := testKernel(t)
	synth := &brokenSynthesizer{}
	planner := NewPlannerAgent(synth, k, logging.NewNop())

	_, _, err := planner.Plan(ctx, stagingPlan("deploy llama"))
	assert.ErrorIs(t, err, deploy.ErrSynthesisInvalid)
	assert.Equal(t, 2, synth.calls, "one initial attempt plus one gap-feedback retry")
}

func TestPlannerReplanPreservesCompletedPrefix(t *testing.T) {
	ctx := context.Background()
	k, _ := testKernel(t)
	planner := NewPlannerAgent(synthesizer.NewHeuristicSynthesizer(), k, logging.NewNop())

	plan := stagingPlan("deploy llama for chatbot")
	_, exec, err := planner.Plan(ctx, plan)
	require.NoError(t, err)
	plan.ExecutionPlan = exec

	exec.Steps[0].Status = deploy.StepCompleted
	exec.Steps[1].Status = deploy.StepCompleted
	exec.Steps[2].Status = deploy.StepCompleted
	failed := exec.Steps[3]
	failed.Status = deploy.StepFailed
	failed.Error = "model name conflicts with existing resource"
	failed.RetryCount = 3

	revised, err := planner.Replan(ctx, plan, failed)
	require.NoError(t, err)
	require.Len(t, revised.Steps, 8)

	for i := 0; i < 3; i++ {
		assert.Equal(t, exec.Steps[i].StepID, revised.Steps[i].StepID, "completed prefix keeps its ids")
		assert.Equal(t, deploy.StepCompleted, revised.Steps[i].Status)
	}
	for i := 3; i < 8; i++ {
		assert.NotEqual(t, exec.Steps[i].StepID, revised.Steps[i].StepID, "suffix gets fresh ids")
		assert.Equal(t, deploy.StepPending, revised.Steps[i].Status)
		assert.Zero(t, revised.Steps[i].RetryCount)
		assert.Equal(t, exec.Steps[i].Action, revised.Steps[i].Action, "action sequence is preserved")
	}

	// Replanning distills a semantic rule for the planner.
	rules := k.Recall(ctx, deploy.AgentPlanner, "model name conflicts")
	found := false
	for _, r := range rules {
		if r.Kind == memory.KindSemantic {
			found = true
		}
	}
	assert.True(t, found)
}

func TestExecutorRunsBackendSteps(t *testing.T) {
	ctx := context.Background()
	k, _ := testKernel(t)
	cfg := config.Default()
	validator := guardrail.New(cfg.Guardrail)
	be := backend.NewDryRunBackend(logging.NewNop())
	exec := NewExecutorAgent(be, validator, cfg.Backend, k, logging.NewNop())

	plan := stagingPlan("deploy llama for chatbot")
	plan.Artifact = &deploy.DeploymentArtifact{
		ModelName:     "llama-3-1-8b",
		EndpointName:  "chatbot-x",
		InstanceType:  "ml.m5.large",
		InstanceCount: 1,
		MaxPayloadMB:  10,
	}

	for _, action := range []string{
		deploy.ActionValidatePlan,
		deploy.ActionCreateModel,
		deploy.ActionCreateEndpointConfig,
		deploy.ActionCreateEndpoint,
	} {
		step := &deploy.TaskStep{StepID: action, Agent: deploy.AgentExecutor, Action: action}
		out := exec.Execute(ctx, plan, step)
		assert.Equal(t, deploy.StepCompleted, out.Status, action)
	}
}

func TestExecutorValidateRejectsPolicyBreach(t *testing.T) {
	ctx := context.Background()
	k, _ := testKernel(t)
	cfg := config.Default()
	exec := NewExecutorAgent(backend.NewDryRunBackend(logging.NewNop()), guardrail.New(cfg.Guardrail), cfg.Backend, k, logging.NewNop())

	plan := stagingPlan("deploy llama on gpu")
	plan.Artifact = &deploy.DeploymentArtifact{
		ModelName:     "llama-3-1-8b",
		EndpointName:  "chatbot-x",
		InstanceType:  "ml.g5.xlarge",
		InstanceCount: 1,
		MaxPayloadMB:  10,
	}

	out := exec.Execute(ctx, plan, &deploy.TaskStep{Agent: deploy.AgentExecutor, Action: deploy.ActionValidatePlan})
	assert.Equal(t, deploy.StepFailed, out.Status)
	assert.Equal(t, deploy.ErrKindSemantic, out.ErrorKind)
	assert.True(t, out.NeedsReplan)
	assert.Contains(t, out.Error, "ml.g5.xlarge")
}

func TestExecutorUnknownAction(t *testing.T) {
	ctx := context.Background()
	k, _ := testKernel(t)
	cfg := config.Default()
	exec := NewExecutorAgent(backend.NewDryRunBackend(logging.NewNop()), guardrail.New(cfg.Guardrail), cfg.Backend, k, logging.NewNop())

	out := exec.Execute(ctx, stagingPlan("x"), &deploy.TaskStep{Agent: deploy.AgentExecutor, Action: "launch_rocket"})
	assert.Equal(t, deploy.StepFailed, out.Status)
	assert.Equal(t, deploy.ErrKindUnrecoverable, out.ErrorKind)
}

func monitorWithBackend(t *testing.T, be backend.DeploymentBackend) *MonitorAgent {
	t.Helper()
	k, _ := testKernel(t)
	cfg := config.Default().Backend
	cfg.VerifyTimeout = time.Second
	cfg.VerifyPoll = 5 * time.Millisecond
	return NewMonitorAgent(be, cfg, k, logging.NewNop())
}

func TestMonitorVerifySucceedsOnceInService(t *testing.T) {
	ctx := context.Background()
	be := backend.NewDryRunBackend(logging.NewNop())
	mon := monitorWithBackend(t, be)

	plan := stagingPlan("deploy llama for chatbot")
	plan.Artifact = &deploy.DeploymentArtifact{
		ModelName:     "llama-3-1-8b",
		EndpointName:  "chatbot-x",
		InstanceType:  "ml.m5.large",
		InstanceCount: 1,
		MaxPayloadMB:  10,
	}
	_, err := be.CreateEndpoint(ctx, plan.Artifact)
	require.NoError(t, err)

	out := mon.Execute(ctx, plan, &deploy.TaskStep{Agent: deploy.AgentMonitor, Action: deploy.ActionVerifyDeployment})
	assert.Equal(t, deploy.StepCompleted, out.Status)
	assert.Equal(t, string(backend.EndpointInService), out.Output["endpoint_status"])
}

func TestMonitorVerifyMissingEndpointWantsReplan(t *testing.T) {
	ctx := context.Background()
	mon := monitorWithBackend(t, backend.NewDryRunBackend(logging.NewNop()))

	plan := stagingPlan("deploy llama")
	plan.Artifact = &deploy.DeploymentArtifact{
		ModelName:     "llama-3-1-8b",
		EndpointName:  "never-created",
		InstanceType:  "ml.m5.large",
		InstanceCount: 1,
		MaxPayloadMB:  10,
	}

	out := mon.Execute(ctx, plan, &deploy.TaskStep{Agent: deploy.AgentMonitor, Action: deploy.ActionVerifyDeployment})
	assert.Equal(t, deploy.StepFailed, out.Status)
	assert.Equal(t, deploy.ErrKindSemantic, out.ErrorKind)
	assert.True(t, out.NeedsReplan)
}

func TestMonitorClassify(t *testing.T) {
	ctx := context.Background()
	mon := monitorWithBackend(t, backend.NewDryRunBackend(logging.NewNop()))
	plan := stagingPlan("deploy llama")
	maxRetries := 3

	cases := []struct {
		name    string
		retries int
		outcome deploy.StepOutcome
		want    Decision
	}{
		{
			name:    "completed accepts",
			outcome: deploy.StepOutcome{Status: deploy.StepCompleted},
			want:    DecisionAccept,
		},
		{
			name:    "unrecoverable fails immediately",
			outcome: deploy.StepOutcome{Status: deploy.StepFailed, Error: "access denied", ErrorKind: deploy.ErrKindUnrecoverable},
			want:    DecisionFail,
		},
		{
			name:    "transient retries",
			retries: 1,
			outcome: deploy.StepOutcome{Status: deploy.StepFailed, Error: "timeout", ErrorKind: deploy.ErrKindTransient},
			want:    DecisionRetry,
		},
		{
			name:    "transient fails after budget",
			retries: 3,
			outcome: deploy.StepOutcome{Status: deploy.StepFailed, Error: "timeout", ErrorKind: deploy.ErrKindTransient},
			want:    DecisionFail,
		},
		{
			name:    "semantic retries while budget remains",
			retries: 0,
			outcome: deploy.StepOutcome{Status: deploy.StepFailed, Error: "bad schema", ErrorKind: deploy.ErrKindSemantic},
			want:    DecisionRetry,
		},
		{
			name:    "semantic replans after budget",
			retries: 3,
			outcome: deploy.StepOutcome{Status: deploy.StepFailed, Error: "bad schema", ErrorKind: deploy.ErrKindSemantic},
			want:    DecisionReplan,
		},
		{
			name:    "explicit replan request wins",
			retries: 0,
			outcome: deploy.StepOutcome{Status: deploy.StepFailed, Error: "endpoint failed", ErrorKind: deploy.ErrKindSemantic, NeedsReplan: true},
			want:    DecisionReplan,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			step := &deploy.TaskStep{
				StepID:     "s1",
				Agent:      deploy.AgentExecutor,
				Action:     deploy.ActionCreateEndpoint,
				RetryCount: tc.retries,
			}
			got := mon.Classify(ctx, plan, step, tc.outcome, maxRetries)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMonitorClassifyMemoryEscalatesToReplan(t *testing.T) {
	ctx := context.Background()
	k, _ := testKernel(t)
	cfg := config.Default().Backend
	mon := NewMonitorAgent(backend.NewDryRunBackend(logging.NewNop()), cfg, k, logging.NewNop())
	plan := stagingPlan("deploy llama")

	errMsg := "capacity exhausted in zone"
	for i := 0; i < 2; i++ {
		k.Remember(ctx, deploy.AgentExecutor, map[string]string{
			"plan_id": "old",
			"action":  deploy.ActionCreateEndpoint,
			"error":   errMsg,
		}, memory.Outcome{Status: outcomeFailed, Error: errMsg})
	}

	step := &deploy.TaskStep{StepID: "s1", Agent: deploy.AgentExecutor, Action: deploy.ActionCreateEndpoint, RetryCount: 0}
	outcome := deploy.StepOutcome{Status: deploy.StepFailed, Error: errMsg, ErrorKind: deploy.ErrKindSemantic}
	assert.Equal(t, DecisionReplan, mon.Classify(ctx, plan, step, outcome, 3))
}

func TestMonitorSummarize(t *testing.T) {
	k, _ := testKernel(t)
	mon := NewMonitorAgent(backend.NewDryRunBackend(logging.NewNop()), config.Default().Backend, k, logging.NewNop())

	plan := stagingPlan("deploy llama")
	plan.Status = deploy.StatusDeploying
	plan.ExecutionPlan = &deploy.ExecutionPlan{
		PlanID: plan.PlanID,
		Steps: []*deploy.TaskStep{
			{StepID: "a", Status: deploy.StepCompleted},
			{StepID: "b", Status: deploy.StepPending},
		},
	}
	plan.ReplanCount = 1
	plan.LastError = "timeout"

	s := mon.Summarize(plan)
	assert.Contains(t, s, "1/2 steps")
	assert.Contains(t, s, "deploying")
	assert.Contains(t, s, "replans: 1")
}
