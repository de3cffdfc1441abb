package synthesizer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/fyrsmithlabs/deployd/internal/deploy"
	"github.com/fyrsmithlabs/deployd/internal/logging"
)

func TestExtractJSONFencedBlock(t *testing.T) {
	reply := "Here is the config:\n```json\n{\"endpoint_name\": \"chatbot-x\"}\n```\nDone."
	body, err := ExtractJSON(reply)
	require.NoError(t, err)
	assert.JSONEq(t, `{"endpoint_name": "chatbot-x"}`, body)
}

func TestExtractJSONUntaggedFence(t *testing.T) {
	reply := "```\n{\"a\": 1}\n```"
	body, err := ExtractJSON(reply)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1}`, body)
}

func TestExtractJSONSkipsOtherLanguages(t *testing.T) {
	reply := "```python\nprint('hi')\n```\nresult: {\"a\": 2}"
	body, err := ExtractJSON(reply)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 2}`, body)
}

func TestExtractJSONRawWithNesting(t *testing.T) {
	reply := `prefix {"outer": {"inner": [1, 2]}, "s": "brace } in string"} suffix`
	body, err := ExtractJSON(reply)
	require.NoError(t, err)
	assert.JSONEq(t, `{"outer": {"inner": [1, 2]}, "s": "brace } in string"}`, body)
}

func TestExtractJSONArray(t *testing.T) {
	body, err := ExtractJSON(`the list is [1, 2, 3]`)
	require.NoError(t, err)
	assert.JSONEq(t, `[1, 2, 3]`, body)
}

func TestExtractJSONNoneFound(t *testing.T) {
	_, err := ExtractJSON("no structured data here")
	assert.Error(t, err)

	_, err = ExtractJSON("broken {\"a\": ")
	assert.Error(t, err)
}

func TestDecodeJSON(t *testing.T) {
	var out struct {
		Name string `json:"name"`
	}
	require.NoError(t, DecodeJSON("```json\n{\"name\": \"x\"}\n```", &out))
	assert.Equal(t, "x", out.Name)

	assert.Error(t, DecodeJSON(`{"name": 42}`, &out))
}

// fakeModel returns a canned reply and records the prompt it saw.
type fakeModel struct {
	reply      string
	err        error
	lastPrompt string
}

func (m *fakeModel) GenerateContent(_ context.Context, msgs []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	for _, part := range msgs[len(msgs)-1].Parts {
		if text, ok := part.(llms.TextContent); ok {
			m.lastPrompt = text.Text
		}
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: m.reply}},
	}, nil
}

func (m *fakeModel) Call(_ context.Context, _ string, _ ...llms.CallOption) (string, error) {
	return m.reply, m.err
}

func TestLLMSynthesizerParsesReply(t *testing.T) {
	model := &fakeModel{reply: "```json\n" + `{
		"model_name": "llama-3-1-8b",
		"endpoint_name": "chatbot-x",
		"instance_type": "ml.m5.xlarge",
		"instance_count": 2,
		"max_payload_mb": 10,
		"autoscaling_min": 2,
		"autoscaling_max": 4,
		"rollback_alarms": ["endpoint-5xx-rate"],
		"reasoning": "policy requires two instances in prod"
	}` + "\n```"}

	s := NewLLMSynthesizer(model, 30*time.Second, logging.NewNop())
	resp, err := s.Synthesize(context.Background(), Request{
		Intent:      "deploy llama-3.1 8B for chatbot-x",
		Env:         deploy.EnvProd,
		Constraints: deploy.Constraints{BudgetUSDPerHour: 2},
		Evidence: []deploy.Evidence{
			{Title: "HA policy", Snippet: "prod needs two instances"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "chatbot-x", resp.Artifact.EndpointName)
	assert.Equal(t, 2, resp.Artifact.InstanceCount)
	assert.Equal(t, float64(2), resp.Artifact.BudgetUSDPerHour)
	assert.Equal(t, "policy requires two instances in prod", resp.Reasoning)

	assert.Contains(t, model.lastPrompt, "deploy llama-3.1 8B")
	assert.Contains(t, model.lastPrompt, "HA policy")
}

func TestLLMSynthesizerGapsReachPrompt(t *testing.T) {
	model := &fakeModel{reply: `{"model_name": "m", "endpoint_name": "e", "instance_type": "ml.m5.large", "instance_count": 1, "max_payload_mb": 10}`}
	s := NewLLMSynthesizer(model, 0, logging.NewNop())

	_, err := s.Synthesize(context.Background(), Request{
		Intent: "deploy bert",
		Env:    deploy.EnvStaging,
		Gaps:   []string{"instance type ml.g5.xlarge is not allowed in staging"},
	})
	require.NoError(t, err)
	assert.Contains(t, model.lastPrompt, "failed validation")
	assert.Contains(t, model.lastPrompt, "not allowed in staging")
}

func TestLLMSynthesizerBadReplyIsSynthesisFailure(t *testing.T) {
	s := NewLLMSynthesizer(&fakeModel{reply: "I cannot help with that."}, 0, logging.NewNop())
	_, err := s.Synthesize(context.Background(), Request{Intent: "deploy bert", Env: deploy.EnvDev})
	assert.ErrorIs(t, err, deploy.ErrSynthesisInvalid)
}

func TestLLMSynthesizerTransportError(t *testing.T) {
	s := NewLLMSynthesizer(&fakeModel{err: errors.New("connection refused")}, 0, logging.NewNop())
	_, err := s.Synthesize(context.Background(), Request{Intent: "deploy bert", Env: deploy.EnvDev})
	require.Error(t, err)
	assert.NotErrorIs(t, err, deploy.ErrSynthesisInvalid)
}

func TestHeuristicDevDefaults(t *testing.T) {
	s := NewHeuristicSynthesizer()
	resp, err := s.Synthesize(context.Background(), Request{
		Intent: "deploy llama-3.1 8B for chatbot-x",
		Env:    deploy.EnvDev,
	})
	require.NoError(t, err)

	a := resp.Artifact
	assert.Equal(t, "llama-3-1", a.ModelName)
	assert.Equal(t, "chatbot-x", a.EndpointName)
	assert.Equal(t, "ml.m5.large", a.InstanceType)
	assert.Equal(t, 1, a.InstanceCount)
	assert.Empty(t, a.RollbackAlarms)
	assert.Empty(t, a.CheckStructure())
}

func TestHeuristicProdDefaults(t *testing.T) {
	s := NewHeuristicSynthesizer()
	resp, err := s.Synthesize(context.Background(), Request{
		Intent: "deploy llama gpu inference for assistant",
		Env:    deploy.EnvProd,
	})
	require.NoError(t, err)

	a := resp.Artifact
	assert.Equal(t, "ml.g5.xlarge", a.InstanceType)
	assert.Equal(t, 2, a.InstanceCount)
	assert.NotEmpty(t, a.RollbackAlarms)
	assert.LessOrEqual(t, a.AutoscalingMax, 8)
}

func TestHeuristicHonorsInstanceCount(t *testing.T) {
	s := NewHeuristicSynthesizer()
	resp, err := s.Synthesize(context.Background(), Request{
		Intent: "deploy bert with 3 instances for embeddings",
		Env:    deploy.EnvStaging,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Artifact.InstanceCount)
	assert.Equal(t, "bert", resp.Artifact.ModelName)
}

func TestHeuristicGapsForceConservativeChoice(t *testing.T) {
	s := NewHeuristicSynthesizer()
	resp, err := s.Synthesize(context.Background(), Request{
		Intent: "deploy llama gpu for chatbot",
		Env:    deploy.EnvStaging,
		Gaps:   []string{"instance type ml.g5.xlarge is not allowed in staging"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ml.m5.large", resp.Artifact.InstanceType)
}

func TestHeuristicEmptyIntent(t *testing.T) {
	_, err := NewHeuristicSynthesizer().Synthesize(context.Background(), Request{Env: deploy.EnvDev})
	assert.ErrorIs(t, err, deploy.ErrSynthesisInvalid)
}

func TestHeuristicDeterministic(t *testing.T) {
	s := NewHeuristicSynthesizer()
	req := Request{Intent: "deploy mistral for search", Env: deploy.EnvStaging}

	a, err := s.Synthesize(context.Background(), req)
	require.NoError(t, err)
	b, err := s.Synthesize(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, a.Artifact, b.Artifact)
}
