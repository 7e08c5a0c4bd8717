package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goadesign/research-orchestrator/runtime/modelclient"
)

// stubModel returns canned completions in sequence, one per Complete call.
type stubModel struct {
	responses []string
	calls     int
}

func (s *stubModel) Complete(_ context.Context, _ *modelclient.Request) (*modelclient.Response, error) {
	i := s.calls
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.calls++
	text := s.responses[i]
	return &modelclient.Response{
		Content: []modelclient.Message{{Role: modelclient.ConversationRoleAssistant, Parts: []modelclient.Part{modelclient.TextPart{Text: text}}}},
		Usage:   modelclient.TokenUsage{InputTokens: 10, OutputTokens: 20},
	}, nil
}

func (s *stubModel) Stream(_ context.Context, _ *modelclient.Request) (modelclient.Streamer, error) {
	return nil, modelclient.ErrStreamingUnsupported
}

func TestPlan_ParsesValidDecomposition(t *testing.T) {
	model := &stubModel{responses: []string{
		`[{"id":"sq-1","text":"history of quantum computing","domain":"general","complexity":0.4},` +
			`{"id":"sq-2","text":"current state of the art","domain":"general","complexity":0.6}]`,
	}}
	p := New(model, nil, nil)

	result, err := p.Plan(context.Background(), PlanInput{Query: "history and current state of quantum computing"})
	require.NoError(t, err)
	assert.Len(t, result.SubQueries, 2)
	assert.False(t, result.Replanned)
}

func TestPlan_RejectsDuplicateIDsAndReplans(t *testing.T) {
	model := &stubModel{responses: []string{
		`[{"id":"sq-1","text":"a"},{"id":"sq-1","text":"b"}]`,
		`[{"id":"sq-1","text":"history of quantum computing and current state of the art"}]`,
	}}
	p := New(model, nil, nil)

	result, err := p.Plan(context.Background(), PlanInput{Query: "history and current state of quantum computing"})
	require.NoError(t, err)
	assert.True(t, result.Replanned)
	assert.Len(t, result.SubQueries, 1)
}

func TestPlan_FallsBackToSingleSubQueryWhenBothAttemptsFail(t *testing.T) {
	model := &stubModel{responses: []string{
		`[{"id":"a","text":"depends on itself","depends_on":["a"]}]`,
		`[{"id":"a","text":"depends on itself","depends_on":["a"]}]`,
	}}
	p := New(model, nil, nil)

	result, err := p.Plan(context.Background(), PlanInput{Query: "some elaborate multi part query"})
	require.NoError(t, err)
	assert.True(t, result.Replanned)
	require.Len(t, result.SubQueries, 1)
	assert.Equal(t, "some elaborate multi part query", result.SubQueries[0].Text)
}

func TestHasCycle_DetectsSelfReference(t *testing.T) {
	plan := []SubQuery{{ID: "a", DependsOn: []string{"a"}}}
	assert.True(t, hasCycle(plan))
}

func TestHasCycle_AcceptsLinearChain(t *testing.T) {
	plan := []SubQuery{{ID: "a"}, {ID: "b", DependsOn: []string{"a"}}, {ID: "c", DependsOn: []string{"b"}}}
	assert.False(t, hasCycle(plan))
}

func TestCoversQuery_TrueWhenMostSignificantTokensPresent(t *testing.T) {
	plan := []SubQuery{{Text: "quantum computing history and current applications"}}
	assert.True(t, coversQuery("quantum computing history", plan))
}

func TestCoversQuery_FalseWhenUnrelated(t *testing.T) {
	plan := []SubQuery{{Text: "french cooking recipes"}}
	assert.False(t, coversQuery("quantum computing architecture details", plan))
}
