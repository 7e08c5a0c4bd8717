package orchestrator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goadesign/research-orchestrator/runtime/catalog"
	"github.com/goadesign/research-orchestrator/runtime/index"
	"github.com/goadesign/research-orchestrator/runtime/jobqueue"
	"github.com/goadesign/research-orchestrator/runtime/modelclient"
	"github.com/goadesign/research-orchestrator/runtime/planner"
	"github.com/goadesign/research-orchestrator/runtime/policy"
	"github.com/goadesign/research-orchestrator/runtime/researcher"
	"github.com/goadesign/research-orchestrator/runtime/store"
	"github.com/goadesign/research-orchestrator/runtime/synthesizer"
)

type discovererFunc func(ctx context.Context) ([]catalog.Model, error)

func (f discovererFunc) Discover(ctx context.Context) ([]catalog.Model, error) { return f(ctx) }

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat := &catalog.Catalog{}
	err := cat.Refresh(context.Background(), discovererFunc(func(context.Context) ([]catalog.Model, error) {
		return []catalog.Model{
			{ID: "model-a", Tiers: []catalog.Tier{catalog.TierLow, catalog.TierHigh}, Domains: []string{"general"}, Modalities: []catalog.Modality{catalog.ModalityText}, CostPerMTokUSD: 0.1},
		}, nil
	}))
	require.NoError(t, err)
	return cat
}

// fixedModel answers every Complete call with a single fixed text, and
// rejects Stream so the synthesizer path exercises its non-streaming
// fallback.
type fixedModel struct {
	text string
}

func (m *fixedModel) Complete(_ context.Context, req *modelclient.Request) (*modelclient.Response, error) {
	return &modelclient.Response{
		Content:    []modelclient.Message{{Role: modelclient.ConversationRoleAssistant, Parts: []modelclient.Part{modelclient.TextPart{Text: m.text}}}},
		Usage:      modelclient.TokenUsage{InputTokens: 1, OutputTokens: 1},
		StopReason: "stop",
	}, nil
}

func (m *fixedModel) Stream(context.Context, *modelclient.Request) (modelclient.Streamer, error) {
	return nil, modelclient.ErrStreamingUnsupported
}

// unitEmbedder maps every text to the same unit vector, enough for the index
// to store and score documents without a real embedding model.
type unitEmbedder struct{}

func (unitEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (unitEmbedder) Dimension() int { return 3 }

func buildOrchestrator(t *testing.T) (*Orchestrator, *jobqueue.Queue) {
	t.Helper()
	cat := testCatalog(t)
	model := &fixedModel{text: `[{"id":"sq-1","text":"sub question","domain":"general","complexity":0.3}] {"confidence": 0.9}`}

	p := planner.New(model, cat, nil)
	sel := policy.New(policy.Options{})
	r := researcher.New(model, cat, nil, nil, researcher.Options{MaxConcurrency: 2})
	synth := synthesizer.New(model, cat, nil)

	st := store.NewMem()
	jq, err := jobqueue.New(st, jobqueue.DefaultOptions())
	require.NoError(t, err)

	idx := index.New(st, unitEmbedder{}, model, index.Options{})

	orch := New(p, sel, r, synth, st, nil, idx, jq, nil, Options{MaxParallelism: 2})
	return orch, jq
}

func TestRunResearch_CompletesThePipelineAndPersistsAReport(t *testing.T) {
	orch, _ := buildOrchestrator(t)
	params := Params{Query: "what is the capital of France", Mode: synthesizer.ModeReport}
	raw, err := json.Marshal(params)
	require.NoError(t, err)

	job := &jobqueue.Job{ID: "job-1", Type: "research", Params: raw}
	result, err := orch.Run(context.Background(), job)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.NotEmpty(t, result.ReportID)

	row, ok, err := orch.store.Get(context.Background(), "reports", result.ReportID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, params.Query, row["query"])
}

func TestRunResearch_RejectsUndecodableParams(t *testing.T) {
	orch, _ := buildOrchestrator(t)
	job := &jobqueue.Job{ID: "job-2", Type: "research", Params: json.RawMessage(`not json`)}
	_, err := orch.Run(context.Background(), job)
	require.Error(t, err)
}

func TestRunIndexUpdate_UpsertsIntoIndex(t *testing.T) {
	orch, _ := buildOrchestrator(t)
	params := IndexUpdateParams{DocID: "doc-1", Content: "hello world"}
	raw, err := json.Marshal(params)
	require.NoError(t, err)

	job := &jobqueue.Job{ID: "job-3", Type: "index_update", Params: raw}
	result, err := orch.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", result.ReportID)
}

func TestRun_UnknownJobTypeFails(t *testing.T) {
	orch, _ := buildOrchestrator(t)
	job := &jobqueue.Job{ID: "job-4", Type: "mystery", Params: json.RawMessage(`{}`)}
	_, err := orch.Run(context.Background(), job)
	require.Error(t, err)
}

func TestLayerByDependency_GroupsIntoDependencyWaves(t *testing.T) {
	subQueries := []planner.SubQuery{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "c", DependsOn: []string{"a"}},
		{ID: "d", DependsOn: []string{"b", "c"}},
	}
	layers := layerByDependency(subQueries)
	require.Len(t, layers, 3)
	assert.Len(t, layers[0], 1)
	assert.Len(t, layers[1], 2)
	assert.Len(t, layers[2], 1)
	assert.Equal(t, "a", layers[0][0].ID)
	assert.Equal(t, "d", layers[2][0].ID)
}

func TestAverageConfidence_ComputesMeanAcrossAllResults(t *testing.T) {
	results := []researcher.SubQueryResult{
		{SubQueryID: "sq-1", Results: []researcher.Result{{Confidence: 0.2}, {Confidence: 0.8}}},
	}
	assert.InDelta(t, 0.5, averageConfidence(results), 0.001)
}

func TestLowConfidenceSeed_ReturnsTextOfWorstSubQuery(t *testing.T) {
	subQueries := []planner.SubQuery{{ID: "sq-1", Text: "weak finding"}, {ID: "sq-2", Text: "strong finding"}}
	results := []researcher.SubQueryResult{
		{SubQueryID: "sq-1", Results: []researcher.Result{{Confidence: 0.1}}},
		{SubQueryID: "sq-2", Results: []researcher.Result{{Confidence: 0.95}}},
	}
	seed := lowConfidenceSeed(subQueries, results, 0.5)
	assert.Equal(t, "weak finding", seed)
}

func TestLowConfidenceSeed_EmptyWhenEverythingConfident(t *testing.T) {
	subQueries := []planner.SubQuery{{ID: "sq-1", Text: "x"}}
	results := []researcher.SubQueryResult{{SubQueryID: "sq-1", Results: []researcher.Result{{Confidence: 0.99}}}}
	assert.Equal(t, "", lowConfidenceSeed(subQueries, results, 0.5))
}
