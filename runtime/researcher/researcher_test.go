package researcher

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goadesign/research-orchestrator/runtime/cache"
	"github.com/goadesign/research-orchestrator/runtime/catalog"
	"github.com/goadesign/research-orchestrator/runtime/modelclient"
	"github.com/goadesign/research-orchestrator/runtime/planner"
)

// fixedEmbedder returns the same vector for every input, so two sub-queries
// always collide in the semantic cache regardless of their text.
type fixedEmbedder struct{ vec []float32 }

func (f fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

func (f fixedEmbedder) Dimension() int { return len(f.vec) }

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat := &catalog.Catalog{}
	err := cat.Refresh(context.Background(), discovererFunc(func(context.Context) ([]catalog.Model, error) {
		return []catalog.Model{
			{ID: "cheap-a", Tiers: []catalog.Tier{catalog.TierLow}, Domains: []string{"general"}, Modalities: []catalog.Modality{catalog.ModalityText}, CostPerMTokUSD: 0.1},
			{ID: "cheap-b", Tiers: []catalog.Tier{catalog.TierLow}, Domains: []string{"general"}, Modalities: []catalog.Modality{catalog.ModalityText}, CostPerMTokUSD: 0.2},
		}, nil
	}))
	require.NoError(t, err)
	return cat
}

type discovererFunc func(ctx context.Context) ([]catalog.Model, error)

func (f discovererFunc) Discover(ctx context.Context) ([]catalog.Model, error) { return f(ctx) }

type stubModel struct {
	fail  map[string]bool
	calls int32
}

func (s *stubModel) Complete(_ context.Context, req *modelclient.Request) (*modelclient.Response, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.fail[req.Model] {
		return nil, assertError("simulated failure")
	}
	return &modelclient.Response{
		Content: []modelclient.Message{{Role: modelclient.ConversationRoleAssistant, Parts: []modelclient.Part{modelclient.TextPart{Text: "answer from " + req.Model}}}},
		Usage:   modelclient.TokenUsage{InputTokens: 5, OutputTokens: 10},
	}, nil
}

func (s *stubModel) Stream(_ context.Context, _ *modelclient.Request) (modelclient.Streamer, error) {
	return nil, modelclient.ErrStreamingUnsupported
}

type assertError string

func (e assertError) Error() string { return string(e) }

func TestResearch_RunsEnsembleAndCollectsResults(t *testing.T) {
	cat := testCatalog(t)
	model := &stubModel{fail: map[string]bool{}}
	r := New(model, cat, nil, nil, Options{MaxConcurrency: 4})

	sq := planner.SubQuery{ID: "sq-1", Domain: "general"}
	res, err := r.Research(context.Background(), sq, 2, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, res.Results, 2)
}

func TestResearch_SucceedsIfAtLeastOneModelSucceeds(t *testing.T) {
	cat := testCatalog(t)
	model := &stubModel{fail: map[string]bool{"cheap-a": true}}
	r := New(model, cat, nil, nil, Options{MaxConcurrency: 4})

	sq := planner.SubQuery{ID: "sq-1", Domain: "general"}
	res, err := r.Research(context.Background(), sq, 2, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, res.Results, 1)
	assert.Equal(t, "cheap-b", res.Results[0].Model)
}

func TestResearch_FailsWhenEveryModelFails(t *testing.T) {
	cat := testCatalog(t)
	model := &stubModel{fail: map[string]bool{"cheap-a": true, "cheap-b": true}}
	r := New(model, cat, nil, nil, Options{MaxConcurrency: 4})

	sq := planner.SubQuery{ID: "sq-1", Domain: "general"}
	_, err := r.Research(context.Background(), sq, 2, time.Now().Add(time.Hour))
	require.Error(t, err)
}

func TestResearch_SemanticCacheServesRepeatedSubQueryWithoutCallingModels(t *testing.T) {
	cat := testCatalog(t)
	model := &stubModel{fail: map[string]bool{}}
	emb := fixedEmbedder{vec: []float32{1, 0, 0}}
	c := cache.New(cache.Options{SemanticTTL: time.Hour, SemanticTau: 0.5, SemanticMaxKeys: 10})
	r := New(model, cat, emb, nil, Options{MaxConcurrency: 4}).WithCache(c)

	first := planner.SubQuery{ID: "sq-1", Domain: "general", Text: "what is the capital of France"}
	res1, err := r.Research(context.Background(), first, 2, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, res1.Results, 2)
	callsAfterFirst := atomic.LoadInt32(&model.calls)
	require.Greater(t, callsAfterFirst, int32(0))

	second := planner.SubQuery{ID: "sq-2", Domain: "general", Text: "what's the capital of france?"}
	res2, err := r.Research(context.Background(), second, 2, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, res1.Results, res2.Results)
	assert.Equal(t, callsAfterFirst, atomic.LoadInt32(&model.calls))
}

func TestExtractConfidence_ParsesTrailingJSONObject(t *testing.T) {
	c := extractConfidence(`The answer is 42. {"confidence": 0.8}`)
	assert.InDelta(t, 0.8, c, 0.001)
}

func TestExtractConfidence_ZeroWhenAbsent(t *testing.T) {
	assert.Equal(t, 0.0, extractConfidence("just plain text"))
}

func TestAssignAgreementConfidence_FillsOnlyZeroValues(t *testing.T) {
	r := &Researcher{}
	results := []Result{{Confidence: 0}, {Confidence: 0.9}}
	r.assignAgreementConfidence(results, 0.5)
	assert.Equal(t, 0.5, results[0].Confidence)
	assert.Equal(t, 0.9, results[1].Confidence)
}
