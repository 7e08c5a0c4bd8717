package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goadesign/research-orchestrator/runtime/store"
)

type stubEmbedder struct{ dim int }

func (s stubEmbedder) Dimension() int { return s.dim }

// Embed returns a deterministic bag-of-words vector so cosine similarity
// reflects shared vocabulary without a real embeddings call.
func (s stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec := make([]float32, s.dim)
		for _, ch := range tokenize(t) {
			vec[int(ch[0])%s.dim]++
		}
		out[i] = vec
	}
	return out, nil
}

func TestUpsert_IsIdempotentByDocIDAndContentHash(t *testing.T) {
	ix := New(store.NewMem(), stubEmbedder{dim: 16}, nil, Options{Alpha: 0.5})
	doc := Document{ID: "doc1", Content: "go concurrency patterns"}

	require.NoError(t, ix.Upsert(context.Background(), doc))
	require.NoError(t, ix.Upsert(context.Background(), doc)) // identical content, no-op

	results, err := ix.Search(context.Background(), "go concurrency", 10, false)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSearch_RanksMoreRelevantDocHigher(t *testing.T) {
	ix := New(store.NewMem(), stubEmbedder{dim: 32}, nil, Options{Alpha: 0.5})
	ctx := context.Background()
	require.NoError(t, ix.Upsert(ctx, Document{ID: "a", Content: "go concurrency patterns and goroutines"}))
	require.NoError(t, ix.Upsert(ctx, Document{ID: "b", Content: "french cooking recipes"}))

	results, err := ix.Search(ctx, "goroutines concurrency", 2, false)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "a", results[0].DocID)
}

func TestBM25Score_ZeroWhenNoOverlap(t *testing.T) {
	freqs := map[string]any{"apple": 3}
	score := bm25Score([]string{"banana"}, freqs, 10, 5)
	assert.Equal(t, 0.0, score)
}

func TestBM25Score_PositiveWhenTermPresent(t *testing.T) {
	freqs := map[string]any{"apple": 3}
	score := bm25Score([]string{"apple"}, freqs, 10, 5)
	assert.Greater(t, score, 0.0)
}
