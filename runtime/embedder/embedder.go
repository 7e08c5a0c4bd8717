// Package embedder wraps an OpenAI-compatible /v1/embeddings endpoint behind
// a small capability interface, following the same provider-registered-
// behind-a-named-interface convention as modelclient.Client.
package embedder

import (
	"context"
	"errors"
	"math"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/goadesign/research-orchestrator/runtime/apperr"
)

// Embedder turns text into fixed-dimension vectors. A single call batches
// every input so caller-visible ordering is preserved end to end.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

type openaiEmbedder struct {
	client *openai.Client
	model  string
	dim    int
}

// New builds an Embedder calling model against an OpenAI-compatible
// embeddings endpoint. dim must match EMBEDDING_DIM; callers should fail
// fast at startup if the provider disagrees, not silently truncate.
func New(apiKey, model string, dim int) (Embedder, error) {
	if apiKey == "" {
		return nil, errors.New("embedder: api key is required")
	}
	if model == "" {
		return nil, errors.New("embedder: model is required")
	}
	c := openai.NewClient(option.WithAPIKey(apiKey))
	return &openaiEmbedder{client: &c, model: model, dim: dim}, nil
}

func (e *openaiEmbedder) Dimension() int { return e.dim }

// Embed issues one batched request to preserve the caller's input ordering;
// the OpenAI embeddings endpoint returns results index-aligned with input.
func (e *openaiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: e.model,
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream, "embeddings request failed", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, apperr.Newf(apperr.KindInternal, "embeddings response count %d does not match input count %d", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	byIndex := make(map[int64][]float32, len(resp.Data))
	for _, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		if len(vec) != e.dim {
			return nil, apperr.Newf(apperr.KindInternal, "embedding dimension %d does not match configured dimension %d", len(vec), e.dim)
		}
		byIndex[d.Index] = vec
	}
	for i := range texts {
		vec, ok := byIndex[int64(i)]
		if !ok {
			return nil, apperr.Newf(apperr.KindInternal, "missing embedding at index %d", i)
		}
		out[i] = vec
	}
	return out, nil
}

// CosineSimilarity returns the cosine similarity of a and b in [-1, 1],
// or 0 when either vector has zero magnitude.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
