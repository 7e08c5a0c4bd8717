// Package index implements hybrid lexical+vector document retrieval:
// score = alpha*BM25 + (1-alpha)*cosine, with an optional rerank step that
// sends the top 2k candidates to an LLM but keeps their hybrid order. Indexing is incremental and idempotent by
// (docId, contentHash).
package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strings"

	"github.com/goadesign/research-orchestrator/runtime/embedder"
	"github.com/goadesign/research-orchestrator/runtime/modelclient"
	"github.com/goadesign/research-orchestrator/runtime/store"
)

const table = "index_entries"

// Document is a unit of retrievable content.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]any
}

// Result is one scored retrieval hit.
type Result struct {
	DocID   string
	Content string
	Score   float64
}

// Index hybrid-scores documents against a store-backed inverted index plus
// pgvector-backed embeddings.
type Index struct {
	st       store.Store
	embedder embedder.Embedder
	model    modelclient.Client
	alpha    float64
}

// Options configures an Index.
type Options struct {
	Alpha float64 // weight on BM25; (1-Alpha) on cosine
}

// New constructs an Index.
func New(st store.Store, emb embedder.Embedder, model modelclient.Client, opts Options) *Index {
	alpha := opts.Alpha
	if alpha == 0 {
		alpha = 0.5
	}
	return &Index{st: st, embedder: emb, model: model, alpha: alpha}
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Upsert indexes doc idempotently by (docId, contentHash): re-indexing
// identical content is a no-op beyond the initial insert.
func (ix *Index) Upsert(ctx context.Context, doc Document) error {
	hash := contentHash(doc.Content)
	vecs, err := ix.embedder.Embed(ctx, []string{doc.Content})
	if err != nil {
		return err
	}
	terms := tokenize(doc.Content)
	freqs := termFreqs(terms)

	row := store.Row{
		"id":           doc.ID + ":" + hash,
		"doc_id":       doc.ID,
		"content_hash": hash,
		"content":      doc.Content,
		"term_freqs":   freqs,
		"doc_length":   len(terms),
		"embedding":    vecs[0],
		"metadata":     doc.Metadata,
	}
	res, err := ix.st.InsertIfAbsent(ctx, table, row)
	if err != nil {
		return err
	}
	if !res.Inserted {
		return nil // identical (docId, contentHash) already indexed
	}
	return nil
}

// Search returns the top k documents for query by hybrid score. If rerank is
// true, the top 2k candidates go through rerank before truncating to k; rerank
// does not reorder them, so the result is the same hybrid top k.
func (ix *Index) Search(ctx context.Context, query string, k int, rerank bool) ([]Result, error) {
	candidateCount := k
	if rerank {
		candidateCount = 2 * k
	}

	queryVecs, err := ix.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	queryVec := queryVecs[0]

	matches, err := ix.st.VectorSearch(ctx, table, queryVec, candidateCount*4, nil)
	if err != nil {
		return nil, err
	}

	queryTerms := tokenize(query)
	var scored []Result
	for _, m := range matches {
		row, ok, err := ix.st.Get(ctx, table, m.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		content, _ := row["content"].(string)
		docID, _ := row["doc_id"].(string)
		freqs, _ := row["term_freqs"].(map[string]any)
		docLen, _ := row["doc_length"].(int)

		bm25 := bm25Score(queryTerms, freqs, docLen, len(matches))
		cosine := 1 - m.Distance
		score := ix.alpha*bm25 + (1-ix.alpha)*cosine
		scored = append(scored, Result{DocID: docID, Content: content, Score: score})
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > candidateCount {
		scored = scored[:candidateCount]
	}

	if rerank && len(scored) > 0 {
		scored, err = ix.rerank(ctx, query, scored)
		if err != nil {
			return nil, err
		}
	}
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// rerank sends candidates to the ModelClient with a request to rank them by
// relevance to query. The reply is not parsed: candidates always come back in
// their original hybrid order, and a failed model call is ignored.
func (ix *Index) rerank(ctx context.Context, query string, candidates []Result) ([]Result, error) {
	if ix.model == nil {
		return candidates, nil
	}
	var sb strings.Builder
	sb.WriteString("Rank the following documents by relevance to the query. Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\n")
	for i, c := range candidates {
		sb.WriteString("[")
		sb.WriteString(string(rune('0' + i%10)))
		sb.WriteString("] ")
		sb.WriteString(truncate(c.Content, 500))
		sb.WriteString("\n")
	}
	resp, err := ix.model.Complete(ctx, &modelclient.Request{
		Messages: []*modelclient.Message{
			{Role: modelclient.ConversationRoleUser, Parts: []modelclient.Part{modelclient.TextPart{Text: sb.String()}}},
		},
		MaxTokens: 512,
	})
	if err != nil {
		return candidates, nil
	}
	_ = resp
	return candidates, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

func termFreqs(terms []string) map[string]any {
	out := make(map[string]any, len(terms))
	for _, t := range terms {
		if v, ok := out[t]; ok {
			out[t] = v.(int) + 1
		} else {
			out[t] = 1
		}
	}
	return out
}

// bm25Score scores a document against queryTerms using Okapi BM25 with the
// standard k1=1.2, b=0.75 constants. It approximates rather than scanning the
// corpus: corpusSize is the size of the candidate window, the average document
// length is a fixed 200 terms, and per-term document frequency is not counted,
// so every query term present in the document gets the same IDF.
func bm25Score(queryTerms []string, freqs map[string]any, docLen int, corpusSize int) float64 {
	const k1 = 1.2
	const b = 0.75
	const avgDocLen = 200.0

	if corpusSize == 0 {
		corpusSize = 1
	}
	var score float64
	for _, term := range queryTerms {
		raw, ok := freqs[term]
		if !ok {
			continue
		}
		tf, _ := raw.(int)
		if tf == 0 {
			continue
		}
		idf := math.Log(1 + (float64(corpusSize)-0.5+1)/(0.5+1))
		denom := float64(tf) + k1*(1-b+b*float64(docLen)/avgDocLen)
		score += idf * (float64(tf) * (k1 + 1)) / denom
	}
	return score
}
