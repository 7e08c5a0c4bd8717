// Package researcher implements C11: the per-sub-query ensemble executor.
// It selects k models from Catalog, calls ModelClient.Complete for each in
// parallel under a bounded-concurrency fan-out adapted from the teacher's
// registry-gateway executor (runtime/toolregistry/executor), and scores
// consensus by embedding cosine similarity.
package researcher

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/goadesign/research-orchestrator/runtime/apperr"
	"github.com/goadesign/research-orchestrator/runtime/cache"
	"github.com/goadesign/research-orchestrator/runtime/catalog"
	"github.com/goadesign/research-orchestrator/runtime/embedder"
	"github.com/goadesign/research-orchestrator/runtime/modelclient"
	"github.com/goadesign/research-orchestrator/runtime/planner"
)

// EventSink receives researcher telemetry (agent_started/agent_completed/
// agent_error), mirroring runtime/planner's seam so the Orchestrator can
// wire both to the same SessionBus publisher without either package
// importing SessionBus.
type EventSink interface {
	Emit(ctx context.Context, eventType string, payload any)
}

type noopSink struct{}

func (noopSink) Emit(context.Context, string, any) {}

// Result is one ensemble member's output.
type Result struct {
	Model      string
	Content    string
	Confidence float64
	Usage      modelclient.TokenUsage
}

// SubQueryResult is the Researcher's output for one sub-query.
type SubQueryResult struct {
	SubQueryID     string
	Results        []Result
	ConsensusLevel float64
}

// Options configures ensemble execution.
type Options struct {
	MaxConcurrency int           // bound on simultaneous model calls within one Research call
	RetryDeadline  time.Duration // extra time granted to a single retried model
}

// DefaultOptions returns sane concurrency/retry defaults.
func DefaultOptions() Options {
	return Options{MaxConcurrency: 8, RetryDeadline: 30 * time.Second}
}

// Researcher runs one sub-query's ensemble.
type Researcher struct {
	model    modelclient.Client
	catalog  *catalog.Catalog
	embedder embedder.Embedder
	cache    *cache.Cache
	events   EventSink
	opts     Options
}

// New constructs a Researcher. events may be nil.
func New(model modelclient.Client, cat *catalog.Catalog, emb embedder.Embedder, events EventSink, opts Options) *Researcher {
	def := DefaultOptions()
	if opts.MaxConcurrency == 0 {
		opts.MaxConcurrency = def.MaxConcurrency
	}
	if opts.RetryDeadline == 0 {
		opts.RetryDeadline = def.RetryDeadline
	}
	if events == nil {
		events = noopSink{}
	}
	return &Researcher{model: model, catalog: cat, embedder: emb, events: events, opts: opts}
}

// WithCache attaches the semantic cache layer: Research will serve a
// near-duplicate sub-query from a prior ensemble run instead of re-querying
// every model, when one is found above the configured similarity threshold
// at or above the tier this sub-query's ensemble would itself run at. Optional;
// a Researcher with no cache attached always runs the full ensemble.
func (r *Researcher) WithCache(c *cache.Cache) *Researcher {
	r.cache = c
	return r
}

// Research runs sq's ensemble of size ensembleSize under jobDeadline, per
// spec.md §4.11: distinct models matching domain/modality selected from
// Catalog (cost asc, then latency asc tie-break, tier-upgrade for vision),
// called in parallel, at least one success required.
func (r *Researcher) Research(ctx context.Context, sq planner.SubQuery, ensembleSize int, jobDeadline time.Time) (*SubQueryResult, error) {
	models := r.selectModels(sq, ensembleSize)
	if len(models) == 0 {
		return nil, apperr.Newf(apperr.KindInternal, "no catalog model available for domain %q", sq.Domain)
	}
	minTier := lowestTier(models)

	var queryVec []float32
	if r.cache != nil && r.embedder != nil {
		if vecs, err := r.embedder.Embed(ctx, []string{sq.Text}); err == nil && len(vecs) == 1 {
			queryVec = vecs[0]
			if entry, ok := r.cache.GetSemantic(queryVec, minTier); ok {
				var cached SubQueryResult
				if json.Unmarshal(entry.Response, &cached) == nil {
					return &cached, nil
				}
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.MaxConcurrency)

	var mu sync.Mutex
	var results []Result

	for _, m := range models {
		model := m
		g.Go(func() error {
			res, err := r.callOne(gctx, model.ID, sq, jobDeadline)
			if err != nil {
				r.events.Emit(gctx, "agent_error", map[string]any{"sub_query_id": sq.ID, "model": model.ID, "error": err.Error()})
				return nil // a single model's failure does not fail the group
			}
			mu.Lock()
			results = append(results, *res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // member errors are already absorbed above; Wait only waits out goroutines

	if len(results) == 0 {
		return nil, apperr.Newf(apperr.KindUpstream, "all %d ensemble models failed for sub-query %q", len(models), sq.ID)
	}

	consensus, err := r.consensus(ctx, results)
	if err != nil {
		consensus = 0 // consensus is a quality signal, not a correctness requirement
	}
	r.assignAgreementConfidence(results, consensus)

	out := &SubQueryResult{SubQueryID: sq.ID, Results: results, ConsensusLevel: consensus}
	if r.cache != nil && queryVec != nil {
		if raw, jerr := json.Marshal(out); jerr == nil {
			r.cache.PutSemantic(sq.ID, cache.Entry{Response: raw, Tier: minTier, Embedding: queryVec})
		}
	}
	return out, nil
}

// lowestTier returns the cheapest tier any of models belongs to, the quality
// floor this ensemble run represents for semantic-cache provenance.
func lowestTier(models []catalog.Model) catalog.Tier {
	tier := catalog.TierHigh
	for _, m := range models {
		for _, t := range m.Tiers {
			if tier.Above(t) {
				tier = t
			}
		}
	}
	return tier
}

func (r *Researcher) selectModels(sq planner.SubQuery, ensembleSize int) []catalog.Model {
	modality := catalog.Modality("")
	for _, m := range sq.Modalities {
		if m == string(catalog.ModalityVision) {
			modality = catalog.ModalityVision
		}
	}
	return r.catalog.Select(catalog.SelectOptions{
		Domain:       sq.Domain,
		Modality:     modality,
		Count:        ensembleSize,
		AllowUpgrade: true,
	})
}

func (r *Researcher) callOne(ctx context.Context, modelID string, sq planner.SubQuery, jobDeadline time.Time) (*Result, error) {
	r.events.Emit(ctx, "agent_started", map[string]any{"sub_query_id": sq.ID, "model": modelID})

	resp, err := r.complete(ctx, modelID, sq)
	if err != nil && ctxDeadlineLike(err) && time.Now().Add(r.opts.RetryDeadline).Before(jobDeadline) {
		retryCtx, cancel := context.WithTimeout(ctx, r.opts.RetryDeadline)
		defer cancel()
		resp, err = r.complete(retryCtx, modelID, sq)
	}
	if err != nil {
		return nil, err
	}

	content := extractText(resp.Content)
	result := Result{Model: modelID, Content: content, Usage: resp.Usage, Confidence: extractConfidence(content)}
	r.events.Emit(ctx, "agent_completed", map[string]any{"sub_query_id": sq.ID, "model": modelID})
	return &result, nil
}

func (r *Researcher) complete(ctx context.Context, modelID string, sq planner.SubQuery) (*modelclient.Response, error) {
	return r.model.Complete(ctx, &modelclient.Request{
		Model: modelID,
		Messages: []*modelclient.Message{
			{Role: modelclient.ConversationRoleUser, Parts: []modelclient.Part{modelclient.TextPart{Text: sq.Text}}},
		},
		MaxTokens: 1024,
	})
}

func ctxDeadlineLike(err error) bool {
	return apperr.Is(err, apperr.KindTransient) || apperr.Is(err, apperr.KindCancelled)
}

// consensus computes the maximum pairwise cosine similarity across result
// embeddings, per spec.md §4.11's consensusLevel definition.
func (r *Researcher) consensus(ctx context.Context, results []Result) (float64, error) {
	if len(results) < 2 || r.embedder == nil {
		return 0, nil
	}
	texts := make([]string, len(results))
	for i, res := range results {
		texts[i] = res.Content
	}
	vecs, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, err
	}
	var maxSim float64
	for i := 0; i < len(vecs); i++ {
		for j := i + 1; j < len(vecs); j++ {
			sim := embedder.CosineSimilarity(vecs[i], vecs[j])
			if sim > maxSim {
				maxSim = sim
			}
		}
	}
	return maxSim, nil
}

// assignAgreementConfidence fills in a consensus-derived confidence for any
// result whose model didn't report one explicitly, per spec.md §4.11's
// "estimated from agreement with peers" fallback.
func (r *Researcher) assignAgreementConfidence(results []Result, consensus float64) {
	for i := range results {
		if results[i].Confidence == 0 {
			results[i].Confidence = consensus
		}
	}
}

func extractText(messages []modelclient.Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if t, ok := part.(modelclient.TextPart); ok {
				sb.WriteString(t.Text)
			}
		}
	}
	return sb.String()
}

// extractConfidence looks for a trailing `{"confidence": n}` JSON object a
// model may have appended per the orchestrator's prompt contract; returns 0
// (meaning "not reported") if absent or malformed, letting the agreement
// fallback take over.
func extractConfidence(content string) float64 {
	start := strings.LastIndex(content, "{")
	if start == -1 {
		return 0
	}
	var probe struct {
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(content[start:]), &probe); err != nil {
		return 0
	}
	return probe.Confidence
}
