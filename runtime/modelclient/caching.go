package modelclient

import (
	"context"
	"encoding/json"

	"github.com/goadesign/research-orchestrator/runtime/cache"
	"github.com/goadesign/research-orchestrator/runtime/catalog"
)

// CachingClient wraps another Client with the two-tier response cache
// (runtime/cache): an exact match on (model, messages, maxTokens,
// temperature) is served
// without calling the provider at all, and every real completion is
// recorded back into the exact layer for the next identical call. Streaming
// requests bypass the cache entirely — a partially-streamed response has no
// single point to record a cache entry at, and the spec's caching
// requirement is about repeated identical completions, which this
// orchestrator only ever issues through Complete (planning, research,
// synchronous synthesis fallback).
type CachingClient struct {
	inner   Client
	cache   *cache.Cache
	catalog *catalog.Catalog
}

// NewCachingClient wraps inner with cache lookups keyed against cat's model
// tiers.
func NewCachingClient(inner Client, c *cache.Cache, cat *catalog.Catalog) *CachingClient {
	return &CachingClient{inner: inner, cache: c, catalog: cat}
}

func (c *CachingClient) model(modelID string) (catalog.Model, bool) {
	for _, m := range c.catalog.List() {
		if m.ID == modelID {
			return m, true
		}
	}
	return catalog.Model{}, false
}

// modelTier returns the highest tier modelID is listed under, used as the
// provenance tier recorded against a cache entry and the minimum tier a
// cache lookup for that model will accept.
func (c *CachingClient) modelTier(modelID string) catalog.Tier {
	m, ok := c.model(modelID)
	if !ok {
		return catalog.TierVeryLow
	}
	best := catalog.TierVeryLow
	for _, t := range m.Tiers {
		if t.Above(best) {
			best = t
		}
	}
	return best
}

// Complete checks the exact cache before delegating to inner, and records
// a successful response on a miss.
func (c *CachingClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	key := cache.Key(req.Model, req.Messages, map[string]any{"max_tokens": req.MaxTokens, "temperature": req.Temperature})
	tier := c.modelTier(req.Model)

	if entry, ok, err := c.cache.GetExact(ctx, key, tier); err == nil && ok {
		var resp Response
		if jerr := json.Unmarshal(entry.Response, &resp); jerr == nil {
			return &resp, nil
		}
	}

	resp, err := c.inner.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	if raw, jerr := json.Marshal(resp); jerr == nil {
		_ = c.cache.PutExact(ctx, key, cache.Entry{Response: raw, Tier: tier, CostUSD: c.estimateCostUSD(req.Model, resp.Usage)})
	}
	return resp, nil
}

// estimateCostUSD prices the call against the catalog's per-million-token
// rate for req's model, since Response carries token counts but not cost.
func (c *CachingClient) estimateCostUSD(modelID string, usage TokenUsage) float64 {
	m, ok := c.model(modelID)
	if !ok {
		return 0
	}
	return float64(usage.TotalTokens) / 1_000_000 * m.CostPerMTokUSD
}

// Stream delegates directly to inner; see the type doc comment for why
// streaming is not cached.
func (c *CachingClient) Stream(ctx context.Context, req *Request) (Streamer, error) {
	return c.inner.Stream(ctx, req)
}
