// Package cache implements the two-tier response cache: an exact-key layer
// backed by Redis and an in-process semantic-similarity layer. Both record
// usage/cost on write and refuse to serve an entry whose originating model
// tier is below the caller's requested tier.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goadesign/research-orchestrator/runtime/apperr"
	"github.com/goadesign/research-orchestrator/runtime/catalog"
	"github.com/goadesign/research-orchestrator/runtime/embedder"
)

// Entry is one cached model response plus the provenance needed to decide
// whether it is still eligible to be served.
type Entry struct {
	Response  json.RawMessage
	Tier      catalog.Tier
	Embedding []float32
	CostUSD   float64
	CreatedAt time.Time
}

// Key hashes the (model, messages, opts) triple into the exact-cache key.
func Key(model string, messages, opts any) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	_ = enc.Encode(model)
	_ = enc.Encode(messages)
	_ = enc.Encode(opts)
	return "cache:exact:" + hex.EncodeToString(h.Sum(nil))
}

// Cache is the two-tier response cache.
type Cache struct {
	rdb        *redis.Client
	exactTTL   time.Duration
	semantic   *semanticLayer
}

// Options configures a Cache.
type Options struct {
	RedisAddr      string
	ExactTTL       time.Duration
	SemanticTTL    time.Duration
	SemanticTau    float64
	SemanticMaxKeys int
}

// New constructs a Cache from Options.
func New(opts Options) *Cache {
	return &Cache{
		rdb:      redis.NewClient(&redis.Options{Addr: opts.RedisAddr}),
		exactTTL: opts.ExactTTL,
		semantic: newSemanticLayer(opts.SemanticTTL, opts.SemanticTau, opts.SemanticMaxKeys),
	}
}

// GetExact returns the cached entry for key if present and not served below
// the requested tier.
func (c *Cache) GetExact(ctx context.Context, key string, minTier catalog.Tier) (Entry, bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, apperr.Wrap(apperr.KindTransient, "cache get", err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, apperr.Wrap(apperr.KindInternal, "decode cache entry", err)
	}
	if minTier.Above(e.Tier) {
		// The cached response was produced by a cheaper tier than the caller
		// is asking for now; serving it would silently downgrade quality.
		return Entry{}, false, nil
	}
	return e, true, nil
}

// PutExact stores an entry under key with the configured exact TTL.
func (c *Cache) PutExact(ctx context.Context, key string, e Entry) error {
	e.CreatedAt = time.Now().UTC()
	raw, err := json.Marshal(e)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "encode cache entry", err)
	}
	if err := c.rdb.Set(ctx, key, raw, c.exactTTL).Err(); err != nil {
		return apperr.Wrap(apperr.KindTransient, "cache set", err)
	}
	return nil
}

// GetSemantic returns the best semantic match for queryVec whose similarity
// is at least tau and whose tier is not below minTier.
func (c *Cache) GetSemantic(queryVec []float32, minTier catalog.Tier) (Entry, bool) {
	return c.semantic.lookup(queryVec, minTier)
}

// PutSemantic records a new semantic-cache entry, evicting the
// least-recently-used entry if the layer is at capacity.
func (c *Cache) PutSemantic(key string, e Entry) {
	e.CreatedAt = time.Now().UTC()
	c.semantic.put(key, e)
}

// CosineSimilarity re-exports embedder's similarity function for callers
// that only import cache.
func CosineSimilarity(a, b []float32) float64 { return embedder.CosineSimilarity(a, b) }
