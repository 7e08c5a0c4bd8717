// Package memory implements the Living Memory entity/relation graph:
// query (ANN + graph expansion), learn (entity extraction plus
// Bayesian confidence update), detectConflicts, and updateConfidence.
// Adapted from the teacher's Mongo-backed agent-run-history store
// (features/memory/mongo), generalized from "run event log" to "entity graph
// with confidences".
package memory

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/goadesign/research-orchestrator/runtime/apperr"
	"github.com/goadesign/research-orchestrator/runtime/embedder"
	"github.com/goadesign/research-orchestrator/runtime/modelclient"
)

const (
	defaultCollection = "memory_nodes"
	defaultTimeout    = 5 * time.Second
)

// Relation links one node to another with a typed, confidence-scored edge.
type Relation struct {
	Src        string  `bson:"src"`
	Rel        string  `bson:"rel"`
	Dst        string  `bson:"dst"`
	Confidence float64 `bson:"confidence"`
}

// Node is one MemoryNode document.
type Node struct {
	ID            string     `bson:"_id"`
	Embedding     []float32  `bson:"embedding"`
	Entities      []string   `bson:"entities"`
	Relations     []Relation `bson:"relations"`
	Sources       []string   `bson:"sources"`
	UserSignature string     `bson:"user_signature,omitempty"`
	Resonance     float64    `bson:"resonance"`
	AccessCount   int        `bson:"access_count"`
	LastAccessAt  time.Time  `bson:"last_access_at"`
	Confidence    float64    `bson:"confidence"`
}

// Conflict is a node whose existing relations contradict an incoming
// assertion about the same (src, rel) pair but a different dst.
type Conflict struct {
	NodeID     string
	Relation   Relation
	Contending Relation
}

// Evidence is one observation bearing on a node's confidence, with a source
// reliability weight that scales kappa in [0.05, 0.3].
type Evidence struct {
	Value       float64 // e in the update rule, the observed confidence signal
	Reliability float64 // in [0,1]; scales kappa within [0.05, 0.3]
}

// QueryOptions narrows a Memory.Query call.
type QueryOptions struct {
	K          int
	GraphHops  int // 1 or 2
	MinConfidence float64
}

// Memory is the Living Memory capability.
type Memory struct {
	coll     *mongo.Collection
	emb      embedder.Embedder
	model    modelclient.Client
	timeout  time.Duration
}

// Options configures a Memory instance.
type Options struct {
	Client     *mongo.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// New constructs a Memory backed by the given Mongo client.
func New(opts Options, emb embedder.Embedder, model modelclient.Client) (*Memory, error) {
	if opts.Client == nil {
		return nil, errors.New("memory: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("memory: database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collName)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "ensure memory indexes", err)
	}
	return &Memory{coll: coll, emb: emb, model: model, timeout: timeout}, nil
}

func ensureIndexes(ctx context.Context, coll *mongo.Collection) error {
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "entities", Value: 1}},
	})
	return err
}

func (m *Memory) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

// Query ranks node embeddings by brute-force cosine similarity over a capped
// candidate window (the first 500 nodes the collection returns; Atlas
// $vectorSearch is not used), then expands the top k by 1-2 hops over
// relations.
func (m *Memory) Query(ctx context.Context, queryVec []float32, opts QueryOptions) ([]Node, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	k := opts.K
	if k <= 0 {
		k = 10
	}
	hops := opts.GraphHops
	if hops <= 0 {
		hops = 1
	}

	const candidateWindow = 500
	cur, err := m.coll.Find(ctx, bson.M{}, options.Find().SetLimit(candidateWindow))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "memory query scan", err)
	}
	defer cur.Close(ctx)

	var all []Node
	for cur.Next(ctx) {
		var n Node
		if err := cur.Decode(&n); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "decode memory node", err)
		}
		all = append(all, n)
	}

	type scored struct {
		node Node
		sim  float64
	}
	var ranked []scored
	for _, n := range all {
		if n.Confidence < opts.MinConfidence {
			continue
		}
		ranked = append(ranked, scored{node: n, sim: embedder.CosineSimilarity(queryVec, n.Embedding)})
	}
	sortScoredDesc(ranked)
	if len(ranked) > k {
		ranked = ranked[:k]
	}

	seeds := make(map[string]Node, len(ranked))
	for _, r := range ranked {
		seeds[r.node.ID] = r.node
	}
	expanded := expandGraph(seeds, all, hops)

	out := make([]Node, 0, len(expanded))
	for _, n := range expanded {
		out = append(out, n)
	}
	m.touch(ctx, out)
	return out, nil
}

func sortScoredDesc(items []struct {
	node Node
	sim  float64
}) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && items[j].sim > items[j-1].sim; j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

func expandGraph(seeds map[string]Node, all []Node, hops int) map[string]Node {
	byID := make(map[string]Node, len(all))
	for _, n := range all {
		byID[n.ID] = n
	}
	frontier := make(map[string]Node, len(seeds))
	for k, v := range seeds {
		frontier[k] = v
	}
	result := make(map[string]Node, len(seeds))
	for k, v := range seeds {
		result[k] = v
	}
	for hop := 0; hop < hops; hop++ {
		next := make(map[string]Node)
		for _, n := range frontier {
			for _, rel := range n.Relations {
				for _, id := range []string{rel.Src, rel.Dst} {
					if id == "" {
						continue
					}
					if _, seen := result[id]; seen {
						continue
					}
					if neighbor, ok := byID[id]; ok {
						next[id] = neighbor
						result[id] = neighbor
					}
				}
			}
		}
		frontier = next
		if len(frontier) == 0 {
			break
		}
	}
	return result
}

// touch bumps resonance and access bookkeeping for retrieved nodes; update
// errors are discarded and never fail the query.
func (m *Memory) touch(ctx context.Context, nodes []Node) {
	now := time.Now().UTC()
	for _, n := range nodes {
		_, _ = m.coll.UpdateOne(ctx,
			bson.M{"_id": n.ID},
			bson.M{
				"$inc": bson.M{"access_count": 1, "resonance": 0.01},
				"$set": bson.M{"last_access_at": now},
			},
		)
	}
}

// Learn extracts entities from insights with the extractEntities heuristic,
// upserts one node per entity, Bayesian-updates its confidence, and links
// sources. It makes no model call, extracts no relations, and records no
// user fingerprint.
func (m *Memory) Learn(ctx context.Context, insights string, sources []string, reliability float64) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	entities := extractEntities(insights)
	if len(entities) == 0 {
		return nil
	}
	vecs, err := m.emb.Embed(ctx, []string{insights})
	if err != nil {
		return err
	}
	vec := vecs[0]

	for _, entity := range entities {
		id := nodeID(entity)
		var existing Node
		err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&existing)
		if errors.Is(err, mongo.ErrNoDocuments) {
			existing = Node{ID: id, Confidence: 0.5}
		} else if err != nil {
			return apperr.Wrap(apperr.KindTransient, "load memory node", err)
		}

		updated := UpdateConfidence(existing.Confidence, 1.0, reliability)
		existing.Embedding = vec
		existing.Entities = appendUnique(existing.Entities, entity)
		existing.Sources = appendUnique(existing.Sources, sources...)
		existing.Confidence = updated

		_, err = m.coll.UpdateOne(ctx,
			bson.M{"_id": id},
			bson.M{"$set": bson.M{
				"embedding":  existing.Embedding,
				"entities":   existing.Entities,
				"sources":    existing.Sources,
				"confidence": existing.Confidence,
			}},
			options.UpdateOne().SetUpsert(true),
		)
		if err != nil {
			return apperr.Wrap(apperr.KindTransient, "upsert memory node", err)
		}
	}
	return nil
}

// UpdateConfidence applies c' = clamp(c + kappa*(e-c), 0, 1), scaling kappa
// within [0.05, 0.3] by source reliability in [0,1].
func UpdateConfidence(c, e, reliability float64) float64 {
	if reliability < 0 {
		reliability = 0
	}
	if reliability > 1 {
		reliability = 1
	}
	kappa := 0.05 + reliability*(0.3-0.05)
	updated := c + kappa*(e-c)
	return math.Max(0, math.Min(1, updated))
}

// UpdateConfidenceFor loads a node by entity and applies an evidence-driven
// confidence update.
func (m *Memory) UpdateConfidenceFor(ctx context.Context, entity string, ev Evidence) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	id := nodeID(entity)
	var n Node
	if err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&n); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return apperr.Newf(apperr.KindNotFound, "memory node %q not found", entity)
		}
		return apperr.Wrap(apperr.KindTransient, "load memory node", err)
	}
	updated := UpdateConfidence(n.Confidence, ev.Value, ev.Reliability)
	_, err := m.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"confidence": updated}})
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "update memory node confidence", err)
	}
	return nil
}

// DetectConflicts finds existing nodes whose relations contradict an
// incoming assertion (same src+rel, different dst).
func (m *Memory) DetectConflicts(ctx context.Context, assertions []Relation) ([]Conflict, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	var conflicts []Conflict
	for _, a := range assertions {
		id := nodeID(a.Src)
		var n Node
		err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&n)
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.KindTransient, "load memory node for conflict check", err)
		}
		for _, existing := range n.Relations {
			if existing.Rel == a.Rel && existing.Dst != a.Dst {
				conflicts = append(conflicts, Conflict{NodeID: id, Relation: existing, Contending: a})
			}
		}
	}
	return conflicts, nil
}

func nodeID(entity string) string {
	return "entity:" + strings.ToLower(strings.TrimSpace(entity))
}

func appendUnique(existing []string, items ...string) []string {
	seen := make(map[string]bool, len(existing))
	for _, e := range existing {
		seen[e] = true
	}
	out := existing
	for _, it := range items {
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}

// extractEntities is a lightweight capitalized-token heuristic. Learn uses it
// on every call, whether or not a model client is configured.
func extractEntities(text string) []string {
	var out []string
	for _, word := range strings.Fields(text) {
		trimmed := strings.Trim(word, ".,;:!?\"'()")
		if len(trimmed) > 1 && trimmed[0] >= 'A' && trimmed[0] <= 'Z' {
			out = append(out, trimmed)
		}
	}
	return appendUnique(nil, out...)
}
