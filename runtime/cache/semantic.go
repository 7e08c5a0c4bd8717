package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/goadesign/research-orchestrator/runtime/catalog"
	"github.com/goadesign/research-orchestrator/runtime/embedder"
)

// semanticLayer is an in-process cosine-similarity cache with LRU eviction.
// A single mutex guards the whole layer; it is not sharded. No
// lexical/vector-cache library appears anywhere in the example pack (see DESIGN.md), so this is hand-rolled atop container/list —
// the same list+map LRU shape used by the standard library's own reference
// LRU recipes.
type semanticLayer struct {
	mu      sync.Mutex
	ttl     time.Duration
	tau     float64
	maxKeys int
	order   *list.List // most-recently-used at the front
	items   map[string]*list.Element
}

type semanticItem struct {
	key     string
	entry   Entry
	expires time.Time
}

func newSemanticLayer(ttl time.Duration, tau float64, maxKeys int) *semanticLayer {
	return &semanticLayer{
		ttl:     ttl,
		tau:     tau,
		maxKeys: maxKeys,
		order:   list.New(),
		items:   make(map[string]*list.Element),
	}
}

func (s *semanticLayer) put(key string, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		s.order.Remove(el)
		delete(s.items, key)
	}
	item := &semanticItem{key: key, entry: e, expires: time.Now().Add(s.ttl)}
	el := s.order.PushFront(item)
	s.items[key] = el

	for s.order.Len() > s.maxKeys && s.maxKeys > 0 {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(*semanticItem).key)
	}
}

// lookup scans live entries for the highest-similarity match above tau,
// refusing matches below minTier. A full scan is acceptable at the
// maxKeys scale this cache is sized for (tens of thousands of entries);
// a larger deployment would shard by an embedding LSH bucket instead.
func (s *semanticLayer) lookup(queryVec []float32, minTier catalog.Tier) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var best *list.Element
	bestSim := s.tau
	for el := s.order.Front(); el != nil; el = el.Next() {
		item := el.Value.(*semanticItem)
		if now.After(item.expires) {
			continue
		}
		if minTier.Above(item.entry.Tier) {
			continue
		}
		sim := embedder.CosineSimilarity(queryVec, item.entry.Embedding)
		if sim >= bestSim {
			bestSim = sim
			best = el
		}
	}
	if best == nil {
		return Entry{}, false
	}
	s.order.MoveToFront(best)
	return best.Value.(*semanticItem).entry, true
}
