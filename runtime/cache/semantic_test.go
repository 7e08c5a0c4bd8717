package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goadesign/research-orchestrator/runtime/catalog"
)

func TestSemanticLayer_LookupAboveThreshold(t *testing.T) {
	s := newSemanticLayer(time.Hour, 0.9, 10)
	s.put("a", Entry{Embedding: []float32{1, 0, 0}, Tier: catalog.TierLow})

	got, ok := s.lookup([]float32{1, 0, 0}, catalog.TierLow)
	require.True(t, ok)
	assert.Equal(t, catalog.TierLow, got.Tier)

	_, ok = s.lookup([]float32{0, 1, 0}, catalog.TierLow)
	assert.False(t, ok)
}

func TestSemanticLayer_RejectsEntryBelowRequestedTier(t *testing.T) {
	s := newSemanticLayer(time.Hour, 0.5, 10)
	s.put("a", Entry{Embedding: []float32{1, 0, 0}, Tier: catalog.TierVeryLow})

	_, ok := s.lookup([]float32{1, 0, 0}, catalog.TierHigh)
	assert.False(t, ok)
}

func TestSemanticLayer_EvictsLeastRecentlyUsed(t *testing.T) {
	s := newSemanticLayer(time.Hour, 0.0, 2)
	s.put("a", Entry{Embedding: []float32{1, 0, 0}, Tier: catalog.TierLow})
	s.put("b", Entry{Embedding: []float32{0, 1, 0}, Tier: catalog.TierLow})
	_, _ = s.lookup([]float32{1, 0, 0}, catalog.TierLow) // touch "a", making "b" the LRU
	s.put("c", Entry{Embedding: []float32{0, 0, 1}, Tier: catalog.TierLow})

	assert.Equal(t, 2, s.order.Len())
	_, hasB := s.items["b"]
	assert.False(t, hasB)
	_, hasA := s.items["a"]
	assert.True(t, hasA)
	_, hasC := s.items["c"]
	assert.True(t, hasC)
}

func TestSemanticLayer_ExpiredEntryIsIgnored(t *testing.T) {
	s := newSemanticLayer(-time.Second, 0.0, 10)
	s.put("a", Entry{Embedding: []float32{1, 0, 0}, Tier: catalog.TierLow})

	_, ok := s.lookup([]float32{1, 0, 0}, catalog.TierLow)
	assert.False(t, ok)
}
