package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpdateConfidence_ClampsToUnitInterval(t *testing.T) {
	assert.InDelta(t, 1.0, UpdateConfidence(0.95, 1.0, 1.0), 0.05)
	assert.GreaterOrEqual(t, UpdateConfidence(0.1, 0.0, 1.0), 0.0)
}

func TestUpdateConfidence_HigherReliabilityMovesFurther(t *testing.T) {
	low := UpdateConfidence(0.5, 1.0, 0.0)
	high := UpdateConfidence(0.5, 1.0, 1.0)
	assert.Greater(t, high, low)
}

func TestExpandGraph_OneHopIncludesDirectNeighbors(t *testing.T) {
	all := []Node{
		{ID: "a", Relations: []Relation{{Src: "a", Rel: "knows", Dst: "b"}}},
		{ID: "b"},
		{ID: "c"},
	}
	seeds := map[string]Node{"a": all[0]}

	out := expandGraph(seeds, all, 1)
	assert.Contains(t, out, "a")
	assert.Contains(t, out, "b")
	assert.NotContains(t, out, "c")
}

func TestExpandGraph_TwoHopsReachesIndirectNeighbor(t *testing.T) {
	all := []Node{
		{ID: "a", Relations: []Relation{{Src: "a", Rel: "knows", Dst: "b"}}},
		{ID: "b", Relations: []Relation{{Src: "b", Rel: "knows", Dst: "c"}}},
		{ID: "c"},
	}
	seeds := map[string]Node{"a": all[0]}

	out := expandGraph(seeds, all, 2)
	assert.Contains(t, out, "c")
}

func TestExtractEntities_PicksCapitalizedTokens(t *testing.T) {
	entities := extractEntities("Marie Curie discovered radium and polonium.")
	assert.Contains(t, entities, "Marie")
	assert.Contains(t, entities, "Curie")
	assert.NotContains(t, entities, "discovered")
}

func TestAppendUnique_DropsDuplicates(t *testing.T) {
	out := appendUnique([]string{"a", "b"}, "b", "c")
	assert.ElementsMatch(t, []string{"a", "b", "c"}, out)
}
