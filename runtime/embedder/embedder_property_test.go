package embedder

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestCosineSimilarityBoundedProperty verifies CosineSimilarity never leaves
// its documented [-1, 1] range (plus the 0 degenerate case), the invariant
// the semantic cache's tau threshold comparisons and the index's hybrid
// scoring both rely on.
func TestCosineSimilarityBoundedProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	vecGen := gen.SliceOfN(8, gen.Float64Range(-100, 100).Map(func(v float64) float32 { return float32(v) }))

	properties.Property("cosine similarity stays within [-1, 1]", prop.ForAll(
		func(a, b []float32) bool {
			sim := CosineSimilarity(a, b)
			return sim >= -1.0001 && sim <= 1.0001
		},
		vecGen, vecGen,
	))

	properties.Property("cosine similarity of a vector with itself is 1 (or 0 when zero)", prop.ForAll(
		func(a []float32) bool {
			sim := CosineSimilarity(a, a)
			allZero := true
			for _, v := range a {
				if v != 0 {
					allZero = false
					break
				}
			}
			if allZero {
				return sim == 0
			}
			return sim > 0.9999 && sim < 1.0001
		},
		vecGen,
	))

	properties.TestingRun(t)
}
