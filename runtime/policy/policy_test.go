package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSelect_LowComplexityLowNoveltyPicksQuickAnswer(t *testing.T) {
	s := New(DefaultOptions())
	d := s.Select(context.Background(), Features{Complexity: 0.1, MemorySimilarity: 0.9}, Budget{})
	assert.Equal(t, QuickAnswer, d.Policy)
	assert.Equal(t, 1, d.EnsembleSize)
}

func TestSelect_TightTimeBudgetPicksStandardResearch(t *testing.T) {
	s := New(DefaultOptions())
	d := s.Select(context.Background(), Features{Complexity: 0.5, MemorySimilarity: 0.2}, Budget{Time: 30 * time.Second})
	assert.Equal(t, StandardResearch, d.Policy)
}

func TestSelect_HighNoveltyPicksDeepResearch(t *testing.T) {
	s := New(DefaultOptions())
	d := s.Select(context.Background(), Features{Complexity: 0.4, MemorySimilarity: 0.1}, Budget{})
	assert.Equal(t, DeepResearch, d.Policy)
}

func TestSelect_LocalFirstPrivacyAlwaysPicksLocalOnly(t *testing.T) {
	s := New(DefaultOptions())
	d := s.Select(context.Background(), Features{Complexity: 0.9, MemorySimilarity: 0.0}, Budget{Privacy: PrivacyLocalFirst})
	assert.Equal(t, LocalOnly, d.Policy)
}

func TestSelect_DowngradesOneTierWhenOverBudget(t *testing.T) {
	s := New(DefaultOptions())
	d := s.Select(context.Background(), Features{Complexity: 0.4, MemorySimilarity: 0.1}, Budget{MoneyUSD: 0.10})
	assert.Equal(t, StandardResearch, d.Policy) // downgraded from DeepResearch
	assert.True(t, d.Downgraded)
}

func TestSelect_WithinBudgetIsNotDowngraded(t *testing.T) {
	s := New(DefaultOptions())
	d := s.Select(context.Background(), Features{Complexity: 0.1, MemorySimilarity: 0.95}, Budget{MoneyUSD: 10, Time: time.Hour})
	assert.False(t, d.Downgraded)
}

func TestDowngradeOnce_QuickAnswerHasNoLowerTier(t *testing.T) {
	p, ok := downgradeOnce(QuickAnswer)
	assert.False(t, ok)
	assert.Equal(t, QuickAnswer, p)
}

func TestDowngradeOnce_StepsExactlyOneTier(t *testing.T) {
	p, ok := downgradeOnce(Exhaustive)
	assert.True(t, ok)
	assert.Equal(t, DeepResearch, p)
}
