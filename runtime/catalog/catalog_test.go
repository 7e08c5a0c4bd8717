package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCatalog(t *testing.T, yamlContent string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o644))
	return path
}

func TestLoad_InvariantFailsFastWhenTierMissing(t *testing.T) {
	path := writeCatalog(t, `
models:
  - id: only-low
    tiers: [low]
    domains: [general]
    modalities: [text]
`)
	_, err := Load(path, []Tier{TierVeryLow, TierLow, TierHigh})
	require.Error(t, err)
}

func TestLoad_SucceedsWhenEveryTierCovered(t *testing.T) {
	path := writeCatalog(t, `
models:
  - id: m1
    tiers: [very-low, low, high]
    domains: [general]
    modalities: [text]
`)
	c, err := Load(path, []Tier{TierVeryLow, TierLow, TierHigh})
	require.NoError(t, err)
	assert.Len(t, c.List(), 1)
}

func TestSelect_TieBreaksByCostThenLatency(t *testing.T) {
	path := writeCatalog(t, `
models:
  - id: cheap-slow
    tiers: [low]
    domains: [general]
    modalities: [text]
    cost_per_mtok_usd: 1.0
    latency_p50_ms: 2000
  - id: cheap-fast
    tiers: [low]
    domains: [general]
    modalities: [text]
    cost_per_mtok_usd: 1.0
    latency_p50_ms: 500
  - id: expensive
    tiers: [low]
    domains: [general]
    modalities: [text]
    cost_per_mtok_usd: 5.0
    latency_p50_ms: 100
`)
	c, err := Load(path, nil)
	require.NoError(t, err)

	got := c.Select(SelectOptions{Tier: TierLow, Domain: "general", Modality: ModalityText, Count: 2})
	require.Len(t, got, 2)
	assert.Equal(t, "cheap-fast", got[0].ID)
	assert.Equal(t, "cheap-slow", got[1].ID)
}

func TestSelect_FallsBackToHigherTierForVision(t *testing.T) {
	path := writeCatalog(t, `
models:
  - id: low-text-only
    tiers: [low]
    domains: [general]
    modalities: [text]
  - id: high-vision
    tiers: [high]
    domains: [general]
    modalities: [text, vision]
`)
	c, err := Load(path, nil)
	require.NoError(t, err)

	got := c.Select(SelectOptions{Tier: TierLow, Domain: "general", Modality: ModalityVision, Count: 1, AllowUpgrade: true})
	require.Len(t, got, 1)
	assert.Equal(t, "high-vision", got[0].ID)
}

func TestRefresh_MergesByID(t *testing.T) {
	path := writeCatalog(t, `
models:
  - id: m1
    tiers: [low]
    domains: [general]
    modalities: [text]
    cost_per_mtok_usd: 1.0
`)
	c, err := Load(path, nil)
	require.NoError(t, err)

	err = c.Refresh(context.Background(), discovererFunc(func(ctx context.Context) ([]Model, error) {
		return []Model{
			{ID: "m1", Tiers: []Tier{TierLow}, CostPerMTokUSD: 0.5},
			{ID: "m2", Tiers: []Tier{TierHigh}},
		}, nil
	}))
	require.NoError(t, err)

	models := c.List()
	assert.Len(t, models, 2)
	for _, m := range models {
		if m.ID == "m1" {
			assert.Equal(t, 0.5, m.CostPerMTokUSD)
		}
	}
}

type discovererFunc func(ctx context.Context) ([]Model, error)

func (f discovererFunc) Discover(ctx context.Context) ([]Model, error) { return f(ctx) }
