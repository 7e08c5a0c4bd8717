// Package catalog enumerates the models available to the orchestrator: cost
// tier, context length, domain tags, and modality, loaded from a YAML
// config file with an optional runtime discovery refresh layered on top.
package catalog

import (
	"context"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/goadesign/research-orchestrator/runtime/apperr"
)

// Tier is a cost/capability tier a model belongs to.
type Tier string

const (
	TierVeryLow Tier = "very-low"
	TierLow     Tier = "low"
	TierHigh    Tier = "high"
)

var tierOrder = map[Tier]int{TierVeryLow: 0, TierLow: 1, TierHigh: 2}

// Above reports whether t is a strictly higher tier than other.
func (t Tier) Above(other Tier) bool { return tierOrder[t] > tierOrder[other] }

// Modality a model can accept or produce.
type Modality string

const (
	ModalityText   Modality = "text"
	ModalityVision Modality = "vision"
)

// Model is one catalog entry.
type Model struct {
	ID               string     `yaml:"id"`
	Provider         string     `yaml:"provider"`
	Tiers            []Tier     `yaml:"tiers"`
	Domains          []string   `yaml:"domains"`
	ContextLen       int        `yaml:"context_len"`
	Modalities       []Modality `yaml:"modalities"`
	CostPerMTokUSD   float64    `yaml:"cost_per_mtok_usd"`
	LatencyP50Millis int        `yaml:"latency_p50_ms"`
}

func (m Model) hasTier(t Tier) bool {
	for _, x := range m.Tiers {
		if x == t {
			return true
		}
	}
	return false
}

func (m Model) hasDomain(d string) bool {
	if d == "" {
		return true
	}
	for _, x := range m.Domains {
		if x == d || x == "general" {
			return true
		}
	}
	return false
}

func (m Model) hasModality(mod Modality) bool {
	for _, x := range m.Modalities {
		if x == mod {
			return true
		}
	}
	return false
}

// file is the top-level shape of MODEL_CATALOG_PATH.
type file struct {
	Models []Model `yaml:"models"`
}

// Catalog is the queryable, invariant-checked set of available models.
type Catalog struct {
	mu     sync.RWMutex
	models []Model
}

// Load reads and parses path, checking the "at least one model per
// configured tier" invariant. Failure to satisfy it is an apperr.KindInternal
// startup error — the process must not come up half-configured.
func Load(path string, requiredTiers []Tier) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "read model catalog", err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "parse model catalog", err)
	}
	c := &Catalog{models: f.Models}
	if err := c.checkInvariant(requiredTiers); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) checkInvariant(requiredTiers []Tier) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range requiredTiers {
		found := false
		for _, m := range c.models {
			if m.hasTier(t) {
				found = true
				break
			}
		}
		if !found {
			return apperr.Newf(apperr.KindInternal, "no model configured for required tier %q", t)
		}
	}
	return nil
}

// List returns every model currently known to the catalog.
func (c *Catalog) List() []Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Model, len(c.models))
	copy(out, c.models)
	return out
}

// Discoverer refreshes the catalog from a live provider listing (e.g. an
// /v1/models endpoint). Implementations merge into the existing static list
// rather than replacing it outright.
type Discoverer interface {
	Discover(ctx context.Context) ([]Model, error)
}

// Refresh merges newly discovered models into the catalog, replacing entries
// with a matching ID and appending the rest.
func (c *Catalog) Refresh(ctx context.Context, d Discoverer) error {
	discovered, err := d.Discover(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstream, "discover models", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	byID := make(map[string]int, len(c.models))
	for i, m := range c.models {
		byID[m.ID] = i
	}
	for _, m := range discovered {
		if i, ok := byID[m.ID]; ok {
			c.models[i] = m
			continue
		}
		c.models = append(c.models, m)
	}
	return nil
}

// SelectOptions narrows a Select call.
type SelectOptions struct {
	Tier         Tier
	Domain       string
	Modality     Modality
	Count        int
	AllowUpgrade bool // fall back to the nearest higher tier if no match
}

// Select returns up to opts.Count distinct models matching domain and
// modality at opts.Tier, tie-broken by cost ascending then latency
// ascending, per the ensemble-selection rule. If AllowUpgrade is set and no
// model in Tier qualifies, the nearest higher tier is tried next.
func (c *Catalog) Select(opts SelectOptions) []Model {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tiersToTry := []Tier{opts.Tier}
	if opts.AllowUpgrade {
		for t, order := range tierOrder {
			if order > tierOrder[opts.Tier] {
				tiersToTry = append(tiersToTry, t)
			}
		}
		sort.Slice(tiersToTry[1:], func(i, j int) bool {
			return tierOrder[tiersToTry[1:][i]] < tierOrder[tiersToTry[1:][j]]
		})
	}

	for _, tier := range tiersToTry {
		var candidates []Model
		for _, m := range c.models {
			if m.hasTier(tier) && m.hasDomain(opts.Domain) && (opts.Modality == "" || m.hasModality(opts.Modality)) {
				candidates = append(candidates, m)
			}
		}
		if len(candidates) == 0 {
			continue
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].CostPerMTokUSD != candidates[j].CostPerMTokUSD {
				return candidates[i].CostPerMTokUSD < candidates[j].CostPerMTokUSD
			}
			return candidates[i].LatencyP50Millis < candidates[j].LatencyP50Millis
		})
		if opts.Count > 0 && len(candidates) > opts.Count {
			candidates = candidates[:opts.Count]
		}
		return candidates
	}
	return nil
}
