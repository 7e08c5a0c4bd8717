// Package policy implements C9: selecting an execution policy from query
// features, memory novelty, and a declared budget, generalized from the
// teacher's allow/block tool-filtering engine (features/policy/basic) to
// the QuickAnswer/StandardResearch/DeepResearch/Exhaustive/LocalOnly policy
// sum type this orchestrator selects between.
package policy

import (
	"context"
	"strings"
	"time"
)

// Policy is one of the five research strategies the orchestrator can run.
type Policy string

// Policies, ordered cheapest/fastest to most expensive/slowest except
// LocalOnly, which is orthogonal (a privacy constraint, not a depth tier).
const (
	QuickAnswer      Policy = "quick_answer"
	StandardResearch Policy = "standard_research"
	DeepResearch     Policy = "deep_research"
	Exhaustive       Policy = "exhaustive"
	LocalOnly        Policy = "local_only"
)

// tierOrder ranks the depth policies from cheapest to most expensive so
// downgrade-on-budget-violation can step down exactly one tier.
var tierOrder = []Policy{QuickAnswer, StandardResearch, DeepResearch, Exhaustive}

// Privacy is the caller's stated privacy preference.
type Privacy string

// Privacy preferences.
const (
	PrivacyLocalFirst     Privacy = "local-first"
	PrivacyHybrid         Privacy = "hybrid"
	PrivacyCloudPreferred Privacy = "cloud-preferred"
)

// Budget bounds the cost and time the selected policy may spend.
type Budget struct {
	Time    time.Duration
	MoneyUSD float64
	Privacy Privacy
}

// Features are the query-derived signals the selection matrix reads.
type Features struct {
	// Complexity in [0,1]: derived from length, logical connectives, and
	// required modalities.
	Complexity float64
	// MemorySimilarity in [0,1]: the maximum similarity against existing
	// Memory nodes. Novelty is 1-MemorySimilarity.
	MemorySimilarity float64
}

func (f Features) novelty() float64 {
	n := 1 - f.MemorySimilarity
	if n < 0 {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}

// Estimate is a policy's projected cost/latency, used for budget
// enforcement and the cost-then-latency tie-break.
type Estimate struct {
	CostUSD float64
	Latency time.Duration
}

// Decision is the selector's output.
type Decision struct {
	Policy       Policy
	EnsembleSize int
	SubQueryMin  int
	SubQueryMax  int
	Iterations   int
	Estimate     Estimate
	Downgraded   bool
	Labels       map[string]string
}

// Options configures the selection thresholds and per-policy cost/latency
// estimates. Zero-value fields fall back to DefaultOptions.
type Options struct {
	ComplexityFloor float64 // below this (with low novelty) selects QuickAnswer
	NoveltyFloor    float64
	NoveltyCeiling  float64 // above this selects DeepResearch
	Estimates       map[Policy]Estimate
	Label           string
}

// DefaultOptions matches spec.md's selection matrix defaults.
func DefaultOptions() Options {
	return Options{
		ComplexityFloor: 0.3,
		NoveltyFloor:    0.3,
		NoveltyCeiling:  0.7,
		Estimates: map[Policy]Estimate{
			QuickAnswer:      {CostUSD: 0.01, Latency: 5 * time.Second},
			StandardResearch: {CostUSD: 0.05, Latency: 20 * time.Second},
			DeepResearch:     {CostUSD: 0.20, Latency: 60 * time.Second},
			Exhaustive:       {CostUSD: 0.50, Latency: 180 * time.Second},
			LocalOnly:        {CostUSD: 0, Latency: 10 * time.Second},
		},
		Label: "basic",
	}
}

// Selector chooses a Policy for one query.
type Selector struct {
	opts Options
}

// New builds a Selector, filling unset Options with DefaultOptions.
func New(opts Options) *Selector {
	def := DefaultOptions()
	if opts.ComplexityFloor == 0 {
		opts.ComplexityFloor = def.ComplexityFloor
	}
	if opts.NoveltyFloor == 0 {
		opts.NoveltyFloor = def.NoveltyFloor
	}
	if opts.NoveltyCeiling == 0 {
		opts.NoveltyCeiling = def.NoveltyCeiling
	}
	if opts.Estimates == nil {
		opts.Estimates = def.Estimates
	}
	if strings.TrimSpace(opts.Label) == "" {
		opts.Label = def.Label
	}
	return &Selector{opts: opts}
}

// Select applies the selection matrix, then the budget downgrade rule.
func (s *Selector) Select(_ context.Context, features Features, budget Budget) Decision {
	if budget.Privacy == PrivacyLocalFirst {
		return s.decide(LocalOnly, false)
	}

	chosen := s.matrix(features, budget)
	estimate := s.opts.Estimates[chosen]
	downgraded := false
	if !withinBudget(estimate, budget) {
		if lower, ok := downgradeOnce(chosen); ok {
			chosen = lower
			downgraded = true
		}
	}
	return s.decide(chosen, downgraded)
}

// matrix implements spec.md §4.9's selection rules in priority order.
func (s *Selector) matrix(f Features, budget Budget) Policy {
	novelty := f.novelty()
	switch {
	case f.Complexity < s.opts.ComplexityFloor && novelty < s.opts.NoveltyFloor:
		return QuickAnswer
	case budget.Time > 0 && budget.Time < 60*time.Second:
		return StandardResearch
	case novelty > s.opts.NoveltyCeiling:
		return DeepResearch
	default:
		return s.interpolate(f.Complexity, novelty)
	}
}

// interpolate picks among StandardResearch, DeepResearch, and Exhaustive
// proportionally to how far complexity and novelty sit inside the band
// between the matrix's explicit thresholds, since spec.md leaves the
// "else adaptive interpolation" case unspecified beyond naming the inputs.
func (s *Selector) interpolate(complexity, novelty float64) Policy {
	score := (complexity + novelty) / 2
	switch {
	case score >= 0.85:
		return Exhaustive
	case score >= 0.5:
		return DeepResearch
	default:
		return StandardResearch
	}
}

func withinBudget(e Estimate, b Budget) bool {
	if b.MoneyUSD > 0 && e.CostUSD > b.MoneyUSD {
		return false
	}
	if b.Time > 0 && e.Latency > b.Time {
		return false
	}
	return true
}

// downgradeOnce steps one tier cheaper in tierOrder. QuickAnswer has no
// lower tier and is returned unchanged with ok=false.
func downgradeOnce(p Policy) (Policy, bool) {
	for i, tier := range tierOrder {
		if tier == p {
			if i == 0 {
				return p, false
			}
			return tierOrder[i-1], true
		}
	}
	return p, false
}

func (s *Selector) decide(p Policy, downgraded bool) Decision {
	d := Decision{
		Policy:     p,
		Estimate:   s.opts.Estimates[p],
		Downgraded: downgraded,
		Labels:     map[string]string{"policy_engine": s.opts.Label},
	}
	if downgraded {
		d.Labels["policy_downgrade_reason"] = "budget"
	}
	switch p {
	case QuickAnswer:
		d.EnsembleSize, d.SubQueryMin, d.SubQueryMax, d.Iterations = 1, 1, 1, 1
	case StandardResearch:
		d.EnsembleSize, d.SubQueryMin, d.SubQueryMax, d.Iterations = 2, 3, 5, 1
	case DeepResearch:
		d.EnsembleSize, d.SubQueryMin, d.SubQueryMax, d.Iterations = 3, 5, 10, 3
	case Exhaustive:
		d.EnsembleSize, d.SubQueryMin, d.SubQueryMax, d.Iterations = 3, 5, 10, 0 // 0 = adaptive, caller loops to convergence/budget
	case LocalOnly:
		d.EnsembleSize, d.SubQueryMin, d.SubQueryMax, d.Iterations = 1, 1, 3, 1
	}
	return d
}
