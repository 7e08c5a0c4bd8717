// Package planner implements C10: decomposing a query into a DAG of
// sub-queries via a single planning-model call, narrowed from the
// teacher's tool-calling-loop Planner contract (runtime/agent/planner) to
// spec.md §4.10's single plan(query, context) -> []SubQuery operation.
package planner

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/goadesign/research-orchestrator/runtime/apperr"
	"github.com/goadesign/research-orchestrator/runtime/catalog"
	"github.com/goadesign/research-orchestrator/runtime/modelclient"
)

// SubQuery is one decomposed unit of a plan.
type SubQuery struct {
	ID         string   `json:"id"`
	Text       string   `json:"text"`
	Domain     string   `json:"domain"`
	Complexity float64  `json:"complexity"`
	Modalities []string `json:"modalities"`
	DependsOn  []string `json:"depends_on,omitempty"`
}

// PlanInput is what the caller supplies to Plan.
type PlanInput struct {
	Query   string
	Context string // prior Memory/session context folded into the prompt
}

// PlanResult is the decomposition plus the usage the planning call consumed.
type PlanResult struct {
	SubQueries []SubQuery
	Usage      modelclient.TokenUsage
	Replanned  bool
}

// EventSink receives planner telemetry events. The Orchestrator wires this
// to SessionBus; nil is a valid no-op sink for standalone use.
type EventSink interface {
	Emit(ctx context.Context, eventType string, payload any)
}

type noopSink struct{}

func (noopSink) Emit(context.Context, string, any) {}

// Planner decomposes a query using a planning model selected from Catalog.
type Planner struct {
	model   modelclient.Client
	catalog *catalog.Catalog
	events  EventSink
}

// New constructs a Planner. events may be nil.
func New(model modelclient.Client, cat *catalog.Catalog, events EventSink) *Planner {
	if events == nil {
		events = noopSink{}
	}
	return &Planner{model: model, catalog: cat, events: events}
}

// Plan decomposes input.Query into a DAG of SubQueries. If the decomposition
// fails coverage validation, it re-plans exactly once with a stricter
// prompt; if that also fails, it falls back to a single sub-query equal to
// the original query, per spec.md §4.10.
func (p *Planner) Plan(ctx context.Context, in PlanInput) (*PlanResult, error) {
	plan, usage, err := p.attempt(ctx, in, false)
	if err == nil {
		if verr := validate(in.Query, plan); verr == nil {
			p.events.Emit(ctx, "planning_usage", usage)
			return &PlanResult{SubQueries: plan, Usage: usage}, nil
		}
	}

	plan2, usage2, err2 := p.attempt(ctx, in, true)
	if err2 == nil {
		if verr := validate(in.Query, plan2); verr == nil {
			p.events.Emit(ctx, "planning_usage", sumUsage(usage, usage2))
			return &PlanResult{SubQueries: plan2, Usage: sumUsage(usage, usage2), Replanned: true}, nil
		}
	}

	fallback := []SubQuery{{ID: "sq-1", Text: in.Query, Domain: "general", Complexity: 0.5}}
	p.events.Emit(ctx, "planning_usage", sumUsage(usage, usage2))
	return &PlanResult{SubQueries: fallback, Usage: sumUsage(usage, usage2), Replanned: true}, nil
}

func (p *Planner) attempt(ctx context.Context, in PlanInput, strict bool) ([]SubQuery, modelclient.TokenUsage, error) {
	model := p.selectPlanningModel()
	resp, err := p.model.Complete(ctx, &modelclient.Request{
		Model: model,
		Messages: []*modelclient.Message{
			{Role: modelclient.ConversationRoleSystem, Parts: []modelclient.Part{modelclient.TextPart{Text: systemPrompt(strict)}}},
			{Role: modelclient.ConversationRoleUser, Parts: []modelclient.Part{modelclient.TextPart{Text: userPrompt(in)}}},
		},
		MaxTokens: 2048,
	})
	if err != nil {
		return nil, modelclient.TokenUsage{}, err
	}

	raw := extractText(resp.Content)
	var plan []SubQuery
	if err := json.Unmarshal([]byte(extractJSON(raw)), &plan); err != nil {
		return nil, resp.Usage, apperr.Wrap(apperr.KindUpstream, "planning model returned invalid JSON", err)
	}
	return plan, resp.Usage, nil
}

func (p *Planner) selectPlanningModel() string {
	if p.catalog == nil {
		return ""
	}
	models := p.catalog.Select(catalog.SelectOptions{Tier: catalog.TierHigh, Domain: "reasoning", Count: 1, AllowUpgrade: true})
	if len(models) == 0 {
		return ""
	}
	return models[0].ID
}

func systemPrompt(strict bool) string {
	base := "Decompose the user's research query into a JSON array of sub-queries. " +
		"Each element has id, text, domain, complexity (0-1), modalities (array), and optional depends_on (array of ids). " +
		"Sub-query ids must be unique. depends_on edges must form a DAG. " +
		"The union of sub-query texts must fully cover the original query's intent. " +
		"Respond with JSON only, no prose."
	if strict {
		base += " Your previous attempt did not cover the full query or contained a cycle; be exhaustive and acyclic this time."
	}
	return base
}

func userPrompt(in PlanInput) string {
	var sb strings.Builder
	sb.WriteString("Query: ")
	sb.WriteString(in.Query)
	if in.Context != "" {
		sb.WriteString("\n\nRelevant context:\n")
		sb.WriteString(in.Context)
	}
	return sb.String()
}

func extractText(messages []modelclient.Message) string {
	var sb strings.Builder
	for _, msg := range messages {
		for _, part := range msg.Parts {
			if t, ok := part.(modelclient.TextPart); ok {
				sb.WriteString(t.Text)
			}
		}
	}
	return sb.String()
}

// extractJSON trims any prose wrapping a model's JSON array response by
// slicing from the first '[' to the last ']'.
func extractJSON(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}

// validate checks sub-query id uniqueness, that dependsOn forms a DAG, and a
// lightweight coverage heuristic (at least 60% of the significant query
// tokens appear in the sub-query texts; see coversQuery).
func validate(query string, plan []SubQuery) error {
	if len(plan) == 0 {
		return apperr.New(apperr.KindValidation, "empty plan")
	}
	ids := make(map[string]bool, len(plan))
	for _, sq := range plan {
		if sq.ID == "" {
			return apperr.New(apperr.KindValidation, "sub-query missing id")
		}
		if ids[sq.ID] {
			return apperr.Newf(apperr.KindValidation, "duplicate sub-query id %q", sq.ID)
		}
		ids[sq.ID] = true
	}
	for _, sq := range plan {
		for _, dep := range sq.DependsOn {
			if !ids[dep] {
				return apperr.Newf(apperr.KindValidation, "sub-query %q depends on unknown id %q", sq.ID, dep)
			}
		}
	}
	if hasCycle(plan) {
		return apperr.New(apperr.KindValidation, "dependency graph contains a cycle")
	}
	if !coversQuery(query, plan) {
		return apperr.New(apperr.KindValidation, "sub-queries do not cover the original query")
	}
	return nil
}

func hasCycle(plan []SubQuery) bool {
	deps := make(map[string][]string, len(plan))
	for _, sq := range plan {
		deps[sq.ID] = sq.DependsOn
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(plan))
	var visit func(id string) bool
	visit = func(id string) bool {
		switch color[id] {
		case gray:
			return true
		case black:
			return false
		}
		color[id] = gray
		for _, dep := range deps[id] {
			if visit(dep) {
				return true
			}
		}
		color[id] = black
		return false
	}
	for _, sq := range plan {
		if visit(sq.ID) {
			return true
		}
	}
	return false
}

// coversQuery is a lightweight heuristic: at least 60% of the query's
// significant (len > 3) tokens must appear in the concatenated sub-query
// text, case-insensitively.
func coversQuery(query string, plan []SubQuery) bool {
	var all strings.Builder
	for _, sq := range plan {
		all.WriteString(strings.ToLower(sq.Text))
		all.WriteString(" ")
	}
	haystack := all.String()

	tokens := strings.Fields(strings.ToLower(query))
	var significant, covered int
	for _, tok := range tokens {
		tok = strings.Trim(tok, ".,!?;:\"'()")
		if len(tok) <= 3 {
			continue
		}
		significant++
		if strings.Contains(haystack, tok) {
			covered++
		}
	}
	if significant == 0 {
		return true
	}
	return float64(covered)/float64(significant) >= 0.6
}

func sumUsage(a, b modelclient.TokenUsage) modelclient.TokenUsage {
	return modelclient.TokenUsage{
		InputTokens:  a.InputTokens + b.InputTokens,
		OutputTokens: a.OutputTokens + b.OutputTokens,
		TotalTokens:  a.TotalTokens + b.TotalTokens,
	}
}
