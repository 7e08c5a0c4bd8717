// Package synthesizer implements C12: merging ensemble outputs into a
// single cited report via a streaming completion, adapted from the
// teacher's streaming planner/model glue (runtime/agent/stream's
// Sink/Event delivery contract) onto this orchestrator's simpler
// EventSink seam and modelclient.Streamer chunk contract.
package synthesizer

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/goadesign/research-orchestrator/runtime/catalog"
	"github.com/goadesign/research-orchestrator/runtime/modelclient"
	"github.com/goadesign/research-orchestrator/runtime/planner"
	"github.com/goadesign/research-orchestrator/runtime/researcher"
)

// EventSink receives synthesis_token/synthesis_usage/synthesis_error
// telemetry, the same minimal seam runtime/planner and runtime/researcher
// use so none of the pipeline stages import runtime/sessionbus directly.
type EventSink interface {
	Emit(ctx context.Context, eventType string, payload any)
}

type noopSink struct{}

func (noopSink) Emit(context.Context, string, any) {}

// OutputMode selects the report's requested shape. MaxLength is a soft
// target, never a hard truncation.
type OutputMode string

// Output modes.
const (
	ModeReport       OutputMode = "report"
	ModeBriefing     OutputMode = "briefing"
	ModeBulletPoints OutputMode = "bullet_points"
)

// Citation is one source reference surfaced in the report.
type Citation struct {
	URL        string
	Title      string
	Confidence float64
}

// Input is what Synthesize needs to produce a report.
type Input struct {
	Query     string
	SubQueries []planner.SubQuery
	Ensembles []researcher.SubQueryResult
	Documents []string
	Mode      OutputMode
	MaxLength int
}

// Result is the synthesized report.
type Result struct {
	Content      string
	Citations    []Citation
	Usage        modelclient.TokenUsage
	FinishReason string
}

// Synthesizer streams a citation-constrained completion from a
// Catalog-selected synthesis model.
type Synthesizer struct {
	model   modelclient.Client
	catalog *catalog.Catalog
	events  EventSink
}

// New constructs a Synthesizer. events may be nil.
func New(model modelclient.Client, cat *catalog.Catalog, events EventSink) *Synthesizer {
	if events == nil {
		events = noopSink{}
	}
	return &Synthesizer{model: model, catalog: cat, events: events}
}

var urlPattern = regexp.MustCompile(`https?://[^\s)\]"]+`)

// Synthesize streams the report. It emits synthesis_token per content
// delta, a final synthesis_usage event with total tokens and finish
// reason, or a synthesis_error event (terminating the stream) on failure.
func (s *Synthesizer) Synthesize(ctx context.Context, in Input) (*Result, error) {
	sources := collectSources(in.Ensembles)
	req := s.buildRequest(in, sources)

	stream, err := s.model.Stream(ctx, req)
	if err != nil {
		if err == modelclient.ErrStreamingUnsupported {
			return s.synthesizeNonStreaming(ctx, req, sources)
		}
		s.events.Emit(ctx, "synthesis_error", map[string]any{"error": err.Error()})
		return nil, err
	}
	defer stream.Close()

	var content strings.Builder
	var usage modelclient.TokenUsage
	var finish string
	for {
		chunk, err := stream.Recv()
		if err != nil {
			s.events.Emit(ctx, "synthesis_error", map[string]any{"error": err.Error()})
			return nil, err
		}
		switch chunk.Type {
		case modelclient.ChunkTypeError:
			s.events.Emit(ctx, "synthesis_error", map[string]any{"error": chunk.Err.Error()})
			return nil, chunk.Err
		case modelclient.ChunkTypeText:
			text := extractDeltaText(chunk.Message)
			content.WriteString(text)
			s.events.Emit(ctx, "synthesis_token", map[string]any{"delta": text})
		case modelclient.ChunkTypeUsage:
			if chunk.UsageDelta != nil {
				usage = *chunk.UsageDelta
			}
		case modelclient.ChunkTypeStop:
			finish = chunk.StopReason
		}
		if chunk.Type == modelclient.ChunkTypeStop {
			break
		}
	}

	result := &Result{Content: content.String(), Citations: extractCitations(content.String(), sources), Usage: usage, FinishReason: finish}
	s.events.Emit(ctx, "synthesis_usage", map[string]any{"usage": usage, "finish_reason": finish})
	return result, nil
}

func (s *Synthesizer) synthesizeNonStreaming(ctx context.Context, req *modelclient.Request, sources map[string]string) (*Result, error) {
	resp, err := s.model.Complete(ctx, req)
	if err != nil {
		s.events.Emit(ctx, "synthesis_error", map[string]any{"error": err.Error()})
		return nil, err
	}
	content := extractText(resp.Content)
	s.events.Emit(ctx, "synthesis_token", map[string]any{"delta": content})
	s.events.Emit(ctx, "synthesis_usage", map[string]any{"usage": resp.Usage, "finish_reason": resp.StopReason})
	return &Result{Content: content, Citations: extractCitations(content, sources), Usage: resp.Usage, FinishReason: resp.StopReason}, nil
}

func (s *Synthesizer) buildRequest(in Input, sources map[string]string) *modelclient.Request {
	model := ""
	if s.catalog != nil {
		if ms := s.catalog.Select(catalog.SelectOptions{Tier: catalog.TierHigh, Domain: "reasoning", Count: 1, AllowUpgrade: true}); len(ms) > 0 {
			model = ms[0].ID
		}
	}
	return &modelclient.Request{
		Model: model,
		Messages: []*modelclient.Message{
			{Role: modelclient.ConversationRoleSystem, Parts: []modelclient.Part{modelclient.TextPart{Text: systemPrompt(in, sources)}}},
			{Role: modelclient.ConversationRoleUser, Parts: []modelclient.Part{modelclient.TextPart{Text: in.Query}}},
		},
		MaxTokens: 4096,
		Stream:    true,
	}
}

func systemPrompt(in Input, sources map[string]string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Synthesize a %s answering the query from the ensemble research below. ", in.Mode)
	sb.WriteString("Every factual claim must either cite one of the source URLs listed below or be marked [Unverified]. ")
	sb.WriteString("Note the consensus level for each sub-query.")
	if in.MaxLength > 0 {
		fmt.Fprintf(&sb, " Target length: %d characters (soft target).", in.MaxLength)
	}
	sb.WriteString("\n\nEnsemble results:\n")
	for _, ens := range in.Ensembles {
		fmt.Fprintf(&sb, "- sub-query %s (consensus=%.2f):\n", ens.SubQueryID, ens.ConsensusLevel)
		for _, r := range ens.Results {
			fmt.Fprintf(&sb, "  - [%s, confidence=%.2f] %s\n", r.Model, r.Confidence, truncate(r.Content, 1000))
		}
	}
	if len(sources) > 0 {
		sb.WriteString("\nAvailable source URLs:\n")
		for url := range sources {
			sb.WriteString("- ")
			sb.WriteString(url)
			sb.WriteString("\n")
		}
	}
	for _, doc := range in.Documents {
		sb.WriteString("\nAttached document excerpt:\n")
		sb.WriteString(truncate(doc, 2000))
	}
	return sb.String()
}

// collectSources gathers every URL mentioned anywhere in the ensemble
// outputs: these are the only URLs a citation may legitimately reference.
func collectSources(ensembles []researcher.SubQueryResult) map[string]string {
	sources := make(map[string]string)
	for _, ens := range ensembles {
		for _, r := range ens.Results {
			for _, url := range urlPattern.FindAllString(r.Content, -1) {
				sources[url] = r.Model
			}
		}
	}
	return sources
}

// extractCitations returns only the URLs in content that are present in
// sources, filtering out anything the model hallucinated instead of
// trusting every string that looks like a URL.
func extractCitations(content string, sources map[string]string) []Citation {
	seen := make(map[string]bool)
	var out []Citation
	for _, url := range urlPattern.FindAllString(content, -1) {
		if seen[url] {
			continue
		}
		seen[url] = true
		if model, ok := sources[url]; ok {
			out = append(out, Citation{URL: url, Title: model, Confidence: 1})
		}
	}
	return out
}

func extractDeltaText(msg *modelclient.Message) string {
	if msg == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range msg.Parts {
		if t, ok := part.(modelclient.TextPart); ok {
			sb.WriteString(t.Text)
		}
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

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
