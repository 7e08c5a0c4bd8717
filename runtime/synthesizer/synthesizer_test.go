package synthesizer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goadesign/research-orchestrator/runtime/modelclient"
	"github.com/goadesign/research-orchestrator/runtime/researcher"
)

type recordingSink struct {
	events []string
}

func (r *recordingSink) Emit(_ context.Context, eventType string, _ any) {
	r.events = append(r.events, eventType)
}

type streamingStubModel struct {
	chunks []modelclient.Chunk
	pos    int
}

func (s *streamingStubModel) Complete(context.Context, *modelclient.Request) (*modelclient.Response, error) {
	return nil, assertErr("Complete should not be called when Stream succeeds")
}

func (s *streamingStubModel) Stream(context.Context, *modelclient.Request) (modelclient.Streamer, error) {
	return &stubStreamer{chunks: s.chunks}, nil
}

type stubStreamer struct {
	chunks []modelclient.Chunk
	pos    int
}

func (s *stubStreamer) Recv() (modelclient.Chunk, error) {
	if s.pos >= len(s.chunks) {
		return modelclient.Chunk{}, assertErr("no more chunks")
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *stubStreamer) Close() error { return nil }

type nonStreamingStubModel struct {
	content string
}

func (s *nonStreamingStubModel) Complete(context.Context, *modelclient.Request) (*modelclient.Response, error) {
	return &modelclient.Response{
		Content:    []modelclient.Message{{Role: modelclient.ConversationRoleAssistant, Parts: []modelclient.Part{modelclient.TextPart{Text: s.content}}}},
		Usage:      modelclient.TokenUsage{InputTokens: 10, OutputTokens: 20},
		StopReason: "stop",
	}, nil
}

func (s *nonStreamingStubModel) Stream(context.Context, *modelclient.Request) (modelclient.Streamer, error) {
	return nil, modelclient.ErrStreamingUnsupported
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func textMsg(text string) *modelclient.Message {
	return &modelclient.Message{Role: modelclient.ConversationRoleAssistant, Parts: []modelclient.Part{modelclient.TextPart{Text: text}}}
}

func TestSynthesize_StreamsTokensAndEmitsUsage(t *testing.T) {
	model := &streamingStubModel{chunks: []modelclient.Chunk{
		{Type: modelclient.ChunkTypeText, Message: textMsg("The sky is ")},
		{Type: modelclient.ChunkTypeText, Message: textMsg("blue.")},
		{Type: modelclient.ChunkTypeUsage, UsageDelta: &modelclient.TokenUsage{TotalTokens: 42}},
		{Type: modelclient.ChunkTypeStop, StopReason: "stop"},
	}}
	sink := &recordingSink{}
	s := New(model, nil, sink)

	result, err := s.Synthesize(context.Background(), Input{Query: "what color is the sky", Mode: ModeReport})
	require.NoError(t, err)
	assert.Equal(t, "The sky is blue.", result.Content)
	assert.Equal(t, 42, result.Usage.TotalTokens)
	assert.Equal(t, "stop", result.FinishReason)
	assert.Contains(t, sink.events, "synthesis_token")
	assert.Contains(t, sink.events, "synthesis_usage")
}

func TestSynthesize_StopsOnErrorChunk(t *testing.T) {
	model := &streamingStubModel{chunks: []modelclient.Chunk{
		{Type: modelclient.ChunkTypeText, Message: textMsg("partial")},
		{Type: modelclient.ChunkTypeError, Err: assertErr("upstream exploded")},
	}}
	sink := &recordingSink{}
	s := New(model, nil, sink)

	_, err := s.Synthesize(context.Background(), Input{Query: "q"})
	require.Error(t, err)
	assert.Contains(t, sink.events, "synthesis_error")
}

func TestSynthesize_FallsBackToCompleteWhenStreamingUnsupported(t *testing.T) {
	model := &nonStreamingStubModel{content: "a plain answer"}
	sink := &recordingSink{}
	s := New(model, nil, sink)

	result, err := s.Synthesize(context.Background(), Input{Query: "q"})
	require.NoError(t, err)
	assert.Equal(t, "a plain answer", result.Content)
	assert.Equal(t, 30, result.Usage.InputTokens+result.Usage.OutputTokens)
}

func TestCollectSources_GathersURLsFromEnsembleContent(t *testing.T) {
	ensembles := []researcher.SubQueryResult{
		{SubQueryID: "sq-1", Results: []researcher.Result{
			{Model: "m1", Content: "see https://example.com/a for details"},
			{Model: "m2", Content: "no links here"},
		}},
	}
	sources := collectSources(ensembles)
	assert.Contains(t, sources, "https://example.com/a")
	assert.Len(t, sources, 1)
}

func TestExtractCitations_FiltersOutURLsNotInSources(t *testing.T) {
	sources := map[string]string{"https://real.example/x": "m1"}
	content := "As seen in https://real.example/x and also https://made-up.example/y"
	citations := extractCitations(content, sources)
	require.Len(t, citations, 1)
	assert.Equal(t, "https://real.example/x", citations[0].URL)
}
