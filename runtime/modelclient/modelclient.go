// Package modelclient defines the provider-agnostic message and streaming
// types shared by every model provider adapter (Anthropic, OpenAI, Bedrock),
// and the Researcher/Synthesizer/Planner components that call them. Messages
// are modeled as typed parts (text, thinking, citations, tool use/result)
// rather than flattened strings, matching the teacher runtime's convention
// for provider-agnostic transcripts.
package modelclient

import (
	"context"
	"errors"
)

// ConversationRole is the role for a message in a conversation.
type ConversationRole string

const (
	ConversationRoleSystem    ConversationRole = "system"
	ConversationRoleUser      ConversationRole = "user"
	ConversationRoleAssistant ConversationRole = "assistant"
)

// Part is a marker interface implemented by all message parts.
type Part interface{ isPart() }

// TextPart is a plain text content block in a message.
type TextPart struct{ Text string }

// ImageFormat identifies the on-wire format of an image part.
type ImageFormat string

const (
	ImageFormatPNG  ImageFormat = "png"
	ImageFormatJPEG ImageFormat = "jpeg"
	ImageFormatWEBP ImageFormat = "webp"
)

// ImagePart carries image bytes attached to a user message, for
// vision-modality researcher sub-queries.
type ImagePart struct {
	Format ImageFormat
	Bytes  []byte
}

// DocumentFormat identifies the on-wire format of a document part.
type DocumentFormat string

const (
	DocumentFormatPDF DocumentFormat = "pdf"
	DocumentFormatTXT DocumentFormat = "txt"
	DocumentFormatMD  DocumentFormat = "md"
)

// DocumentPart carries a retrieved or user-supplied document attached to a
// message so a model can cite it.
type DocumentPart struct {
	Name    string
	Format  DocumentFormat
	Text    string
	Chunks  []string
	Context string
	Cite    bool
}

// Citation links generated content back to a specific source document,
// satisfying the synthesizer's citation-constrained completion contract.
type Citation struct {
	Title         string
	Source        string
	ChunkIndex    int
	SourceContent string
}

// CitationsPart is a generated content block paired with citation metadata.
type CitationsPart struct {
	Text      string
	Citations []Citation
}

// ThinkingPart represents provider-issued reasoning content.
type ThinkingPart struct {
	Text      string
	Signature string
	Final     bool
}

// ToolUsePart declares a tool invocation by the assistant.
type ToolUsePart struct {
	ID    string
	Name  string
	Input any
}

// ToolResultPart carries a tool result provided by the caller.
type ToolResultPart struct {
	ToolUseID string
	Content   any
	IsError   bool
}

func (TextPart) isPart()       {}
func (ImagePart) isPart()      {}
func (DocumentPart) isPart()   {}
func (CitationsPart) isPart()  {}
func (ThinkingPart) isPart()   {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}

// Message is a single chat message, parts preserved in order.
type Message struct {
	Role  ConversationRole
	Parts []Part
	Meta  map[string]any
}

// ToolDefinition describes a single structured-output tool exposed to the
// model for one call.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema any
}

// ToolChoiceMode controls how the model uses tools for a request.
type ToolChoiceMode string

const (
	ToolChoiceModeAuto ToolChoiceMode = "auto"
	ToolChoiceModeNone ToolChoiceMode = "none"
	ToolChoiceModeTool ToolChoiceMode = "tool"
)

// ToolChoice configures optional tool-use behavior for a Request.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

// TokenUsage tracks token counts for a model call.
type TokenUsage struct {
	InputTokens      int
	OutputTokens     int
	TotalTokens      int
	CacheReadTokens  int
	CacheWriteTokens int
}

// ModelClass identifies a model family tier the caller wants, independent of
// the concrete provider model id (mirrors catalog.Tier for callers that only
// know "cheap" vs. "capable" rather than a specific catalog entry).
type ModelClass string

const (
	ModelClassSmall         ModelClass = "small"
	ModelClassDefault       ModelClass = "default"
	ModelClassHighReasoning ModelClass = "high-reasoning"
)

// Request captures inputs for a model invocation.
type Request struct {
	RunID       string
	Model       string
	ModelClass  ModelClass
	Messages    []*Message
	Temperature float32
	Tools       []*ToolDefinition
	ToolChoice  *ToolChoice
	MaxTokens   int
	Stream      bool
}

// Response is the result of a non-streaming invocation.
type Response struct {
	Content    []Message
	ToolCalls  []ToolCall
	Usage      TokenUsage
	StopReason string
}

// ToolCall is a requested tool invocation from the model.
type ToolCall struct {
	Name    string
	Payload []byte
	ID      string
}

// Chunk is a streaming event from the model. Chunks arrive in order;
// StopReason appears at most once, only on the last non-error chunk; a chunk
// with Err set terminates the stream.
type Chunk struct {
	Type       string
	Message    *Message
	ToolCall   *ToolCall
	UsageDelta *TokenUsage
	StopReason string
	Err        error
}

const (
	ChunkTypeText     = "text"
	ChunkTypeThinking = "thinking"
	ChunkTypeToolCall = "tool_call"
	ChunkTypeUsage    = "usage"
	ChunkTypeStop     = "stop"
	ChunkTypeError    = "error"
)

// Client is the provider-agnostic model client every researcher/synthesizer/
// planner call goes through.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Stream(ctx context.Context, req *Request) (Streamer, error)
}

// Streamer delivers incremental model output. Callers drain Recv until it
// returns a Chunk with Type ChunkTypeStop or ChunkTypeError, then Close.
type Streamer interface {
	Recv() (Chunk, error)
	Close() error
}

// ErrStreamingUnsupported indicates the provider does not support streaming.
var ErrStreamingUnsupported = errors.New("modelclient: streaming not supported")

// ErrRateLimited indicates the provider rejected the request after
// exhausting configured retries; callers surface this as apperr.KindUpstream
// rather than retrying in a tight loop.
var ErrRateLimited = errors.New("modelclient: rate limited")
