// Adapted from features/model/anthropic/client.go: translates modelclient
// requests into Anthropic Messages API calls and Anthropic responses back
// into the generic modelclient types, narrowed to the parts the orchestrator
// actually needs (text, documents, images) rather than the full
// tool-calling loop the teacher's agent runtime supports.
package modelclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicOptions configures the Anthropic-backed Client.
type AnthropicOptions struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
}

// anthropicClient implements Client on top of Anthropic Claude Messages.
type anthropicClient struct {
	msg    *sdk.MessageService
	opts   AnthropicOptions
}

// NewAnthropic builds a Client from an Anthropic API key.
func NewAnthropic(apiKey string, opts AnthropicOptions) (Client, error) {
	if apiKey == "" {
		return nil, errors.New("modelclient: anthropic api key is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("modelclient: anthropic default model is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return &anthropicClient{msg: &ac.Messages, opts: opts}, nil
}

func (c *anthropicClient) resolveModel(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.opts.DefaultModel
}

func (c *anthropicClient) prepareRequest(req *Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("modelclient: anthropic request requires messages")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.opts.MaxTokens
	}
	if maxTokens <= 0 {
		return nil, errors.New("modelclient: anthropic max_tokens must be positive")
	}

	var system []sdk.TextBlockParam
	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == ConversationRoleSystem {
			for _, p := range m.Parts {
				if tp, ok := p.(TextPart); ok && tp.Text != "" {
					system = append(system, sdk.TextBlockParam{Text: tp.Text})
				}
			}
			continue
		}
		blocks := encodeAnthropicParts(m.Parts)
		if len(blocks) == 0 {
			continue
		}
		if m.Role == ConversationRoleAssistant {
			msgs = append(msgs, sdk.NewAssistantMessage(blocks...))
		} else {
			msgs = append(msgs, sdk.NewUserMessage(blocks...))
		}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.resolveModel(req)),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = system
	}
	temp := req.Temperature
	if temp == 0 {
		temp = float32(c.opts.Temperature)
	}
	if temp > 0 {
		params.Temperature = sdk.Float(float64(temp))
	}
	return &params, nil
}

func encodeAnthropicParts(parts []Part) []sdk.ContentBlockParamUnion {
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(parts))
	for _, part := range parts {
		switch v := part.(type) {
		case TextPart:
			if v.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(v.Text))
			}
		case DocumentPart:
			text := v.Text
			if text == "" && len(v.Chunks) > 0 {
				for _, ch := range v.Chunks {
					text += ch + "\n"
				}
			}
			if text != "" {
				blocks = append(blocks, sdk.NewTextBlock(fmt.Sprintf("[document:%s]\n%s", v.Name, text)))
			}
		case ImagePart:
			blocks = append(blocks, sdk.NewImageBlockBase64(string(v.Format), base64.StdEncoding.EncodeToString(v.Bytes)))
		}
	}
	return blocks
}

// Complete issues a non-streaming Messages.New call.
func (c *anthropicClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		if isAnthropicRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return nil, fmt.Errorf("modelclient: anthropic messages.new: %w", err)
	}
	return translateAnthropicResponse(msg), nil
}

func translateAnthropicResponse(msg *sdk.Message) *Response {
	out := &Response{
		Usage: TokenUsage{
			InputTokens:     int(msg.Usage.InputTokens),
			OutputTokens:    int(msg.Usage.OutputTokens),
			TotalTokens:     int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
			CacheReadTokens: int(msg.Usage.CacheReadInputTokens),
		},
		StopReason: string(msg.StopReason),
	}
	var parts []Part
	for _, block := range msg.Content {
		if text := block.Text; text != "" {
			parts = append(parts, TextPart{Text: text})
		}
	}
	out.Content = []Message{{Role: ConversationRoleAssistant, Parts: parts}}
	return out
}

// Stream invokes Messages.NewStreaming and adapts events into Chunks.
func (c *anthropicClient) Stream(ctx context.Context, req *Request) (Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		if isAnthropicRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return nil, fmt.Errorf("modelclient: anthropic messages.new stream: %w", err)
	}
	return &anthropicStreamer{stream: stream}, nil
}

type anthropicStreamer struct {
	stream *sdk.MessageStreamEventUnionStream
}

func (s *anthropicStreamer) Recv() (Chunk, error) {
	if !s.stream.Next() {
		if err := s.stream.Err(); err != nil {
			return Chunk{Type: ChunkTypeError, Err: err}, err
		}
		return Chunk{Type: ChunkTypeStop}, nil
	}
	event := s.stream.Current()
	switch event.Type {
	case "content_block_delta":
		if text := event.Delta.Text; text != "" {
			return Chunk{Type: ChunkTypeText, Message: &Message{Role: ConversationRoleAssistant, Parts: []Part{TextPart{Text: text}}}}, nil
		}
	case "message_delta":
		if sr := string(event.Delta.StopReason); sr != "" {
			return Chunk{Type: ChunkTypeStop, StopReason: sr}, nil
		}
	}
	return Chunk{Type: ChunkTypeText}, nil
}

func (s *anthropicStreamer) Close() error { return s.stream.Close() }

func isAnthropicRateLimited(err error) bool {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}

