// Adapted from features/model/openai/client.go, retargeted from
// sashabaranov/go-openai to the official github.com/openai/openai-go SDK
// already in the teacher's dependency graph, and narrowed to the text/
// document parts the orchestrator needs rather than a full tool-calling
// loop.
package modelclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIOptions configures the OpenAI-backed Client.
type OpenAIOptions struct {
	DefaultModel string
	Temperature  float64
}

type openaiClient struct {
	chat openai.ChatCompletionService
	opts OpenAIOptions
}

// NewOpenAI builds a Client from an OpenAI API key.
func NewOpenAI(apiKey string, opts OpenAIOptions) (Client, error) {
	if apiKey == "" {
		return nil, errors.New("modelclient: openai api key is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("modelclient: openai default model is required")
	}
	oc := openai.NewClient(option.WithAPIKey(apiKey))
	return &openaiClient{chat: oc.Chat.Completions, opts: opts}, nil
}

func (c *openaiClient) resolveModel(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.opts.DefaultModel
}

func encodeOpenAIMessages(msgs []*Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		text := renderTextParts(m.Parts)
		if text == "" {
			continue
		}
		switch m.Role {
		case ConversationRoleSystem:
			out = append(out, openai.SystemMessage(text))
		case ConversationRoleAssistant:
			out = append(out, openai.AssistantMessage(text))
		default:
			out = append(out, openai.UserMessage(text))
		}
	}
	return out
}

func renderTextParts(parts []Part) string {
	var out string
	for _, p := range parts {
		switch v := p.(type) {
		case TextPart:
			out += v.Text
		case DocumentPart:
			if v.Text != "" {
				out += fmt.Sprintf("\n[document:%s]\n%s", v.Name, v.Text)
			}
		}
	}
	return out
}

func (c *openaiClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("modelclient: openai request requires messages")
	}
	params := openai.ChatCompletionNewParams{
		Model:    c.resolveModel(req),
		Messages: encodeOpenAIMessages(req.Messages),
	}
	temp := float64(req.Temperature)
	if temp == 0 {
		temp = c.opts.Temperature
	}
	if temp > 0 {
		params.Temperature = openai.Float(temp)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		if isOpenAIRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return nil, fmt.Errorf("modelclient: openai chat completion: %w", err)
	}
	return translateOpenAIResponse(resp), nil
}

func translateOpenAIResponse(resp *openai.ChatCompletion) *Response {
	var content []Message
	stop := ""
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if choice.Message.Content != "" {
			content = append(content, Message{
				Role:  ConversationRoleAssistant,
				Parts: []Part{TextPart{Text: choice.Message.Content}},
			})
		}
		stop = string(choice.FinishReason)
	}
	return &Response{
		Content: content,
		Usage: TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
		StopReason: stop,
	}
}

// Stream is not implemented for the OpenAI Chat Completions adapter; callers
// fall back to Complete, matching the teacher adapter's documented
// limitation.
func (c *openaiClient) Stream(context.Context, *Request) (Streamer, error) {
	return nil, ErrStreamingUnsupported
}

func isOpenAIRateLimited(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}
