// Adapted from features/model/bedrock/client.go: translates modelclient
// requests into AWS Bedrock Converse API calls, narrowed to the text/
// document parts the orchestrator needs.
package modelclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// BedrockOptions configures the Bedrock-backed Client.
type BedrockOptions struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float32
}

type bedrockClient struct {
	runtime *bedrockruntime.Client
	opts    BedrockOptions
}

// NewBedrock builds a Client on top of an AWS Bedrock runtime client
// constructed from the ambient AWS config (region via AWS_REGION).
func NewBedrock(runtime *bedrockruntime.Client, opts BedrockOptions) (Client, error) {
	if runtime == nil {
		return nil, errors.New("modelclient: bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("modelclient: bedrock default model is required")
	}
	return &bedrockClient{runtime: runtime, opts: opts}, nil
}

func (c *bedrockClient) resolveModel(req *Request) string {
	if req.Model != "" {
		return req.Model
	}
	return c.opts.DefaultModel
}

func encodeBedrockMessages(msgs []*Message) ([]brtypes.Message, []brtypes.SystemContentBlock) {
	var system []brtypes.SystemContentBlock
	var conv []brtypes.Message
	for _, m := range msgs {
		text := renderTextParts(m.Parts)
		if text == "" {
			continue
		}
		if m.Role == ConversationRoleSystem {
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: text})
			continue
		}
		role := brtypes.ConversationRoleUser
		if m.Role == ConversationRoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		conv = append(conv, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: text}},
		})
	}
	return conv, system
}

func (c *bedrockClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("modelclient: bedrock request requires messages")
	}
	conv, system := encodeBedrockMessages(req.Messages)
	in := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(c.resolveModel(req)),
		Messages: conv,
		System:   system,
	}
	infCfg := &brtypes.InferenceConfiguration{}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.opts.MaxTokens
	}
	if maxTokens > 0 {
		v := int32(maxTokens)
		infCfg.MaxTokens = &v
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.opts.Temperature
	}
	if temp > 0 {
		infCfg.Temperature = aws.Float32(temp)
	}
	in.InferenceConfig = infCfg

	out, err := c.runtime.Converse(ctx, in)
	if err != nil {
		if isBedrockThrottled(err) {
			return nil, fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return nil, fmt.Errorf("modelclient: bedrock converse: %w", err)
	}
	return translateBedrockResponse(out), nil
}

func translateBedrockResponse(out *bedrockruntime.ConverseOutput) *Response {
	resp := &Response{StopReason: string(out.StopReason)}
	if out.Usage != nil {
		resp.Usage = TokenUsage{
			InputTokens:  int(aws.ToInt32(out.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}
	msgMember, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return resp
	}
	var parts []Part
	for _, block := range msgMember.Value.Content {
		if tb, ok := block.(*brtypes.ContentBlockMemberText); ok {
			parts = append(parts, TextPart{Text: tb.Value})
		}
	}
	resp.Content = []Message{{Role: ConversationRoleAssistant, Parts: parts}}
	return resp
}

// Stream is not implemented for the Bedrock adapter in this orchestrator;
// researcher sub-query fan-out only uses Complete, and of the three adapters
// only Anthropic supports the synthesizer's Stream path.
func (c *bedrockClient) Stream(context.Context, *Request) (Streamer, error) {
	return nil, ErrStreamingUnsupported
}

func isBedrockThrottled(err error) bool {
	var thr *brtypes.ThrottlingException
	return errors.As(err, &thr)
}
