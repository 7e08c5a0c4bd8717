package modelclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLimitedClient struct {
	completeErr   error
	completeCalls int
}

func (f *fakeLimitedClient) Complete(_ context.Context, _ *Request) (*Response, error) {
	f.completeCalls++
	return &Response{}, f.completeErr
}

func (f *fakeLimitedClient) Stream(_ context.Context, _ *Request) (Streamer, error) {
	return nil, ErrStreamingUnsupported
}

func testRequest() *Request {
	return &Request{
		Messages: []*Message{{
			Role:  ConversationRoleUser,
			Parts: []Part{TextPart{Text: "hello"}},
		}},
		MaxTokens: 10,
	}
}

func TestAdaptiveRateLimiter_BackoffOnRateLimited(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(60000, 60000)
	initialTPM := limiter.currentTPM

	client := &fakeLimitedClient{completeErr: ErrRateLimited}
	wrapped := limiter.Middleware()(client)

	_, err := wrapped.Complete(context.Background(), testRequest())
	require.ErrorIs(t, err, ErrRateLimited)

	limiter.mu.Lock()
	after := limiter.currentTPM
	limiter.mu.Unlock()
	assert.Less(t, after, initialTPM)
}

func TestAdaptiveRateLimiter_ProbesUpOnSuccess(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(1000, 2000)
	client := &fakeLimitedClient{}
	wrapped := limiter.Middleware()(client)

	_, err := wrapped.Complete(context.Background(), testRequest())
	require.NoError(t, err)

	limiter.mu.Lock()
	after := limiter.currentTPM
	limiter.mu.Unlock()
	assert.Greater(t, after, 1000.0)
}

func TestAdaptiveRateLimiter_MiddlewareNilPassthrough(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(1000, 1000)
	assert.Nil(t, limiter.Middleware()(nil))
}
