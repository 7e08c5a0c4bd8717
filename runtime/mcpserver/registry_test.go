package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goadesign/research-orchestrator/runtime/apperr"
)

func echoTool() Tool {
	return Tool{
		Name:    "echo",
		Schema:  json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		Aliases: Aliases{"t": "text"},
		Handler: func(ctx context.Context, session string, args json.RawMessage) (any, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return map[string]string{"text": in.Text}, nil
		},
	}
}

func TestDispatch_UnknownToolIsNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Dispatch(context.Background(), "", "missing", nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestDispatch_ValidatesAgainstSchema(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool())

	_, err := r.Dispatch(context.Background(), "", "echo", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestDispatch_AppliesAliasesBeforeValidation(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool())

	out, err := r.Dispatch(context.Background(), "", "echo", json.RawMessage(`{"t":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"text": "hi"}, out)
}

func TestRegister_PanicsOnInvalidSchema(t *testing.T) {
	r := NewRegistry()
	assert.Panics(t, func() {
		r.Register(Tool{Name: "bad", Schema: json.RawMessage(`{"type":`)})
	})
}

func TestList_ReturnsRegisteredTools(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool())
	tools := r.List()
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)
}
