package mcpserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goadesign/research-orchestrator/runtime/jobqueue"
	"github.com/goadesign/research-orchestrator/runtime/store"
)

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st := store.NewMem()
	jobs, err := jobqueue.New(st, jobqueue.Options{
		LeaseDuration:  time.Minute,
		HeartbeatEvery: 5 * time.Second,
		MaxAttempts:    3,
	})
	require.NoError(t, err)

	reg := NewRegistry()
	RegisterBuiltinTools(reg, Deps{Store: st, Jobs: jobs})
	return NewServer(reg, NewAuthenticator(""), "2025-06-18"), st
}

func TestHandle_InitializeRejectsMismatchedProtocolVersion(t *testing.T) {
	s, _ := newTestServer(t)
	req := Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "initialize", Params: json.RawMessage(`{"protocolVersion":"1999-01-01"}`)}
	resp := s.Handle(context.Background(), "", req)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
}

func TestHandle_ToolsListIncludesPing(t *testing.T) {
	s, _ := newTestServer(t)
	resp := s.Handle(context.Background(), "", Request{JSONRPC: "2.0", Method: "tools/list"})
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	tools, ok := result["tools"].([]map[string]any)
	require.True(t, ok)

	var names []string
	for _, tool := range tools {
		names = append(names, tool["name"].(string))
	}
	assert.Contains(t, names, "ping")
}

func TestHandle_ToolsCallUnknownToolIsInvalidParams(t *testing.T) {
	s, _ := newTestServer(t)
	req := Request{JSONRPC: "2.0", ID: json.RawMessage(`2`), Method: "tools/call", Params: json.RawMessage(`{"name":"nope","arguments":{}}`)}
	resp := s.Handle(context.Background(), "", req)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestHandle_ToolsCallPingSucceeds(t *testing.T) {
	s, _ := newTestServer(t)
	req := Request{JSONRPC: "2.0", ID: json.RawMessage(`3`), Method: "tools/call", Params: json.RawMessage(`{"name":"ping","arguments":{}}`)}
	resp := s.Handle(context.Background(), "", req)
	require.Nil(t, resp.Error)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	content, ok := result["content"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, content, 1)
	assert.Equal(t, "text", content[0]["type"])
}

func TestHandle_ToolsCallEnforcesRequiredScope(t *testing.T) {
	st := store.NewMem()
	reg := NewRegistry()
	reg.Register(Tool{
		Name:         "scoped",
		Schema:       schemaObject(nil, nil),
		RequireScope: "admin:write",
		Handler:      func(context.Context, string, json.RawMessage) (any, error) { return "ok", nil },
	})
	s := NewServer(reg, NewAuthenticator("topsecret"), "2025-06-18")
	_ = st

	req := Request{JSONRPC: "2.0", ID: json.RawMessage(`4`), Method: "tools/call", Params: json.RawMessage(`{"name":"scoped","arguments":{}}`)}
	resp := s.Handle(context.Background(), "", req)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInsufficientScope, resp.Error.Code)
}

func TestHandle_ResourcesReadUnknownURIIsNotFound(t *testing.T) {
	s, st := newTestServer(t)
	s.Resources.Bind(st)
	req := Request{JSONRPC: "2.0", ID: json.RawMessage(`5`), Method: "resources/read", Params: json.RawMessage(`{"uri":"mcp://unknown/x"}`)}
	resp := s.Handle(context.Background(), "", req)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestHandle_PromptsGetPlanResearchDispatchesToAgentTool(t *testing.T) {
	s, _ := newTestServer(t)
	req := Request{
		JSONRPC: "2.0", ID: json.RawMessage(`6`), Method: "prompts/get",
		Params: json.RawMessage(`{"name":"plan_research","arguments":{"query":"test","async":true}}`),
	}
	resp := s.Handle(context.Background(), "", req)
	require.Nil(t, resp.Error)
}
