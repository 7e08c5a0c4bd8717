package mcpserver

import (
	"context"
	"encoding/json"
)

// initializeResult is returned from the MCP "initialize" handshake,
// advertising this server's three capability surfaces per spec.md §4.15.
type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      map[string]any `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

// Server holds the tool registry, prompt/resource catalogs, auth policy, and
// negotiated protocol version shared by every transport (stdio.go, http.go,
// ws.go each wrap this with their own framing).
type Server struct {
	Registry        *Registry
	Auth            *Authenticator
	ProtocolVersion string
	Prompts         *PromptCatalog
	Resources       *ResourceCatalog
}

// NewServer constructs a Server. protocolVersion defaults to
// config.Config.MCPProtocolVersion's value; pass it explicitly.
func NewServer(reg *Registry, auth *Authenticator, protocolVersion string) *Server {
	return &Server{
		Registry:        reg,
		Auth:            auth,
		ProtocolVersion: protocolVersion,
		Prompts:         NewPromptCatalog(),
		Resources:       NewResourceCatalog(),
	}
}

// Handle dispatches one already-authenticated JSON-RPC request and returns
// its response. Notifications (no ID) still run but their response is
// discarded by the transport per JSON-RPC semantics; Handle always returns
// one here since transports decide what to do with it.
func (s *Server) Handle(ctx context.Context, session string, req Request) *Response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "ping":
		return resultResponse(req.ID, map[string]any{})
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, session, req)
	case "prompts/list":
		return resultResponse(req.ID, map[string]any{"prompts": s.Prompts.List()})
	case "prompts/get":
		return s.handlePromptsGet(ctx, session, req)
	case "resources/list":
		return resultResponse(req.ID, map[string]any{"resources": s.Resources.List()})
	case "resources/read":
		return s.handleResourcesRead(ctx, req)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, "unknown method "+req.Method)
	}
}

func (s *Server) handleInitialize(req Request) *Response {
	var in struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	_ = json.Unmarshal(req.Params, &in)
	if in.ProtocolVersion != "" && in.ProtocolVersion != s.ProtocolVersion {
		return errorResponse(req.ID, CodeInvalidRequest, "unsupported protocol version "+in.ProtocolVersion)
	}
	return resultResponse(req.ID, initializeResult{
		ProtocolVersion: s.ProtocolVersion,
		ServerInfo:      map[string]any{"name": "research-orchestrator", "version": "1.0.0"},
		Capabilities:    map[string]any{"tools": map[string]any{}, "prompts": map[string]any{}, "resources": map[string]any{"subscribe": true}},
	})
}

func (s *Server) handleToolsList(req Request) *Response {
	tools := s.Registry.List()
	out := make([]map[string]any, len(tools))
	for i, t := range tools {
		out[i] = map[string]any{"name": t.Name, "description": t.Description, "inputSchema": json.RawMessage(t.Schema)}
	}
	return resultResponse(req.ID, map[string]any{"tools": out})
}

func (s *Server) handleToolsCall(ctx context.Context, session string, req Request) *Response {
	var in struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &in); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, "decode tools/call params: "+err.Error())
	}

	if t, ok := s.Registry.Lookup(in.Name); ok && t.RequireScope != "" && s.Auth != nil {
		claims, _ := authFromContext(ctx)
		if claims == nil {
			return errorResponse(req.ID, CodeInsufficientScope, "missing token for scoped tool "+in.Name)
		}
		if !containsScope(claims.Scopes, t.RequireScope) {
			return errorResponse(req.ID, CodeInsufficientScope, "token missing required scope "+t.RequireScope)
		}
	}

	result, err := s.Registry.Dispatch(ctx, session, in.Name, in.Arguments)
	if err != nil {
		return errorResponse(req.ID, codeForError(err), err.Error())
	}
	return resultResponse(req.ID, toolCallResult(result))
}

// toolCallResult wraps a handler's raw result in the MCP content-array
// envelope ("content": [{"type": "text", "text": "<json>"}]) every transport
// expects a tools/call result to carry, mirroring the
// toolsCallResult/contentItem shape runtime/mcp's client side decodes.
func toolCallResult(v any) map[string]any {
	text, err := json.Marshal(v)
	if err != nil {
		text = []byte(`{}`)
	}
	return map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": string(text), "mimeType": "application/json"},
		},
		"isError": false,
	}
}

func (s *Server) handlePromptsGet(ctx context.Context, session string, req Request) *Response {
	var in struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &in); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, "decode prompts/get params: "+err.Error())
	}
	result, err := s.Prompts.Run(ctx, s.Registry, session, in.Name, in.Arguments)
	if err != nil {
		return errorResponse(req.ID, codeForError(err), err.Error())
	}
	return resultResponse(req.ID, result)
}

func (s *Server) handleResourcesRead(ctx context.Context, req Request) *Response {
	var in struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &in); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, "decode resources/read params: "+err.Error())
	}
	result, err := s.Resources.Read(ctx, in.URI)
	if err != nil {
		return errorResponse(req.ID, codeForError(err), err.Error())
	}
	return resultResponse(req.ID, result)
}

func containsScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

type authContextKey struct{}

// withAuthClaims attaches verified claims to ctx so a later tools/call
// dispatch (and any handler needing caller identity) can read them back.
func withAuthClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, authContextKey{}, claims)
}

func authFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(authContextKey{}).(*Claims)
	return c, ok
}
