// Package mcpserver implements C15: the Model Context Protocol surface over
// stdio, HTTP+SSE, and WebSocket, hosting the orchestrator's tools, prompts,
// and resources behind one JSON-RPC 2.0 dispatcher.
//
// The wire types and error codes below mirror runtime/mcp.Caller's client-side
// counterparts (rpcRequest/rpcResponse, JSONRPCParseError et al.) so a request
// this server receives and a request runtime/mcp.SSECaller/StdioCaller send
// share the same shape; this package is the server half neither the teacher's
// runtime/mcp nor features/mcp/runtime ships, since both only ever call out
// to someone else's MCP server.
package mcpserver

import (
	"encoding/json"

	"github.com/goadesign/research-orchestrator/runtime/apperr"
	"github.com/goadesign/research-orchestrator/runtime/mcp"
)

// JSON-RPC error codes, reusing runtime/mcp's canonical constants plus the
// MCP-specific insufficient-scope code spec.md §4.15 assigns.
const (
	CodeParseError     = mcp.JSONRPCParseError
	CodeInvalidRequest = mcp.JSONRPCInvalidRequest
	CodeMethodNotFound = mcp.JSONRPCMethodNotFound
	CodeInvalidParams  = mcp.JSONRPCInvalidParams
	CodeInternalError  = mcp.JSONRPCInternalError
	// CodeInsufficientScope marks an authenticated caller missing a required
	// scope, distinct from an unauthenticated caller, which never reaches JSON-RPC
	// (it is rejected at the transport level with HTTP 401 / WS 4401).
	CodeInsufficientScope = -32001
)

// WebSocket close codes for auth failures, per spec.md §4.15.
const (
	WSCloseUnauthorized = 4401
	WSCloseForbidden    = 4403
)

// Request is one JSON-RPC 2.0 request object.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is one JSON-RPC 2.0 response object. Result and Error are
// mutually exclusive.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func errorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}

func resultResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

// codeForError maps an apperr.Kind to the JSON-RPC error code spec.md §7
// assigns it. Kinds with a dedicated transport-level status (Unauthorized,
// Forbidden) are mapped defensively here too, in case a handler returns one
// directly instead of failing the request earlier at the auth layer.
func codeForError(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return CodeInvalidParams
	case apperr.KindForbidden:
		return CodeInsufficientScope
	case apperr.KindUnauthorized:
		return CodeInsufficientScope
	case apperr.KindNotFound:
		return CodeInvalidParams
	case apperr.KindConflict:
		return CodeInvalidParams
	default:
		return CodeInternalError
	}
}
