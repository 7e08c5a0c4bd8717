// Package mcp holds the canonical JSON-RPC 2.0 error codes shared by
// runtime/mcpserver's server-side dispatcher, so the server and any future
// outbound MCP client this module grows use the same numbers.
package mcp

const (
	// JSON-RPC canonical error codes per spec.
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)
