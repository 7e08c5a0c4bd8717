package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

// ServeStdio runs the MCP stdio transport: newline-delimited JSON-RPC 2.0
// requests read from r, one response written per request to w. This is
// spec.md §4.15's stdio framing, distinct from the teacher's own stdio MCP
// *client* (runtime/mcp/StdioCaller via features/mcp/runtime.StdioCaller),
// which framed its outbound requests with Content-Length headers in the LSP
// style; spec.md is explicit that the server side here is newline-delimited,
// so the two transports deliberately disagree on framing. A local stdio
// process is trusted by its invoker, so no bearer auth is enforced on this
// transport — unlike HTTP and WebSocket, which always authenticate.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			if werr := enc.Encode(errorResponse(nil, CodeParseError, "parse error: "+err.Error())); werr != nil {
				return werr
			}
			continue
		}

		resp := s.Handle(ctx, "", req)
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("mcpserver: write stdio response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Error("mcpserver: stdio scan failed", "error", err)
		return err
	}
	return nil
}
