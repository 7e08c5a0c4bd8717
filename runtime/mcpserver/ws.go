package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/goadesign/research-orchestrator/runtime/sessionbus"
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// MountWebSocket registers a bidirectional JSON-RPC 2.0 endpoint, one
// message per frame: client requests are answered in place, and the
// connection's session (Mcp-Session-Id header or session_id query
// parameter) is also subscribed to SessionBus so server-initiated
// "session/event" notifications interleave with request/response traffic
// on the same socket. Grounded on the teacher pack's own WSHub
// (codeready-toolchain-tarsy/pkg/api/websocket.go), generalized from that
// hub's single broadcast-to-everyone channel to a per-connection
// subscription, and from bare REST messages to framed JSON-RPC.
func (s *Server) MountWebSocket(r gin.IRouter, path string, bus *sessionbus.Bus) {
	r.GET(path, func(c *gin.Context) {
		claims, authErr := s.authenticateRequest(c.Request)

		conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("mcpserver: websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		if authErr != nil {
			closeWS(conn, WSCloseUnauthorized, authErr.Error())
			return
		}

		sessionID := c.GetHeader("Mcp-Session-Id")
		if sessionID == "" {
			sessionID = c.Query("session_id")
		}

		ctx := c.Request.Context()
		if claims != nil {
			ctx = withAuthClaims(ctx, claims)
		}

		s.serveWSConn(ctx, conn, sessionID, bus)
	})
}

func closeWS(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(2 * time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

func (s *Server) serveWSConn(ctx context.Context, conn *websocket.Conn, sessionID string, bus *sessionbus.Bus) {
	var unsubscribe func()
	if bus != nil && sessionID != "" {
		if events, unsub, err := bus.Subscribe(ctx, sessionID, 0); err == nil {
			unsubscribe = unsub
			go forwardEvents(conn, events)
		}
	}
	if unsubscribe != nil {
		defer unsubscribe()
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			if werr := conn.WriteJSON(errorResponse(nil, CodeParseError, "parse error: "+err.Error())); werr != nil {
				return
			}
			continue
		}

		resp := s.Handle(ctx, sessionID, req)
		if resp.Error != nil && resp.Error.Code == CodeInsufficientScope {
			closeWS(conn, WSCloseForbidden, resp.Error.Message)
			return
		}
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

// forwardEvents pushes SessionBus events to the client as JSON-RPC
// notifications (no id: per spec.md §4.15, server push carries none).
func forwardEvents(conn *websocket.Conn, events <-chan sessionbus.Event) {
	for ev := range events {
		if err := conn.WriteJSON(map[string]any{
			"jsonrpc": "2.0",
			"method":  "session/event",
			"params":  ev,
		}); err != nil {
			return
		}
	}
}
