package mcpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/goadesign/research-orchestrator/runtime/sessionbus"
)

// MountHTTP registers the streamable-HTTP MCP endpoints spec.md §4.15
// describes: a unary POST for request/response and a GET that upgrades to
// an SSE stream for server-initiated messages, both under the same path.
// Grounded on the teacher's own gin routing (tarsy's pkg/api/handlers.go)
// adapted to MCP's request shape rather than tarsy's bespoke REST one.
func (s *Server) MountHTTP(r gin.IRouter, path string, bus *sessionbus.Bus) {
	r.POST(path, s.handleHTTPPost)
	r.GET(path, s.handleHTTPStream(bus))
}

func (s *Server) handleHTTPPost(c *gin.Context) {
	if c.GetHeader("MCP-Protocol-Version") == "" {
		c.JSON(http.StatusBadRequest, errorResponse(nil, CodeInvalidRequest, "missing MCP-Protocol-Version header"))
		return
	}

	claims, err := s.authenticateRequest(c.Request)
	if err != nil {
		c.Header("WWW-Authenticate", `Bearer realm="mcp"`)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(nil, CodeParseError, "read body: "+err.Error()))
		return
	}
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		c.JSON(http.StatusOK, errorResponse(nil, CodeInvalidRequest, "batched requests are not supported"))
		return
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		c.JSON(http.StatusOK, errorResponse(nil, CodeParseError, "parse error: "+err.Error()))
		return
	}

	ctx := c.Request.Context()
	if claims != nil {
		ctx = withAuthClaims(ctx, claims)
	}
	session := c.GetHeader("Mcp-Session-Id")
	resp := s.Handle(ctx, session, req)
	c.JSON(http.StatusOK, resp)
}

// handleHTTPStream upgrades a GET to an SSE stream of events on the
// caller's session, honoring Last-Event-Id for resumability by forwarding
// it as SessionBus.Subscribe's fromIndex.
func (s *Server) handleHTTPStream(bus *sessionbus.Bus) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("MCP-Protocol-Version") == "" {
			c.JSON(http.StatusBadRequest, errorResponse(nil, CodeInvalidRequest, "missing MCP-Protocol-Version header"))
			return
		}
		claims, err := s.authenticateRequest(c.Request)
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="mcp"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		_ = claims

		sessionID := c.GetHeader("Mcp-Session-Id")
		if sessionID == "" {
			sessionID = c.Query("session_id")
		}
		if sessionID == "" || bus == nil {
			c.JSON(http.StatusBadRequest, errorResponse(nil, CodeInvalidRequest, "stream requires a session"))
			return
		}

		fromIndex := -1
		if last := c.GetHeader("Last-Event-Id"); last != "" {
			if n, err := strconv.Atoi(last); err == nil {
				fromIndex = n
			}
		}

		events, unsubscribe, err := bus.Subscribe(c.Request.Context(), sessionID, fromIndex)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorResponse(nil, CodeInternalError, err.Error()))
			return
		}
		defer unsubscribe()

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")

		c.Stream(func(w gin.ResponseWriter) bool {
			select {
			case ev, ok := <-events:
				if !ok {
					return false
				}
				body, err := json.Marshal(ev)
				if err != nil {
					return true
				}
				fmt.Fprintf(w, "id: %d\nevent: message\ndata: %s\n\n", ev.Seq, body)
				return true
			case <-c.Request.Context().Done():
				return false
			}
		})
	}
}

// authenticateRequest extracts and verifies the Bearer token, scoped here
// to authentication only; per-tool scope enforcement happens once the tool
// name is known, in handleToolsCall.
func (s *Server) authenticateRequest(r *http.Request) (*Claims, error) {
	if s.Auth == nil || !s.Auth.Enabled() {
		return nil, nil
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return nil, errMissingBearer
	}
	token := strings.TrimPrefix(header, prefix)
	return s.Auth.Authenticate(token, "")
}
