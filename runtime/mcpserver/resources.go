package mcpserver

import (
	"context"
	"strings"

	"github.com/goadesign/research-orchestrator/runtime/apperr"
	"github.com/goadesign/research-orchestrator/runtime/store"
)

// ResourceCatalog exposes readable URIs under the mcp:// scheme, per
// spec.md §6. Subscribe is deliberately not offered as a distinct
// capability here: a caller that wants change notifications for a resource
// already has the session_* tools and SessionBus.Subscribe wired through
// the session it is operating in, so a second, resource-scoped
// subscription mechanism would duplicate that path rather than add one.
// list/read are the two operations this catalog actually implements.
type ResourceCatalog struct {
	st store.Store
}

// NewResourceCatalog returns a catalog with no backing store; bind one with
// Bind before resources/read can serve report content.
func NewResourceCatalog() *ResourceCatalog {
	return &ResourceCatalog{}
}

// Bind attaches the store resources are read from.
func (c *ResourceCatalog) Bind(st store.Store) { c.st = st }

// List returns the fixed resource templates this server advertises.
func (c *ResourceCatalog) List() []map[string]string {
	return []map[string]string{
		{"uri": "mcp://reports/{reportId}", "name": "report", "description": "A persisted research report."},
	}
}

// Read resolves uri to its content. Only the mcp://reports/{id} template is
// currently backed.
func (c *ResourceCatalog) Read(ctx context.Context, uri string) (any, error) {
	const prefix = "mcp://reports/"
	if !strings.HasPrefix(uri, prefix) {
		return nil, apperr.Newf(apperr.KindNotFound, "unknown resource %q", uri)
	}
	if c.st == nil {
		return nil, apperr.New(apperr.KindInternal, "resources: no store configured")
	}
	id := strings.TrimPrefix(uri, prefix)
	row, ok, err := c.st.Get(ctx, "reports", id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "report %q not found", id)
	}
	return map[string]any{"uri": uri, "contents": []map[string]any{{"uri": uri, "mimeType": "application/json", "text": row}}}, nil
}
