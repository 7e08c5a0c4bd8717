package modelclient

import (
	"context"
	"fmt"

	"github.com/goadesign/research-orchestrator/runtime/catalog"
)

// Router is a Client that dispatches each request to the provider-specific
// Client backing req.Model's catalog entry, so Planner/Researcher/
// Synthesizer can each hold one Client field and still call any model the
// catalog advertises rather than being pinned to a single provider. This is
// the composition point the teacher's own provider clients never needed —
// goa-ai wires exactly one provider per agent — but SPEC_FULL.md's catalog
// spans Anthropic, OpenAI, and Bedrock models side by side.
type Router struct {
	catalog   *catalog.Catalog
	providers map[string]Client
}

// NewRouter builds a Router over providers, keyed by catalog.Model.Provider
// ("anthropic", "openai", "bedrock").
func NewRouter(cat *catalog.Catalog, providers map[string]Client) *Router {
	return &Router{catalog: cat, providers: providers}
}

func (r *Router) resolve(modelID string) (Client, error) {
	for _, m := range r.catalog.List() {
		if m.ID == modelID {
			c, ok := r.providers[m.Provider]
			if !ok {
				return nil, fmt.Errorf("modelclient: no provider client configured for %q", m.Provider)
			}
			return c, nil
		}
	}
	return nil, fmt.Errorf("modelclient: unknown model %q", modelID)
}

// Complete routes to req.Model's provider client.
func (r *Router) Complete(ctx context.Context, req *Request) (*Response, error) {
	c, err := r.resolve(req.Model)
	if err != nil {
		return nil, err
	}
	return c.Complete(ctx, req)
}

// Stream routes to req.Model's provider client.
func (r *Router) Stream(ctx context.Context, req *Request) (Streamer, error) {
	c, err := r.resolve(req.Model)
	if err != nil {
		return nil, err
	}
	return c.Stream(ctx, req)
}
