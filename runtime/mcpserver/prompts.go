package mcpserver

import (
	"context"
	"encoding/json"

	"github.com/goadesign/research-orchestrator/runtime/apperr"
)

// PromptFunc executes a named prompt against the server's own tool
// registry and returns either a list of messages or a tool-execution
// result, per spec.md §6 ("a prompt call returns a list of messages or a
// tool-execution result, not just a template").
type PromptFunc func(ctx context.Context, reg *Registry, session string, args json.RawMessage) (any, error)

// Prompt is one named, parameterized server-executed operation.
type Prompt struct {
	Name        string
	Description string
	Run         PromptFunc
}

// PromptCatalog holds the server's named prompts.
type PromptCatalog struct {
	prompts map[string]Prompt
}

// NewPromptCatalog returns a catalog seeded with the planning and synthesis
// prompts spec.md §6 names as examples: each simply re-dispatches to the
// tool that already implements the operation, so a prompt caller gets the
// same validated, schema-checked path a tools/call would.
func NewPromptCatalog() *PromptCatalog {
	c := &PromptCatalog{prompts: make(map[string]Prompt)}
	c.Register(Prompt{
		Name:        "plan_research",
		Description: "Run a research job for the given query and return its result.",
		Run: func(ctx context.Context, reg *Registry, session string, args json.RawMessage) (any, error) {
			result, err := reg.Dispatch(ctx, session, "agent", args)
			if err != nil {
				return nil, err
			}
			return toolCallResult(result), nil
		},
	})
	c.Register(Prompt{
		Name:        "synthesize_report",
		Description: "Fetch a persisted report, formatted as a prompt-ready message.",
		Run: func(ctx context.Context, reg *Registry, session string, args json.RawMessage) (any, error) {
			result, err := reg.Dispatch(ctx, session, "get_report", args)
			if err != nil {
				return nil, err
			}
			return map[string]any{"messages": []map[string]any{{"role": "assistant", "content": toolCallResult(result)}}}, nil
		},
	})
	return c
}

// Register adds or replaces a prompt.
func (c *PromptCatalog) Register(p Prompt) { c.prompts[p.Name] = p }

// List returns every registered prompt's name/description, for prompts/list.
func (c *PromptCatalog) List() []map[string]string {
	out := make([]map[string]string, 0, len(c.prompts))
	for _, p := range c.prompts {
		out = append(out, map[string]string{"name": p.Name, "description": p.Description})
	}
	return out
}

// Run executes the named prompt.
func (c *PromptCatalog) Run(ctx context.Context, reg *Registry, session, name string, args json.RawMessage) (any, error) {
	p, ok := c.prompts[name]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "unknown prompt %q", name)
	}
	return p.Run(ctx, reg, session, args)
}
