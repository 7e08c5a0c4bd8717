package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/goadesign/research-orchestrator/runtime/apperr"
)

// Handler executes one tool call against normalized, schema-validated
// arguments and returns the JSON-RPC result payload.
type Handler func(ctx context.Context, session string, args json.RawMessage) (any, error)

// Aliases maps shorthand argument names to their canonical field, e.g. "q" ->
// "query", so callers can use either spelling.
type Aliases map[string]string

// Tool is one MCP tool registration: a name, its declared input schema (used
// both to advertise the tool and to validate calls), optional argument
// aliases, and the handler that serves it.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Aliases     Aliases
	RequireScope string // "" means no scope beyond a valid bearer token
	Handler     Handler

	compiled *jsonschema.Schema
}

// Registry holds every tool the server exposes and performs the normalize ->
// validate -> call dispatch rule from spec.md §4.15.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register compiles t's schema (if any) and adds it to the registry. Register
// panics on an invalid schema: tool schemas are fixed at startup, a broken
// one is a programming error, not a runtime condition.
func (r *Registry) Register(t Tool) {
	if len(t.Schema) > 0 {
		var doc any
		if err := json.Unmarshal(t.Schema, &doc); err != nil {
			panic(fmt.Sprintf("mcpserver: invalid schema for tool %q: %v", t.Name, err))
		}
		c := jsonschema.NewCompiler()
		resource := t.Name + ".schema.json"
		if err := c.AddResource(resource, doc); err != nil {
			panic(fmt.Sprintf("mcpserver: add schema resource for tool %q: %v", t.Name, err))
		}
		schema, err := c.Compile(resource)
		if err != nil {
			panic(fmt.Sprintf("mcpserver: compile schema for tool %q: %v", t.Name, err))
		}
		t.compiled = schema
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = &t
}

// List returns every registered tool, for tools/list and get_server_status.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Lookup returns the tool registered under name, if any.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Dispatch runs the tool dispatch rule: normalize args (apply aliases,
// coerce shorthand types already done by the transport), validate against
// the declared schema, then call the handler. Validation failures return
// apperr.KindValidation so callers map it to JSON-RPC -32602.
func (r *Registry) Dispatch(ctx context.Context, session, toolName string, args json.RawMessage) (any, error) {
	t, ok := r.Lookup(toolName)
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "unknown tool %q", toolName)
	}

	normalized, err := normalizeArgs(args, t.Aliases)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "normalize tool arguments", err)
	}

	if t.compiled != nil {
		var doc any
		if len(normalized) == 0 {
			doc = map[string]any{}
		} else if err := json.Unmarshal(normalized, &doc); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "decode tool arguments", err)
		}
		if err := t.compiled.Validate(doc); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, fmt.Sprintf("tool %q arguments", toolName), err)
		}
	}

	return t.Handler(ctx, session, normalized)
}

// normalizeArgs renames aliased keys to their canonical name at the top
// level of a JSON object. Non-object payloads (or no aliases) pass through
// unchanged.
func normalizeArgs(args json.RawMessage, aliases Aliases) (json.RawMessage, error) {
	if len(aliases) == 0 || len(args) == 0 {
		return args, nil
	}
	var m map[string]any
	if err := json.Unmarshal(args, &m); err != nil {
		// Not an object: nothing to alias, let schema validation reject it.
		return args, nil
	}
	for from, to := range aliases {
		if v, ok := m[from]; ok {
			if _, exists := m[to]; !exists {
				m[to] = v
			}
			delete(m, from)
		}
	}
	return json.Marshal(m)
}
