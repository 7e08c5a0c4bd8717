package mcpserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/goadesign/research-orchestrator/runtime/apperr"
)

// RegisterSessionTools adds the session_* tools spec.md §4.14/§6 names:
// state, undo, redo, fork, checkpoint, and time-travel over a session's
// event log.
func RegisterSessionTools(reg *Registry, deps Deps) {
	reg.Register(Tool{
		Name:        "session_state",
		Description: "Projected state of a session at its current cursor.",
		Schema:      schemaObject(map[string]string{"session_id": "string"}, []string{"session_id"}),
		Handler:     sessionStateHandler(deps),
	})
	reg.Register(Tool{
		Name:        "session_undo",
		Description: "Move a session's cursor back one non-checkpoint event.",
		Schema:      schemaObject(map[string]string{"session_id": "string"}, []string{"session_id"}),
		Handler:     sessionUndoHandler(deps),
	})
	reg.Register(Tool{
		Name:        "session_redo",
		Description: "Move a session's cursor forward one non-checkpoint event.",
		Schema:      schemaObject(map[string]string{"session_id": "string"}, []string{"session_id"}),
		Handler:     sessionRedoHandler(deps),
	})
	reg.Register(Tool{
		Name:        "session_fork",
		Description: "Copy a session's log prefix up to its cursor into a new session.",
		Schema:      schemaObject(map[string]string{"session_id": "string"}, []string{"session_id"}),
		Handler:     sessionForkHandler(deps),
	})
	reg.Register(Tool{
		Name:        "session_checkpoint",
		Description: "Append a named checkpoint marker to a session's log.",
		Schema:      schemaObject(map[string]string{"session_id": "string", "name": "string"}, []string{"session_id", "name"}),
		Handler:     sessionCheckpointHandler(deps),
	})
	reg.Register(Tool{
		Name:        "session_travel",
		Description: "Projected state as of a given timestamp, ignoring the undo/redo cursor.",
		Schema:      schemaObject(map[string]string{"session_id": "string", "timestamp": "string"}, []string{"session_id", "timestamp"}),
		Handler:     sessionTravelHandler(deps),
	})
}

func requireBus(deps Deps) error {
	if deps.Bus == nil {
		return apperr.New(apperr.KindInternal, "session tools: no SessionBus configured")
	}
	return nil
}

func sessionStateHandler(deps Deps) Handler {
	return func(ctx context.Context, _ string, args json.RawMessage) (any, error) {
		if err := requireBus(deps); err != nil {
			return nil, err
		}
		var in struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "decode session_state arguments", err)
		}
		return deps.Bus.State(ctx, in.SessionID)
	}
}

func sessionUndoHandler(deps Deps) Handler {
	return func(ctx context.Context, _ string, args json.RawMessage) (any, error) {
		if err := requireBus(deps); err != nil {
			return nil, err
		}
		var in struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "decode session_undo arguments", err)
		}
		if err := deps.Bus.Undo(ctx, in.SessionID); err != nil {
			return nil, err
		}
		return deps.Bus.State(ctx, in.SessionID)
	}
}

func sessionRedoHandler(deps Deps) Handler {
	return func(ctx context.Context, _ string, args json.RawMessage) (any, error) {
		if err := requireBus(deps); err != nil {
			return nil, err
		}
		var in struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "decode session_redo arguments", err)
		}
		if err := deps.Bus.Redo(ctx, in.SessionID); err != nil {
			return nil, err
		}
		return deps.Bus.State(ctx, in.SessionID)
	}
}

func sessionForkHandler(deps Deps) Handler {
	return func(ctx context.Context, _ string, args json.RawMessage) (any, error) {
		if err := requireBus(deps); err != nil {
			return nil, err
		}
		var in struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "decode session_fork arguments", err)
		}
		newID, err := deps.Bus.Fork(ctx, in.SessionID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"session_id": newID}, nil
	}
}

func sessionCheckpointHandler(deps Deps) Handler {
	return func(ctx context.Context, _ string, args json.RawMessage) (any, error) {
		if err := requireBus(deps); err != nil {
			return nil, err
		}
		var in struct {
			SessionID string `json:"session_id"`
			Name      string `json:"name"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "decode session_checkpoint arguments", err)
		}
		if err := deps.Bus.Checkpoint(ctx, in.SessionID, in.Name); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	}
}

func sessionTravelHandler(deps Deps) Handler {
	return func(ctx context.Context, _ string, args json.RawMessage) (any, error) {
		if err := requireBus(deps); err != nil {
			return nil, err
		}
		var in struct {
			SessionID string `json:"session_id"`
			Timestamp string `json:"timestamp"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "decode session_travel arguments", err)
		}
		ts, err := time.Parse(time.RFC3339, in.Timestamp)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "parse session_travel timestamp", err)
		}
		return deps.Bus.TimeTravel(ctx, in.SessionID, ts)
	}
}
