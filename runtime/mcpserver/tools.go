package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/goadesign/research-orchestrator/runtime/apperr"
	"github.com/goadesign/research-orchestrator/runtime/catalog"
	"github.com/goadesign/research-orchestrator/runtime/index"
	"github.com/goadesign/research-orchestrator/runtime/jobqueue"
	"github.com/goadesign/research-orchestrator/runtime/orchestrator"
	"github.com/goadesign/research-orchestrator/runtime/policy"
	"github.com/goadesign/research-orchestrator/runtime/sessionbus"
	"github.com/goadesign/research-orchestrator/runtime/store"
	"github.com/goadesign/research-orchestrator/runtime/synthesizer"
)

// Deps bundles everything the built-in tool handlers dispatch against. Any
// field may be nil; the corresponding tools report apperr.KindInternal
// rather than panicking.
type Deps struct {
	Store       store.Store
	Catalog     *catalog.Catalog
	Jobs        *jobqueue.Queue
	Orchestrator *orchestrator.Orchestrator
	Index       *index.Index
	Bus         *sessionbus.Bus
}

// RegisterBuiltinTools adds the MCP surface's minimum required tool set
// (spec.md §6) to reg, wired against deps.
func RegisterBuiltinTools(reg *Registry, deps Deps) {
	reg.Register(Tool{
		Name:        "ping",
		Description: "Liveness check.",
		Schema:      schemaObject(map[string]string{"info": "boolean"}, nil),
		Handler:     pingHandler,
	})
	reg.Register(Tool{
		Name:        "get_server_status",
		Description: "Database, embedder, queue, cache, and config status.",
		Schema:      schemaObject(nil, nil),
		Handler:     getServerStatusHandler(deps),
	})
	reg.Register(Tool{
		Name:        "agent",
		Description: "Run (or enqueue) a research job for a query.",
		Schema:      researchSchema(),
		Aliases:     Aliases{"q": "query"},
		Handler:     researchHandler(deps),
	})
	reg.Register(Tool{
		Name:        "research",
		Description: "Alias of agent.",
		Schema:      researchSchema(),
		Aliases:     Aliases{"q": "query"},
		Handler:     researchHandler(deps),
	})
	reg.Register(Tool{
		Name:        "job_status",
		Description: "Fetch a job's current status and result, if any.",
		Schema:      schemaObject(map[string]string{"job_id": "string"}, []string{"job_id"}),
		Handler:     jobStatusHandler(deps),
	})
	reg.Register(Tool{
		Name:        "get_job_status",
		Description: "Alias of job_status.",
		Schema:      schemaObject(map[string]string{"job_id": "string"}, []string{"job_id"}),
		Handler:     jobStatusHandler(deps),
	})
	reg.Register(Tool{
		Name:        "cancel_job",
		Description: "Request cancellation of an in-flight job.",
		Schema:      schemaObject(map[string]string{"job_id": "string"}, []string{"job_id"}),
		Handler:     cancelJobHandler(deps),
	})
	reg.Register(Tool{
		Name:        "search",
		Description: "Ranked hybrid lexical+vector search over reports and documents.",
		Schema:      searchSchema(),
		Aliases:     Aliases{"query": "q"},
		Handler:     searchHandler(deps),
	})
	reg.Register(Tool{
		Name:        "retrieve",
		Description: "Hybrid retrieval by query, or a read-only SQL SELECT.",
		Schema:      schemaObject(map[string]string{"query": "string", "sql": "string"}, nil),
		Handler:     retrieveHandler(deps),
	})
	reg.Register(Tool{
		Name:        "get_report",
		Description: "Fetch a persisted report by id.",
		Schema:      schemaObject(map[string]string{"reportId": "string", "mode": "string"}, []string{"reportId"}),
		Handler:     getReportHandler(deps),
	})
	reg.Register(Tool{
		Name:        "history",
		Description: "List past reports.",
		Schema:      schemaObject(map[string]string{"limit": "integer", "queryFilter": "string"}, nil),
		Handler:     historyHandler(deps),
	})
	RegisterSessionTools(reg, deps)
}

// schemaObject is a tiny JSON Schema builder for the flat, string/bool/int
// shaped tool inputs this surface declares; richer schemas (researchSchema,
// searchSchema) are written out in full below.
func schemaObject(props map[string]string, required []string) json.RawMessage {
	properties := make(map[string]any, len(props))
	for name, typ := range props {
		properties[name] = map[string]any{"type": typ}
	}
	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	raw, _ := json.Marshal(schema)
	return raw
}

func researchSchema() json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query":          map[string]any{"type": "string"},
			"async":          map[string]any{"type": "boolean"},
			"costPreference": map[string]any{"type": "string"},
			"audienceLevel":  map[string]any{"type": "string"},
			"outputFormat":   map[string]any{"type": "string"},
			"includeSources": map[string]any{"type": "boolean"},
			"maxLength":      map[string]any{"type": "integer"},
			"idempotency_key": map[string]any{"type": "string"},
			"force_new":      map[string]any{"type": "boolean"},
		},
		"required": []string{"query"},
	})
	return raw
}

func searchSchema() json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"q":      map[string]any{"type": "string"},
			"k":      map[string]any{"type": "integer"},
			"scope":  map[string]any{"type": "string", "enum": []string{"reports", "docs", "both"}},
			"rerank": map[string]any{"type": "boolean"},
		},
		"required": []string{"q", "k"},
	})
	return raw
}

func pingHandler(_ context.Context, _ string, args json.RawMessage) (any, error) {
	var in struct {
		Info bool `json:"info"`
	}
	_ = json.Unmarshal(args, &in)
	result := map[string]any{"pong": true, "time": time.Now().UTC()}
	if in.Info {
		result["goVersion"] = runtimeVersion()
	}
	return result, nil
}

func runtimeVersion() string { return runtime.Version() }

func getServerStatusHandler(deps Deps) Handler {
	return func(ctx context.Context, _ string, _ json.RawMessage) (any, error) {
		status := map[string]any{}
		if deps.Store != nil {
			status["storeDurable"] = deps.Store.Durable()
		}
		if deps.Catalog != nil {
			status["models"] = len(deps.Catalog.List())
		}
		if deps.Jobs != nil {
			counts := map[string]int{}
			for _, state := range []jobqueue.State{jobqueue.StateQueued, jobqueue.StateRunning, jobqueue.StateSucceeded, jobqueue.StateFailed, jobqueue.StateCanceled} {
				rows, err := deps.Store.Query(ctx, "jobs", store.Filter{"state": string(state)}, "", false, 0)
				if err == nil {
					counts[string(state)] = len(rows)
				}
			}
			status["jobs"] = counts
		}
		return status, nil
	}
}

func researchHandler(deps Deps) Handler {
	return func(ctx context.Context, session string, args json.RawMessage) (any, error) {
		if deps.Jobs == nil {
			return nil, apperr.New(apperr.KindInternal, "research: no job queue configured")
		}
		var in struct {
			Query          string `json:"query"`
			Async          bool   `json:"async"`
			OutputFormat   string `json:"outputFormat"`
			MaxLength      int    `json:"maxLength"`
			IdempotencyKey string `json:"idempotency_key"`
			ForceNew       bool   `json:"force_new"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "decode research arguments", err)
		}
		mode := synthesizer.ModeReport
		if in.OutputFormat != "" {
			mode = synthesizer.OutputMode(in.OutputFormat)
		}
		params := orchestrator.Params{Query: in.Query, SessionID: session, Mode: mode, MaxLength: in.MaxLength, Budget: policy.Budget{}}

		submission, err := deps.Jobs.Submit(ctx, jobqueue.SubmitInput{
			Type:           "research",
			Params:         params,
			SessionID:      session,
			IdempotencyKey: in.IdempotencyKey,
			ForceNew:       in.ForceNew,
		})
		if err != nil {
			return nil, err
		}

		if in.Async || deps.Orchestrator == nil {
			return map[string]any{
				"job_id":          submission.JobID,
				"status":          submission.Status,
				"idempotency_key": in.IdempotencyKey,
				"existing_job":    submission.Existing,
				"cached":          submission.Cached,
				"result":          submission.Result,
				"sse_url":         fmt.Sprintf("/mcp?session=%s", session),
				"ui_url":          fmt.Sprintf("/reports/%s", submission.JobID),
			}, nil
		}

		// Sync path: the job was already submitted for idempotency bookkeeping
		// and audit history, but we run it inline rather than waiting on a
		// worker to pick it up, so a synchronous caller gets the full result.
		job, err := deps.Jobs.Get(ctx, submission.JobID)
		if err != nil {
			return nil, err
		}
		runCtx := ctx
		if session != "" {
			runCtx = sessionbus.WithSession(ctx, session)
		}
		result, err := deps.Orchestrator.Run(runCtx, job)
		if err != nil {
			_ = deps.Jobs.Fail(ctx, submission.JobID, err)
			return nil, err
		}
		resultRef := ""
		if result != nil {
			resultRef = result.ReportID
		}
		_ = deps.Jobs.Complete(ctx, submission.JobID, resultRef)
		return result, nil
	}
}

func jobStatusHandler(deps Deps) Handler {
	return func(ctx context.Context, _ string, args json.RawMessage) (any, error) {
		var in struct {
			JobID string `json:"job_id"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "decode job_status arguments", err)
		}
		if deps.Jobs == nil {
			return nil, apperr.New(apperr.KindInternal, "job_status: no job queue configured")
		}
		job, err := deps.Jobs.Get(ctx, in.JobID)
		if err != nil {
			return nil, err
		}
		out := map[string]any{"status": job.State}
		if job.ErrorMessage != "" {
			out["error"] = map[string]any{"kind": job.ErrorKind, "message": job.ErrorMessage}
		}
		if job.ResultRef != "" {
			out["result"] = job.ResultRef
		}
		return out, nil
	}
}

func cancelJobHandler(deps Deps) Handler {
	return func(ctx context.Context, _ string, args json.RawMessage) (any, error) {
		var in struct {
			JobID string `json:"job_id"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "decode cancel_job arguments", err)
		}
		if deps.Jobs == nil {
			return nil, apperr.New(apperr.KindInternal, "cancel_job: no job queue configured")
		}
		if err := deps.Jobs.Cancel(ctx, in.JobID); err != nil {
			return nil, err
		}
		return map[string]any{"canceled": true}, nil
	}
}

func searchHandler(deps Deps) Handler {
	return func(ctx context.Context, _ string, args json.RawMessage) (any, error) {
		var in struct {
			Q      string `json:"q"`
			K      int    `json:"k"`
			Scope  string `json:"scope"`
			Rerank bool   `json:"rerank"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "decode search arguments", err)
		}
		if deps.Index == nil {
			return nil, apperr.New(apperr.KindInternal, "search: no index configured")
		}
		results, err := deps.Index.Search(ctx, in.Q, in.K, in.Rerank)
		if err != nil {
			return nil, err
		}
		return map[string]any{"results": results, "scope": in.Scope}, nil
	}
}

// sqlQuerier is the optional capability runtime/store.Postgres implements
// for the retrieve tool's raw-SQL path; runtime/store.Mem does not, so a
// type assertion against it fails closed with KindValidation instead of a
// panic.
type sqlQuerier interface {
	QuerySQL(ctx context.Context, sql string) ([]store.Row, error)
}

func retrieveHandler(deps Deps) Handler {
	return func(ctx context.Context, _ string, args json.RawMessage) (any, error) {
		var in struct {
			Query string `json:"query"`
			SQL   string `json:"sql"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "decode retrieve arguments", err)
		}
		if in.SQL != "" {
			q, ok := deps.Store.(sqlQuerier)
			if !ok {
				return nil, apperr.New(apperr.KindValidation, "retrieve: sql is not supported by this store backend")
			}
			rows, err := q.QuerySQL(ctx, in.SQL)
			if err != nil {
				return nil, err
			}
			return map[string]any{"rows": rows}, nil
		}
		if deps.Index == nil {
			return nil, apperr.New(apperr.KindInternal, "retrieve: no index configured")
		}
		results, err := deps.Index.Search(ctx, in.Query, 10, false)
		if err != nil {
			return nil, err
		}
		return map[string]any{"results": results}, nil
	}
}

func getReportHandler(deps Deps) Handler {
	return func(ctx context.Context, _ string, args json.RawMessage) (any, error) {
		var in struct {
			ReportID string `json:"reportId"`
			Mode     string `json:"mode"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "decode get_report arguments", err)
		}
		if deps.Store == nil {
			return nil, apperr.New(apperr.KindInternal, "get_report: no store configured")
		}
		row, ok, err := deps.Store.Get(ctx, "reports", in.ReportID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperr.Newf(apperr.KindNotFound, "report %q not found", in.ReportID)
		}
		if in.Mode == "summary" || in.Mode == "truncate" {
			if content, ok := row["content"].(string); ok {
				row["content"] = truncateReport(content, 500)
			}
		}
		return row, nil
	}
}

func truncateReport(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func historyHandler(deps Deps) Handler {
	return func(ctx context.Context, _ string, args json.RawMessage) (any, error) {
		var in struct {
			Limit       int    `json:"limit"`
			QueryFilter string `json:"queryFilter"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "decode history arguments", err)
		}
		if deps.Store == nil {
			return nil, apperr.New(apperr.KindInternal, "history: no store configured")
		}
		if in.Limit == 0 {
			in.Limit = 20
		}
		filter := store.Filter{}
		if in.QueryFilter != "" {
			filter["query"] = in.QueryFilter
		}
		rows, err := deps.Store.Query(ctx, "reports", filter, "created_at", true, in.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"reports": rows}, nil
	}
}
