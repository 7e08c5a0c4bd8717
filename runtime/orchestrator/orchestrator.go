// Package orchestrator implements C13: the JobQueue's registered executor.
// For a "research" job it runs the IDLE -> PLANNING -> RESEARCHING ->
// SYNTHESIZING -> PERSISTING -> COMPLETE/ERROR state machine; for an
// "index_update" job it applies a single Index.Upsert. Adapted from tarsy's
// RealSessionExecutor (pkg/queue/executor.go): the executor owns the entire
// job's lifecycle and writes progress as it goes, while a separate Worker
// (see worker.go) only claims, heartbeats, and records the terminal status.
package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/goadesign/research-orchestrator/runtime/apperr"
	"github.com/goadesign/research-orchestrator/runtime/index"
	"github.com/goadesign/research-orchestrator/runtime/jobqueue"
	"github.com/goadesign/research-orchestrator/runtime/memory"
	"github.com/goadesign/research-orchestrator/runtime/planner"
	"github.com/goadesign/research-orchestrator/runtime/policy"
	"github.com/goadesign/research-orchestrator/runtime/researcher"
	"github.com/goadesign/research-orchestrator/runtime/store"
	"github.com/goadesign/research-orchestrator/runtime/synthesizer"
	"github.com/goadesign/research-orchestrator/runtime/telemetry"

	"golang.org/x/sync/errgroup"
)

// EventSink receives state-machine and progress telemetry, the same minimal
// seam runtime/planner, runtime/researcher, and runtime/synthesizer each
// define locally so the pipeline stages never import runtime/sessionbus.
type EventSink interface {
	Emit(ctx context.Context, eventType string, payload any)
}

type noopSink struct{}

func (noopSink) Emit(context.Context, string, any) {}

// State is one node of the job state machine.
type State string

// States, per spec.md §4.13.
const (
	StateIdle         State = "idle"
	StatePlanning     State = "planning"
	StateResearching  State = "researching"
	StateSynthesizing State = "synthesizing"
	StatePersisting   State = "persisting"
	StateComplete     State = "complete"
	StateError        State = "error"
)

// Params is the decoded payload of a "research" job.
type Params struct {
	Query      string                `json:"query"`
	SessionID  string                `json:"session_id"`
	Budget     policy.Budget         `json:"budget"`
	Mode       synthesizer.OutputMode `json:"mode"`
	MaxLength  int                   `json:"max_length"`
	Documents  []string              `json:"documents"`
}

// IndexUpdateParams is the decoded payload of an "index_update" job.
type IndexUpdateParams struct {
	DocID    string         `json:"doc_id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
}

// RunResult is what a successful Run produces; it becomes the job's
// resultRef.
type RunResult struct {
	ReportID  string                 `json:"report_id,omitempty"`
	Content   string                 `json:"content,omitempty"`
	Citations []synthesizer.Citation `json:"citations,omitempty"`
}

// Options configures pipeline behavior not owned by a specific Decision.
type Options struct {
	MaxParallelism      int     // bound on concurrent sub-query research calls; spec default 4
	ConfidenceThreshold  float64 // below this average confidence, attempt refinement
	MaxRefinementRounds int     // iteration cap for policy.Exhaustive's adaptive loop (Decision.Iterations == 0); other policies use their own Iterations
}

// DefaultOptions returns spec.md §4.13's stated defaults.
func DefaultOptions() Options {
	return Options{MaxParallelism: 4, ConfidenceThreshold: 0.5, MaxRefinementRounds: 3}
}

// Orchestrator wires every pipeline stage together for one job.
type Orchestrator struct {
	planner     *planner.Planner
	selector    *policy.Selector
	researcher  *researcher.Researcher
	synth       *synthesizer.Synthesizer
	store       store.Store
	memory      *memory.Memory
	index       *index.Index
	jobs        *jobqueue.Queue
	events      EventSink
	opts        Options

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// New constructs an Orchestrator. memory and index may be nil (features
// degrade: no learn/index-update side effects). events may be nil.
func New(p *planner.Planner, sel *policy.Selector, r *researcher.Researcher, s *synthesizer.Synthesizer, st store.Store, mem *memory.Memory, idx *index.Index, jobs *jobqueue.Queue, events EventSink, opts Options) *Orchestrator {
	def := DefaultOptions()
	if opts.MaxParallelism == 0 {
		opts.MaxParallelism = def.MaxParallelism
	}
	if opts.ConfidenceThreshold == 0 {
		opts.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if opts.MaxRefinementRounds == 0 {
		opts.MaxRefinementRounds = def.MaxRefinementRounds
	}
	if events == nil {
		events = noopSink{}
	}
	return &Orchestrator{
		planner: p, selector: sel, researcher: r, synth: s, store: st, memory: mem, index: idx, jobs: jobs, events: events, opts: opts,
		logger: telemetry.NewNoopLogger(), metrics: telemetry.NewNoopMetrics(), tracer: telemetry.NewNoopTracer(),
	}
}

// WithTelemetry attaches logging, metrics, and tracing backends. Optional;
// an Orchestrator built without it runs with no-op implementations of all
// three, so telemetry wiring can be added independently of the pipeline.
func (o *Orchestrator) WithTelemetry(logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) *Orchestrator {
	if logger != nil {
		o.logger = logger
	}
	if metrics != nil {
		o.metrics = metrics
	}
	if tracer != nil {
		o.tracer = tracer
	}
	return o
}

// Run dispatches job by type and executes its pipeline to completion. The
// caller (Worker) is responsible for translating the returned error into
// JobQueue.Fail/Cancel and a non-nil result into JobQueue.Complete.
func (o *Orchestrator) Run(ctx context.Context, job *jobqueue.Job) (*RunResult, error) {
	switch job.Type {
	case "research":
		return o.runResearch(ctx, job)
	case "index_update":
		return o.runIndexUpdate(ctx, job)
	default:
		return nil, apperr.Newf(apperr.KindValidation, "orchestrator: unknown job type %q", job.Type)
	}
}

func (o *Orchestrator) setState(ctx context.Context, job *jobqueue.Job, s State) {
	o.events.Emit(ctx, "session_state", map[string]any{"job_id": job.ID, "session_id": job.SessionID, "state": s})
}

func (o *Orchestrator) runResearch(ctx context.Context, job *jobqueue.Job) (*RunResult, error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "orchestrator.run_research")
	defer span.End()
	o.logger.Info(ctx, "research job started", "job_id", job.ID, "session_id", job.SessionID)
	defer func() {
		o.metrics.RecordTimer("orchestrator.job.duration", time.Since(start), "type", "research")
	}()

	o.setState(ctx, job, StateIdle)

	var params Params
	if err := json.Unmarshal(job.Params, &params); err != nil {
		o.setState(ctx, job, StateError)
		span.RecordError(err)
		o.metrics.IncCounter("orchestrator.job.errors", 1, "stage", "decode")
		return nil, apperr.Wrap(apperr.KindValidation, "decode research job params", err)
	}

	// 1. PLANNING
	o.setState(ctx, job, StatePlanning)
	plan, err := o.plan(ctx, params)
	if err != nil {
		o.setState(ctx, job, StateError)
		return nil, err
	}

	decision := o.selectPolicy(ctx, plan, params)

	// 2. RESEARCHING (with optional iterative refinement)
	o.setState(ctx, job, StateResearching)
	results, err := o.research(ctx, plan.SubQueries, decision)
	if err != nil {
		o.setState(ctx, job, StateError)
		return nil, err
	}
	results = o.refine(ctx, params, plan, decision, results)

	// 3. SYNTHESIZING
	o.setState(ctx, job, StateSynthesizing)
	synthResult, err := o.synth.Synthesize(ctx, synthesizer.Input{
		Query:      params.Query,
		SubQueries: plan.SubQueries,
		Ensembles:  results,
		Documents:  params.Documents,
		Mode:       params.Mode,
		MaxLength:  params.MaxLength,
	})
	if err != nil {
		o.setState(ctx, job, StateError)
		return nil, err
	}

	// 4. PERSISTING
	o.setState(ctx, job, StatePersisting)
	reportID, err := o.persist(ctx, params, synthResult)
	if err != nil {
		o.setState(ctx, job, StateError)
		return nil, err
	}

	o.setState(ctx, job, StateComplete)
	o.metrics.IncCounter("orchestrator.job.completed", 1, "type", "research")
	o.logger.Info(ctx, "research job completed", "job_id", job.ID, "report_id", reportID)
	return &RunResult{ReportID: reportID, Content: synthResult.Content, Citations: synthResult.Citations}, nil
}

func (o *Orchestrator) plan(ctx context.Context, params Params) (*planner.PlanResult, error) {
	result, err := o.planner.Plan(ctx, planner.PlanInput{Query: params.Query})
	if err != nil {
		// Defensive fallback: Planner.Plan already falls back internally on
		// both a validation failure and a failed model call and returns no
		// error for either, so this branch is not reached with that Planner.
		return &planner.PlanResult{
			SubQueries: []planner.SubQuery{{ID: "sq-1", Text: params.Query, Domain: "general", Complexity: 0.5}},
			Replanned:  true,
		}, nil
	}
	return result, nil
}

func (o *Orchestrator) selectPolicy(ctx context.Context, plan *planner.PlanResult, params Params) policy.Decision {
	var complexity float64
	for _, sq := range plan.SubQueries {
		complexity += sq.Complexity
	}
	if len(plan.SubQueries) > 0 {
		complexity /= float64(len(plan.SubQueries))
	}
	decision := o.selector.Select(ctx, policy.Features{Complexity: complexity}, params.Budget)
	o.events.Emit(ctx, "policy_decision", map[string]any{"policy": decision.Policy, "ensemble_size": decision.EnsembleSize, "downgraded": decision.Downgraded})
	return decision
}

// research runs sub-queries in DAG-dependency order, processing each
// dependency-satisfied layer concurrently, bounded by opts.MaxParallelism.
func (o *Orchestrator) research(ctx context.Context, subQueries []planner.SubQuery, decision policy.Decision) ([]researcher.SubQueryResult, error) {
	layers := layerByDependency(subQueries)
	jobDeadline := time.Now().Add(10 * time.Minute)

	var all []researcher.SubQueryResult
	for _, layer := range layers {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.opts.MaxParallelism)
		out := make([]*researcher.SubQueryResult, len(layer))
		for i, sq := range layer {
			i, sq := i, sq
			g.Go(func() error {
				res, err := o.researcher.Research(gctx, sq, decision.EnsembleSize, jobDeadline)
				if err != nil {
					return err
				}
				out[i] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for _, r := range out {
			if r != nil {
				all = append(all, *r)
			}
		}
	}
	return all, nil
}

// refine asks the Planner for refinement sub-queries seeded by low-confidence
// findings when the ensemble's average confidence is below threshold and the
// policy still allows another iteration, per spec.md §4.13 step 2.
func (o *Orchestrator) refine(ctx context.Context, params Params, plan *planner.PlanResult, decision policy.Decision, results []researcher.SubQueryResult) []researcher.SubQueryResult {
	maxIterations := decision.Iterations
	if maxIterations == 0 {
		maxIterations = o.opts.MaxRefinementRounds // Exhaustive's adaptive loop, capped
	}
	for round := 1; round < maxIterations; round++ {
		if averageConfidence(results) >= o.opts.ConfidenceThreshold {
			break
		}
		seed := lowConfidenceSeed(plan.SubQueries, results, o.opts.ConfidenceThreshold)
		if seed == "" {
			break
		}
		refinement, err := o.planner.Plan(ctx, planner.PlanInput{Query: params.Query, Context: "refine low-confidence findings: " + seed})
		if err != nil || len(refinement.SubQueries) == 0 {
			break
		}
		more, err := o.research(ctx, refinement.SubQueries, decision)
		if err != nil {
			break
		}
		results = append(results, more...)
	}
	return results
}

func (o *Orchestrator) persist(ctx context.Context, params Params, result *synthesizer.Result) (string, error) {
	reportID := "rep_" + uuid.NewString()
	sources := make([]store.Row, len(result.Citations))
	for i, c := range result.Citations {
		sources[i] = store.Row{"url": c.URL, "title": c.Title, "confidence": c.Confidence}
	}
	row := store.Row{
		"id":               reportID,
		"query":            params.Query,
		"parameters":       map[string]any{"mode": params.Mode, "max_length": params.MaxLength},
		"content":          result.Content,
		"sources":          sources,
		"embedding_pending": true,
		"created_at":       time.Now().UTC(),
	}
	if err := o.store.Insert(ctx, "reports", row); err != nil {
		return "", err
	}

	if o.jobs != nil {
		if _, err := o.jobs.Submit(ctx, jobqueue.SubmitInput{
			Type:   "index_update",
			Params: IndexUpdateParams{DocID: reportID, Content: result.Content, Metadata: map[string]any{"query": params.Query}},
		}); err != nil {
			o.events.Emit(ctx, "index_enqueue_error", map[string]any{"report_id": reportID, "error": err.Error()})
		}
	}

	if o.memory != nil {
		sourceURLs := make([]string, len(result.Citations))
		for i, c := range result.Citations {
			sourceURLs[i] = c.URL
		}
		if err := o.memory.Learn(ctx, result.Content, sourceURLs, 1.0); err != nil {
			o.events.Emit(ctx, "memory_learn_error", map[string]any{"report_id": reportID, "error": err.Error()})
		}
	}

	return reportID, nil
}

func (o *Orchestrator) runIndexUpdate(ctx context.Context, job *jobqueue.Job) (*RunResult, error) {
	if o.index == nil {
		return nil, apperr.New(apperr.KindInternal, "orchestrator: no index configured for index_update jobs")
	}
	var params IndexUpdateParams
	if err := json.Unmarshal(job.Params, &params); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "decode index_update job params", err)
	}
	if err := o.index.Upsert(ctx, index.Document{ID: params.DocID, Content: params.Content, Metadata: params.Metadata}); err != nil {
		return nil, err
	}
	return &RunResult{ReportID: params.DocID}, nil
}

// layerByDependency groups sub-queries into dependency-satisfied waves: every
// sub-query in layer N has all its DependsOn entries in layers 0..N-1.
// Assumes the DAG is acyclic (Planner.validate already rejects cycles).
func layerByDependency(subQueries []planner.SubQuery) [][]planner.SubQuery {
	done := make(map[string]bool, len(subQueries))
	var layers [][]planner.SubQuery
	remaining := subQueries

	for len(remaining) > 0 {
		var layer []planner.SubQuery
		var next []planner.SubQuery
		for _, sq := range remaining {
			if dependenciesSatisfied(sq, done) {
				layer = append(layer, sq)
			} else {
				next = append(next, sq)
			}
		}
		if len(layer) == 0 {
			// Defensive: unsatisfiable dependency (shouldn't happen post-validate).
			// Flush the rest as a final layer rather than looping forever.
			layers = append(layers, remaining)
			break
		}
		for _, sq := range layer {
			done[sq.ID] = true
		}
		layers = append(layers, layer)
		remaining = next
	}
	return layers
}

func dependenciesSatisfied(sq planner.SubQuery, done map[string]bool) bool {
	for _, dep := range sq.DependsOn {
		if !done[dep] {
			return false
		}
	}
	return true
}

func averageConfidence(results []researcher.SubQueryResult) float64 {
	var sum float64
	var n int
	for _, r := range results {
		for _, res := range r.Results {
			sum += res.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// lowConfidenceSeed summarizes the lowest-confidence sub-query's content to
// seed a refinement plan, or "" if nothing is below threshold.
func lowConfidenceSeed(subQueries []planner.SubQuery, results []researcher.SubQueryResult, threshold float64) string {
	textByID := make(map[string]string, len(subQueries))
	for _, sq := range subQueries {
		textByID[sq.ID] = sq.Text
	}
	type candidate struct {
		confidence float64
		text       string
	}
	var worst *candidate
	for _, r := range results {
		for _, res := range r.Results {
			if res.Confidence >= threshold {
				continue
			}
			c := candidate{confidence: res.Confidence, text: textByID[r.SubQueryID]}
			if worst == nil || c.confidence < worst.confidence {
				worst = &c
			}
		}
	}
	if worst == nil {
		return ""
	}
	return worst.text
}

