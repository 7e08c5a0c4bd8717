package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/goadesign/research-orchestrator/runtime/apperr"
	"github.com/goadesign/research-orchestrator/runtime/jobqueue"
	"github.com/goadesign/research-orchestrator/runtime/sessionbus"
)

// WorkerOptions configures the poll loop. Adapted from tarsy's Worker
// (pkg/queue/worker.go): claim, heartbeat, and terminal-status bookkeeping
// live here; the Orchestrator itself only ever sees one job at a time and
// knows nothing about leasing.
type WorkerOptions struct {
	ID            string
	JobTypes      []string      // job types this worker leases; nil means any
	PollInterval  time.Duration // idle sleep between empty Lease calls
	HeartbeatEvery time.Duration
}

// DefaultWorkerOptions returns a 2s poll / 15s heartbeat cadence, matching
// JobQueue's DefaultOptions().HeartbeatEvery.
func DefaultWorkerOptions(id string) WorkerOptions {
	return WorkerOptions{ID: id, PollInterval: 2 * time.Second, HeartbeatEvery: 15 * time.Second}
}

// Worker repeatedly leases jobs from a Queue and runs them through an
// Orchestrator, recording heartbeats while the job runs and the terminal
// status once it finishes.
type Worker struct {
	queue *jobqueue.Queue
	orch  *Orchestrator
	opts  WorkerOptions

	stop   chan struct{}
	done   chan struct{}
	mu     sync.Mutex
	status string // "idle" or "working", for Health
}

// NewWorker constructs a Worker. Call Start to begin polling.
func NewWorker(queue *jobqueue.Queue, orch *Orchestrator, opts WorkerOptions) *Worker {
	def := DefaultWorkerOptions(opts.ID)
	if opts.PollInterval == 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.HeartbeatEvery == 0 {
		opts.HeartbeatEvery = def.HeartbeatEvery
	}
	return &Worker{queue: queue, orch: orch, opts: opts, stop: make(chan struct{}), done: make(chan struct{}), status: "idle"}
}

// Start runs the poll loop until Stop is called or ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop requests the poll loop exit and blocks until it has.
func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

// Status reports "idle" or "working", for health endpoints.
func (w *Worker) Status() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Worker) setStatus(s string) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	logger := slog.With("worker_id", w.opts.ID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		job, err := w.queue.Lease(ctx, w.opts.ID, w.opts.JobTypes, time.Now())
		if err != nil {
			logger.Error("lease failed", "error", err)
			w.sleep(ctx, w.opts.PollInterval)
			continue
		}
		if job == nil {
			w.sleep(ctx, w.opts.PollInterval)
			continue
		}

		w.process(ctx, logger, job)
	}
}

func (w *Worker) process(ctx context.Context, logger *slog.Logger, job *jobqueue.Job) {
	w.setStatus("working")
	defer w.setStatus("idle")

	hbCtx, cancelHB := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		w.runHeartbeat(hbCtx, job.ID)
	}()

	runCtx := ctx
	if job.SessionID != "" {
		runCtx = sessionbus.WithSession(ctx, job.SessionID)
	}
	result, err := w.orch.Run(runCtx, job)

	cancelHB()
	hbWG.Wait()

	switch {
	case err != nil && apperr.Is(err, apperr.KindCancelled):
		if cerr := w.queue.Cancel(context.Background(), job.ID); cerr != nil {
			logger.Error("failed to record cancellation", "job_id", job.ID, "error", cerr)
		}
	case err != nil:
		if ferr := w.queue.Fail(context.Background(), job.ID, err); ferr != nil {
			logger.Error("failed to record failure", "job_id", job.ID, "error", ferr)
		}
	default:
		resultRef := ""
		if result != nil {
			resultRef = result.ReportID
		}
		if cerr := w.queue.Complete(context.Background(), job.ID, resultRef); cerr != nil {
			logger.Error("failed to record completion", "job_id", job.ID, "error", cerr)
		}
	}
}

// runHeartbeat refreshes job's lease every HeartbeatEvery until ctx is
// cancelled (the job finished) or the queue reports the lease was lost,
// mirroring tarsy's Worker.runHeartbeat.
func (w *Worker) runHeartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(w.opts.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alive, err := w.queue.Heartbeat(context.Background(), jobID, w.opts.ID, time.Now())
			if err != nil || !alive {
				return
			}
		}
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-w.stop:
	case <-time.After(d):
	}
}
