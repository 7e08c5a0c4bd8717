// Package jobqueue implements C8: a durable job queue with idempotent
// submission, lease-based claiming, heartbeat-based liveness, and
// orphan recovery, adapted from tarsy's pkg/queue pool/worker/orphan
// split (lease-by-row, SELECT ... FOR UPDATE SKIP LOCKED, heartbeat
// ticker, periodic orphan scan) onto the store-generic Row model of
// runtime/store rather than ent-generated queries.
package jobqueue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/goadesign/research-orchestrator/runtime/apperr"
	"github.com/goadesign/research-orchestrator/runtime/store"
)

const (
	jobsTable       = "jobs"
	idempotentTable = "idempotency"
)

// State is a Job's lifecycle state.
type State string

// Job states. Succeeded, Failed, and Canceled are terminal and sticky.
const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

func (s State) terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCanceled
}

// Job is one unit of durable work.
type Job struct {
	ID              string
	Type            string
	SessionID       string
	ParentJobID     string
	Params          json.RawMessage
	IdempotencyKey  string
	State           State
	Attempt         int
	MaxAttempts     int
	LeasedBy        string
	LeaseExpiresAt  time.Time
	LastHeartbeatAt time.Time
	ErrorKind       apperr.Kind
	ErrorMessage    string
	ResultRef       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Options configures lease lifetime, heartbeat cadence, and retry limits.
// Defaults match spec: L=60s, H=15s, maxAttempts=3; the invariant H < L/3
// is checked by New.
type Options struct {
	LeaseDuration  time.Duration
	HeartbeatEvery time.Duration
	MaxAttempts    int
	IdempotencyTTL time.Duration
	Clock          store.Clock
}

// DefaultOptions returns the spec's default lease/heartbeat/retry policy.
func DefaultOptions() Options {
	return Options{
		LeaseDuration:  60 * time.Second,
		HeartbeatEvery: 15 * time.Second,
		MaxAttempts:    3,
		IdempotencyTTL: time.Hour,
	}
}

// Queue is the durable job queue backed by a Store.
type Queue struct {
	st   store.Store
	opts Options
}

// New constructs a Queue. Returns apperr.KindInternal if the heartbeat/lease
// invariant H < L/3 is violated.
func New(st store.Store, opts Options) (*Queue, error) {
	def := DefaultOptions()
	if opts.LeaseDuration == 0 {
		opts.LeaseDuration = def.LeaseDuration
	}
	if opts.HeartbeatEvery == 0 {
		opts.HeartbeatEvery = def.HeartbeatEvery
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.IdempotencyTTL == 0 {
		opts.IdempotencyTTL = def.IdempotencyTTL
	}
	if opts.Clock == nil {
		opts.Clock = store.SystemClock
	}
	if opts.HeartbeatEvery >= opts.LeaseDuration/3 {
		return nil, apperr.Newf(apperr.KindInternal,
			"heartbeat interval %s must be less than lease duration %s / 3", opts.HeartbeatEvery, opts.LeaseDuration)
	}
	return &Queue{st: st, opts: opts}, nil
}

// SubmitInput describes a job submission request.
type SubmitInput struct {
	Type           string
	Params         any
	SessionID      string
	ParentJobID    string
	IdempotencyKey string
	ForceNew       bool
}

// SubmitResult reports the outcome of Submit.
type SubmitResult struct {
	JobID    string
	Status   State
	Existing bool
	Cached   bool
	Result   json.RawMessage
	Hint     string
}

// Submit enqueues a job. If forceNew is false, the idempotency key (given or
// derived from hash(type, normalized params)) is atomically resolved first:
// a fresh key inserts a new job, a colliding key returns the existing job's
// status (or its cached result, if it already succeeded). The key stays
// bound to its first job: its expires_at (now + IdempotencyTTL) is stored
// but not checked here, so a key does not become reusable once the TTL
// passes.
func (q *Queue) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	params, err := json.Marshal(in.Params)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "encoding job params", err)
	}

	now := q.opts.Clock()

	if in.ForceNew {
		id := newID("job")
		if err := q.insertJob(ctx, id, in, params, ""); err != nil {
			return nil, err
		}
		return &SubmitResult{JobID: id, Status: StateQueued}, nil
	}

	key := in.IdempotencyKey
	if key == "" {
		key = hashKey(in.Type, params)
	}
	tentativeID := newID("job")

	res, err := q.st.InsertIfAbsent(ctx, idempotentTable, store.Row{
		"key":        key,
		"job_id":     tentativeID,
		"created_at": now,
		"expires_at": now.Add(q.opts.IdempotencyTTL),
	})
	if err != nil {
		return nil, err
	}

	if res.Inserted {
		if err := q.insertJob(ctx, tentativeID, in, params, key); err != nil {
			return nil, err
		}
		return &SubmitResult{JobID: tentativeID, Status: StateQueued}, nil
	}

	existingJobID, _ := res.Existing["job_id"].(string)
	job, err := q.Get(ctx, existingJobID)
	if err != nil {
		return nil, err
	}

	switch job.State {
	case StateSucceeded:
		cached, _ := json.Marshal(job.ResultRef)
		return &SubmitResult{JobID: job.ID, Status: job.State, Existing: true, Cached: true, Result: cached}, nil
	case StateQueued, StateRunning:
		return &SubmitResult{JobID: job.ID, Status: job.State, Existing: true}, nil
	default: // failed, canceled
		return &SubmitResult{JobID: job.ID, Status: job.State, Existing: true, Hint: "resubmit with ForceNew to retry"}, nil
	}
}

func (q *Queue) insertJob(ctx context.Context, id string, in SubmitInput, params json.RawMessage, idemKey string) error {
	now := q.opts.Clock()
	row := store.Row{
		"id":              id,
		"type":            in.Type,
		"session_id":      in.SessionID,
		"parent_job_id":   in.ParentJobID,
		"params":          params,
		"idempotency_key": idemKey,
		"state":           string(StateQueued),
		"attempt":         0,
		"max_attempts":    q.opts.MaxAttempts,
		"created_at":      now,
		"updated_at":      now,
	}
	return q.st.Insert(ctx, jobsTable, row)
}

// Get fetches a job by id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	row, ok, err := q.st.Get(ctx, jobsTable, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "job %q not found", id)
	}
	return rowToJob(row), nil
}

// Lease atomically claims the oldest eligible job of one of the given types
// (empty types matches any) for workerID: either a freshly queued job, or a
// running job whose lease has expired. Returns nil, nil if none is
// available.
//
// The generic Store interface has no row-locking primitive, so this claim is
// optimistic rather than SELECT...FOR UPDATE SKIP LOCKED: the candidate row
// is re-read and re-checked inside a transaction immediately before the
// claiming Update, which closes all but the narrowest race window between
// two workers picking the same row in the same instant. A Postgres-backed
// Store could tighten this further with a locking query; the interface does
// not expose one today.
func (q *Queue) Lease(ctx context.Context, workerID string, types []string, now time.Time) (*Job, error) {
	candidates, err := q.eligibleCandidates(ctx, types, now)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var claimed *Job
	for _, c := range candidates {
		var out *Job
		err := q.st.WithTx(ctx, func(ctx context.Context) error {
			fresh, err := q.Get(ctx, c.ID)
			if err != nil {
				return err
			}
			if !stillEligible(fresh, now) {
				return nil // lost the race; try the next candidate
			}
			patch := store.Row{
				"state":             string(StateRunning),
				"leased_by":         workerID,
				"lease_expires_at":  now.Add(q.opts.LeaseDuration),
				"last_heartbeat_at": now,
				"attempt":           fresh.Attempt + 1,
				"updated_at":        now,
			}
			if err := q.st.Update(ctx, jobsTable, fresh.ID, patch); err != nil {
				return err
			}
			fresh.State = StateRunning
			fresh.LeasedBy = workerID
			fresh.Attempt++
			out = fresh
			return nil
		})
		if err != nil {
			return nil, err
		}
		if out != nil {
			claimed = out
			break
		}
	}
	return claimed, nil
}

func stillEligible(j *Job, now time.Time) bool {
	if j.State == StateQueued {
		return true
	}
	return j.State == StateRunning && j.LeaseExpiresAt.Before(now)
}

func (q *Queue) eligibleCandidates(ctx context.Context, types []string, now time.Time) ([]*Job, error) {
	queued, err := q.st.Query(ctx, jobsTable, store.Filter{"state": string(StateQueued)}, "created_at", false, 0)
	if err != nil {
		return nil, err
	}
	running, err := q.st.Query(ctx, jobsTable, store.Filter{"state": string(StateRunning)}, "created_at", false, 0)
	if err != nil {
		return nil, err
	}

	typeOK := func(t string) bool {
		if len(types) == 0 {
			return true
		}
		for _, want := range types {
			if want == t {
				return true
			}
		}
		return false
	}

	var out []*Job
	for _, row := range queued {
		j := rowToJob(row)
		if typeOK(j.Type) {
			out = append(out, j)
		}
	}
	for _, row := range running {
		j := rowToJob(row)
		if typeOK(j.Type) && j.LeaseExpiresAt.Before(now) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

// Heartbeat refreshes a held lease's expiry. Returns ok=false ("lost") if
// workerID no longer owns the lease; the caller MUST abort its work on a
// lost heartbeat.
func (q *Queue) Heartbeat(ctx context.Context, jobID, workerID string, now time.Time) (bool, error) {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.State != StateRunning || job.LeasedBy != workerID {
		return false, nil
	}
	err = q.st.Update(ctx, jobsTable, jobID, store.Row{
		"lease_expires_at":  now.Add(q.opts.LeaseDuration),
		"last_heartbeat_at": now,
		"updated_at":        now,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Complete transitions jobID to succeeded with resultRef. Idempotent: a
// second call on an already-terminal job is a no-op.
func (q *Queue) Complete(ctx context.Context, jobID, resultRef string) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.terminal() {
		return nil
	}
	return q.st.Update(ctx, jobsTable, jobID, store.Row{
		"state":      string(StateSucceeded),
		"result_ref": resultRef,
		"updated_at": q.opts.Clock(),
	})
}

// Fail transitions jobID to failed, recording cause's apperr.Kind and
// message. Idempotent.
func (q *Queue) Fail(ctx context.Context, jobID string, cause error) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.terminal() {
		return nil
	}
	return q.st.Update(ctx, jobsTable, jobID, store.Row{
		"state":         string(StateFailed),
		"error_kind":    string(apperr.KindOf(cause)),
		"error_message": cause.Error(),
		"updated_at":    q.opts.Clock(),
	})
}

// Cancel transitions jobID to canceled. Idempotent.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.terminal() {
		return nil
	}
	return q.st.Update(ctx, jobsTable, jobID, store.Row{
		"state":      string(StateCanceled),
		"updated_at": q.opts.Clock(),
	})
}

// Recover scans for running jobs whose lease has expired: jobs under
// maxAttempts return to queued, the rest are failed with a lease-expired
// error. Returns the number of jobs recovered.
func (q *Queue) Recover(ctx context.Context, now time.Time) (int, error) {
	running, err := q.st.Query(ctx, jobsTable, store.Filter{"state": string(StateRunning)}, "created_at", false, 0)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, row := range running {
		j := rowToJob(row)
		if !j.LeaseExpiresAt.Before(now) {
			continue
		}
		if j.Attempt >= j.MaxAttempts {
			cause := apperr.Newf(apperr.KindTransient, "lease expired after %d attempts (worker %s last seen %s)", j.Attempt, j.LeasedBy, j.LastHeartbeatAt)
			if err := q.Fail(ctx, j.ID, cause); err != nil {
				return recovered, err
			}
		} else {
			if err := q.st.Update(ctx, jobsTable, j.ID, store.Row{
				"state":      string(StateQueued),
				"leased_by":  "",
				"updated_at": now,
			}); err != nil {
				return recovered, err
			}
		}
		recovered++
	}
	return recovered, nil
}

func hashKey(jobType string, params json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(jobType))
	h.Write(params)
	return hex.EncodeToString(h.Sum(nil))
}

func newID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}

func rowToJob(row store.Row) *Job {
	j := &Job{
		ID:             str(row["id"]),
		Type:           str(row["type"]),
		SessionID:      str(row["session_id"]),
		ParentJobID:    str(row["parent_job_id"]),
		IdempotencyKey: str(row["idempotency_key"]),
		State:          State(str(row["state"])),
		LeasedBy:       str(row["leased_by"]),
		ErrorKind:      apperr.Kind(str(row["error_kind"])),
		ErrorMessage:   str(row["error_message"]),
		ResultRef:      str(row["result_ref"]),
	}
	if p, ok := row["params"]; ok && p != nil {
		switch v := p.(type) {
		case json.RawMessage:
			j.Params = v
		case []byte:
			j.Params = v
		case string:
			j.Params = json.RawMessage(v)
		}
	}
	j.Attempt = intOf(row["attempt"])
	j.MaxAttempts = intOf(row["max_attempts"])
	j.CreatedAt = timeOf(row["created_at"])
	j.UpdatedAt = timeOf(row["updated_at"])
	j.LeaseExpiresAt = timeOf(row["lease_expires_at"])
	j.LastHeartbeatAt = timeOf(row["last_heartbeat_at"])
	return j
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func intOf(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func timeOf(v any) time.Time {
	t, _ := v.(time.Time)
	return t
}
