package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goadesign/research-orchestrator/runtime/apperr"
	"github.com/goadesign/research-orchestrator/runtime/store"
)

func newTestQueue(t *testing.T, now *time.Time) *Queue {
	t.Helper()
	q, err := New(store.NewMem(), Options{
		LeaseDuration:  time.Minute,
		HeartbeatEvery: 5 * time.Second,
		MaxAttempts:    3,
		Clock:          func() time.Time { return *now },
	})
	require.NoError(t, err)
	return q
}

func TestNew_RejectsHeartbeatNotBelowLeaseOverThree(t *testing.T) {
	_, err := New(store.NewMem(), Options{LeaseDuration: 30 * time.Second, HeartbeatEvery: 15 * time.Second})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInternal))
}

func TestSubmit_SameIdempotencyKeyReturnsSameJob(t *testing.T) {
	now := time.Now()
	q := newTestQueue(t, &now)
	ctx := context.Background()

	first, err := q.Submit(ctx, SubmitInput{Type: "research", Params: map[string]any{"q": "x"}, IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.False(t, first.Existing)

	second, err := q.Submit(ctx, SubmitInput{Type: "research", Params: map[string]any{"q": "x"}, IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.True(t, second.Existing)
	assert.Equal(t, first.JobID, second.JobID)
}

func TestSubmit_SucceededJobReturnsCachedResult(t *testing.T) {
	now := time.Now()
	q := newTestQueue(t, &now)
	ctx := context.Background()

	sub, err := q.Submit(ctx, SubmitInput{Type: "research", IdempotencyKey: "k1"})
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, sub.JobID, "report-1"))

	again, err := q.Submit(ctx, SubmitInput{Type: "research", IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, sub.JobID, again.JobID)
}

func TestSubmit_ForceNewAlwaysCreatesDistinctJob(t *testing.T) {
	now := time.Now()
	q := newTestQueue(t, &now)
	ctx := context.Background()

	a, err := q.Submit(ctx, SubmitInput{Type: "research", IdempotencyKey: "k1", ForceNew: true})
	require.NoError(t, err)
	b, err := q.Submit(ctx, SubmitInput{Type: "research", IdempotencyKey: "k1", ForceNew: true})
	require.NoError(t, err)
	assert.NotEqual(t, a.JobID, b.JobID)
}

func TestLease_ClaimsOldestQueuedJobOfMatchingType(t *testing.T) {
	now := time.Now()
	q := newTestQueue(t, &now)
	ctx := context.Background()

	_, err := q.Submit(ctx, SubmitInput{Type: "index_update", ForceNew: true})
	require.NoError(t, err)
	now = now.Add(time.Millisecond)
	research, err := q.Submit(ctx, SubmitInput{Type: "research", ForceNew: true})
	require.NoError(t, err)

	job, err := q.Lease(ctx, "worker-1", []string{"research"}, now)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, research.JobID, job.ID)
	assert.Equal(t, StateRunning, job.State)
	assert.Equal(t, 1, job.Attempt)
}

func TestLease_ReturnsNilWhenNoneAvailable(t *testing.T) {
	now := time.Now()
	q := newTestQueue(t, &now)
	job, err := q.Lease(context.Background(), "worker-1", []string{"research"}, now)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestLease_ReclaimsJobWithExpiredLease(t *testing.T) {
	now := time.Now()
	q := newTestQueue(t, &now)
	ctx := context.Background()

	sub, err := q.Submit(ctx, SubmitInput{Type: "research", ForceNew: true})
	require.NoError(t, err)
	_, err = q.Lease(ctx, "worker-1", nil, now)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute) // past the 1-minute lease
	job, err := q.Lease(ctx, "worker-2", nil, now)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, sub.JobID, job.ID)
	assert.Equal(t, 2, job.Attempt)
}

func TestHeartbeat_RefreshesLeaseForOwner(t *testing.T) {
	now := time.Now()
	q := newTestQueue(t, &now)
	ctx := context.Background()

	sub, err := q.Submit(ctx, SubmitInput{Type: "research", ForceNew: true})
	require.NoError(t, err)
	_, err = q.Lease(ctx, "worker-1", nil, now)
	require.NoError(t, err)

	ok, err := q.Heartbeat(ctx, sub.JobID, "worker-1", now.Add(10*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHeartbeat_LostWhenOwnerMismatched(t *testing.T) {
	now := time.Now()
	q := newTestQueue(t, &now)
	ctx := context.Background()

	sub, err := q.Submit(ctx, SubmitInput{Type: "research", ForceNew: true})
	require.NoError(t, err)
	_, err = q.Lease(ctx, "worker-1", nil, now)
	require.NoError(t, err)

	ok, err := q.Heartbeat(ctx, sub.JobID, "worker-2", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestComplete_IsIdempotent(t *testing.T) {
	now := time.Now()
	q := newTestQueue(t, &now)
	ctx := context.Background()

	sub, err := q.Submit(ctx, SubmitInput{Type: "research", ForceNew: true})
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, sub.JobID, "report-1"))
	require.NoError(t, q.Complete(ctx, sub.JobID, "report-2")) // no-op, terminal already

	job, err := q.Get(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, "report-1", job.ResultRef)
}

func TestRecover_FailsJobAtMaxAttempts(t *testing.T) {
	now := time.Now()
	q := newTestQueue(t, &now)
	ctx := context.Background()

	sub, err := q.Submit(ctx, SubmitInput{Type: "research", ForceNew: true})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = q.Lease(ctx, "worker-1", nil, now)
		require.NoError(t, err)
		now = now.Add(2 * time.Minute)
	}

	n, err := q.Recover(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := q.Get(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, apperr.KindTransient, job.ErrorKind)
}

func TestFail_RecordsErrorKindAndMessage(t *testing.T) {
	now := time.Now()
	q := newTestQueue(t, &now)
	ctx := context.Background()

	sub, err := q.Submit(ctx, SubmitInput{Type: "research", ForceNew: true})
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, sub.JobID, apperr.New(apperr.KindUpstream, "provider exhausted")))

	job, err := q.Get(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, apperr.KindUpstream, job.ErrorKind)
}

func TestCancel_IsIdempotentAndTerminal(t *testing.T) {
	now := time.Now()
	q := newTestQueue(t, &now)
	ctx := context.Background()

	sub, err := q.Submit(ctx, SubmitInput{Type: "research", ForceNew: true})
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, sub.JobID))
	require.NoError(t, q.Cancel(ctx, sub.JobID))

	job, err := q.Get(ctx, sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, StateCanceled, job.State)
}
