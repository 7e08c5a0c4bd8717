package sessionbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goadesign/research-orchestrator/runtime/store"
)

func TestAppend_AssignsIncreasingSeqPerSession(t *testing.T) {
	bus := New(store.NewMem())
	ctx := context.Background()

	e1, err := bus.Append(ctx, "s1", "note", map[string]any{"text": "a"})
	require.NoError(t, err)
	e2, err := bus.Append(ctx, "s1", "note", map[string]any{"text": "b"})
	require.NoError(t, err)

	assert.Equal(t, 0, e1.Seq)
	assert.Equal(t, 1, e2.Seq)
}

func TestSubscribe_ReplaysHistoryThenDeliversLiveEvents(t *testing.T) {
	bus := New(store.NewMem())
	ctx := context.Background()

	_, err := bus.Append(ctx, "s1", "note", map[string]any{"text": "a"})
	require.NoError(t, err)

	ch, unsubscribe, err := bus.Subscribe(ctx, "s1", -1)
	require.NoError(t, err)
	defer unsubscribe()

	first := <-ch
	assert.Equal(t, "a", first.Payload.(map[string]any)["text"])

	_, err = bus.Append(ctx, "s1", "note", map[string]any{"text": "b"})
	require.NoError(t, err)

	second := <-ch
	assert.Equal(t, "b", second.Payload.(map[string]any)["text"])
}

func TestSubscribe_FromIndexSkipsAlreadySeenEvents(t *testing.T) {
	bus := New(store.NewMem())
	ctx := context.Background()

	first, err := bus.Append(ctx, "s1", "note", map[string]any{"text": "a"})
	require.NoError(t, err)
	_, err = bus.Append(ctx, "s1", "note", map[string]any{"text": "b"})
	require.NoError(t, err)

	ch, unsubscribe, err := bus.Subscribe(ctx, "s1", first.Seq)
	require.NoError(t, err)
	defer unsubscribe()

	ev := <-ch
	assert.Equal(t, "b", ev.Payload.(map[string]any)["text"])
}

func TestUndoRedo_MovesCursorAndProjectsState(t *testing.T) {
	bus := New(store.NewMem())
	ctx := context.Background()

	_, err := bus.Append(ctx, "s1", "status", map[string]any{"state": "planning"})
	require.NoError(t, err)
	_, err = bus.Append(ctx, "s1", "status", map[string]any{"state": "researching"})
	require.NoError(t, err)
	_, err = bus.Append(ctx, "s1", "status", map[string]any{"state": "complete"})
	require.NoError(t, err)

	state, err := bus.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "complete", state["state"])

	require.NoError(t, bus.Undo(ctx, "s1"))
	state, err = bus.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "researching", state["state"])

	require.NoError(t, bus.Redo(ctx, "s1"))
	state, err = bus.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "complete", state["state"])
}

func TestUndo_SkipsCheckpointEvents(t *testing.T) {
	bus := New(store.NewMem())
	ctx := context.Background()

	_, err := bus.Append(ctx, "s1", "status", map[string]any{"state": "planning"})
	require.NoError(t, err)
	require.NoError(t, bus.Checkpoint(ctx, "s1", "before-research"))
	_, err = bus.Append(ctx, "s1", "status", map[string]any{"state": "researching"})
	require.NoError(t, err)

	require.NoError(t, bus.Undo(ctx, "s1"))
	state, err := bus.State(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "planning", state["state"])
}

func TestFork_CopiesLogPrefixIntoNewSession(t *testing.T) {
	bus := New(store.NewMem())
	ctx := context.Background()

	_, err := bus.Append(ctx, "s1", "status", map[string]any{"state": "planning"})
	require.NoError(t, err)
	_, err = bus.Append(ctx, "s1", "status", map[string]any{"state": "researching"})
	require.NoError(t, err)

	forkID, err := bus.Fork(ctx, "s1")
	require.NoError(t, err)
	assert.NotEqual(t, "s1", forkID)

	state, err := bus.State(ctx, forkID)
	require.NoError(t, err)
	assert.Equal(t, "researching", state["state"])

	_, err = bus.Append(ctx, "s1", "status", map[string]any{"state": "complete"})
	require.NoError(t, err)

	forkedState, err := bus.State(ctx, forkID)
	require.NoError(t, err)
	assert.Equal(t, "researching", forkedState["state"], "fork must not see events appended to the original session afterward")
}

func TestTimeTravel_ProjectsStateAsOfTimestamp(t *testing.T) {
	bus := New(store.NewMem())
	ctx := context.Background()

	_, err := bus.Append(ctx, "s1", "status", map[string]any{"state": "planning"})
	require.NoError(t, err)
	cutoff := time.Now().UTC().Add(time.Millisecond)
	time.Sleep(2 * time.Millisecond)
	_, err = bus.Append(ctx, "s1", "status", map[string]any{"state": "complete"})
	require.NoError(t, err)

	state, err := bus.TimeTravel(ctx, "s1", cutoff)
	require.NoError(t, err)
	assert.Equal(t, "planning", state["state"])
}

func TestSessionSink_EmitsThroughBus(t *testing.T) {
	bus := New(store.NewMem())
	sink := NewSessionSink(bus, "s1")
	sink.Emit(context.Background(), "synthesis_token", map[string]any{"delta": "hi"})

	state, err := bus.State(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "hi", state["delta"])
}
