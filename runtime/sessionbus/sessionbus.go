// Package sessionbus implements C14: a per-session durable append-only
// event log plus a live pub/sub fan-out, with resumable cursors, fork,
// checkpoint, and undo/redo time-travel.
//
// Adapted from the teacher's runtime/agent/session (the Session/RunMeta
// Store contract this package's session lifecycle mirrors) and
// runlog (the append/cursor-paginated log shape), plus tarsy's
// pkg/events (ConnectionManager's channel-subscription map and
// EventPublisher's persist-then-broadcast pattern) for the live
// broadcast half. Where tarsy broadcasts across processes via Postgres
// LISTEN/NOTIFY, this package fans out in-process over Go channels: the
// durable log already lives behind the storage-agnostic runtime/store
// Store, so a multi-process deployment adds NOTIFY (or any pub/sub) at
// that seam without touching this package's public surface.
package sessionbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goadesign/research-orchestrator/runtime/store"
)

const (
	sessionsTable = "sessions"
	eventsTable   = "session_events"

	// subscriberBuffer bounds each subscriber's channel. A subscriber that
	// falls this far behind is disconnected rather than stalling Append
	// for the rest of the session, per spec.md §5's bounded-buffer rule.
	subscriberBuffer = 256
)

// CheckpointType marks a named checkpoint event. Undo and Redo step over
// checkpoints, but the cursor can still rest on one when it sits at the head
// of the log (its default) or is clamped at either end. There is no dedicated
// schema column for this; it is recovered from Type on read.
const CheckpointType = "checkpoint"

// Event is one immutable entry in a session's event log, mirroring the
// session_events table (migrations/0005_sessions.up.sql).
type Event struct {
	ID        string
	SessionID string
	Seq       int
	Type      string
	Payload   any
	CreatedAt time.Time
}

// IsCheckpoint reports whether ev is a checkpoint marker.
func (ev Event) IsCheckpoint() bool { return ev.Type == CheckpointType }

type subscriber struct {
	id string
	ch chan Event
}

// Bus is a durable, append-only, per-session event log with live fan-out.
// Per-session appends are serialized by a session-scoped mutex; distinct
// sessions proceed independently, matching spec.md §5.
type Bus struct {
	store store.Store

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	subMu       sync.RWMutex
	subscribers map[string]map[string]*subscriber
}

// New constructs a Bus backed by st.
func New(st store.Store) *Bus {
	return &Bus{
		store:       st,
		locks:       make(map[string]*sync.Mutex),
		subscribers: make(map[string]map[string]*subscriber),
	}
}

// SessionSink adapts a Bus to the EventSink seam each pipeline stage
// (runtime/planner, runtime/researcher, runtime/synthesizer,
// runtime/orchestrator) defines locally: Emit(ctx, eventType, payload)
// with no session parameter, since each stage is given one sink per job
// and never multiplexes sessions itself. Errors are intentionally
// swallowed (telemetry must never fail a pipeline stage); callers that
// need the persisted Event should call Bus.Append directly instead.
type SessionSink struct {
	bus       *Bus
	sessionID string
}

// NewSessionSink returns an EventSink bound to one session.
func NewSessionSink(bus *Bus, sessionID string) *SessionSink {
	return &SessionSink{bus: bus, sessionID: sessionID}
}

// Emit appends eventType/payload to the bound session's log and
// broadcasts it to live subscribers.
func (s *SessionSink) Emit(ctx context.Context, eventType string, payload any) {
	_, _ = s.bus.Append(ctx, s.sessionID, eventType, payload)
}

func (b *Bus) lockFor(sessionID string) *sync.Mutex {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	l, ok := b.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		b.locks[sessionID] = l
	}
	return l
}

// Append stores one event at the end of sessionID's log and broadcasts it
// to every live subscriber. Append is serialized per session: concurrent
// callers on the same sessionID observe strictly increasing Seq values.
// The owning session row is created on first use, per spec.md §4.1's
// "created on first use" session lifecycle.
func (b *Bus) Append(ctx context.Context, sessionID, eventType string, payload any) (Event, error) {
	lock := b.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := b.ensureSessionLocked(ctx, sessionID, ""); err != nil {
		return Event{}, err
	}

	seq, err := b.nextSeqLocked(ctx, sessionID)
	if err != nil {
		return Event{}, err
	}

	ev := Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Seq:       seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := b.store.Insert(ctx, eventsTable, eventRow(ev)); err != nil {
		return Event{}, err
	}

	b.broadcastLocked(sessionID, ev)
	return ev, nil
}

// ensureSessionLocked creates sessionID's session row if absent. Callers
// must hold sessionID's lock (for a fresh id) or newID's lock (for Fork).
func (b *Bus) ensureSessionLocked(ctx context.Context, sessionID, parentID string) error {
	now := time.Now().UTC()
	var parent any
	if parentID != "" {
		parent = parentID
	}
	row := store.Row{"id": sessionID, "parent_id": parent, "created_at": now, "updated_at": now}
	_, err := b.store.InsertIfAbsent(ctx, sessionsTable, row)
	return err
}

func (b *Bus) nextSeqLocked(ctx context.Context, sessionID string) (int, error) {
	rows, err := b.store.Query(ctx, eventsTable, store.Filter{"session_id": sessionID}, "seq", true, 1)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	last, _ := rows[0]["seq"].(int)
	return last + 1, nil
}

func (b *Bus) broadcastLocked(sessionID string, ev Event) {
	b.subMu.RLock()
	subs := b.subscribers[sessionID]
	targets := make([]*subscriber, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	b.subMu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- ev:
		default:
			// Subscriber too slow: disconnect it rather than block Append
			// or drop events silently. The caller's range over the channel
			// observes the close and must resubscribe with Last-Event-Id.
			b.disconnect(sessionID, s.id)
		}
	}
}

func (b *Bus) disconnect(sessionID, subID string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	subs := b.subscribers[sessionID]
	if subs == nil {
		return
	}
	if s, ok := subs[subID]; ok {
		close(s.ch)
		delete(subs, subID)
	}
	if len(subs) == 0 {
		delete(b.subscribers, sessionID)
	}
}

// Subscribe returns a channel of events for sessionID with Seq >
// fromIndex, plus an unsubscribe func; pass -1 to replay the whole log.
// This mirrors the Last-Event-Id resumption idiom: a reconnecting
// subscriber passes the Seq of the last event it saw. The channel is
// closed if the subscriber falls too far behind to keep up.
//
// Catch-up replay and live-channel registration happen atomically under
// the session's append lock, so no event can be appended (and thus
// delivered live) between the catch-up snapshot and registration: the
// subscriber sees every event exactly once, in order.
func (b *Bus) Subscribe(ctx context.Context, sessionID string, fromIndex int) (<-chan Event, func(), error) {
	lock := b.lockFor(sessionID)
	lock.Lock()

	rows, err := b.store.Query(ctx, eventsTable, store.Filter{"session_id": sessionID}, "seq", false, 0)
	if err != nil {
		lock.Unlock()
		return nil, nil, err
	}

	ch := make(chan Event, subscriberBuffer)
	subID := uuid.NewString()
	b.subMu.Lock()
	if b.subscribers[sessionID] == nil {
		b.subscribers[sessionID] = make(map[string]*subscriber)
	}
	b.subscribers[sessionID][subID] = &subscriber{id: subID, ch: ch}
	b.subMu.Unlock()
	lock.Unlock()

	for _, row := range rows {
		ev := eventFromRow(row)
		if ev.Seq <= fromIndex {
			continue
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
			b.disconnect(sessionID, subID)
			return nil, nil, ctx.Err()
		}
	}

	unsubscribe := func() { b.disconnect(sessionID, subID) }
	return ch, unsubscribe, nil
}

// Checkpoint appends a named checkpoint marker. Checkpoints are
// transparent to Undo/Redo: the cursor always skips past them.
func (b *Bus) Checkpoint(ctx context.Context, sessionID, name string) error {
	_, err := b.Append(ctx, sessionID, CheckpointType, map[string]any{"name": name})
	return err
}

// Fork copies sessionID's event log prefix up to its current cursor into
// a new session id, returning the new id. The new session starts with its
// own cursor pinned at the same relative position.
func (b *Bus) Fork(ctx context.Context, sessionID string) (string, error) {
	lock := b.lockFor(sessionID)
	lock.Lock()
	rows, err := b.store.Query(ctx, eventsTable, store.Filter{"session_id": sessionID}, "seq", false, 0)
	lock.Unlock()
	if err != nil {
		return "", err
	}

	cursor, err := b.cursorOrHead(ctx, sessionID, len(rows))
	if err != nil {
		return "", err
	}

	newID := "sess_" + uuid.NewString()
	newLock := b.lockFor(newID)
	newLock.Lock()
	defer newLock.Unlock()

	if err := b.ensureSessionLocked(ctx, newID, sessionID); err != nil {
		return "", err
	}
	for i, row := range rows {
		if i > cursor {
			break
		}
		ev := eventFromRow(row)
		ev.ID = uuid.NewString()
		ev.SessionID = newID
		if err := b.store.Insert(ctx, eventsTable, eventRow(ev)); err != nil {
			return "", err
		}
	}
	if err := b.setCursor(ctx, newID, cursor); err != nil {
		return "", err
	}
	return newID, nil
}

// Undo moves sessionID's cursor back one non-checkpoint event. It is a
// no-op at the start of the log.
func (b *Bus) Undo(ctx context.Context, sessionID string) error {
	return b.moveCursor(ctx, sessionID, -1)
}

// Redo moves sessionID's cursor forward one non-checkpoint event. It is a
// no-op at the head of the log.
func (b *Bus) Redo(ctx context.Context, sessionID string) error {
	return b.moveCursor(ctx, sessionID, 1)
}

func (b *Bus) moveCursor(ctx context.Context, sessionID string, step int) error {
	lock := b.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	rows, err := b.store.Query(ctx, eventsTable, store.Filter{"session_id": sessionID}, "seq", false, 0)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	cursor, err := b.cursorOrHead(ctx, sessionID, len(rows))
	if err != nil {
		return err
	}

	next := cursor + step
	for next >= 0 && next < len(rows) && eventFromRow(rows[next]).IsCheckpoint() {
		next += step
	}
	if next < 0 {
		next = 0
	}
	if next >= len(rows) {
		next = len(rows) - 1
	}
	return b.setCursor(ctx, sessionID, next)
}

// State returns the projected state at sessionID's current cursor: the
// fold of every event from the start of the log up to (and including)
// the cursor.
func (b *Bus) State(ctx context.Context, sessionID string) (map[string]any, error) {
	rows, err := b.store.Query(ctx, eventsTable, store.Filter{"session_id": sessionID}, "seq", false, 0)
	if err != nil {
		return nil, err
	}
	cursor, err := b.cursorOrHead(ctx, sessionID, len(rows))
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, cursor+1)
	for i, row := range rows {
		if i > cursor {
			break
		}
		events = append(events, eventFromRow(row))
	}
	return project(events), nil
}

// TimeTravel returns the projected state folding every event up to and
// including the last one at or before timestamp, ignoring the current
// undo/redo cursor entirely.
func (b *Bus) TimeTravel(ctx context.Context, sessionID string, timestamp time.Time) (map[string]any, error) {
	rows, err := b.store.Query(ctx, eventsTable, store.Filter{"session_id": sessionID}, "seq", false, 0)
	if err != nil {
		return nil, err
	}
	var events []Event
	for _, row := range rows {
		ev := eventFromRow(row)
		if ev.CreatedAt.After(timestamp) {
			break
		}
		events = append(events, ev)
	}
	return project(events), nil
}

// cursorOrHead returns sessionID's undo/redo cursor, stored as
// sessions.checkpoint_seq, defaulting to the head of the log (total-1)
// when no session row exists yet or no cursor has been set.
func (b *Bus) cursorOrHead(ctx context.Context, sessionID string, total int) (int, error) {
	row, ok, err := b.store.Get(ctx, sessionsTable, sessionID)
	if err != nil {
		return 0, err
	}
	head := total - 1
	if head < 0 {
		head = 0
	}
	if !ok {
		return head, nil
	}
	cursor, ok := row["checkpoint_seq"].(int)
	if !ok {
		return head, nil
	}
	if cursor > head {
		cursor = head
	}
	if cursor < 0 {
		cursor = 0
	}
	return cursor, nil
}

func (b *Bus) setCursor(ctx context.Context, sessionID string, cursor int) error {
	if err := b.ensureSessionLocked(ctx, sessionID, ""); err != nil {
		return err
	}
	return b.store.Update(ctx, sessionsTable, sessionID, store.Row{"checkpoint_seq": cursor, "updated_at": time.Now().UTC()})
}

// project folds events into a generic state map: map-shaped payloads are
// shallow-merged into the running state (later events win on shared
// keys), and every event's raw payload is also kept under its type name
// so consumers can inspect type-specific history without a schema.
func project(events []Event) map[string]any {
	state := make(map[string]any)
	for _, ev := range events {
		if m, ok := ev.Payload.(map[string]any); ok {
			for k, v := range m {
				state[k] = v
			}
		}
		state[ev.Type] = ev.Payload
		state["_last_seq"] = ev.Seq
		state["_last_type"] = ev.Type
	}
	return state
}

func eventRow(ev Event) store.Row {
	return store.Row{
		"id":         ev.ID,
		"session_id": ev.SessionID,
		"seq":        ev.Seq,
		"type":       ev.Type,
		"payload":    ev.Payload,
		"created_at": ev.CreatedAt,
	}
}

func eventFromRow(row store.Row) Event {
	ev := Event{}
	ev.ID, _ = row["id"].(string)
	ev.SessionID, _ = row["session_id"].(string)
	ev.Seq, _ = row["seq"].(int)
	ev.Type, _ = row["type"].(string)
	ev.Payload = row["payload"]
	ev.CreatedAt, _ = row["created_at"].(time.Time)
	return ev
}
