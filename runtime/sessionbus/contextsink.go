package sessionbus

import "context"

// sessionContextKey is the context key a job's session id is carried under
// so a single, process-wide ContextSink can route each Emit call to the
// right session without needing one Planner/Researcher/Synthesizer/
// Orchestrator instance per in-flight job.
type sessionContextKey struct{}

// WithSession returns a context carrying sessionID, for a caller about to
// run one job's pipeline stages against a shared ContextSink.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sessionID)
}

// SessionFromContext returns the session id WithSession attached, if any.
func SessionFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionContextKey{}).(string)
	return id, ok
}

// ContextSink adapts a Bus to the EventSink seam the same way SessionSink
// does, but resolves its target session per call from ctx rather than at
// construction. One ContextSink can therefore be shared across every
// concurrently running job's Planner/Researcher/Synthesizer/Orchestrator,
// which are each constructed once per process and handed a single EventSink
// at that time — unlike SessionSink, which only ever serves the one session
// it was built for. A call with no session in context is silently dropped,
// same fail-open stance as SessionSink.Emit.
type ContextSink struct {
	bus *Bus
}

// NewContextSink returns an EventSink that reads its target session from
// each call's context.
func NewContextSink(bus *Bus) *ContextSink {
	return &ContextSink{bus: bus}
}

// Emit appends eventType/payload to the session named in ctx, if any.
func (s *ContextSink) Emit(ctx context.Context, eventType string, payload any) {
	sessionID, ok := SessionFromContext(ctx)
	if !ok || sessionID == "" {
		return
	}
	_, _ = s.bus.Append(ctx, sessionID, eventType, payload)
}
