// Package store implements C1: durable key-value + relational + vector
// storage for reports, jobs, idempotency keys, session events, and indexes.
//
// The primary implementation wraps github.com/jackc/pgx/v5 (pgxpool) and the
// pgvector Postgres extension, grounded on the connection-pooling and
// migration conventions of the example deployment tooling this module was
// adapted from. A non-durable in-memory fallback is available for tests and
// local development (memstore.go) and is rejected at startup for Job and
// IdempotencyRecord storage whenever STORE_DURABLE is true (the default).
package store

import (
	"context"
	"time"
)

// Row is a generic relational row keyed by a table-specific primary key. The
// orchestrator never persists via raw SQL at call sites outside this
// package; all access goes through the typed operations below.
type Row = map[string]any

// InsertResult reports the outcome of an atomic insert-if-absent.
type InsertResult struct {
	Inserted bool
	Existing Row
}

// VectorMatch is one result from a vectorSearch call.
type VectorMatch struct {
	ID       string
	Distance float64
}

// Filter narrows a vectorSearch or relational query to matching column
// values. Equality-only; anything richer goes through a dedicated typed
// query method.
type Filter map[string]any

// Store is the durable storage surface consumed by every other component.
// Implementations MUST surface persistent failures as apperr-classified
// errors and retry transient ones per apperr.DefaultRetryOptions.
type Store interface {
	// InsertIfAbsent atomically inserts row into table keyed by its primary
	// key column(s) if absent, or returns the existing row. Used for
	// idempotency-key resolution (§4.8) and docId+contentHash index
	// deduplication (§4.6).
	InsertIfAbsent(ctx context.Context, table string, row Row) (InsertResult, error)

	// VectorSearch returns the k nearest rows in table to queryVec by cosine
	// distance, optionally narrowed by filter.
	VectorSearch(ctx context.Context, table string, queryVec []float32, k int, filter Filter) ([]VectorMatch, error)

	// Get fetches a single row from table by primary key.
	Get(ctx context.Context, table string, id string) (Row, bool, error)

	// Insert inserts a new row, failing with apperr.KindConflict if the
	// primary key already exists.
	Insert(ctx context.Context, table string, row Row) error

	// Update applies a partial update to an existing row. Returns
	// apperr.KindNotFound if the row does not exist.
	Update(ctx context.Context, table string, id string, patch Row) error

	// Query runs an equality filter over table, returning matching rows
	// ordered by the given column, optionally descending, capped at limit
	// (0 means unlimited).
	Query(ctx context.Context, table string, filter Filter, orderBy string, desc bool, limit int) ([]Row, error)

	// WithTx runs fn within a single transaction. Nested calls reuse the
	// outer transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	// Durable reports whether this Store implementation is safe for
	// Job/IdempotencyRecord storage.
	Durable() bool

	// Close releases underlying resources.
	Close(ctx context.Context) error
}

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// SystemClock is the production Clock.
func SystemClock() time.Time { return time.Now().UTC() }
