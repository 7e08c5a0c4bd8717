package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/goadesign/research-orchestrator/runtime/apperr"
)

type pgTxKey struct{}

// Postgres implements Store atop a pgx connection pool. Table/column names
// are trusted identifiers supplied by the orchestrator's own packages (never
// derived from external input), so they are interpolated directly; all
// values are passed as bind parameters.
type Postgres struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and verifies connectivity with a ping.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "open postgres pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "ping postgres", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Durable() bool { return true }

func (p *Postgres) Close(_ context.Context) error {
	p.pool.Close()
	return nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (p *Postgres) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		return tx
	}
	return p.pool
}

// WithTx runs fn inside a single transaction, reusing an outer transaction
// when nested.
func (p *Postgres) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	return apperr.Retry(ctx, apperr.DefaultRetryOptions(), func(ctx context.Context) error {
		tx, err := p.pool.Begin(ctx)
		if err != nil {
			return apperr.Wrap(apperr.KindTransient, "begin tx", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()
		if err := fn(context.WithValue(ctx, pgTxKey{}, tx)); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return apperr.Wrap(apperr.KindTransient, "commit tx", err)
		}
		return nil
	})
}

// InsertIfAbsent performs INSERT ... ON CONFLICT DO NOTHING RETURNING *,
// falling back to a SELECT of the existing row when the conflict fires.
// Contract (§4.1, §4.8): the first insert wins race-free because the
// conflict resolution happens inside a single statement.
func (p *Postgres) InsertIfAbsent(ctx context.Context, table string, row Row) (InsertResult, error) {
	pkCol, pkVal := primaryKey(table, row)
	cols, vals, placeholders := rowToInsert(row)
	sql := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING RETURNING %s",
		table, strings.Join(cols, ","), strings.Join(placeholders, ","), pkCol, strings.Join(cols, ","),
	)
	var res InsertResult
	err := apperr.Retry(ctx, apperr.DefaultRetryOptions(), func(ctx context.Context) error {
		rows, err := p.q(ctx).Query(ctx, sql, vals...)
		if err != nil {
			return apperr.Wrap(apperr.KindTransient, "insert if absent", err)
		}
		defer rows.Close()
		if rows.Next() {
			out, err := scanRow(rows, cols)
			if err != nil {
				return apperr.Wrap(apperr.KindInternal, "scan inserted row", err)
			}
			res = InsertResult{Inserted: true, Existing: out}
			return nil
		}
		existing, ok, err := p.getByColumn(ctx, table, pkCol, pkVal)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.New(apperr.KindInternal, "insert-if-absent conflict but row missing")
		}
		res = InsertResult{Inserted: false, Existing: existing}
		return nil
	})
	return res, err
}

func (p *Postgres) Get(ctx context.Context, table string, id string) (Row, bool, error) {
	return p.getByColumn(ctx, table, "id", id)
}

func (p *Postgres) getByColumn(ctx context.Context, table, col string, val any) (Row, bool, error) {
	sql := fmt.Sprintf("SELECT * FROM %s WHERE %s = $1", table, col)
	var out Row
	var found bool
	err := apperr.Retry(ctx, apperr.DefaultRetryOptions(), func(ctx context.Context) error {
		rows, err := p.q(ctx).Query(ctx, sql, val)
		if err != nil {
			return apperr.Wrap(apperr.KindTransient, "get row", err)
		}
		defer rows.Close()
		if !rows.Next() {
			return nil
		}
		fields := rows.FieldDescriptions()
		names := make([]string, len(fields))
		for i, f := range fields {
			names[i] = string(f.Name)
		}
		r, err := scanRow(rows, names)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "scan row", err)
		}
		out, found = r, true
		return nil
	})
	return out, found, err
}

func (p *Postgres) Insert(ctx context.Context, table string, row Row) error {
	cols, vals, placeholders := rowToInsert(row)
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ","), strings.Join(placeholders, ","))
	return apperr.Retry(ctx, apperr.DefaultRetryOptions(), func(ctx context.Context) error {
		_, err := p.q(ctx).Exec(ctx, sql, vals...)
		if err != nil {
			if isUniqueViolation(err) {
				return apperr.Wrap(apperr.KindConflict, "row already exists", err)
			}
			return apperr.Wrap(apperr.KindTransient, "insert row", err)
		}
		return nil
	})
}

func (p *Postgres) Update(ctx context.Context, table string, id string, patch Row) error {
	cols := sortedKeys(patch)
	sets := make([]string, len(cols))
	vals := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", c, i+1)
		vals = append(vals, patch[c])
	}
	vals = append(vals, id)
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", table, strings.Join(sets, ","), len(vals))
	return apperr.Retry(ctx, apperr.DefaultRetryOptions(), func(ctx context.Context) error {
		tag, err := p.q(ctx).Exec(ctx, sql, vals...)
		if err != nil {
			return apperr.Wrap(apperr.KindTransient, "update row", err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.New(apperr.KindNotFound, fmt.Sprintf("%s %s not found", table, id))
		}
		return nil
	})
}

func (p *Postgres) Query(ctx context.Context, table string, filter Filter, orderBy string, desc bool, limit int) ([]Row, error) {
	where, vals := filterClause(filter)
	sql := fmt.Sprintf("SELECT * FROM %s", table)
	if where != "" {
		sql += " WHERE " + where
	}
	if orderBy != "" {
		sql += " ORDER BY " + orderBy
		if desc {
			sql += " DESC"
		}
	}
	if limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", limit)
	}
	var out []Row
	err := apperr.Retry(ctx, apperr.DefaultRetryOptions(), func(ctx context.Context) error {
		rows, err := p.q(ctx).Query(ctx, sql, vals...)
		if err != nil {
			return apperr.Wrap(apperr.KindTransient, "query rows", err)
		}
		defer rows.Close()
		fields := rows.FieldDescriptions()
		names := make([]string, len(fields))
		for i, f := range fields {
			names[i] = string(f.Name)
		}
		out = nil
		for rows.Next() {
			r, err := scanRow(rows, names)
			if err != nil {
				return apperr.Wrap(apperr.KindInternal, "scan row", err)
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// QuerySQL runs a caller-supplied read-only statement and returns the
// resulting rows. It is a narrow escape hatch for ad hoc retrieval (the MCP
// `retrieve` tool's `sql` argument) and is restricted to SELECT statements;
// everything else in this package still goes through the typed operations
// above. Implements the optional SQLQuerier capability consumed by
// runtime/mcpserver.
func (p *Postgres) QuerySQL(ctx context.Context, sql string) ([]Row, error) {
	trimmed := strings.TrimSpace(strings.ToLower(sql))
	if !strings.HasPrefix(trimmed, "select") {
		return nil, apperr.New(apperr.KindValidation, "retrieve: only SELECT statements are allowed")
	}
	var out []Row
	err := apperr.Retry(ctx, apperr.DefaultRetryOptions(), func(ctx context.Context) error {
		rows, err := p.q(ctx).Query(ctx, sql)
		if err != nil {
			return apperr.Wrap(apperr.KindValidation, "execute retrieve sql", err)
		}
		defer rows.Close()
		fields := rows.FieldDescriptions()
		names := make([]string, len(fields))
		for i, f := range fields {
			names[i] = string(f.Name)
		}
		out = nil
		for rows.Next() {
			r, err := scanRow(rows, names)
			if err != nil {
				return apperr.Wrap(apperr.KindInternal, "scan retrieve row", err)
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// VectorSearch orders table by cosine distance to queryVec using the
// pgvector `<=>` operator over the table's `embedding` column.
func (p *Postgres) VectorSearch(ctx context.Context, table string, queryVec []float32, k int, filter Filter) ([]VectorMatch, error) {
	where, vals := filterClause(filter)
	sql := fmt.Sprintf("SELECT id, embedding <=> $%d AS distance FROM %s", len(vals)+1, table)
	if where != "" {
		sql += " WHERE " + where
	}
	sql += " ORDER BY distance ASC"
	if k > 0 {
		sql += fmt.Sprintf(" LIMIT %d", k)
	}
	vals = append(vals, vectorLiteral(queryVec))
	var out []VectorMatch
	err := apperr.Retry(ctx, apperr.DefaultRetryOptions(), func(ctx context.Context) error {
		rows, err := p.q(ctx).Query(ctx, sql, vals...)
		if err != nil {
			return apperr.Wrap(apperr.KindTransient, "vector search", err)
		}
		defer rows.Close()
		out = nil
		for rows.Next() {
			var id string
			var dist float64
			if err := rows.Scan(&id, &dist); err != nil {
				return apperr.Wrap(apperr.KindInternal, "scan vector match", err)
			}
			out = append(out, VectorMatch{ID: id, Distance: dist})
		}
		return nil
	})
	return out, err
}

func vectorLiteral(v []float32) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = fmt.Sprintf("%g", f)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func rowToInsert(row Row) (cols []string, vals []any, placeholders []string) {
	cols = sortedKeys(row)
	vals = make([]any, len(cols))
	placeholders = make([]string, len(cols))
	for i, c := range cols {
		vals[i] = row[c]
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	return
}

func filterClause(filter Filter) (string, []any) {
	if len(filter) == 0 {
		return "", nil
	}
	keys := sortedKeys(filter)
	clauses := make([]string, len(keys))
	vals := make([]any, len(keys))
	for i, k := range keys {
		clauses[i] = fmt.Sprintf("%s = $%d", k, i+1)
		vals[i] = filter[k]
	}
	return strings.Join(clauses, " AND "), vals
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func scanRow(rows pgx.Rows, cols []string) (Row, error) {
	vals, err := rows.Values()
	if err != nil {
		return nil, err
	}
	out := make(Row, len(cols))
	for i, c := range cols {
		if i < len(vals) {
			out[c] = vals[i]
		}
	}
	return out, nil
}

// primaryKey resolves the conflict target column for a table. Every
// orchestrator table uses a single-column primary key; idempotency uses its
// natural key ("key") rather than a surrogate id.
func primaryKey(table string, row Row) (string, any) {
	if table == "idempotency" {
		return "key", row["key"]
	}
	return "id", row["id"]
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "SQLSTATE 23505")
}
