package store

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/goadesign/research-orchestrator/runtime/apperr"
)

// Mem is a non-durable, in-process Store used for local development and unit
// tests. It never persists across restarts and reports Durable() == false;
// it accepts every write itself, and cmd/orchestratord only selects it when
// STORE_DURABLE is false.
type Mem struct {
	mu     sync.RWMutex
	tables map[string]map[string]Row
}

// NewMem constructs an empty in-memory Store.
func NewMem() *Mem {
	return &Mem{tables: make(map[string]map[string]Row)}
}

func (m *Mem) Durable() bool { return false }

func (m *Mem) Close(_ context.Context) error { return nil }

func (m *Mem) table(name string) map[string]Row {
	t, ok := m.tables[name]
	if !ok {
		t = make(map[string]Row)
		m.tables[name] = t
	}
	return t
}

func keyOf(table string, row Row) string {
	col, _ := primaryKey(table, row)
	if v, ok := row[col]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func clone(row Row) Row {
	out := make(Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func (m *Mem) InsertIfAbsent(_ context.Context, table string, row Row) (InsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(table)
	k := keyOf(table, row)
	if existing, ok := t[k]; ok {
		return InsertResult{Inserted: false, Existing: clone(existing)}, nil
	}
	t[k] = clone(row)
	return InsertResult{Inserted: true, Existing: clone(row)}, nil
}

func (m *Mem) Get(_ context.Context, table string, id string) (Row, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[table]
	if !ok {
		return nil, false, nil
	}
	row, ok := t[id]
	if !ok {
		return nil, false, nil
	}
	return clone(row), true, nil
}

func (m *Mem) Insert(_ context.Context, table string, row Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(table)
	k := keyOf(table, row)
	if _, exists := t[k]; exists {
		return apperr.New(apperr.KindConflict, "row already exists")
	}
	t[k] = clone(row)
	return nil
}

func (m *Mem) Update(_ context.Context, table string, id string, patch Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.table(table)
	row, ok := t[id]
	if !ok {
		return apperr.New(apperr.KindNotFound, table+" "+id+" not found")
	}
	merged := clone(row)
	for k, v := range patch {
		merged[k] = v
	}
	t[id] = merged
	return nil
}

func (m *Mem) Query(_ context.Context, table string, filter Filter, orderBy string, desc bool, limit int) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[table]
	if !ok {
		return nil, nil
	}
	var out []Row
	for _, row := range t {
		if matches(row, filter) {
			out = append(out, clone(row))
		}
	}
	if orderBy != "" {
		sort.Slice(out, func(i, j int) bool {
			less := lessValue(out[i][orderBy], out[j][orderBy])
			if desc {
				return !less
			}
			return less
		})
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Mem) VectorSearch(_ context.Context, table string, queryVec []float32, k int, filter Filter) ([]VectorMatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[table]
	if !ok {
		return nil, nil
	}
	var out []VectorMatch
	for id, row := range t {
		if !matches(row, filter) {
			continue
		}
		vec, ok := row["embedding"].([]float32)
		if !ok {
			continue
		}
		out = append(out, VectorMatch{ID: id, Distance: cosineDistance(queryVec, vec)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *Mem) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func matches(row Row, filter Filter) bool {
	for k, v := range filter {
		if row[k] != v {
			return false
		}
	}
	return true
}

func lessValue(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, _ := b.(string)
		return av < bv
	case int:
		bv, _ := b.(int)
		return av < bv
	case float64:
		bv, _ := b.(float64)
		return av < bv
	case time.Time:
		bv, _ := b.(time.Time)
		return av.Before(bv)
	default:
		return false
	}
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.MaxFloat64
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return math.MaxFloat64
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return 1 - cos
}
