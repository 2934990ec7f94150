package orm

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-memory ORM implementation for tests and local development.
// It keeps every table as an ordered slice of records guarded by a single
// RWMutex, and implements transactions as whole-store snapshots.
//
// Production deployments supply a real backend; Memory exists so the engine
// and plugins can be exercised without one.
type Memory struct {
	mu     sync.RWMutex
	tables map[string][]Record
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string][]Record)}
}

func (m *Memory) FindFirst(ctx context.Context, table string, q Query) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return findFirst(m.tables, table, q)
}

func (m *Memory) FindMany(ctx context.Context, table string, q Query) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return findMany(m.tables, table, q)
}

func (m *Memory) Create(ctx context.Context, table string, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return create(m.tables, table, rec)
}

func (m *Memory) UpdateMany(ctx context.Context, table string, where Expr, set Record) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return updateMany(m.tables, table, where, set)
}

func (m *Memory) DeleteMany(ctx context.Context, table string, where Expr) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return deleteMany(m.tables, table, where)
}

func (m *Memory) Upsert(ctx context.Context, table string, where Expr, createRec, update Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return upsert(m.tables, table, where, createRec, update)
}

func (m *Memory) Count(ctx context.Context, table string, where Expr) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return count(m.tables, table, where)
}

// Transaction snapshots the whole store, runs fn against an unlocked view,
// and restores the snapshot when fn returns an error. The store lock is held
// for the duration, which serializes transactions; acceptable for a test store.
func (m *Memory) Transaction(ctx context.Context, fn func(tx ORM) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	backup := snapshot(m.tables)
	if err := fn(&memTx{tables: m.tables}); err != nil {
		m.tables = backup
		return err
	}
	return nil
}

// memTx operates on the store while the outer transaction holds the lock.
type memTx struct {
	tables map[string][]Record
}

func (t *memTx) FindFirst(ctx context.Context, table string, q Query) (Record, error) {
	return findFirst(t.tables, table, q)
}

func (t *memTx) FindMany(ctx context.Context, table string, q Query) ([]Record, error) {
	return findMany(t.tables, table, q)
}

func (t *memTx) Create(ctx context.Context, table string, rec Record) (Record, error) {
	return create(t.tables, table, rec)
}

func (t *memTx) UpdateMany(ctx context.Context, table string, where Expr, set Record) (int64, error) {
	return updateMany(t.tables, table, where, set)
}

func (t *memTx) DeleteMany(ctx context.Context, table string, where Expr) (int64, error) {
	return deleteMany(t.tables, table, where)
}

func (t *memTx) Upsert(ctx context.Context, table string, where Expr, createRec, update Record) (Record, error) {
	return upsert(t.tables, table, where, createRec, update)
}

func (t *memTx) Count(ctx context.Context, table string, where Expr) (int64, error) {
	return count(t.tables, table, where)
}

// Transaction within a transaction reuses the outer scope.
func (t *memTx) Transaction(ctx context.Context, fn func(tx ORM) error) error {
	return fn(t)
}

// Storage operations, caller holds the appropriate lock.

func findFirst(tables map[string][]Record, table string, q Query) (Record, error) {
	q.Limit = 1
	recs, err := findMany(tables, table, q)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

func findMany(tables map[string][]Record, table string, q Query) ([]Record, error) {
	var out []Record
	for _, rec := range tables[table] {
		ok, err := match(rec, q.Where)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec.Clone())
		}
	}
	orderRecords(out, q.OrderBy)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func create(tables map[string][]Record, table string, rec Record) (Record, error) {
	stored := rec.Clone()
	if stored == nil {
		stored = Record{}
	}
	if stored.String("id") == "" {
		stored["id"] = uuid.NewString()
	}
	tables[table] = append(tables[table], stored)
	return stored.Clone(), nil
}

func updateMany(tables map[string][]Record, table string, where Expr, set Record) (int64, error) {
	var n int64
	for _, rec := range tables[table] {
		ok, err := match(rec, where)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		for k, v := range set {
			rec[k] = v
		}
		n++
	}
	return n, nil
}

func deleteMany(tables map[string][]Record, table string, where Expr) (int64, error) {
	kept := tables[table][:0]
	var n int64
	for _, rec := range tables[table] {
		ok, err := match(rec, where)
		if err != nil {
			return 0, err
		}
		if ok {
			n++
			continue
		}
		kept = append(kept, rec)
	}
	tables[table] = kept
	return n, nil
}

func upsert(tables map[string][]Record, table string, where Expr, createRec, update Record) (Record, error) {
	for _, rec := range tables[table] {
		ok, err := match(rec, where)
		if err != nil {
			return nil, err
		}
		if ok {
			for k, v := range update {
				rec[k] = v
			}
			return rec.Clone(), nil
		}
	}
	return create(tables, table, createRec)
}

func count(tables map[string][]Record, table string, where Expr) (int64, error) {
	var n int64
	for _, rec := range tables[table] {
		ok, err := match(rec, where)
		if err != nil {
			return 0, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func snapshot(tables map[string][]Record) map[string][]Record {
	out := make(map[string][]Record, len(tables))
	for name, recs := range tables {
		cp := make([]Record, len(recs))
		for i, rec := range recs {
			cp[i] = rec.Clone()
		}
		out[name] = cp
	}
	return out
}

// Predicate evaluation.

func match(rec Record, e Expr) (bool, error) {
	if e == nil {
		return true, nil
	}
	switch n := e.(type) {
	case Cond:
		return matchCond(rec, n)
	case Group:
		for _, sub := range n.Exprs {
			ok, err := match(rec, sub)
			if err != nil {
				return false, err
			}
			if n.Conj == ConjOr && ok {
				return true, nil
			}
			if n.Conj != ConjOr && !ok {
				return false, nil
			}
		}
		return n.Conj != ConjOr || len(n.Exprs) == 0, nil
	default:
		return false, fmt.Errorf("%w: %T", ErrInvalidExpr, e)
	}
}

func matchCond(rec Record, c Cond) (bool, error) {
	got := rec[c.Field]
	switch c.Op {
	case OpEq:
		return equal(got, c.Value), nil
	case OpNeq:
		return !equal(got, c.Value), nil
	case OpLt, OpLte, OpGt, OpGte:
		cmp, ok := compare(got, c.Value)
		if !ok {
			return false, nil
		}
		switch c.Op {
		case OpLt:
			return cmp < 0, nil
		case OpLte:
			return cmp <= 0, nil
		case OpGt:
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	case OpIn:
		values, ok := c.Value.([]any)
		if !ok {
			return false, fmt.Errorf("%w: in requires a value list", ErrInvalidExpr)
		}
		for _, v := range values {
			if equal(got, v) {
				return true, nil
			}
		}
		return false, nil
	case OpLike:
		pattern, ok := c.Value.(string)
		if !ok {
			return false, fmt.Errorf("%w: like requires a string pattern", ErrInvalidExpr)
		}
		s, ok := got.(string)
		if !ok {
			return false, nil
		}
		return likeMatch(s, pattern), nil
	default:
		return false, fmt.Errorf("%w: unknown operator %q", ErrInvalidExpr, c.Op)
	}
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if at, aok := a.(time.Time); aok {
		bt, bok := b.(time.Time)
		return bok && at.Equal(bt)
	}
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	return a == b
}

// compare returns -1/0/1 and whether the two values are comparable.
func compare(a, b any) (int, bool) {
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return at.Compare(bt), true
	}
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// likeMatch implements SQL LIKE with "%" wildcards only.
func likeMatch(s, pattern string) bool {
	parts := strings.Split(pattern, "%")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

func orderRecords(recs []Record, orderBy []Order) {
	if len(orderBy) == 0 {
		return
	}
	sort.SliceStable(recs, func(i, j int) bool {
		for _, o := range orderBy {
			cmp, ok := compare(recs[i][o.Field], recs[j][o.Field])
			if !ok || cmp == 0 {
				continue
			}
			if o.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}
