package orm

import (
	"context"
	"time"
)

// Record is a single row as seen by the engine. Values are plain Go types:
// string, bool, int64, float64, time.Time, []string, or nil.
type Record map[string]any

// Order describes a single ordering clause.
type Order struct {
	Field string
	Desc  bool
}

// Query bundles the optional parts of a read operation.
type Query struct {
	Where   Expr
	OrderBy []Order
	Limit   int
}

// ORM is the table-oriented persistence port consumed by the engine and every
// plugin step. It is the only coupling between the core and a storage backend;
// hosts supply an implementation for their database of choice.
//
// Implementations must be safe for concurrent use.
type ORM interface {
	// FindFirst returns the first record matching the query, or ErrNotFound.
	FindFirst(ctx context.Context, table string, q Query) (Record, error)

	// FindMany returns all records matching the query, honoring OrderBy and Limit.
	FindMany(ctx context.Context, table string, q Query) ([]Record, error)

	// Create inserts a record and returns it including the generated "id".
	Create(ctx context.Context, table string, rec Record) (Record, error)

	// UpdateMany applies set to every record matching where and returns the count.
	UpdateMany(ctx context.Context, table string, where Expr, set Record) (int64, error)

	// DeleteMany removes every record matching where and returns the count.
	DeleteMany(ctx context.Context, table string, where Expr) (int64, error)

	// Upsert updates the first record matching where, or inserts create when
	// nothing matches. Returns the resulting record.
	Upsert(ctx context.Context, table string, where Expr, create, update Record) (Record, error)

	// Count returns the number of records matching where.
	Count(ctx context.Context, table string, where Expr) (int64, error)

	// Transaction runs fn within a single transactional scope. Steps that
	// mutate more than one record must use it so a cancelled or failed step
	// leaves the store either fully applied or untouched.
	Transaction(ctx context.Context, fn func(tx ORM) error) error
}

// Clone returns a deep copy of the record. Slice values are copied; scalar
// values are shared (they are immutable).
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		if ss, ok := v.([]string); ok {
			cp := make([]string, len(ss))
			copy(cp, ss)
			out[k] = cp
			continue
		}
		out[k] = v
	}
	return out
}

// String returns the value under key as a string, or "" when absent or not a string.
func (r Record) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Bool returns the value under key as a bool, or false when absent.
func (r Record) Bool(key string) bool {
	b, _ := r[key].(bool)
	return b
}

// Time returns the value under key as a time.Time, or the zero time when absent.
func (r Record) Time(key string) time.Time {
	t, _ := r[key].(time.Time)
	return t
}

// Int returns the value under key as an int64, accepting int and float64 too.
func (r Record) Int(key string) int64 {
	switch v := r[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
