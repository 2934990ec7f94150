package orm

import "errors"

var (
	// ErrNotFound is returned when a FindFirst query matches no record.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidExpr is returned when a predicate node cannot be evaluated.
	ErrInvalidExpr = errors.New("invalid predicate expression")
	// ErrTxClosed is returned when a transactional scope is used after it ended.
	ErrTxClosed = errors.New("transaction already closed")
)
