package omop

import (
	"errors"
	"fmt"
)

// Sentinel errors for pipeline failures.
var (
	ErrMalformedRow        = errors.New("malformed row")
	ErrUnresolvedReference = errors.New("unresolved concept reference")
	ErrConnectivity        = errors.New("database connectivity")
	ErrConfirmationMissing = errors.New("destructive action not confirmed")
	ErrLoadBatch           = errors.New("load batch failed")
	ErrUnknownTable        = errors.New("unknown table")
)

// RowError wraps ErrMalformedRow with source position context.
type RowError struct {
	Table  string
	Line   int
	Reason string
}

func (e *RowError) Error() string {
	return fmt.Sprintf("%s: %s line %d: %s", ErrMalformedRow, e.Table, e.Line, e.Reason)
}

func (e *RowError) Unwrap() error { return ErrMalformedRow }

// NewRowError creates a RowError.
func NewRowError(table string, line int, reason string) *RowError {
	return &RowError{Table: table, Line: line, Reason: reason}
}
