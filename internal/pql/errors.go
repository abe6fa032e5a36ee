package pql

import (
	"errors"
	"fmt"
)

// CompileError is raised for shape violations PC catches at compile time
// rather than leaving to the database to reject, per spec.md §4.8/§7's
// "Query errors — PC raises at compile time for shape violations".
type CompileError struct {
	msg string
}

func (e *CompileError) Error() string { return "pql: " + e.msg }

func compileErrorf(format string, args ...any) error {
	return &CompileError{msg: fmt.Sprintf(format, args...)}
}

var (
	errProcessedByNeedsTextEntity = errors.New("pql: processed_by filter only works with item-data queries such as entity=text-extracted")
	errEmptySelectAfterPrune      = errors.New("pql: query has no standard columns to select after pruning vacuous filters")
	errUnknownOrderColumn         = errors.New("pql: unknown order_by column")
)
