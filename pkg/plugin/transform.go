package plugin

import (
	"context"
	"fmt"
)

// TransformStatus is the outcome a transform reports for one invocation.
type TransformStatus string

const (
	TransformSuccess  TransformStatus = "success"
	TransformError    TransformStatus = "error"
	TransformFiltered TransformStatus = "filtered"
)

// TransformResult is what Transform.Process returns. Exactly one of Row
// or Rows may carry data on a TransformSuccess result; which is valid
// depends on whether the transform declares CreatesTokens.
type TransformResult struct {
	Status    TransformStatus
	Row       Row
	Rows      []Row
	Reason    string
	Retryable bool

	// Populated by the executor, not the plugin.
	InputHash  string
	OutputHash string
	DurationMS int64
}

// HasOutputData reports whether exactly one of Row/Rows carries data, as
// TransformSuccess requires.
func (r TransformResult) HasOutputData() bool {
	return (r.Row != nil) != (len(r.Rows) > 0)
}

// Success builds a single-row success result.
func Success(row Row) TransformResult {
	return TransformResult{Status: TransformSuccess, Row: row}
}

// SuccessMulti builds a multi-row success result. Valid only when the
// transform declares CreatesTokens(); the executor rejects it otherwise
// as a programming error, since a non-token-creating transform returning
// multiple rows has nowhere defined for the extra rows to go.
func SuccessMulti(rows []Row) TransformResult {
	return TransformResult{Status: TransformSuccess, Rows: rows}
}

// Filtered excludes the row from downstream processing. The node state
// still completes; no work item is emitted.
func Filtered(reason string) TransformResult {
	return TransformResult{Status: TransformFiltered, Reason: reason}
}

// Errorf builds an error result, retryable or not.
func Errorf(retryable bool, format string, args ...interface{}) TransformResult {
	return TransformResult{Status: TransformError, Reason: fmt.Sprintf(format, args...), Retryable: retryable}
}

// Transform processes one row and may fan it out into several (when
// CreatesTokens is true) or drop it (filtered).
type Transform interface {
	Descriptor() Descriptor

	// CreatesTokens reports whether this transform is permitted to
	// return a multi-row TransformResult. The DAG compiler and executor
	// both consult this flag.
	CreatesTokens() bool

	Process(ctx context.Context, row Row, pctx *Context) (TransformResult, error)
}
