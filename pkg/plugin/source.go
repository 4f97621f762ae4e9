package plugin

import "context"

// ValidationFailureAction names what a source does with a row that fails
// its own output_schema validation.
type ValidationFailureAction string

const (
	// OnValidationFailureQuarantine routes the raw row to a configured
	// quarantine sink rather than admitting it as a token.
	OnValidationFailureQuarantine ValidationFailureAction = "quarantine"
	// OnValidationFailureDrop discards the row after recording a
	// validation error.
	OnValidationFailureDrop ValidationFailureAction = "drop"
)

// SourceRow is one row yielded by a Source's lazy stream, along with its
// ordinal position.
type SourceRow struct {
	Index int
	Data  Row
}

// Source is a trust boundary: it is the only plugin role required to
// validate its own output against a declared schema.
type Source interface {
	Descriptor() Descriptor

	// OnValidationFailure names what to do with a row that fails
	// output_schema validation: quarantine or drop.
	OnValidationFailure() ValidationFailureAction

	// QuarantineSink names the sink raw rows are sent to when
	// OnValidationFailure is quarantine; empty means drop regardless.
	QuarantineSink() string

	// Stream yields rows lazily. Implementations must close out on ctx
	// cancellation. The returned channel is closed when the source is
	// exhausted; a source-level error is sent on errCh exactly once.
	Stream(ctx context.Context) (out <-chan SourceRow, errCh <-chan error)
}
