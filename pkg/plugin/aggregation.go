package plugin

import "context"

// OutputMode controls an aggregation's flush semantics and token
// bookkeeping; see AggregationExecutor.
type OutputMode string

const (
	OutputModeSingle      OutputMode = "single"
	OutputModePassthrough OutputMode = "passthrough"
	OutputModeTransform   OutputMode = "transform"
)

// TriggerConfig names the conditions under which an aggregation flushes.
// Whichever fires first wins; a zero value in a field means that
// condition is disabled.
type TriggerConfig struct {
	Count       int
	MaxBytes    int64
	MaxDuration int64 // nanoseconds; 0 disables the time trigger
}

// AcceptResult is returned by Aggregation.Accept for each row offered to
// the buffer.
type AcceptResult struct {
	Accepted bool
	Trigger  bool
}

// Aggregation buffers rows across invocations and periodically flushes
// them as one or more output rows. The executor, not the plugin, owns
// thread-safety of the buffer and the batch/token bookkeeping.
type Aggregation interface {
	Descriptor() Descriptor

	OutputMode() OutputMode
	TriggerConfig() TriggerConfig

	Accept(ctx context.Context, row Row, pctx *Context) (AcceptResult, error)
	ShouldTrigger() bool
	Flush(ctx context.Context, pctx *Context) ([]Row, error)
	Reset()
}
