package plugin

import "context"

// Sink is the terminal stage for a token. Non-idempotent sinks receive
// each row at most once per run; the engine never replays a sink step on
// retry.
type Sink interface {
	Descriptor() Descriptor

	// Idempotent reports whether replaying Write with the same row is
	// safe. The executor consults this before deciding whether a retry
	// is permitted to re-invoke Write at all.
	Idempotent() bool

	Write(ctx context.Context, row Row, pctx *Context) (WriteResult, error)

	// Flush is called periodically (sink-defined cadence) to persist
	// buffered writes. A sink with nothing to batch can no-op.
	Flush(ctx context.Context, pctx *Context) error

	// Close is called once at on_complete.
	Close(ctx context.Context, pctx *Context) error
}

// WriteResult describes the artifact a successful sink write produced.
type WriteResult struct {
	ArtifactKind   string
	PathOrURI      string
	ContentHash    string
	SizeBytes      int64
	IdempotencyKey string
}
