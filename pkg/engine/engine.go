// Package engine drives tokens through a compiled ExecutionGraph: the
// orchestrator's top-level run loop, the row processor that walks each
// work item down the spine, and the executors that wrap every plugin call
// with node-state bookkeeping, hashing, retries, and telemetry.
package engine

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tachyon-beep/elspeth/pkg/graph"
	"github.com/tachyon-beep/elspeth/pkg/landscape"
	"github.com/tachyon-beep/elspeth/pkg/payloadstore"
	"github.com/tachyon-beep/elspeth/pkg/plugin"
	"github.com/tachyon-beep/elspeth/pkg/ratelimiter"
	"github.com/tachyon-beep/elspeth/pkg/telemetry"
	"github.com/tachyon-beep/elspeth/pkg/tokenmanager"
)

// Options configures an Orchestrator. Recorder is the only mandatory
// collaborator; everything else degrades to a no-op when absent.
type Options struct {
	Recorder     landscape.Recorder
	Telemetry    *telemetry.Manager
	PayloadStore payloadstore.Store
	Limiter      ratelimiter.Limiter
	Tracer       plugin.Tracer
	Logger       *slog.Logger

	// MaxWorkers is the size of the work-item worker pool; values below 1
	// mean single-threaded cooperative execution.
	MaxWorkers int

	// DefaultRetry applies to stages that declare no retry policy of
	// their own.
	DefaultRetry *plugin.RetryConfig

	// InlineThresholdBytes externalizes any row whose canonical form is
	// larger than this into the payload store, keyed by the same hash the
	// recorder stores, so oversized payloads stay recoverable without
	// bloating the audit rows. Zero disables externalization.
	InlineThresholdBytes int64

	// TelemetryShutdownTimeout bounds the drain at the end of Run.
	TelemetryShutdownTimeout time.Duration
}

// RunResult is what the orchestrator hands back to its caller.
// RowsProcessed counts rows terminated at sinks, not rows that failed.
type RunResult struct {
	RunID         string
	Status        landscape.RunStatus
	RowsProcessed int64
}

// Orchestrator owns one run of one compiled graph.
type Orchestrator struct {
	graph    *graph.ExecutionGraph
	recorder landscape.Recorder
	tokens   *tokenmanager.Manager
	tele     *telemetry.Manager
	payloads payloadstore.Store
	limiter  ratelimiter.Limiter
	tracer   plugin.Tracer
	logger   *slog.Logger

	maxWorkers      int
	defaultRetry    plugin.RetryConfig
	teleTimeout     time.Duration
	inlineThreshold int64

	runID     string
	queue     *workQueue
	agg       *aggregator
	coalescer *coalescer

	sinkWrites int64

	fatalOnce sync.Once
	fatalErr  atomic.Value // error
}

// New builds an Orchestrator for one execution of g.
func New(g *graph.ExecutionGraph, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	retry := plugin.DefaultRetryConfig()
	if opts.DefaultRetry != nil {
		retry = *opts.DefaultRetry
	}
	teleTimeout := opts.TelemetryShutdownTimeout
	if teleTimeout <= 0 {
		teleTimeout = 5 * time.Second
	}

	o := &Orchestrator{
		graph:        g,
		recorder:     opts.Recorder,
		tokens:       tokenmanager.New(opts.Recorder),
		tele:         opts.Telemetry,
		payloads:     opts.PayloadStore,
		limiter:      opts.Limiter,
		tracer:       opts.Tracer,
		logger:       logger.With("component", "engine"),
		maxWorkers:      workers,
		defaultRetry:    retry,
		teleTimeout:     teleTimeout,
		inlineThreshold: opts.InlineThresholdBytes,
		queue:        newWorkQueue(),
		coalescer:    newCoalescer(),
	}
	o.agg = newAggregator(o)
	return o
}

// fatal records the first run-level failure and stops further dispatch.
// In-flight work items complete; queued ones are abandoned.
func (o *Orchestrator) fatal(err error) {
	o.fatalOnce.Do(func() {
		o.fatalErr.Store(err)
		o.logger.Error("run-level failure, draining", "error", err)
		o.queue.Close(true)
	})
}

func (o *Orchestrator) fatalError() error {
	if v := o.fatalErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// emit offers one event to the telemetry manager, if one is attached.
func (o *Orchestrator) emit(kind telemetry.Granularity, eventType, nodeID, tokenID string, attrs map[string]interface{}, err error) {
	if o.tele == nil {
		return
	}
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	attrs["event_type"] = eventType
	o.tele.HandleEvent(telemetry.Event{
		Kind:       kind,
		RunID:      o.runID,
		NodeID:     nodeID,
		TokenID:    tokenID,
		Attrs:      attrs,
		OccurredAt: time.Now(),
		Err:        err,
	})
}

// pluginContext builds the per-invocation context handed to plugins.
func (o *Orchestrator) pluginContext(node *graph.NodeInfo, stateID string) *plugin.Context {
	return &plugin.Context{
		RunID:        o.runID,
		NodeID:       node.NodeID,
		PluginName:   node.Descriptor.Name,
		Config:       node.Options,
		StateID:      stateID,
		Recorder:     o.recorder,
		PayloadStore: o.payloads,
		Tracer:       o.tracer,
	}
}

// retryFor resolves a node's effective retry policy.
func (o *Orchestrator) retryFor(node *graph.NodeInfo) plugin.RetryConfig {
	rc := node.Retry
	if rc.MaxAttempts < 1 {
		rc = o.defaultRetry
	}
	if rc.MaxAttempts < 1 {
		rc.MaxAttempts = 1
	}
	return rc
}
