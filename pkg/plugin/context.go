// Package plugin defines the protocol surface that row-plugins implement:
// source, transform, gate, aggregation, coalesce, sink. The engine trusts
// plugins in-process; validation lives only at the boundaries the
// three-tier trust model names (sources in, sinks sometimes).
package plugin

import (
	"context"

	"github.com/tachyon-beep/elspeth/pkg/landscape"
	"github.com/tachyon-beep/elspeth/pkg/payloadstore"
)

// Tracer starts a span and returns a function that ends it. A nil Tracer
// makes Context.StartSpan a no-op.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, func())
}

// Context is handed to every plugin call. It carries run identity, the
// plugin's resolved configuration, and optional handles to the recorder,
// tracer, and payload store -- optional because a plugin under unit test
// may run with none of them attached.
type Context struct {
	RunID      string
	NodeID     string
	PluginName string
	Config     map[string]interface{}

	// StateID is the node state the current invocation runs under; set by
	// the executor for the duration of one plugin call.
	StateID string

	Recorder     landscape.Recorder
	PayloadStore payloadstore.Store
	Tracer       Tracer
}

// RecordCall writes an external-call audit row against the current node
// state. A no-op when no recorder or state is attached, so plugins can
// call it unconditionally.
func (c *Context) RecordCall(ctx context.Context, target, requestHash, responseHash string, durationMS int64) error {
	if c.Recorder == nil || c.StateID == "" {
		return nil
	}
	_, err := c.Recorder.RecordCall(ctx, c.StateID, target, requestHash, responseHash, durationMS)
	return err
}

// StartSpan opens a span if a tracer is attached, otherwise returns ctx
// unchanged and a no-op closer.
func (c *Context) StartSpan(ctx context.Context, name string) (context.Context, func()) {
	if c.Tracer == nil {
		return ctx, func() {}
	}
	return c.Tracer.StartSpan(ctx, name)
}

// Descriptor is the common, declarative metadata every plugin role
// exposes: name/version/determinism plus the schemas the DAG compiler
// checks for adjacent-stage compatibility.
type Descriptor struct {
	Name          string
	PluginVersion string
	Determinism   landscape.Determinism
	InputSchema   map[string]interface{}
	OutputSchema  map[string]interface{}
}

// Lifecycle is embeddable by any plugin role that wants the optional
// on_register/on_start/on_complete hooks. A plugin that doesn't need a
// hook simply doesn't implement the corresponding method; the executors
// type-assert for each hook individually rather than requiring a single
// fat interface.
type OnRegisterer interface {
	OnRegister(ctx context.Context, pctx *Context) error
}

type OnStarter interface {
	OnStart(ctx context.Context, pctx *Context) error
}

type OnCompleter interface {
	OnComplete(ctx context.Context, pctx *Context) error
}
