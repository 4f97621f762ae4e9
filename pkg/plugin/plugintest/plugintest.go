// Package plugintest provides small, configurable in-memory plugins for
// exercising the compiler and orchestrator in tests. None of them touch
// I/O; sinks record writes in memory for assertions.
package plugintest

import (
	"context"
	"fmt"
	"sync"

	"github.com/tachyon-beep/elspeth/pkg/landscape"
	"github.com/tachyon-beep/elspeth/pkg/plugin"
)

// Desc builds a descriptor with sensible defaults for tests.
func Desc(name string, input, output map[string]interface{}) plugin.Descriptor {
	return plugin.Descriptor{
		Name:          name,
		PluginVersion: "1.0.0",
		Determinism:   landscape.DeterminismDeterministic,
		InputSchema:   input,
		OutputSchema:  output,
	}
}

// ObjectSchema is shorthand for an object schema with the given property
// types, all required.
func ObjectSchema(fields map[string]string) map[string]interface{} {
	props := make(map[string]interface{}, len(fields))
	required := make([]interface{}, 0, len(fields))
	for name, typ := range fields {
		props[name] = map[string]interface{}{"type": typ}
		required = append(required, name)
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// StaticSource yields a fixed slice of rows.
type StaticSource struct {
	Name        string
	Rows        []plugin.Row
	Schema      map[string]interface{}
	OnFailure   plugin.ValidationFailureAction
	Quarantine  string
	StreamError error
}

func (s *StaticSource) Descriptor() plugin.Descriptor {
	d := Desc(s.Name, nil, s.Schema)
	d.Determinism = landscape.DeterminismIORead
	return d
}

func (s *StaticSource) OnValidationFailure() plugin.ValidationFailureAction {
	if s.OnFailure == "" {
		return plugin.OnValidationFailureDrop
	}
	return s.OnFailure
}

func (s *StaticSource) QuarantineSink() string { return s.Quarantine }

func (s *StaticSource) Stream(ctx context.Context) (<-chan plugin.SourceRow, <-chan error) {
	out := make(chan plugin.SourceRow)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		for i, row := range s.Rows {
			select {
			case out <- plugin.SourceRow{Index: i, Data: row}:
			case <-ctx.Done():
				return
			}
		}
		if s.StreamError != nil {
			errCh <- s.StreamError
		}
	}()
	return out, errCh
}

// FuncTransform delegates Process to Fn.
type FuncTransform struct {
	Name        string
	Input       map[string]interface{}
	Output      map[string]interface{}
	MultiOutput bool
	Fn          func(ctx context.Context, row plugin.Row) (plugin.TransformResult, error)

	mu    sync.Mutex
	calls int
}

func (t *FuncTransform) Descriptor() plugin.Descriptor { return Desc(t.Name, t.Input, t.Output) }
func (t *FuncTransform) CreatesTokens() bool           { return t.MultiOutput }

func (t *FuncTransform) Process(ctx context.Context, row plugin.Row, _ *plugin.Context) (plugin.TransformResult, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	return t.Fn(ctx, row)
}

// Calls reports how many times Process ran, across retries.
func (t *FuncTransform) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// FuncGate delegates Evaluate to Fn.
type FuncGate struct {
	Name   string
	Input  map[string]interface{}
	Output map[string]interface{}
	Fn     func(ctx context.Context, row plugin.Row) (plugin.GateResult, error)
}

func (g *FuncGate) Descriptor() plugin.Descriptor { return Desc(g.Name, g.Input, g.Output) }

func (g *FuncGate) Evaluate(ctx context.Context, row plugin.Row, _ *plugin.Context) (plugin.GateResult, error) {
	return g.Fn(ctx, row)
}

// BufferAggregation buffers rows until Trigger.Count arrive, then flushes
// via FlushFn over the buffered rows.
type BufferAggregation struct {
	Name    string
	Mode    plugin.OutputMode
	Trigger plugin.TriggerConfig
	FlushFn func(buffered []plugin.Row) ([]plugin.Row, error)

	mu     sync.Mutex
	buffer []plugin.Row
}

func (a *BufferAggregation) Descriptor() plugin.Descriptor     { return Desc(a.Name, nil, nil) }
func (a *BufferAggregation) OutputMode() plugin.OutputMode     { return a.Mode }
func (a *BufferAggregation) TriggerConfig() plugin.TriggerConfig { return a.Trigger }

func (a *BufferAggregation) Accept(_ context.Context, row plugin.Row, _ *plugin.Context) (plugin.AcceptResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffer = append(a.buffer, row.Clone())
	return plugin.AcceptResult{Accepted: true, Trigger: a.Trigger.Count > 0 && len(a.buffer) >= a.Trigger.Count}, nil
}

func (a *BufferAggregation) ShouldTrigger() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Trigger.Count > 0 && len(a.buffer) >= a.Trigger.Count
}

func (a *BufferAggregation) Flush(_ context.Context, _ *plugin.Context) ([]plugin.Row, error) {
	a.mu.Lock()
	buffered := a.buffer
	a.buffer = nil
	a.mu.Unlock()
	if a.FlushFn != nil {
		return a.FlushFn(buffered)
	}
	return buffered, nil
}

func (a *BufferAggregation) Reset() {
	a.mu.Lock()
	a.buffer = nil
	a.mu.Unlock()
}

// MergeCoalesce merges branch rows into one row, later branches
// overwriting earlier keys.
type MergeCoalesce struct {
	Name         string
	MergePolicy  plugin.CoalescePolicy
	Quorum       int
}

func (c *MergeCoalesce) Descriptor() plugin.Descriptor { return Desc(c.Name, nil, nil) }

func (c *MergeCoalesce) Policy() plugin.CoalescePolicy {
	if c.MergePolicy == "" {
		return plugin.CoalesceRequireAll
	}
	return c.MergePolicy
}

func (c *MergeCoalesce) QuorumThreshold() int { return c.Quorum }

func (c *MergeCoalesce) Merge(_ context.Context, inputs []plugin.CoalesceInput, _ *plugin.Context) (plugin.Row, error) {
	merged := plugin.Row{}
	for _, in := range inputs {
		if in.Failed {
			continue
		}
		for k, v := range in.Row {
			merged[k] = v
		}
	}
	return merged, nil
}

// MemorySink records every written row; writes can be forced to fail for
// the first FailFirst attempts.
type MemorySink struct {
	Name      string
	Input     map[string]interface{}
	IsIdem    bool
	FailFirst int

	mu     sync.Mutex
	writes []plugin.Row
	fails  int
	closed bool
}

func (s *MemorySink) Descriptor() plugin.Descriptor { return Desc(s.Name, s.Input, nil) }
func (s *MemorySink) Idempotent() bool              { return s.IsIdem }

func (s *MemorySink) Write(_ context.Context, row plugin.Row, _ *plugin.Context) (plugin.WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails < s.FailFirst {
		s.fails++
		return plugin.WriteResult{}, fmt.Errorf("plugintest: simulated write failure %d", s.fails)
	}
	s.writes = append(s.writes, row.Clone())
	return plugin.WriteResult{
		ArtifactKind: "file",
		PathOrURI:    fmt.Sprintf("memory://%s/%d", s.Name, len(s.writes)-1),
	}, nil
}

func (s *MemorySink) Flush(context.Context, *plugin.Context) error { return nil }

func (s *MemorySink) Close(context.Context, *plugin.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Writes returns a snapshot of everything written so far.
func (s *MemorySink) Writes() []plugin.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]plugin.Row, len(s.writes))
	copy(out, s.writes)
	return out
}

// Closed reports whether Close ran.
func (s *MemorySink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
