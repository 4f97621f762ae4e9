package plugin

import (
	"fmt"
	"sync"
)

// Factory constructs one plugin instance from its resolved options.
type (
	SourceFactory      func(options map[string]interface{}) (Source, error)
	TransformFactory   func(options map[string]interface{}) (Transform, error)
	GateFactory        func(options map[string]interface{}) (Gate, error)
	AggregationFactory func(options map[string]interface{}) (Aggregation, error)
	CoalesceFactory    func(options map[string]interface{}) (Coalesce, error)
	SinkFactory        func(options map[string]interface{}) (Sink, error)
)

// Registry maps configured plugin names to constructors, one namespace per
// role. Concrete plugin packages register themselves at init time; the
// engine itself registers nothing.
type Registry struct {
	mu           sync.RWMutex
	sources      map[string]SourceFactory
	transforms   map[string]TransformFactory
	gates        map[string]GateFactory
	aggregations map[string]AggregationFactory
	coalesces    map[string]CoalesceFactory
	sinks        map[string]SinkFactory
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sources:      make(map[string]SourceFactory),
		transforms:   make(map[string]TransformFactory),
		gates:        make(map[string]GateFactory),
		aggregations: make(map[string]AggregationFactory),
		coalesces:    make(map[string]CoalesceFactory),
		sinks:        make(map[string]SinkFactory),
	}
}

func (r *Registry) RegisterSource(name string, f SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = f
}

func (r *Registry) RegisterTransform(name string, f TransformFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transforms[name] = f
}

func (r *Registry) RegisterGate(name string, f GateFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gates[name] = f
}

func (r *Registry) RegisterAggregation(name string, f AggregationFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aggregations[name] = f
}

func (r *Registry) RegisterCoalesce(name string, f CoalesceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.coalesces[name] = f
}

func (r *Registry) RegisterSink(name string, f SinkFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = f
}

func (r *Registry) BuildSource(name string, options map[string]interface{}) (Source, error) {
	r.mu.RLock()
	f, ok := r.sources[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("plugin: source %q is not registered", name)
	}
	return f(options)
}

func (r *Registry) BuildTransform(name string, options map[string]interface{}) (Transform, error) {
	r.mu.RLock()
	f, ok := r.transforms[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("plugin: transform %q is not registered", name)
	}
	return f(options)
}

func (r *Registry) BuildGate(name string, options map[string]interface{}) (Gate, error) {
	r.mu.RLock()
	f, ok := r.gates[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("plugin: gate %q is not registered", name)
	}
	return f(options)
}

func (r *Registry) BuildAggregation(name string, options map[string]interface{}) (Aggregation, error) {
	r.mu.RLock()
	f, ok := r.aggregations[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("plugin: aggregation %q is not registered", name)
	}
	return f(options)
}

func (r *Registry) BuildCoalesce(name string, options map[string]interface{}) (Coalesce, error) {
	r.mu.RLock()
	f, ok := r.coalesces[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("plugin: coalesce %q is not registered", name)
	}
	return f(options)
}

func (r *Registry) BuildSink(name string, options map[string]interface{}) (Sink, error) {
	r.mu.RLock()
	f, ok := r.sinks[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("plugin: sink %q is not registered", name)
	}
	return f(options)
}

// DefaultRegistry is the process-wide registry plugin packages register
// into from init.
var DefaultRegistry = NewRegistry()
