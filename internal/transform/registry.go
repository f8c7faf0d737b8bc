package transform

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds a stage from its parameters.
type Factory func(params Params) (Stage, error)

// Registry maps stage names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry holds the built-in stages.
var DefaultRegistry = newDefaultRegistry()

func newDefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(CopyStageName, NewCopy)
	r.MustRegister(InvertStageName, NewInvert)
	r.MustRegister(RescaleStageName, NewRescale)
	r.MustRegister(SmoothStageName, NewSmooth)
	r.MustRegister(DownsampleStageName, NewDownsample)
	r.MustRegister(MeshRemapStageName, NewMeshRemap)
	r.MustRegister(MeshWeldStageName, NewMeshWeld)
	return r
}

// Register adds a factory. Names are unique.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("stage %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// MustRegister is Register that panics on duplicates.
func (r *Registry) MustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// New builds the named stage.
func (r *Registry) New(name string, params Params) (Stage, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStage, name)
	}
	if params == nil {
		params = Params{}
	}
	s, err := f(params)
	if err != nil {
		return nil, fmt.Errorf("build stage %s: %w", name, err)
	}
	return s, nil
}

// Names returns registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
