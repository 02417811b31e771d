// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package step

import (
	"errors"
	"fmt"
	"sync"

	ingest "github.com/deepgraph-ai/deepgraph/services/ingest"
)

var (
	// ErrUnknownStep indicates the configuration references a step name
	// no constructor registered.
	ErrUnknownStep = errors.New("unknown step")

	// ErrUnsatisfiedDependency indicates a step's dependency is missing
	// from the configured pipeline or ordered after the step.
	ErrUnsatisfiedDependency = errors.New("unsatisfied step dependency")

	// ErrDuplicateStep indicates two registrations share a name.
	ErrDuplicateStep = errors.New("duplicate step registration")
)

// Registry maps step names to implementations. Populated once at process
// start, read-only afterwards.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Step)}
}

// Register adds a step under its own name.
func (r *Registry) Register(s Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := s.Name()
	if name == "" {
		return errors.New("step has empty name")
	}
	if _, ok := r.steps[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStep, name)
	}
	r.steps[name] = s
	return nil
}

// Get returns the named step.
func (r *Registry) Get(name string) (Step, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.steps[name]
	return s, ok
}

// Resolve validates a configured pipeline against the registry.
//
// Description:
//
//	Every configured name must be registered, and every dependency of a
//	configured step must appear earlier in the configured order. Both
//	violations are configuration errors and fatal at startup.
//
// Outputs:
//
//	[]Step - The steps in configured execution order.
//	error - An *ingest.Error of kind configuration wrapping
//	        ErrUnknownStep or ErrUnsatisfiedDependency.
func (r *Registry) Resolve(names []string) ([]Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(names))
	resolved := make([]Step, 0, len(names))
	for _, name := range names {
		s, ok := r.steps[name]
		if !ok {
			return nil, ingest.NewError(ingest.KindConfiguration,
				fmt.Errorf("%w: %q is not registered", ErrUnknownStep, name))
		}
		for _, dep := range s.Dependencies() {
			if !seen[dep] {
				return nil, ingest.NewError(ingest.KindConfiguration,
					fmt.Errorf("%w: step %q requires %q earlier in the pipeline",
						ErrUnsatisfiedDependency, name, dep))
			}
		}
		seen[name] = true
		resolved = append(resolved, s)
	}
	return resolved, nil
}

// Names returns all registered step names. Order is unspecified.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.steps))
	for name := range r.steps {
		names = append(names, name)
	}
	return names
}
