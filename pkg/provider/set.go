package provider

import (
	"fmt"
	"sync"
)

// Set binds implementations of one capability to registry entries.
//
// Health lives in the Registry; the Set only maps a selected name back to
// the implementation that serves it.
type Set[T any] struct {
	reg        *Registry
	capability Capability

	mu    sync.RWMutex
	impls map[string]T
}

// NewSet creates a typed view over reg for capability c.
func NewSet[T any](reg *Registry, c Capability) *Set[T] {
	return &Set[T]{reg: reg, capability: c, impls: make(map[string]T)}
}

// Add registers d and binds impl to it. d.Capability is overwritten.
func (s *Set[T]) Add(d Descriptor, impl T) error {
	d.Capability = s.capability
	if err := s.reg.Register(d); err != nil {
		return err
	}
	s.mu.Lock()
	s.impls[d.Name] = impl
	s.mu.Unlock()
	return nil
}

// Select picks the best backend not in exclude.
func (s *Set[T]) Select(p Policy, exclude ...string) (string, T, error) {
	var zero T
	d, err := s.reg.Select(s.capability, p, exclude...)
	if err != nil {
		return "", zero, err
	}

	s.mu.RLock()
	impl, ok := s.impls[d.Name]
	s.mu.RUnlock()
	if !ok {
		return "", zero, fmt.Errorf("%s provider %s registered without implementation", s.capability, d.Name)
	}
	return d.Name, impl, nil
}

// ReportFailure forwards to the registry.
func (s *Set[T]) ReportFailure(name string, err error) Health {
	return s.reg.ReportFailure(s.capability, name, err)
}

// ReportSuccess forwards to the registry.
func (s *Set[T]) ReportSuccess(name string) {
	s.reg.ReportSuccess(s.capability, name)
}

// Capability returns the capability served by the set.
func (s *Set[T]) Capability() Capability {
	return s.capability
}

// Len returns the number of bound implementations.
func (s *Set[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.impls)
}

// Excluder tracks backends that failed during one call so later segments
// avoid them while the registry still considers them usable for others.
type Excluder struct {
	mu     sync.Mutex
	failed []string
}

// Add marks name as failed for this call.
func (x *Excluder) Add(name string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !contains(x.failed, name) {
		x.failed = append(x.failed, name)
	}
}

// List returns a copy of the failed names.
func (x *Excluder) List() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]string(nil), x.failed...)
}

// Contains reports whether name failed in this call.
func (x *Excluder) Contains(name string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return contains(x.failed, name)
}
