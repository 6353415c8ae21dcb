package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Set holds the daemon's adapters by name.
type Set struct {
	mu       sync.RWMutex
	adapters map[string]*Adapter
}

func NewSet() *Set {
	return &Set{adapters: make(map[string]*Adapter)}
}

// Add registers a. Names must be unique.
func (s *Set) Add(a *Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.adapters[a.Name()]; exists {
		return fmt.Errorf("bridge %q already registered", a.Name())
	}
	s.adapters[a.Name()] = a
	return nil
}

// Names returns sorted adapter names.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.adapters))
	for name := range s.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Set) Get(name string) (*Adapter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.adapters[name]
	return a, ok
}

// States reports each adapter's state by name.
func (s *Set) States() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.adapters))
	for name, a := range s.adapters {
		out[name] = a.State().String()
	}
	return out
}

// StartAll starts every adapter in name order and stops at the first
// failure.
func (s *Set) StartAll(ctx context.Context) error {
	for _, name := range s.Names() {
		a, _ := s.Get(name)
		if err := a.Start(ctx); err != nil && !errors.Is(err, ErrAlreadyStarted) {
			return fmt.Errorf("failed to start bridge %q: %w", name, err)
		}
	}
	return nil
}

// StopAll stops every adapter in reverse name order and joins the errors.
func (s *Set) StopAll(ctx context.Context) error {
	names := s.Names()
	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		a, _ := s.Get(names[i])
		if err := a.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop bridge %q: %w", names[i], err))
		}
	}
	return errors.Join(errs...)
}
