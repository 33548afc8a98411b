// Package telemetry carries named scalar diagnostics out of the control loop.
package telemetry

import (
	"sync"
)

// Sink accepts named numbers. PutNumber must not block the caller.
type Sink interface {
	PutNumber(name string, value float64)
}

// Store keeps the latest value of every name.
type Store struct {
	mu     sync.RWMutex
	values map[string]float64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{values: map[string]float64{}}
}

func (s *Store) PutNumber(name string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
}

// Get returns the latest value of name.
func (s *Store) Get(name string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

// Snapshot returns a copy of every value.
func (s *Store) Snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

type tee []Sink

func (t tee) PutNumber(name string, value float64) {
	for _, s := range t {
		s.PutNumber(name, value)
	}
}

// Tee returns a sink that forwards to every non-nil sink.
func Tee(sinks ...Sink) Sink {
	var t tee
	for _, s := range sinks {
		if s != nil {
			t = append(t, s)
		}
	}
	return t
}
