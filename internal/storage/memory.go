package storage

import (
	"context"
	"sync"

	"nudge/internal/module"
)

const maxMemoryScans = 200

type memoryStore struct {
	mu     sync.Mutex
	states map[string]module.State
	scans  []ScanRecord
	closed bool
}

// NewMemory returns a process-local Store.
func NewMemory() Store {
	return &memoryStore{states: map[string]module.State{}}
}

func (s *memoryStore) GetState(_ context.Context, id string) (module.State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return module.State{}, false, ErrClosed
	}
	st, ok := s.states[id]
	return st, ok, nil
}

func (s *memoryStore) PutState(_ context.Context, id string, st module.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.states[id] = st
	return nil
}

func (s *memoryStore) DeleteState(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.states, id)
	return nil
}

func (s *memoryStore) ListStates(context.Context) (map[string]module.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string]module.State, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out, nil
}

func (s *memoryStore) AppendScan(_ context.Context, r ScanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.scans = append(s.scans, r)
	if len(s.scans) > maxMemoryScans {
		s.scans = s.scans[len(s.scans)-maxMemoryScans:]
	}
	return nil
}

func (s *memoryStore) RecentScans(_ context.Context, limit int) ([]ScanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return newestFirst(s.scans, limit), nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// newestFirst copies the last limit records in reverse order.
func newestFirst(in []ScanRecord, limit int) []ScanRecord {
	if limit <= 0 || limit > len(in) {
		limit = len(in)
	}
	out := make([]ScanRecord, 0, limit)
	for i := len(in) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, in[i])
	}
	return out
}
