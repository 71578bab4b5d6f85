package storage

import (
	"context"
	"time"

	"nudge/internal/module"
	logx "nudge/pkg/logx"
)

// opTimeout bounds a single state read/write so a wedged backend cannot stall a scan.
const opTimeout = 2 * time.Second

// StateStore is the never-failing facade the engine uses. Reads of missing or
// corrupt state return a fresh pending state; failed writes are logged and dropped.
type StateStore struct {
	store Store
	log   logx.Logger
}

func NewStateStore(store Store, log logx.Logger) *StateStore {
	if store == nil {
		store = NewMemory()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &StateStore{store: store, log: log}
}

// Backend exposes the wrapped store (telemetry writes scan records through it).
func (s *StateStore) Backend() Store { return s.store }

func (s *StateStore) GetState(ctx context.Context, id string) module.State {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	st, ok, err := s.store.GetState(cctx, id)
	if err != nil {
		s.log.Warn("state read failed; using defaults", logx.String("module", id), logx.Err(err))
		return module.State{}.Normalize()
	}
	if !ok {
		return module.State{}.Normalize()
	}
	return st.Normalize()
}

func (s *StateStore) SetState(ctx context.Context, id string, st module.State) {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.store.PutState(cctx, id, st); err != nil {
		s.log.Warn("state write failed", logx.String("module", id), logx.String("status", string(st.Status)), logx.Err(err))
	}
}

// DeleteState forgets a module entirely (used after auto-clear).
func (s *StateStore) DeleteState(ctx context.Context, id string) {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := s.store.DeleteState(cctx, id); err != nil {
		s.log.Warn("state delete failed", logx.String("module", id), logx.Err(err))
	}
}

// States lists every persisted state; failures degrade to an empty map.
func (s *StateStore) States(ctx context.Context) map[string]module.State {
	cctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	m, err := s.store.ListStates(cctx)
	if err != nil {
		s.log.Warn("state list failed", logx.Err(err))
		return map[string]module.State{}
	}
	for k, v := range m {
		m[k] = v.Normalize()
	}
	return m
}
