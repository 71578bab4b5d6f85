package storage

import (
	"context"
	"errors"
	"time"

	"nudge/internal/module"
)

var (
	ErrClosed  = errors.New("storage closed")
	ErrCorrupt = errors.New("stored state is corrupt")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local map (state is lost on restart)
//   - "file": jsonl journal + snapshot next to Path
//   - "sqlite": SQLite database file
//
// An empty Driver means "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the error-returning persistence API. Callers that must never fail
// wrap it in a StateStore.
type Store interface {
	GetState(ctx context.Context, id string) (st module.State, ok bool, err error)
	PutState(ctx context.Context, id string, st module.State) error
	DeleteState(ctx context.Context, id string) error
	ListStates(ctx context.Context) (map[string]module.State, error)
	AppendScan(ctx context.Context, r ScanRecord) error
	RecentScans(ctx context.Context, limit int) ([]ScanRecord, error)
	Close() error
}

// ScanRecord is one scan pass summary. Keep it compact and schema-stable.
type ScanRecord struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	Took      time.Duration `json:"took"`
	Total     int           `json:"total"`
	Presented int           `json:"presented"`
	Errors    int           `json:"errors"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Trigger   string        `json:"trigger,omitempty"`
}
